package nomad

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Server Mode
// --------------------------------------------------------------------------

// ServerMode is the mode of a nomad server
type ServerMode string

const (
	ModeAccepting ServerMode = "ACCEPTING" // no change is outstanding
	ModePrepared  ServerMode = "PREPARED"  // a change is staged and waits for commit or rollback
)

// Valid reports whether m is a known mode
func (m ServerMode) Valid() bool {
	return m == ModeAccepting || m == ModePrepared
}

// --------------------------------------------------------------------------
// Change Request State
// --------------------------------------------------------------------------

// ChangeRequestState is the state of a single change request
type ChangeRequestState string

const (
	StatePrepared   ChangeRequestState = "PREPARED"
	StateCommitted  ChangeRequestState = "COMMITTED"
	StateRolledBack ChangeRequestState = "ROLLED_BACK"
)

// Valid reports whether s is a known state
func (s ChangeRequestState) Valid() bool {
	return s == StatePrepared || s == StateCommitted || s == StateRolledBack
}

// Terminal reports whether s is COMMITTED or ROLLED_BACK
func (s ChangeRequestState) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// ParseTerminalState parses a forced recovery state
func ParseTerminalState(s string) (ChangeRequestState, error) {
	switch ChangeRequestState(s) {
	case StateCommitted, StateRolledBack:
		return ChangeRequestState(s), nil
	default:
		return "", fmt.Errorf("invalid terminal state %q (expected %s or %s)", s, StateCommitted, StateRolledBack)
	}
}

// --------------------------------------------------------------------------
// Rejection Type
// --------------------------------------------------------------------------

// RejectionType explains why a server refused a mutative message
type RejectionType uint8

const (
	RejectionNone RejectionType = iota
	// RejectionBadChangeUUID: the uuid is unknown, reused or not the prepared change
	RejectionBadChangeUUID
	// RejectionConcurrentChange: another change is already prepared
	RejectionConcurrentChange
	// RejectionCheckError: the expected mutative message count is stale
	RejectionCheckError
	// RejectionUnacceptableVersion: the version is not currentVersion+1
	RejectionUnacceptableVersion
	// RejectionUnacceptableChange: the change application hook refused the change
	RejectionUnacceptableChange
	// RejectionDead: the server no longer accepts mutations
	RejectionDead
)

// String returns the string representation of a RejectionType.
func (r RejectionType) String() string {
	switch r {
	case RejectionNone:
		return ""
	case RejectionBadChangeUUID:
		return "BAD_CHANGE_UUID"
	case RejectionConcurrentChange:
		return "CONCURRENT_CHANGE"
	case RejectionCheckError:
		return "CHECK_ERROR"
	case RejectionUnacceptableVersion:
		return "UNACCEPTABLE_VERSION"
	case RejectionUnacceptableChange:
		return "UNACCEPTABLE_CHANGE"
	case RejectionDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the rejection type as its name
func (r RejectionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON decodes the rejection type from its name
func (r *RejectionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	switch s {
	case "":
		*r = RejectionNone
	case "BAD_CHANGE_UUID":
		*r = RejectionBadChangeUUID
	case "CONCURRENT_CHANGE":
		*r = RejectionConcurrentChange
	case "CHECK_ERROR":
		*r = RejectionCheckError
	case "UNACCEPTABLE_VERSION":
		*r = RejectionUnacceptableVersion
	case "UNACCEPTABLE_CHANGE":
		*r = RejectionUnacceptableChange
	case "DEAD":
		*r = RejectionDead
	default:
		return fmt.Errorf("unknown rejection type: %s", s)
	}
	return nil
}
