package nomad

import (
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Changes
// --------------------------------------------------------------------------

// Change is an application defined configuration change. The payload is
// opaque to nomad, Type lets the application pick its decoder.
type Change struct {
	Type    string `json:"type"`
	Summary string `json:"summary"`
	Payload []byte `json:"payload,omitempty"`
}

// ChangeDetails describes one change request as stored by a server
type ChangeDetails struct {
	UUID              string             `json:"uuid"`
	State             ChangeRequestState `json:"state"`
	Version           int64              `json:"version"`
	Change            Change             `json:"change"`
	ChangeResult      string             `json:"changeResult"`
	CreationHost      string             `json:"creationHost"`
	CreationUser      string             `json:"creationUser"`
	CreationTimestamp time.Time          `json:"creationTimestamp"`
	PrevChangeUUID    string             `json:"prevChangeUuid,omitempty"`
}

// --------------------------------------------------------------------------
// Discovery
// --------------------------------------------------------------------------

// DiscoverResponse is a snapshot of a server's nomad state
type DiscoverResponse struct {
	Mode                  ServerMode `json:"mode"`
	MutativeMessageCount  int64      `json:"mutativeMessageCount"`
	LastMutationHost      string     `json:"lastMutationHost"`
	LastMutationUser      string     `json:"lastMutationUser"`
	LastMutationTimestamp time.Time  `json:"lastMutationTimestamp"`
	CurrentVersion        int64      `json:"currentVersion"`
	HighestVersion        int64      `json:"highestVersion"`

	// LatestChange is nil on a server that never prepared a change
	LatestChange *ChangeDetails `json:"latestChange,omitempty"`
	// LatestCommittedChange is the most recent change in state COMMITTED
	LatestCommittedChange *ChangeDetails `json:"latestCommittedChange,omitempty"`
	// CommittedConfig is the configuration produced by LatestCommittedChange
	CommittedConfig string `json:"committedConfig,omitempty"`
}

// LatestChangeUUID returns the uuid of the latest change or ""
func (d *DiscoverResponse) LatestChangeUUID() string {
	if d == nil || d.LatestChange == nil {
		return ""
	}
	return d.LatestChange.UUID
}

// LatestChangeState returns the state of the latest change or ""
func (d *DiscoverResponse) LatestChangeState() ChangeRequestState {
	if d == nil || d.LatestChange == nil {
		return ""
	}
	return d.LatestChange.State
}

// --------------------------------------------------------------------------
// Mutative Messages
// --------------------------------------------------------------------------

// MutativeMessage holds the fields every state changing message carries
type MutativeMessage struct {
	ExpectedMutativeMessageCount int64     `json:"expectedMutativeMessageCount"`
	MutationHost                 string    `json:"mutationHost"`
	MutationUser                 string    `json:"mutationUser"`
	MutationTimestamp            time.Time `json:"mutationTimestamp"`
	ChangeUUID                   string    `json:"changeUuid"`
}

// PrepareMessage stages a change at a version
type PrepareMessage struct {
	MutativeMessage
	VersionNumber int64  `json:"versionNumber"`
	Change        Change `json:"change"`
}

// CommitMessage commits the prepared change
type CommitMessage struct {
	MutativeMessage
}

// RollbackMessage rolls back the prepared change
type RollbackMessage struct {
	MutativeMessage
}

// TakeoverMessage makes the sender the owner of the server's state, used by recovery
type TakeoverMessage struct {
	MutativeMessage
}

// --------------------------------------------------------------------------
// Accept / Reject
// --------------------------------------------------------------------------

// AcceptRejectResponse is the answer to every mutative message
type AcceptRejectResponse struct {
	Accepted         bool          `json:"accepted"`
	RejectionType    RejectionType `json:"rejectionType,omitempty"`
	RejectionMessage string        `json:"rejectionMessage,omitempty"`
	// LastMutationHost / LastMutationUser identify the current owner on rejection
	LastMutationHost string `json:"lastMutationHost,omitempty"`
	LastMutationUser string `json:"lastMutationUser,omitempty"`
	// RequiresRestart is set on an accepted commit whose change needs a restart to take effect
	RequiresRestart bool `json:"requiresRestart,omitempty"`
}

// Accept creates an accepting response
func Accept() AcceptRejectResponse {
	return AcceptRejectResponse{Accepted: true}
}

// Reject creates a rejecting response
func Reject(rejectionType RejectionType, message, lastMutationHost, lastMutationUser string) AcceptRejectResponse {
	return AcceptRejectResponse{
		RejectionType:    rejectionType,
		RejectionMessage: message,
		LastMutationHost: lastMutationHost,
		LastMutationUser: lastMutationUser,
	}
}

// String renders the response for logs
func (r AcceptRejectResponse) String() string {
	if r.Accepted {
		return "accepted"
	}
	return fmt.Sprintf("rejected (%s): %s", r.RejectionType, r.RejectionMessage)
}
