package configstore

import (
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// Entry is one configuration produced by a change
type Entry struct {
	ChangeUUID string    `json:"changeUuid"`
	Version    int64     `json:"version"`
	Config     string    `json:"config"`
	SavedAt    time.Time `json:"savedAt"`
}

// IConfigStore stores the configuration that results from each prepared
// change, keyed by change uuid. Several changes may share a version number
// (a rolled back change and its successor), the uuid is unique.
type IConfigStore interface {
	// SaveConfig stores the configuration produced by a change. Saving the same uuid twice overwrites it.
	SaveConfig(changeUUID string, version int64, config string) (err error)
	// GetConfig returns the configuration produced by a change. The boolean reports whether it was found.
	GetConfig(changeUUID string) (entry Entry, loaded bool, err error)
	// Reset removes all stored configurations.
	Reset() (err error)
	// Close releases the underlying storage.
	Close() (err error)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error wraps a return code and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCInvalidOperation:
		errorCode = "InvalidOperation"
	case RetCClosed:
		errorCode = "Closed"
	default:
		errorCode = "Unknown"
	}

	return fmt.Sprintf("ConfigStoreError (code %s): %s", errorCode, e.Msg)
}

// NewError creates a new Error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Command executed successfully.
	RetCInternalError                   // 1: Command failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation.
	RetCClosed                          // 3: The store was closed.
)
