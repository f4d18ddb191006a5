package common

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ValentinKolb/dNomad/lib/nomad"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// The payload is the JSON encoding of the nomad message matching MsgType.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// Payload holds the nomad request or response, empty for discover and reset requests
	Payload []byte `json:"payload,omitempty"`

	// Err is empty if no error occurred, otherwise it contains the error message
	Err string `json:"err,omitempty"`
}

// ErrRemote wraps errors reported by the remote side
var ErrRemote = errors.New("remote error")

// RemoteErr returns the error carried by the message or nil
func (m *Message) RemoteErr() error {
	if m.Err == "" && m.MsgType != MsgTError {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRemote, m.Err)
}

// Decode unmarshals the payload into v
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty %s payload", m.MsgType)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.MsgType, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

func newMessage(msgType MessageType, payload any, err error) *Message {
	msg := &Message{MsgType: msgType}
	if err != nil {
		msg.Err = err.Error()
		return msg
	}
	if payload != nil {
		b, mErr := json.Marshal(payload)
		if mErr != nil {
			return NewErrorResponse(fmt.Sprintf("failed to encode %s payload: %s", msgType, mErr))
		}
		msg.Payload = b
	}
	return msg
}

// NewDiscoverRequest creates a new Discover request
func NewDiscoverRequest() *Message {
	return &Message{MsgType: MsgTDiscover}
}

// NewDiscoverResponse creates a new Discover response
func NewDiscoverResponse(resp *nomad.DiscoverResponse, err error) *Message {
	return newMessage(MsgTDiscover, resp, err)
}

// NewPrepareRequest creates a new Prepare request
func NewPrepareRequest(msg nomad.PrepareMessage) *Message {
	return newMessage(MsgTPrepare, msg, nil)
}

// NewCommitRequest creates a new Commit request
func NewCommitRequest(msg nomad.CommitMessage) *Message {
	return newMessage(MsgTCommit, msg, nil)
}

// NewRollbackRequest creates a new Rollback request
func NewRollbackRequest(msg nomad.RollbackMessage) *Message {
	return newMessage(MsgTRollback, msg, nil)
}

// NewTakeoverRequest creates a new Takeover request
func NewTakeoverRequest(msg nomad.TakeoverMessage) *Message {
	return newMessage(MsgTTakeover, msg, nil)
}

// NewAcceptRejectResponse creates the response to a prepare, commit, rollback
// or takeover request
func NewAcceptRejectResponse(msgType MessageType, resp nomad.AcceptRejectResponse, err error) *Message {
	return newMessage(msgType, resp, err)
}

// NewResetRequest creates a new Reset request
func NewResetRequest() *Message {
	return &Message{MsgType: MsgTReset}
}

// NewResetResponse creates a new Reset response
func NewResetResponse(err error) *Message {
	return newMessage(MsgTReset, nil, err)
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

var messageTypeNames = map[MessageType]string{
	MsgTSuccess:  "success",
	MsgTError:    "error",
	MsgTDiscover: "discover",
	MsgTPrepare:  "prepare",
	MsgTCommit:   "commit",
	MsgTRollback: "rollback",
	MsgTTakeover: "takeover",
	MsgTReset:    "reset",
}

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for msgType, name := range messageTypeNames {
		if name == s {
			*t = msgType
			return nil
		}
	}
	return fmt.Errorf("unknown message type: %s", s)
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// INomadServer operations

	MsgTDiscover // Read the server state
	MsgTPrepare  // Stage a change
	MsgTCommit   // Commit the staged change
	MsgTRollback // Discard the staged change
	MsgTTakeover // Take ownership of the server state
	MsgTReset    // Clear all state (administrative)
)
