// Package protocol defines the chat event wire format exchanged over the relay
// and the validation/annotation pipeline applied to every inbound payload. All
// payloads are JSON objects sent as WebSocket text frames.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// ---------------------------------------------------------------------------
// Field names and enumerations
// ---------------------------------------------------------------------------

// Inbound field names.
const (
	FieldUserID      = "userId"
	FieldUsername    = "username"
	FieldMessage     = "message"
	FieldTimestamp   = "timestamp"
	FieldMessageType = "messageType"
)

// Fields appended by the server on acknowledgement.
const (
	FieldServerTimestamp = "serverTimestamp"
	FieldStatus          = "status"
)

// Response status values.
const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// Bounds for the inbound fields.
const (
	MinUserID        = 1
	MaxUserID        = 100000
	MinMessageLength = 1
	MaxMessageLength = 500
)

// MessageType is the kind of chat event a client submits.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Sentinel errors for each way an inbound payload can be rejected. A
// *ValidationError unwraps to exactly one of these.
var (
	ErrMalformed     = errors.New("malformed input")
	ErrUserID        = errors.New("invalid userId")
	ErrUsername      = errors.New("invalid username")
	ErrMessageLength = errors.New("invalid message length")
	ErrTimestamp     = errors.New("invalid timestamp")
	ErrMessageType   = errors.New("invalid messageType")
)

// ValidationError reports the first constraint an inbound payload violated.
// Field is empty when the payload could not be parsed at all.
type ValidationError struct {
	Field  string
	Reason string
	err    error
}

func (e *ValidationError) Error() string { return e.Reason }

func (e *ValidationError) Unwrap() error { return e.err }

func newValidationError(field string, sentinel error, reason string) *ValidationError {
	if reason == "" {
		reason = sentinel.Error()
	}
	return &ValidationError{Field: field, Reason: reason, err: sentinel}
}

// ---------------------------------------------------------------------------
// Event structs
// ---------------------------------------------------------------------------

// ChatEvent is the typed view of a valid inbound event. The relay echoes the
// client's original bytes rather than re-encoding this struct, so it is only
// used for inspection (logging, load generation, tests).
type ChatEvent struct {
	UserID      int         `json:"userId"`
	Username    string      `json:"username"`
	Message     string      `json:"message"`
	Timestamp   time.Time   `json:"timestamp"`
	MessageType MessageType `json:"messageType"`
}

// ErrorEvent is the single error shape returned to a client whose payload was
// rejected.
type ErrorEvent struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// NewErrorEvent encodes an ErrorEvent carrying the given reason.
func NewErrorEvent(reason string) []byte {
	// Marshalling two strings cannot fail.
	data, _ := json.Marshal(ErrorEvent{Status: StatusError, Message: reason})
	return data
}

// Outcome is the result of processing a single inbound payload: exactly one of
// an annotated event (Err == nil) or an error event.
type Outcome struct {
	Payload []byte
	Err     *ValidationError
}

// Accepted reports whether the payload passed validation.
func (o Outcome) Accepted() bool {
	return o.Err == nil
}
