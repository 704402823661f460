package types

import (
	"errors"
	"unicode/utf8"

	"github.com/meetwire/meetwire/internal/v1/protocol"
)

// --- Core Domain Types ---

// ParticipantID is the server-assigned unsigned 32-bit identifier for a participant.
type ParticipantID uint32

// MeetingCode is the six-digit decimal identifier assigned at meeting creation.
type MeetingCode string

// DisplayName is the human-readable name a participant announces.
type DisplayName string

// ConnState is the control connection's position in the admission state machine.
type ConnState string

// Connection states. Transitions happen only on dispatcher actions.
const (
	StateUnbound ConnState = "unbound" // not bound to any meeting
	StateHost    ConnState = "host"    // created and hosts a meeting
	StateWaiting ConnState = "waiting" // join requested, pending host decision
	StateMember  ConnState = "member"  // admitted non-host participant
)

// MaxDisplayNameBytes bounds the UTF-8 length of a display name.
const MaxDisplayNameBytes = 64

var (
	ErrEmptyName   = errors.New("display name cannot be empty")
	ErrNameTooLong = errors.New("display name cannot exceed 64 bytes")
	ErrInvalidName = errors.New("display name must be valid UTF-8")
)

// Validate ensures a display name is safe to store and echo.
func (n DisplayName) Validate() error {
	if len(n) == 0 {
		return ErrEmptyName
	}
	if len(n) > MaxDisplayNameBytes {
		return ErrNameTooLong
	}
	if !utf8.ValidString(string(n)) {
		return ErrInvalidName
	}
	return nil
}

// Valid reports whether a meeting code is six ASCII digits.
func (c MeetingCode) Valid() bool {
	if len(c) != 6 {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < '0' || c[i] > '9' {
			return false
		}
	}
	return true
}

// ClientInterface defines the behavior the meeting and transfer layers need
// from a control connection, without depending on the transport package.
type ClientInterface interface {
	GetID() ParticipantID
	GetDisplayName() DisplayName
	SetDisplayName(DisplayName)
	GetState() ConnState
	SetState(ConnState)
	GetMeetingCode() MeetingCode
	SetMeetingCode(MeetingCode)

	// Advisory flags, echoed but never enforced by the server.
	GetIsMuted() bool
	SetIsMuted(bool)
	GetIsCameraOn() bool
	SetIsCameraOn(bool)

	// Enqueue hands a message to the connection's outbound queue without
	// blocking. Queue overflow closes the connection.
	Enqueue(msg *protocol.Message)
	Disconnect()
}
