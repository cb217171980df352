package protocol

import (
	"time"

	"github.com/opd-ai/rollback/input"
)

// EventType identifies an event emitted by an Endpoint.
type EventType uint8

const (
	// EventSynchronizing reports handshake progress.
	EventSynchronizing EventType = iota
	// EventSynchronized fires once the nonce handshake completes.
	EventSynchronized
	// EventInput delivers one confirmed remote input.
	EventInput
	// EventNetworkInterrupted fires when no traffic has arrived for the
	// notify window; the peer will be disconnected after the remaining
	// timeout unless traffic resumes.
	EventNetworkInterrupted
	// EventNetworkResumed fires when traffic resumes after an
	// interruption.
	EventNetworkResumed
	// EventDisconnected fires when the peer times out or announces an
	// orderly disconnect. Terminal.
	EventDisconnected
)

// Event is a state change or received input reported by an Endpoint to
// its owning session.
type Event struct {
	Type EventType

	// Input is set for EventInput.
	Input input.GameInput

	// Total and Count are set for EventSynchronizing.
	Total int
	Count int

	// DisconnectTimeout is set for EventNetworkInterrupted: the time
	// remaining until the peer is dropped.
	DisconnectTimeout time.Duration
}
