package rollback

import (
	"time"

	"github.com/opd-ai/rollback/input"
)

// EventType identifies a session event.
type EventType uint8

const (
	// EventSynchronizing reports handshake progress with a peer.
	EventSynchronizing EventType = iota
	// EventSynchronized fires when a peer completes its handshake.
	EventSynchronized
	// EventNetworkInterrupted fires when a peer has been silent long
	// enough to warn about; disconnect follows unless traffic resumes.
	EventNetworkInterrupted
	// EventNetworkResumed fires when a silent peer starts talking
	// again.
	EventNetworkResumed
	// EventDisconnected fires when a peer is dropped, by timeout or by
	// request.
	EventDisconnected
	// EventDesyncDetected fires when checksums for the same confirmed
	// frame diverge. The session keeps running; it is up to the
	// consumer to decide whether to continue.
	EventDesyncDetected
	// EventWaitRecommendation asks the consumer to skip the given
	// number of frames so slower peers can catch up.
	EventWaitRecommendation
)

// Event is a session-level notification returned from polling.
type Event struct {
	Type EventType

	// Player is the affected player, where applicable.
	Player PlayerHandle

	// Total and Count report synchronization progress for
	// EventSynchronizing.
	Total int
	Count int

	// DisconnectTimeout is the remaining grace period for
	// EventNetworkInterrupted.
	DisconnectTimeout time.Duration

	// Frame and the checksums describe an EventDesyncDetected.
	Frame          input.Frame
	LocalChecksum  uint64
	RemoteChecksum uint64

	// SkipFrames is the recommended wait for EventWaitRecommendation.
	SkipFrames int32
}
