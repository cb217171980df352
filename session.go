package rollback

import (
	"github.com/opd-ai/rollback/engine"
	"github.com/opd-ai/rollback/input"
	"github.com/opd-ai/rollback/protocol"
)

// Request re-exports the engine request type: one step of simulation
// work the consumer must execute.
type Request = engine.Request

// NetworkStats re-exports the protocol connection-quality snapshot.
type NetworkStats = protocol.NetworkStats

// SessionState is the lifecycle state of a session.
type SessionState uint8

const (
	// SessionSynchronizing means peers are still completing their
	// handshakes; input and advancement are rejected.
	SessionSynchronizing SessionState = iota
	// SessionRunning means the session accepts input and advances.
	SessionRunning
)

// Session is the capability shared by all session kinds: peer-to-peer,
// spectator, and sync-test. A session is driven from a single
// goroutine, typically the simulation loop: poll, add local input,
// advance, execute the returned requests.
type Session interface {
	// AddLocalInput registers the local input of one player for the
	// current frame. It must be called for every local player before
	// AdvanceFrame.
	AddLocalInput(player PlayerHandle, data []byte) error

	// AdvanceFrame returns the ordered simulation work for one tick:
	// possibly a rollback (load an old state, resimulate), then the
	// advance to the next frame. The consumer must execute the
	// requests in order.
	AdvanceFrame() ([]Request, error)

	// PollRemoteClients drains the network, runs protocol timers, and
	// returns the events that occurred. Non-blocking; call once per
	// tick.
	PollRemoteClients() []Event

	// DisconnectPlayer drops the given player. Their future input is
	// a blank placeholder from the disconnect frame on.
	DisconnectPlayer(player PlayerHandle) error

	// NetworkStats reports connection quality for a remote player.
	NetworkStats(player PlayerHandle) (NetworkStats, error)

	// CurrentFrame returns the frame the simulation is at.
	CurrentFrame() input.Frame

	// CurrentState returns the session lifecycle state.
	CurrentState() SessionState
}
