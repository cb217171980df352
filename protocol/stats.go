package protocol

import "time"

// NetworkStats is a snapshot of connection quality for one remote peer.
type NetworkStats struct {
	// Ping is the measured round-trip time.
	Ping time.Duration
	// SendQueueLen is the number of inputs awaiting acknowledgment.
	SendQueueLen int
	// KbpsSent is the outgoing bandwidth over the lifetime of the
	// connection, in kilobits per second.
	KbpsSent int
	// LocalFramesBehind is how many frames behind the remote peer the
	// local client runs; negative when the local client is ahead.
	LocalFramesBehind int32
	// RemoteFramesBehind is the remote peer's own report of how many
	// frames behind it runs.
	RemoteFramesBehind int32
}
