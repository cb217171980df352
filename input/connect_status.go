package input

// ConnectStatus is one peer's view of a single player: the last frame
// for which that player's input is confirmed, and whether the player is
// considered disconnected. Every peer maintains one entry per player and
// the vectors are exchanged on every input message so all peers converge
// on a consistent view of who has dropped.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    Frame
}

// NewConnectStatus returns the initial status for a player: connected,
// no frame confirmed yet.
func NewConnectStatus() ConnectStatus {
	return ConnectStatus{
		Disconnected: false,
		LastFrame:    NullFrame,
	}
}
