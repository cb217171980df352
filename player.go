package rollback

// PlayerHandle identifies a player slot for the lifetime of a session.
// Handles for input-contributing players are in [0, NumPlayers); handles
// at NumPlayers and above identify spectators.
type PlayerHandle int

// PlayerKind describes how a player participates in a session.
type PlayerKind uint8

const (
	// PlayerKindLocal is a player whose input is produced on this
	// machine.
	PlayerKindLocal PlayerKind = iota
	// PlayerKindRemote is a player whose input arrives over the
	// network.
	PlayerKindRemote
	// PlayerKindSpectator receives confirmed inputs but contributes
	// none.
	PlayerKindSpectator
)

// Player declares one participant of a peer-to-peer session.
type Player struct {
	Kind PlayerKind
	// Addr is the transport address of the peer, empty for local
	// players.
	Addr string
}

// LocalPlayer declares a participant whose input is produced locally.
func LocalPlayer() Player {
	return Player{Kind: PlayerKindLocal}
}

// RemotePlayer declares a participant at the given transport address.
func RemotePlayer(addr string) Player {
	return Player{Kind: PlayerKindRemote, Addr: addr}
}

// Spectator declares a watch-only participant at the given transport
// address.
func Spectator(addr string) Player {
	return Player{Kind: PlayerKindSpectator, Addr: addr}
}
