package rollback

import (
	"fmt"
	"time"

	"github.com/opd-ai/rollback/input"
	"github.com/opd-ai/rollback/protocol"
)

// Options configures a session.
type Options struct {
	// NumPlayers is the number of input-contributing players.
	NumPlayers int

	// InputSize is the used byte length of one player's input per
	// frame, at most input.MaxInputBytes.
	InputSize int

	// LocalPort is the listen address used by NewP2PSessionUDP. It is
	// ignored when a socket is supplied to the session directly.
	LocalPort string

	// FPS is the simulation rate, used to convert network timing into
	// frames.
	FPS int

	// InputDelay is the artificial latency, in frames, applied to
	// local input. Higher values reduce rollback frequency at the cost
	// of responsiveness.
	InputDelay int32

	// MaxPrediction is how many frames the session may simulate ahead
	// of confirmed input.
	MaxPrediction int

	// DisconnectTimeout is how long a peer may stay silent before it
	// is dropped.
	DisconnectTimeout time.Duration

	// DisconnectNotifyStart is how long a peer may stay silent before
	// EventNetworkInterrupted is raised.
	DisconnectNotifyStart time.Duration

	// SpectatorMaxFramesBehind is how far a spectator may trail before
	// it starts catching up.
	SpectatorMaxFramesBehind int

	// SpectatorCatchupSpeed is how many frames a trailing spectator
	// advances per step while catching up.
	SpectatorCatchupSpeed int

	// CheckDistance is how many frames a sync-test session rolls back
	// and resimulates on every advance.
	CheckDistance int
}

// NewOptions returns an Options with the default configuration for the
// given player count and input size.
func NewOptions(numPlayers, inputSize int) *Options {
	return &Options{
		NumPlayers:               numPlayers,
		InputSize:                inputSize,
		FPS:                      protocol.DefaultFPS,
		InputDelay:               0,
		MaxPrediction:            8,
		DisconnectTimeout:        protocol.DefaultDisconnectTimeout,
		DisconnectNotifyStart:    protocol.DefaultDisconnectNotifyStart,
		SpectatorMaxFramesBehind: 10,
		SpectatorCatchupSpeed:    1,
		CheckDistance:            2,
	}
}

// validate checks the option invariants shared by all session kinds.
func (o *Options) validate() error {
	if o.NumPlayers < 1 {
		return fmt.Errorf("%w: at least one player required", ErrInvalidRequest)
	}
	if o.InputSize < 1 || o.InputSize > input.MaxInputBytes {
		return fmt.Errorf("%w: input size must be in 1..%d", ErrInvalidRequest, input.MaxInputBytes)
	}
	if o.FPS <= 0 {
		return fmt.Errorf("%w: fps must be positive", ErrInvalidRequest)
	}
	if o.MaxPrediction < 1 {
		return fmt.Errorf("%w: max prediction must be positive", ErrInvalidRequest)
	}
	if o.InputDelay < 0 {
		return fmt.Errorf("%w: input delay cannot be negative", ErrInvalidRequest)
	}
	return nil
}
