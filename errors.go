package rollback

import "errors"

// Common errors for rollback sessions.
var (
	// ErrInvalidHandle indicates an unknown or out-of-range player
	// handle.
	ErrInvalidHandle = errors.New("invalid player handle")

	// ErrInvalidRequest indicates a request that contradicts the
	// session configuration, such as adding more players than declared.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrPlayerDisconnected indicates an operation on a player that has
	// already been disconnected.
	ErrPlayerDisconnected = errors.New("player is disconnected")

	// ErrPredictionThreshold indicates the session would run further
	// ahead of confirmed input than the prediction window allows. The
	// caller must stop advancing until confirmation catches up.
	ErrPredictionThreshold = errors.New("prediction threshold reached")

	// ErrNotSynchronized indicates input or advancement was requested
	// before every remote peer finished synchronizing.
	ErrNotSynchronized = errors.New("session is not synchronized")

	// ErrSpectatorTooFarBehind indicates the host has outrun the
	// spectator's input buffer; frames the spectator still needs are
	// gone.
	ErrSpectatorTooFarBehind = errors.New("spectator too far behind host")
)
