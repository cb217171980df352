package engine

import (
	"fmt"

	"github.com/opd-ai/rollback/input"
)

// RequestType identifies what a Request asks the consumer to do.
type RequestType uint8

const (
	// RequestSaveState asks the consumer to snapshot its simulation at
	// the request's frame into the attached cell.
	RequestSaveState RequestType = iota
	// RequestLoadState asks the consumer to restore its simulation from
	// the attached cell.
	RequestLoadState
	// RequestAdvanceFrame asks the consumer to advance its simulation
	// one frame using the attached inputs, one per player.
	RequestAdvanceFrame
)

// Request is one step of simulation work prescribed by the engine.
// Consumers must execute the requests returned from an advance in the
// exact order given; the ordering is what keeps saved states and the
// frame counter consistent.
type Request struct {
	Type   RequestType
	Frame  input.Frame
	Cell   *StateCell
	Inputs []input.GameInput
}

// String implements fmt.Stringer for log output.
func (r Request) String() string {
	switch r.Type {
	case RequestSaveState:
		return fmt.Sprintf("save state at frame %d", r.Frame)
	case RequestLoadState:
		return fmt.Sprintf("load state of frame %d", r.Frame)
	case RequestAdvanceFrame:
		return fmt.Sprintf("advance to frame %d", r.Frame)
	}
	return fmt.Sprintf("unknown request type %d", r.Type)
}
