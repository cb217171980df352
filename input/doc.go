// Package input implements the frame-indexed input model for rollback
// networking.
//
// This package provides the Frame counter type, the fixed-size GameInput
// representation exchanged between peers, and the per-player InputQueue
// that stores confirmed inputs and produces predictions for frames whose
// real input has not arrived yet.
//
// Example:
//
//	queue := input.NewQueue(0, 4)
//	in := input.NewGameInput(0, 4)
//	in.Buffer[0] = 0x01
//
//	if _, err := queue.AddInput(in); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Requesting a frame beyond the confirmed history returns a
//	// repeat-last prediction.
//	predicted, err := queue.Input(1)
package input
