package input

import (
	"testing"
)

const testInputSize = 4

func makeInput(frame Frame, fill byte) GameInput {
	in := NewGameInput(frame, testInputSize)
	for i := 0; i < testInputSize; i++ {
		in.Buffer[i] = fill
	}
	return in
}

func TestQueueAddSequentialInputs(t *testing.T) {
	q := NewQueue(0, testInputSize)

	for frame := Frame(0); frame < 10; frame++ {
		added, err := q.AddInput(makeInput(frame, byte(frame)))
		if err != nil {
			t.Fatalf("AddInput(%d) returned error: %v", frame, err)
		}
		if added != frame {
			t.Errorf("Expected input registered at frame %d, got %d", frame, added)
		}
	}

	for frame := Frame(0); frame < 10; frame++ {
		in, err := q.Input(frame)
		if err != nil {
			t.Fatalf("Input(%d): %v", frame, err)
		}
		if in.Frame != frame {
			t.Errorf("Input(%d) returned frame %d", frame, in.Frame)
		}
		if in.Buffer[0] != byte(frame) {
			t.Errorf("Input(%d) returned buffer %x, expected %x", frame, in.Buffer[0], byte(frame))
		}
	}
}

func TestQueueRejectsNonSequentialFrames(t *testing.T) {
	testCases := []struct {
		name   string
		frames []Frame
	}{
		{"Repeated frame", []Frame{0, 1, 1}},
		{"Older frame", []Frame{0, 1, 2, 1}},
		{"Gap in frames", []Frame{0, 1, 3}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			q := NewQueue(0, testInputSize)
			var lastErr error
			for _, frame := range tc.frames {
				_, lastErr = q.AddInput(makeInput(frame, 0))
			}
			if lastErr == nil {
				t.Errorf("Expected error for frame sequence %v, got nil", tc.frames)
			}
		})
	}
}

func TestQueuePredictionRepeatsLastConfirmed(t *testing.T) {
	q := NewQueue(0, testInputSize)

	last := makeInput(4, 0x2a)
	for frame := Frame(0); frame < 4; frame++ {
		if _, err := q.AddInput(makeInput(frame, byte(frame))); err != nil {
			t.Fatalf("AddInput(%d): %v", frame, err)
		}
	}
	if _, err := q.AddInput(last); err != nil {
		t.Fatalf("AddInput(4): %v", err)
	}

	// No input beyond frame 4 has arrived: frames 5..8 must predict the
	// frame 4 buffer.
	for frame := Frame(5); frame <= 8; frame++ {
		predicted, err := q.Input(frame)
		if err != nil {
			t.Fatalf("Input(%d): %v", frame, err)
		}
		if predicted.Frame != frame {
			t.Errorf("Predicted input carries frame %d, requested %d", predicted.Frame, frame)
		}
		if !predicted.Equal(&last, true) {
			t.Errorf("Prediction at frame %d does not repeat last confirmed input", frame)
		}
	}
}

func TestQueueDetectsMisprediction(t *testing.T) {
	q := NewQueue(0, testInputSize)

	if _, err := q.AddInput(makeInput(0, 0x01)); err != nil {
		t.Fatalf("AddInput(0): %v", err)
	}

	// Request frames 1..3 before their inputs arrive, forcing predictions.
	for frame := Frame(1); frame <= 3; frame++ {
		if _, err := q.Input(frame); err != nil {
			t.Fatalf("Input(%d): %v", frame, err)
		}
	}

	// Frame 1 matches the prediction, frame 2 does not.
	if _, err := q.AddInput(makeInput(1, 0x01)); err != nil {
		t.Fatalf("AddInput(1): %v", err)
	}
	if q.FirstIncorrectFrame() != NullFrame {
		t.Errorf("Correct prediction flagged incorrect at frame %d", q.FirstIncorrectFrame())
	}

	if _, err := q.AddInput(makeInput(2, 0xff)); err != nil {
		t.Fatalf("AddInput(2): %v", err)
	}
	if q.FirstIncorrectFrame() != 2 {
		t.Errorf("Expected first incorrect frame 2, got %d", q.FirstIncorrectFrame())
	}

	// Later confirmations must not move the first incorrect frame.
	if _, err := q.AddInput(makeInput(3, 0xee)); err != nil {
		t.Fatalf("AddInput(3): %v", err)
	}
	if q.FirstIncorrectFrame() != 2 {
		t.Errorf("First incorrect frame moved to %d", q.FirstIncorrectFrame())
	}

	if err := q.ResetPrediction(2); err != nil {
		t.Fatalf("ResetPrediction(2): %v", err)
	}
	if q.FirstIncorrectFrame() != NullFrame {
		t.Errorf("ResetPrediction did not clear first incorrect frame")
	}
}

func TestQueueFrameDelayShiftsInputs(t *testing.T) {
	q := NewQueue(0, testInputSize)
	q.SetFrameDelay(2)

	added, err := q.AddInput(makeInput(0, 0x11))
	if err != nil {
		t.Fatalf("AddInput(0): %v", err)
	}
	if added != 2 {
		t.Errorf("Expected delayed input registered at frame 2, got %d", added)
	}

	// With no earlier input to replicate, the delay gap holds blanks.
	for frame := Frame(0); frame < 2; frame++ {
		in, err := q.Input(frame)
		if err != nil {
			t.Fatalf("Input(%d): %v", frame, err)
		}
		if in.Buffer[0] != 0 {
			t.Errorf("Frame %d buffer = %x, expected blank gap input", frame, in.Buffer[0])
		}
	}
	in, err := q.Input(2)
	if err != nil {
		t.Fatalf("Input(2): %v", err)
	}
	if in.Buffer[0] != 0x11 {
		t.Errorf("Frame 2 buffer = %x, expected delayed input", in.Buffer[0])
	}
}

func TestQueueDiscardConfirmedFrames(t *testing.T) {
	q := NewQueue(0, testInputSize)
	for frame := Frame(0); frame < 20; frame++ {
		if _, err := q.AddInput(makeInput(frame, byte(frame))); err != nil {
			t.Fatalf("AddInput(%d): %v", frame, err)
		}
	}

	if _, err := q.Input(19); err != nil {
		t.Fatalf("Input(19): %v", err)
	}
	q.DiscardConfirmedFrames(9)

	if q.Length() != 10 {
		t.Errorf("Expected 10 retained inputs after discard, got %d", q.Length())
	}

	// Retained frames stay addressable.
	in, err := q.Input(10)
	if err != nil {
		t.Fatalf("Input(10): %v", err)
	}
	if in.Frame != 10 || in.Buffer[0] != 10 {
		t.Errorf("Frame 10 lost after discard: got frame %d buffer %x", in.Frame, in.Buffer[0])
	}
}

func TestQueueRejectsDiscardedFrameRequest(t *testing.T) {
	q := NewQueue(0, testInputSize)
	for frame := Frame(0); frame < 20; frame++ {
		if _, err := q.AddInput(makeInput(frame, byte(frame))); err != nil {
			t.Fatalf("AddInput(%d): %v", frame, err)
		}
	}

	if _, err := q.Input(19); err != nil {
		t.Fatalf("Input(19): %v", err)
	}
	q.DiscardConfirmedFrames(9)

	// A resimulation asking for an evicted frame must fail loudly
	// instead of answering with a fresh prediction.
	if _, err := q.Input(5); err == nil {
		t.Error("Expected error requesting discarded frame 5, got nil")
	}
}

func TestQueueConfirmedInput(t *testing.T) {
	q := NewQueue(0, testInputSize)
	for frame := Frame(0); frame < 5; frame++ {
		if _, err := q.AddInput(makeInput(frame, byte(frame))); err != nil {
			t.Fatalf("AddInput(%d): %v", frame, err)
		}
	}

	in, err := q.ConfirmedInput(3)
	if err != nil {
		t.Fatalf("ConfirmedInput(3): %v", err)
	}
	if in.Buffer[0] != 3 {
		t.Errorf("ConfirmedInput(3) buffer = %x", in.Buffer[0])
	}

	if _, err := q.ConfirmedInput(7); err == nil {
		t.Error("Expected error for unconfirmed frame 7, got nil")
	}
}
