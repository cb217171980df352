package input

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// QueueLength is the capacity of the input ring buffer. It bounds how
// many frames of input history a queue retains before confirmed frames
// must be discarded.
const QueueLength = 128

// Queue stores the inputs of a single player indexed by frame. Confirmed
// inputs arrive in strictly sequential frame order; requests for frames
// beyond the confirmed history are answered with a repeat-last
// prediction. The queue records the earliest frame whose prediction
// turned out wrong so the rollback engine knows where to resimulate.
type Queue struct {
	id        int
	head      int
	tail      int
	length    int
	inputSize int

	firstFrame bool

	// lastUserAddedFrame is the last frame handed to AddInput before
	// frame delay was applied; lastAddedFrame is the last frame actually
	// stored in the ring.
	lastUserAddedFrame  Frame
	lastAddedFrame      Frame
	firstIncorrectFrame Frame
	lastRequestedFrame  Frame

	frameDelay int32

	inputs     [QueueLength]GameInput
	prediction GameInput
}

// NewQueue creates an input queue for the player with the given handle.
// inputSize is the used byte length of every input in this queue.
func NewQueue(id int, inputSize int) *Queue {
	q := &Queue{
		id:                  id,
		firstFrame:          true,
		lastUserAddedFrame:  NullFrame,
		lastAddedFrame:      NullFrame,
		firstIncorrectFrame: NullFrame,
		lastRequestedFrame:  NullFrame,
		inputSize:           inputSize,
		prediction:          NewGameInput(NullFrame, inputSize),
	}
	for i := range q.inputs {
		q.inputs[i] = NewGameInput(NullFrame, inputSize)
	}
	return q
}

// SetFrameDelay sets the artificial local-input delay in frames. Delay
// shifts every added input forward, trading input latency for fewer
// rollbacks.
func (q *Queue) SetFrameDelay(delay int32) {
	q.frameDelay = delay
}

// FirstIncorrectFrame returns the earliest frame whose confirmed input
// contradicted an earlier prediction, or NullFrame if every prediction
// so far has held.
func (q *Queue) FirstIncorrectFrame() Frame {
	return q.firstIncorrectFrame
}

// Length returns the number of inputs currently held in the ring.
func (q *Queue) Length() int {
	return q.length
}

// AddInput appends the confirmed input for the next sequential frame.
// Frame delay is applied before storage, so the returned frame is the
// frame the input was actually registered under; NullFrame means the
// input was dropped because a shrinking delay already filled its slot.
// Inputs must arrive in strictly increasing frame order per player.
func (q *Queue) AddInput(in GameInput) (Frame, error) {
	if q.lastUserAddedFrame != NullFrame && in.Frame != q.lastUserAddedFrame+1 {
		return NullFrame, fmt.Errorf("input for frame %d out of order, expected frame %d",
			in.Frame, q.lastUserAddedFrame+1)
	}
	q.lastUserAddedFrame = in.Frame

	newFrame := q.advanceQueueHead(in.Frame)
	if newFrame != NullFrame {
		q.addDelayedInput(in, newFrame)
	}
	return newFrame, nil
}

// advanceQueueHead applies frame delay to the incoming frame number and
// fills any gap caused by a grown delay by replicating the most recent
// input. Returns NullFrame when the input arrives for a slot already
// filled (delay shrank).
func (q *Queue) advanceQueueHead(frame Frame) Frame {
	expected := Frame(0)
	if !q.firstFrame {
		expected = q.inputs[previousPosition(q.head)].Frame + 1
	}

	frame += q.frameDelay
	if expected > frame {
		return NullFrame
	}

	for expected < frame {
		replicated := q.inputs[previousPosition(q.head)]
		q.addDelayedInput(replicated, expected)
		expected++
	}
	return frame
}

// addDelayedInput stores the input under the given frame number and
// checks it against any outstanding prediction for that frame.
func (q *Queue) addDelayedInput(in GameInput, frame Frame) {
	q.inputs[q.head] = in
	q.inputs[q.head].Frame = frame
	q.head = (q.head + 1) % QueueLength
	q.length++
	q.firstFrame = false
	q.lastAddedFrame = frame

	if q.prediction.Frame != NullFrame {
		// The confirmed input lands on a frame we already predicted.
		if q.firstIncorrectFrame == NullFrame && !q.prediction.Equal(&in, true) {
			logrus.WithFields(logrus.Fields{
				"function": "addDelayedInput",
				"player":   q.id,
				"frame":    frame,
			}).Debug("Confirmed input contradicts prediction")
			q.firstIncorrectFrame = frame
		}

		if q.prediction.Frame == q.lastRequestedFrame && q.firstIncorrectFrame == NullFrame {
			// Every outstanding prediction has been confirmed correct.
			q.prediction.Frame = NullFrame
		} else {
			q.prediction.Frame++
		}
	}
}

// Input returns the input to use for the requested frame: the confirmed
// value if it is in the ring, otherwise a prediction repeating the last
// confirmed input (a blank input when nothing has been confirmed yet).
// Requesting a frame whose confirmed input was already discarded is an
// error: answering it with a fresh prediction would silently corrupt a
// resimulation.
func (q *Queue) Input(requestedFrame Frame) (GameInput, error) {
	q.lastRequestedFrame = requestedFrame

	if q.prediction.Frame == NullFrame {
		if q.length > 0 {
			offset := int(requestedFrame - q.inputs[q.tail].Frame)
			if offset < 0 {
				return GameInput{}, fmt.Errorf("input for frame %d was discarded, oldest retained frame is %d",
					requestedFrame, q.inputs[q.tail].Frame)
			}
			if offset < q.length {
				pos := (offset + q.tail) % QueueLength
				return q.inputs[pos], nil
			}
		} else if q.lastAddedFrame != NullFrame && requestedFrame <= q.lastAddedFrame {
			return GameInput{}, fmt.Errorf("input for frame %d was discarded", requestedFrame)
		}

		// Start predicting. Repeat the last confirmed input; when there
		// is none yet, predict a blank input.
		if requestedFrame == 0 || q.lastAddedFrame == NullFrame {
			q.prediction = NewGameInput(NullFrame, q.inputSize)
		} else {
			q.prediction = q.inputs[previousPosition(q.head)]
		}
		q.prediction.Frame++
	}

	predicted := q.prediction
	predicted.Frame = requestedFrame
	return predicted, nil
}

// ConfirmedInput returns the confirmed input stored for the given frame.
// It is an error to request a frame that has been discarded or never
// confirmed.
func (q *Queue) ConfirmedInput(frame Frame) (GameInput, error) {
	pos := int(frame) % QueueLength
	if q.inputs[pos].Frame != frame {
		return GameInput{}, fmt.Errorf("no confirmed input for frame %d", frame)
	}
	return q.inputs[pos], nil
}

// DiscardConfirmedFrames releases ring slots up to and including the
// given frame. Frames still needed for a potential rollback (anything at
// or past the last requested frame) are retained.
func (q *Queue) DiscardConfirmedFrames(frame Frame) {
	if frame < 0 {
		return
	}
	if q.lastRequestedFrame != NullFrame && frame > q.lastRequestedFrame {
		frame = q.lastRequestedFrame
	}

	if frame >= q.lastAddedFrame {
		q.tail = q.head
		q.length = 0
		return
	}

	offset := int(frame-q.inputs[q.tail].Frame) + 1
	if offset <= 0 {
		return
	}
	q.tail = (q.tail + offset) % QueueLength
	q.length -= offset
}

// ResetPrediction clears prediction bookkeeping from the given frame on.
// The rollback engine calls this once it has scheduled resimulation of
// every mispredicted frame.
func (q *Queue) ResetPrediction(frame Frame) error {
	if q.firstIncorrectFrame != NullFrame && frame > q.firstIncorrectFrame {
		return fmt.Errorf("cannot reset prediction at frame %d past first incorrect frame %d",
			frame, q.firstIncorrectFrame)
	}
	q.prediction.Frame = NullFrame
	q.firstIncorrectFrame = NullFrame
	q.lastRequestedFrame = NullFrame
	return nil
}

func previousPosition(pos int) int {
	if pos == 0 {
		return QueueLength - 1
	}
	return pos - 1
}
