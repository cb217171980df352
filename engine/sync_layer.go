package engine

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rollback/input"
)

// SyncLayer owns the saved-state ring and the per-player input queues.
// Sessions drive it: they add inputs, ask for save/load/advance
// requests, and query it for the earliest frame that must be
// resimulated after a misprediction.
type SyncLayer struct {
	numPlayers    int
	inputSize     int
	maxPrediction int

	savedStates []*StateCell
	inputQueues []*input.Queue

	currentFrame       input.Frame
	lastConfirmedFrame input.Frame
	lastSavedFrame     input.Frame
}

// NewSyncLayer creates a sync layer for the given number of players.
// maxPrediction bounds how many frames the session may run ahead of
// confirmed input; the state ring holds maxPrediction+2 snapshots so a
// rollback target is always still resident.
func NewSyncLayer(numPlayers, inputSize, maxPrediction int) *SyncLayer {
	s := &SyncLayer{
		numPlayers:         numPlayers,
		inputSize:          inputSize,
		maxPrediction:      maxPrediction,
		savedStates:        make([]*StateCell, maxPrediction+2),
		inputQueues:        make([]*input.Queue, numPlayers),
		currentFrame:       0,
		lastConfirmedFrame: input.NullFrame,
		lastSavedFrame:     input.NullFrame,
	}
	for i := range s.savedStates {
		s.savedStates[i] = &StateCell{}
		s.savedStates[i].reset(input.NullFrame)
	}
	for i := range s.inputQueues {
		s.inputQueues[i] = input.NewQueue(i, inputSize)
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewSyncLayer",
		"num_players":    numPlayers,
		"input_size":     inputSize,
		"max_prediction": maxPrediction,
	}).Debug("Created sync layer")

	return s
}

// CurrentFrame returns the frame the simulation is currently at.
func (s *SyncLayer) CurrentFrame() input.Frame {
	return s.currentFrame
}

// LastConfirmedFrame returns the most recent frame for which every
// player's input is confirmed.
func (s *SyncLayer) LastConfirmedFrame() input.Frame {
	return s.lastConfirmedFrame
}

// LastSavedFrame returns the frame of the most recent save request.
func (s *SyncLayer) LastSavedFrame() input.Frame {
	return s.lastSavedFrame
}

// AdvanceFrame moves the simulation forward one frame.
func (s *SyncLayer) AdvanceFrame() {
	s.currentFrame++
}

// SaveCurrentState reserves the ring slot for the current frame and
// returns the request telling the consumer to fill it. The evicted slot
// only ever held a frame old enough to be confirmed, because sessions
// refuse to run more than maxPrediction frames ahead.
func (s *SyncLayer) SaveCurrentState() Request {
	cell := s.savedStates[int(s.currentFrame)%len(s.savedStates)]
	cell.reset(s.currentFrame)
	s.lastSavedFrame = s.currentFrame
	return Request{
		Type:  RequestSaveState,
		Frame: s.currentFrame,
		Cell:  cell,
	}
}

// LoadFrame rolls the current frame back to the given frame and returns
// the request telling the consumer to restore the matching snapshot.
func (s *SyncLayer) LoadFrame(frame input.Frame) (Request, error) {
	if frame == input.NullFrame {
		return Request{}, fmt.Errorf("cannot load the null frame")
	}
	if frame == s.currentFrame {
		return Request{}, fmt.Errorf("cannot load frame %d, the simulation is already there", frame)
	}

	cell := s.savedStates[int(frame)%len(s.savedStates)]
	if cell.Frame() != frame {
		return Request{}, fmt.Errorf("no saved state for frame %d, ring holds frame %d", frame, cell.Frame())
	}

	s.currentFrame = frame
	return Request{
		Type:  RequestLoadState,
		Frame: frame,
		Cell:  cell,
	}, nil
}

// SavedStateByFrame returns the ring cell for the given frame, if the
// ring still holds that frame's snapshot.
func (s *SyncLayer) SavedStateByFrame(frame input.Frame) (*StateCell, bool) {
	if frame == input.NullFrame {
		return nil, false
	}
	cell := s.savedStates[int(frame)%len(s.savedStates)]
	if cell.Frame() != frame {
		return nil, false
	}
	return cell, true
}

// AddLocalInput registers the local player's input for the current
// frame. The returned frame is where the input landed after frame
// delay.
func (s *SyncLayer) AddLocalInput(player int, in input.GameInput) (input.Frame, error) {
	if player < 0 || player >= s.numPlayers {
		return input.NullFrame, fmt.Errorf("invalid player %d", player)
	}
	return s.inputQueues[player].AddInput(in)
}

// AddRemoteInput registers a confirmed input received from a remote
// player.
func (s *SyncLayer) AddRemoteInput(player int, in input.GameInput) (input.Frame, error) {
	if player < 0 || player >= s.numPlayers {
		return input.NullFrame, fmt.Errorf("invalid player %d", player)
	}
	return s.inputQueues[player].AddInput(in)
}

// SynchronizedInputs collects the input of every player for the current
// frame, predicted where unconfirmed. A player flagged disconnected
// before the current frame yields a blank input carrying NullFrame so
// the consumer can tell placeholder input from real input.
func (s *SyncLayer) SynchronizedInputs(connectStatus []input.ConnectStatus) ([]input.GameInput, error) {
	inputs := make([]input.GameInput, 0, s.numPlayers)
	for i, q := range s.inputQueues {
		if connectStatus[i].Disconnected && connectStatus[i].LastFrame < s.currentFrame {
			blank := input.NewGameInput(input.NullFrame, s.inputSize)
			inputs = append(inputs, blank)
			continue
		}
		in, err := q.Input(s.currentFrame)
		if err != nil {
			return nil, fmt.Errorf("player %d: %w", i, err)
		}
		inputs = append(inputs, in)
	}
	return inputs, nil
}

// ConfirmedInputs collects every player's confirmed input at the given
// frame, blank for disconnected players. Used to broadcast confirmed
// frames to spectators.
func (s *SyncLayer) ConfirmedInputs(frame input.Frame, connectStatus []input.ConnectStatus) ([]input.GameInput, error) {
	inputs := make([]input.GameInput, 0, s.numPlayers)
	for i, q := range s.inputQueues {
		if connectStatus[i].Disconnected && connectStatus[i].LastFrame < frame {
			blank := input.NewGameInput(input.NullFrame, s.inputSize)
			inputs = append(inputs, blank)
			continue
		}
		confirmed, err := q.ConfirmedInput(frame)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, confirmed)
	}
	return inputs, nil
}

// ConfirmedInput returns one player's confirmed input at the given
// frame, for transmission to peers and spectators.
func (s *SyncLayer) ConfirmedInput(player int, frame input.Frame) (input.GameInput, error) {
	if player < 0 || player >= s.numPlayers {
		return input.GameInput{}, fmt.Errorf("invalid player %d", player)
	}
	return s.inputQueues[player].ConfirmedInput(frame)
}

// SetLastConfirmedFrame records the newest frame confirmed by every
// player and releases input history that can no longer be needed for a
// rollback.
func (s *SyncLayer) SetLastConfirmedFrame(frame input.Frame) {
	s.lastConfirmedFrame = frame
	if s.lastConfirmedFrame > 0 {
		for _, q := range s.inputQueues {
			q.DiscardConfirmedFrames(frame - 1)
		}
	}
}

// SetFrameDelay sets the artificial input delay for one player's queue.
func (s *SyncLayer) SetFrameDelay(player int, delay int32) error {
	if player < 0 || player >= s.numPlayers {
		return fmt.Errorf("invalid player %d", player)
	}
	s.inputQueues[player].SetFrameDelay(delay)
	return nil
}

// CheckSimulationConsistency returns the earliest frame across all
// players whose prediction has been confirmed wrong, or NullFrame when
// every speculative frame still stands.
func (s *SyncLayer) CheckSimulationConsistency() input.Frame {
	first := input.NullFrame
	for _, q := range s.inputQueues {
		incorrect := q.FirstIncorrectFrame()
		if incorrect == input.NullFrame {
			continue
		}
		if first == input.NullFrame || incorrect < first {
			first = incorrect
		}
	}
	return first
}

// ResetPrediction clears prediction bookkeeping on every queue after a
// rollback to the given frame has been scheduled.
func (s *SyncLayer) ResetPrediction(frame input.Frame) error {
	for i, q := range s.inputQueues {
		if err := q.ResetPrediction(frame); err != nil {
			return fmt.Errorf("player %d: %w", i, err)
		}
	}
	return nil
}

// MaxPrediction returns the configured prediction window in frames.
func (s *SyncLayer) MaxPrediction() int {
	return s.maxPrediction
}
