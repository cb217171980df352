package rollback

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rollback/engine"
	"github.com/opd-ai/rollback/input"
)

// SyncTestSession exercises a simulation's determinism without any
// network. Every player is local. Each advance is followed by a forced
// rollback of CheckDistance frames and a resimulation; if a
// resimulated frame produces a different state checksum than the
// original simulation did, the simulation is not deterministic and an
// EventDesyncDetected is raised.
type SyncTestSession struct {
	opts Options
	sync *engine.SyncLayer

	// connectStatus is the all-connected placeholder vector; nobody
	// ever disconnects from a local-only session.
	connectStatus []input.ConnectStatus

	// checksums holds the first checksum ever observed per frame,
	// pruned as the check window slides.
	checksums map[input.Frame]uint64

	events []Event
}

// NewSyncTestSession creates a determinism-checking session. The
// consumer drives it exactly like a networked session: add input for
// every player, advance, execute the requests.
func NewSyncTestSession(opts *Options) (*SyncTestSession, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.CheckDistance < 1 || opts.CheckDistance > opts.MaxPrediction {
		return nil, fmt.Errorf("%w: check distance %d outside [1, %d]",
			ErrInvalidRequest, opts.CheckDistance, opts.MaxPrediction)
	}

	s := &SyncTestSession{
		opts:          *opts,
		sync:          engine.NewSyncLayer(opts.NumPlayers, opts.InputSize, opts.MaxPrediction),
		connectStatus: make([]input.ConnectStatus, opts.NumPlayers),
		checksums:     make(map[input.Frame]uint64),
	}
	for i := range s.connectStatus {
		s.connectStatus[i] = input.NewConnectStatus()
	}
	for p := 0; p < opts.NumPlayers; p++ {
		if err := s.sync.SetFrameDelay(p, opts.InputDelay); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":       "NewSyncTestSession",
		"check_distance": opts.CheckDistance,
	}).Info("Created sync-test session")

	return s, nil
}

// AddLocalInput registers one player's input for the current frame.
// Every player is local here, so it must be called once per player per
// frame.
func (s *SyncTestSession) AddLocalInput(player PlayerHandle, data []byte) error {
	if player < 0 || int(player) >= s.opts.NumPlayers {
		return ErrInvalidHandle
	}
	if len(data) != s.opts.InputSize {
		return fmt.Errorf("%w: input is %d bytes, expected %d", ErrInvalidRequest, len(data), s.opts.InputSize)
	}

	in := input.NewGameInput(s.sync.CurrentFrame(), s.opts.InputSize)
	if err := in.CopyBits(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	_, err := s.sync.AddLocalInput(int(player), in)
	return err
}

// AdvanceFrame advances one frame and then forces a rollback of
// CheckDistance frames with a full resimulation, so every frame in the
// window is simulated at least twice. Checksums of the duplicate
// simulations are compared when the consumer's saves come back on the
// following call.
func (s *SyncTestSession) AdvanceFrame() ([]Request, error) {
	s.compareSavedStates()

	var requests []Request
	if s.sync.CurrentFrame() == 0 && s.sync.LastSavedFrame() == input.NullFrame {
		requests = append(requests, s.sync.SaveCurrentState())
	}

	inputs, err := s.sync.SynchronizedInputs(s.connectStatus)
	if err != nil {
		return nil, err
	}
	s.sync.AdvanceFrame()
	requests = append(requests,
		Request{Type: engine.RequestAdvanceFrame, Frame: s.sync.CurrentFrame(), Inputs: inputs},
		s.sync.SaveCurrentState())

	current := s.sync.CurrentFrame()
	checkDistance := input.Frame(s.opts.CheckDistance)
	if current > checkDistance {
		s.sync.SetLastConfirmedFrame(current - checkDistance)

		seekTo := current - checkDistance
		loadReq, err := s.sync.LoadFrame(seekTo)
		if err != nil {
			return nil, err
		}
		requests = append(requests, loadReq)

		for i := input.Frame(0); i < checkDistance; i++ {
			resimInputs, err := s.sync.SynchronizedInputs(s.connectStatus)
			if err != nil {
				return nil, err
			}
			s.sync.AdvanceFrame()
			requests = append(requests,
				Request{Type: engine.RequestAdvanceFrame, Frame: s.sync.CurrentFrame(), Inputs: resimInputs},
				s.sync.SaveCurrentState())
		}
	}

	return requests, nil
}

// compareSavedStates walks the saved-state cells filled in by the
// consumer since the previous call, records first-seen checksums, and
// flags any frame whose resimulation checksummed differently.
func (s *SyncTestSession) compareSavedStates() {
	current := s.sync.CurrentFrame()
	oldest := current - input.Frame(s.opts.CheckDistance)
	if oldest < 0 {
		oldest = 0
	}

	for f := oldest; f <= current; f++ {
		cell, ok := s.sync.SavedStateByFrame(f)
		if !ok {
			continue
		}
		state := cell.Load()
		if state.Checksum == 0 {
			// The consumer has not executed this save yet.
			continue
		}

		recorded, seen := s.checksums[f]
		if !seen {
			s.checksums[f] = state.Checksum
			continue
		}
		if recorded != state.Checksum {
			s.events = append(s.events, Event{
				Type:           EventDesyncDetected,
				Frame:          f,
				LocalChecksum:  state.Checksum,
				RemoteChecksum: recorded,
			})
			logrus.WithFields(logrus.Fields{
				"function": "compareSavedStates",
				"frame":    f,
				"expected": recorded,
				"actual":   state.Checksum,
			}).Error("Simulation is not deterministic")
		}
	}

	for f := range s.checksums {
		if f < oldest {
			delete(s.checksums, f)
		}
	}
}

// PollRemoteClients returns any desync events found so far. There is
// no network to poll.
func (s *SyncTestSession) PollRemoteClients() []Event {
	events := s.events
	s.events = nil
	return events
}

// DisconnectPlayer is not supported: every player is local.
func (s *SyncTestSession) DisconnectPlayer(player PlayerHandle) error {
	return fmt.Errorf("%w: sync-test sessions have no remote players", ErrInvalidRequest)
}

// NetworkStats is not supported: there is no connection to measure.
func (s *SyncTestSession) NetworkStats(player PlayerHandle) (NetworkStats, error) {
	return NetworkStats{}, ErrInvalidHandle
}

// CurrentFrame returns the frame the simulation is at.
func (s *SyncTestSession) CurrentFrame() input.Frame {
	return s.sync.CurrentFrame()
}

// CurrentState returns SessionRunning; a sync-test session needs no
// handshake.
func (s *SyncTestSession) CurrentState() SessionState {
	return SessionRunning
}

var _ Session = (*SyncTestSession)(nil)
