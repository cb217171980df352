package rollback

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rollback/engine"
)

func TestSyncTestSessionValidation(t *testing.T) {
	opts := NewOptions(2, 1)
	opts.CheckDistance = 0
	_, err := NewSyncTestSession(opts)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	opts.CheckDistance = opts.MaxPrediction + 1
	_, err = NewSyncTestSession(opts)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSyncTestSessionInputValidation(t *testing.T) {
	s, err := NewSyncTestSession(NewOptions(2, 1))
	require.NoError(t, err)

	assert.ErrorIs(t, s.AddLocalInput(5, []byte{1}), ErrInvalidHandle)
	assert.ErrorIs(t, s.AddLocalInput(0, []byte{1, 2}), ErrInvalidRequest)
	assert.ErrorIs(t, s.DisconnectPlayer(0), ErrInvalidRequest)
	_, err = s.NetworkStats(0)
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

// TestSyncTestSessionCleanSimulation drives a deterministic simulation
// through constant forced rollbacks; no desync may ever be reported.
func TestSyncTestSessionCleanSimulation(t *testing.T) {
	s, err := NewSyncTestSession(NewOptions(2, 1))
	require.NoError(t, err)

	sim := newRollbackSim()
	var events []Event
	for f := 0; f < 30; f++ {
		require.NoError(t, s.AddLocalInput(0, []byte{byte(f + 1)}))
		require.NoError(t, s.AddLocalInput(1, []byte{byte(7 * f)}))

		requests, err := s.AdvanceFrame()
		require.NoError(t, err)
		sim.apply(t, requests)

		events = append(events, s.PollRemoteClients()...)
	}

	assert.Empty(t, events, "a deterministic simulation never desyncs")
	assert.Equal(t, 30, int(s.CurrentFrame()))
	assert.Equal(t, SessionRunning, s.CurrentState())
}

// TestSyncTestSessionFlagsNondeterminism feeds the session a
// simulation whose saved state depends on how often it was saved, so
// every resimulation checksums differently.
func TestSyncTestSessionFlagsNondeterminism(t *testing.T) {
	s, err := NewSyncTestSession(NewOptions(1, 1))
	require.NoError(t, err)

	var state, saves uint64
	var events []Event
	for f := 0; f < 10; f++ {
		require.NoError(t, s.AddLocalInput(0, []byte{byte(f)}))

		requests, err := s.AdvanceFrame()
		require.NoError(t, err)
		for _, req := range requests {
			switch req.Type {
			case engine.RequestSaveState:
				saves++
				buf := make([]byte, 16)
				binary.BigEndian.PutUint64(buf, state)
				binary.BigEndian.PutUint64(buf[8:], saves)
				req.Cell.Save(req.Frame, buf, 0)
			case engine.RequestLoadState:
				state = binary.BigEndian.Uint64(req.Cell.Load().Data)
			case engine.RequestAdvanceFrame:
				for _, in := range req.Inputs {
					state = state*31 + uint64(in.Bits()[0]) + 1
				}
			}
		}

		events = append(events, s.PollRemoteClients()...)
	}

	desyncs := 0
	for _, ev := range events {
		if ev.Type == EventDesyncDetected {
			desyncs++
			assert.NotEqual(t, ev.LocalChecksum, ev.RemoteChecksum)
		}
	}
	assert.Greater(t, desyncs, 0, "save-count leakage into the state must be caught")
}

// TestSyncTestSessionRollbackShape checks each advance emits the
// documented request pattern: the advance and save, then a load and a
// resimulation of the whole check window.
func TestSyncTestSessionRollbackShape(t *testing.T) {
	opts := NewOptions(1, 1)
	opts.CheckDistance = 2
	s, err := NewSyncTestSession(opts)
	require.NoError(t, err)

	sim := newRollbackSim()

	// Frame 0 prepends the initial snapshot.
	require.NoError(t, s.AddLocalInput(0, []byte{1}))
	requests, err := s.AdvanceFrame()
	require.NoError(t, err)
	require.Len(t, requests, 3)
	assert.Equal(t, engine.RequestSaveState, requests[0].Type)
	assert.Equal(t, engine.RequestAdvanceFrame, requests[1].Type)
	assert.Equal(t, engine.RequestSaveState, requests[2].Type)
	sim.apply(t, requests)

	// Once past the check distance, every advance is followed by a
	// load and CheckDistance resimulated frames, each with a save.
	for f := 1; f < 5; f++ {
		require.NoError(t, s.AddLocalInput(0, []byte{byte(f)}))
		requests, err = s.AdvanceFrame()
		require.NoError(t, err)
		sim.apply(t, requests)
	}
	require.Len(t, requests, 7)
	assert.Equal(t, engine.RequestAdvanceFrame, requests[0].Type)
	assert.Equal(t, engine.RequestSaveState, requests[1].Type)
	assert.Equal(t, engine.RequestLoadState, requests[2].Type)
	assert.Equal(t, requests[0].Frame-2, requests[2].Frame, "load lands the check distance back")
	assert.Equal(t, engine.RequestAdvanceFrame, requests[3].Type)
	assert.Equal(t, engine.RequestSaveState, requests[4].Type)
	assert.Equal(t, engine.RequestAdvanceFrame, requests[5].Type)
	assert.Equal(t, engine.RequestSaveState, requests[6].Type)
}
