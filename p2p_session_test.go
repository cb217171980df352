package rollback

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rollback/engine"
	"github.com/opd-ai/rollback/input"
	"github.com/opd-ai/rollback/transport"
)

// rollbackSim is a minimal deterministic simulation for session tests:
// the state is a single accumulator mixed from every input byte, and
// the history records the state each frame ended with, rewritten when
// a rollback resimulates the frame.
type rollbackSim struct {
	state   uint64
	history map[input.Frame]uint64
}

func newRollbackSim() *rollbackSim {
	return &rollbackSim{history: make(map[input.Frame]uint64)}
}

func (g *rollbackSim) step(inputs []input.GameInput) {
	for _, in := range inputs {
		g.state = g.state*31 + 1
		for _, b := range in.Bits() {
			g.state += uint64(b)
		}
	}
}

func (g *rollbackSim) serialize() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, g.state)
	return buf
}

func (g *rollbackSim) apply(t *testing.T, requests []Request) {
	t.Helper()
	for _, req := range requests {
		switch req.Type {
		case engine.RequestSaveState:
			req.Cell.Save(req.Frame, g.serialize(), 0)
		case engine.RequestLoadState:
			g.state = binary.BigEndian.Uint64(req.Cell.Load().Data)
		case engine.RequestAdvanceFrame:
			g.step(req.Inputs)
			g.history[req.Frame] = g.state
		}
	}
}

func newSessionPair(t *testing.T) (*P2PSession, *P2PSession, *transport.MemorySocket, *transport.MemorySocket) {
	t.Helper()
	sockA, sockB := transport.NewMemoryPair("a", "b")

	a, err := NewP2PSession(NewOptions(2, 1), sockA)
	require.NoError(t, err)
	require.NoError(t, a.AddPlayer(LocalPlayer(), 0))
	require.NoError(t, a.AddPlayer(RemotePlayer("b"), 1))

	b, err := NewP2PSession(NewOptions(2, 1), sockB)
	require.NoError(t, err)
	require.NoError(t, b.AddPlayer(RemotePlayer("a"), 0))
	require.NoError(t, b.AddPlayer(LocalPlayer(), 1))

	return a, b, sockA, sockB
}

// pumpUntilRunning polls the sessions until every one is running,
// collecting the events seen along the way.
func pumpUntilRunning(t *testing.T, sessions ...Session) []Event {
	t.Helper()
	var events []Event
	for i := 0; i < 50; i++ {
		running := true
		for _, s := range sessions {
			events = append(events, s.PollRemoteClients()...)
			if s.CurrentState() != SessionRunning {
				running = false
			}
		}
		if running {
			return events
		}
	}
	t.Fatal("sessions did not synchronize")
	return nil
}

func TestP2PSessionSynchronizes(t *testing.T) {
	a, b, _, _ := newSessionPair(t)

	events := pumpUntilRunning(t, a, b)

	synchronized := 0
	for _, ev := range events {
		if ev.Type == EventSynchronized {
			synchronized++
		}
	}
	assert.Equal(t, 2, synchronized, "one handshake completion per direction")
	assert.Equal(t, SessionRunning, a.CurrentState())
	assert.Equal(t, SessionRunning, b.CurrentState())
}

func TestP2PSessionRejectsInputWhileSynchronizing(t *testing.T) {
	a, _, _, _ := newSessionPair(t)

	err := a.AddLocalInput(0, []byte{1})
	assert.ErrorIs(t, err, ErrNotSynchronized)

	_, err = a.AdvanceFrame()
	assert.ErrorIs(t, err, ErrNotSynchronized)
}

func TestP2PSessionAddPlayerValidation(t *testing.T) {
	sockA, _ := transport.NewMemoryPair("a", "b")
	s, err := NewP2PSession(NewOptions(2, 1), sockA)
	require.NoError(t, err)

	require.NoError(t, s.AddPlayer(LocalPlayer(), 0))

	assert.ErrorIs(t, s.AddPlayer(RemotePlayer("b"), 0), ErrInvalidHandle, "handle already taken")
	assert.ErrorIs(t, s.AddPlayer(RemotePlayer("b"), 7), ErrInvalidHandle, "player handle out of range")
	assert.ErrorIs(t, s.AddPlayer(LocalPlayer(), 1), ErrInvalidRequest, "second local player")
	assert.ErrorIs(t, s.AddPlayer(Spectator("c"), 1), ErrInvalidHandle, "spectator below NumPlayers")
}

// TestP2PSessionStatesConverge runs two full sessions against each
// other and checks that both simulations agree on every confirmed
// frame, rollbacks included. Inputs change every frame, so repeat-last
// prediction is wrong every frame and the rollback path is exercised
// constantly.
func TestP2PSessionStatesConverge(t *testing.T) {
	a, b, _, _ := newSessionPair(t)
	pumpUntilRunning(t, a, b)

	simA, simB := newRollbackSim(), newRollbackSim()
	for f := 0; f < 25; f++ {
		a.PollRemoteClients()
		b.PollRemoteClients()

		require.NoError(t, a.AddLocalInput(0, []byte{byte(f + 1)}))
		requests, err := a.AdvanceFrame()
		require.NoError(t, err)
		simA.apply(t, requests)

		require.NoError(t, b.AddLocalInput(1, []byte{byte(2*f + 1)}))
		requests, err = b.AdvanceFrame()
		require.NoError(t, err)
		simB.apply(t, requests)
	}

	for f := input.Frame(1); f <= 15; f++ {
		require.Contains(t, simA.history, f)
		require.Contains(t, simB.history, f)
		assert.Equal(t, simA.history[f], simB.history[f], "states diverge at frame %d", f)
	}
}

// TestP2PSessionSurvivesPacketLoss drops a third of all datagrams
// after the handshake; the input protocol resends the whole unacked
// window with every input, so the sessions still converge.
func TestP2PSessionSurvivesPacketLoss(t *testing.T) {
	a, b, sockA, sockB := newSessionPair(t)
	pumpUntilRunning(t, a, b)

	countA, countB := 0, 0
	sockA.SetDropFilter(func(data []byte, addr string) bool {
		countA++
		return countA%3 == 0
	})
	sockB.SetDropFilter(func(data []byte, addr string) bool {
		countB++
		return countB%3 == 0
	})

	simA, simB := newRollbackSim(), newRollbackSim()
	for f := 0; f < 25; f++ {
		a.PollRemoteClients()
		b.PollRemoteClients()

		require.NoError(t, a.AddLocalInput(0, []byte{byte(f + 1)}))
		requests, err := a.AdvanceFrame()
		require.NoError(t, err)
		simA.apply(t, requests)

		require.NoError(t, b.AddLocalInput(1, []byte{byte(3 * f)}))
		requests, err = b.AdvanceFrame()
		require.NoError(t, err)
		simB.apply(t, requests)
	}

	for f := input.Frame(1); f <= 12; f++ {
		assert.Equal(t, simA.history[f], simB.history[f], "states diverge at frame %d", f)
	}
}

// TestP2PSessionRecoversFromDelayedBurst blackholes one direction for
// several frames inside the prediction window, then releases it so the
// withheld inputs land as a single burst. The confirmation floor jumps
// many frames at once; the rollback must run on the retained history
// before any of it is released, or the resimulation diverges and the
// sessions wedge against the prediction window.
func TestP2PSessionRecoversFromDelayedBurst(t *testing.T) {
	a, b, _, sockB := newSessionPair(t)
	pumpUntilRunning(t, a, b)

	blackhole := true
	sockB.SetDropFilter(func(data []byte, addr string) bool {
		return blackhole
	})

	simA, simB := newRollbackSim(), newRollbackSim()
	tick := func(f int) {
		t.Helper()
		a.PollRemoteClients()
		b.PollRemoteClients()

		require.NoError(t, a.AddLocalInput(0, []byte{byte(f + 1)}))
		requests, err := a.AdvanceFrame()
		require.NoError(t, err)
		simA.apply(t, requests)

		require.NoError(t, b.AddLocalInput(1, []byte{byte(2*f + 1)}))
		requests, err = b.AdvanceFrame()
		require.NoError(t, err)
		simB.apply(t, requests)
	}

	for f := 0; f < 6; f++ {
		tick(f)
	}
	blackhole = false
	for f := 6; f < 30; f++ {
		tick(f)
	}

	assert.Equal(t, input.Frame(30), a.CurrentFrame())
	assert.Equal(t, input.Frame(30), b.CurrentFrame())
	for f := input.Frame(1); f <= 20; f++ {
		require.Contains(t, simA.history, f)
		require.Contains(t, simB.history, f)
		assert.Equal(t, simA.history[f], simB.history[f], "states diverge at frame %d", f)
	}
}

// TestP2PSessionPredictionThreshold stops one peer from contributing
// input; the other may predict through the full window and no further.
func TestP2PSessionPredictionThreshold(t *testing.T) {
	a, b, _, _ := newSessionPair(t)
	pumpUntilRunning(t, a, b)

	sim := newRollbackSim()
	advanced := 0
	var lastErr error
	for f := 0; f < 12; f++ {
		a.PollRemoteClients()
		b.PollRemoteClients() // stays alive but never adds input

		if lastErr = a.AddLocalInput(0, []byte{1}); lastErr != nil {
			break
		}
		requests, err := a.AdvanceFrame()
		require.NoError(t, err)
		sim.apply(t, requests)
		advanced++
	}

	assert.ErrorIs(t, lastErr, ErrPredictionThreshold)
	assert.Equal(t, 8, advanced, "exactly the prediction window may be simulated unconfirmed")
}

func TestP2PSessionDisconnectPlayer(t *testing.T) {
	a, b, _, _ := newSessionPair(t)
	pumpUntilRunning(t, a, b)

	simA := newRollbackSim()
	for f := 0; f < 3; f++ {
		a.PollRemoteClients()
		b.PollRemoteClients()
		require.NoError(t, a.AddLocalInput(0, []byte{byte(f)}))
		requests, err := a.AdvanceFrame()
		require.NoError(t, err)
		simA.apply(t, requests)
		require.NoError(t, b.AddLocalInput(1, []byte{byte(f)}))
		_, err = b.AdvanceFrame()
		require.NoError(t, err)
	}

	require.NoError(t, a.DisconnectPlayer(1))
	assert.ErrorIs(t, a.DisconnectPlayer(1), ErrPlayerDisconnected)
	assert.ErrorIs(t, a.DisconnectPlayer(9), ErrInvalidHandle)

	events := a.PollRemoteClients()
	disconnected := false
	for _, ev := range events {
		if ev.Type == EventDisconnected && ev.Player == 1 {
			disconnected = true
		}
	}
	assert.True(t, disconnected)

	// The departed player contributes a blank placeholder; the session
	// keeps advancing without waiting on them.
	for f := 0; f < 10; f++ {
		a.PollRemoteClients()
		require.NoError(t, a.AddLocalInput(0, []byte{byte(f)}))
		requests, err := a.AdvanceFrame()
		require.NoError(t, err)
		simA.apply(t, requests)
	}

	// The other side learns about the departure too.
	sawDisconnect := false
	for i := 0; i < 20 && !sawDisconnect; i++ {
		for _, ev := range b.PollRemoteClients() {
			if ev.Type == EventDisconnected && ev.Player == 0 {
				sawDisconnect = true
			}
		}
	}
	assert.True(t, sawDisconnect)
}

func TestP2PSessionNetworkStats(t *testing.T) {
	a, b, _, _ := newSessionPair(t)

	_, err := a.NetworkStats(1)
	assert.Error(t, err, "no stats before the handshake completes")
	_, err = a.NetworkStats(9)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	pumpUntilRunning(t, a, b)

	stats, err := a.NetworkStats(1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.Ping, time.Duration(0))
	assert.GreaterOrEqual(t, stats.SendQueueLen, 0)
}

func TestNewP2PSessionUDP(t *testing.T) {
	_, err := NewP2PSessionUDP(NewOptions(2, 1))
	assert.ErrorIs(t, err, ErrInvalidRequest, "listen address required")

	opts := NewOptions(2, 1)
	opts.LocalPort = "127.0.0.1:0"
	s, err := NewP2PSessionUDP(opts)
	require.NoError(t, err)
	defer s.Socket().Close()
	assert.NotEmpty(t, s.Socket().LocalAddr())
}

func TestP2PSessionLocalHandle(t *testing.T) {
	a, _, _, _ := newSessionPair(t)

	handle, err := a.LocalHandle()
	require.NoError(t, err)
	assert.Equal(t, PlayerHandle(0), handle)

	sock := transport.NewMemorySocket("x")
	s, err := NewP2PSession(NewOptions(2, 1), sock)
	require.NoError(t, err)
	_, err = s.LocalHandle()
	assert.ErrorIs(t, err, ErrInvalidHandle)
}
