package rollback

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rollback/engine"
	"github.com/opd-ai/rollback/input"
	"github.com/opd-ai/rollback/protocol"
	"github.com/opd-ai/rollback/transport"
)

// spectatorBufferSize is the ring of merged confirmed inputs held for
// a spectator. Falling more than a full ring behind the host loses
// frames for good.
const spectatorBufferSize = 60

// hostHandle addresses the single remote peer of a spectator session.
const hostHandle PlayerHandle = 0

// SpectatorSession follows a running peer-to-peer session without
// contributing input. The host streams the merged confirmed inputs of
// every player; the spectator replays them in order, never predicts,
// and therefore never rolls back.
type SpectatorSession struct {
	opts   Options
	socket transport.NonBlockingSocket
	host   *protocol.Endpoint
	clock  protocol.TimeProvider

	state SessionState

	currentFrame  input.Frame
	lastRecvFrame input.Frame
	inputs        [spectatorBufferSize]input.GameInput

	hostConnectStatus []input.ConnectStatus

	events []Event
}

// NewSpectatorSession creates a session that synchronizes with the
// host at the given address and replays its confirmed inputs.
func NewSpectatorSession(opts *Options, socket transport.NonBlockingSocket, hostAddr string) (*SpectatorSession, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if socket == nil {
		return nil, fmt.Errorf("%w: nil socket", ErrInvalidRequest)
	}
	mergedSize := opts.NumPlayers * opts.InputSize
	if mergedSize > input.MaxInputBytes {
		return nil, fmt.Errorf("%w: merged spectator input of %d bytes exceeds %d",
			ErrInvalidRequest, mergedSize, input.MaxInputBytes)
	}

	s := &SpectatorSession{
		opts:   *opts,
		socket: socket,
		clock:  protocol.RealTimeProvider{},
		state:  SessionSynchronizing,

		lastRecvFrame:     input.NullFrame,
		hostConnectStatus: make([]input.ConnectStatus, opts.NumPlayers),
	}
	for i := range s.hostConnectStatus {
		s.hostConnectStatus[i] = input.NewConnectStatus()
	}
	s.host = protocol.NewEndpoint(protocol.EndpointConfig{
		PeerAddr:              hostAddr,
		NumPlayers:            opts.NumPlayers,
		InputSize:             mergedSize,
		DisconnectTimeout:     opts.DisconnectTimeout,
		DisconnectNotifyStart: opts.DisconnectNotifyStart,
		FPS:                   opts.FPS,
		TimeProvider:          s.clock,
	})
	s.host.Synchronize()

	logrus.WithFields(logrus.Fields{
		"function":  "NewSpectatorSession",
		"host_addr": hostAddr,
	}).Info("Created spectator session")

	return s, nil
}

// AddLocalInput always fails: spectators contribute no input.
func (s *SpectatorSession) AddLocalInput(player PlayerHandle, data []byte) error {
	return fmt.Errorf("%w: spectators have no local input", ErrInvalidRequest)
}

// AdvanceFrame replays the next confirmed frame, or several when the
// session has fallen behind the host by more than the configured
// margin. It returns ErrPredictionThreshold when no new frame has
// arrived yet and ErrSpectatorTooFarBehind when the host has already
// overwritten a frame the spectator still needs.
func (s *SpectatorSession) AdvanceFrame() ([]Request, error) {
	if s.state != SessionRunning {
		return nil, ErrNotSynchronized
	}

	framesToAdvance := 1
	if int(s.lastRecvFrame-s.currentFrame) > s.opts.SpectatorMaxFramesBehind {
		framesToAdvance = s.opts.SpectatorCatchupSpeed
	}

	var requests []Request
	for i := 0; i < framesToAdvance; i++ {
		if s.currentFrame > s.lastRecvFrame {
			if len(requests) > 0 {
				break
			}
			return nil, ErrPredictionThreshold
		}

		merged := s.inputs[int(s.currentFrame)%spectatorBufferSize]
		if merged.Frame != s.currentFrame {
			return nil, ErrSpectatorTooFarBehind
		}

		inputs := make([]input.GameInput, s.opts.NumPlayers)
		for p := 0; p < s.opts.NumPlayers; p++ {
			in := input.NewGameInput(s.currentFrame, s.opts.InputSize)
			copy(in.Buffer[:s.opts.InputSize], merged.Buffer[p*s.opts.InputSize:(p+1)*s.opts.InputSize])
			inputs[p] = in
		}

		s.currentFrame++
		requests = append(requests, Request{
			Type:   engine.RequestAdvanceFrame,
			Frame:  s.currentFrame,
			Inputs: inputs,
		})
	}

	return requests, nil
}

// PollRemoteClients drains the network, pumps the host endpoint, and
// returns the events that occurred.
func (s *SpectatorSession) PollRemoteClients() []Event {
	for _, datagram := range s.socket.ReceiveAll() {
		msg, err := protocol.ParseMessage(datagram.Data)
		if err != nil {
			continue
		}
		if s.host.IsHandlingAddr(datagram.Addr) {
			s.host.HandleMessage(msg)
		}
	}

	for _, pe := range s.host.Poll(s.hostConnectStatus) {
		s.handleHostEvent(pe)
	}
	s.host.SendAllMessages(s.socket)

	events := s.events
	s.events = nil
	return events
}

func (s *SpectatorSession) handleHostEvent(pe protocol.Event) {
	switch pe.Type {
	case protocol.EventSynchronizing:
		s.events = append(s.events, Event{
			Type:   EventSynchronizing,
			Player: hostHandle,
			Total:  pe.Total,
			Count:  pe.Count,
		})

	case protocol.EventSynchronized:
		s.state = SessionRunning
		s.events = append(s.events, Event{Type: EventSynchronized, Player: hostHandle})

	case protocol.EventInput:
		s.inputs[int(pe.Input.Frame)%spectatorBufferSize] = pe.Input
		s.lastRecvFrame = pe.Input.Frame

	case protocol.EventNetworkInterrupted:
		s.events = append(s.events, Event{
			Type:              EventNetworkInterrupted,
			Player:            hostHandle,
			DisconnectTimeout: pe.DisconnectTimeout,
		})

	case protocol.EventNetworkResumed:
		s.events = append(s.events, Event{Type: EventNetworkResumed, Player: hostHandle})

	case protocol.EventDisconnected:
		s.events = append(s.events, Event{Type: EventDisconnected, Player: hostHandle})
	}
}

// DisconnectPlayer leaves the session by announcing the departure to
// the host. Only the host handle is valid.
func (s *SpectatorSession) DisconnectPlayer(player PlayerHandle) error {
	if player != hostHandle {
		return ErrInvalidHandle
	}
	s.host.RequestDisconnect(s.hostConnectStatus)
	s.events = append(s.events, Event{Type: EventDisconnected, Player: hostHandle})
	return nil
}

// NetworkStats reports connection quality for the host link.
func (s *SpectatorSession) NetworkStats(player PlayerHandle) (NetworkStats, error) {
	if player != hostHandle {
		return NetworkStats{}, ErrInvalidHandle
	}
	return s.host.NetworkStats()
}

// CurrentFrame returns the next frame the spectator will replay.
func (s *SpectatorSession) CurrentFrame() input.Frame {
	return s.currentFrame
}

// CurrentState returns the session lifecycle state.
func (s *SpectatorSession) CurrentState() SessionState {
	return s.state
}

// FramesBehindHost reports how many confirmed frames the host is ahead
// of this spectator.
func (s *SpectatorSession) FramesBehindHost() int {
	if s.lastRecvFrame == input.NullFrame {
		return 0
	}
	return int(s.lastRecvFrame - s.currentFrame + 1)
}

var _ Session = (*SpectatorSession)(nil)
