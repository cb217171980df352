package rollback

import (
	"fmt"
	"math"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rollback/engine"
	"github.com/opd-ai/rollback/input"
	"github.com/opd-ai/rollback/protocol"
	"github.com/opd-ai/rollback/transport"
)

// recommendationInterval is the minimum number of frames between two
// EventWaitRecommendation emissions.
const recommendationInterval = 60

// P2PSession runs a full-mesh peer-to-peer session: one local player,
// one protocol endpoint per remote player, and any number of
// watch-only spectators that receive the merged confirmed inputs.
//
// All players must be added while the session is synchronizing; the
// session starts running once every endpoint completes its handshake.
type P2PSession struct {
	opts   Options
	socket transport.NonBlockingSocket
	sync   *engine.SyncLayer
	clock  protocol.TimeProvider

	state SessionState

	handles     mapset.Set[PlayerHandle]
	localHandle PlayerHandle
	endpoints   map[PlayerHandle]*protocol.Endpoint
	spectators  map[PlayerHandle]*protocol.Endpoint

	localConnectStatus []input.ConnectStatus

	// lastSentFrame is the newest local queue frame already fanned out
	// to the remote endpoints. Frame-delay gap fills count.
	lastSentFrame input.Frame

	// nextSpectatorFrame is the next confirmed frame owed to the
	// spectator endpoints.
	nextSpectatorFrame input.Frame

	nextRecommendedSleep input.Frame

	events []Event
}

// NewP2PSession creates a peer-to-peer session over the given socket.
// The caller declares every participant with AddPlayer before polling.
func NewP2PSession(opts *Options, socket transport.NonBlockingSocket) (*P2PSession, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if socket == nil {
		return nil, fmt.Errorf("%w: nil socket", ErrInvalidRequest)
	}

	s := &P2PSession{
		opts:               *opts,
		socket:             socket,
		sync:               engine.NewSyncLayer(opts.NumPlayers, opts.InputSize, opts.MaxPrediction),
		clock:              protocol.RealTimeProvider{},
		state:              SessionSynchronizing,
		handles:            mapset.NewThreadUnsafeSet[PlayerHandle](),
		localHandle:        PlayerHandle(input.NullFrame),
		endpoints:          make(map[PlayerHandle]*protocol.Endpoint),
		spectators:         make(map[PlayerHandle]*protocol.Endpoint),
		localConnectStatus: make([]input.ConnectStatus, opts.NumPlayers),
		lastSentFrame:      input.NullFrame,
	}
	for i := range s.localConnectStatus {
		s.localConnectStatus[i] = input.NewConnectStatus()
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewP2PSession",
		"num_players": opts.NumPlayers,
		"input_size":  opts.InputSize,
	}).Info("Created peer-to-peer session")

	return s, nil
}

// NewP2PSessionUDP creates a peer-to-peer session on a UDP socket bound
// to the LocalPort address in opts. Close the socket, reachable through
// Socket, when the session is done.
func NewP2PSessionUDP(opts *Options) (*P2PSession, error) {
	if opts.LocalPort == "" {
		return nil, fmt.Errorf("%w: LocalPort required for the UDP transport", ErrInvalidRequest)
	}
	socket, err := transport.NewUDPSocket(opts.LocalPort)
	if err != nil {
		return nil, err
	}
	s, err := NewP2PSession(opts, socket)
	if err != nil {
		socket.Close()
		return nil, err
	}
	return s, nil
}

// Socket returns the transport the session sends and receives on.
func (s *P2PSession) Socket() transport.NonBlockingSocket {
	return s.socket
}

// AddPlayer registers a participant under the given handle. Players
// occupy handles [0, NumPlayers); spectators any handle at or above
// NumPlayers. All participants must be added before the session
// finishes synchronizing.
func (s *P2PSession) AddPlayer(player Player, handle PlayerHandle) error {
	if s.state != SessionSynchronizing {
		return fmt.Errorf("%w: players can only be added while synchronizing", ErrInvalidRequest)
	}
	if s.handles.Contains(handle) {
		return fmt.Errorf("%w: handle %d already in use", ErrInvalidHandle, handle)
	}

	switch player.Kind {
	case PlayerKindLocal, PlayerKindRemote:
		if handle < 0 || int(handle) >= s.opts.NumPlayers {
			return fmt.Errorf("%w: player handle %d outside [0, %d)", ErrInvalidHandle, handle, s.opts.NumPlayers)
		}
	case PlayerKindSpectator:
		if int(handle) < s.opts.NumPlayers {
			return fmt.Errorf("%w: spectator handle %d collides with player handles", ErrInvalidHandle, handle)
		}
	default:
		return fmt.Errorf("%w: unknown player kind %d", ErrInvalidRequest, player.Kind)
	}

	switch player.Kind {
	case PlayerKindLocal:
		if s.localHandle != PlayerHandle(input.NullFrame) {
			return fmt.Errorf("%w: session already has a local player", ErrInvalidRequest)
		}
		s.localHandle = handle
		if err := s.sync.SetFrameDelay(int(handle), s.opts.InputDelay); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}

	case PlayerKindRemote:
		ep := s.newEndpoint(player.Addr, s.opts.NumPlayers, s.opts.InputSize)
		s.endpoints[handle] = ep
		ep.Synchronize()

	case PlayerKindSpectator:
		mergedSize := s.opts.NumPlayers * s.opts.InputSize
		if mergedSize > input.MaxInputBytes {
			return fmt.Errorf("%w: merged spectator input of %d bytes exceeds %d",
				ErrInvalidRequest, mergedSize, input.MaxInputBytes)
		}
		ep := s.newEndpoint(player.Addr, s.opts.NumPlayers, mergedSize)
		s.spectators[handle] = ep
		ep.Synchronize()
	}

	s.handles.Add(handle)
	return nil
}

func (s *P2PSession) newEndpoint(addr string, numPlayers, inputSize int) *protocol.Endpoint {
	return protocol.NewEndpoint(protocol.EndpointConfig{
		PeerAddr:              addr,
		NumPlayers:            numPlayers,
		InputSize:             inputSize,
		DisconnectTimeout:     s.opts.DisconnectTimeout,
		DisconnectNotifyStart: s.opts.DisconnectNotifyStart,
		FPS:                   s.opts.FPS,
		TimeProvider:          s.clock,
	})
}

// AddLocalInput registers the local player's input for the current
// frame and fans it out to every remote endpoint. Must be called once
// per frame before AdvanceFrame.
func (s *P2PSession) AddLocalInput(player PlayerHandle, data []byte) error {
	if s.state != SessionRunning {
		return ErrNotSynchronized
	}
	if player != s.localHandle {
		return fmt.Errorf("%w: %d is not the local player", ErrInvalidHandle, player)
	}
	if s.localConnectStatus[player].Disconnected {
		return ErrPlayerDisconnected
	}
	if len(data) != s.opts.InputSize {
		return fmt.Errorf("%w: input is %d bytes, expected %d", ErrInvalidRequest, len(data), s.opts.InputSize)
	}
	if s.predictionBarrier(s.minConfirmedFrame()) {
		return ErrPredictionThreshold
	}

	in := input.NewGameInput(s.sync.CurrentFrame(), s.opts.InputSize)
	if err := in.CopyBits(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	landed, err := s.sync.AddLocalInput(int(player), in)
	if err != nil {
		return err
	}
	if landed == input.NullFrame {
		// Swallowed by the frame-delay window at session start.
		return nil
	}

	s.localConnectStatus[player].LastFrame = landed

	// Frame delay can register several queue frames at once; every one
	// of them has to reach the peers or their queues stall.
	for f := s.lastSentFrame + 1; f <= landed; f++ {
		confirmed, err := s.sync.ConfirmedInput(int(player), f)
		if err != nil {
			return err
		}
		for _, ep := range s.endpoints {
			ep.SendInput(confirmed, s.localConnectStatus)
		}
	}
	s.lastSentFrame = landed

	return nil
}

// AdvanceFrame concludes the current tick. It returns the simulation
// work in order: a rollback first if a misprediction surfaced, then
// the advance to the next frame with a save of the result.
func (s *P2PSession) AdvanceFrame() ([]Request, error) {
	if s.state != SessionRunning {
		return nil, ErrNotSynchronized
	}

	minConfirmed := s.minConfirmedFrame()

	if s.predictionBarrier(minConfirmed) {
		return nil, ErrPredictionThreshold
	}

	var requests []Request

	// The very first advance snapshots frame 0 so a rollback always
	// has a floor to land on.
	if s.sync.CurrentFrame() == 0 && s.sync.LastSavedFrame() == input.NullFrame {
		requests = append(requests, s.sync.SaveCurrentState())
	}

	// Roll back before discarding any confirmed history: the frames
	// between the misprediction and the new confirmation floor are
	// exactly the ones the resimulation still has to read.
	if firstIncorrect := s.sync.CheckSimulationConsistency(); firstIncorrect != input.NullFrame {
		if err := s.adjustSimulation(&requests, firstIncorrect); err != nil {
			return nil, err
		}
	}

	if minConfirmed >= 0 {
		s.broadcastConfirmed(minConfirmed)
		s.sync.SetLastConfirmedFrame(minConfirmed)
	}

	inputs, err := s.sync.SynchronizedInputs(s.localConnectStatus)
	if err != nil {
		return nil, err
	}
	s.sync.AdvanceFrame()
	requests = append(requests,
		Request{Type: engine.RequestAdvanceFrame, Frame: s.sync.CurrentFrame(), Inputs: inputs},
		s.sync.SaveCurrentState())

	current := s.sync.CurrentFrame()
	for _, ep := range s.endpoints {
		ep.SetLocalFrameNumber(current)
	}
	s.recommendWait(current)

	return requests, nil
}

// predictionBarrier reports whether the simulation has outrun the
// prediction window and must wait for confirmed input. It counts
// against the confirmation floor computed this tick, so a burst of
// late-arriving remote inputs reopens the window immediately.
func (s *P2PSession) predictionBarrier(minConfirmed input.Frame) bool {
	current := s.sync.CurrentFrame()
	confirmed := s.sync.LastConfirmedFrame()
	if minConfirmed > confirmed {
		confirmed = minConfirmed
	}
	framesAhead := current - confirmed
	return int(current) >= s.sync.MaxPrediction() && int(framesAhead) >= s.sync.MaxPrediction()
}

// adjustSimulation emits the rollback requests: load the last state
// unaffected by the misprediction, then resimulate back to the
// present with corrected inputs, saving each frame on the way.
func (s *P2PSession) adjustSimulation(requests *[]Request, seekTo input.Frame) error {
	count := s.sync.CurrentFrame() - seekTo

	loadReq, err := s.sync.LoadFrame(seekTo)
	if err != nil {
		return err
	}
	*requests = append(*requests, loadReq)
	if err := s.sync.ResetPrediction(seekTo); err != nil {
		return err
	}

	for i := input.Frame(0); i < count; i++ {
		inputs, err := s.sync.SynchronizedInputs(s.localConnectStatus)
		if err != nil {
			return err
		}
		s.sync.AdvanceFrame()
		*requests = append(*requests,
			Request{Type: engine.RequestAdvanceFrame, Frame: s.sync.CurrentFrame(), Inputs: inputs},
			s.sync.SaveCurrentState())
	}

	logrus.WithFields(logrus.Fields{
		"function": "adjustSimulation",
		"seek_to":  seekTo,
		"frames":   count,
	}).Debug("Rolled back and resimulated")

	return nil
}

// minConfirmedFrame computes the newest frame confirmed by every
// connected participant, merging every endpoint's view of every
// player. A player reported disconnected by any peer is disconnected
// locally at the highest frame known for them.
func (s *P2PSession) minConfirmedFrame() input.Frame {
	total := input.Frame(math.MaxInt32)

	for p := 0; p < s.opts.NumPlayers; p++ {
		connected := true
		minFrame := input.Frame(math.MaxInt32)

		for _, ep := range s.endpoints {
			if !ep.IsRunning() {
				continue
			}
			status := ep.PeerConnectStatus(p)
			if status.Disconnected {
				connected = false
			} else if status.LastFrame < minFrame {
				minFrame = status.LastFrame
			}
		}
		local := s.localConnectStatus[p]
		if !local.Disconnected && local.LastFrame < minFrame {
			minFrame = local.LastFrame
		}

		if local.Disconnected {
			continue
		}
		if !connected {
			s.disconnectPlayerQueue(PlayerHandle(p), minFrame)
		}
		if minFrame < total {
			total = minFrame
		}
	}

	if total == math.MaxInt32 {
		return input.NullFrame
	}
	return total
}

// broadcastConfirmed streams newly confirmed frames to the spectator
// endpoints, one merged input per frame.
func (s *P2PSession) broadcastConfirmed(minConfirmed input.Frame) {
	if len(s.spectators) == 0 {
		s.nextSpectatorFrame = minConfirmed + 1
		return
	}

	for ; s.nextSpectatorFrame <= minConfirmed; s.nextSpectatorFrame++ {
		inputs, err := s.sync.ConfirmedInputs(s.nextSpectatorFrame, s.localConnectStatus)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "broadcastConfirmed",
				"frame":    s.nextSpectatorFrame,
				"error":    err,
			}).Warn("Confirmed frame unavailable for spectators")
			return
		}

		merged := input.NewGameInput(s.nextSpectatorFrame, s.opts.NumPlayers*s.opts.InputSize)
		for i, in := range inputs {
			copy(merged.Buffer[i*s.opts.InputSize:(i+1)*s.opts.InputSize], in.Buffer[:s.opts.InputSize])
		}
		for _, ep := range s.spectators {
			ep.SendInput(merged, s.localConnectStatus)
		}
	}
}

// recommendWait emits a wait recommendation when this client runs far
// enough ahead of its slowest peer, at most once per interval.
func (s *P2PSession) recommendWait(current input.Frame) {
	if current < s.nextRecommendedSleep {
		return
	}
	var skip int32
	for _, ep := range s.endpoints {
		if delay := ep.RecommendFrameDelay(); delay > skip {
			skip = delay
		}
	}
	if skip > 0 {
		s.events = append(s.events, Event{Type: EventWaitRecommendation, SkipFrames: skip})
		s.nextRecommendedSleep = current + recommendationInterval
	}
}

// PollRemoteClients drains the socket, runs every endpoint's timers,
// flushes outgoing traffic, and returns the session events that
// occurred. Non-blocking; call once per tick, even while synchronizing.
func (s *P2PSession) PollRemoteClients() []Event {
	for _, datagram := range s.socket.ReceiveAll() {
		msg, err := protocol.ParseMessage(datagram.Data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "PollRemoteClients",
				"addr":     datagram.Addr,
				"error":    err,
			}).Debug("Dropping malformed datagram")
			continue
		}
		s.routeMessage(datagram.Addr, msg)
	}

	for handle, ep := range s.endpoints {
		for _, pe := range ep.Poll(s.localConnectStatus) {
			s.handleEndpointEvent(handle, pe, false)
		}
	}
	for handle, ep := range s.spectators {
		for _, pe := range ep.Poll(s.localConnectStatus) {
			s.handleEndpointEvent(handle, pe, true)
		}
	}

	for _, ep := range s.endpoints {
		ep.SendAllMessages(s.socket)
	}
	for _, ep := range s.spectators {
		ep.SendAllMessages(s.socket)
	}

	s.checkInitialSync()

	events := s.events
	s.events = nil
	return events
}

func (s *P2PSession) routeMessage(addr string, msg *protocol.Message) {
	for _, ep := range s.endpoints {
		if ep.IsHandlingAddr(addr) {
			ep.HandleMessage(msg)
			return
		}
	}
	for _, ep := range s.spectators {
		if ep.IsHandlingAddr(addr) {
			ep.HandleMessage(msg)
			return
		}
	}
}

func (s *P2PSession) handleEndpointEvent(handle PlayerHandle, pe protocol.Event, spectator bool) {
	switch pe.Type {
	case protocol.EventSynchronizing:
		s.events = append(s.events, Event{
			Type:   EventSynchronizing,
			Player: handle,
			Total:  pe.Total,
			Count:  pe.Count,
		})

	case protocol.EventSynchronized:
		s.events = append(s.events, Event{Type: EventSynchronized, Player: handle})

	case protocol.EventInput:
		if spectator || s.localConnectStatus[handle].Disconnected {
			return
		}
		landed, err := s.sync.AddRemoteInput(int(handle), pe.Input)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handleEndpointEvent",
				"player":   handle,
				"frame":    pe.Input.Frame,
				"error":    err,
			}).Warn("Rejected remote input")
			return
		}
		s.localConnectStatus[handle].LastFrame = landed

	case protocol.EventNetworkInterrupted:
		s.events = append(s.events, Event{
			Type:              EventNetworkInterrupted,
			Player:            handle,
			DisconnectTimeout: pe.DisconnectTimeout,
		})

	case protocol.EventNetworkResumed:
		s.events = append(s.events, Event{Type: EventNetworkResumed, Player: handle})

	case protocol.EventDisconnected:
		if spectator {
			s.events = append(s.events, Event{Type: EventDisconnected, Player: handle})
			return
		}
		if !s.localConnectStatus[handle].Disconnected {
			s.disconnectPlayerQueue(handle, s.localConnectStatus[handle].LastFrame)
		}
	}
}

// checkInitialSync flips the session to running once every endpoint
// has completed its handshake.
func (s *P2PSession) checkInitialSync() {
	if s.state != SessionSynchronizing {
		return
	}
	for _, ep := range s.endpoints {
		if !ep.IsRunning() {
			return
		}
	}
	for _, ep := range s.spectators {
		if !ep.IsRunning() {
			return
		}
	}
	s.state = SessionRunning

	logrus.WithFields(logrus.Fields{
		"function": "checkInitialSync",
	}).Info("All peers synchronized, session running")
}

// disconnectPlayerQueue marks a player disconnected as of the given
// frame. Input already scheduled stays; from the disconnect frame on
// the player contributes a blank placeholder.
func (s *P2PSession) disconnectPlayerQueue(handle PlayerHandle, lastFrame input.Frame) {
	s.localConnectStatus[handle].Disconnected = true
	s.localConnectStatus[handle].LastFrame = lastFrame
	s.events = append(s.events, Event{Type: EventDisconnected, Player: handle})

	logrus.WithFields(logrus.Fields{
		"function":   "disconnectPlayerQueue",
		"player":     handle,
		"last_frame": lastFrame,
	}).Info("Player disconnected")
}

// DisconnectPlayer drops the given participant. Disconnecting the
// local player announces the departure to every peer.
func (s *P2PSession) DisconnectPlayer(player PlayerHandle) error {
	if !s.handles.Contains(player) {
		return ErrInvalidHandle
	}

	if ep, ok := s.spectators[player]; ok {
		ep.RequestDisconnect(s.localConnectStatus)
		s.events = append(s.events, Event{Type: EventDisconnected, Player: player})
		return nil
	}

	if s.localConnectStatus[player].Disconnected {
		return ErrPlayerDisconnected
	}

	if player == s.localHandle {
		s.localConnectStatus[player].LastFrame = s.sync.CurrentFrame()
		for _, ep := range s.endpoints {
			ep.RequestDisconnect(s.localConnectStatus)
		}
		s.disconnectPlayerQueue(player, s.sync.CurrentFrame())
		return nil
	}

	if ep, ok := s.endpoints[player]; ok {
		ep.RequestDisconnect(s.localConnectStatus)
	}
	s.disconnectPlayerQueue(player, s.localConnectStatus[player].LastFrame)
	return nil
}

// NetworkStats reports connection quality for a remote participant.
func (s *P2PSession) NetworkStats(player PlayerHandle) (NetworkStats, error) {
	if ep, ok := s.endpoints[player]; ok {
		return ep.NetworkStats()
	}
	if ep, ok := s.spectators[player]; ok {
		return ep.NetworkStats()
	}
	return NetworkStats{}, ErrInvalidHandle
}

// CurrentFrame returns the frame the simulation is at.
func (s *P2PSession) CurrentFrame() input.Frame {
	return s.sync.CurrentFrame()
}

// CurrentState returns the session lifecycle state.
func (s *P2PSession) CurrentState() SessionState {
	return s.state
}

// LocalHandle returns the handle of the local player, or an error if
// none was added.
func (s *P2PSession) LocalHandle() (PlayerHandle, error) {
	if s.localHandle == PlayerHandle(input.NullFrame) {
		return 0, fmt.Errorf("%w: no local player", ErrInvalidHandle)
	}
	return s.localHandle, nil
}

var _ Session = (*P2PSession)(nil)
