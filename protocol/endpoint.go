package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rollback/input"
	"github.com/opd-ai/rollback/timesync"
	"github.com/opd-ai/rollback/transport"
)

// EndpointState is the connection state of a remote peer.
type EndpointState uint8

const (
	// StateSyncing means the nonce handshake is still in progress.
	StateSyncing EndpointState = iota
	// StateRunning means the handshake completed and inputs flow.
	StateRunning
	// StateDisconnected is terminal: the peer timed out or announced
	// a disconnect.
	StateDisconnected
)

const (
	// NumSyncRoundtrips is the number of nonce exchanges required
	// before a peer counts as synchronized.
	NumSyncRoundtrips = 5

	syncFirstRetryInterval = 500 * time.Millisecond
	syncRetryInterval      = 200 * time.Millisecond

	// runningRetryInterval is how long to wait for an ack before
	// resending the whole unacknowledged input window.
	runningRetryInterval = 200 * time.Millisecond

	qualityReportInterval = 200 * time.Millisecond
	keepAliveInterval     = 200 * time.Millisecond

	// maxSeqDistance is the largest forward sequence jump accepted;
	// anything further is a stale or wildly reordered packet.
	maxSeqDistance = 1 << 15

	// pendingOutputLimit bounds the unacknowledged input window. With
	// maximum-size inputs, a full window still fits MaxPayloadBytes
	// after worst-case run-length expansion.
	pendingOutputLimit = 64

	recvRingSize = 128

	// DefaultDisconnectTimeout is how long a peer may stay silent
	// before it is dropped.
	DefaultDisconnectTimeout = 2000 * time.Millisecond

	// DefaultDisconnectNotifyStart is how long a peer may stay silent
	// before the session is warned.
	DefaultDisconnectNotifyStart = 500 * time.Millisecond

	// DefaultFPS is the assumed simulation rate when none is given,
	// used to convert round-trip time into frames.
	DefaultFPS = 60
)

// ErrNotSynchronized indicates a request that needs a completed
// handshake, such as network statistics, on a still-syncing endpoint.
var ErrNotSynchronized = errors.New("endpoint is not synchronized")

// EndpointConfig carries the construction parameters for an Endpoint.
type EndpointConfig struct {
	// PeerAddr is the transport address of the remote peer.
	PeerAddr string
	// NumPlayers is the total number of players in the session.
	NumPlayers int
	// InputSize is the used byte length of a single input.
	InputSize int
	// DisconnectTimeout, DisconnectNotifyStart and FPS default to the
	// package constants when zero.
	DisconnectTimeout     time.Duration
	DisconnectNotifyStart time.Duration
	FPS                   int
	// TimeProvider defaults to the system clock when nil.
	TimeProvider TimeProvider
}

// Endpoint is the protocol state machine for one remote peer. It is
// not safe for concurrent use; the owning session is its only caller.
type Endpoint struct {
	peerAddr   string
	numPlayers int
	inputSize  int
	fps        int

	disconnectTimeout     time.Duration
	disconnectNotifyStart time.Duration
	clock                 TimeProvider

	state       EndpointState
	magic       uint16
	remoteMagic uint16
	nextSendSeq uint16
	nextRecvSeq uint16

	syncRemaining int
	syncNonce     uint32
	lastSyncSent  time.Time

	pendingOutput  []input.GameInput
	lastAckedInput input.GameInput

	recvRing      [recvRingSize]input.GameInput
	lastRecvFrame input.Frame

	peerConnectStatus []input.ConnectStatus

	localFrameAdvantage  int32
	remoteFrameAdvantage int32
	roundTripTime        time.Duration
	timeSync             *timesync.TimeSync

	lastSendTime      time.Time
	lastRecvTime      time.Time
	lastQualityReport time.Time

	connectedSince time.Time
	bytesSent      int

	disconnectNotified  bool
	disconnectEventSent bool

	sendQueue  []*Message
	eventQueue []Event
}

// NewEndpoint creates an endpoint for the given remote peer. The
// endpoint does nothing until Synchronize is called.
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	if cfg.DisconnectTimeout == 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if cfg.DisconnectNotifyStart == 0 {
		cfg.DisconnectNotifyStart = DefaultDisconnectNotifyStart
	}
	if cfg.FPS == 0 {
		cfg.FPS = DefaultFPS
	}
	if cfg.TimeProvider == nil {
		cfg.TimeProvider = RealTimeProvider{}
	}

	e := &Endpoint{
		peerAddr:              cfg.PeerAddr,
		numPlayers:            cfg.NumPlayers,
		inputSize:             cfg.InputSize,
		fps:                   cfg.FPS,
		disconnectTimeout:     cfg.DisconnectTimeout,
		disconnectNotifyStart: cfg.DisconnectNotifyStart,
		clock:                 cfg.TimeProvider,
		state:                 StateSyncing,
		magic:                 randomMagic(),
		lastAckedInput:        input.NewGameInput(input.NullFrame, cfg.InputSize),
		lastRecvFrame:         input.NullFrame,
		peerConnectStatus:     make([]input.ConnectStatus, cfg.NumPlayers),
		timeSync:              timesync.New(),
	}
	for i := range e.peerConnectStatus {
		e.peerConnectStatus[i] = input.NewConnectStatus()
	}

	logrus.WithFields(logrus.Fields{
		"function":  "NewEndpoint",
		"peer_addr": cfg.PeerAddr,
	}).Debug("Created protocol endpoint")

	return e
}

// State returns the endpoint's connection state.
func (e *Endpoint) State() EndpointState {
	return e.state
}

// IsRunning reports whether the handshake has completed and the peer is
// still connected.
func (e *Endpoint) IsRunning() bool {
	return e.state == StateRunning
}

// PeerAddr returns the remote peer's transport address.
func (e *Endpoint) PeerAddr() string {
	return e.peerAddr
}

// IsHandlingAddr reports whether datagrams from the given address
// belong to this endpoint.
func (e *Endpoint) IsHandlingAddr(addr string) bool {
	return e.peerAddr == addr
}

// PeerConnectStatus returns this peer's last reported view of the given
// player.
func (e *Endpoint) PeerConnectStatus(player int) input.ConnectStatus {
	return e.peerConnectStatus[player]
}

// Synchronize starts the nonce handshake.
func (e *Endpoint) Synchronize() {
	e.state = StateSyncing
	e.syncRemaining = NumSyncRoundtrips
	e.lastRecvTime = e.clock.Now()
	e.sendSyncRequest()

	logrus.WithFields(logrus.Fields{
		"function":  "Synchronize",
		"peer_addr": e.peerAddr,
	}).Info("Starting peer synchronization")
}

// SendInput queues the local input for delivery. The entire
// unacknowledged window is resent with every call, so a lost datagram
// is healed by the next input.
func (e *Endpoint) SendInput(in input.GameInput, localConnectStatus []input.ConnectStatus) {
	if e.state != StateRunning {
		return
	}

	e.timeSync.AdvanceFrame(in.Frame, e.localFrameAdvantage, e.remoteFrameAdvantage)

	if len(e.pendingOutput) >= pendingOutputLimit {
		// The peer has stopped acking, most likely a spectator falling
		// behind. Dropping the oldest keeps the window bounded; the
		// receiver reports itself too far behind if it needed the frame.
		e.lastAckedInput = e.pendingOutput[0]
		e.pendingOutput = e.pendingOutput[1:]
		logrus.WithFields(logrus.Fields{
			"function":  "SendInput",
			"peer_addr": e.peerAddr,
			"frame":     e.lastAckedInput.Frame,
		}).Warn("Pending output full, dropping oldest unacked input")
	}

	e.pendingOutput = append(e.pendingOutput, in)
	e.sendPendingOutput(localConnectStatus, false)
}

// RequestDisconnect queues an input-stream message flagging an orderly
// disconnect and transitions the endpoint to Disconnected.
func (e *Endpoint) RequestDisconnect(localConnectStatus []input.ConnectStatus) {
	if e.state == StateDisconnected {
		return
	}
	e.sendPendingOutput(localConnectStatus, true)
	e.queueMessage(DisconnectBody{})
	e.state = StateDisconnected

	logrus.WithFields(logrus.Fields{
		"function":  "RequestDisconnect",
		"peer_addr": e.peerAddr,
	}).Info("Requested peer disconnect")
}

// SetLocalFrameNumber updates the local frame advantage estimate: how
// many frames ahead of the remote peer the local simulation runs, with
// half the round-trip time credited to packets in flight.
func (e *Endpoint) SetLocalFrameNumber(localFrame input.Frame) {
	if e.lastRecvFrame == input.NullFrame {
		return
	}
	inFlight := input.Frame(e.roundTripTime.Milliseconds() * int64(e.fps) / 2000)
	remoteFrame := e.lastRecvFrame + inFlight
	e.localFrameAdvantage = int32(localFrame - remoteFrame)
}

// RecommendFrameDelay returns how many frames the local client should
// wait to let this peer catch up.
func (e *Endpoint) RecommendFrameDelay() int32 {
	return e.timeSync.RecommendFrameWait()
}

// NetworkStats returns a connection-quality snapshot. It errors until
// the handshake completes.
func (e *Endpoint) NetworkStats() (NetworkStats, error) {
	if e.state != StateRunning {
		return NetworkStats{}, ErrNotSynchronized
	}

	seconds := e.clock.Now().Sub(e.connectedSince).Seconds()
	kbps := 0
	if seconds > 0 {
		kbps = int(float64(e.bytesSent*8) / 1000.0 / seconds)
	}

	return NetworkStats{
		Ping:               e.roundTripTime,
		SendQueueLen:       len(e.pendingOutput),
		KbpsSent:           kbps,
		LocalFramesBehind:  -e.localFrameAdvantage,
		RemoteFramesBehind: e.remoteFrameAdvantage,
	}, nil
}

// HandleMessage feeds one parsed datagram into the state machine.
// Events raised by the message are collected by the next Poll.
func (e *Endpoint) HandleMessage(msg *Message) {
	if e.state == StateDisconnected {
		return
	}

	// Drop stale or absurdly reordered packets.
	skipped := msg.Header.SequenceNumber - e.nextRecvSeq
	if skipped > maxSeqDistance {
		return
	}
	e.nextRecvSeq = msg.Header.SequenceNumber

	// After the handshake the sender magic must match; sync traffic is
	// exempt because it is what establishes the magic.
	switch msg.Body.(type) {
	case SyncRequestBody, SyncReplyBody:
	default:
		if e.remoteMagic != 0 && msg.Header.Magic != e.remoteMagic {
			return
		}
	}

	wasInterrupted := e.disconnectNotified
	e.lastRecvTime = e.clock.Now()

	switch body := msg.Body.(type) {
	case SyncRequestBody:
		e.onSyncRequest(msg.Header, body)
	case SyncReplyBody:
		e.onSyncReply(msg.Header, body)
	case InputBody:
		e.onInput(body)
	case InputAckBody:
		e.onInputAck(body)
	case QualityReportBody:
		e.onQualityReport(body)
	case QualityReplyBody:
		e.onQualityReply(body)
	case KeepAliveBody:
	case DisconnectBody:
		e.onDisconnect()
	}

	if wasInterrupted && e.state == StateRunning {
		e.disconnectNotified = false
		e.pushEvent(Event{Type: EventNetworkResumed})
	}
}

// Poll runs the endpoint's timers: handshake retries, input
// retransmission, quality reports, keepalive, and disconnect detection.
// It returns the events accumulated since the last call.
func (e *Endpoint) Poll(localConnectStatus []input.ConnectStatus) []Event {
	now := e.clock.Now()

	switch e.state {
	case StateSyncing:
		retryInterval := syncRetryInterval
		if e.syncRemaining == NumSyncRoundtrips {
			retryInterval = syncFirstRetryInterval
		}
		if !e.lastSyncSent.IsZero() && now.Sub(e.lastSyncSent) >= retryInterval {
			e.sendSyncRequest()
		}

	case StateRunning:
		if len(e.pendingOutput) > 0 && now.Sub(e.lastSendTime) >= runningRetryInterval {
			e.sendPendingOutput(localConnectStatus, false)
		}
		if now.Sub(e.lastQualityReport) >= qualityReportInterval {
			e.queueMessage(QualityReportBody{
				Ping:           uint64(now.UnixMilli()),
				FrameAdvantage: e.localFrameAdvantage,
			})
			e.lastQualityReport = now
		}
		if now.Sub(e.lastSendTime) >= keepAliveInterval {
			e.queueMessage(KeepAliveBody{})
		}

		silence := now.Sub(e.lastRecvTime)
		if silence > e.disconnectTimeout {
			e.transitionDisconnected("peer timed out")
		} else if silence > e.disconnectNotifyStart && !e.disconnectNotified {
			e.disconnectNotified = true
			e.pushEvent(Event{
				Type:              EventNetworkInterrupted,
				DisconnectTimeout: e.disconnectTimeout - e.disconnectNotifyStart,
			})
			logrus.WithFields(logrus.Fields{
				"function":  "Poll",
				"peer_addr": e.peerAddr,
				"silence":   silence,
			}).Warn("Network interrupted, no traffic from peer")
		}
	}

	events := e.eventQueue
	e.eventQueue = nil
	return events
}

// SendAllMessages serializes and transmits every queued message over
// the given socket.
func (e *Endpoint) SendAllMessages(socket transport.NonBlockingSocket) {
	for _, msg := range e.sendQueue {
		data, err := msg.Serialize()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "SendAllMessages",
				"peer_addr": e.peerAddr,
				"error":     err,
			}).Error("Failed to serialize protocol message")
			continue
		}
		e.bytesSent += len(data)
		if err := socket.SendTo(data, e.peerAddr); err != nil {
			// Send failures on a datagram transport are packet loss;
			// retransmission covers them.
			logrus.WithFields(logrus.Fields{
				"function":  "SendAllMessages",
				"peer_addr": e.peerAddr,
				"error":     err,
			}).Debug("Datagram send failed")
		}
	}
	e.sendQueue = nil
}

func (e *Endpoint) onSyncRequest(header Header, body SyncRequestBody) {
	if e.remoteMagic == 0 {
		e.remoteMagic = header.Magic
	}
	e.queueMessage(SyncReplyBody{Nonce: body.Nonce})
}

func (e *Endpoint) onSyncReply(header Header, body SyncReplyBody) {
	if e.state != StateSyncing {
		return
	}
	if body.Nonce != e.syncNonce {
		logrus.WithFields(logrus.Fields{
			"function":  "onSyncReply",
			"peer_addr": e.peerAddr,
		}).Debug("Sync reply nonce mismatch, ignoring stale reply")
		return
	}

	e.remoteMagic = header.Magic
	e.syncRemaining--
	e.pushEvent(Event{
		Type:  EventSynchronizing,
		Total: NumSyncRoundtrips,
		Count: NumSyncRoundtrips - e.syncRemaining,
	})

	if e.syncRemaining > 0 {
		e.sendSyncRequest()
		return
	}

	e.state = StateRunning
	e.connectedSince = e.clock.Now()
	e.lastQualityReport = e.clock.Now()
	e.pushEvent(Event{Type: EventSynchronized})

	logrus.WithFields(logrus.Fields{
		"function":  "onSyncReply",
		"peer_addr": e.peerAddr,
	}).Info("Peer synchronized")
}

func (e *Endpoint) onInput(body InputBody) {
	if body.DisconnectRequested {
		e.transitionDisconnected("peer requested disconnect")
		return
	}

	// Merge the peer's view of every player so disconnect knowledge
	// converges across the mesh.
	for i := range e.peerConnectStatus {
		if i >= len(body.ConnectStatus) {
			break
		}
		remote := body.ConnectStatus[i]
		e.peerConnectStatus[i].Disconnected = e.peerConnectStatus[i].Disconnected || remote.Disconnected
		if remote.LastFrame > e.peerConnectStatus[i].LastFrame {
			e.peerConnectStatus[i].LastFrame = remote.LastFrame
		}
	}

	// Input messages carry the peer's newest received frame, so the
	// unacked window drains even when explicit acks are lost.
	e.ackPending(body.AckFrame)

	if len(body.Bytes) == 0 {
		return
	}

	reference, ok := e.decodeReference(body.StartFrame)
	if !ok {
		// Without the reference input the bundle cannot be expanded;
		// drop it and let retransmission deliver a decodable one.
		return
	}

	decoded, err := Decode(&reference, body.StartFrame, body.Bytes)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "onInput",
			"peer_addr": e.peerAddr,
			"error":     err,
		}).Debug("Dropping undecodable input bundle")
		return
	}

	for _, in := range decoded {
		if in.Frame <= e.lastRecvFrame {
			continue
		}
		e.recvRing[int(in.Frame)%recvRingSize] = in
		e.lastRecvFrame = in.Frame
		e.pushEvent(Event{Type: EventInput, Input: in})
	}

	e.queueMessage(InputAckBody{AckFrame: e.lastRecvFrame})
}

func (e *Endpoint) onInputAck(body InputAckBody) {
	e.ackPending(body.AckFrame)
}

// ackPending drains the unacknowledged window up to the given frame.
func (e *Endpoint) ackPending(ackFrame input.Frame) {
	for len(e.pendingOutput) > 0 && e.pendingOutput[0].Frame <= ackFrame {
		e.lastAckedInput = e.pendingOutput[0]
		e.pendingOutput = e.pendingOutput[1:]
	}
}

func (e *Endpoint) onQualityReport(body QualityReportBody) {
	e.remoteFrameAdvantage = body.FrameAdvantage
	e.queueMessage(QualityReplyBody{Pong: body.Ping})
}

func (e *Endpoint) onQualityReply(body QualityReplyBody) {
	sent := time.UnixMilli(int64(body.Pong))
	rtt := e.clock.Now().Sub(sent)
	if rtt >= 0 {
		e.roundTripTime = rtt
	}
}

func (e *Endpoint) onDisconnect() {
	e.transitionDisconnected("peer announced disconnect")
}

func (e *Endpoint) transitionDisconnected(reason string) {
	if e.disconnectEventSent {
		return
	}
	e.state = StateDisconnected
	e.disconnectEventSent = true
	e.pushEvent(Event{Type: EventDisconnected})

	logrus.WithFields(logrus.Fields{
		"function":  "transitionDisconnected",
		"peer_addr": e.peerAddr,
		"reason":    reason,
	}).Info("Peer disconnected")
}

// decodeReference returns the input the sender encoded the bundle
// against: blank for a bundle starting at frame 0, otherwise the
// already-received input directly before the bundle.
func (e *Endpoint) decodeReference(startFrame input.Frame) (input.GameInput, bool) {
	if startFrame == 0 {
		return input.NewGameInput(input.NullFrame, e.inputSize), true
	}
	ref := e.recvRing[int(startFrame-1)%recvRingSize]
	if ref.Frame != startFrame-1 {
		return input.GameInput{}, false
	}
	return ref, true
}

func (e *Endpoint) sendSyncRequest() {
	e.syncNonce = randomNonce()
	e.lastSyncSent = e.clock.Now()
	e.queueMessage(SyncRequestBody{Nonce: e.syncNonce})
}

func (e *Endpoint) sendPendingOutput(localConnectStatus []input.ConnectStatus, disconnectRequested bool) {
	body := InputBody{
		StartFrame:          input.NullFrame,
		AckFrame:            e.lastRecvFrame,
		DisconnectRequested: disconnectRequested,
		ConnectStatus:       append([]input.ConnectStatus(nil), localConnectStatus...),
	}

	if len(e.pendingOutput) > 0 {
		body.StartFrame = e.pendingOutput[0].Frame
		bytes, err := Encode(&e.lastAckedInput, e.pendingOutput)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":  "sendPendingOutput",
				"peer_addr": e.peerAddr,
				"error":     err,
			}).Error("Failed to encode pending inputs")
			return
		}
		body.Bytes = bytes
	}

	e.queueMessage(body)
}

func (e *Endpoint) queueMessage(body Body) {
	msg := &Message{
		Header: Header{
			Magic:          e.magic,
			SequenceNumber: e.nextSendSeq,
		},
		Body: body,
	}
	e.nextSendSeq++
	e.lastSendTime = e.clock.Now()
	e.sendQueue = append(e.sendQueue, msg)
}

func (e *Endpoint) pushEvent(event Event) {
	e.eventQueue = append(e.eventQueue, event)
}

func randomMagic() uint16 {
	var buf [2]byte
	for {
		_, _ = rand.Read(buf[:])
		magic := binary.BigEndian.Uint16(buf[:])
		if magic != 0 {
			return magic
		}
	}
}

func randomNonce() uint32 {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint32(buf[:])
}
