package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// WebRTCSocket implements NonBlockingSocket over pion data channels,
// one per peer. Signaling and ICE negotiation are the application's
// concern; the socket only pumps channel messages. This is the
// transport of choice for browser peers and for NAT situations where a
// direct UDP flow cannot be established by the application itself.
type WebRTCSocket struct {
	localAddr string

	mu     sync.Mutex
	peers  map[string]*webrtc.DataChannel
	inbox  inbox
	closed bool
}

// NewWebRTCSocket creates an empty socket; peers are attached with
// AddPeer as their data channels open.
func NewWebRTCSocket(localAddr string) *WebRTCSocket {
	return &WebRTCSocket{
		localAddr: localAddr,
		peers:     make(map[string]*webrtc.DataChannel),
	}
}

// NewDataChannel creates a data channel on the given peer connection
// configured the way the protocol expects: unordered, no retransmits,
// pre-negotiated so both sides can create it without a channel
// handshake. The result behaves like a UDP flow.
func NewDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	maxRetransmits := uint16(0)
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("rollback", &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
		Negotiated:     &negotiated,
		ID:             &id,
	})
}

// AddPeer registers an open data channel under the given peer address
// and starts delivering its messages to the inbox.
func (s *WebRTCSocket) AddPeer(addr string, channel *webrtc.DataChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("socket is closed")
	}
	if _, exists := s.peers[addr]; exists {
		return fmt.Errorf("peer %s already registered", addr)
	}
	s.peers[addr] = channel

	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.mu.Lock()
		s.inbox.push(Datagram{Addr: addr, Data: msg.Data})
		s.mu.Unlock()
	})

	logrus.WithFields(logrus.Fields{
		"function":  "AddPeer",
		"peer_addr": addr,
		"label":     channel.Label(),
	}).Info("WebRTC data channel attached")

	return nil
}

// SendTo transmits one message over the named peer's data channel.
func (s *WebRTCSocket) SendTo(data []byte, addr string) error {
	s.mu.Lock()
	channel, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no data channel for peer %s", addr)
	}
	return channel.Send(data)
}

// ReceiveAll drains messages delivered by the data channels.
func (s *WebRTCSocket) ReceiveAll() []Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbox.drain()
}

// LocalAddr returns the label this socket was created with.
func (s *WebRTCSocket) LocalAddr() string {
	return s.localAddr
}

// Close closes every peer's data channel.
func (s *WebRTCSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var firstErr error
	for addr, channel := range s.peers {
		if err := channel.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.peers, addr)
	}
	return firstErr
}
