package transport

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketSocket implements NonBlockingSocket over one established
// WebSocket connection per peer. Connection setup (dialing, upgrading,
// any signaling server) is the application's concern; the socket only
// pumps binary messages. Useful where UDP is unavailable, such as
// behind restrictive middleboxes or a relay.
type WebSocketSocket struct {
	localAddr string

	mu     sync.Mutex
	peers  map[string]*wsPeer
	inbox  inbox
	closed bool
}

type wsPeer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}
}

// NewWebSocketSocket creates an empty socket; peers are attached with
// AddPeer as their connections are established.
func NewWebSocketSocket(localAddr string) *WebSocketSocket {
	return &WebSocketSocket{
		localAddr: localAddr,
		peers:     make(map[string]*wsPeer),
	}
}

// AddPeer registers an established connection under the given peer
// address and starts reading from it. The socket takes ownership of the
// connection.
func (s *WebSocketSocket) AddPeer(addr string, conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("socket is closed")
	}
	if _, exists := s.peers[addr]; exists {
		return fmt.Errorf("peer %s already registered", addr)
	}

	peer := &wsPeer{
		conn: conn,
		done: make(chan struct{}),
	}
	s.peers[addr] = peer

	logrus.WithFields(logrus.Fields{
		"function":  "AddPeer",
		"peer_addr": addr,
	}).Info("WebSocket peer attached")

	go s.readLoop(addr, peer)
	return nil
}

// SendTo transmits one binary message to the named peer.
func (s *WebSocketSocket) SendTo(data []byte, addr string) error {
	s.mu.Lock()
	peer, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for peer %s", addr)
	}

	// gorilla/websocket allows one concurrent writer per connection.
	peer.writeMu.Lock()
	defer peer.writeMu.Unlock()
	return peer.conn.WriteMessage(websocket.BinaryMessage, data)
}

// ReceiveAll drains messages read from all peer connections.
func (s *WebSocketSocket) ReceiveAll() []Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbox.drain()
}

// LocalAddr returns the label this socket was created with.
func (s *WebSocketSocket) LocalAddr() string {
	return s.localAddr
}

// Close closes every peer connection.
func (s *WebSocketSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	var firstErr error
	for addr, peer := range s.peers {
		if err := peer.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.peers, addr)
	}
	return firstErr
}

func (s *WebSocketSocket) readLoop(addr string, peer *wsPeer) {
	defer close(peer.done)

	for {
		msgType, data, err := peer.conn.ReadMessage()
		if err != nil {
			// The protocol layer notices the silence and times the
			// peer out; nothing to do here beyond stopping the pump.
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		s.mu.Lock()
		s.inbox.push(Datagram{Addr: addr, Data: data})
		s.mu.Unlock()
	}
}
