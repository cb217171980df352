package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// maxDatagramSize bounds a single received datagram. Protocol messages
// stay well under a conservative MTU, so anything larger is discarded.
const maxDatagramSize = 2048

// UDPSocket implements NonBlockingSocket over a net.PacketConn. A
// background goroutine reads datagrams into the inbox; ReceiveAll hands
// them to the session without ever touching the network itself.
type UDPSocket struct {
	conn   net.PacketConn
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	inbox inbox

	addrMu    sync.RWMutex
	addrCache map[string]*net.UDPAddr
}

// NewUDPSocket creates a UDP socket bound to the given listen address.
func NewUDPSocket(listenAddr string) (*UDPSocket, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &UDPSocket{
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		addrCache: make(map[string]*net.UDPAddr),
	}

	logrus.WithFields(logrus.Fields{
		"function":    "NewUDPSocket",
		"listen_addr": conn.LocalAddr().String(),
	}).Info("UDP socket listening")

	go s.readLoop()
	return s, nil
}

// SendTo transmits one datagram to the given "host:port" address.
func (s *UDPSocket) SendTo(data []byte, addr string) error {
	udpAddr, err := s.resolve(addr)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteTo(data, udpAddr)
	return err
}

// ReceiveAll drains the inbox filled by the background reader.
func (s *UDPSocket) ReceiveAll() []Datagram {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inbox.drain()
}

// LocalAddr returns the bound address of the socket.
func (s *UDPSocket) LocalAddr() string {
	return s.conn.LocalAddr().String()
}

// Close stops the reader goroutine and closes the connection.
func (s *UDPSocket) Close() error {
	s.cancel()
	return s.conn.Close()
}

func (s *UDPSocket) readLoop() {
	buffer := make([]byte, maxDatagramSize)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			s.readOne(buffer)
		}
	}
}

// readOne reads a single datagram with a short deadline so the loop
// stays responsive to Close.
func (s *UDPSocket) readOne(buffer []byte) {
	_ = s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := s.conn.ReadFrom(buffer)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		// Read errors on a datagram socket are not actionable here;
		// the protocol layer treats silence as packet loss.
		return
	}

	data := make([]byte, n)
	copy(data, buffer[:n])

	s.mu.Lock()
	s.inbox.push(Datagram{Addr: addr.String(), Data: data})
	s.mu.Unlock()
}

// resolve caches address resolution, which otherwise dominates the cost
// of sending on every frame.
func (s *UDPSocket) resolve(addr string) (*net.UDPAddr, error) {
	s.addrMu.RLock()
	cached, ok := s.addrCache[addr]
	s.addrMu.RUnlock()
	if ok {
		return cached, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	s.addrMu.Lock()
	s.addrCache[addr] = udpAddr
	s.addrMu.Unlock()
	return udpAddr, nil
}
