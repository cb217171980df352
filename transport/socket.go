package transport

// Datagram is one received message together with the peer address it
// came from. Addresses are opaque strings; each socket implementation
// defines their format.
type Datagram struct {
	Addr string
	Data []byte
}

// NonBlockingSocket moves datagrams for a session. Implementations must
// never block in ReceiveAll: it returns whatever has arrived since the
// last call and returns immediately. Delivery is best-effort and
// unordered; reliability lives in the protocol layer above.
type NonBlockingSocket interface {
	// SendTo transmits one datagram to the given peer address.
	SendTo(data []byte, addr string) error

	// ReceiveAll drains and returns all datagrams received since the
	// last call, without waiting for more.
	ReceiveAll() []Datagram

	// LocalAddr returns the local address of this socket.
	LocalAddr() string

	// Close releases the socket's resources.
	Close() error
}

// inbox is the shared receive buffer behind the socket implementations.
// A background reader appends under the lock; ReceiveAll swaps the slice
// out, so the session thread and the reader only ever contend on the
// mutex for the length of an append.
type inbox struct {
	queue []Datagram
}

func (b *inbox) push(d Datagram) {
	b.queue = append(b.queue, d)
}

func (b *inbox) drain() []Datagram {
	out := b.queue
	b.queue = nil
	return out
}
