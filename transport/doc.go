// Package transport implements the datagram transports a session can
// run over.
//
// This package defines the NonBlockingSocket interface the protocol
// layer sends and receives through, and provides UDP, WebSocket and
// WebRTC data-channel implementations plus an in-memory pair for tests
// and single-process setups.
//
// Example:
//
//	socket, err := transport.NewUDPSocket("0.0.0.0:7000")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer socket.Close()
//
//	socket.SendTo(payload, "203.0.113.7:7000")
//	for _, datagram := range socket.ReceiveAll() {
//	    // feed datagram to the session
//	}
package transport
