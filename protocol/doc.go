// Package protocol implements the peer-to-peer wire protocol used to
// exchange inputs between rollback sessions.
//
// This package handles message framing and parsing, run-length input
// compression, and the per-remote-peer Endpoint state machine: nonce
// handshake, sequenced input delivery with retransmission, quality
// reports feeding time synchronization, keepalive, and disconnect
// detection.
//
// Example:
//
//	endpoint := protocol.NewEndpoint(protocol.EndpointConfig{
//	    PeerAddr:   "203.0.113.7:7000",
//	    NumPlayers: 2,
//	    InputSize:  4,
//	})
//	endpoint.Synchronize()
//
//	for _, event := range endpoint.Poll(connectStatus) {
//	    // handle protocol events
//	}
//	endpoint.SendAllMessages(socket)
package protocol
