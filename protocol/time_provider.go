package protocol

import "time"

// TimeProvider supplies the current time to an Endpoint. Injecting a
// mock provider makes retransmission, keepalive and disconnect timing
// deterministic under test.
type TimeProvider interface {
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using the system clock.
type RealTimeProvider struct{}

// Now returns the current system time.
func (RealTimeProvider) Now() time.Time {
	return time.Now()
}
