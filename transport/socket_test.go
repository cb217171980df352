package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPairDelivers(t *testing.T) {
	a, b := NewMemoryPair("a", "b")

	require.NoError(t, a.SendTo([]byte{1, 2, 3}, "b"))
	require.NoError(t, a.SendTo([]byte{4}, "b"))

	got := b.ReceiveAll()
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Addr)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Data)
	assert.Equal(t, []byte{4}, got[1].Data)

	assert.Empty(t, b.ReceiveAll(), "inbox drains")
}

func TestMemorySocketUnknownPeer(t *testing.T) {
	a, _ := NewMemoryPair("a", "b")

	assert.NoError(t, a.SendTo([]byte{1}, "nowhere"), "unreachable hosts swallow datagrams")
}

func TestMemorySocketMesh(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	c := NewMemorySocket("c")
	c.Connect(a)

	require.NoError(t, c.SendTo([]byte{9}, "a"))
	got := a.ReceiveAll()
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Addr)

	// c never linked to b.
	require.NoError(t, c.SendTo([]byte{9}, "b"))
	assert.Empty(t, b.ReceiveAll())
}

func TestMemorySocketDropFilter(t *testing.T) {
	a, b := NewMemoryPair("a", "b")
	a.SetDropFilter(func(data []byte, addr string) bool {
		return data[0] == 0xFF
	})

	require.NoError(t, a.SendTo([]byte{0xFF}, "b"))
	require.NoError(t, a.SendTo([]byte{0x01}, "b"))

	got := b.ReceiveAll()
	require.Len(t, got, 1)
	assert.Equal(t, []byte{0x01}, got[0].Data)
}

func TestMemorySocketCopiesData(t *testing.T) {
	a, b := NewMemoryPair("a", "b")

	buf := []byte{1, 2, 3}
	require.NoError(t, a.SendTo(buf, "b"))
	buf[0] = 0xEE

	got := b.ReceiveAll()
	require.Len(t, got, 1)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Data, "sender buffer reuse must not corrupt the datagram")
}

func TestUDPSocketRoundTrip(t *testing.T) {
	a, err := NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()
	b, err := NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.SendTo([]byte("ping"), b.LocalAddr()))

	var got []Datagram
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got = b.ReceiveAll(); len(got) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, got, 1)
	assert.Equal(t, []byte("ping"), got[0].Data)
	assert.Equal(t, a.LocalAddr(), got[0].Addr)
}

func TestUDPSocketCloseStopsReader(t *testing.T) {
	s, err := NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.Empty(t, s.ReceiveAll())
}
