package engine

import (
	"encoding/binary"
	"sync"

	"golang.org/x/crypto/blake2b"

	"github.com/opd-ai/rollback/input"
)

// SavedState is one snapshot of the consumer's simulation. The data blob
// is opaque to the engine and owned by the cell once saved.
type SavedState struct {
	Frame    input.Frame
	Data     []byte
	Checksum uint64
}

// StateCell is a slot in the saved-state ring. The engine hands cells to
// the consumer inside SaveState and LoadState requests; the consumer
// fills a cell with Save and reads it back with Load. Cells are
// mutex-guarded so a consumer servicing requests on another goroutine
// cannot race the engine's frame bookkeeping.
type StateCell struct {
	mu    sync.Mutex
	state SavedState
}

// Save stores a snapshot in the cell. The data is copied, so the caller
// may reuse its buffer. A zero checksum asks the cell to compute the
// default checksum over the data.
func (c *StateCell) Save(frame input.Frame, data []byte, checksum uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owned := make([]byte, len(data))
	copy(owned, data)

	if checksum == 0 && len(data) > 0 {
		checksum = Checksum(owned)
	}
	c.state = SavedState{
		Frame:    frame,
		Data:     owned,
		Checksum: checksum,
	}
}

// Load returns the snapshot currently held by the cell.
func (c *StateCell) Load() SavedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Frame returns the frame of the snapshot currently held by the cell,
// or NullFrame for a cell that was reset but not yet saved into.
func (c *StateCell) Frame() input.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Frame
}

// reset marks the cell as the designated slot for the given frame and
// drops the previous snapshot.
func (c *StateCell) reset(frame input.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = SavedState{Frame: frame}
}

// Checksum computes the default 64-bit state checksum, a truncated
// BLAKE2b digest. The zero value is reserved to mean "no checksum", so
// a digest that truncates to zero is mapped to one.
func Checksum(data []byte) uint64 {
	digest := blake2b.Sum256(data)
	sum := binary.BigEndian.Uint64(digest[:8])
	if sum == 0 {
		sum = 1
	}
	return sum
}
