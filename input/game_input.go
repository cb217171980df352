package input

import (
	"bytes"
	"fmt"
)

// MaxInputBytes is the size of the fixed input buffer. Consumers with
// smaller inputs use a prefix of the buffer; Size records the used length.
const MaxInputBytes = 8

// GameInput is the input of a single player for a single frame. The
// buffer content is opaque to the core; only equality and compression
// inspect it.
type GameInput struct {
	Frame  Frame
	Size   int
	Buffer [MaxInputBytes]byte
}

// NewGameInput creates a blank input for the given frame. Size must be
// between 1 and MaxInputBytes; the queue and session constructors
// validate this once, so NewGameInput panics on violation rather than
// returning an error on every per-frame call.
func NewGameInput(frame Frame, size int) GameInput {
	if size <= 0 || size > MaxInputBytes {
		panic(fmt.Sprintf("invalid input size %d, must be in 1..%d", size, MaxInputBytes))
	}
	return GameInput{
		Frame: frame,
		Size:  size,
	}
}

// Bits returns the used portion of the input buffer.
func (g *GameInput) Bits() []byte {
	return g.Buffer[:g.Size]
}

// CopyBits copies the given bytes into the input buffer. Returns an
// error if the data does not fit the declared size.
func (g *GameInput) CopyBits(data []byte) error {
	if len(data) > g.Size {
		return fmt.Errorf("input data of %d bytes exceeds input size %d", len(data), g.Size)
	}
	copy(g.Buffer[:], data)
	return nil
}

// Equal compares two inputs. With bitsOnly set, only the used buffer
// bytes are compared; otherwise the frame numbers must match as well.
func (g *GameInput) Equal(other *GameInput, bitsOnly bool) bool {
	if !bitsOnly && g.Frame != other.Frame {
		return false
	}
	if g.Size != other.Size {
		return false
	}
	return bytes.Equal(g.Bits(), other.Bits())
}

// Erase zeroes the input buffer, leaving frame and size untouched.
func (g *GameInput) Erase() {
	g.Buffer = [MaxInputBytes]byte{}
}

// String implements fmt.Stringer for log output.
func (g GameInput) String() string {
	return fmt.Sprintf("input frame %d: %x", g.Frame, g.Bits())
}
