package protocol

import (
	"errors"
	"fmt"

	"github.com/opd-ai/rollback/input"
)

// Input bundles are sent as a trailing window of frames rather than only
// the newest frame, so a lost datagram costs nothing once any later one
// arrives. Each input in the window is XORed against a reference input
// both sides agree on (the newest acked input), which turns mostly
// repeated inputs into mostly zero bytes, and the XORed buffer is then
// run-length encoded.

// ErrCorruptEncoding indicates compressed input bytes that do not decode
// to whole inputs. Receivers treat this as packet loss.
var ErrCorruptEncoding = errors.New("corrupt input encoding")

// Encode compresses the pending inputs against the reference input.
// Pending inputs must be sequential in frame order and, unless the
// reference carries NullFrame, start directly after the reference frame.
func Encode(reference *input.GameInput, pending []input.GameInput) ([]byte, error) {
	delta, err := deltaEncode(reference, pending)
	if err != nil {
		return nil, err
	}
	return rleEncode(delta), nil
}

// Decode expands compressed bytes back into the inputs they encode,
// assigning sequential frame numbers starting at startFrame. The
// reference must be the same input the sender encoded against.
func Decode(reference *input.GameInput, startFrame input.Frame, data []byte) ([]input.GameInput, error) {
	delta, err := rleDecode(data)
	if err != nil {
		return nil, err
	}
	return deltaDecode(reference, startFrame, delta)
}

func deltaEncode(reference *input.GameInput, pending []input.GameInput) ([]byte, error) {
	refBits := reference.Bits()
	out := make([]byte, 0, len(pending)*reference.Size)

	for i := range pending {
		in := &pending[i]
		if in.Size != reference.Size {
			return nil, fmt.Errorf("input size %d does not match reference size %d", in.Size, reference.Size)
		}
		if reference.Frame != input.NullFrame && in.Frame != reference.Frame+input.Frame(i)+1 {
			return nil, fmt.Errorf("input frame %d breaks sequence after reference frame %d", in.Frame, reference.Frame)
		}
		for j, b := range in.Bits() {
			out = append(out, refBits[j]^b)
		}
	}
	return out, nil
}

func deltaDecode(reference *input.GameInput, startFrame input.Frame, data []byte) ([]input.GameInput, error) {
	if reference.Size == 0 || len(data)%reference.Size != 0 {
		return nil, ErrCorruptEncoding
	}
	refBits := reference.Bits()
	count := len(data) / reference.Size

	out := make([]input.GameInput, 0, count)
	for i := 0; i < count; i++ {
		in := input.NewGameInput(startFrame+input.Frame(i), reference.Size)
		for j, refByte := range refBits {
			in.Buffer[j] = refByte ^ data[i*reference.Size+j]
		}
		out = append(out, in)
	}
	return out, nil
}

// rleEncode packs the buffer into (run length, value) byte pairs. The
// XOR pass leaves long zero runs, which this collapses to two bytes.
func rleEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)/2+2)
	for i := 0; i < len(data); {
		value := data[i]
		run := 1
		for i+run < len(data) && run < 255 && data[i+run] == value {
			run++
		}
		out = append(out, byte(run), value)
		i += run
	}
	return out
}

func rleDecode(data []byte) ([]byte, error) {
	if len(data)%2 != 0 {
		return nil, ErrCorruptEncoding
	}
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i += 2 {
		run := int(data[i])
		if run == 0 {
			return nil, ErrCorruptEncoding
		}
		value := data[i+1]
		for j := 0; j < run; j++ {
			out = append(out, value)
		}
	}
	return out, nil
}
