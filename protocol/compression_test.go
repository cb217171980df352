package protocol

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/rollback/input"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	const size = 4

	reference := input.NewGameInput(5, size)
	reference.Buffer[3] = 1

	pending := make([]input.GameInput, 0, 5)
	for i := 0; i < 5; i++ {
		in := input.NewGameInput(6+input.Frame(i), size)
		in.Buffer[0] = byte(i)
		pending = append(pending, in)
	}

	encoded, err := Encode(&reference, pending)
	require.NoError(t, err)

	decoded, err := Decode(&reference, 6, encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(pending))

	for i := range pending {
		assert.True(t, pending[i].Equal(&decoded[i], false),
			"input %d did not survive the round trip", i)
	}
}

// Round-trip correctness must hold for arbitrary buffers, not just
// well-behaved ones. The seed is fixed so failures reproduce.
func TestEncodeDecodeRoundTripRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(0x5eed))

	for trial := 0; trial < 200; trial++ {
		size := 1 + rng.Intn(input.MaxInputBytes)
		count := 1 + rng.Intn(32)
		startFrame := input.Frame(rng.Intn(1000))

		reference := input.NewGameInput(startFrame-1, size)
		for j := 0; j < size; j++ {
			reference.Buffer[j] = byte(rng.Intn(256))
		}

		pending := make([]input.GameInput, 0, count)
		for i := 0; i < count; i++ {
			in := input.NewGameInput(startFrame+input.Frame(i), size)
			for j := 0; j < size; j++ {
				in.Buffer[j] = byte(rng.Intn(256))
			}
			pending = append(pending, in)
		}

		encoded, err := Encode(&reference, pending)
		require.NoError(t, err)

		decoded, err := Decode(&reference, startFrame, encoded)
		require.NoError(t, err)
		require.Len(t, decoded, count)

		for i := range pending {
			require.True(t, pending[i].Equal(&decoded[i], false),
				"trial %d: input %d did not survive the round trip", trial, i)
		}
	}
}

func TestEncodeCompressesRepeatedInputs(t *testing.T) {
	const size = input.MaxInputBytes

	reference := input.NewGameInput(input.NullFrame, size)
	reference.Buffer[0] = 0x55

	// The same input repeated: the delta is all zeros and RLE collapses
	// each input's bytes to a single run.
	pending := make([]input.GameInput, 0, 30)
	for i := 0; i < 30; i++ {
		in := input.NewGameInput(input.Frame(i), size)
		in.Buffer[0] = 0x55
		pending = append(pending, in)
	}

	encoded, err := Encode(&reference, pending)
	require.NoError(t, err)
	assert.Less(t, len(encoded), len(pending)*size/10,
		"repeated inputs should compress to a small fraction of raw size")
}

func TestEncodeRejectsBrokenSequence(t *testing.T) {
	reference := input.NewGameInput(5, 4)
	pending := []input.GameInput{
		input.NewGameInput(6, 4),
		input.NewGameInput(8, 4), // gap
	}
	_, err := Encode(&reference, pending)
	assert.Error(t, err)
}

func TestDecodeRejectsCorruptData(t *testing.T) {
	reference := input.NewGameInput(input.NullFrame, 4)

	testCases := []struct {
		name string
		data []byte
	}{
		{"Odd length", []byte{0x01}},
		{"Zero run length", []byte{0x00, 0xaa}},
		{"Partial input", []byte{0x03, 0x00}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(&reference, 0, tc.data)
			assert.Error(t, err)
		})
	}
}
