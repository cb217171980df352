package input

// Frame is a signed simulation frame counter. Sessions start at frame 0
// and advance by one per simulation tick.
type Frame = int32

// NullFrame marks a frame number as unknown or not yet assigned. Frame
// arithmetic on NullFrame is undefined; callers must check IsNullFrame
// before computing frame differences.
const NullFrame Frame = -1

// IsNullFrame reports whether the given frame is the null sentinel.
func IsNullFrame(frame Frame) bool {
	return frame == NullFrame
}
