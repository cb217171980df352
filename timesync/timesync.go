package timesync

import (
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/rollback/input"
)

const (
	// FrameWindowSize is the number of frame-advantage samples retained
	// per peer. Averaging over the window filters out one-off spikes so
	// a wait is only recommended for a sustained imbalance.
	FrameWindowSize = 32

	// MinFrameAdvantage is the smallest sustained imbalance worth
	// correcting. Below this, recommending a wait would just make the
	// two sides oscillate.
	MinFrameAdvantage = 3

	// MaxFrameAdvantage caps a single wait recommendation so a peer
	// never stalls for long stretches at once.
	MaxFrameAdvantage = 9
)

// TimeSync tracks the observed frame advantage between the local client
// and one remote peer.
type TimeSync struct {
	local  [FrameWindowSize]int32
	remote [FrameWindowSize]int32
}

// New creates a TimeSync with empty sample windows.
func New() *TimeSync {
	return &TimeSync{}
}

// AdvanceFrame records one pair of frame-advantage samples: how many
// frames ahead of the remote the local client believes it runs, and the
// advantage the remote peer reported for itself in its last quality
// report. A positive advantage means running ahead.
func (t *TimeSync) AdvanceFrame(frame input.Frame, localAdvantage, remoteAdvantage int32) {
	idx := int(frame) % FrameWindowSize
	if idx < 0 {
		idx += FrameWindowSize
	}
	t.local[idx] = localAdvantage
	t.remote[idx] = remoteAdvantage
}

// RecommendFrameWait returns how many frames the local client should
// wait before simulating further, or zero when the pair is balanced or
// the remote side is the one ahead.
func (t *TimeSync) RecommendFrameWait() int32 {
	var localSum, remoteSum int32
	for i := 0; i < FrameWindowSize; i++ {
		localSum += t.local[i]
		remoteSum += t.remote[i]
	}
	localAvg := float64(localSum) / FrameWindowSize
	remoteAvg := float64(remoteSum) / FrameWindowSize

	// Only the side that is ahead waits; the other side recommends zero.
	if localAvg <= remoteAvg {
		return 0
	}

	// Meet in the middle. Each side closing half the gap avoids both
	// overshooting at once.
	sleepFrames := int32((localAvg-remoteAvg)/2.0 + 0.5)
	if sleepFrames < MinFrameAdvantage {
		return 0
	}
	if sleepFrames > MaxFrameAdvantage {
		sleepFrames = MaxFrameAdvantage
	}

	logrus.WithFields(logrus.Fields{
		"function":     "RecommendFrameWait",
		"local_avg":    localAvg,
		"remote_avg":   remoteAvg,
		"sleep_frames": sleepFrames,
	}).Debug("Recommending frame wait to faster peer")

	return sleepFrames
}
