package timesync

import (
	"testing"

	"github.com/opd-ai/rollback/input"
)

func TestRecommendFrameWaitBalanced(t *testing.T) {
	ts := New()
	for frame := input.Frame(0); frame < FrameWindowSize; frame++ {
		ts.AdvanceFrame(frame, 0, 0)
	}
	if wait := ts.RecommendFrameWait(); wait != 0 {
		t.Errorf("Balanced peers should not wait, got %d", wait)
	}
}

func TestRecommendFrameWait(t *testing.T) {
	testCases := []struct {
		name      string
		localAdv  int32
		remoteAdv int32
		expected  int32
	}{
		{"Local ahead", 8, -8, 8},
		{"Imbalance below threshold", 2, -2, 0},
		{"Imbalance capped at maximum", 20, -20, MaxFrameAdvantage},
		{"Local behind", -6, 6, 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := New()
			for frame := input.Frame(0); frame < FrameWindowSize; frame++ {
				ts.AdvanceFrame(frame, tc.localAdv, tc.remoteAdv)
			}
			if wait := ts.RecommendFrameWait(); wait != tc.expected {
				t.Errorf("Expected wait %d, got %d", tc.expected, wait)
			}
		})
	}
}

// Two peers running the identical algorithm with swapped perspectives
// must converge: the ahead side is told to wait, the behind side is
// not, and once the gap closes the recommendation drops to zero within
// a bounded number of report cycles.
func TestRecommendFrameWaitConvergence(t *testing.T) {
	ahead := New()
	behind := New()

	gap := int32(8)
	frame := input.Frame(0)
	converged := false

	for cycle := 0; cycle < 20 && !converged; cycle++ {
		for i := 0; i < FrameWindowSize; i++ {
			ahead.AdvanceFrame(frame, gap, -gap)
			behind.AdvanceFrame(frame, -gap, gap)
			frame++
		}

		if behind.RecommendFrameWait() != 0 {
			t.Fatal("The behind side must never be told to wait")
		}

		// Applying the recommended wait shrinks the gap for the next
		// round of reports.
		gap -= ahead.RecommendFrameWait()
		if gap < 0 {
			gap = 0
		}
		if gap == 0 {
			converged = true
		}
	}

	if !converged {
		t.Error("Wait recommendation did not converge to zero")
	}

	// With the gap closed and fresh balanced samples, no further waits.
	for i := 0; i < FrameWindowSize; i++ {
		ahead.AdvanceFrame(frame, 0, 0)
		behind.AdvanceFrame(frame, 0, 0)
		frame++
	}
	if wait := ahead.RecommendFrameWait(); wait != 0 {
		t.Errorf("Expected zero wait after convergence, got %d", wait)
	}
}
