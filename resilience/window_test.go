package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestCountWindow_Evicts(t *testing.T) {
	w := newCountWindow(3)
	now := time.Now()

	w.record(true, false, now)
	w.record(true, true, now)
	w.record(false, false, now)
	snap := w.record(false, false, now)

	if snap.Calls != 3 || snap.Failures != 1 || snap.Slow != 1 {
		t.Errorf("snapshot = %+v, want 3 calls, 1 failure, 1 slow", snap)
	}

	w.reset()
	if snap := w.snapshot(now); snap != (WindowSnapshot{}) {
		t.Errorf("snapshot after reset = %+v, want empty", snap)
	}
}

func TestTimeWindow_Expires(t *testing.T) {
	w := newTimeWindow(5)
	start := time.Unix(1_700_000_000, 0)

	w.record(true, false, start)
	w.record(false, false, start.Add(2*time.Second))

	if snap := w.snapshot(start.Add(4 * time.Second)); snap.Calls != 2 {
		t.Errorf("calls at +4s = %d, want 2", snap.Calls)
	}
	if snap := w.snapshot(start.Add(5 * time.Second)); snap.Calls != 1 || snap.Failures != 0 {
		t.Errorf("snapshot at +5s = %+v, want only the success", snap)
	}
	// A bucket reused for a later second drops its old contents
	snap := w.record(true, false, start.Add(10*time.Second))
	if snap.Calls != 1 || snap.Failures != 1 {
		t.Errorf("snapshot at +10s = %+v, want 1 failure", snap)
	}
}

func TestWindowSnapshot_Rates(t *testing.T) {
	if r := (WindowSnapshot{}).FailureRate(); r != 0 {
		t.Errorf("empty FailureRate = %v, want 0", r)
	}
	s := WindowSnapshot{Calls: 4, Failures: 1, Slow: 2}
	if r := s.FailureRate(); r != 25 {
		t.Errorf("FailureRate = %v, want 25", r)
	}
	if r := s.SlowRate(); r != 50 {
		t.Errorf("SlowRate = %v, want 50", r)
	}
}

// TestCircuitBreaker_OpenIffWindowFailureRate checks that, with the wait
// never elapsing, the breaker is open exactly when the most recent window
// crossed the failure threshold, and that no call reaches the operation
// afterwards.
func TestCircuitBreaker_OpenIffWindowFailureRate(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 10).Draw(t, "size")
		minCalls := rapid.IntRange(1, 12).Draw(t, "minCalls")
		threshold := float64(rapid.IntRange(1, 100).Draw(t, "threshold"))
		outcomes := rapid.SliceOfN(rapid.Bool(), 1, 60).Draw(t, "outcomes")

		cb := newTestBreaker(CircuitBreakerConfig{
			FailureRateThreshold:    threshold,
			SlidingWindowSize:       size,
			MinimumNumberOfCalls:    minCalls,
			WaitDurationInOpenState: time.Hour,
		}, newFakeClock(), nil)

		required := min(minCalls, size)
		var window []bool
		open := false

		for i, failed := range outcomes {
			reached := false
			err := cb.Execute(context.Background(), func(context.Context) error {
				reached = true
				if failed {
					return errBoom
				}
				return nil
			})

			if open {
				if reached || !errors.Is(err, ErrCircuitOpen) {
					t.Fatalf("call %d while open: reached=%v err=%v", i, reached, err)
				}
				continue
			}

			window = append(window, failed)
			if len(window) > size {
				window = window[1:]
			}
			if len(window) >= required {
				failures := 0
				for _, f := range window {
					if f {
						failures++
					}
				}
				open = float64(failures)*100/float64(len(window)) >= threshold
			}

			if got := cb.State() == StateOpen; got != open {
				t.Fatalf("call %d: open = %v, want %v (window %v)", i, got, open, window)
			}
		}
	})
}
