package resilience

import "time"

// WindowType selects how the circuit breaker aggregates outcomes.
type WindowType string

const (
	// WindowCount keeps the last N outcomes.
	WindowCount WindowType = "count"
	// WindowTime keeps outcomes from the last N seconds.
	WindowTime WindowType = "time"
)

// WindowSnapshot is an aggregate view of a sliding window.
type WindowSnapshot struct {
	Calls    int
	Failures int
	Slow     int
}

// FailureRate returns the failure percentage, or 0 for an empty window.
func (s WindowSnapshot) FailureRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Failures) * 100 / float64(s.Calls)
}

// SlowRate returns the slow-call percentage, or 0 for an empty window.
func (s WindowSnapshot) SlowRate() float64 {
	if s.Calls == 0 {
		return 0
	}
	return float64(s.Slow) * 100 / float64(s.Calls)
}

// slidingWindow is not safe for concurrent use; the owning breaker
// serializes access under its mutex.
type slidingWindow interface {
	record(failed, slow bool, now time.Time) WindowSnapshot
	snapshot(now time.Time) WindowSnapshot
	reset()
}

func newSlidingWindow(kind WindowType, size int) slidingWindow {
	if kind == WindowTime {
		return newTimeWindow(size)
	}
	return newCountWindow(size)
}

const (
	flagFailed uint8 = 1 << iota
	flagSlow
)

// countWindow is a fixed-size ring buffer of the most recent outcomes.
type countWindow struct {
	ring  []uint8
	next  int
	total WindowSnapshot
}

func newCountWindow(size int) *countWindow {
	return &countWindow{ring: make([]uint8, size)}
}

func (w *countWindow) record(failed, slow bool, _ time.Time) WindowSnapshot {
	if w.total.Calls == len(w.ring) {
		evicted := w.ring[w.next]
		w.total.Calls--
		if evicted&flagFailed != 0 {
			w.total.Failures--
		}
		if evicted&flagSlow != 0 {
			w.total.Slow--
		}
	}

	var entry uint8
	if failed {
		entry |= flagFailed
		w.total.Failures++
	}
	if slow {
		entry |= flagSlow
		w.total.Slow++
	}
	w.ring[w.next] = entry
	w.total.Calls++
	w.next = (w.next + 1) % len(w.ring)

	return w.total
}

func (w *countWindow) snapshot(time.Time) WindowSnapshot {
	return w.total
}

func (w *countWindow) reset() {
	clear(w.ring)
	w.next = 0
	w.total = WindowSnapshot{}
}

// timeBucket aggregates outcomes recorded during one epoch second.
type timeBucket struct {
	epoch int64
	WindowSnapshot
}

// timeWindow keeps one bucket per second for the last len(buckets) seconds.
type timeWindow struct {
	buckets []timeBucket
}

func newTimeWindow(seconds int) *timeWindow {
	return &timeWindow{buckets: make([]timeBucket, seconds)}
}

func (w *timeWindow) record(failed, slow bool, now time.Time) WindowSnapshot {
	sec := now.Unix()
	b := &w.buckets[w.index(sec)]
	if b.epoch != sec {
		*b = timeBucket{epoch: sec}
	}
	b.Calls++
	if failed {
		b.Failures++
	}
	if slow {
		b.Slow++
	}
	return w.snapshot(now)
}

func (w *timeWindow) snapshot(now time.Time) WindowSnapshot {
	sec := now.Unix()
	oldest := sec - int64(len(w.buckets)) + 1

	var total WindowSnapshot
	for _, b := range w.buckets {
		if b.Calls == 0 || b.epoch < oldest || b.epoch > sec {
			continue
		}
		total.Calls += b.Calls
		total.Failures += b.Failures
		total.Slow += b.Slow
	}
	return total
}

func (w *timeWindow) reset() {
	clear(w.buckets)
}

func (w *timeWindow) index(sec int64) int {
	n := int64(len(w.buckets))
	return int(((sec % n) + n) % n)
}
