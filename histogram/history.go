package histogram

import "sync"

// FrameHistory is a bounded ring buffer of per-frame samples. When full, Add
// evicts the oldest sample. It is safe for concurrent use.
type FrameHistory[T any] struct {
	mu    sync.Mutex
	buf   []T
	start int
	n     int
}

// NewFrameHistory creates a history holding at most capacity samples.
func NewFrameHistory[T any](capacity int) *FrameHistory[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameHistory[T]{buf: make([]T, capacity)}
}

// Add appends v. If the history was full, the evicted sample is returned with ok = true.
func (fh *FrameHistory[T]) Add(v T) (evicted T, ok bool) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.add(v)
}

func (fh *FrameHistory[T]) add(v T) (evicted T, ok bool) {
	if fh.n == len(fh.buf) {
		evicted = fh.buf[fh.start]
		fh.buf[fh.start] = v
		fh.start = (fh.start + 1) % len(fh.buf)
		return evicted, true
	}
	fh.buf[(fh.start+fh.n)%len(fh.buf)] = v
	fh.n++
	return evicted, false
}

// Len returns the number of stored samples.
func (fh *FrameHistory[T]) Len() int {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.n
}

// Cap returns the maximum number of samples.
func (fh *FrameHistory[T]) Cap() int { return len(fh.buf) }

// Oldest returns the oldest sample, if any.
func (fh *FrameHistory[T]) Oldest() (T, bool) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	var zero T
	if fh.n == 0 {
		return zero, false
	}
	return fh.buf[fh.start], true
}

// Newest returns the most recently added sample, if any.
func (fh *FrameHistory[T]) Newest() (T, bool) {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	var zero T
	if fh.n == 0 {
		return zero, false
	}
	return fh.buf[(fh.start+fh.n-1)%len(fh.buf)], true
}

// Values returns the samples from oldest to newest.
func (fh *FrameHistory[T]) Values() []T {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	out := make([]T, fh.n)
	for i := 0; i < fh.n; i++ {
		out[i] = fh.buf[(fh.start+i)%len(fh.buf)]
	}
	return out
}

// Clear drops every sample.
func (fh *FrameHistory[T]) Clear() {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	fh.clear()
}

func (fh *FrameHistory[T]) clear() {
	var zero T
	for i := range fh.buf {
		fh.buf[i] = zero
	}
	fh.start, fh.n = 0, 0
}

// Rolling keeps a Histogram consistent with a FrameHistory of integer
// samples: every eviction removes the sample it filled.
type Rolling struct {
	mu   sync.Mutex
	hist *FrameHistory[int]
	h    *Histogram
}

// NewRolling creates a rolling histogram of the last window samples over nbins bins.
func NewRolling(window, nbins int) *Rolling {
	return &Rolling{
		hist: NewFrameHistory[int](window),
		h:    New(nbins),
	}
}

// Add records v, aging out the oldest sample when the window is full.
func (r *Rolling) Add(v int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.hist.Add(v); ok {
		r.h.Remove(old)
	}
	r.h.Fill(v)
}

// Len returns the number of samples in the window.
func (r *Rolling) Len() int { return r.hist.Len() }

// Clear empties the window and the histogram.
func (r *Rolling) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hist.Clear()
	r.h.Clear()
}

// Snapshot returns a copy of the current histogram.
func (r *Rolling) Snapshot() *Histogram {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.h.Clone()
}
