package audio

import "sync"

// Ring is a fixed-capacity sample buffer that evicts oldest samples first.
// The worker keeps one filled with the last couple of seconds of microphone
// audio so a capture can be prepended with the speech that occurred just
// before the trigger fired.
//
// All methods are safe for concurrent use.
type Ring struct {
	mu   sync.Mutex
	buf  []int16
	head int // next write position
	size int // number of valid samples
}

// NewRing returns a Ring holding at most capacity samples. Capacity below 1
// is raised to 1.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]int16, capacity)}
}

// Append adds samples, evicting the oldest when full. Appending a slice
// larger than the capacity keeps only its tail.
func (r *Ring) Append(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(samples) >= len(r.buf) {
		copy(r.buf, samples[len(samples)-len(r.buf):])
		r.head = 0
		r.size = len(r.buf)
		return
	}
	for _, s := range samples {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
	}
	r.size += len(samples)
	if r.size > len(r.buf) {
		r.size = len(r.buf)
	}
}

// Snapshot returns a copy of the buffered samples in arrival order.
func (r *Ring) Snapshot() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int16, r.size)
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Clear discards all buffered samples.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.head = 0
	r.size = 0
	r.mu.Unlock()
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Cap returns the ring's capacity in samples.
func (r *Ring) Cap() int {
	return len(r.buf)
}
