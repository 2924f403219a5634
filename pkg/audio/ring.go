package audio

import "sync"

// FrameRing is a bounded ring buffer of outbound µ-law frames. When the ring
// is full, Push evicts the oldest frame and increments the drop counter —
// outbound audio never blocks the producer.
//
// FrameRing is safe for concurrent use by one producer and one consumer.
type FrameRing struct {
	mu      sync.Mutex
	frames  [][]byte
	head    int // index of oldest frame
	n       int // number of buffered frames
	dropped uint64
}

// NewFrameRing creates a ring holding at most capacity frames. At the carrier
// rate of 50 frames/s, a capacity of 100 bounds buffered audio to 2 seconds.
func NewFrameRing(capacity int) *FrameRing {
	if capacity <= 0 {
		capacity = 2 * FramesPerSecond
	}
	return &FrameRing{frames: make([][]byte, capacity)}
}

// Push appends a frame, evicting the oldest one if the ring is full.
// Returns true if an older frame was dropped to make room.
func (r *FrameRing) Push(frame []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.n == len(r.frames) {
		r.head = (r.head + 1) % len(r.frames)
		r.n--
		r.dropped++
		evicted = true
	}
	r.frames[(r.head+r.n)%len(r.frames)] = frame
	r.n++
	return evicted
}

// Pop removes and returns the oldest frame, or (nil, false) when empty.
func (r *FrameRing) Pop() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == 0 {
		return nil, false
	}
	frame := r.frames[r.head]
	r.frames[r.head] = nil
	r.head = (r.head + 1) % len(r.frames)
	r.n--
	return frame, true
}

// Clear discards all buffered frames. Used on barge-in so that no stale agent
// audio plays after the cutover. Cleared frames do not count as drops.
func (r *FrameRing) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := r.n
	for i := range r.frames {
		r.frames[i] = nil
	}
	r.head = 0
	r.n = 0
	return cleared
}

// Len returns the number of buffered frames.
func (r *FrameRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Dropped returns the total number of frames evicted due to overflow.
func (r *FrameRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
