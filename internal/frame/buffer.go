// Package frame implements the sliding window of recent sensor frames: a
// fixed-capacity ring buffer, single-writer/many-reader, whose fill level the
// driver uses to gate detector warm-up and which a baseline reload flushes.
package frame

import (
	"sync"

	"tepmonitor/pkg/tep"
)

// Buffer is a bounded, insertion-ordered ring of the last capacity
// SensorFrames. All methods are safe for concurrent use; Snapshot returns
// a copy the caller may retain without further synchronization.
type Buffer struct {
	mu       sync.RWMutex
	frames   []tep.SensorFrame
	capacity int
	start    int // index of the oldest element within frames
	size     int
	lastStep int64
	hasLast  bool
}

// NewBuffer constructs an empty ring of the given capacity (W in §4.A).
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 20
	}
	return &Buffer{
		frames:   make([]tep.SensorFrame, capacity),
		capacity: capacity,
	}
}

// Append adds frame to the buffer, evicting the oldest entry when full.
// Step must be exactly one greater than the previously appended frame's
// step, enforcing the monotone-step invariant (§8.1); the very first
// append is unconstrained.
func (b *Buffer) Append(f tep.SensorFrame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.hasLast && f.Step != b.lastStep+1 {
		return ErrNonMonotoneStep
	}

	idx := (b.start + b.size) % b.capacity
	if b.size == b.capacity {
		b.frames[b.start] = tep.SensorFrame{}
		b.start = (b.start + 1) % b.capacity
	} else {
		b.size++
	}
	b.frames[idx] = f
	b.lastStep = f.Step
	b.hasLast = true
	return nil
}

// Snapshot returns a stable copy of the buffer's current contents, oldest
// first.
func (b *Buffer) Snapshot() []tep.SensorFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]tep.SensorFrame, b.size)
	for i := 0; i < b.size; i++ {
		out[i] = b.frames[(b.start+i)%b.capacity]
	}
	return out
}

// Latest returns the most recently appended frame and true, or a zero value
// and false if the buffer is empty.
func (b *Buffer) Latest() (tep.SensorFrame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return tep.SensorFrame{}, false
	}
	idx := (b.start + b.size - 1) % b.capacity
	return b.frames[idx], true
}

// Len reports the number of frames currently held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity reports W, the configured window size.
func (b *Buffer) Capacity() int {
	return b.capacity
}

// Flush empties the buffer. Called when the baseline's feature shape
// changes so frames from two differently-shaped models are never mixed
// (§4.A).
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.size = 0
	b.hasLast = false
	b.lastStep = 0
	for i := range b.frames {
		b.frames[i] = tep.SensorFrame{}
	}
}
