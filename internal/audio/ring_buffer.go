// ring_buffer.go: fixed-capacity single-producer/single-consumer sample buffer
package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/easmon/easmon-go/internal/errors"
)

// MinRingCapacity is the smallest accepted ring buffer capacity in samples.
const MinRingCapacity = 1024

// RingBuffer is a fixed-capacity circular buffer of normalized audio samples.
// It is safe for exactly one writer goroutine and one reader goroutine; the
// hot data path uses atomic cursors with no locking. One slot is always
// reserved so that a full buffer is distinguishable from an empty one.
type RingBuffer struct {
	data     []float32
	mask     uint64
	capacity uint64

	// Monotonic cursors, only ever advanced by their owning side.
	writePos atomic.Uint64
	readPos  atomic.Uint64

	// Aggregate statistics, lock-protected; never touched on the copy path
	// beyond a short critical section.
	statsMu      sync.Mutex
	totalWritten uint64
	totalRead    uint64
	peakFill     uint64
	overruns     uint64
	underruns    uint64
}

// RingStats is a snapshot of a ring buffer's aggregate statistics.
type RingStats struct {
	Capacity     int
	TotalWritten uint64
	TotalRead    uint64
	PeakFill     int
	Overruns     uint64
	Underruns    uint64
}

// nextPowerOfTwo returns the smallest power of two >= n.
func nextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// NewRingBuffer creates a ring buffer holding at least capacity samples.
// The capacity is rounded up to the next power of two; requests that round
// below MinRingCapacity are rejected.
func NewRingBuffer(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Newf("invalid ring buffer capacity: %d", capacity).
			Category(errors.CategoryValidation).
			Component("ring-buffer").
			Context("operation", "new_ring_buffer").
			Build()
	}

	rounded := nextPowerOfTwo(uint64(capacity))
	if rounded < MinRingCapacity {
		return nil, errors.Newf("ring buffer capacity %d below minimum %d", capacity, MinRingCapacity).
			Category(errors.CategoryValidation).
			Component("ring-buffer").
			Context("operation", "new_ring_buffer").
			Context("requested", capacity).
			Build()
	}

	return &RingBuffer{
		data:     make([]float32, rounded),
		mask:     rounded - 1,
		capacity: rounded,
	}, nil
}

// Capacity returns the rounded capacity in samples.
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// Len returns the number of samples currently buffered.
func (rb *RingBuffer) Len() int {
	return int(rb.writePos.Load() - rb.readPos.Load())
}

// AvailableWrite returns how many samples can be written without overrun.
// One slot is reserved so full never equals empty.
func (rb *RingBuffer) AvailableWrite() int {
	return int(rb.capacity - 1 - (rb.writePos.Load() - rb.readPos.Load()))
}

// Utilization returns the current fill level as a ratio of capacity.
func (rb *RingBuffer) Utilization() float64 {
	return float64(rb.Len()) / float64(rb.capacity)
}

// Write copies samples into the buffer. The write is all-or-nothing: if the
// available space is smaller than the chunk, nothing is written, the overrun
// counter is incremented and 0 is returned. Callers on the realtime path must
// not retry synchronously.
func (rb *RingBuffer) Write(samples []float32) int {
	n := uint64(len(samples))
	if n == 0 {
		return 0
	}

	w := rb.writePos.Load()
	r := rb.readPos.Load()
	available := rb.capacity - 1 - (w - r)

	if n > available {
		rb.statsMu.Lock()
		rb.overruns++
		rb.statsMu.Unlock()
		return 0
	}

	// Copy in one or two contiguous segments depending on wraparound.
	start := w & rb.mask
	first := min(n, rb.capacity-start)
	copy(rb.data[start:start+first], samples[:first])
	if first < n {
		copy(rb.data[:n-first], samples[first:])
	}

	rb.writePos.Store(w + n)

	rb.statsMu.Lock()
	rb.totalWritten += n
	if fill := (w + n) - r; fill > rb.peakFill {
		rb.peakFill = fill
	}
	rb.statsMu.Unlock()

	return int(n)
}

// Read copies exactly len(dst) samples out of the buffer. The read is
// all-or-nothing: if fewer samples are buffered, nothing is consumed, the
// underrun counter is incremented and 0 is returned.
func (rb *RingBuffer) Read(dst []float32) int {
	n := uint64(len(dst))
	if n == 0 {
		return 0
	}

	w := rb.writePos.Load()
	r := rb.readPos.Load()

	if w-r < n {
		rb.statsMu.Lock()
		rb.underruns++
		rb.statsMu.Unlock()
		return 0
	}

	start := r & rb.mask
	first := min(n, rb.capacity-start)
	copy(dst[:first], rb.data[start:start+first])
	if first < n {
		copy(dst[first:], rb.data[:n-first])
	}

	rb.readPos.Store(r + n)

	rb.statsMu.Lock()
	rb.totalRead += n
	rb.statsMu.Unlock()

	return int(n)
}

// ReadBlocking reads exactly len(dst) samples, polling with a bounded sleep
// until enough data arrives or the timeout expires. It exists for tests and
// offline consumers only; the realtime path always uses Read.
func (rb *RingBuffer) ReadBlocking(dst []float32, timeout time.Duration) int {
	const pollInterval = time.Millisecond

	deadline := time.Now().Add(timeout)
	for {
		if rb.Len() >= len(dst) {
			return rb.Read(dst)
		}
		if time.Now().After(deadline) {
			return rb.Read(dst) // final attempt, counts the underrun
		}
		time.Sleep(pollInterval)
	}
}

// Stats returns a snapshot of the aggregate statistics.
func (rb *RingBuffer) Stats() RingStats {
	rb.statsMu.Lock()
	defer rb.statsMu.Unlock()
	return RingStats{
		Capacity:     int(rb.capacity),
		TotalWritten: rb.totalWritten,
		TotalRead:    rb.totalRead,
		PeakFill:     int(rb.peakFill),
		Overruns:     rb.overruns,
		Underruns:    rb.underruns,
	}
}

// Reset discards buffered samples and statistics. Only safe while no
// concurrent reader or writer is active.
func (rb *RingBuffer) Reset() {
	rb.writePos.Store(0)
	rb.readPos.Store(0)
	rb.statsMu.Lock()
	rb.totalWritten = 0
	rb.totalRead = 0
	rb.peakFill = 0
	rb.overruns = 0
	rb.underruns = 0
	rb.statsMu.Unlock()
}
