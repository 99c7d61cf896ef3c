// Package ringbuf implements the fixed-capacity circular queue that backs
// every buffering point in voicebridge: the device's capture/playback PCM
// queues and the playback pipeline's byte-level Opus queue.
//
// Invariants (see spec §8.1): at any observation, 0 <= count <= capacity and
// count == (write - read) mod capacity. Overflow policy is selectable per
// instance because the two directions of the audio path need different
// behavior — capture drops the newest sample on overflow (the network is the
// bottleneck, stale audio is worse than missing audio), while a blocking
// reader should never see a false "empty" after a concurrent writer commits.
package ringbuf

import (
	"context"
	"sync"
	"time"
)

// Ring is a fixed-capacity circular buffer of T, protected by a mutex and
// signaled via a condition variable exactly as spec §3 describes.
type Ring[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	buf   []T
	read  int
	write int
	count int

	// dropNewest selects the overflow policy. true: Write silently discards
	// the incoming data past capacity (capture direction). false: Write
	// fails outright, reporting how much space was actually available
	// (playback feed_data / BufferFull semantics).
	dropNewest bool

	// drops counts samples discarded due to overflow under dropNewest policy.
	drops uint64
}

// NewDropNewest returns a Ring that silently discards new writes once full —
// the capture-side policy (spec §4.1): "the producer drops the newest write
// on overflow and logs a warning".
func NewDropNewest[T any](capacity int) *Ring[T] {
	r := &Ring[T]{buf: make([]T, capacity), dropNewest: true}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// NewRejecting returns a Ring whose Write fails (returns false) rather than
// partially writing when there isn't enough room — the playback feed_data
// policy (spec §4.4): "if the incoming blob is larger than available space
// the call fails with BufferFull (no partial writes)".
func NewRejecting[T any](capacity int) *Ring[T] {
	r := &Ring[T]{buf: make([]T, capacity)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Cap returns the buffer's fixed capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}

// Count returns the number of elements currently buffered.
func (r *Ring[T]) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Empty reports whether the buffer currently holds no elements.
func (r *Ring[T]) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == 0
}

// Full reports whether the buffer is at capacity.
func (r *Ring[T]) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == len(r.buf)
}

// Usage returns buffered fraction in [0.0, 1.0].
func (r *Ring[T]) Usage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return 0
	}
	return float64(r.count) / float64(len(r.buf))
}

// Write appends data to the buffer.
//
// Under the drop-newest policy it always returns ok=true, with written set
// to the number of elements actually stored — excess elements beyond
// available space are discarded and counted in Drops(), matching spec S5 ("the ring buffer count is
// unchanged [for the dropped portion]; subsequent reads succeed for the
// frames that preceded the overflow").
//
// Under the rejecting policy, if data does not fit in the remaining space
// the call writes nothing and returns (0, false) — matching spec §4.4's
// feed_data/BufferFull contract.
func (r *Ring[T]) Write(data []T) (written int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := len(r.buf) - r.count
	if len(data) > free {
		if !r.dropNewest {
			return 0, false
		}
		r.drops += uint64(len(data) - free)
		data = data[:free]
	}
	for _, v := range data {
		r.buf[r.write] = v
		r.write = (r.write + 1) % len(r.buf)
		r.count++
	}
	if len(data) > 0 {
		r.cond.Broadcast()
	}
	return len(data), true
}

// Read pops up to len(out) elements, blocking until at least one element is
// available or the context is done. Returns the number of elements read.
// A zero count with a non-nil error means the wait was cancelled/timed out.
func (r *Ring[T]) Read(ctx context.Context, out []T) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.count == 0 {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !r.waitWithContext(ctx) {
			return 0, ctx.Err()
		}
	}

	n := 0
	for n < len(out) && r.count > 0 {
		out[n] = r.buf[r.read]
		r.read = (r.read + 1) % len(r.buf)
		r.count--
		n++
	}
	r.cond.Broadcast()
	return n, nil
}

// ReadTimeout is a convenience wrapper used by the device abstraction, whose
// contract (spec §4.1) is "blocking up to 1s" rather than an arbitrary
// context.
func (r *Ring[T]) ReadTimeout(out []T, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Read(ctx, out)
}

// waitWithContext waits on the condition variable, returning false if ctx is
// cancelled first. sync.Cond has no native context support, so cancellation
// is implemented with a watcher goroutine that broadcasts on expiry.
func (r *Ring[T]) waitWithContext(ctx context.Context) bool {
	done := make(chan struct{})
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.cond.Broadcast()
			r.mu.Unlock()
		case <-stop:
		}
		close(done)
	}()
	r.cond.Wait()
	close(stop)
	<-done
	return ctx.Err() == nil
}

// Peek copies up to len(out) elements without consuming them. Used by tests
// and diagnostics; not on any hot path.
func (r *Ring[T]) Peek(out []T) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	idx := r.read
	for n < len(out) && n < r.count {
		out[n] = r.buf[idx]
		idx = (idx + 1) % len(r.buf)
		n++
	}
	return n
}

// Clear resets head, tail, and count atomically (spec §4.4 clear()).
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	r.read = 0
	r.write = 0
	r.count = 0
	r.mu.Unlock()
}

// Broadcast wakes all goroutines blocked in Read — used on state
// transitions (e.g. playback stop) so a blocked worker notices promptly.
func (r *Ring[T]) Broadcast() {
	r.mu.Lock()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Drops returns the number of elements discarded by the drop-newest policy
// since the last call, resetting the counter (mirrors the teacher's
// DroppedFrames swap-and-reset convention).
func (r *Ring[T]) Drops() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.drops
	r.drops = 0
	return d
}
