// Package ringchan provides a bounded channel-like buffer with
// overwrite-oldest semantics, used to decouple radio callbacks from
// stream consumers: a producer never blocks on a stalled reader, it
// drops the oldest element instead.
package ringchan

// RingChannel wraps a buffered channel so producers always make
// progress. Readers consume through C() like a normal Go channel.
type RingChannel[T any] struct {
	ch chan T
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel. Consumers can range
// over it until Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// TrySend attempts a non-blocking insert. Returns false if full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		return true
	default:
		return false
	}
}

// ForceSend always succeeds immediately, discarding the oldest buffered
// element if needed. It never blocks. Reports whether an element was
// dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch: // drop oldest
			dropped = true
		default:
		}
		rc.ch <- v
	}
	return dropped
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the underlying channel. Sends after Close panic.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
