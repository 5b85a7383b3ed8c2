package publish

import "sync/atomic"

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded to make room. Consumers read C() like a normal channel.
//
//	rc := NewRingChannel[message](3)
//	for i := 0; i < 10; i++ {
//	    rc.ForceSend(msg(i)) // only the last 3 survive an idle reader
//	}
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// Metrics counts ring traffic. All fields are updated atomically.
type Metrics struct {
	Written     atomic.Int64
	Overwritten atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend inserts v, discarding the oldest element if the buffer is full.
// It reports whether an element was dropped.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	dropped := false
	for {
		select {
		case rc.ch <- v:
			rc.metrics.Written.Add(1)
			return dropped
		default:
		}
		select {
		case <-rc.ch:
			rc.metrics.Overwritten.Add(1)
			dropped = true
		default:
			// the reader emptied a slot meanwhile
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Close closes the underlying channel. ForceSend panics afterwards.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}

// Written returns how many elements were accepted.
func (rc *RingChannel[T]) Written() int64 {
	return rc.metrics.Written.Load()
}

// Overwritten returns how many elements were discarded unread.
func (rc *RingChannel[T]) Overwritten() int64 {
	return rc.metrics.Overwritten.Load()
}
