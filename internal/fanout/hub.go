// Package fanout delivers every published value to every subscriber, in
// publish order, without blocking the publisher.
//
// Each subscriber owns an unbounded queue drained by its own goroutine, so a
// slow consumer delays only itself.
package fanout

import (
	"context"
	"sync"

	"github.com/srg/blesession/internal/groutine"
)

// Hub is a lossless publish/subscribe point for values of type T.
type Hub[T any] struct {
	name   string
	mu     sync.Mutex
	subs   map[*subscriber[T]]struct{}
	closed bool
}

type subscriber[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  bool
	out   chan T
}

// New creates a hub. name labels subscriber goroutines in profiles.
func New[T any](name string) *Hub[T] {
	return &Hub[T]{name: name, subs: make(map[*subscriber[T]]struct{})}
}

// Subscribe returns a channel receiving every value published after the call.
// The channel is closed when ctx ends or the hub is closed.
func (h *Hub[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(s.out)
		return s.out
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	groutine.Go(ctx, h.name+"-subscriber", func(ctx context.Context) {
		defer close(s.out)
		defer h.remove(s)
		defer s.finish()
		s.drain(ctx)
	})
	return s.out
}

// Publish enqueues v for every current subscriber. It never blocks on consumers.
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		s.push(v)
	}
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription after its queue is drained and rejects new ones.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.finish()
	}
}

func (h *Hub[T]) remove(s *subscriber[T]) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			done := s.done
			s.mu.Unlock()
			if done {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-ctx.Done():
			return
		}
	}
}
