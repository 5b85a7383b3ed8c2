// Package bridge runs the single background loop of a session.
//
// A Bridge multiplexes the adapter event stream and an optional
// notification stream against the session's cancel token and dispatches
// every value to session handlers, one at a time, in arrival order. Once
// the token is cancelled no handler runs again; the loop runs its teardown
// and exits.
package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/cancel"
	"github.com/srg/blesession/pkg/device"
)

// DefaultTeardownTimeout bounds the teardown function.
const DefaultTeardownTimeout = time.Second

// ExitReason tells why the loop ended.
type ExitReason int32

const (
	Running ExitReason = iota
	// ExitCancelled means the token was cancelled and teardown ran.
	ExitCancelled
	// ExitStreamEnded means the event stream closed on its own; teardown did not run.
	ExitStreamEnded
)

func (r ExitReason) String() string {
	switch r {
	case ExitCancelled:
		return "cancelled"
	case ExitStreamEnded:
		return "stream_ended"
	default:
		return "running"
	}
}

// Options configures a Bridge. Token and Events are required.
type Options struct {
	Name   string
	Token  *cancel.Token
	Events <-chan device.DiscoveryEvent

	OnEvent        func(ctx context.Context, ev device.DiscoveryEvent)
	OnNotification func(ctx context.Context, n device.Notification)

	// Teardown runs once when the loop exits because of cancellation.
	// Its error is logged and dropped.
	Teardown        func(ctx context.Context) error
	TeardownTimeout time.Duration

	Logger *logrus.Logger
}

// Bridge is a running session loop.
type Bridge struct {
	opts   Options
	logger *logrus.Entry

	mu      sync.Mutex
	pending *stream
	// stale is the newest detached generation; older streams never deliver.
	stale uint64
	wake  chan struct{}

	done   chan struct{}
	reason atomic.Int32
}

// stream is a notification stream tagged with the connection generation
// that opened it.
type stream struct {
	gen uint64
	ch  <-chan device.Notification
}

// Start launches the loop on its own goroutine.
func Start(opts Options) *Bridge {
	if opts.Token == nil {
		panic("bridge: token is required")
	}
	if opts.Name == "" {
		opts.Name = "session-bridge"
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = DefaultTeardownTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	b := &Bridge{
		opts:   opts,
		logger: opts.Logger.WithField("bridge", opts.Name),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	groutine.Go(opts.Token.Context(), opts.Name, b.run)
	return b
}

// Attach replaces the notification stream with ch, opened by connection
// generation gen. Generations start at 1 and grow with every connection.
// It never blocks; the loop picks the stream up before its next dispatch.
// A stream whose generation was already detached is ignored.
func (b *Bridge) Attach(gen uint64, ch <-chan device.Notification) {
	b.mu.Lock()
	if gen <= b.stale {
		b.mu.Unlock()
		return
	}
	b.pending = &stream{gen: gen, ch: ch}
	b.mu.Unlock()
	b.poke()
}

// Detach drops the stream of generation gen and every older one, whether
// the loop already uses it or has not picked it up yet. Called from an
// event handler it takes effect before the next dispatch.
func (b *Bridge) Detach(gen uint64) {
	b.mu.Lock()
	if gen > b.stale {
		b.stale = gen
	}
	if b.pending != nil && b.pending.gen <= b.stale {
		b.pending = nil
	}
	b.mu.Unlock()
	b.poke()
}

func (b *Bridge) poke() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// refresh returns the stream the loop should read from: the pending one if
// any, else current, unless it has been detached.
func (b *Bridge) refresh(current *stream) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending != nil {
		current = b.pending
		b.pending = nil
	}
	if current != nil && current.gen <= b.stale {
		return nil
	}
	return current
}

func (b *Bridge) detached(s *stream) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return s != nil && s.gen <= b.stale
}

// Done is closed once the loop has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until the loop exits or ctx ends.
func (b *Bridge) Wait(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reason reports why the loop exited, or Running while it is active.
func (b *Bridge) Reason() ExitReason {
	return ExitReason(b.reason.Load())
}

func (b *Bridge) run(ctx context.Context) {
	defer close(b.done)

	token := b.opts.Token
	events := b.opts.Events
	var current *stream
	var notifications <-chan device.Notification
	use := func(s *stream) {
		current = s
		notifications = nil
		if s != nil {
			notifications = s.ch
		}
	}

	b.logger.Debug("Bridge loop started")
	for {
		if token.IsCancelled() {
			b.exitCancelled()
			return
		}

		select {
		case <-token.Done():
			b.exitCancelled()
			return

		case <-b.wake:
			use(b.refresh(current))

		case ev, ok := <-events:
			if !ok {
				if token.IsCancelled() {
					b.exitCancelled()
					return
				}
				b.logger.Debug("Event stream ended, bridge loop exiting")
				b.reason.Store(int32(ExitStreamEnded))
				return
			}
			if token.IsCancelled() {
				b.exitCancelled()
				return
			}
			b.dispatchEvent(ctx, ev)
			use(b.refresh(current))

		case n, ok := <-notifications:
			if !ok {
				b.logger.Debug("Notification stream ended")
				use(nil)
				continue
			}
			if token.IsCancelled() {
				b.exitCancelled()
				return
			}
			if b.detached(current) {
				use(b.refresh(nil))
				continue
			}
			b.dispatchNotification(ctx, n)
		}
	}
}

func (b *Bridge) dispatchEvent(ctx context.Context, ev device.DiscoveryEvent) {
	if b.opts.OnEvent == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"event":      ev.Kind.String(),
				"peripheral": ev.ID.String(),
				"panic":      fmt.Sprint(r),
			}).Error("Event handler panicked, event dropped")
		}
	}()
	b.opts.OnEvent(ctx, ev)
}

func (b *Bridge) dispatchNotification(ctx context.Context, n device.Notification) {
	if b.opts.OnNotification == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"characteristic": n.Characteristic.String(),
				"panic":          fmt.Sprint(r),
			}).Error("Notification handler panicked, notification dropped")
		}
	}()
	b.opts.OnNotification(ctx, n)
}

func (b *Bridge) exitCancelled() {
	b.reason.Store(int32(ExitCancelled))
	if b.opts.Teardown == nil {
		b.logger.Debug("Bridge loop cancelled")
		return
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), b.opts.TeardownTimeout)
	defer cancelFn()

	result := make(chan error, 1)
	groutine.Go(ctx, b.opts.Name+"-teardown", func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				result <- fmt.Errorf("teardown panicked: %v", r)
			}
		}()
		result <- b.opts.Teardown(ctx)
	})

	select {
	case err := <-result:
		if err != nil {
			b.logger.WithError(err).Warn("Bridge teardown failed")
			return
		}
		b.logger.Debug("Bridge loop cancelled, teardown complete")
	case <-ctx.Done():
		b.logger.WithField("timeout", b.opts.TeardownTimeout).Warn("Bridge teardown timed out")
	}
}
