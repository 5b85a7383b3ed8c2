// Package adapter owns the lazily initialized host Bluetooth adapter.
//
// One Handle initializes its Stack at most once. The first Get starts the
// attempt and every concurrent caller waits on the same attempt. A failed
// attempt is cached and returned to every later caller.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
)

// DefaultInitTimeout bounds the host stack initialization.
const DefaultInitTimeout = 10 * time.Second

// ErrAlreadyInitialized is returned by SetDefaultStack once the default handle has been used.
var ErrAlreadyInitialized = errors.New("default adapter already initialized")

// Handle is a thread-safe, lazily initialized reference to one adapter.
type Handle struct {
	stack       device.Stack
	logger      *logrus.Logger
	initTimeout time.Duration

	once    sync.Once
	ready   chan struct{}
	adapter device.Adapter
	err     error

	scanMu    sync.Mutex
	leases    map[uint64]device.ScanFilter
	nextLease uint64
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the logger used for initialization messages.
func WithLogger(logger *logrus.Logger) Option {
	return func(h *Handle) { h.logger = logger }
}

// WithInitTimeout bounds how long the stack may take to initialize.
func WithInitTimeout(d time.Duration) Option {
	return func(h *Handle) { h.initTimeout = d }
}

// New returns a handle that initializes stack on first use.
func New(stack device.Stack, opts ...Option) *Handle {
	h := &Handle{
		stack:       stack,
		initTimeout: DefaultInitTimeout,
		ready:       make(chan struct{}),
		leases:      make(map[uint64]device.ScanFilter),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = logrus.New()
	}
	return h
}

// Get returns the adapter, starting initialization if this is the first call.
// If ctx ends before initialization finishes, Get returns ErrCancelled while
// the attempt itself continues and its outcome is cached.
func (h *Handle) Get(ctx context.Context) (device.Adapter, error) {
	h.once.Do(h.start)

	select {
	case <-h.ready:
		return h.adapter, h.err
	default:
	}

	select {
	case <-h.ready:
		return h.adapter, h.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for adapter: %w", device.ErrCancelled)
	}
}

func (h *Handle) start() {
	if h.stack == nil {
		h.err = device.NotSupported("no bluetooth stack configured")
		close(h.ready)
		return
	}

	groutine.Go(context.Background(), "adapter-init", func(ctx context.Context) {
		defer close(h.ready)

		initCtx, cancel := context.WithTimeout(ctx, h.initTimeout)
		defer cancel()

		h.logger.Debug("Initializing bluetooth adapter...")
		a, err := h.stack.Initialize(initCtx)
		switch {
		case err == nil && a == nil:
			err = device.NotSupported("no bluetooth adapter available")
		case err != nil && errors.Is(initCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, device.ErrTimedOut):
			err = fmt.Errorf("%w: %v", device.TimedOut(h.initTimeout), err)
		}
		if err != nil {
			h.logger.WithError(err).Error("Bluetooth adapter initialization failed")
			h.err = err
			return
		}
		h.logger.Info("Bluetooth adapter initialized")
		h.adapter = a
	})
}

// Initialized reports whether an initialization attempt has finished.
func (h *Handle) Initialized() bool {
	select {
	case <-h.ready:
		return true
	default:
		return false
	}
}

// Err returns the cached initialization failure, or nil if initialization
// succeeded or has not finished.
func (h *Handle) Err() error {
	if !h.Initialized() {
		return nil
	}
	return h.err
}

// IsSupported reports whether the host has a usable adapter.
func (h *Handle) IsSupported(ctx context.Context) (bool, error) {
	_, err := h.Get(ctx)
	if err == nil {
		return true, nil
	}
	if device.IsCancelled(err) {
		return false, err
	}
	return false, nil
}

// IsPoweredOn reports whether the adapter is powered on.
func (h *Handle) IsPoweredOn(ctx context.Context) (bool, error) {
	a, err := h.Get(ctx)
	if err != nil {
		return false, err
	}
	return a.IsPoweredOn(ctx)
}

// Peripherals lists every peripheral known to the adapter.
func (h *Handle) Peripherals(ctx context.Context) ([]device.Peripheral, error) {
	a, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return a.Peripherals(ctx)
}

// Peripheral looks up one peripheral, failing with ErrDeviceNotFound when it is not visible.
func (h *Handle) Peripheral(ctx context.Context, id device.PeripheralID) (device.Peripheral, error) {
	a, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return a.Peripheral(ctx, id)
}

// Events opens a new adapter event subscription that ends with ctx.
func (h *Handle) Events(ctx context.Context) (<-chan device.DiscoveryEvent, error) {
	a, err := h.Get(ctx)
	if err != nil {
		return nil, err
	}
	return a.Events(ctx)
}
