package session

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/bridge"
	"github.com/srg/blesession/pkg/adapter"
)

// Defaults applied when the matching option is not given.
const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultTeardownTimeout = bridge.DefaultTeardownTimeout
)

type options struct {
	handle          *adapter.Handle
	logger          *logrus.Logger
	connectTimeout  time.Duration
	teardownTimeout time.Duration
	keepScanning    bool
	stateHook       func(from, to State)
}

// Option configures a Scan or a Peripheral session.
type Option func(*options)

// WithAdapter uses h instead of adapter.Default().
func WithAdapter(h *adapter.Handle) Option {
	return func(o *options) { o.handle = h }
}

// WithLogger sets the session logger.
func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithConnectTimeout bounds a single host connect call. Zero disables the bound.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithTeardownTimeout bounds best-effort cleanup such as stopping a scan or
// disconnecting after a failed notification setup.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *options) { o.teardownTimeout = d }
}

// WithKeepScanning leaves the recovery scan running after the peripheral
// resurfaced instead of stopping it.
func WithKeepScanning() Option {
	return func(o *options) { o.keepScanning = true }
}

// WithStateHook observes every connect state machine transition.
// The hook runs on the goroutine calling Connect and must not block.
func WithStateHook(hook func(from, to State)) Option {
	return func(o *options) { o.stateHook = hook }
}

func newOptions(opts []Option) *options {
	o := &options{
		connectTimeout:  DefaultConnectTimeout,
		teardownTimeout: DefaultTeardownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logrus.New()
	}
	if o.handle == nil {
		o.handle = adapter.Default()
	}
	if o.teardownTimeout <= 0 {
		o.teardownTimeout = DefaultTeardownTimeout
	}
	return o
}
