package adapter

import (
	"sync"

	"github.com/srg/blesession/pkg/device"
)

var (
	defaultMu     sync.Mutex
	defaultStack  device.Stack
	defaultHandle *Handle
	defaultOpts   []Option
)

// SetDefaultStack selects the backend and options used by Default.
// It fails once Default has handed out its handle.
func SetDefaultStack(stack device.Stack, opts ...Option) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHandle != nil {
		return ErrAlreadyInitialized
	}
	defaultStack = stack
	defaultOpts = opts
	return nil
}

// Default returns the process-wide handle, creating it on first call.
func Default() *Handle {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultHandle == nil {
		defaultHandle = New(defaultStack, defaultOpts...)
	}
	return defaultHandle
}
