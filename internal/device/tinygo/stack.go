package tinygo

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
)

// Stack is the tinygo device.Stack. The default host adapter is enabled on
// the first Initialize call and shared by every later one.
type Stack struct {
	logger *logrus.Logger

	mu      sync.Mutex
	adapter *Adapter
}

// NewStack creates a tinygo stack. A nil logger falls back to logrus.New().
func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{logger: logger}
}

// Initialize enables the host adapter.
func (s *Stack) Initialize(ctx context.Context) (device.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter, nil
	}

	h, err := openHost()
	if err != nil {
		return nil, NormalizeError(err)
	}

	// CoreBluetooth's Enable waits for the powered-on state.
	enabled := make(chan error, 1)
	groutine.Go(context.Background(), "tinygo-enable", func(context.Context) {
		enabled <- h.Enable()
	})

	select {
	case err := <-enabled:
		if err != nil {
			s.logger.WithError(err).Error("Failed to enable BLE adapter")
			return nil, NormalizeError(err)
		}
	case <-ctx.Done():
		return nil, NormalizeError(ctx.Err())
	}

	s.adapter = newAdapter(h, s.logger)
	s.logger.Info("tinygo adapter enabled")
	return s.adapter, nil
}

// Close stops scanning and disconnects every peripheral.
// tinygo has no way to release the default adapter.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter == nil {
		return nil
	}
	s.adapter.close()
	s.adapter = nil
	return nil
}
