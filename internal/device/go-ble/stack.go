// Package goble implements the device host stack interfaces on top of
// github.com/go-ble/ble (CoreBluetooth on darwin, HCI sockets on linux).
package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
)

// hostDevice is the part of ble.Device the backend drives.
type hostDevice interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Dial(ctx context.Context, a ble.Addr) (ble.Client, error)
	Stop() error
}

// Stack is the go-ble device.Stack. One host device is opened on the first
// Initialize call and shared by every later one.
type Stack struct {
	logger *logrus.Logger

	mu      sync.Mutex
	adapter *Adapter
}

// NewStack creates a go-ble stack. A nil logger falls back to logrus.New().
func NewStack(logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	return &Stack{logger: logger}
}

// Initialize opens the host device through DeviceFactory.
func (s *Stack) Initialize(ctx context.Context) (device.Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter, nil
	}

	type result struct {
		dev ble.Device
		err error
	}
	// Opening the device can block on platform permission prompts.
	ch := make(chan result, 1)
	groutine.Go(context.Background(), "goble-open", func(context.Context) {
		dev, err := DeviceFactory()
		ch <- result{dev, err}
	})

	select {
	case r := <-ch:
		if r.err != nil {
			s.logger.WithError(r.err).Error("Failed to create BLE device")
			return nil, NormalizeError(r.err)
		}
		s.adapter = newAdapter(r.dev, s.logger)
		s.logger.Info("go-ble device ready")
		return s.adapter, nil
	case <-ctx.Done():
		groutine.Go(context.Background(), "goble-open-reaper", func(context.Context) {
			if r := <-ch; r.err == nil {
				_ = r.dev.Stop()
			}
		})
		return nil, NormalizeError(ctx.Err())
	}
}

// Close stops the host device.
func (s *Stack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter == nil {
		return nil
	}
	err := s.adapter.close()
	s.adapter = nil
	return NormalizeError(err)
}
