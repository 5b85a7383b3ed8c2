// Package session runs scan and peripheral sessions on top of the shared
// adapter handle. Every session owns a cancel token and one background loop.
package session

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/bridge"
	"github.com/srg/blesession/pkg/adapter"
	"github.com/srg/blesession/pkg/cancel"
	"github.com/srg/blesession/pkg/device"
)

// Scan is a running discovery session. Cancelling it, closing it, or
// dropping the last reference to it releases its share of the host scan.
type Scan struct {
	core *scanCore
}

// scanCore is everything the background loop needs. The loop never
// references the Scan itself, so an abandoned Scan can be collected.
type scanCore struct {
	token    *cancel.Token
	adapter  device.Adapter
	lease    *adapter.ScanLease
	filter   device.ScanFilter
	observer ScanObserver
	logger   *logrus.Entry
	bridge   *bridge.Bridge
}

// StartScan subscribes to adapter events, takes a share of the host scan and
// dispatches every discovery event matching filter to observer until the
// scan is cancelled. Other sessions scanning at the same time do not change
// what observer receives.
func StartScan(ctx context.Context, filter device.ScanFilter, observer ScanObserver, opts ...Option) (*Scan, error) {
	if observer == nil {
		return nil, fmt.Errorf("scan observer is required")
	}
	o := newOptions(opts)

	a, err := o.handle.Get(ctx)
	if err != nil {
		return nil, err
	}

	token := cancel.New()
	events, err := a.Events(token.Context())
	if err != nil {
		token.Cancel()
		return nil, fmt.Errorf("subscribe to adapter events: %w", err)
	}

	lease, err := o.handle.AcquireScan(ctx, filter)
	if err != nil {
		token.Cancel()
		return nil, fmt.Errorf("start scan: %w", err)
	}

	core := &scanCore{
		token:    token,
		adapter:  a,
		lease:    lease,
		filter:   filter,
		observer: observer,
		logger:   o.logger.WithField("session", "scan"),
	}
	core.bridge = bridge.Start(bridge.Options{
		Name:            "scan-bridge",
		Token:           token,
		Events:          events,
		OnEvent:         core.onEvent,
		Teardown:        core.stopScan,
		TeardownTimeout: o.teardownTimeout,
		Logger:          o.logger,
	})
	core.logger.WithField("services", len(filter.Services)).Info("Scan started")

	s := &Scan{core: core}
	runtime.AddCleanup(s, func(t *cancel.Token) { t.Cancel() }, token)
	return s, nil
}

// Cancel stops the scan. It is idempotent and never blocks.
func (s *Scan) Cancel() {
	s.core.token.Cancel()
}

// Close cancels the scan. It implements io.Closer.
func (s *Scan) Close() error {
	s.Cancel()
	return nil
}

// IsCancelled reports whether the scan has been cancelled.
func (s *Scan) IsCancelled() bool {
	return s.core.token.IsCancelled()
}

// Done is closed once the background loop has exited and the scan share was released.
func (s *Scan) Done() <-chan struct{} {
	return s.core.bridge.Done()
}

// Wait blocks until the background loop exits or ctx ends.
func (s *Scan) Wait(ctx context.Context) error {
	return s.core.bridge.Wait(ctx)
}

func (c *scanCore) stopScan(ctx context.Context) error {
	c.logger.Info("Stopping scan")
	return c.lease.Release(ctx)
}

func (c *scanCore) onEvent(ctx context.Context, ev device.DiscoveryEvent) {
	if !ev.Kind.IsDiscovery() || !c.matches(ctx, ev) {
		return
	}
	switch ev.Kind {
	case device.EventDiscovered:
		c.observer.OnDiscovered(ctx, c.properties(ctx, ev.ID))
	case device.EventUpdated:
		c.observer.OnUpdated(ctx, c.properties(ctx, ev.ID))
	case device.EventManufacturerData:
		c.observer.OnManufacturerData(ctx, ev.ID, ev.ManufacturerData)
	case device.EventServiceData:
		c.observer.OnServiceData(ctx, ev.ID, ev.ServiceData)
	case device.EventServicesAdvertised:
		c.observer.OnServicesAdvertised(ctx, ev.ID, ev.Services)
	}
}

// matches applies the session filter. The host scan may run wider when
// another session shares it.
func (c *scanCore) matches(ctx context.Context, ev device.DiscoveryEvent) bool {
	if len(c.filter.Services) == 0 || c.filter.Matches(ev.Services) {
		return true
	}
	p, err := c.adapter.Peripheral(ctx, ev.ID)
	if err != nil {
		return false
	}
	props, err := p.Properties(ctx)
	return err == nil && c.filter.Matches(props.Services)
}

// properties resolves the advertisement state of id, falling back to an
// id-only value when the host already forgot the peripheral.
func (c *scanCore) properties(ctx context.Context, id device.PeripheralID) device.PeripheralProperties {
	p, err := c.adapter.Peripheral(ctx, id)
	if err != nil {
		c.logger.WithError(err).WithField("peripheral", id.String()).Debug("Peripheral lookup failed")
		return device.PeripheralProperties{ID: id}
	}
	props, err := p.Properties(ctx)
	if err != nil {
		c.logger.WithError(err).WithField("peripheral", id.String()).Debug("Reading properties failed")
		return device.PeripheralProperties{ID: id}
	}
	return props
}
