package goble

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/fanout"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
)

// scanStartGrace is how long StartScan waits for the host scan to fail
// early. go-ble's Scan blocks for the whole scan, so a start failure is only
// visible as an early return.
const scanStartGrace = 50 * time.Millisecond

// Adapter is the go-ble device.Adapter. It remembers every peripheral seen
// while scanning and turns advertisements into discovery events.
type Adapter struct {
	dev    hostDevice
	logger *logrus.Logger

	peripherals *hashmap.Map[string, *Peripheral]
	events      *fanout.Hub[device.DiscoveryEvent]

	filter atomic.Pointer[device.ScanFilter]

	scanMu     sync.Mutex
	scanCancel context.CancelFunc
	scanDone   <-chan struct{}
}

func newAdapter(dev hostDevice, logger *logrus.Logger) *Adapter {
	return &Adapter{
		dev:         dev,
		logger:      logger,
		peripherals: hashmap.New[string, *Peripheral](),
		events:      fanout.New[device.DiscoveryEvent]("goble-events"),
	}
}

func (a *Adapter) Peripherals(context.Context) ([]device.Peripheral, error) {
	out := make([]device.Peripheral, 0, a.peripherals.Len())
	a.peripherals.Range(func(_ string, p *Peripheral) bool {
		out = append(out, p)
		return true
	})
	return out, nil
}

func (a *Adapter) Peripheral(_ context.Context, id device.PeripheralID) (device.Peripheral, error) {
	p, ok := a.peripherals.Get(id.String())
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return p, nil
}

// StartScan starts host discovery. Calling it while a scan runs only
// replaces the filter.
func (a *Adapter) StartScan(ctx context.Context, filter device.ScanFilter) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	a.filter.Store(&filter)
	if a.scanCancel != nil {
		return nil
	}

	scanCtx, cancelFn := context.WithCancel(context.Background())
	failed := make(chan error, 1)
	done := groutine.Done(scanCtx, "goble-scan", func(ctx context.Context) {
		err := a.dev.Scan(ctx, true, a.handleAdvertisement)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			failed <- err
		}
	})

	select {
	case err := <-failed:
		cancelFn()
		a.logger.WithError(err).Error("Failed to start scan")
		return NormalizeError(err)
	case <-ctx.Done():
		cancelFn()
		return NormalizeError(ctx.Err())
	case <-time.After(scanStartGrace):
	}

	a.scanCancel = cancelFn
	a.scanDone = done
	a.logger.WithField("services", len(filter.Services)).Info("Starting BLE scan...")
	return nil
}

// StopScan stops host discovery and waits for the scan loop to return.
func (a *Adapter) StopScan(ctx context.Context) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if a.scanCancel == nil {
		return nil
	}
	a.scanCancel()
	done := a.scanDone
	a.scanCancel = nil
	a.scanDone = nil

	select {
	case <-done:
		a.logger.WithField("peripherals", a.peripherals.Len()).Info("BLE scan stopped")
		return nil
	case <-ctx.Done():
		return NormalizeError(ctx.Err())
	}
}

func (a *Adapter) Events(ctx context.Context) (<-chan device.DiscoveryEvent, error) {
	return a.events.Subscribe(ctx), nil
}

// IsPoweredOn reports true once the host device opened: go-ble refuses to
// open a powered-off controller and exposes no state query afterwards.
func (a *Adapter) IsPoweredOn(context.Context) (bool, error) {
	return a.dev != nil, nil
}

// admits reports whether the current scan filter lets services through.
func (a *Adapter) admits(services []device.UUID) bool {
	f := a.filter.Load()
	return f == nil || f.Matches(services)
}

func (a *Adapter) emit(ev device.DiscoveryEvent) {
	a.events.Publish(ev)
}

// handleAdvertisement updates an existing or adds a new peripheral.
func (a *Adapter) handleAdvertisement(adv ble.Advertisement) {
	id, err := device.ParsePeripheralID(adv.Addr().String())
	if err != nil {
		a.logger.WithError(err).Debug("Ignoring advertisement with unusable address")
		return
	}
	props := propertiesFromAdvertisement(id, adv)

	key := id.String()
	p, existing := a.peripherals.Get(key)
	if !existing {
		if !a.admits(props.Services) {
			return
		}
		p, existing = a.peripherals.GetOrInsert(key, newPeripheral(a, id, adv.Addr(), props))
	}

	if existing {
		p.update(props)
		// A peripheral registered by an earlier, wider scan stays silent
		// under a filter it does not match.
		if !a.admits(p.advertisedServices()) {
			return
		}
		a.emit(device.DiscoveryEvent{Kind: device.EventUpdated, ID: id})
	} else {
		a.logger.WithFields(logrus.Fields{
			"peripheral": key,
			"name":       props.LocalName,
			"rssi":       adv.RSSI(),
		}).Debug("Discovered new peripheral")
		a.emit(device.DiscoveryEvent{Kind: device.EventDiscovered, ID: id})
	}

	if len(props.ManufacturerData) > 0 {
		a.emit(device.DiscoveryEvent{Kind: device.EventManufacturerData, ID: id, ManufacturerData: props.ManufacturerData})
	}
	if len(props.ServiceData) > 0 {
		a.emit(device.DiscoveryEvent{Kind: device.EventServiceData, ID: id, ServiceData: props.ServiceData})
	}
	if len(props.Services) > 0 {
		a.emit(device.DiscoveryEvent{Kind: device.EventServicesAdvertised, ID: id, Services: props.Services})
	}
}

func (a *Adapter) close() error {
	ctx, cancelFn := context.WithTimeout(context.Background(), time.Second)
	defer cancelFn()

	if err := a.StopScan(ctx); err != nil {
		a.logger.WithError(err).Warn("Failed to stop scan on close")
	}
	a.peripherals.Range(func(_ string, p *Peripheral) bool {
		if err := p.Disconnect(ctx); err != nil {
			a.logger.WithError(err).WithField("peripheral", p.id.String()).Warn("Failed to disconnect on close")
		}
		return true
	})
	a.events.Close()
	return a.dev.Stop()
}
