package tinygo

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/fanout"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
)

// scanStartGrace is how long StartScan waits for the blocking host scan to
// fail early.
const scanStartGrace = 50 * time.Millisecond

// Adapter is the tinygo device.Adapter.
type Adapter struct {
	host   host
	logger *logrus.Logger

	peripherals *hashmap.Map[string, *Peripheral]
	events      *fanout.Hub[device.DiscoveryEvent]

	filter atomic.Pointer[device.ScanFilter]

	scanMu   sync.Mutex
	scanDone <-chan struct{}
}

func newAdapter(h host, logger *logrus.Logger) *Adapter {
	a := &Adapter{
		host:        h,
		logger:      logger,
		peripherals: hashmap.New[string, *Peripheral](),
		events:      fanout.New[device.DiscoveryEvent]("tinygo-events"),
	}
	h.SetConnectHandler(a.handleConnect)
	return a
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
	if a.scanDone != nil {
		return nil
	}

	failed := make(chan error, 1)
	done := groutine.Done(context.Background(), "tinygo-scan", func(context.Context) {
		if err := a.host.Scan(a.handleSighting); err != nil {
			failed <- err
		}
	})

	select {
	case err := <-failed:
		a.logger.WithError(err).Error("Failed to start scan")
		return NormalizeError(err)
	case <-ctx.Done():
		_ = a.host.StopScan()
		return NormalizeError(ctx.Err())
	case <-time.After(scanStartGrace):
	}

	a.scanDone = done
	a.logger.WithField("services", len(filter.Services)).Info("Starting BLE scan...")
	return nil
}

// StopScan stops host discovery and waits for the scan loop to return.
func (a *Adapter) StopScan(ctx context.Context) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	if a.scanDone == nil {
		return nil
	}
	done := a.scanDone
	a.scanDone = nil
	select {
	case <-done:
		// the host scan already ended on its own
		return nil
	default:
	}
	if err := a.host.StopScan(); err != nil {
		a.logger.WithError(err).Warn("Failed to stop host scan")
		return NormalizeError(err)
	}

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

// IsPoweredOn reports true once the adapter is enabled: Enable fails on a
// powered-off controller.
func (a *Adapter) IsPoweredOn(context.Context) (bool, error) {
	return true, nil
}

// admits reports whether the current scan filter lets services through.
func (a *Adapter) admits(services []device.UUID) bool {
	f := a.filter.Load()
	return f == nil || f.Matches(services)
}

func (a *Adapter) emit(ev device.DiscoveryEvent) {
	a.events.Publish(ev)
}

func (a *Adapter) handleSighting(s sighting) {
	id, err := device.ParsePeripheralID(s.key)
	if err != nil {
		a.logger.WithError(err).WithField("address", s.key).Debug("Ignoring advertisement with unusable address")
		return
	}
	props := device.PeripheralProperties{
		ID:               id,
		LocalName:        s.name,
		RSSI:             device.Int16(s.rssi),
		ManufacturerData: s.mfg,
		ServiceData:      s.serviceData,
		Services:         s.services,
	}

	p, existing := a.peripherals.Get(id.String())
	if !existing {
		if !a.admits(props.Services) {
			return
		}
		p, existing = a.peripherals.GetOrInsert(id.String(), newPeripheral(a, id, s.key, props))
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
			"peripheral": id.String(),
			"name":       s.name,
			"rssi":       s.rssi,
		}).Debug("Discovered new peripheral")
		a.emit(device.DiscoveryEvent{Kind: device.EventDiscovered, ID: id})
	}

	if len(s.mfg) > 0 {
		a.emit(device.DiscoveryEvent{Kind: device.EventManufacturerData, ID: id, ManufacturerData: props.Clone().ManufacturerData})
	}
	if len(s.serviceData) > 0 {
		a.emit(device.DiscoveryEvent{Kind: device.EventServiceData, ID: id, ServiceData: props.Clone().ServiceData})
	}
	if len(s.services) > 0 {
		a.emit(device.DiscoveryEvent{Kind: device.EventServicesAdvertised, ID: id, Services: props.Clone().Services})
	}
}

// handleConnect tracks link loss. Connections are reported by Connect itself.
func (a *Adapter) handleConnect(key string, connected bool) {
	if connected {
		return
	}
	id, err := device.ParsePeripheralID(key)
	if err != nil {
		return
	}
	if p, ok := a.peripherals.Get(id.String()); ok {
		p.linkDown(nil)
	}
}

func (a *Adapter) close() {
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
}
