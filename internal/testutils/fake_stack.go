package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/blesession/internal/fanout"
	"github.com/srg/blesession/pkg/device"
)

// FakeStack is an in-memory device.Stack whose behavior tests script directly.
type FakeStack struct {
	Adapter *FakeAdapter

	// InitFunc overrides Initialize when set.
	InitFunc  func(ctx context.Context) (device.Adapter, error)
	InitCalls atomic.Int32
}

// NewFakeStack returns a stack that initializes to a fresh, powered-on FakeAdapter.
func NewFakeStack() *FakeStack {
	return &FakeStack{Adapter: NewFakeAdapter()}
}

func (s *FakeStack) Initialize(ctx context.Context) (device.Adapter, error) {
	s.InitCalls.Add(1)
	if s.InitFunc != nil {
		return s.InitFunc(ctx)
	}
	return s.Adapter, nil
}

// FakeAdapter keeps a set of visible peripherals and publishes adapter events.
type FakeAdapter struct {
	mu        sync.Mutex
	visible   map[device.PeripheralID]*FakePeripheral
	events    *fanout.Hub[device.DiscoveryEvent]
	scanning  bool
	filter    device.ScanFilter
	poweredOn bool

	StartScanCalls atomic.Int32
	StopScanCalls  atomic.Int32

	// StartScanErr fails StartScan when set.
	StartScanErr error
	// OnStartScan runs after a successful StartScan, outside the adapter lock.
	OnStartScan func(filter device.ScanFilter)
	// LookupErr replaces ErrDeviceNotFound for unknown ids when set.
	LookupErr error
}

// NewFakeAdapter returns a powered-on adapter with no visible peripherals.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		visible:   make(map[device.PeripheralID]*FakePeripheral),
		events:    fanout.New[device.DiscoveryEvent]("fake-adapter-events"),
		poweredOn: true,
	}
}

// SetPoweredOn changes the reported power state.
func (a *FakeAdapter) SetPoweredOn(on bool) {
	a.mu.Lock()
	a.poweredOn = on
	a.mu.Unlock()
}

// Scanning reports whether a scan is in progress.
func (a *FakeAdapter) Scanning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanning
}

// Filter returns the filter of the last StartScan call.
func (a *FakeAdapter) Filter() device.ScanFilter {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filter
}

// Add makes p visible without emitting an event.
func (a *FakeAdapter) Add(p *FakePeripheral) {
	a.mu.Lock()
	a.visible[p.ID()] = p
	a.mu.Unlock()
	p.attach(a)
}

// Discover makes p visible and emits a Discovered event.
func (a *FakeAdapter) Discover(p *FakePeripheral) {
	a.Add(p)
	a.Emit(device.DiscoveryEvent{Kind: device.EventDiscovered, ID: p.ID()})
}

// Remove drops p from the visible set, as a host does when it evicts a stale device.
func (a *FakeAdapter) Remove(id device.PeripheralID) {
	a.mu.Lock()
	delete(a.visible, id)
	a.mu.Unlock()
}

// Emit publishes ev to every event subscriber.
func (a *FakeAdapter) Emit(ev device.DiscoveryEvent) {
	a.events.Publish(ev)
}

// Subscribers returns the number of live event subscriptions.
func (a *FakeAdapter) Subscribers() int {
	return a.events.Len()
}

// CloseEvents ends every event subscription, as a host stack shutting down does.
func (a *FakeAdapter) CloseEvents() {
	a.events.Close()
}

func (a *FakeAdapter) Peripherals(context.Context) ([]device.Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]device.Peripheral, 0, len(a.visible))
	for _, p := range a.visible {
		out = append(out, p)
	}
	return out, nil
}

func (a *FakeAdapter) Peripheral(_ context.Context, id device.PeripheralID) (device.Peripheral, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.visible[id]
	if !ok {
		if a.LookupErr != nil {
			return nil, a.LookupErr
		}
		return nil, device.ErrDeviceNotFound
	}
	return p, nil
}

func (a *FakeAdapter) StartScan(_ context.Context, filter device.ScanFilter) error {
	a.StartScanCalls.Add(1)
	if a.StartScanErr != nil {
		return a.StartScanErr
	}
	a.mu.Lock()
	a.scanning = true
	a.filter = filter
	hook := a.OnStartScan
	a.mu.Unlock()
	if hook != nil {
		hook(filter)
	}
	return nil
}

func (a *FakeAdapter) StopScan(context.Context) error {
	a.StopScanCalls.Add(1)
	a.mu.Lock()
	a.scanning = false
	a.mu.Unlock()
	return nil
}

func (a *FakeAdapter) Events(ctx context.Context) (<-chan device.DiscoveryEvent, error) {
	return a.events.Subscribe(ctx), nil
}

func (a *FakeAdapter) IsPoweredOn(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.poweredOn, nil
}
