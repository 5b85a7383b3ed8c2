package session

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/bridge"
	"github.com/srg/blesession/pkg/adapter"
	"github.com/srg/blesession/pkg/cancel"
	"github.com/srg/blesession/pkg/device"
)

// Peripheral is a long-lived session with one remote device. It survives
// disconnects: Connect may be called again after the link drops. Closing
// the session, or dropping the last reference to it, stops event delivery.
// It does not disconnect the device.
type Peripheral struct {
	core *peripheralCore
}

type peripheralCore struct {
	id       device.PeripheralID
	token    *cancel.Token
	adapter  device.Adapter
	observer PeripheralObserver
	opts     *options
	logger   *logrus.Entry
	bridge   *bridge.Bridge

	// connectMu serializes Connect calls.
	connectMu sync.Mutex

	notifyMu     sync.Mutex
	notifyCancel context.CancelFunc
	notifyGen    uint64

	recoveryMu   sync.Mutex
	recoveryScan *adapter.ScanLease
}

// NewPeripheral opens a session for id and starts its background loop.
// The peripheral does not have to be visible yet.
func NewPeripheral(ctx context.Context, id device.PeripheralID, observer PeripheralObserver, opts ...Option) (*Peripheral, error) {
	if id.IsZero() {
		return nil, device.IdentityParseError("empty peripheral id", nil)
	}
	if observer == nil {
		observer = PeripheralObserverFuncs{}
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

	core := &peripheralCore{
		id:       id,
		token:    token,
		adapter:  a,
		observer: observer,
		opts:     o,
		logger:   o.logger.WithField("peripheral", id.String()),
	}
	core.bridge = bridge.Start(bridge.Options{
		Name:            "peripheral-bridge-" + id.String(),
		Token:           token,
		Events:          events,
		OnEvent:         core.onEvent,
		OnNotification:  core.onNotification,
		Teardown:        core.releaseRecoveryScan,
		TeardownTimeout: o.teardownTimeout,
		Logger:          o.logger,
	})

	p := &Peripheral{core: core}
	runtime.AddCleanup(p, func(t *cancel.Token) { t.Cancel() }, token)
	return p, nil
}

// ID returns the identity this session is bound to.
func (p *Peripheral) ID() device.PeripheralID {
	return p.core.id
}

// Close cancels the session. Pending Connect calls return ErrCancelled.
func (p *Peripheral) Close() error {
	p.core.token.Cancel()
	return nil
}

// IsCancelled reports whether the session has been closed.
func (p *Peripheral) IsCancelled() bool {
	return p.core.token.IsCancelled()
}

// Done is closed once the background loop has exited.
func (p *Peripheral) Done() <-chan struct{} {
	return p.core.bridge.Done()
}

// Wait blocks until the background loop exits or ctx ends.
func (p *Peripheral) Wait(ctx context.Context) error {
	return p.core.bridge.Wait(ctx)
}

// Connect brings the link up, waiting for the peripheral to become visible
// first when the host does not know it yet. See State for the steps.
func (p *Peripheral) Connect(ctx context.Context) error {
	return p.core.connect(ctx)
}

// Disconnect drops the link. A peripheral the host no longer knows counts
// as disconnected.
func (p *Peripheral) Disconnect(ctx context.Context) error {
	dev, err := p.core.adapter.Peripheral(ctx, p.core.id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	p.core.logger.Info("Disconnecting")
	return dev.Disconnect(ctx)
}

// IsConnected reports the host's view of the link.
func (p *Peripheral) IsConnected(ctx context.Context) (bool, error) {
	dev, err := p.core.adapter.Peripheral(ctx, p.core.id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return dev.IsConnected(ctx)
}

// Properties returns the latest advertisement state.
func (p *Peripheral) Properties(ctx context.Context) (device.PeripheralProperties, error) {
	dev, err := p.core.adapter.Peripheral(ctx, p.core.id)
	if err != nil {
		return device.PeripheralProperties{}, err
	}
	return dev.Properties(ctx)
}

// DiscoverServices runs GATT discovery on the connected peripheral.
func (p *Peripheral) DiscoverServices(ctx context.Context) error {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return err
	}
	return dev.DiscoverServices(ctx)
}

// Services returns the services found by the last discovery.
func (p *Peripheral) Services(ctx context.Context) ([]device.Service, error) {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return dev.Services(), nil
}

// Characteristic looks up a discovered characteristic.
func (p *Peripheral) Characteristic(ctx context.Context, service, char device.UUID) (device.Characteristic, error) {
	services, err := p.Services(ctx)
	if err != nil {
		return device.Characteristic{}, err
	}
	return device.FindCharacteristic(services, service, char)
}

func (p *Peripheral) Read(ctx context.Context, c device.Characteristic) ([]byte, error) {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return dev.Read(ctx, c)
}

func (p *Peripheral) Write(ctx context.Context, c device.Characteristic, data []byte, wt device.WriteType) error {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return err
	}
	return dev.Write(ctx, c, data, wt)
}

func (p *Peripheral) ReadDescriptor(ctx context.Context, d device.Descriptor) ([]byte, error) {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return dev.ReadDescriptor(ctx, d)
}

func (p *Peripheral) WriteDescriptor(ctx context.Context, d device.Descriptor, data []byte) error {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return err
	}
	return dev.WriteDescriptor(ctx, d, data)
}

// Subscribe enables notifications for c. Values arrive through OnNotification.
func (p *Peripheral) Subscribe(ctx context.Context, c device.Characteristic) error {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return err
	}
	return dev.Subscribe(ctx, c)
}

func (p *Peripheral) Unsubscribe(ctx context.Context, c device.Characteristic) error {
	dev, err := p.core.resolve(ctx)
	if err != nil {
		return err
	}
	return dev.Unsubscribe(ctx, c)
}

// resolve finds the host peripheral for a GATT operation. An unknown
// peripheral cannot be connected, so lookup misses map to ErrNotConnected.
func (c *peripheralCore) resolve(ctx context.Context) (device.Peripheral, error) {
	dev, err := c.adapter.Peripheral(ctx, c.id)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return nil, fmt.Errorf("%w: %s", device.ErrNotConnected, c.id)
	}
	return dev, err
}

func (c *peripheralCore) onEvent(ctx context.Context, ev device.DiscoveryEvent) {
	if ev.ID != c.id {
		return
	}
	switch ev.Kind {
	case device.EventConnected:
		c.logger.Debug("Connected event")
		c.observer.OnConnected(ctx)
	case device.EventDisconnected:
		c.logger.Debug("Disconnected event")
		c.observer.OnDisconnected(ctx)
		// A reconnect may have finished before this event was dispatched;
		// its stream must survive.
		gen := c.notificationGen()
		if !c.linkUp(ctx) {
			c.dropNotifications(gen)
		}
	}
}

func (c *peripheralCore) linkUp(ctx context.Context) bool {
	dev, err := c.adapter.Peripheral(ctx, c.id)
	if err != nil {
		return false
	}
	up, err := dev.IsConnected(ctx)
	return err == nil && up
}

func (c *peripheralCore) onNotification(ctx context.Context, n device.Notification) {
	c.observer.OnNotification(ctx, n.Characteristic, n.Value)
}

// openNotifications opens a notification stream bound to the session and
// hands it to the bridge, replacing the stream of a previous connection.
func (c *peripheralCore) openNotifications(dev device.Peripheral) error {
	ctx, cancelFn := context.WithCancel(c.token.Context())
	stream, err := dev.Notifications(ctx)
	if err != nil {
		cancelFn()
		return err
	}

	c.notifyMu.Lock()
	prev := c.notifyCancel
	c.notifyCancel = cancelFn
	c.notifyGen++
	gen := c.notifyGen
	c.notifyMu.Unlock()
	if prev != nil {
		prev()
	}

	c.bridge.Attach(gen, stream)
	return nil
}

func (c *peripheralCore) notificationGen() uint64 {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	return c.notifyGen
}

// dropNotifications closes the stream opened for generation gen and
// detaches it from the bridge, unless a newer connection replaced it
// meanwhile.
func (c *peripheralCore) dropNotifications(gen uint64) {
	c.notifyMu.Lock()
	if gen != c.notifyGen {
		c.notifyMu.Unlock()
		return
	}
	prev := c.notifyCancel
	c.notifyCancel = nil
	c.notifyMu.Unlock()
	if prev != nil {
		prev()
	}
	if gen > 0 {
		c.bridge.Detach(gen)
	}
}
