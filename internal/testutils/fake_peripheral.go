package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/blesession/internal/fanout"
	"github.com/srg/blesession/pkg/device"
)

// FakePeripheral is a scriptable device.Peripheral. A successful Connect
// emits a Connected event on its adapter and Disconnect emits Disconnected.
type FakePeripheral struct {
	id device.PeripheralID

	mu          sync.Mutex
	adapter     *FakeAdapter
	props       device.PeripheralProperties
	connected   bool
	services    []device.Service
	values      map[device.UUID][]byte
	descriptors map[device.UUID][]byte
	subscribed  map[device.UUID]bool
	notify      *fanout.Hub[device.Notification]

	// ConnectFunc overrides the host connect call when set.
	ConnectFunc func(ctx context.Context) error
	// NotificationsErr fails Notifications when set.
	NotificationsErr error
	// DisconnectErr fails Disconnect when set. The link still drops.
	DisconnectErr error

	ConnectCalls    atomic.Int32
	DisconnectCalls atomic.Int32
}

// NewFakePeripheral returns a disconnected peripheral with the given id.
func NewFakePeripheral(id string) *FakePeripheral {
	pid := device.MustParsePeripheralID(id)
	return &FakePeripheral{
		id:          pid,
		props:       device.PeripheralProperties{ID: pid},
		values:      make(map[device.UUID][]byte),
		descriptors: make(map[device.UUID][]byte),
		subscribed:  make(map[device.UUID]bool),
	}
}

// WithName sets the advertised local name.
func (p *FakePeripheral) WithName(name string) *FakePeripheral {
	p.mu.Lock()
	p.props.LocalName = name
	p.mu.Unlock()
	return p
}

// WithRSSI sets the last seen signal strength.
func (p *FakePeripheral) WithRSSI(rssi int16) *FakePeripheral {
	p.mu.Lock()
	p.props.RSSI = device.Int16(rssi)
	p.mu.Unlock()
	return p
}

// WithAdvertisedServices sets the service UUIDs carried in advertisements.
func (p *FakePeripheral) WithAdvertisedServices(services ...string) *FakePeripheral {
	p.mu.Lock()
	for _, u := range services {
		p.props.Services = append(p.props.Services, device.MustParseUUID(u))
	}
	p.mu.Unlock()
	return p
}

// WithCharacteristic adds a characteristic with an initial value to the GATT table.
func (p *FakePeripheral) WithCharacteristic(service, char string, props device.CharacteristicProperties, value []byte) *FakePeripheral {
	svcUUID := device.MustParseUUID(service)
	charUUID := device.MustParseUUID(char)

	p.mu.Lock()
	defer p.mu.Unlock()
	c := device.Characteristic{UUID: charUUID, Service: svcUUID, Properties: props}
	for i := range p.services {
		if p.services[i].UUID == svcUUID {
			p.services[i].Characteristics = append(p.services[i].Characteristics, c)
			p.values[charUUID] = value
			return p
		}
	}
	p.services = append(p.services, device.Service{UUID: svcUUID, Primary: true, Characteristics: []device.Characteristic{c}})
	p.values[charUUID] = value
	return p
}

// Connected marks the link up without going through Connect.
func (p *FakePeripheral) Connected() *FakePeripheral {
	p.mu.Lock()
	p.connected = true
	p.notify = fanout.New[device.Notification]("fake-notifications")
	p.mu.Unlock()
	return p
}

// Notify pushes a value to every open notification stream.
func (p *FakePeripheral) Notify(service, char device.UUID, value []byte) {
	p.mu.Lock()
	hub := p.notify
	p.mu.Unlock()
	if hub != nil {
		hub.Publish(device.Notification{Service: service, Characteristic: char, Value: value})
	}
}

// DropLink simulates the peripheral going away: the link drops and a
// Disconnected event is emitted without a Disconnect call.
func (p *FakePeripheral) DropLink() {
	p.linkDown()
}

// IsSubscribed reports whether Subscribe was called for char without a matching Unsubscribe.
func (p *FakePeripheral) IsSubscribed(char device.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscribed[char]
}

// Value returns the current value of char.
func (p *FakePeripheral) Value(char device.UUID) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[char]
}

func (p *FakePeripheral) attach(a *FakeAdapter) {
	p.mu.Lock()
	p.adapter = a
	p.mu.Unlock()
}

func (p *FakePeripheral) emit(kind device.EventKind) {
	p.mu.Lock()
	a := p.adapter
	p.mu.Unlock()
	if a != nil {
		a.Emit(device.DiscoveryEvent{Kind: kind, ID: p.id})
	}
}

func (p *FakePeripheral) linkDown() {
	p.mu.Lock()
	was := p.connected
	p.connected = false
	hub := p.notify
	p.notify = nil
	p.mu.Unlock()

	if hub != nil {
		hub.Close()
	}
	if was {
		p.emit(device.EventDisconnected)
	}
}

func (p *FakePeripheral) ID() device.PeripheralID { return p.id }

func (p *FakePeripheral) Properties(context.Context) (device.PeripheralProperties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.props.Clone(), nil
}

func (p *FakePeripheral) Connect(ctx context.Context) error {
	p.ConnectCalls.Add(1)
	if p.ConnectFunc != nil {
		if err := p.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.connected = true
	if p.notify == nil {
		p.notify = fanout.New[device.Notification]("fake-notifications")
	}
	p.mu.Unlock()
	p.emit(device.EventConnected)
	return nil
}

func (p *FakePeripheral) Disconnect(context.Context) error {
	p.DisconnectCalls.Add(1)
	p.linkDown()
	return p.DisconnectErr
}

func (p *FakePeripheral) IsConnected(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected, nil
}

func (p *FakePeripheral) DiscoverServices(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return device.ErrNotConnected
	}
	return nil
}

func (p *FakePeripheral) Services() []device.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]device.Service(nil), p.services...)
}

func (p *FakePeripheral) lookup(c device.Characteristic) error {
	if !p.connected {
		return device.ErrNotConnected
	}
	_, err := device.FindCharacteristic(p.services, c.Service, c.UUID)
	return err
}

func (p *FakePeripheral) Read(_ context.Context, c device.Characteristic) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lookup(c); err != nil {
		return nil, err
	}
	return append([]byte(nil), p.values[c.UUID]...), nil
}

func (p *FakePeripheral) Write(_ context.Context, c device.Characteristic, data []byte, _ device.WriteType) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lookup(c); err != nil {
		return err
	}
	p.values[c.UUID] = append([]byte(nil), data...)
	return nil
}

func (p *FakePeripheral) ReadDescriptor(_ context.Context, d device.Descriptor) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, device.ErrNotConnected
	}
	return append([]byte(nil), p.descriptors[d.UUID]...), nil
}

func (p *FakePeripheral) WriteDescriptor(_ context.Context, d device.Descriptor, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return device.ErrNotConnected
	}
	p.descriptors[d.UUID] = append([]byte(nil), data...)
	return nil
}

func (p *FakePeripheral) Subscribe(_ context.Context, c device.Characteristic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lookup(c); err != nil {
		return err
	}
	p.subscribed[c.UUID] = true
	return nil
}

func (p *FakePeripheral) Unsubscribe(_ context.Context, c device.Characteristic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.lookup(c); err != nil {
		return err
	}
	delete(p.subscribed, c.UUID)
	return nil
}

func (p *FakePeripheral) Notifications(ctx context.Context) (<-chan device.Notification, error) {
	if p.NotificationsErr != nil {
		return nil, p.NotificationsErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected || p.notify == nil {
		return nil, device.ErrNotConnected
	}
	return p.notify.Subscribe(ctx), nil
}
