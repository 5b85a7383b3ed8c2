package goble

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/fanout"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// DefaultWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// BLE 4.0/4.1 defines ATT_MTU of 23 bytes (20 bytes payload after ATT header overhead).
	DefaultWriteChunkSize = 20

	// DefaultWriteDelay is the delay between consecutive write-without-response chunks.
	// This prevents overwhelming the peripheral's receive buffer.
	DefaultWriteDelay = 10 * time.Millisecond
)

// serviceEntry is one discovered service with its characteristics in discovery order.
type serviceEntry struct {
	chars *orderedmap.OrderedMap[device.UUID, *ble.Characteristic]
}

// Peripheral is the go-ble device.Peripheral.
type Peripheral struct {
	id      device.PeripheralID
	addr    ble.Addr
	adapter *Adapter
	logger  *logrus.Entry

	mu       sync.RWMutex
	props    device.PeripheralProperties
	client   ble.Client
	notify   *fanout.Hub[device.Notification]
	services *orderedmap.OrderedMap[device.UUID, *serviceEntry]

	writeMu sync.Mutex
}

func newPeripheral(a *Adapter, id device.PeripheralID, addr ble.Addr, props device.PeripheralProperties) *Peripheral {
	return &Peripheral{
		id:      id,
		addr:    addr,
		adapter: a,
		logger:  a.logger.WithField("peripheral", id.String()),
		props:   props,
	}
}

func (p *Peripheral) ID() device.PeripheralID { return p.id }

func (p *Peripheral) Properties(context.Context) (device.PeripheralProperties, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.props.Clone(), nil
}

func (p *Peripheral) update(next device.PeripheralProperties) {
	p.mu.Lock()
	p.props = p.props.Merge(next)
	p.mu.Unlock()
}

func (p *Peripheral) advertisedServices() []device.UUID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.props.Services)
}

// Connect dials the peripheral. It is a no-op on a connected peripheral.
func (p *Peripheral) Connect(ctx context.Context) error {
	if p.connectedClient() != nil {
		return nil
	}

	p.logger.Debug("Dialing BLE device...")
	client, err := p.adapter.dev.Dial(ctx, p.addr)
	if err != nil {
		p.logger.WithError(err).Debug("Failed to dial BLE device")
		return NormalizeError(err)
	}

	p.mu.Lock()
	if p.client != nil {
		p.mu.Unlock()
		// another Connect won the race; drop the duplicate link
		if err := client.CancelConnection(); err != nil {
			p.logger.WithError(err).Debug("Failed to cancel duplicate connection")
		}
		return nil
	}
	p.client = client
	p.notify = fanout.New[device.Notification]("goble-notifications")
	p.services = nil
	p.mu.Unlock()

	groutine.Go(context.Background(), "goble-link-"+p.id.String(), func(context.Context) {
		<-client.Disconnected()
		p.linkDown(client)
	})

	p.logger.Info("Connected")
	p.adapter.emit(device.DiscoveryEvent{Kind: device.EventConnected, ID: p.id})
	return nil
}

// Disconnect cancels the connection. Disconnecting a disconnected peripheral succeeds.
func (p *Peripheral) Disconnect(context.Context) error {
	client := p.connectedClient()
	if client == nil {
		return nil
	}
	err := client.CancelConnection()
	p.linkDown(client)
	return NormalizeError(err)
}

// linkDown forgets client and reports the link loss once.
func (p *Peripheral) linkDown(client ble.Client) {
	p.mu.Lock()
	if p.client != client {
		p.mu.Unlock()
		return
	}
	p.client = nil
	hub := p.notify
	p.notify = nil
	p.services = nil
	p.mu.Unlock()

	if hub != nil {
		hub.Close()
	}
	p.logger.Info("Disconnected")
	p.adapter.emit(device.DiscoveryEvent{Kind: device.EventDisconnected, ID: p.id})
}

func (p *Peripheral) IsConnected(context.Context) (bool, error) {
	return p.connectedClient() != nil, nil
}

func (p *Peripheral) connectedClient() ble.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.client
}

func (p *Peripheral) requireClient() (ble.Client, error) {
	client := p.connectedClient()
	if client == nil {
		return nil, device.ErrNotConnected
	}
	return client, nil
}

// DiscoverServices runs a full profile discovery and replaces the service cache.
func (p *Peripheral) DiscoverServices(ctx context.Context) error {
	client, err := p.requireClient()
	if err != nil {
		return err
	}

	profile, err := callWithContext(ctx, "goble-discover", func() (*ble.Profile, error) {
		return client.DiscoverProfile(true)
	})
	if err != nil {
		return fmt.Errorf("failed to discover profile: %w", err)
	}

	services := orderedmap.New[device.UUID, *serviceEntry]()
	for _, svc := range profile.Services {
		svcUUID, err := uuidFromBLE(svc.UUID)
		if err != nil {
			p.logger.WithError(err).Debug("Skipping service with malformed UUID")
			continue
		}
		entry := &serviceEntry{chars: orderedmap.New[device.UUID, *ble.Characteristic]()}
		for _, c := range svc.Characteristics {
			charUUID, err := uuidFromBLE(c.UUID)
			if err != nil {
				continue
			}
			entry.chars.Set(charUUID, c)
		}
		services.Set(svcUUID, entry)
	}

	p.logger.WithField("services", services.Len()).Debug("Profile discovered successfully")

	p.mu.Lock()
	if p.client == client {
		p.services = services
	}
	p.mu.Unlock()
	return nil
}

// Services returns the last discovery result in discovery order.
func (p *Peripheral) Services() []device.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.services == nil {
		return nil
	}

	out := make([]device.Service, 0, p.services.Len())
	for pair := p.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := device.Service{UUID: pair.Key, Primary: true}
		for c := pair.Value.chars.Oldest(); c != nil; c = c.Next() {
			svc.Characteristics = append(svc.Characteristics, characteristicFromBLE(pair.Key, c.Key, c.Value))
		}
		out = append(out, svc)
	}
	return out
}

func characteristicFromBLE(service, uuid device.UUID, c *ble.Characteristic) device.Characteristic {
	out := device.Characteristic{
		UUID:       uuid,
		Service:    service,
		Properties: propertiesFromBLE(c.Property),
	}
	for _, d := range c.Descriptors {
		du, err := uuidFromBLE(d.UUID)
		if err != nil {
			continue
		}
		out.Descriptors = append(out.Descriptors, device.Descriptor{UUID: du, Service: service, Characteristic: uuid})
	}
	return out
}

// lookup resolves c against the service cache.
func (p *Peripheral) lookup(c device.Characteristic) (ble.Client, *ble.Characteristic, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.client == nil {
		return nil, nil, device.ErrNotConnected
	}
	notFound := fmt.Errorf("%w: %s/%s", device.ErrNoSuchCharacteristic, device.ShortUUID(c.Service), device.ShortUUID(c.UUID))
	if p.services == nil {
		return nil, nil, notFound
	}
	svc, ok := p.services.Get(c.Service)
	if !ok {
		return nil, nil, notFound
	}
	bc, ok := svc.chars.Get(c.UUID)
	if !ok {
		return nil, nil, notFound
	}
	return p.client, bc, nil
}

func (p *Peripheral) lookupDescriptor(d device.Descriptor) (ble.Client, *ble.Descriptor, error) {
	client, bc, err := p.lookup(device.Characteristic{UUID: d.Characteristic, Service: d.Service})
	if err != nil {
		return nil, nil, err
	}
	want := uuidToBLE(d.UUID)
	for _, bd := range bc.Descriptors {
		if bd.UUID.Equal(want) {
			// CoreBluetooth does not populate descriptor handles.
			if bd.Handle == 0 {
				return nil, nil, device.NotSupported("descriptor access without attribute handles")
			}
			return client, bd, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: descriptor %s", device.ErrNoSuchCharacteristic, device.ShortUUID(d.UUID))
}

func (p *Peripheral) Read(ctx context.Context, c device.Characteristic) ([]byte, error) {
	client, bc, err := p.lookup(c)
	if err != nil {
		return nil, err
	}
	return callWithContext(ctx, "goble-read", func() ([]byte, error) {
		return client.ReadCharacteristic(bc)
	})
}

// Write sends data in one request, or in DefaultWriteChunkSize pieces
// paced by DefaultWriteDelay when no response is requested.
func (p *Peripheral) Write(ctx context.Context, c device.Characteristic, data []byte, wt device.WriteType) error {
	client, bc, err := p.lookup(c)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if wt == device.WithResponse {
		return call(ctx, "goble-write", func() error {
			return client.WriteCharacteristic(bc, data, false)
		})
	}

	for len(data) > 0 {
		n := min(len(data), DefaultWriteChunkSize)
		chunk := data[:n]
		if err := call(ctx, "goble-write", func() error {
			return client.WriteCharacteristic(bc, chunk, true)
		}); err != nil {
			return fmt.Errorf("failed to write to characteristic %s: %w", device.ShortUUID(c.UUID), err)
		}
		data = data[n:]
		if len(data) > 0 {
			select {
			case <-time.After(DefaultWriteDelay):
			case <-ctx.Done():
				return NormalizeError(ctx.Err())
			}
		}
	}
	return nil
}

func (p *Peripheral) ReadDescriptor(ctx context.Context, d device.Descriptor) ([]byte, error) {
	client, bd, err := p.lookupDescriptor(d)
	if err != nil {
		return nil, err
	}
	return callWithContext(ctx, "goble-read-descriptor", func() ([]byte, error) {
		return client.ReadDescriptor(bd)
	})
}

func (p *Peripheral) WriteDescriptor(ctx context.Context, d device.Descriptor, data []byte) error {
	client, bd, err := p.lookupDescriptor(d)
	if err != nil {
		return err
	}
	return call(ctx, "goble-write-descriptor", func() error {
		return client.WriteDescriptor(bd, data)
	})
}

// indicate picks indications for characteristics that cannot notify.
func indicate(bc *ble.Characteristic) (bool, error) {
	switch {
	case bc.Property&ble.CharNotify != 0:
		return false, nil
	case bc.Property&ble.CharIndicate != 0:
		return true, nil
	}
	return false, device.NotSupported("characteristic neither notifies nor indicates")
}

// Subscribe routes values of c to the notification stream of the current connection.
func (p *Peripheral) Subscribe(ctx context.Context, c device.Characteristic) error {
	client, bc, err := p.lookup(c)
	if err != nil {
		return err
	}
	ind, err := indicate(bc)
	if err != nil {
		return err
	}

	p.mu.RLock()
	hub := p.notify
	p.mu.RUnlock()
	if hub == nil {
		return device.ErrNotConnected
	}

	handler := func(data []byte) {
		hub.Publish(device.Notification{
			Service:        c.Service,
			Characteristic: c.UUID,
			Value:          append([]byte(nil), data...),
		})
	}
	return call(ctx, "goble-subscribe", func() error {
		return client.Subscribe(bc, ind, handler)
	})
}

func (p *Peripheral) Unsubscribe(ctx context.Context, c device.Characteristic) error {
	client, bc, err := p.lookup(c)
	if err != nil {
		return err
	}
	ind, err := indicate(bc)
	if err != nil {
		return err
	}
	return call(ctx, "goble-unsubscribe", func() error {
		return client.Unsubscribe(bc, ind)
	})
}

// Notifications opens a stream of every value received on this connection.
func (p *Peripheral) Notifications(ctx context.Context) (<-chan device.Notification, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.notify == nil {
		return nil, device.ErrNotConnected
	}
	return p.notify.Subscribe(ctx), nil
}

// callWithContext runs a blocking go-ble call, returning early when ctx ends.
// go-ble GATT calls take no context; an abandoned call finishes on its own.
func callWithContext[T any](ctx context.Context, name string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, NormalizeError(err)
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	groutine.Go(ctx, name, func(context.Context) {
		v, err := fn()
		ch <- result{v, err}
	})

	select {
	case r := <-ch:
		return r.v, NormalizeError(r.err)
	case <-ctx.Done():
		return zero, NormalizeError(ctx.Err())
	}
}

// call is callWithContext for calls without a result.
func call(ctx context.Context, name string, fn func() error) error {
	_, err := callWithContext(ctx, name, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
