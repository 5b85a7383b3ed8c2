package tinygo

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/fanout"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	// writeChunkSize is the ATT payload of the default 23 byte MTU.
	writeChunkSize = 20
	writeDelay     = 10 * time.Millisecond

	// maxAttributeLen is the largest value an attribute can hold.
	maxAttributeLen = 512
)

// Peripheral is the tinygo device.Peripheral.
type Peripheral struct {
	id      device.PeripheralID
	key     string
	adapter *Adapter
	logger  *logrus.Entry

	mu       sync.RWMutex
	props    device.PeripheralProperties
	link     link
	notify   *fanout.Hub[device.Notification]
	services *orderedmap.OrderedMap[device.UUID, *orderedmap.OrderedMap[device.UUID, attribute]]

	connectMu sync.Mutex
	writeMu   sync.Mutex
}

func newPeripheral(a *Adapter, id device.PeripheralID, key string, props device.PeripheralProperties) *Peripheral {
	return &Peripheral{
		id:      id,
		key:     key,
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

// Connect connects to the peripheral. tinygo connects without a context, so
// a connection that completes after ctx ended is torn down again.
func (p *Peripheral) Connect(ctx context.Context) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	if p.currentLink() != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return NormalizeError(err)
	}

	type result struct {
		l   link
		err error
	}
	ch := make(chan result, 1)
	groutine.Go(context.Background(), "tinygo-connect", func(context.Context) {
		l, err := p.adapter.host.Connect(p.key)
		ch <- result{l, err}
	})

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		groutine.Go(context.Background(), "tinygo-connect-reaper", func(context.Context) {
			if late := <-ch; late.err == nil {
				p.logger.Debug("Dropping connection completed after cancellation")
				_ = late.l.Disconnect()
			}
		})
		return NormalizeError(ctx.Err())
	}
	if r.err != nil {
		p.logger.WithError(r.err).Debug("Failed to connect")
		return NormalizeError(r.err)
	}

	p.mu.Lock()
	p.link = r.l
	p.notify = fanout.New[device.Notification]("tinygo-notifications")
	p.services = nil
	p.mu.Unlock()

	p.logger.Info("Connected")
	p.adapter.emit(device.DiscoveryEvent{Kind: device.EventConnected, ID: p.id})
	return nil
}

// Disconnect closes the link. Disconnecting a disconnected peripheral succeeds.
func (p *Peripheral) Disconnect(context.Context) error {
	l := p.currentLink()
	if l == nil {
		return nil
	}
	err := l.Disconnect()
	p.linkDown(l)
	return NormalizeError(err)
}

// linkDown forgets l, or whatever link is current when l is nil, and
// reports the link loss once.
func (p *Peripheral) linkDown(l link) {
	p.mu.Lock()
	if p.link == nil || (l != nil && p.link != l) {
		p.mu.Unlock()
		return
	}
	p.link = nil
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
	return p.currentLink() != nil, nil
}

func (p *Peripheral) currentLink() link {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.link
}

// DiscoverServices discovers every service and characteristic and replaces
// the service cache.
func (p *Peripheral) DiscoverServices(ctx context.Context) error {
	l := p.currentLink()
	if l == nil {
		return device.ErrNotConnected
	}

	remote, err := callWithContext(ctx, "tinygo-discover", l.DiscoverServices)
	if err != nil {
		return fmt.Errorf("failed to discover services: %w", err)
	}

	services := orderedmap.New[device.UUID, *orderedmap.OrderedMap[device.UUID, attribute]]()
	for _, svc := range remote {
		chars := orderedmap.New[device.UUID, attribute]()
		for _, c := range svc.chars {
			chars.Set(c.uuid, c.attr)
		}
		services.Set(svc.uuid, chars)
	}
	p.logger.WithField("services", services.Len()).Debug("Services discovered")

	p.mu.Lock()
	if p.link == l {
		p.services = services
	}
	p.mu.Unlock()
	return nil
}

// Services returns the last discovery result in discovery order.
// tinygo does not expose characteristic properties or descriptors.
func (p *Peripheral) Services() []device.Service {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.services == nil {
		return nil
	}

	out := make([]device.Service, 0, p.services.Len())
	for s := p.services.Oldest(); s != nil; s = s.Next() {
		svc := device.Service{UUID: s.Key, Primary: true}
		for c := s.Value.Oldest(); c != nil; c = c.Next() {
			svc.Characteristics = append(svc.Characteristics, device.Characteristic{UUID: c.Key, Service: s.Key})
		}
		out = append(out, svc)
	}
	return out
}

func (p *Peripheral) lookup(c device.Characteristic) (attribute, *fanout.Hub[device.Notification], error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.link == nil {
		return nil, nil, device.ErrNotConnected
	}
	notFound := fmt.Errorf("%w: %s/%s", device.ErrNoSuchCharacteristic, device.ShortUUID(c.Service), device.ShortUUID(c.UUID))
	if p.services == nil {
		return nil, nil, notFound
	}
	chars, ok := p.services.Get(c.Service)
	if !ok {
		return nil, nil, notFound
	}
	attr, ok := chars.Get(c.UUID)
	if !ok {
		return nil, nil, notFound
	}
	return attr, p.notify, nil
}

func (p *Peripheral) Read(ctx context.Context, c device.Characteristic) ([]byte, error) {
	attr, _, err := p.lookup(c)
	if err != nil {
		return nil, err
	}
	return callWithContext(ctx, "tinygo-read", func() ([]byte, error) {
		buf := make([]byte, maxAttributeLen)
		n, err := attr.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	})
}

// Write sends data in one request, or in 20 byte pieces paced 10ms apart
// when no response is requested.
func (p *Peripheral) Write(ctx context.Context, c device.Characteristic, data []byte, wt device.WriteType) error {
	attr, _, err := p.lookup(c)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if wt == device.WithResponse {
		_, err := callWithContext(ctx, "tinygo-write", func() (int, error) {
			return attr.Write(data)
		})
		return err
	}

	for len(data) > 0 {
		n := min(len(data), writeChunkSize)
		chunk := data[:n]
		if _, err := callWithContext(ctx, "tinygo-write", func() (int, error) {
			return attr.WriteWithoutResponse(chunk)
		}); err != nil {
			return fmt.Errorf("failed to write to characteristic %s: %w", device.ShortUUID(c.UUID), err)
		}
		data = data[n:]
		if len(data) > 0 {
			select {
			case <-time.After(writeDelay):
			case <-ctx.Done():
				return NormalizeError(ctx.Err())
			}
		}
	}
	return nil
}

func (p *Peripheral) ReadDescriptor(context.Context, device.Descriptor) ([]byte, error) {
	return nil, device.NotSupported("tinygo bluetooth has no descriptor access")
}

func (p *Peripheral) WriteDescriptor(context.Context, device.Descriptor, []byte) error {
	return device.NotSupported("tinygo bluetooth has no descriptor access")
}

// Subscribe routes values of c to the notification stream of the current
// connection. tinygo picks notifications or indications itself.
func (p *Peripheral) Subscribe(ctx context.Context, c device.Characteristic) error {
	attr, hub, err := p.lookup(c)
	if err != nil {
		return err
	}
	handler := func(buf []byte) {
		hub.Publish(device.Notification{
			Service:        c.Service,
			Characteristic: c.UUID,
			Value:          append([]byte(nil), buf...),
		})
	}
	_, err = callWithContext(ctx, "tinygo-subscribe", func() (struct{}, error) {
		return struct{}{}, attr.EnableNotifications(handler)
	})
	return err
}

func (p *Peripheral) Unsubscribe(ctx context.Context, c device.Characteristic) error {
	attr, _, err := p.lookup(c)
	if err != nil {
		return err
	}
	_, err = callWithContext(ctx, "tinygo-unsubscribe", func() (struct{}, error) {
		return struct{}{}, attr.EnableNotifications(nil)
	})
	return err
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

// callWithContext runs a blocking tinygo call, returning early when ctx ends.
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
