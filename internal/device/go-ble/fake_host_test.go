package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
)

// fakeAdvertisement is a canned ble.Advertisement.
type fakeAdvertisement struct {
	addr        string
	name        string
	rssi        int
	txPower     int
	mfg         []byte
	services    []ble.UUID
	serviceData []ble.ServiceData
}

func (a *fakeAdvertisement) LocalName() string              { return a.name }
func (a *fakeAdvertisement) ManufacturerData() []byte       { return a.mfg }
func (a *fakeAdvertisement) ServiceData() []ble.ServiceData { return a.serviceData }
func (a *fakeAdvertisement) Services() []ble.UUID           { return a.services }
func (a *fakeAdvertisement) OverflowService() []ble.UUID    { return nil }
func (a *fakeAdvertisement) TxPowerLevel() int              { return a.txPower }
func (a *fakeAdvertisement) Connectable() bool              { return true }
func (a *fakeAdvertisement) SolicitedService() []ble.UUID   { return nil }
func (a *fakeAdvertisement) RSSI() int                      { return a.rssi }
func (a *fakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.addr) }

// fakeHost is a hostDevice whose Scan blocks until cancelled and hands
// its handler to the test.
type fakeHost struct {
	mu       sync.Mutex
	handler  ble.AdvHandler
	scanErr  error
	scans    int
	clients  map[string]*fakeClient
	dialErr  error
	stopped  bool
	scanning chan struct{}

	// dial overrides Dial when set. It runs without the host lock.
	dial func(ctx context.Context, a ble.Addr) (ble.Client, error)
}

func newFakeHost() *fakeHost {
	return &fakeHost{clients: make(map[string]*fakeClient), scanning: make(chan struct{}, 8)}
}

func (h *fakeHost) Scan(ctx context.Context, _ bool, handler ble.AdvHandler) error {
	h.mu.Lock()
	h.scans++
	if h.scanErr != nil {
		err := h.scanErr
		h.mu.Unlock()
		return err
	}
	h.handler = handler
	h.mu.Unlock()
	h.scanning <- struct{}{}

	<-ctx.Done()
	h.mu.Lock()
	h.handler = nil
	h.mu.Unlock()
	return ctx.Err()
}

func (h *fakeHost) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	h.mu.Lock()
	if dial := h.dial; dial != nil {
		h.mu.Unlock()
		return dial(ctx, a)
	}
	defer h.mu.Unlock()
	if h.dialErr != nil {
		return nil, h.dialErr
	}
	c, ok := h.clients[a.String()]
	if !ok {
		c = newFakeClient(nil)
		h.clients[a.String()] = c
	}
	c.reset()
	return c, nil
}

func (h *fakeHost) Stop() error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	return nil
}

// advertise delivers adv to the running scan, if any.
func (h *fakeHost) advertise(adv ble.Advertisement) bool {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(adv)
	return true
}

// fakeClient is a ble.Client over an in-memory profile. Methods the
// backend never calls are left to the embedded nil interface.
type fakeClient struct {
	ble.Client

	mu           sync.Mutex
	profile      *ble.Profile
	values       map[string][]byte
	writes       [][]byte
	handlers     map[string]ble.NotificationHandler
	indications  map[string]bool
	disconnected chan struct{}
	cancelled    int
	cancelErr    error
}

func newFakeClient(profile *ble.Profile) *fakeClient {
	return &fakeClient{
		profile:      profile,
		values:       make(map[string][]byte),
		handlers:     make(map[string]ble.NotificationHandler),
		indications:  make(map[string]bool),
		disconnected: make(chan struct{}),
	}
}

func (c *fakeClient) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.disconnected:
		c.disconnected = make(chan struct{})
	default:
	}
}

func (c *fakeClient) DiscoverProfile(bool) (*ble.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile, nil
}

func (c *fakeClient) ReadCharacteristic(ch *ble.Characteristic) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values[ch.UUID.String()], nil
}

func (c *fakeClient) WriteCharacteristic(ch *ble.Characteristic, value []byte, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), value...))
	c.values[ch.UUID.String()] = append([]byte(nil), value...)
	return nil
}

func (c *fakeClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values["d"+d.UUID.String()], nil
}

func (c *fakeClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values["d"+d.UUID.String()] = append([]byte(nil), v...)
	return nil
}

func (c *fakeClient) Subscribe(ch *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[ch.UUID.String()] = h
	c.indications[ch.UUID.String()] = ind
	return nil
}

func (c *fakeClient) Unsubscribe(ch *ble.Characteristic, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, ch.UUID.String())
	return nil
}

func (c *fakeClient) CancelConnection() error {
	c.mu.Lock()
	c.cancelled++
	err := c.cancelErr
	c.mu.Unlock()
	c.drop()
	return err
}

func (c *fakeClient) Disconnected() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// drop closes the link as the remote side going away does.
func (c *fakeClient) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.disconnected:
	default:
		close(c.disconnected)
	}
}

// push delivers a notification value for the characteristic with uuid.
func (c *fakeClient) push(uuid ble.UUID, value []byte) {
	c.mu.Lock()
	h := c.handlers[uuid.String()]
	c.mu.Unlock()
	if h != nil {
		h(value)
	}
}

func (c *fakeClient) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// heartRateProfile has a notifying Heart Rate Measurement (2A37) with a
// CCCD, and a readable, indicating Battery Level (2A19).
func heartRateProfile() *ble.Profile {
	hrm := &ble.Characteristic{
		UUID:     ble.UUID16(0x2a37),
		Property: ble.CharNotify,
		Descriptors: []*ble.Descriptor{
			{UUID: ble.UUID16(0x2902), Handle: 0x0010},
		},
	}
	battery := &ble.Characteristic{
		UUID:     ble.UUID16(0x2a19),
		Property: ble.CharRead | ble.CharWrite | ble.CharWriteNR | ble.CharIndicate,
		Descriptors: []*ble.Descriptor{
			{UUID: ble.UUID16(0x2901)},
		},
	}
	return &ble.Profile{Services: []*ble.Service{
		{UUID: ble.UUID16(0x180d), Characteristics: []*ble.Characteristic{hrm}},
		{UUID: ble.UUID16(0x180f), Characteristics: []*ble.Characteristic{battery}},
	}}
}
