package tinygo

import (
	"sync"

	"github.com/srg/blesession/pkg/device"
)

// fakeHost is a host whose Scan blocks until StopScan and hands its
// callback to the test.
type fakeHost struct {
	mu         sync.Mutex
	enableErr  error
	scanErr    error
	scans      int
	onSighting func(sighting)
	stop       chan struct{}
	scanning   chan struct{}
	onConnect  func(key string, connected bool)
	links      map[string]*fakeLink
	connectErr error
	// gate, when set, holds Connect until closed
	gate     chan struct{}
	connects int
}

func newFakeHost() *fakeHost {
	return &fakeHost{links: make(map[string]*fakeLink), scanning: make(chan struct{}, 8)}
}

func (h *fakeHost) Enable() error { return h.enableErr }

func (h *fakeHost) Scan(fn func(sighting)) error {
	h.mu.Lock()
	h.scans++
	if h.scanErr != nil {
		err := h.scanErr
		h.mu.Unlock()
		return err
	}
	h.onSighting = fn
	stop := make(chan struct{})
	h.stop = stop
	h.mu.Unlock()
	h.scanning <- struct{}{}

	<-stop
	return nil
}

func (h *fakeHost) StopScan() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	h.onSighting = nil
	return nil
}

func (h *fakeHost) Connect(key string) (link, error) {
	h.mu.Lock()
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		<-gate
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects++
	if h.connectErr != nil {
		return nil, h.connectErr
	}
	l, ok := h.links[key]
	if !ok {
		l = newFakeLink(nil)
		h.links[key] = l
	}
	l.mu.Lock()
	l.up = true
	l.mu.Unlock()
	return l, nil
}

func (h *fakeHost) SetConnectHandler(fn func(key string, connected bool)) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// advertise delivers s to the running scan, if any.
func (h *fakeHost) advertise(s sighting) bool {
	h.mu.Lock()
	fn := h.onSighting
	h.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(s)
	return true
}

// drop reports the link to key as lost, the way the host does when the
// peripheral goes away.
func (h *fakeHost) drop(key string) {
	h.mu.Lock()
	fn := h.onConnect
	l := h.links[key]
	h.mu.Unlock()
	if l != nil {
		l.mu.Lock()
		l.up = false
		l.mu.Unlock()
	}
	if fn != nil {
		fn(key, false)
	}
}

type fakeLink struct {
	mu          sync.Mutex
	services    []remoteService
	up          bool
	disconnects int
}

func newFakeLink(services []remoteService) *fakeLink {
	return &fakeLink{services: services}
}

func (l *fakeLink) DiscoverServices() ([]remoteService, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.services, nil
}

func (l *fakeLink) Disconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = false
	l.disconnects++
	return nil
}

func (l *fakeLink) disconnectCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// fakeAttribute is an in-memory characteristic value.
type fakeAttribute struct {
	mu       sync.Mutex
	value    []byte
	writes   [][]byte
	callback func([]byte)
}

func (a *fakeAttribute) Read(buf []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return copy(buf, a.value), nil
}

func (a *fakeAttribute) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.writes = append(a.writes, append([]byte(nil), p...))
	a.value = append([]byte(nil), p...)
	return len(p), nil
}

func (a *fakeAttribute) WriteWithoutResponse(p []byte) (int, error) {
	return a.Write(p)
}

func (a *fakeAttribute) EnableNotifications(callback func([]byte)) error {
	a.mu.Lock()
	a.callback = callback
	a.mu.Unlock()
	return nil
}

func (a *fakeAttribute) push(v []byte) {
	a.mu.Lock()
	cb := a.callback
	a.mu.Unlock()
	if cb != nil {
		cb(v)
	}
}

func (a *fakeAttribute) subscribed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callback != nil
}

func (a *fakeAttribute) writeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.writes)
}

// heartRateProfile is a Heart Rate service with its measurement and a
// Battery service with its level.
func heartRateProfile() ([]remoteService, *fakeAttribute, *fakeAttribute) {
	hrm := &fakeAttribute{}
	battery := &fakeAttribute{value: []byte{90}}
	return []remoteService{
		{uuid: device.UUID16(0x180d), chars: []remoteCharacteristic{{uuid: device.UUID16(0x2a37), attr: hrm}}},
		{uuid: device.UUID16(0x180f), chars: []remoteCharacteristic{{uuid: device.UUID16(0x2a19), attr: battery}}},
	}, hrm, battery
}
