package session

import (
	"context"
	"sync"

	"github.com/srg/blesession/pkg/device"
)

// recordingObserver implements both observer interfaces and records every call.
type recordingObserver struct {
	mu sync.Mutex

	discovered    []device.PeripheralProperties
	updated       []device.PeripheralProperties
	mfgData       []map[uint16][]byte
	serviceData   []map[device.UUID][]byte
	advertised    [][]device.UUID
	connected     int
	disconnected  int
	notifications [][]byte

	// block, when set, stalls every callback until closed.
	block chan struct{}
}

func (r *recordingObserver) wait() {
	if r.block != nil {
		<-r.block
	}
}

func (r *recordingObserver) OnDiscovered(_ context.Context, props device.PeripheralProperties) {
	r.wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, props)
}

func (r *recordingObserver) OnUpdated(_ context.Context, props device.PeripheralProperties) {
	r.wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, props)
}

func (r *recordingObserver) OnManufacturerData(_ context.Context, _ device.PeripheralID, data map[uint16][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mfgData = append(r.mfgData, data)
}

func (r *recordingObserver) OnServiceData(_ context.Context, _ device.PeripheralID, data map[device.UUID][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serviceData = append(r.serviceData, data)
}

func (r *recordingObserver) OnServicesAdvertised(_ context.Context, _ device.PeripheralID, services []device.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.advertised = append(r.advertised, services)
}

func (r *recordingObserver) OnConnected(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected++
}

func (r *recordingObserver) OnDisconnected(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected++
}

func (r *recordingObserver) OnNotification(_ context.Context, _ device.UUID, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, value)
}

func (r *recordingObserver) counts() (discovered, updated, connected, disconnected, notifications int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.discovered), len(r.updated), r.connected, r.disconnected, len(r.notifications)
}

func (r *recordingObserver) discoveredCount() int {
	d, _, _, _, _ := r.counts()
	return d
}

func (r *recordingObserver) connectedCount() int {
	_, _, c, _, _ := r.counts()
	return c
}

func (r *recordingObserver) disconnectedCount() int {
	_, _, _, d, _ := r.counts()
	return d
}

func (r *recordingObserver) notificationCount() int {
	_, _, _, _, n := r.counts()
	return n
}

var (
	_ ScanObserver       = (*recordingObserver)(nil)
	_ PeripheralObserver = (*recordingObserver)(nil)
)
