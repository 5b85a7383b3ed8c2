package session

import (
	"context"

	"github.com/srg/blesession/pkg/device"
)

// ScanObserver receives the discovery events of one Scan. Calls for one
// scan never overlap and stop once the scan is cancelled. ctx ends when the
// scan does.
type ScanObserver interface {
	OnDiscovered(ctx context.Context, props device.PeripheralProperties)
	OnUpdated(ctx context.Context, props device.PeripheralProperties)
	OnManufacturerData(ctx context.Context, id device.PeripheralID, data map[uint16][]byte)
	OnServiceData(ctx context.Context, id device.PeripheralID, data map[device.UUID][]byte)
	OnServicesAdvertised(ctx context.Context, id device.PeripheralID, services []device.UUID)
}

// PeripheralObserver receives the connection state changes and
// notifications of one Peripheral session.
type PeripheralObserver interface {
	OnConnected(ctx context.Context)
	OnDisconnected(ctx context.Context)
	OnNotification(ctx context.Context, characteristic device.UUID, value []byte)
}

// ScanObserverFuncs adapts plain functions to ScanObserver. Nil fields are skipped.
type ScanObserverFuncs struct {
	Discovered         func(ctx context.Context, props device.PeripheralProperties)
	Updated            func(ctx context.Context, props device.PeripheralProperties)
	ManufacturerData   func(ctx context.Context, id device.PeripheralID, data map[uint16][]byte)
	ServiceData        func(ctx context.Context, id device.PeripheralID, data map[device.UUID][]byte)
	ServicesAdvertised func(ctx context.Context, id device.PeripheralID, services []device.UUID)
}

func (f ScanObserverFuncs) OnDiscovered(ctx context.Context, props device.PeripheralProperties) {
	if f.Discovered != nil {
		f.Discovered(ctx, props)
	}
}

func (f ScanObserverFuncs) OnUpdated(ctx context.Context, props device.PeripheralProperties) {
	if f.Updated != nil {
		f.Updated(ctx, props)
	}
}

func (f ScanObserverFuncs) OnManufacturerData(ctx context.Context, id device.PeripheralID, data map[uint16][]byte) {
	if f.ManufacturerData != nil {
		f.ManufacturerData(ctx, id, data)
	}
}

func (f ScanObserverFuncs) OnServiceData(ctx context.Context, id device.PeripheralID, data map[device.UUID][]byte) {
	if f.ServiceData != nil {
		f.ServiceData(ctx, id, data)
	}
}

func (f ScanObserverFuncs) OnServicesAdvertised(ctx context.Context, id device.PeripheralID, services []device.UUID) {
	if f.ServicesAdvertised != nil {
		f.ServicesAdvertised(ctx, id, services)
	}
}

// PeripheralObserverFuncs adapts plain functions to PeripheralObserver. Nil fields are skipped.
type PeripheralObserverFuncs struct {
	Connected    func(ctx context.Context)
	Disconnected func(ctx context.Context)
	Notification func(ctx context.Context, characteristic device.UUID, value []byte)
}

func (f PeripheralObserverFuncs) OnConnected(ctx context.Context) {
	if f.Connected != nil {
		f.Connected(ctx)
	}
}

func (f PeripheralObserverFuncs) OnDisconnected(ctx context.Context) {
	if f.Disconnected != nil {
		f.Disconnected(ctx)
	}
}

func (f PeripheralObserverFuncs) OnNotification(ctx context.Context, characteristic device.UUID, value []byte) {
	if f.Notification != nil {
		f.Notification(ctx, characteristic, value)
	}
}
