package device

import "context"

// Stack is a host Bluetooth stack backend.
type Stack interface {
	// Initialize acquires the first available adapter.
	// It fails with ErrNotSupported when the host has none.
	Initialize(ctx context.Context) (Adapter, error)
}

// Adapter is the central-role capability of one local Bluetooth adapter.
type Adapter interface {
	// Peripherals lists every peripheral the host currently knows about.
	Peripherals(ctx context.Context) ([]Peripheral, error)
	// Peripheral returns the peripheral with the given id or ErrDeviceNotFound.
	Peripheral(ctx context.Context, id PeripheralID) (Peripheral, error)
	StartScan(ctx context.Context, filter ScanFilter) error
	StopScan(ctx context.Context) error
	// Events opens a new subscription to adapter events. The channel is
	// closed when ctx ends. Subscriptions are independent of each other.
	Events(ctx context.Context) (<-chan DiscoveryEvent, error)
	IsPoweredOn(ctx context.Context) (bool, error)
}

// Peripheral is a remote device as seen by the host stack.
type Peripheral interface {
	ID() PeripheralID
	Properties(ctx context.Context) (PeripheralProperties, error)

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected(ctx context.Context) (bool, error)

	DiscoverServices(ctx context.Context) error
	// Services returns the result of the last DiscoverServices call.
	Services() []Service

	Read(ctx context.Context, c Characteristic) ([]byte, error)
	Write(ctx context.Context, c Characteristic, data []byte, wt WriteType) error
	ReadDescriptor(ctx context.Context, d Descriptor) ([]byte, error)
	WriteDescriptor(ctx context.Context, d Descriptor, data []byte) error
	Subscribe(ctx context.Context, c Characteristic) error
	Unsubscribe(ctx context.Context, c Characteristic) error

	// Notifications opens the value stream of every subscribed characteristic.
	// The channel is closed when ctx ends or the link drops.
	Notifications(ctx context.Context) (<-chan Notification, error)
}
