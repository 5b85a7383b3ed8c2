package device

// EventKind tags a DiscoveryEvent.
type EventKind uint8

const (
	EventDiscovered EventKind = iota + 1
	EventUpdated
	EventConnected
	EventDisconnected
	EventManufacturerData
	EventServiceData
	EventServicesAdvertised
)

func (k EventKind) String() string {
	switch k {
	case EventDiscovered:
		return "discovered"
	case EventUpdated:
		return "updated"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventManufacturerData:
		return "manufacturer_data"
	case EventServiceData:
		return "service_data"
	case EventServicesAdvertised:
		return "services_advertised"
	default:
		return "unknown"
	}
}

// IsDiscovery reports whether the event comes from advertisement processing.
func (k EventKind) IsDiscovery() bool {
	switch k {
	case EventDiscovered, EventUpdated, EventManufacturerData, EventServiceData, EventServicesAdvertised:
		return true
	}
	return false
}

// DiscoveryEvent is a host stack notification about a peripheral.
// Only the payload field matching Kind is populated.
type DiscoveryEvent struct {
	Kind             EventKind
	ID               PeripheralID
	ManufacturerData map[uint16][]byte
	ServiceData      map[UUID][]byte
	Services         []UUID
}

// Notification is a value pushed by a peripheral for a subscribed characteristic.
type Notification struct {
	Service        UUID
	Characteristic UUID
	Value          []byte
}

// ScanFilter restricts discovery to peripherals advertising any of Services.
// An empty filter matches everything.
type ScanFilter struct {
	Services []UUID
}

// Matches reports whether a peripheral advertising services passes the filter.
func (f ScanFilter) Matches(services []UUID) bool {
	if len(f.Services) == 0 {
		return true
	}
	for _, want := range f.Services {
		for _, have := range services {
			if want == have {
				return true
			}
		}
	}
	return false
}
