package device

import (
	"sort"
	"strings"
)

// CharacteristicProperties is the GATT characteristic properties bit field.
type CharacteristicProperties uint8

const (
	PropBroadcast CharacteristicProperties = 1 << iota
	PropRead
	PropWriteWithoutResponse
	PropWrite
	PropNotify
	PropIndicate
	PropAuthenticatedSignedWrites
	PropExtendedProperties
)

var propertyNames = []struct {
	bit  CharacteristicProperties
	name string
}{
	{PropBroadcast, "Broadcast"},
	{PropRead, "Read"},
	{PropWriteWithoutResponse, "WriteWithoutResponse"},
	{PropWrite, "Write"},
	{PropNotify, "Notify"},
	{PropIndicate, "Indicate"},
	{PropAuthenticatedSignedWrites, "AuthenticatedSignedWrites"},
	{PropExtendedProperties, "ExtendedProperties"},
}

// Has reports whether every bit of flag is set.
func (p CharacteristicProperties) Has(flag CharacteristicProperties) bool {
	return p&flag == flag
}

// Names lists the set properties in bit order.
func (p CharacteristicProperties) Names() []string {
	var names []string
	for _, pn := range propertyNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p CharacteristicProperties) String() string {
	return strings.Join(p.Names(), "|")
}

// WriteType selects between acknowledged and unacknowledged writes.
type WriteType uint8

const (
	WithResponse WriteType = iota
	WithoutResponse
)

func (w WriteType) String() string {
	if w == WithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// Descriptor is a GATT descriptor, addressed by its owning service and characteristic.
type Descriptor struct {
	UUID           UUID `json:"uuid"`
	Service        UUID `json:"service"`
	Characteristic UUID `json:"characteristic"`
}

// Characteristic is a GATT characteristic.
type Characteristic struct {
	UUID        UUID                     `json:"uuid"`
	Service     UUID                     `json:"service"`
	Properties  CharacteristicProperties `json:"properties"`
	Descriptors []Descriptor             `json:"descriptors,omitempty"`
}

// Descriptor looks up a descriptor of c by UUID.
func (c Characteristic) Descriptor(u UUID) (Descriptor, bool) {
	for _, d := range c.Descriptors {
		if d.UUID == u {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Service is a GATT service.
type Service struct {
	UUID            UUID             `json:"uuid"`
	Primary         bool             `json:"primary"`
	Characteristics []Characteristic `json:"characteristics,omitempty"`
}

// FindCharacteristic resolves a characteristic from a discovered service list.
func FindCharacteristic(services []Service, service, char UUID) (Characteristic, error) {
	for _, svc := range services {
		if svc.UUID != service {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID == char {
				return c, nil
			}
		}
	}
	return Characteristic{}, &Error{Kind: KindNoSuchCharacteristic, Detail: ShortUUID(service) + "/" + ShortUUID(char)}
}

// SortServices orders services and their characteristics by UUID for stable output.
func SortServices(services []Service) {
	sort.Slice(services, func(i, j int) bool {
		return services[i].UUID.String() < services[j].UUID.String()
	})
	for _, svc := range services {
		sort.Slice(svc.Characteristics, func(i, j int) bool {
			return svc.Characteristics[i].UUID.String() < svc.Characteristics[j].UUID.String()
		})
	}
}
