package device

import "slices"

// PeripheralProperties is the latest advertisement state known for a peripheral.
type PeripheralProperties struct {
	ID               PeripheralID      `json:"id"`
	LocalName        string            `json:"local_name,omitempty"`
	TxPowerLevel     *int16            `json:"tx_power_level,omitempty"`
	RSSI             *int16            `json:"rssi,omitempty"`
	ManufacturerData map[uint16][]byte `json:"manufacturer_data,omitempty"`
	ServiceData      map[UUID][]byte   `json:"service_data,omitempty"`
	Services         []UUID            `json:"services,omitempty"`
	Class            *uint32           `json:"class,omitempty"`
}

// Clone returns a deep copy, so callers can hand properties to observers
// while the backend keeps updating its own copy.
func (p PeripheralProperties) Clone() PeripheralProperties {
	out := p
	if p.TxPowerLevel != nil {
		v := *p.TxPowerLevel
		out.TxPowerLevel = &v
	}
	if p.RSSI != nil {
		v := *p.RSSI
		out.RSSI = &v
	}
	if p.Class != nil {
		v := *p.Class
		out.Class = &v
	}
	if p.ManufacturerData != nil {
		out.ManufacturerData = make(map[uint16][]byte, len(p.ManufacturerData))
		for k, v := range p.ManufacturerData {
			out.ManufacturerData[k] = append([]byte(nil), v...)
		}
	}
	if p.ServiceData != nil {
		out.ServiceData = make(map[UUID][]byte, len(p.ServiceData))
		for k, v := range p.ServiceData {
			out.ServiceData[k] = append([]byte(nil), v...)
		}
	}
	if p.Services != nil {
		out.Services = append([]UUID(nil), p.Services...)
	}
	return out
}

// Merge folds a newer advertisement into p. Fields missing from next keep
// their previous values; maps are merged and services are unioned.
// p is not modified.
func (p PeripheralProperties) Merge(next PeripheralProperties) PeripheralProperties {
	out := p.Clone()
	if next.LocalName != "" {
		out.LocalName = next.LocalName
	}
	if next.RSSI != nil {
		out.RSSI = Int16(*next.RSSI)
	}
	if next.TxPowerLevel != nil {
		out.TxPowerLevel = Int16(*next.TxPowerLevel)
	}
	if next.Class != nil {
		v := *next.Class
		out.Class = &v
	}
	for k, v := range next.ManufacturerData {
		if out.ManufacturerData == nil {
			out.ManufacturerData = make(map[uint16][]byte)
		}
		out.ManufacturerData[k] = append([]byte(nil), v...)
	}
	for k, v := range next.ServiceData {
		if out.ServiceData == nil {
			out.ServiceData = make(map[UUID][]byte)
		}
		out.ServiceData[k] = append([]byte(nil), v...)
	}
	for _, s := range next.Services {
		if !slices.Contains(out.Services, s) {
			out.Services = append(out.Services, s)
		}
	}
	return out
}

// Int16 returns a pointer to v.
func Int16(v int16) *int16 {
	return &v
}
