package goble

import (
	"encoding/binary"
	"strconv"

	"github.com/go-ble/ble"
	"github.com/google/uuid"
	"github.com/srg/blesession/pkg/device"
)

// txPowerUnavailable is what go-ble reports when an advertisement carries no TX power.
const txPowerUnavailable = 127

// uuidFromBLE converts a go-ble UUID. go-ble keeps UUID bytes little-endian.
func uuidFromBLE(u ble.UUID) (device.UUID, error) {
	b := ble.Reverse(u)
	switch len(b) {
	case 2:
		return device.UUID16(binary.BigEndian.Uint16(b)), nil
	case 4:
		return device.UUID32(binary.BigEndian.Uint32(b)), nil
	case 16:
		return uuid.FromBytes(b)
	}
	return uuid.Nil, device.IdentityParseError("go-ble uuid of length "+strconv.Itoa(len(b)), nil)
}

func uuidsFromBLE(us []ble.UUID) []device.UUID {
	if len(us) == 0 {
		return nil
	}
	out := make([]device.UUID, 0, len(us))
	for _, u := range us {
		if v, err := uuidFromBLE(u); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// uuidToBLE converts to the shortest go-ble form, which is what go-ble
// compares against discovered attributes.
func uuidToBLE(u device.UUID) ble.UUID {
	if device.IsShortUUID(u) {
		v := binary.BigEndian.Uint32(u[0:4])
		if v <= 0xffff {
			return ble.UUID16(uint16(v))
		}
		return ble.UUID(ble.Reverse(u[0:4]))
	}
	return ble.UUID(ble.Reverse(u[:]))
}

var propertyBits = []struct {
	ble ble.Property
	dev device.CharacteristicProperties
}{
	{ble.CharBroadcast, device.PropBroadcast},
	{ble.CharRead, device.PropRead},
	{ble.CharWriteNR, device.PropWriteWithoutResponse},
	{ble.CharWrite, device.PropWrite},
	{ble.CharNotify, device.PropNotify},
	{ble.CharIndicate, device.PropIndicate},
	{ble.CharSignedWrite, device.PropAuthenticatedSignedWrites},
	{ble.CharExtended, device.PropExtendedProperties},
}

func propertiesFromBLE(p ble.Property) device.CharacteristicProperties {
	var out device.CharacteristicProperties
	for _, b := range propertyBits {
		if p&b.ble != 0 {
			out |= b.dev
		}
	}
	return out
}

// manufacturerData splits raw manufacturer specific data into the
// little-endian company identifier and its payload.
func manufacturerData(raw []byte) map[uint16][]byte {
	if len(raw) < 2 {
		return nil
	}
	company := binary.LittleEndian.Uint16(raw[0:2])
	payload := make([]byte, len(raw)-2)
	copy(payload, raw[2:])
	return map[uint16][]byte{company: payload}
}

func serviceData(sd []ble.ServiceData) map[device.UUID][]byte {
	if len(sd) == 0 {
		return nil
	}
	out := make(map[device.UUID][]byte, len(sd))
	for _, d := range sd {
		u, err := uuidFromBLE(d.UUID)
		if err != nil {
			continue
		}
		out[u] = append([]byte(nil), d.Data...)
	}
	return out
}

// propertiesFromAdvertisement builds the advertisement-derived state of a peripheral.
func propertiesFromAdvertisement(id device.PeripheralID, adv ble.Advertisement) device.PeripheralProperties {
	props := device.PeripheralProperties{
		ID:               id,
		LocalName:        adv.LocalName(),
		RSSI:             device.Int16(int16(adv.RSSI())),
		ManufacturerData: manufacturerData(adv.ManufacturerData()),
		ServiceData:      serviceData(adv.ServiceData()),
		Services:         uuidsFromBLE(adv.Services()),
	}
	if tx := adv.TxPowerLevel(); tx != txPowerUnavailable {
		props.TxPowerLevel = device.Int16(int16(tx))
	}
	return props
}
