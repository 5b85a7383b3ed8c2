// Package tinygo implements the device host stack interfaces on top of
// tinygo.org/x/bluetooth (BlueZ over D-Bus on linux, CoreBluetooth on
// darwin, WinRT on windows).
//
// The library is reached through the small host interface below; the
// adapter and peripheral logic never touch library types directly.
package tinygo

import "github.com/srg/blesession/pkg/device"

// sighting is one advertisement as delivered by the host scan.
// key is the host address string the peripheral is dialled by.
type sighting struct {
	key         string
	rssi        int16
	name        string
	services    []device.UUID
	mfg         map[uint16][]byte
	serviceData map[device.UUID][]byte
}

// host is the part of the tinygo adapter the backend drives.
type host interface {
	Enable() error
	// Scan blocks, calling fn for each advertisement, until StopScan.
	Scan(fn func(sighting)) error
	StopScan() error
	Connect(key string) (link, error)
	// SetConnectHandler registers fn for link state changes of every peripheral.
	SetConnectHandler(fn func(key string, connected bool))
}

// link is an established connection.
type link interface {
	DiscoverServices() ([]remoteService, error)
	Disconnect() error
}

type remoteService struct {
	uuid  device.UUID
	chars []remoteCharacteristic
}

type remoteCharacteristic struct {
	uuid device.UUID
	attr attribute
}

// attribute is the GATT surface of a tinygo DeviceCharacteristic.
type attribute interface {
	Read(buf []byte) (int, error)
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
	// EnableNotifications with a nil callback stops notifications.
	EnableNotifications(callback func(buf []byte)) error
}
