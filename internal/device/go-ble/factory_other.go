//go:build !darwin && !linux

package goble

import (
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blesession/pkg/device"
)

//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	return nil, device.NotSupported("go-ble has no backend for " + runtime.GOOS)
}
