//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
)

// DeviceFactory creates the host ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (ble.Device, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, err
	}

	// Active scanning, so scan responses carry local names.
	if err := d.HCI.Send(&cmd.LESetScanParameters{
		LEScanType:           0x01,   // 0x01: active
		LEScanInterval:       0x0010, // N * 0.625msec
		LEScanWindow:         0x0010, // N * 0.625msec
		OwnAddressType:       0x00,   // 0x00: public
		ScanningFilterPolicy: 0x00,   // 0x00: accept all
	}, nil); err != nil {
		_ = d.Stop()
		return nil, err
	}
	return d, nil
}
