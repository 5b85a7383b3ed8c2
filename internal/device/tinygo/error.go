package tinygo

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/blesession/pkg/device"
)

// NormalizeError maps tinygo bluetooth errors onto the device error taxonomy.
// BlueZ reports D-Bus error names (org.bluez.Error.*), CoreBluetooth and
// WinRT report plain messages; both are matched case-insensitively.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var derr *device.Error
	if errors.As(err, &derr) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return device.Wrap(device.KindCancelled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return device.Wrap(device.KindTimedOut, err)
	}

	msg := strings.ToLower(err.Error())
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(msg, s) {
				return true
			}
		}
		return false
	}

	switch {
	case has("not powered", "powered off", "notready", "adapter not enabled"):
		return device.HostRuntimeError("bluetooth is off", err)
	case has("notpermitted", "accessdenied", "not authorized", "unauthorized", "permission denied"):
		return device.Wrap(device.KindPermissionDenied, err)
	case has("notconnected", "not connected", "disconnected"):
		return device.Wrap(device.KindNotConnected, err)
	case has("timeout", "timed out"):
		return device.Wrap(device.KindTimedOut, err)
	case has("no default adapter", "no adapter", "adapter not found"):
		return device.NotSupported(err.Error())
	case has("could not find some characteristics", "could not find some services"):
		return device.Wrap(device.KindNoSuchCharacteristic, err)
	case has("notsupported", "not supported"):
		return device.Wrap(device.KindNotSupported, err)
	case has("invalid address", "invalidarguments"):
		return device.InvalidAddress(err.Error())
	default:
		return device.Other(err)
	}
}
