package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/srg/blesession/pkg/device"
)

// NormalizeError maps go-ble errors onto the device error taxonomy.
// go-ble reports most failures as plain strings, so matching is done on
// messages, case-insensitively. Unknown errors become KindOther.
// The original error stays reachable through errors.Unwrap.
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

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "powered off"):
		return device.HostRuntimeError("bluetooth is off", err)
	case containsIgnoreCase(msg, "unauthorized"),
		containsIgnoreCase(msg, "operation not permitted"),
		containsIgnoreCase(msg, "permission denied"):
		return device.Wrap(device.KindPermissionDenied, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"),
		containsIgnoreCase(msg, "connection is not initialized"):
		return device.Wrap(device.KindNotConnected, err)
	case containsIgnoreCase(msg, "no such device"),
		containsIgnoreCase(msg, "can't init hci"):
		return device.NotSupported(msg)
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "unsupported"):
		return device.Wrap(device.KindNotSupported, err)
	case containsIgnoreCase(msg, "invalid address"):
		return device.InvalidAddress(msg)
	default:
		return device.Other(err)
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
