package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesession/pkg/device"
)

// ErrConnectionLost indicates the link dropped while a command was still using it.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns session errors into a one-line hint for the terminal.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	switch device.KindOf(err) {
	case device.KindPermissionDenied:
		return fmt.Sprintf("%v (grant the terminal Bluetooth access or run with the required privileges)", err)
	case device.KindNotSupported:
		return fmt.Sprintf("%v (check that a Bluetooth adapter is present and the backend supports this host)", err)
	case device.KindDeviceNotFound:
		return fmt.Sprintf("%v (the peripheral is not advertising; move it closer or wake it up)", err)
	case device.KindTimedOut:
		return fmt.Sprintf("%v (try a longer --timeout or connect_timeout)", err)
	case device.KindNoSuchCharacteristic:
		return fmt.Sprintf("%v (run 'blesession services <id>' to list what the peripheral exposes)", err)
	case device.KindInvalidAddress, device.KindIdentityParse:
		return fmt.Sprintf("%v (expected a MAC address such as AA:BB:CC:DD:EE:FF or a platform UUID)", err)
	}
	if errors.Is(err, ErrConnectionLost) {
		return fmt.Sprintf("%v (the peripheral disconnected)", err)
	}
	return err.Error()
}
