//go:build !darwin && !linux && !windows

package tinygo

import "github.com/srg/blesession/pkg/device"

var openHost = func() (host, error) {
	return nil, device.NotSupported("tinygo bluetooth has no host adapter for this platform")
}
