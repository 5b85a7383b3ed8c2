package testutils

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/pkg/device"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a logger that is silent unless
// tests run with -v.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	if !testing.Verbose() {
		logger.SetOutput(io.Discard)
	}
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}

// HeartRatePeripheral returns a fake peripheral exposing the Heart Rate service
// (180D) with a notifying Heart Rate Measurement characteristic (2A37) and the
// Battery service (180F) with a readable Battery Level (2A19) at 50%.
func HeartRatePeripheral(id string) *FakePeripheral {
	return NewFakePeripheral(id).
		WithName("HeartRate").
		WithRSSI(-55).
		WithCharacteristic("180D", "2A37", device.PropNotify, []byte{0x00, 80}).
		WithCharacteristic("180F", "2A19", device.PropRead|device.PropNotify, []byte{50})
}
