package tinygo

import (
	"context"
	"errors"
	"time"

	"github.com/srg/blesession/pkg/device"
)

// connected advertises the heart rate sensor, connects and discovers it.
func (s *AdapterSuite) connected() (*Peripheral, *fakeAttribute, *fakeAttribute) {
	services, hrm, battery := heartRateProfile()
	s.host.links[hrKey] = newFakeLink(services)

	s.startScan(device.ScanFilter{})
	s.host.advertise(heartRateSighting())

	dev, err := s.adapter.Peripheral(context.Background(), device.MustParsePeripheralID(hrKey))
	s.Require().NoError(err)
	p := dev.(*Peripheral)
	s.Require().NoError(p.Connect(context.Background()))
	s.Require().NoError(p.DiscoverServices(context.Background()))
	return p, hrm, battery
}

func (s *AdapterSuite) TestConnectDiscoverAndRead() {
	p, _, _ := s.connected()
	ctx := context.Background()

	services := p.Services()
	s.Require().Len(services, 2)
	s.Equal(hrService, services[0].UUID, "services MUST keep discovery order")
	s.Equal(battService, services[1].UUID)
	s.Equal(hrMeasure, services[0].Characteristics[0].UUID)
	s.Equal(hrService, services[0].Characteristics[0].Service)

	value, err := p.Read(ctx, device.Characteristic{UUID: battLevel, Service: battService})
	s.Require().NoError(err)
	s.Equal([]byte{90}, value)

	_, err = p.Read(ctx, device.Characteristic{UUID: device.UUID16(0x2a1a), Service: battService})
	s.ErrorIs(err, device.ErrNoSuchCharacteristic)
}

func (s *AdapterSuite) TestConnectTwiceConnectsOnce() {
	p, _, _ := s.connected()
	s.Require().NoError(p.Connect(context.Background()))

	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.Equal(1, s.host.connects)
}

func (s *AdapterSuite) TestConnectFailure() {
	s.startScan(device.ScanFilter{})
	s.host.advertise(heartRateSighting())
	s.host.connectErr = errors.New("bluetooth: timeout on Connect")

	dev, err := s.adapter.Peripheral(context.Background(), device.MustParsePeripheralID(hrKey))
	s.Require().NoError(err)
	s.ErrorIs(dev.Connect(context.Background()), device.ErrTimedOut)
	up, _ := dev.IsConnected(context.Background())
	s.False(up)
}

func (s *AdapterSuite) TestCancelledConnectIsReaped() {
	// GOAL: a connection the caller stopped waiting for is torn down once it completes
	//
	// TEST SCENARIO: hold connect → cancel ctx → Connect returns Cancelled → release → link disconnected
	s.startScan(device.ScanFilter{})
	s.host.advertise(heartRateSighting())
	l := newFakeLink(nil)
	s.host.links[hrKey] = l
	gate := make(chan struct{})
	s.host.mu.Lock()
	s.host.gate = gate
	s.host.mu.Unlock()

	dev, err := s.adapter.Peripheral(context.Background(), device.MustParsePeripheralID(hrKey))
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- dev.Connect(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		s.ErrorIs(err, device.ErrCancelled)
	case <-time.After(time.Second):
		s.FailNow("Connect did not return on cancel")
	}

	close(gate)
	s.Eventually(func() bool { return l.disconnectCount() == 1 }, time.Second, 5*time.Millisecond)
	up, _ := dev.IsConnected(context.Background())
	s.False(up, "a reaped connection MUST NOT be adopted")
}

func (s *AdapterSuite) TestWriteChunksWithoutResponse() {
	p, _, battery := s.connected()
	c := device.Characteristic{UUID: battLevel, Service: battService}

	payload := make([]byte, 45)
	s.Require().NoError(p.Write(context.Background(), c, payload, device.WithoutResponse))
	s.Equal(3, battery.writeCount(), "45 bytes MUST be sent as 20+20+5")

	s.Require().NoError(p.Write(context.Background(), c, payload, device.WithResponse))
	s.Equal(4, battery.writeCount(), "a write with response MUST be one request")
}

func (s *AdapterSuite) TestDescriptorsAreNotSupported() {
	p, _, _ := s.connected()
	d := device.Descriptor{UUID: device.UUID16(0x2902), Service: hrService, Characteristic: hrMeasure}

	_, err := p.ReadDescriptor(context.Background(), d)
	s.ErrorIs(err, device.ErrNotSupported)
	s.ErrorIs(p.WriteDescriptor(context.Background(), d, []byte{1, 0}), device.ErrNotSupported)
}

func (s *AdapterSuite) TestNotifications() {
	// GOAL: subscribed values reach the notification stream and the stream ends with the link
	//
	// TEST SCENARIO: subscribe HRM → push → delivered → unsubscribe → host drops link → stream closed
	p, hrm, _ := s.connected()
	ctx := context.Background()

	stream, err := p.Notifications(ctx)
	s.Require().NoError(err)

	c := device.Characteristic{UUID: hrMeasure, Service: hrService}
	s.Require().NoError(p.Subscribe(ctx, c))
	hrm.push([]byte{0x00, 66})

	select {
	case n := <-stream:
		s.Equal(hrService, n.Service)
		s.Equal(hrMeasure, n.Characteristic)
		s.Equal([]byte{0x00, 66}, n.Value)
	case <-time.After(time.Second):
		s.FailNow("notification not delivered")
	}

	s.Require().NoError(p.Unsubscribe(ctx, c))
	s.False(hrm.subscribed())

	s.host.drop(hrKey)
	select {
	case _, ok := <-stream:
		s.False(ok, "stream MUST close when the link drops")
	case <-time.After(time.Second):
		s.FailNow("stream not closed")
	}
	_, err = p.Notifications(ctx)
	s.ErrorIs(err, device.ErrNotConnected)
}

func (s *AdapterSuite) TestDisconnectReportsOnce() {
	p, _, _ := s.connected()
	s.drain(device.EventConnected)

	s.Require().NoError(p.Disconnect(context.Background()))
	s.drain(device.EventDisconnected)
	s.NoError(p.Disconnect(context.Background()), "disconnecting twice MUST succeed")

	// The host reports the same loss once more.
	s.host.drop(hrKey)
	select {
	case ev := <-s.events:
		s.NotEqual(device.EventDisconnected, ev.Kind, "Disconnected MUST be reported once")
	case <-time.After(30 * time.Millisecond):
	}
}

func (s *AdapterSuite) TestOperationsRequireConnection() {
	s.startScan(device.ScanFilter{})
	s.host.advertise(heartRateSighting())
	dev, err := s.adapter.Peripheral(context.Background(), device.MustParsePeripheralID(hrKey))
	s.Require().NoError(err)

	ctx := context.Background()
	c := device.Characteristic{UUID: hrMeasure, Service: hrService}
	s.ErrorIs(dev.DiscoverServices(ctx), device.ErrNotConnected)
	_, err = dev.Read(ctx, c)
	s.ErrorIs(err, device.ErrNotConnected)
	s.ErrorIs(dev.Subscribe(ctx, c), device.ErrNotConnected)
	s.Nil(dev.Services())
}
