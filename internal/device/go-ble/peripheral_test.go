package goble

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blesession/pkg/device"
)

var (
	hrService   = device.UUID16(0x180d)
	hrMeasure   = device.UUID16(0x2a37)
	battService = device.UUID16(0x180f)
	battLevel   = device.UUID16(0x2a19)
)

// connected advertises the heart rate sensor, connects and discovers it.
func (s *AdapterSuite) connected() (*Peripheral, *fakeClient) {
	client := newFakeClient(heartRateProfile())
	s.host.clients[ble.NewAddr(hrAddr).String()] = client

	s.startScan(device.ScanFilter{})
	s.host.advertise(heartRateAdvertisement())

	dev, err := s.adapter.Peripheral(context.Background(), device.MustParsePeripheralID(hrAddr))
	s.Require().NoError(err)
	p := dev.(*Peripheral)
	s.Require().NoError(p.Connect(context.Background()))
	s.Require().NoError(p.DiscoverServices(context.Background()))
	return p, client
}

// drain skips events until one of kind arrives.
func (s *AdapterSuite) drain(kind device.EventKind) device.DiscoveryEvent {
	for {
		ev := s.next()
		if ev.Kind == kind {
			return ev
		}
	}
}

func (s *AdapterSuite) TestConnectDiscoverAndRead() {
	p, client := s.connected()
	ctx := context.Background()

	s.drain(device.EventConnected)
	up, err := p.IsConnected(ctx)
	s.Require().NoError(err)
	s.True(up)

	services := p.Services()
	s.Require().Len(services, 2)
	s.Equal(hrService, services[0].UUID, "services MUST keep discovery order")
	s.Equal(battService, services[1].UUID)
	hrm := services[0].Characteristics[0]
	s.Equal(hrMeasure, hrm.UUID)
	s.Equal(device.PropNotify, hrm.Properties)
	s.Require().Len(hrm.Descriptors, 1)
	s.Equal(device.UUID16(0x2902), hrm.Descriptors[0].UUID)

	client.values[ble.UUID16(0x2a19).String()] = []byte{77}
	battery, err := device.FindCharacteristic(services, battService, battLevel)
	s.Require().NoError(err)
	value, err := p.Read(ctx, battery)
	s.Require().NoError(err)
	s.Equal([]byte{77}, value)

	_, err = p.Read(ctx, device.Characteristic{UUID: device.UUID16(0x2a1a), Service: battService})
	s.ErrorIs(err, device.ErrNoSuchCharacteristic)
}

func (s *AdapterSuite) TestConnectTwiceDialsOnce() {
	p, _ := s.connected()
	s.Require().NoError(p.Connect(context.Background()))

	s.host.mu.Lock()
	defer s.host.mu.Unlock()
	s.Len(s.host.clients, 1)
}

func (s *AdapterSuite) TestWriteChunksWithoutResponse() {
	p, client := s.connected()
	battery := device.Characteristic{UUID: battLevel, Service: battService}

	payload := make([]byte, 45)
	s.Require().NoError(p.Write(context.Background(), battery, payload, device.WithoutResponse))
	s.Equal(3, client.writeCount(), "45 bytes MUST be sent as 20+20+5")

	s.Require().NoError(p.Write(context.Background(), battery, payload, device.WithResponse))
	s.Equal(4, client.writeCount(), "a write with response MUST be one request")
}

func (s *AdapterSuite) TestDescriptors() {
	p, _ := s.connected()
	ctx := context.Background()

	cccd := device.Descriptor{UUID: device.UUID16(0x2902), Service: hrService, Characteristic: hrMeasure}
	s.Require().NoError(p.WriteDescriptor(ctx, cccd, []byte{0x01, 0x00}))
	value, err := p.ReadDescriptor(ctx, cccd)
	s.Require().NoError(err)
	s.Equal([]byte{0x01, 0x00}, value)

	// The battery descriptor was discovered without a handle.
	userDesc := device.Descriptor{UUID: device.UUID16(0x2901), Service: battService, Characteristic: battLevel}
	_, err = p.ReadDescriptor(ctx, userDesc)
	s.ErrorIs(err, device.ErrNotSupported)
}

func (s *AdapterSuite) TestNotifications() {
	// GOAL: subscribed values reach the connection's notification stream and the stream ends with the link
	//
	// TEST SCENARIO: subscribe HRM → push value → stream delivers → link drops → stream closed + Disconnected event
	p, client := s.connected()
	ctx := context.Background()

	stream, err := p.Notifications(ctx)
	s.Require().NoError(err)

	hrm := device.Characteristic{UUID: hrMeasure, Service: hrService}
	s.Require().NoError(p.Subscribe(ctx, hrm))
	client.push(ble.UUID16(0x2a37), []byte{0x00, 66})

	select {
	case n := <-stream:
		s.Equal(hrService, n.Service)
		s.Equal(hrMeasure, n.Characteristic)
		s.Equal([]byte{0x00, 66}, n.Value)
	case <-time.After(time.Second):
		s.FailNow("notification not delivered")
	}

	client.drop()
	s.drain(device.EventDisconnected)
	select {
	case _, ok := <-stream:
		s.False(ok, "stream MUST close when the link drops")
	case <-time.After(time.Second):
		s.FailNow("stream not closed")
	}

	up, _ := p.IsConnected(ctx)
	s.False(up)
	_, err = p.Notifications(ctx)
	s.ErrorIs(err, device.ErrNotConnected)
	s.ErrorIs(p.Subscribe(ctx, hrm), device.ErrNotConnected)
}

func (s *AdapterSuite) TestSubscribeUsesIndicationsWhenNotifyMissing() {
	p, client := s.connected()
	battery := device.Characteristic{UUID: battLevel, Service: battService}
	s.Require().NoError(p.Subscribe(context.Background(), battery))

	client.mu.Lock()
	defer client.mu.Unlock()
	s.True(client.indications[ble.UUID16(0x2a19).String()])
}

func (s *AdapterSuite) TestDisconnectReportsOnce() {
	p, client := s.connected()
	s.drain(device.EventConnected)

	s.Require().NoError(p.Disconnect(context.Background()))
	s.drain(device.EventDisconnected)
	s.NoError(p.Disconnect(context.Background()), "disconnecting twice MUST succeed")

	select {
	case ev := <-s.events:
		s.NotEqual(device.EventDisconnected, ev.Kind, "Disconnected MUST be reported once")
	case <-time.After(30 * time.Millisecond):
	}
	s.Equal(1, client.cancelled)
}

func (s *AdapterSuite) TestOperationsRequireConnection() {
	s.startScan(device.ScanFilter{})
	s.host.advertise(heartRateAdvertisement())
	dev, err := s.adapter.Peripheral(context.Background(), device.MustParsePeripheralID(hrAddr))
	s.Require().NoError(err)

	ctx := context.Background()
	c := device.Characteristic{UUID: hrMeasure, Service: hrService}
	s.ErrorIs(dev.DiscoverServices(ctx), device.ErrNotConnected)
	_, err = dev.Read(ctx, c)
	s.ErrorIs(err, device.ErrNotConnected)
	s.ErrorIs(dev.Write(ctx, c, []byte{1}, device.WithResponse), device.ErrNotConnected)
	s.Nil(dev.Services())
}

func (s *AdapterSuite) TestCancelledContext() {
	p, _ := s.connected()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Read(ctx, device.Characteristic{UUID: battLevel, Service: battService})
	s.ErrorIs(err, device.ErrCancelled)
}

func (s *AdapterSuite) TestConcurrentConnectCancelsDuplicateLink() {
	// GOAL: when two dials race, the losing link is cancelled and a failed cancel is logged
	//
	// TEST SCENARIO: two Connect calls dial at once → both dials succeed → one link kept,
	//                the other cancelled → cancel error reported at debug level
	hook := logrustest.NewLocal(s.adapter.logger)
	s.adapter.logger.SetLevel(logrus.DebugLevel)

	clients := []*fakeClient{newFakeClient(nil), newFakeClient(nil)}
	for _, c := range clients {
		c.cancelErr = errors.New("hci: command disallowed")
	}
	gate := make(chan struct{})
	dialed := make(chan struct{}, 2)
	var next atomic.Int32
	s.host.mu.Lock()
	s.host.dial = func(context.Context, ble.Addr) (ble.Client, error) {
		c := clients[next.Add(1)-1]
		dialed <- struct{}{}
		<-gate
		return c, nil
	}
	s.host.mu.Unlock()

	s.startScan(device.ScanFilter{})
	s.host.advertise(heartRateAdvertisement())
	dev, err := s.adapter.Peripheral(context.Background(), device.MustParsePeripheralID(hrAddr))
	s.Require().NoError(err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- dev.Connect(context.Background()) }()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-dialed:
		case <-time.After(time.Second):
			s.FailNow("both Connect calls MUST dial")
		}
	}
	close(gate)
	s.NoError(<-errs)
	s.NoError(<-errs)

	cancelled := 0
	for _, c := range clients {
		c.mu.Lock()
		cancelled += c.cancelled
		c.mu.Unlock()
	}
	s.Equal(1, cancelled, "exactly the losing link MUST be cancelled")

	logged := false
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.DebugLevel && e.Message == "Failed to cancel duplicate connection" {
			logged = true
		}
	}
	s.True(logged, "a failed cancel of the duplicate link MUST be logged")
}
