package session

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/srg/blesession/internal/testutils"
	"github.com/srg/blesession/pkg/device"
	"github.com/stretchr/testify/suite"
)

const targetAddr = "AA:BB:CC:DD:EE:FF"

var (
	hrService     = device.UUID16(0x180d)
	hrMeasurement = device.UUID16(0x2a37)
)

type PeripheralSessionSuite struct {
	testutils.FakeStackSuite
}

func TestPeripheralSessionSuite(t *testing.T) {
	suite.Run(t, new(PeripheralSessionSuite))
}

func (s *PeripheralSessionSuite) open(id string, obs PeripheralObserver, opts ...Option) *Peripheral {
	opts = append([]Option{WithAdapter(s.Handle), WithLogger(s.Logger)}, opts...)
	p, err := NewPeripheral(context.Background(), device.MustParsePeripheralID(id), obs, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = p.Close() })
	return p
}

// stateRecorder collects connect state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) hook(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *stateRecorder) reached(st State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == st {
			return true
		}
	}
	return false
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (s *PeripheralSessionSuite) TestConnect_VisiblePeripheral() {
	// GOAL: a visible peripheral connects directly and the observer hears about it
	//
	// TEST SCENARIO: peripheral visible → Connect → host connect once → OnConnected → notifications flow
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	obs := &recordingObserver{}
	states := &stateRecorder{}
	p := s.open(targetAddr, obs, WithStateHook(states.hook))

	s.Require().NoError(p.Connect(context.Background()))
	s.Equal(int32(1), fake.ConnectCalls.Load())
	s.Equal([]State{StateConnectingDirect, StateConnected}, states.snapshot())
	s.WaitFor(func() bool { return obs.connectedCount() == 1 }, "OnConnected MUST be delivered")

	c, err := p.Characteristic(context.Background(), hrService, hrMeasurement)
	s.Require().NoError(err)
	s.Require().NoError(p.Subscribe(context.Background(), c))
	s.True(fake.IsSubscribed(hrMeasurement))

	fake.Notify(hrService, hrMeasurement, []byte{0x00, 72})
	s.WaitFor(func() bool { return obs.notificationCount() == 1 }, "notification MUST reach the observer")
}

func (s *PeripheralSessionSuite) TestConnect_AlreadyConnectedIsNoop() {
	fake := testutils.HeartRatePeripheral(targetAddr).Connected()
	s.Adapter.Add(fake)
	p := s.open(targetAddr, &recordingObserver{})

	s.Require().NoError(p.Connect(context.Background()))
	s.Zero(fake.ConnectCalls.Load(), "host connect MUST NOT be invoked for a connected peripheral")
}

func (s *PeripheralSessionSuite) TestConnect_CancelledSessionNeverConnects() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	p := s.open(targetAddr, &recordingObserver{})

	s.Require().NoError(p.Close())
	err := p.Connect(context.Background())
	s.ErrorIs(err, device.ErrCancelled)
	s.Zero(fake.ConnectCalls.Load(), "host connect MUST NOT be invoked after cancellation")
}

func (s *PeripheralSessionSuite) TestDisconnectEvent() {
	// GOAL: link loss is reported once and stops notification delivery
	//
	// TEST SCENARIO: connect → link drops → OnDisconnected exactly once → later values are not delivered
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	obs := &recordingObserver{}
	p := s.open(targetAddr, obs)

	s.Require().NoError(p.Connect(context.Background()))
	fake.Notify(hrService, hrMeasurement, []byte{0x00, 70})
	s.WaitFor(func() bool { return obs.notificationCount() == 1 })

	fake.DropLink()
	s.WaitFor(func() bool { return obs.disconnectedCount() == 1 }, "OnDisconnected MUST be delivered")

	fake.Notify(hrService, hrMeasurement, []byte{0x00, 71})
	time.Sleep(30 * time.Millisecond)
	s.Equal(1, obs.disconnectedCount(), "OnDisconnected MUST be delivered exactly once")
	s.Equal(1, obs.notificationCount(), "no notification MUST arrive after disconnect")
}

func (s *PeripheralSessionSuite) TestReconnectAfterDisconnect() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	obs := &recordingObserver{}
	p := s.open(targetAddr, obs)

	s.Require().NoError(p.Connect(context.Background()))
	fake.DropLink()
	s.WaitFor(func() bool { return obs.disconnectedCount() == 1 })

	s.Require().NoError(p.Connect(context.Background()))
	s.WaitFor(func() bool { return obs.connectedCount() == 2 })

	fake.Notify(hrService, hrMeasurement, []byte{0x00, 90})
	s.WaitFor(func() bool { return obs.notificationCount() == 1 }, "notifications MUST resume on the new link")
}

func (s *PeripheralSessionSuite) TestConnect_RecoversWhenPeripheralResurfaces() {
	// GOAL: a peripheral unknown to the host is found by scanning, then connected
	//
	// TEST SCENARIO: lookup misses → AwaitingVisibility starts a scan → another device shows up (ignored)
	//                → target shows up → ConnectingDirect → Connected → recovery scan stopped
	fake := testutils.HeartRatePeripheral(targetAddr)
	other := testutils.HeartRatePeripheral("11:22:33:44:55:66")
	states := &stateRecorder{}
	obs := &recordingObserver{}
	p := s.open(targetAddr, obs, WithStateHook(states.hook))

	result := make(chan error, 1)
	go func() { result <- p.Connect(context.Background()) }()

	s.WaitFor(func() bool { return states.reached(StateAwaitingVisibility) && s.Adapter.Scanning() })

	s.Adapter.Discover(other)
	time.Sleep(30 * time.Millisecond)
	s.False(states.reached(StateConnectingDirect), "another identity MUST NOT end the wait")

	s.Adapter.Discover(fake)
	select {
	case err := <-result:
		s.Require().NoError(err)
	case <-time.After(s.TestTimeout):
		s.FailNow("Connect MUST finish once the peripheral resurfaces")
	}

	s.Equal([]State{StateAwaitingVisibility, StateConnectingDirect, StateConnected}, states.snapshot())
	s.Equal(int32(1), fake.ConnectCalls.Load())
	s.Zero(other.ConnectCalls.Load())
	s.Equal(int32(1), s.Adapter.StartScanCalls.Load())
	s.Equal(int32(1), s.Adapter.StopScanCalls.Load(), "recovery scan MUST be stopped")
	s.False(s.Adapter.Scanning())
}

func (s *PeripheralSessionSuite) TestConnect_KeepScanningAfterRecovery() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.OnStartScan = func(device.ScanFilter) {
		go s.Adapter.Discover(fake)
	}
	p := s.open(targetAddr, &recordingObserver{}, WithKeepScanning())

	s.Require().NoError(p.Connect(context.Background()))
	s.Zero(s.Adapter.StopScanCalls.Load())
	s.True(s.Adapter.Scanning())

	s.Require().NoError(p.Close())
	s.WaitFor(func() bool { return !s.Adapter.Scanning() }, "a kept recovery scan MUST be released when the session closes")
	s.Equal(int32(1), s.Adapter.StopScanCalls.Load())
}

func (s *PeripheralSessionSuite) TestConnect_CancelWhileAwaitingVisibility() {
	states := &stateRecorder{}
	p := s.open(targetAddr, &recordingObserver{}, WithStateHook(states.hook))

	result := make(chan error, 1)
	go func() { result <- p.Connect(context.Background()) }()
	s.WaitFor(func() bool { return states.reached(StateAwaitingVisibility) })

	s.Require().NoError(p.Close())
	select {
	case err := <-result:
		s.ErrorIs(err, device.ErrCancelled)
	case <-time.After(s.TestTimeout):
		s.FailNow("Connect MUST return after the session is closed")
	}
	s.True(states.reached(StateCancelled))
	s.WaitFor(func() bool { return !s.Adapter.Scanning() }, "recovery scan MUST be stopped on cancellation")
}

func (s *PeripheralSessionSuite) TestConnect_CallerContextCancels() {
	p := s.open(targetAddr, &recordingObserver{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Connect(ctx)
	s.ErrorIs(err, device.ErrCancelled)
	s.False(p.IsCancelled(), "caller cancellation MUST NOT close the session")
}

func (s *PeripheralSessionSuite) TestConnect_CancelDuringHostConnect() {
	// GOAL: cancellation wins over a hung connect, and a late success is disconnected
	//
	// TEST SCENARIO: host connect blocks → session closed → Connect returns Cancelled
	//                → host connect later succeeds → orphaned link is disconnected
	fake := testutils.HeartRatePeripheral(targetAddr)
	release := make(chan struct{})
	fake.ConnectFunc = func(context.Context) error {
		<-release
		return nil
	}
	s.Adapter.Add(fake)
	states := &stateRecorder{}
	p := s.open(targetAddr, &recordingObserver{}, WithStateHook(states.hook))

	result := make(chan error, 1)
	go func() { result <- p.Connect(context.Background()) }()
	s.WaitFor(func() bool { return fake.ConnectCalls.Load() == 1 })

	s.Require().NoError(p.Close())
	select {
	case err := <-result:
		s.ErrorIs(err, device.ErrCancelled)
	case <-time.After(s.TestTimeout):
		s.FailNow("Connect MUST return as soon as the session is cancelled")
	}

	close(release)
	s.WaitFor(func() bool { return fake.DisconnectCalls.Load() == 1 }, "orphaned connection MUST be disconnected")
}

func (s *PeripheralSessionSuite) TestConnect_Timeout() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	release := make(chan struct{})
	defer close(release)
	fake.ConnectFunc = func(context.Context) error {
		<-release
		return errors.New("never")
	}
	s.Adapter.Add(fake)
	p := s.open(targetAddr, &recordingObserver{}, WithConnectTimeout(20*time.Millisecond))

	err := p.Connect(context.Background())
	s.ErrorIs(err, device.ErrTimedOut)
	s.Contains(err.Error(), "timed out after 20ms")
}

func (s *PeripheralSessionSuite) TestConnect_HostFailure() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	fake.ConnectFunc = func(context.Context) error { return device.ErrPermissionDenied }
	s.Adapter.Add(fake)
	states := &stateRecorder{}
	p := s.open(targetAddr, &recordingObserver{}, WithStateHook(states.hook))

	err := p.Connect(context.Background())
	s.ErrorIs(err, device.ErrPermissionDenied)
	s.True(states.reached(StateFailed))
}

func (s *PeripheralSessionSuite) TestConnect_LookupFailure() {
	s.Adapter.LookupErr = device.HostRuntimeError("bluez gone", nil)
	p := s.open(targetAddr, &recordingObserver{})

	err := p.Connect(context.Background())
	s.ErrorIs(err, device.ErrHostRuntime)
	s.Zero(s.Adapter.StartScanCalls.Load(), "only a missing peripheral MUST trigger a recovery scan")
}

func (s *PeripheralSessionSuite) TestConnect_NotificationSetupFailureDisconnects() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	fake.NotificationsErr = device.NotSupported("notifications")
	s.Adapter.Add(fake)
	p := s.open(targetAddr, &recordingObserver{})

	err := p.Connect(context.Background())
	s.ErrorIs(err, device.ErrNotSupported)
	s.Equal(int32(1), fake.DisconnectCalls.Load(), "a half-open link MUST be disconnected")
}

func (s *PeripheralSessionSuite) TestConnect_ConcurrentCallsAreSerialized() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	p := s.open(targetAddr, &recordingObserver{})

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- p.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		s.NoError(err)
	}
	s.Equal(int32(1), fake.ConnectCalls.Load(), "only the first Connect MUST reach the host")
}

func (s *PeripheralSessionSuite) TestGATTOperations() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	p := s.open(targetAddr, &recordingObserver{})
	ctx := context.Background()

	s.Require().NoError(p.Connect(ctx))
	s.Require().NoError(p.DiscoverServices(ctx))

	services, err := p.Services(ctx)
	s.Require().NoError(err)
	s.Len(services, 2)

	battery, err := p.Characteristic(ctx, device.UUID16(0x180f), device.UUID16(0x2a19))
	s.Require().NoError(err)
	value, err := p.Read(ctx, battery)
	s.Require().NoError(err)
	s.Equal([]byte{50}, value)

	s.Require().NoError(p.Write(ctx, battery, []byte{42}, device.WithResponse))
	s.Equal([]byte{42}, fake.Value(battery.UUID))

	cccd := device.Descriptor{UUID: device.UUID16(0x2902), Service: battery.Service, Characteristic: battery.UUID}
	s.Require().NoError(p.WriteDescriptor(ctx, cccd, []byte{0x01, 0x00}))
	got, err := p.ReadDescriptor(ctx, cccd)
	s.Require().NoError(err)
	s.Equal([]byte{0x01, 0x00}, got)

	s.Require().NoError(p.Subscribe(ctx, battery))
	s.Require().NoError(p.Unsubscribe(ctx, battery))
	s.False(fake.IsSubscribed(battery.UUID))

	_, err = p.Characteristic(ctx, device.UUID16(0x180f), device.UUID16(0x2a1a))
	s.ErrorIs(err, device.ErrNoSuchCharacteristic)

	props, err := p.Properties(ctx)
	s.Require().NoError(err)
	s.Equal("HeartRate", props.LocalName)
}

func (s *PeripheralSessionSuite) TestGATTOperations_UnknownPeripheral() {
	p := s.open(targetAddr, &recordingObserver{})
	ctx := context.Background()
	c := device.Characteristic{UUID: hrMeasurement, Service: hrService}

	_, err := p.Read(ctx, c)
	s.ErrorIs(err, device.ErrNotConnected)
	s.ErrorIs(p.Write(ctx, c, []byte{1}, device.WithoutResponse), device.ErrNotConnected)
	s.ErrorIs(p.Subscribe(ctx, c), device.ErrNotConnected)
	s.ErrorIs(p.DiscoverServices(ctx), device.ErrNotConnected)

	s.NoError(p.Disconnect(ctx), "disconnecting an unknown peripheral MUST succeed")
	connected, err := p.IsConnected(ctx)
	s.NoError(err)
	s.False(connected)
}

func (s *PeripheralSessionSuite) TestDisconnect() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	obs := &recordingObserver{}
	p := s.open(targetAddr, obs)
	ctx := context.Background()

	s.Require().NoError(p.Connect(ctx))
	s.Require().NoError(p.Disconnect(ctx))
	s.Equal(int32(1), fake.DisconnectCalls.Load())
	s.WaitFor(func() bool { return obs.disconnectedCount() == 1 })

	connected, err := p.IsConnected(ctx)
	s.Require().NoError(err)
	s.False(connected)
}

func (s *PeripheralSessionSuite) TestCloseStopsCallbacks() {
	fake := testutils.HeartRatePeripheral(targetAddr)
	s.Adapter.Add(fake)
	obs := &recordingObserver{}
	p := s.open(targetAddr, obs)

	s.Require().NoError(p.Close())
	s.Require().NoError(p.Wait(context.Background()))

	s.Require().NoError(fake.Connect(context.Background()))
	time.Sleep(20 * time.Millisecond)
	s.Zero(obs.connectedCount(), "no callback MUST run after close")
}

func (s *PeripheralSessionSuite) TestDroppedSessionStopsItsLoop() {
	// GOAL: a session nobody references any more releases its event subscription
	//
	// TEST SCENARIO: open session → drop the reference → GC → adapter subscription count returns to zero
	func() {
		_, err := NewPeripheral(context.Background(), device.MustParsePeripheralID(targetAddr), &recordingObserver{},
			WithAdapter(s.Handle), WithLogger(s.Logger))
		s.Require().NoError(err)
	}()
	s.Equal(1, s.Adapter.Subscribers())

	s.WaitFor(func() bool {
		runtime.GC()
		return s.Adapter.Subscribers() == 0
	}, "dropping the session MUST cancel its loop")
}

func (s *PeripheralSessionSuite) TestNewPeripheral_RejectsZeroID() {
	_, err := NewPeripheral(context.Background(), device.PeripheralID{}, nil, WithAdapter(s.Handle))
	s.ErrorIs(err, device.ErrIdentityParse)
}
