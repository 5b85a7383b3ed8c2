package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/groutine"
	"github.com/srg/blesession/pkg/device"
)

// State is a step of the connect state machine.
//
//	Idle ──found──▶ ConnectingDirect ──▶ Connected
//	  │                    ▲   └──────▶ Failed | Cancelled
//	  └─not found─▶ AwaitingVisibility ──seen──┘
//	                       └───────────▶ Failed | Cancelled
type State int

const (
	StateIdle State = iota
	StateAwaitingVisibility
	StateConnectingDirect
	StateConnected
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingVisibility:
		return "awaiting_visibility"
	case StateConnectingDirect:
		return "connecting_direct"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state ends a Connect call.
func (s State) Terminal() bool {
	return s == StateConnected || s == StateFailed || s == StateCancelled
}

// connectAttempt is one run of the state machine for one Connect call.
type connectAttempt struct {
	core   *peripheralCore
	caller context.Context
	// ctx ends when either the caller or the session gives up.
	ctx    context.Context
	logger *logrus.Entry

	state State
	dev   device.Peripheral
	err   error
}

func (c *peripheralCore) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.token.IsCancelled() {
		return device.ErrCancelled
	}

	attemptCtx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(c.token.Context(), stop)
	defer unlink()

	a := &connectAttempt{
		core:   c,
		caller: ctx,
		ctx:    attemptCtx,
		logger: c.logger,
		state:  StateIdle,
	}
	for !a.state.Terminal() {
		next := a.step()
		a.transition(next)
	}

	switch a.state {
	case StateConnected:
		return nil
	case StateCancelled:
		if a.err != nil {
			return a.err
		}
		return device.ErrCancelled
	default:
		return a.err
	}
}

func (a *connectAttempt) transition(next State) {
	if next == a.state {
		return
	}
	a.logger.WithFields(logrus.Fields{
		"from": a.state.String(),
		"to":   next.String(),
	}).Debug("Connect state transition")
	if hook := a.core.opts.stateHook; hook != nil {
		hook(a.state, next)
	}
	a.state = next
}

func (a *connectAttempt) step() State {
	if a.cancelled() {
		return a.cancel()
	}
	switch a.state {
	case StateIdle:
		return a.lookup()
	case StateAwaitingVisibility:
		return a.awaitVisibility()
	case StateConnectingDirect:
		return a.connectDirect()
	default:
		return a.state
	}
}

func (a *connectAttempt) cancelled() bool {
	return a.ctx.Err() != nil
}

// cancel records why the attempt was cancelled.
func (a *connectAttempt) cancel() State {
	cause := a.caller.Err()
	if cause == nil {
		a.err = device.ErrCancelled
	} else {
		a.err = fmt.Errorf("%w: %v", device.ErrCancelled, cause)
	}
	return StateCancelled
}

func (a *connectAttempt) fail(err error) State {
	if a.cancelled() {
		return a.cancel()
	}
	a.err = err
	return StateFailed
}

func (a *connectAttempt) lookup() State {
	dev, err := a.core.adapter.Peripheral(a.ctx, a.core.id)
	switch {
	case errors.Is(err, device.ErrDeviceNotFound):
		a.logger.Info("Peripheral not visible, scanning for it")
		return StateAwaitingVisibility
	case err != nil:
		return a.fail(err)
	}
	a.dev = dev
	return StateConnectingDirect
}

// awaitVisibility scans until the host reports the peripheral again.
func (a *connectAttempt) awaitVisibility() State {
	c := a.core

	watchCtx, stopWatch := context.WithCancel(a.ctx)
	defer stopWatch()
	events, err := c.adapter.Events(watchCtx)
	if err != nil {
		return a.fail(fmt.Errorf("subscribe to adapter events: %w", err))
	}

	if err := c.acquireRecoveryScan(a.ctx); err != nil {
		return a.fail(fmt.Errorf("start recovery scan: %w", err))
	}
	if !c.opts.keepScanning {
		defer c.stopRecoveryScan()
	}

	// The peripheral may have resurfaced between the lookup and the subscription.
	if dev, err := c.adapter.Peripheral(a.ctx, c.id); err == nil {
		a.dev = dev
		return StateConnectingDirect
	}

	for {
		select {
		case <-a.ctx.Done():
			return a.cancel()
		case ev, ok := <-events:
			if !ok {
				return a.fail(fmt.Errorf("adapter event stream ended while waiting for peripheral: %w", device.ErrDeviceNotFound))
			}
			if ev.ID != c.id || (ev.Kind != device.EventDiscovered && ev.Kind != device.EventUpdated) {
				continue
			}
			dev, err := c.adapter.Peripheral(a.ctx, c.id)
			switch {
			case errors.Is(err, device.ErrDeviceNotFound):
				continue
			case err != nil:
				return a.fail(err)
			}
			a.logger.Info("Peripheral visible again")
			a.dev = dev
			return StateConnectingDirect
		}
	}
}

// acquireRecoveryScan takes this session's share of the host scan. A share
// kept from an earlier recovery is reused.
func (c *peripheralCore) acquireRecoveryScan(ctx context.Context) error {
	c.recoveryMu.Lock()
	if c.recoveryScan != nil {
		c.recoveryMu.Unlock()
		return nil
	}
	lease, err := c.opts.handle.AcquireScan(ctx, device.ScanFilter{})
	if err != nil {
		c.recoveryMu.Unlock()
		return err
	}
	c.recoveryScan = lease
	c.recoveryMu.Unlock()

	// The session teardown may already have run.
	if c.token.IsCancelled() {
		c.stopRecoveryScan()
		return device.ErrCancelled
	}
	return nil
}

func (c *peripheralCore) stopRecoveryScan() {
	ctx, cancelFn := context.WithTimeout(context.Background(), c.opts.teardownTimeout)
	defer cancelFn()
	if err := c.releaseRecoveryScan(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to stop recovery scan")
	}
}

// releaseRecoveryScan gives the session's share of the host scan back.
// Scans run by other sessions keep going.
func (c *peripheralCore) releaseRecoveryScan(ctx context.Context) error {
	c.recoveryMu.Lock()
	lease := c.recoveryScan
	c.recoveryScan = nil
	c.recoveryMu.Unlock()
	if lease == nil {
		return nil
	}
	return lease.Release(ctx)
}

func (a *connectAttempt) connectDirect() State {
	c := a.core
	dev := a.dev

	connected, err := dev.IsConnected(a.ctx)
	if err != nil {
		a.logger.WithError(err).Debug("Connection state unknown, connecting")
	}
	if !connected {
		if next, ok := a.hostConnect(dev); !ok {
			return next
		}
		if a.cancelled() {
			c.disconnectQuietly(dev, "connect finished after cancellation")
			return a.cancel()
		}
	}

	if err := c.openNotifications(dev); err != nil {
		c.disconnectQuietly(dev, "notification setup failed")
		return a.fail(fmt.Errorf("open notifications: %w", err))
	}
	a.logger.Info("Connected")
	return StateConnected
}

// hostConnect runs the host connect call, racing it against cancellation
// and the connect timeout. ok is false when the machine must move to next.
func (a *connectAttempt) hostConnect(dev device.Peripheral) (next State, ok bool) {
	c := a.core
	connectCtx := a.ctx
	var timeout <-chan time.Time
	if c.opts.connectTimeout > 0 {
		var cancelFn context.CancelFunc
		connectCtx, cancelFn = context.WithTimeout(a.ctx, c.opts.connectTimeout)
		defer cancelFn()
		timer := time.NewTimer(c.opts.connectTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	result := make(chan error, 1)
	groutine.Go(connectCtx, "connect-"+c.id.String(), func(ctx context.Context) {
		result <- dev.Connect(ctx)
	})

	a.logger.Debug("Connecting")
	select {
	case err := <-result:
		if err == nil {
			return a.state, true
		}
		if a.ctx.Err() == nil && errors.Is(connectCtx.Err(), context.DeadlineExceeded) {
			return a.fail(fmt.Errorf("%w: %v", device.TimedOut(c.opts.connectTimeout), err)), false
		}
		return a.fail(err), false
	case <-a.ctx.Done():
		c.reapOrphan(dev, result)
		return a.cancel(), false
	case <-timeout:
		c.reapOrphan(dev, result)
		return a.fail(device.TimedOut(c.opts.connectTimeout)), false
	}
}

// reapOrphan disconnects a connect call that lost its race but still succeeded.
func (c *peripheralCore) reapOrphan(dev device.Peripheral, result <-chan error) {
	groutine.Go(context.Background(), "connect-reaper-"+c.id.String(), func(context.Context) {
		if err := <-result; err == nil {
			c.disconnectQuietly(dev, "abandoned connect succeeded")
		}
	})
}

func (c *peripheralCore) disconnectQuietly(dev device.Peripheral, reason string) {
	ctx, cancelFn := context.WithTimeout(context.Background(), c.opts.teardownTimeout)
	defer cancelFn()
	entry := c.logger.WithField("reason", reason)
	if err := dev.Disconnect(ctx); err != nil {
		entry.WithError(err).Warn("Best-effort disconnect failed")
		return
	}
	entry.Debug("Best-effort disconnect done")
}
