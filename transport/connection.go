package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bleapdu/transport/apdu"
	"github.com/bleapdu/transport/catalogue"
)

// connectionManager drives one peripheral through the Idle -> ... ->
// Connected lifecycle. It owns the Stack and the active session, if any.
//
// Scan/Connect/Subscribe/NegotiateMTU/Disconnect all run on the caller's
// goroutine. mu guards only the session pointer and is not held across stack
// calls: Connect refuses to start while a session is set, but lifecycle
// operations are not otherwise serialized against each other. The exchange
// engine takes the session pointer directly once Connected.
type connectionManager struct {
	cfg   Config
	stack Stack

	mu      sync.Mutex
	session *session

	disconnectCbsMu sync.Mutex
	disconnectCbs   []func(PeripheralIdentifier, DisconnectReason)

	availabilityMu  sync.Mutex
	availabilityCbs []func(AdapterEvent)
}

func newConnectionManager(cfg Config, stack Stack) *connectionManager {
	cm := &connectionManager{cfg: cfg, stack: stack}
	go cm.watchAdapterEvents()
	return cm
}

func (cm *connectionManager) watchAdapterEvents() {
	for ev := range cm.stack.AdapterEvents() {
		cm.invokeAvailabilityCallbacks(ev)
	}
}

func (cm *connectionManager) invokeAvailabilityCallbacks(ev AdapterEvent) {
	cm.availabilityMu.Lock()
	cbs := append([]func(AdapterEvent){}, cm.availabilityCbs...)
	cm.availabilityMu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// OnBluetoothAvailability registers a callback invoked on every adapter
// availability transition.
func (cm *connectionManager) OnBluetoothAvailability(cb func(AdapterEvent)) {
	cm.availabilityMu.Lock()
	cm.availabilityCbs = append(cm.availabilityCbs, cb)
	cm.availabilityMu.Unlock()
}

// OnDisconnect registers a callback invoked at most once per disconnection.
func (cm *connectionManager) OnDisconnect(cb func(PeripheralIdentifier, DisconnectReason)) {
	cm.disconnectCbsMu.Lock()
	cm.disconnectCbs = append(cm.disconnectCbs, cb)
	cm.disconnectCbsMu.Unlock()
}

// fireDisconnect invokes every registered disconnection callback once, then
// clears the registrations: a subsequent reconnect-and-disconnect on the
// same Transport never re-fires a stale callback.
func (cm *connectionManager) fireDisconnect(p PeripheralIdentifier, reason DisconnectReason) {
	cm.disconnectCbsMu.Lock()
	cbs := cm.disconnectCbs
	cm.disconnectCbs = nil
	cm.disconnectCbsMu.Unlock()
	for _, cb := range cbs {
		cb(p, reason)
	}
}

// Scan starts a discovery that runs until ctx is done, timeout elapses, or
// the caller reads enough from the returned channel and cancels. Scan
// errors do not come back as a return value: they surface as the single
// value (if any) sent on the returned termination channel before it closes.
// That value is ErrScanTimedOut if timeout elapses with nothing discovered,
// or an ErrScan wrapping whatever the stack reported.
func (cm *connectionManager) Scan(ctx context.Context, timeout time.Duration) (<-chan DiscoveredPeripheral, <-chan error, error) {
	svcUUIDs := catalogue.ServiceUUIDs(cm.cfg.families())
	scanCtx, cancel := context.WithTimeout(ctx, timeout)

	raw, rawErr, err := cm.stack.StartScan(scanCtx, svcUUIDs)
	if err != nil {
		cancel()
		return nil, nil, ErrBluetoothNotAvailable(err.Error())
	}

	out := make(chan DiscoveredPeripheral)
	term := make(chan error, 1)
	go func() {
		defer cancel()
		defer close(out)
		defer close(term)
		discovered := false
		for {
			select {
			case <-scanCtx.Done():
				if !discovered && scanCtx.Err() == context.DeadlineExceeded {
					term <- ErrScanTimedOut()
				}
				return
			case stackErr, ok := <-rawErr:
				if !ok {
					rawErr = nil
					continue
				}
				if stackErr != nil {
					term <- ErrScan("scan terminated by stack error", stackErr)
					return
				}
			case dp, ok := <-raw:
				if !ok {
					return
				}
				discovered = true
				select {
				case out <- dp:
				case <-scanCtx.Done():
					return
				}
			}
		}
	}()
	return out, term, nil
}

// StopScan stops any scan started by Scan.
func (cm *connectionManager) StopScan() {
	cm.stack.StopScan()
}

// Connect drives a discovered peripheral through connect, service/
// characteristic discovery, notify subscription, and MTU negotiation, in
// that order, leaving the session in StateConnected on success.
func (cm *connectionManager) Connect(ctx context.Context, p PeripheralIdentifier, family catalogue.Entry) (*session, error) {
	cm.mu.Lock()
	if cm.session != nil {
		cm.mu.Unlock()
		return nil, ErrCurrentConnected("a session is already active; disconnect first")
	}
	s := newSession(p, family)
	cm.session = s
	cm.mu.Unlock()

	// Each stage gets its own StageTimeout deadline.
	stageCtx, cancel := context.WithTimeout(ctx, cm.cfg.StageTimeout)
	defer cancel()

	if err := cm.stack.Connect(stageCtx, p, func(reason DisconnectReason) {
		cm.handleUnexpectedDisconnect(s, reason)
	}); err != nil {
		cm.clearSession()
		return nil, ErrConnect("gatt connect failed", err)
	}

	s.setState(StateDiscoveringServices)
	stageCtx, cancel = context.WithTimeout(ctx, cm.cfg.StageTimeout)
	defer cancel()
	if err := cm.stack.DiscoverServices(stageCtx, p, family.Service); err != nil {
		cm.teardownFailed(stageCtx, s)
		return nil, ErrConnect("service discovery failed", err)
	}
	chars := []uuid.UUID{family.Notify, family.WriteWithResponse, family.WriteWithoutResponse}
	if err := cm.stack.DiscoverCharacteristics(stageCtx, p, family.Service, chars); err != nil {
		cm.teardownFailed(stageCtx, s)
		return nil, ErrConnect("characteristic discovery failed", err)
	}

	s.setState(StateSubscribingNotify)
	stageCtx, cancel = context.WithTimeout(ctx, cm.cfg.StageTimeout)
	defer cancel()
	if err := cm.stack.EnableNotify(stageCtx, p, family.Notify); err != nil {
		cm.teardownFailed(stageCtx, s)
		return nil, ErrListen("enable notify failed", err)
	}

	s.setState(StateNegotiatingMTU)
	stageCtx, cancel = context.WithTimeout(ctx, cm.cfg.StageTimeout)
	defer cancel()
	mtu, err := cm.negotiateMTU(stageCtx, s)
	if err != nil {
		cm.teardownFailed(stageCtx, s)
		return nil, err
	}
	s.setMTU(mtu)

	s.setState(StateConnected)
	log.Printf("CONN: connected to %s (family %s, mtu %d)", p.displayName(), family.Family, mtu)
	return s, nil
}

// negotiateMTU writes the fixed MTU probe command and parses the device's
// single notify response: bytes 0-4 echo the command, byte 5 is the MTU.
func (cm *connectionManager) negotiateMTU(ctx context.Context, s *session) (int, error) {
	notifications := cm.stack.Notifications(s.peripheral)
	frame := apdu.InferMTU.Frames(apduDefaultMTU)[0]

	if err := cm.stack.WriteCharacteristic(ctx, s.peripheral, s.family.WriteWithResponse, frame, true); err != nil {
		return 0, ErrPairing("mtu probe write failed", err)
	}

	select {
	case ev, ok := <-notifications:
		if !ok {
			return 0, ErrPairing("notify channel closed before mtu response", nil)
		}
		if len(ev.Data) < 6 {
			return 0, ErrPairing(fmt.Sprintf("mtu response too short: %d bytes", len(ev.Data)), nil)
		}
		mtu := int(ev.Data[5])
		if mtu < apdu.MinMTU || mtu > apdu.MaxMTU {
			return 0, ErrPairing(fmt.Sprintf("mtu %d out of range [%d,%d]", mtu, apdu.MinMTU, apdu.MaxMTU), nil)
		}
		return mtu, nil
	case <-ctx.Done():
		return 0, ErrPairing("mtu negotiation timed out", ctx.Err())
	}
}

func (cm *connectionManager) handleUnexpectedDisconnect(s *session, reason DisconnectReason) {
	s.abort()
	s.setState(StateIdle)
	cm.clearSessionIfCurrent(s)
	cm.fireDisconnect(s.peripheral, reason)
}

func (cm *connectionManager) teardownFailed(ctx context.Context, s *session) {
	_ = cm.stack.Disconnect(ctx, s.peripheral)
	cm.clearSessionIfCurrent(s)
}

func (cm *connectionManager) clearSession() {
	cm.mu.Lock()
	cm.session = nil
	cm.mu.Unlock()
}

func (cm *connectionManager) clearSessionIfCurrent(s *session) {
	cm.mu.Lock()
	if cm.session == s {
		cm.session = nil
	}
	cm.mu.Unlock()
}

// Disconnect tears down the session. If an exchange is in flight, the
// teardown is deferred until that exchange resolves.
func (cm *connectionManager) Disconnect(ctx context.Context) error {
	cm.mu.Lock()
	s := cm.session
	cm.mu.Unlock()
	if s == nil {
		return nil
	}

	if s.isExchangeActive() {
		s.requestDeferredDisconnect()
		return nil
	}
	return cm.finishDisconnect(ctx, s)
}

func (cm *connectionManager) finishDisconnect(ctx context.Context, s *session) error {
	s.setState(StateDisconnecting)
	err := cm.stack.Disconnect(ctx, s.peripheral)
	cm.clearSessionIfCurrent(s)
	s.setState(StateIdle)
	if err != nil {
		return ErrLowerLevel("disconnect failed", err)
	}
	cm.fireDisconnect(s.peripheral, DisconnectRequested)
	return nil
}

// maybeFinishDeferredDisconnect is called by the exchange engine after an
// exchange resolves, to honor a disconnect request that arrived mid-flight.
func (cm *connectionManager) maybeFinishDeferredDisconnect(ctx context.Context, s *session) {
	if s.consumeDeferredDisconnect() {
		_ = cm.finishDisconnect(ctx, s)
	}
}

// CurrentSession returns the active session, or nil if idle.
func (cm *connectionManager) CurrentSession() *session {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.session
}
