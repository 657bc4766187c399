package transport

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/bleapdu/transport/catalogue"
)

// fakeStack is a minimal, deterministic Stack used to exercise the
// connection manager and exchange engine without a real BLE adapter.
type fakeStack struct {
	mu            sync.Mutex
	peripheral    PeripheralIdentifier
	family        catalogue.Entry
	notifyCh      chan NotificationEvent
	adapterEvents chan AdapterEvent
	scanResults   []DiscoveredPeripheral

	onDisconnect func(DisconnectReason)

	// writes records every write made, for assertions.
	writes [][]byte

	// responder, if set, is invoked after each write to synthesize a notify
	// response (used to script MTU negotiation and exchange responses).
	responder func(written []byte) []NotificationEvent
}

func newFakeStack(p PeripheralIdentifier, family catalogue.Entry) *fakeStack {
	return &fakeStack{
		peripheral:    p,
		family:        family,
		notifyCh:      make(chan NotificationEvent, 16),
		adapterEvents: make(chan AdapterEvent, 1),
		scanResults:   []DiscoveredPeripheral{{Peripheral: p, Family: family.Family}},
	}
}

func (f *fakeStack) StartScan(ctx context.Context, serviceUUIDs []uuid.UUID) (<-chan DiscoveredPeripheral, <-chan error, error) {
	out := make(chan DiscoveredPeripheral, len(f.scanResults))
	for _, r := range f.scanResults {
		out <- r
	}
	close(out)
	errCh := make(chan error)
	close(errCh)
	return out, errCh, nil
}

func (f *fakeStack) StopScan() {}

func (f *fakeStack) Connect(ctx context.Context, p PeripheralIdentifier, onDisconnect func(DisconnectReason)) error {
	f.mu.Lock()
	f.onDisconnect = onDisconnect
	f.mu.Unlock()
	return nil
}

func (f *fakeStack) Disconnect(ctx context.Context, p PeripheralIdentifier) error { return nil }

func (f *fakeStack) DiscoverServices(ctx context.Context, p PeripheralIdentifier, service uuid.UUID) error {
	return nil
}

func (f *fakeStack) DiscoverCharacteristics(ctx context.Context, p PeripheralIdentifier, service uuid.UUID, chars []uuid.UUID) error {
	return nil
}

func (f *fakeStack) EnableNotify(ctx context.Context, p PeripheralIdentifier, char uuid.UUID) error {
	return nil
}

func (f *fakeStack) Notifications(p PeripheralIdentifier) <-chan NotificationEvent {
	return f.notifyCh
}

func (f *fakeStack) WriteCharacteristic(ctx context.Context, p PeripheralIdentifier, char uuid.UUID, data []byte, withResponse bool) error {
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	responder := f.responder
	f.mu.Unlock()

	if responder != nil {
		for _, ev := range responder(data) {
			f.notifyCh <- ev
		}
	}
	return nil
}

func (f *fakeStack) AdapterEvents() <-chan AdapterEvent { return f.adapterEvents }

// triggerUnexpectedDisconnect invokes the onDisconnect callback Connect was
// given, simulating the peripheral dropping the link on its own.
func (f *fakeStack) triggerUnexpectedDisconnect() {
	f.mu.Lock()
	cb := f.onDisconnect
	f.mu.Unlock()
	if cb != nil {
		cb(DisconnectUnexpected)
	}
}

// mtuResponder scripts a fixed MTU negotiation response: echo the 5-byte
// probe command, then append the given MTU as a single byte.
func mtuResponder(mtu byte) func([]byte) []NotificationEvent {
	return func(written []byte) []NotificationEvent {
		resp := append(append([]byte(nil), written...), mtu)
		return []NotificationEvent{{Data: resp}}
	}
}

// singleFrameResponder scripts one BLE frame carrying status word 0x9000
// after every write it sees (tests install it only after the MTU probe has
// been answered by mtuResponder).
func singleFrameResponder(body []byte) func([]byte) []NotificationEvent {
	return func(written []byte) []NotificationEvent {
		payload := append(append([]byte(nil), body...), 0x90, 0x00)
		frame := make([]byte, 5+len(payload))
		frame[0] = 0x05
		binary.BigEndian.PutUint16(frame[1:3], 0)
		binary.BigEndian.PutUint16(frame[3:5], uint16(len(payload)))
		copy(frame[5:], payload)
		return []NotificationEvent{{Data: frame}}
	}
}
