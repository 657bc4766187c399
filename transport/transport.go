// Package transport implements the BLE APDU exchange core: device
// discovery, connection lifecycle, MTU negotiation, and the single-in-flight
// request/response pipeline used to talk to a connected hardware wallet.
package transport

import (
	"context"
	"time"

	"github.com/bleapdu/transport/apdu"
	"github.com/bleapdu/transport/catalogue"
)

// Transport is the library's main entry point: one Transport talks to at
// most one connected peripheral at a time.
type Transport struct {
	cfg Config
	cm  *connectionManager
	eng *exchangeEngine
}

// New constructs a Transport bound to the given BLE stack.
func New(cfg Config, stack Stack) *Transport {
	cm := newConnectionManager(cfg, stack)
	return &Transport{
		cfg: cfg,
		cm:  cm,
		eng: newExchangeEngine(cm, stack),
	}
}

// Scan starts scanning for peripherals matching the transport's configured
// families, for up to timeout. The discovery channel closes when the scan
// ends; the termination channel carries at most one error explaining why
// (ErrScanTimedOut, or a wrapped stack error) before it too closes.
func (t *Transport) Scan(ctx context.Context, timeout time.Duration) (<-chan DiscoveredPeripheral, <-chan error, error) {
	if timeout <= 0 {
		timeout = t.cfg.ScanTimeout
	}
	return t.cm.Scan(ctx, timeout)
}

// StopScan stops any scan in progress.
func (t *Transport) StopScan() { t.cm.StopScan() }

// ConnectByID connects directly to a peripheral already identified by a
// prior scan, along with the family it was matched against.
func (t *Transport) ConnectByID(ctx context.Context, p PeripheralIdentifier, family catalogue.Family) error {
	_, err := t.cm.Connect(ctx, p, entryForFamily(family))
	return err
}

// ConnectByName scans until a peripheral with the given advertised name
// appears, then connects to it. Ambiguity among simultaneously discovered
// peripherals with the same name is resolved by first-seen order.
func (t *Transport) ConnectByName(ctx context.Context, name string) error {
	ch, term, err := t.Scan(ctx, t.cfg.ScanTimeout)
	if err != nil {
		return err
	}
	for dp := range ch {
		if dp.Peripheral.Name == name {
			t.StopScan()
			_, err := t.cm.Connect(ctx, dp.Peripheral, entryForFamily(dp.Family))
			return err
		}
	}
	if scanErr := <-term; scanErr != nil {
		return scanErr
	}
	return ErrScanTimedOut()
}

// Create scans and connects to the first matching peripheral, regardless of
// name.
func (t *Transport) Create(ctx context.Context) error {
	ch, term, err := t.Scan(ctx, t.cfg.ScanTimeout)
	if err != nil {
		return err
	}
	for dp := range ch {
		t.StopScan()
		_, err := t.cm.Connect(ctx, dp.Peripheral, entryForFamily(dp.Family))
		return err
	}
	if scanErr := <-term; scanErr != nil {
		return scanErr
	}
	return ErrScanTimedOut()
}

func entryForFamily(f catalogue.Family) catalogue.Entry {
	for _, e := range catalogue.All() {
		if e.Family == f {
			return e
		}
	}
	return catalogue.Entry{}
}

// Disconnect tears down the active session, deferring until any in-flight
// exchange resolves.
func (t *Transport) Disconnect(ctx context.Context) error {
	return t.cm.Disconnect(ctx)
}

// State reports the current lifecycle state, or StateIdle if no session is
// active.
func (t *Transport) State() State {
	s := t.cm.CurrentSession()
	if s == nil {
		return StateIdle
	}
	return s.snapshotState()
}

// Exchange sends a and waits for the reassembled response.
func (t *Transport) Exchange(ctx context.Context, a apdu.APDU) ([]byte, error) {
	s := t.cm.CurrentSession()
	if s == nil {
		return nil, ErrCurrentConnected("no active session")
	}
	return t.eng.Exchange(ctx, s, a)
}

// Send writes a without awaiting a response.
func (t *Transport) Send(ctx context.Context, a apdu.APDU) error {
	s := t.cm.CurrentSession()
	if s == nil {
		return ErrCurrentConnected("no active session")
	}
	return t.eng.Send(ctx, s, a)
}

// ExchangeAsync is the callback-style mirror of Exchange: it spawns the
// blocking call and routes its result to cb.
func (t *Transport) ExchangeAsync(ctx context.Context, a apdu.APDU, cb func([]byte, error)) {
	go func() {
		resp, err := t.Exchange(ctx, a)
		cb(resp, err)
	}()
}

// ConnectAsync is the callback-style mirror of ConnectByID.
func (t *Transport) ConnectAsync(ctx context.Context, p PeripheralIdentifier, family catalogue.Family, cb func(error)) {
	go func() {
		cb(t.ConnectByID(ctx, p, family))
	}()
}

// OnBluetoothAvailability registers a callback invoked whenever the host
// adapter's availability changes.
func (t *Transport) OnBluetoothAvailability(cb func(AdapterEvent)) {
	t.cm.OnBluetoothAvailability(cb)
}

// OnDisconnect registers a callback invoked at most once per disconnection
// event, whether caller-requested or peripheral-initiated.
func (t *Transport) OnDisconnect(cb func(PeripheralIdentifier, DisconnectReason)) {
	t.cm.OnDisconnect(cb)
}
