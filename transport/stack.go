package transport

import (
	"context"

	"github.com/google/uuid"
)

// Stack is the external BLE/GATT surface the core transport consumes. A
// concrete implementation (dbusstack.Stack is the default one, backed by
// BlueZ over D-Bus) adapts a real BLE central to this interface; tests use a
// fake.
type Stack interface {
	// StartScan begins scanning for advertisements whose service UUID is in
	// serviceUUIDs. Discoveries are delivered on the first returned channel
	// until ctx is cancelled or StopScan is called. The second channel
	// carries at most one terminal error from the stack (a poll failure, a
	// lost adapter, etc.) before it closes; a scan that ends cleanly closes
	// it with nothing sent.
	StartScan(ctx context.Context, serviceUUIDs []uuid.UUID) (<-chan DiscoveredPeripheral, <-chan error, error)
	StopScan()

	// Connect establishes a GATT connection to the peripheral. onDisconnect
	// is invoked at most once, with the reason, if the stack tears the
	// connection down on its own.
	Connect(ctx context.Context, p PeripheralIdentifier, onDisconnect func(DisconnectReason)) error
	Disconnect(ctx context.Context, p PeripheralIdentifier) error

	// DiscoverServices and DiscoverCharacteristics resolve GATT handles for
	// the UUIDs the device catalogue names. They return an error if the
	// peripheral does not expose a requested UUID.
	DiscoverServices(ctx context.Context, p PeripheralIdentifier, service uuid.UUID) error
	DiscoverCharacteristics(ctx context.Context, p PeripheralIdentifier, service uuid.UUID, chars []uuid.UUID) error

	// EnableNotify subscribes to a characteristic; subsequent notifications
	// are delivered on the channel returned by Notifications.
	EnableNotify(ctx context.Context, p PeripheralIdentifier, char uuid.UUID) error
	Notifications(p PeripheralIdentifier) <-chan NotificationEvent

	// WriteCharacteristic performs a single GATT write. withResponse selects
	// write-with-response vs. write-without-response semantics.
	WriteCharacteristic(ctx context.Context, p PeripheralIdentifier, char uuid.UUID, data []byte, withResponse bool) error

	// AdapterEvents delivers host-adapter-level availability transitions,
	// independent of any specific peripheral session.
	AdapterEvents() <-chan AdapterEvent
}
