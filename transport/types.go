package transport

import (
	"time"

	"github.com/google/uuid"

	"github.com/bleapdu/transport/catalogue"
)

// PeripheralIdentifier identifies a physical peripheral. Its identity is the
// UUID, returned by Key; Name is display metadata that may change across
// advertisements of the same device. Comparing two values with == (or using
// the struct as a map key) compares Name as well as UUID.
type PeripheralIdentifier struct {
	UUID uuid.UUID
	Name string
}

// Key returns the value PeripheralIdentifier equality and hashing should be
// based on: the UUID alone.
func (p PeripheralIdentifier) Key() uuid.UUID { return p.UUID }

func (p PeripheralIdentifier) displayName() string {
	if p.Name == "" {
		return "(unnamed device)"
	}
	return p.Name
}

// DiscoveredPeripheral is one entry in a scan result set.
type DiscoveredPeripheral struct {
	Peripheral   PeripheralIdentifier
	Family       catalogue.Family
	RSSI         int16
	DiscoveredAt time.Time
}

// AdapterEventKind enumerates the BLE-stack-level events the core reacts to.
type AdapterEventKind int

const (
	AdapterPoweredOn AdapterEventKind = iota
	AdapterPoweredOff
	AdapterUnauthorized
	AdapterUnsupported
	AdapterResetting
	AdapterUnknown
)

// AdapterEvent is a tagged sum type describing a stack-level state
// transition, replacing the ad-hoc dynamic callback payloads a looser BLE
// binding would hand the caller.
type AdapterEvent struct {
	Kind AdapterEventKind
}

// NotificationEvent is one inbound (characteristic, bytes) delivery from the
// BLE stack.
type NotificationEvent struct {
	Characteristic uuid.UUID
	Data           []byte
}

// DisconnectReason distinguishes a caller-requested teardown from one the
// peripheral (or the stack) initiated unexpectedly.
type DisconnectReason int

const (
	DisconnectRequested DisconnectReason = iota
	DisconnectUnexpected
)
