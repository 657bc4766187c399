// Package dbusstack is the default transport.Stack implementation for
// Linux, backed by BlueZ's GATT API over D-Bus.
package dbusstack

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/bleapdu/transport/transport"
)

const (
	busName             = "org.bluez"
	adapterInterface    = "org.bluez.Adapter1"
	deviceInterface     = "org.bluez.Device1"
	charInterface       = "org.bluez.GattCharacteristic1"
	propertiesInterface = "org.freedesktop.DBus.Properties"
	objectManagerPath   = "/"
)

// Stack implements transport.Stack over a system D-Bus connection to BlueZ,
// mirroring the method-call and signal-subscription patterns a BlueZ
// central client uses to drive scanning, connection, and GATT I/O.
type Stack struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath

	mu            sync.Mutex
	devicePaths   map[string]dbus.ObjectPath // peripheral UUID string -> device object path
	charPaths     map[string]dbus.ObjectPath // "peripheralUUID/charUUID" -> characteristic object path
	notifyChans   map[string]chan transport.NotificationEvent

	adapterEvents chan transport.AdapterEvent
	health        *healthMonitor

	scanCancel context.CancelFunc
}

// New connects to the system bus and returns a Stack bound to the first
// available Bluetooth adapter.
func New() (*Stack, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("dbusstack: connect to system bus: %w", err)
	}
	adapterPath, err := findAdapter(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	s := &Stack{
		conn:          conn,
		adapterPath:   adapterPath,
		devicePaths:   map[string]dbus.ObjectPath{},
		charPaths:     map[string]dbus.ObjectPath{},
		notifyChans:   map[string]chan transport.NotificationEvent{},
		adapterEvents: make(chan transport.AdapterEvent, 8),
	}
	s.health = newHealthMonitor(s.adapterEvents)
	s.health.start()
	s.watchPropertiesChanged()
	return s, nil
}

func findAdapter(conn *dbus.Conn) (dbus.ObjectPath, error) {
	obj := conn.Object(busName, objectManagerPath)
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return "", fmt.Errorf("dbusstack: GetManagedObjects: %w", err)
	}
	for path, ifaces := range managed {
		if _, ok := ifaces[adapterInterface]; ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("dbusstack: no bluetooth adapter found")
}

// maxConsecutiveScanFailures bounds how many consecutive GetManagedObjects
// failures pollDiscoveries tolerates before reporting the scan as dead.
const maxConsecutiveScanFailures = 3

func (s *Stack) StartScan(ctx context.Context, serviceUUIDs []uuid.UUID) (<-chan transport.DiscoveredPeripheral, <-chan error, error) {
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if len(serviceUUIDs) > 0 {
		uuids := make([]string, len(serviceUUIDs))
		for i, u := range serviceUUIDs {
			uuids[i] = strings.ToUpper(u.String())
		}
		filter["UUIDs"] = dbus.MakeVariant(uuids)
	}
	adapter := s.conn.Object(busName, s.adapterPath)
	if err := adapter.Call(adapterInterface+".SetDiscoveryFilter", 0, filter).Store(); err != nil {
		return nil, nil, fmt.Errorf("dbusstack: SetDiscoveryFilter: %w", err)
	}
	if err := adapter.Call(adapterInterface+".StartDiscovery", 0).Store(); err != nil {
		return nil, nil, fmt.Errorf("dbusstack: StartDiscovery: %w", err)
	}

	scanCtx, cancel := context.WithCancel(ctx)
	s.scanCancel = cancel

	out := make(chan transport.DiscoveredPeripheral)
	errCh := make(chan error, 1)
	go s.pollDiscoveries(scanCtx, serviceUUIDs, out, errCh)
	return out, errCh, nil
}

func (s *Stack) pollDiscoveries(ctx context.Context, serviceUUIDs []uuid.UUID, out chan<- transport.DiscoveredPeripheral, errCh chan<- error) {
	defer close(out)
	defer close(errCh)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	seen := map[string]bool{}
	consecutiveFailures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			devices, err := s.listDevices()
			if err != nil {
				consecutiveFailures++
				log.Printf("BLE: discovery poll failed: %v", err)
				if consecutiveFailures >= maxConsecutiveScanFailures {
					errCh <- err
					return
				}
				continue
			}
			consecutiveFailures = 0
			for _, d := range devices {
				key := d.Peripheral.UUID.String()
				if seen[key] {
					continue
				}
				seen[key] = true
				s.mu.Lock()
				s.devicePaths[key] = d.objectPath
				s.mu.Unlock()
				select {
				case out <- d.DiscoveredPeripheral:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

type discoveredWithPath struct {
	transport.DiscoveredPeripheral
	objectPath dbus.ObjectPath
}

func (s *Stack) listDevices() ([]discoveredWithPath, error) {
	obj := s.conn.Object(busName, objectManagerPath)
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, err
	}
	var out []discoveredWithPath
	for path, ifaces := range managed {
		dev, ok := ifaces[deviceInterface]
		if !ok {
			continue
		}
		addr, _ := dev["Address"].Value().(string)
		name, _ := dev["Name"].Value().(string)
		id := uuid.NewSHA1(uuid.NameSpaceOID, []byte(addr))
		out = append(out, discoveredWithPath{
			DiscoveredPeripheral: transport.DiscoveredPeripheral{
				Peripheral: transport.PeripheralIdentifier{UUID: id, Name: name},
			},
			objectPath: path,
		})
	}
	return out, nil
}

func (s *Stack) StopScan() {
	if s.scanCancel != nil {
		s.scanCancel()
	}
	adapter := s.conn.Object(busName, s.adapterPath)
	_ = adapter.Call(adapterInterface+".StopDiscovery", 0).Store()
}

func (s *Stack) Connect(ctx context.Context, p transport.PeripheralIdentifier, onDisconnect func(transport.DisconnectReason)) error {
	path, ok := s.lookupDevicePath(p)
	if !ok {
		return fmt.Errorf("dbusstack: unknown peripheral %s", p.UUID)
	}
	dev := s.conn.Object(busName, path)
	if err := dev.Call(deviceInterface+".Connect", 0).Store(); err != nil {
		return fmt.Errorf("dbusstack: Connect: %w", err)
	}
	s.watchDeviceDisconnect(path, onDisconnect)
	return nil
}

func (s *Stack) Disconnect(ctx context.Context, p transport.PeripheralIdentifier) error {
	path, ok := s.lookupDevicePath(p)
	if !ok {
		return nil
	}
	dev := s.conn.Object(busName, path)
	return dev.Call(deviceInterface+".Disconnect", 0).Store()
}

func (s *Stack) DiscoverServices(ctx context.Context, p transport.PeripheralIdentifier, service uuid.UUID) error {
	// BlueZ resolves GATT objects automatically after Connect; this call
	// confirms the service is present among the managed objects.
	_, ok := s.findServicePath(p, service)
	if !ok {
		return fmt.Errorf("dbusstack: service %s not found on device", service)
	}
	return nil
}

func (s *Stack) DiscoverCharacteristics(ctx context.Context, p transport.PeripheralIdentifier, service uuid.UUID, chars []uuid.UUID) error {
	for _, c := range chars {
		path, ok := s.findCharacteristicPath(p, c)
		if !ok {
			return fmt.Errorf("dbusstack: characteristic %s not found", c)
		}
		s.mu.Lock()
		s.charPaths[charKey(p, c)] = path
		s.mu.Unlock()
	}
	return nil
}

func (s *Stack) EnableNotify(ctx context.Context, p transport.PeripheralIdentifier, char uuid.UUID) error {
	path, ok := s.charPath(p, char)
	if !ok {
		return fmt.Errorf("dbusstack: characteristic %s not discovered", char)
	}
	obj := s.conn.Object(busName, path)
	if err := obj.Call(charInterface+".StartNotify", 0).Store(); err != nil {
		return fmt.Errorf("dbusstack: StartNotify: %w", err)
	}

	ch := make(chan transport.NotificationEvent, 32)
	s.mu.Lock()
	s.notifyChans[p.UUID.String()] = ch
	s.mu.Unlock()

	sigCh := make(chan *dbus.Signal, 32)
	s.conn.Signal(sigCh)
	go func() {
		for sig := range sigCh {
			if sig.Path != path || sig.Name != propertiesInterface+".PropertiesChanged" {
				continue
			}
			if len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			v, ok := changed["Value"]
			if !ok {
				continue
			}
			data, ok := v.Value().([]byte)
			if !ok {
				continue
			}
			ch <- transport.NotificationEvent{Characteristic: char, Data: data}
		}
	}()
	return nil
}

func (s *Stack) Notifications(p transport.PeripheralIdentifier) <-chan transport.NotificationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.notifyChans[p.UUID.String()]; ok {
		return ch
	}
	ch := make(chan transport.NotificationEvent)
	s.notifyChans[p.UUID.String()] = ch
	return ch
}

func (s *Stack) WriteCharacteristic(ctx context.Context, p transport.PeripheralIdentifier, char uuid.UUID, data []byte, withResponse bool) error {
	path, ok := s.charPath(p, char)
	if !ok {
		return fmt.Errorf("dbusstack: characteristic %s not discovered", char)
	}
	opts := map[string]interface{}{}
	if withResponse {
		opts["type"] = "request"
	} else {
		opts["type"] = "command"
	}
	obj := s.conn.Object(busName, path)
	return obj.Call(charInterface+".WriteValue", 0, data, opts).Store()
}

func (s *Stack) AdapterEvents() <-chan transport.AdapterEvent {
	return s.adapterEvents
}

func (s *Stack) watchDeviceDisconnect(path dbus.ObjectPath, onDisconnect func(transport.DisconnectReason)) {
	sigCh := make(chan *dbus.Signal, 8)
	s.conn.Signal(sigCh)
	go func() {
		for sig := range sigCh {
			if sig.Path != path || sig.Name != propertiesInterface+".PropertiesChanged" {
				continue
			}
			if len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if connected, ok := changed["Connected"]; ok {
				if v, _ := connected.Value().(bool); !v {
					onDisconnect(transport.DisconnectUnexpected)
					return
				}
			}
		}
	}()
}

func (s *Stack) watchPropertiesChanged() {
	sigCh := make(chan *dbus.Signal, 8)
	s.conn.Signal(sigCh)
	go func() {
		for sig := range sigCh {
			if sig.Path != s.adapterPath || sig.Name != propertiesInterface+".PropertiesChanged" {
				continue
			}
			if len(sig.Body) < 2 {
				continue
			}
			changed, ok := sig.Body[1].(map[string]dbus.Variant)
			if !ok {
				continue
			}
			if powered, ok := changed["Powered"]; ok {
				v, _ := powered.Value().(bool)
				if v {
					s.adapterEvents <- transport.AdapterEvent{Kind: transport.AdapterPoweredOn}
				} else {
					s.adapterEvents <- transport.AdapterEvent{Kind: transport.AdapterPoweredOff}
				}
			}
		}
	}()
}

func (s *Stack) lookupDevicePath(p transport.PeripheralIdentifier) (dbus.ObjectPath, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.devicePaths[p.UUID.String()]
	return path, ok
}

func (s *Stack) findServicePath(p transport.PeripheralIdentifier, service uuid.UUID) (dbus.ObjectPath, bool) {
	devPath, ok := s.lookupDevicePath(p)
	if !ok {
		return "", false
	}
	obj := s.conn.Object(busName, objectManagerPath)
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return "", false
	}
	for path, ifaces := range managed {
		svc, ok := ifaces["org.bluez.GattService1"]
		if !ok || !strings.HasPrefix(string(path), string(devPath)) {
			continue
		}
		u, _ := svc["UUID"].Value().(string)
		if strings.EqualFold(u, service.String()) {
			return path, true
		}
	}
	return "", false
}

func (s *Stack) findCharacteristicPath(p transport.PeripheralIdentifier, char uuid.UUID) (dbus.ObjectPath, bool) {
	devPath, ok := s.lookupDevicePath(p)
	if !ok {
		return "", false
	}
	obj := s.conn.Object(busName, objectManagerPath)
	var managed map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return "", false
	}
	for path, ifaces := range managed {
		c, ok := ifaces[charInterface]
		if !ok || !strings.HasPrefix(string(path), string(devPath)) {
			continue
		}
		u, _ := c["UUID"].Value().(string)
		if strings.EqualFold(u, char.String()) {
			return path, true
		}
	}
	return "", false
}

func (s *Stack) charPath(p transport.PeripheralIdentifier, char uuid.UUID) (dbus.ObjectPath, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, ok := s.charPaths[charKey(p, char)]
	return path, ok
}

func charKey(p transport.PeripheralIdentifier, char uuid.UUID) string {
	return p.UUID.String() + "/" + char.String()
}

// Close releases the underlying D-Bus connection and stops the health
// monitor.
func (s *Stack) Close() error {
	s.health.stop()
	return s.conn.Close()
}
