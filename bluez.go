package main

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName       = "org.bluez"
	adapterPath   = "/org/bluez/hci0"
	adapterIface  = "org.bluez.Adapter1"
	deviceIface   = "org.bluez.Device1"
	propsIface    = "org.freedesktop.DBus.Properties"
	objectManager = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func deviceObjectPath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(adapterPath + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	prefix := adapterPath + "/dev_"
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

// parseBDAddr parses a Bluetooth address into the little-endian byte order
// the kernel expects in socket addresses.
func parseBDAddr(addr string) ([6]uint8, error) {
	var bd [6]uint8
	hw, err := net.ParseMAC(addr)
	if err != nil {
		return bd, err
	}
	if len(hw) != 6 {
		return bd, fmt.Errorf("%q is not a 48-bit address", addr)
	}
	for i := range bd {
		bd[i] = hw[5-i]
	}
	return bd, nil
}

// knownDevice is a device BlueZ has a record of.
type knownDevice struct {
	Address   string `json:"address"`
	Name      string `json:"name,omitempty"`
	Paired    bool   `json:"paired"`
	Connected bool   `json:"connected"`
	RSSI      *int16 `json:"rssi,omitempty"`
}

// bluez wraps a system D-Bus connection for BlueZ operations.
type bluez struct {
	conn *dbus.Conn
}

func newBluez() (*bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}
	return &bluez{conn: conn}, nil
}

func (b *bluez) close() {
	b.conn.Close()
}

// --- property helpers ---

func (b *bluez) getProp(path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := b.conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *bluez) getBool(path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func (b *bluez) getString(path dbus.ObjectPath, iface, prop string) (string, error) {
	v, err := b.getProp(path, iface, prop)
	if err != nil {
		return "", err
	}
	val, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("property %s is not string", prop)
	}
	return val, nil
}

// --- adapter ---

func (b *bluez) adapterPowered() (bool, error) {
	return b.getBool(adapterPath, adapterIface, "Powered")
}

// --- device ---

// IsAlive reports the Connected property of the device. A powered-off
// adapter or an unknown device reads as not alive.
func (b *bluez) IsAlive(id DeviceIdentity) bool {
	powered, err := b.adapterPowered()
	if err != nil || !powered {
		return false
	}
	connected, err := b.getBool(deviceObjectPath(id.Address), deviceIface, "Connected")
	return err == nil && connected
}

// lookupName returns the alias BlueZ shows for the device, or "".
func (b *bluez) lookupName(addr string) string {
	name, err := b.getString(deviceObjectPath(addr), deviceIface, "Alias")
	if err != nil {
		return ""
	}
	return name
}

func (b *bluez) listDevices() ([]knownDevice, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := b.conn.Object(busName, "/").Call(objectManager, 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}
	return devicesFromObjects(objects), nil
}

func devicesFromObjects(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) []knownDevice {
	var out []knownDevice
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok {
			continue
		}
		d := knownDevice{Address: macFromPath(path)}
		if v, ok := props["Address"].Value().(string); ok {
			d.Address = v
		}
		if d.Address == "" {
			continue
		}
		if v, ok := props["Alias"].Value().(string); ok {
			d.Name = v
		}
		d.Paired, _ = props["Paired"].Value().(bool)
		d.Connected, _ = props["Connected"].Value().(bool)
		if v, ok := props["RSSI"].Value().(int16); ok {
			d.RSSI = &v
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
