package bluez

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

// BlueZ D-Bus names.
const (
	bluezBus      = "org.bluez"
	bluezRoot     = dbus.ObjectPath("/org/bluez")
	ifaceAdapter  = "org.bluez.Adapter1"
	ifaceDevice   = "org.bluez.Device1"
	ifaceGattChar = "org.bluez.GattCharacteristic1"

	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"

	signalInterfacesAdded   = ifaceObjectManager + ".InterfacesAdded"
	signalInterfacesRemoved = ifaceObjectManager + ".InterfacesRemoved"
	signalPropertiesChanged = ifaceProperties + ".PropertiesChanged"
)

// managedObjects is the result of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// characteristic is a GATT characteristic found under a device.
type characteristic struct {
	path  dbus.ObjectPath
	flags []string
}

// writeType returns the WriteValue "type" option for the characteristic.
func (c characteristic) writeType() string {
	for _, f := range c.flags {
		if f == "write-without-response" {
			return "command"
		}
	}
	return "request"
}

// variantValue extracts a typed property value.
func variantValue[T any](props map[string]dbus.Variant, name string) (T, bool) {
	var zero T
	v, ok := props[name]
	if !ok {
		return zero, false
	}
	out, ok := v.Value().(T)
	return out, ok
}

// adapterFrom builds an Adapter from an Adapter1 object.
func adapterFrom(p dbus.ObjectPath, props map[string]dbus.Variant) bluetooth.Adapter {
	a := bluetooth.Adapter{ID: string(p), Name: path.Base(string(p))}
	if addr, ok := variantValue[string](props, "Address"); ok {
		a.Address = addr
	}
	return a
}

// adaptersFrom lists every Adapter1 object, sorted by path.
func adaptersFrom(objs managedObjects) []bluetooth.Adapter {
	var out []bluetooth.Adapter
	for p, ifaces := range objs {
		if props, ok := ifaces[ifaceAdapter]; ok {
			out = append(out, adapterFrom(p, props))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// devicePath returns the object path BlueZ uses for addr on an adapter.
// Example: /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
func devicePath(adapterID string, addr bluetooth.Address) dbus.ObjectPath {
	return dbus.ObjectPath(adapterID + "/" + addr.PathComponent())
}

// under reports whether p is strictly below parent in the object tree.
func under(p, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(p), string(parent)+"/")
}

// characteristicsUnder maps characteristic UUIDs to their objects below a
// device. When a UUID appears twice the lowest path wins.
func characteristicsUnder(objs managedObjects, device dbus.ObjectPath) map[bluetooth.CharacteristicID]characteristic {
	out := make(map[bluetooth.CharacteristicID]characteristic)
	for p, ifaces := range objs {
		props, ok := ifaces[ifaceGattChar]
		if !ok || !under(p, device) {
			continue
		}
		uuid, ok := variantValue[string](props, "UUID")
		if !ok {
			continue
		}
		id := bluetooth.CharacteristicID(strings.ToLower(uuid))
		if existing, dup := out[id]; dup && existing.path < p {
			continue
		}
		flags, _ := variantValue[[]string](props, "Flags")
		out[id] = characteristic{path: p, flags: flags}
	}
	return out
}

// parseInterfacesAdded decodes an InterfacesAdded signal body.
func parseInterfacesAdded(sig *dbus.Signal) (dbus.ObjectPath, map[string]map[string]dbus.Variant, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	p, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	return p, ifaces, ok
}

// parseInterfacesRemoved decodes an InterfacesRemoved signal body.
func parseInterfacesRemoved(sig *dbus.Signal) (dbus.ObjectPath, []string, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	p, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].([]string)
	return p, ifaces, ok
}

// parsePropertiesChanged decodes a PropertiesChanged signal body.
func parsePropertiesChanged(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	return iface, changed, ok
}

// D-Bus error names mapped to transport errors.
const (
	errUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
	errDoesNotExist  = "org.bluez.Error.DoesNotExist"
	errNotConnected  = "org.bluez.Error.NotConnected"
	errNotAvailable  = "org.bluez.Error.NotAvailable"
)

// mapError translates BlueZ errors to the bluetooth package's sentinels,
// keeping the original error in the chain.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var de dbus.Error
	if !errors.As(err, &de) {
		return err
	}
	switch de.Name {
	case errUnknownObject, errDoesNotExist:
		return fmt.Errorf("%w: %w", bluetooth.ErrDeviceNotFound, err)
	case errNotConnected, errNotAvailable:
		return fmt.Errorf("%w: %w", bluetooth.ErrLinkClosed, err)
	default:
		return err
	}
}
