// Package bluez implements bluetooth.Transport on top of the BlueZ D-Bus API.
//
// One private system bus connection is shared by every link. A single
// dispatcher goroutine consumes BlueZ signals and routes them:
//
//   - ObjectManager.InterfacesAdded / InterfacesRemoved on Adapter1 become
//     adapter hot-plug events; removal also drops every link on the adapter.
//   - PropertiesChanged Connected=false on a Device1 drops that device's link.
//   - PropertiesChanged Value on a GattCharacteristic1 the link has started
//     notifications on becomes a bluetooth.Notification.
//
// Devices must have been seen by the adapter before BlueZ can connect to
// them, so Connect runs a short LE discovery when the device object does not
// exist yet.
//
// Usage:
//
//	t, err := bluez.Open(bluez.Options{Logger: logger, PowerOn: true})
//	if err != nil {
//	    return err
//	}
//	defer t.Close()
//
//	adapters, err := t.Adapters(ctx)
package bluez
