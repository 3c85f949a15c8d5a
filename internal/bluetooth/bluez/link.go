package bluez

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

const notificationBuffer = 16

// link is one connected device.
type link struct {
	t    *Transport
	path dbus.ObjectPath
	addr bluetooth.Address

	notes    chan bluetooth.Notification
	lost     chan struct{}
	lostOnce sync.Once

	mu        sync.Mutex
	closed    bool
	cause     error
	chars     map[bluetooth.CharacteristicID]characteristic
	notifying map[dbus.ObjectPath]bluetooth.CharacteristicID

	disconnectOnce sync.Once
}

var _ bluetooth.Link = (*link)(nil)

func newLink(t *Transport, p dbus.ObjectPath, addr bluetooth.Address) *link {
	return &link{
		t:         t,
		path:      p,
		addr:      addr,
		notes:     make(chan bluetooth.Notification, notificationBuffer),
		lost:      make(chan struct{}),
		notifying: make(map[dbus.ObjectPath]bluetooth.CharacteristicID),
	}
}

func (l *link) Notifications() <-chan bluetooth.Notification { return l.notes }

func (l *link) Lost() <-chan struct{} { return l.lost }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// Subscribe waits for service resolution, then starts notifications.
func (l *link) Subscribe(ctx context.Context, id bluetooth.CharacteristicID) error {
	c, err := l.characteristic(ctx, id)
	if err != nil {
		return err
	}

	// Register before StartNotify so the first value is not missed.
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return bluetooth.ErrLinkClosed
	}
	l.notifying[c.path] = id
	l.mu.Unlock()

	call := l.t.conn.Object(bluezBus, c.path).CallWithContext(ctx, ifaceGattChar+".StartNotify", 0)
	if call.Err != nil {
		l.mu.Lock()
		delete(l.notifying, c.path)
		l.mu.Unlock()
		return fmt.Errorf("StartNotify %s: %w", id, mapError(call.Err))
	}
	return nil
}

func (l *link) Read(ctx context.Context, id bluetooth.CharacteristicID) ([]byte, error) {
	c, err := l.characteristic(ctx, id)
	if err != nil {
		return nil, err
	}

	call := l.t.conn.Object(bluezBus, c.path).CallWithContext(ctx, ifaceGattChar+".ReadValue", 0, map[string]dbus.Variant{})
	if call.Err != nil {
		return nil, fmt.Errorf("ReadValue %s: %w", id, mapError(call.Err))
	}
	var value []byte
	if err := call.Store(&value); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return value, nil
}

func (l *link) Write(ctx context.Context, id bluetooth.CharacteristicID, value []byte) error {
	c, err := l.characteristic(ctx, id)
	if err != nil {
		return err
	}

	opts := map[string]dbus.Variant{"type": dbus.MakeVariant(c.writeType())}
	call := l.t.conn.Object(bluezBus, c.path).CallWithContext(ctx, ifaceGattChar+".WriteValue", 0, value, opts)
	if call.Err != nil {
		return fmt.Errorf("WriteValue %s: %w", id, mapError(call.Err))
	}
	return nil
}

// Disconnect stops notifications and disconnects the device. Errors are
// logged at debug level only; the device may already be gone.
func (l *link) Disconnect() {
	l.disconnectOnce.Do(func() {
		l.t.forget(l)

		l.mu.Lock()
		paths := make([]dbus.ObjectPath, 0, len(l.notifying))
		for p := range l.notifying {
			paths = append(paths, p)
		}
		l.mu.Unlock()

		if l.t.conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			defer cancel()
			for _, p := range paths {
				l.t.conn.Object(bluezBus, p).CallWithContext(ctx, ifaceGattChar+".StopNotify", 0)
			}
			if call := l.t.conn.Object(bluezBus, l.path).CallWithContext(ctx, ifaceDevice+".Disconnect", 0); call.Err != nil {
				l.t.logger.Debug("disconnect failed", "device", l.addr.String(), "error", call.Err)
			}
		}

		l.close(bluetooth.ErrLinkClosed)
	})
}

// markLost handles the transport reporting the link dropped. cause is
// bluetooth.ErrAdapterRemoved or bluetooth.ErrLinkClosed.
func (l *link) markLost(cause error) {
	l.t.forget(l)
	l.close(cause)
}

// close records the first cause before Lost is closed, so a reader woken by
// Lost always sees it.
func (l *link) close(cause error) {
	l.mu.Lock()
	if l.cause == nil {
		l.cause = cause
	}
	l.mu.Unlock()

	l.lostOnce.Do(func() { close(l.lost) })

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.notes)
	}
}

// deliver queues a value change for a characteristic the link is
// notifying on. Values are dropped when the consumer is not keeping up.
func (l *link) deliver(char dbus.ObjectPath, value []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.notifying[char]
	if !ok || l.closed {
		return
	}
	n := bluetooth.Notification{
		Characteristic: id,
		Value:          append([]byte(nil), value...),
		At:             time.Now(),
	}
	select {
	case l.notes <- n:
	default:
		l.t.logger.Warn("notification dropped, queue full", "device", l.addr.String(), "characteristic", string(id))
	}
}

// characteristic resolves a characteristic, waiting for BlueZ to finish
// service discovery on first use.
func (l *link) characteristic(ctx context.Context, id bluetooth.CharacteristicID) (characteristic, error) {
	l.mu.Lock()
	chars, closed := l.chars, l.closed
	l.mu.Unlock()
	if closed {
		return characteristic{}, bluetooth.ErrLinkClosed
	}

	if chars == nil {
		if err := l.waitResolved(ctx); err != nil {
			return characteristic{}, err
		}
		objs, err := l.t.managedObjects(ctx)
		if err != nil {
			return characteristic{}, err
		}
		chars = characteristicsUnder(objs, l.path)
		l.mu.Lock()
		l.chars = chars
		l.mu.Unlock()
	}

	c, ok := chars[id]
	if !ok {
		return characteristic{}, fmt.Errorf("%w: %s on %s", bluetooth.ErrCharacteristicNotFound, id, l.addr)
	}
	return c, nil
}

// waitResolved polls ServicesResolved until it is true.
func (l *link) waitResolved(ctx context.Context) error {
	ticker := time.NewTicker(l.t.pollInterval)
	defer ticker.Stop()

	for {
		v, err := l.t.property(ctx, l.path, ifaceDevice, "ServicesResolved")
		if err == nil {
			if resolved, ok := v.Value().(bool); ok && resolved {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.lost:
			return bluetooth.ErrLinkClosed
		case <-ticker.C:
		}
	}
}
