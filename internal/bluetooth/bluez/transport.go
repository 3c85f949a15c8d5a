package bluez

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

const (
	// defaultPollInterval paces property polling while waiting for BlueZ.
	defaultPollInterval = 200 * time.Millisecond

	// callTimeout bounds best-effort calls made outside a caller's context.
	callTimeout = 5 * time.Second

	signalBuffer  = 64
	watcherBuffer = 32
)

// Logger is the logging interface used by the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Transport implements bluetooth.Transport and bluetooth.SignalReporter
// using BlueZ over the system bus.
//
// Thread Safety: All methods are safe for concurrent use.
type Transport struct {
	conn         *dbus.Conn
	logger       Logger
	pollInterval time.Duration
	autoPower    bool

	mu       sync.Mutex
	links    map[dbus.ObjectPath]*link
	watchers map[chan bluetooth.AdapterEvent]struct{}

	signals   chan *dbus.Signal
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var (
	_ bluetooth.Transport      = (*Transport)(nil)
	_ bluetooth.SignalReporter = (*Transport)(nil)
)

// Options configures Open.
type Options struct {
	// Logger may be nil.
	Logger Logger

	// PowerOn switches unpowered adapters on when they are listed or appear.
	PowerOn bool
}

// Open connects to the system bus and starts listening for BlueZ signals.
func Open(opts Options) (*Transport, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	t := newTransport(conn, opts.Logger)
	t.autoPower = opts.PowerOn
	if err := t.subscribe(); err != nil {
		conn.Close() //nolint:errcheck // Already failing
		return nil, err
	}

	// Fail early when BlueZ is not running.
	if _, err := t.managedObjects(context.Background()); err != nil {
		t.Close() //nolint:errcheck // Already failing
		return nil, fmt.Errorf("bluez not available: %w", err)
	}
	return t, nil
}

func newTransport(conn *dbus.Conn, logger Logger) *Transport {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Transport{
		conn:         conn,
		logger:       logger,
		pollInterval: defaultPollInterval,
		links:        make(map[dbus.ObjectPath]*link),
		watchers:     make(map[chan bluetooth.AdapterEvent]struct{}),
		done:         make(chan struct{}),
	}
}

// subscribe registers match rules and starts the signal dispatcher.
func (t *Transport) subscribe() error {
	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchSender(bluezBus),
			dbus.WithMatchInterface(ifaceObjectManager),
		},
		{
			dbus.WithMatchSender(bluezBus),
			dbus.WithMatchInterface(ifaceProperties),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(bluezRoot),
		},
	}
	for _, rule := range rules {
		if err := t.conn.AddMatchSignal(rule...); err != nil {
			return fmt.Errorf("adding signal match: %w", err)
		}
	}

	t.signals = make(chan *dbus.Signal, signalBuffer)
	t.conn.Signal(t.signals)

	t.wg.Add(1)
	go t.dispatch()
	return nil
}

// Close stops the dispatcher, drops every link and closes the bus
// connection. Safe to call multiple times.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.signals != nil {
			t.conn.RemoveSignal(t.signals)
		}
		t.wg.Wait()

		t.mu.Lock()
		links := make([]*link, 0, len(t.links))
		for _, l := range t.links {
			links = append(links, l)
		}
		t.mu.Unlock()
		for _, l := range links {
			l.Disconnect()
		}

		if t.conn != nil {
			err = t.conn.Close()
		}
	})
	return err
}

func (t *Transport) managedObjects(ctx context.Context) (managedObjects, error) {
	var objs managedObjects
	call := t.conn.Object(bluezBus, "/").CallWithContext(ctx, ifaceObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decoding managed objects: %w", err)
	}
	return objs, nil
}

// Adapters implements bluetooth.Transport. With Options.PowerOn, unpowered
// adapters are switched on as a side effect.
func (t *Transport) Adapters(ctx context.Context) ([]bluetooth.Adapter, error) {
	objs, err := t.managedObjects(ctx)
	if err != nil {
		return nil, err
	}
	if !t.autoPower {
		return adaptersFrom(objs), nil
	}
	for p, ifaces := range objs {
		if props, ok := ifaces[ifaceAdapter]; ok {
			if powered, _ := variantValue[bool](props, "Powered"); !powered {
				t.powerOn(p)
			}
		}
	}
	return adaptersFrom(objs), nil
}

// powerOn switches an adapter on, best effort.
func (t *Transport) powerOn(p dbus.ObjectPath) {
	if t.conn == nil {
		return
	}
	if err := t.conn.Object(bluezBus, p).SetProperty(ifaceAdapter+".Powered", dbus.MakeVariant(true)); err != nil {
		t.logger.Warn("could not power on adapter", "adapter", string(p), "error", err)
		return
	}
	t.logger.Info("powered on adapter", "adapter", string(p))
}

// WatchAdapters implements bluetooth.Transport.
func (t *Transport) WatchAdapters(ctx context.Context) (<-chan bluetooth.AdapterEvent, error) {
	ch := make(chan bluetooth.AdapterEvent, watcherBuffer)
	t.mu.Lock()
	t.watchers[ch] = struct{}{}
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		t.mu.Lock()
		delete(t.watchers, ch)
		close(ch)
		t.mu.Unlock()
	}()
	return ch, nil
}

// emitLocked delivers an adapter event to every watcher. Must hold t.mu.
func (t *Transport) emitLocked(ev bluetooth.AdapterEvent) {
	for ch := range t.watchers {
		select {
		case ch <- ev:
		default:
			t.logger.Error("adapter event dropped, watcher not keeping up",
				"adapter", ev.Adapter.Label(),
				"event", ev.Kind.String())
		}
	}
}

// SignalStrength implements bluetooth.SignalReporter using the RSSI BlueZ
// caches from the latest advertisement.
func (t *Transport) SignalStrength(ctx context.Context, adapter bluetooth.Adapter, addr bluetooth.Address) (int16, bool) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	var v dbus.Variant
	call := t.conn.Object(bluezBus, devicePath(adapter.ID, addr)).
		CallWithContext(ctx, ifaceProperties+".Get", 0, ifaceDevice, "RSSI")
	if call.Err != nil || call.Store(&v) != nil {
		return 0, false
	}
	rssi, ok := v.Value().(int16)
	return rssi, ok
}

// Connect implements bluetooth.Transport. It returns once BlueZ reports the
// device connected; GATT services may still be resolving.
func (t *Transport) Connect(ctx context.Context, adapter bluetooth.Adapter, addr bluetooth.Address) (bluetooth.Link, error) {
	p := devicePath(adapter.ID, addr)

	if err := t.ensureDevice(ctx, adapter, p); err != nil {
		return nil, err
	}

	l := newLink(t, p, addr)
	t.mu.Lock()
	if old, ok := t.links[p]; ok {
		t.mu.Unlock()
		old.Disconnect()
		t.mu.Lock()
	}
	t.links[p] = l
	t.mu.Unlock()

	call := t.conn.Object(bluezBus, p).CallWithContext(ctx, ifaceDevice+".Connect", 0)
	if call.Err != nil {
		removed := errors.Is(l.Err(), bluetooth.ErrAdapterRemoved)
		l.Disconnect()
		switch {
		case removed:
			return nil, fmt.Errorf("connecting %s via %s: %w", addr, adapter.Name, bluetooth.ErrAdapterRemoved)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("connecting %s via %s: %w", addr, adapter.Name, mapError(call.Err))
	}

	t.logger.Debug("device connected", "device", addr.String(), "adapter", adapter.Name)
	return l, nil
}

// ensureDevice makes sure BlueZ knows the device, scanning for it if needed.
func (t *Transport) ensureDevice(ctx context.Context, adapter bluetooth.Adapter, p dbus.ObjectPath) error {
	if t.deviceKnown(ctx, p) {
		return nil
	}

	obj := t.conn.Object(bluezBus, dbus.ObjectPath(adapter.ID))
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
	}
	if call := obj.CallWithContext(ctx, ifaceAdapter+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		return fmt.Errorf("setting discovery filter on %s: %w", adapter.Name, mapError(call.Err))
	}
	if call := obj.CallWithContext(ctx, ifaceAdapter+".StartDiscovery", 0); call.Err != nil {
		return fmt.Errorf("starting discovery on %s: %w", adapter.Name, mapError(call.Err))
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		obj.CallWithContext(stopCtx, ifaceAdapter+".StopDiscovery", 0)
	}()

	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if t.deviceKnown(ctx, p) {
				return nil
			}
		}
	}
}

func (t *Transport) deviceKnown(ctx context.Context, p dbus.ObjectPath) bool {
	call := t.conn.Object(bluezBus, p).CallWithContext(ctx, ifaceProperties+".Get", 0, ifaceDevice, "Address")
	return call.Err == nil
}

// property reads one property of a BlueZ object.
func (t *Transport) property(ctx context.Context, p dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := t.conn.Object(bluezBus, p).CallWithContext(ctx, ifaceProperties+".Get", 0, iface, name)
	if call.Err != nil {
		return v, mapError(call.Err)
	}
	if err := call.Store(&v); err != nil {
		return v, err
	}
	return v, nil
}

func (t *Transport) forget(l *link) {
	t.mu.Lock()
	if t.links[l.path] == l {
		delete(t.links, l.path)
	}
	t.mu.Unlock()
}

// =============================================================================
// Signal dispatch
// =============================================================================

func (t *Transport) dispatch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case signalInterfacesAdded:
		p, ifaces, ok := parseInterfacesAdded(sig)
		if !ok {
			return
		}
		props, isAdapter := ifaces[ifaceAdapter]
		if !isAdapter {
			return
		}
		t.mu.Lock()
		t.emitLocked(bluetooth.AdapterEvent{Kind: bluetooth.AdapterAppeared, Adapter: adapterFrom(p, props)})
		t.mu.Unlock()
		if powered, _ := variantValue[bool](props, "Powered"); !powered && t.autoPower {
			go t.powerOn(p)
		}

	case signalInterfacesRemoved:
		p, ifaces, ok := parseInterfacesRemoved(sig)
		if !ok {
			return
		}
		for _, iface := range ifaces {
			switch iface {
			case ifaceAdapter:
				t.mu.Lock()
				t.emitLocked(bluetooth.AdapterEvent{Kind: bluetooth.AdapterRemoved, Adapter: adapterFrom(p, nil)})
				t.mu.Unlock()
				t.dropWhere(bluetooth.ErrAdapterRemoved, func(lp dbus.ObjectPath) bool { return under(lp, p) })
			case ifaceDevice:
				t.dropWhere(bluetooth.ErrLinkClosed, func(lp dbus.ObjectPath) bool { return lp == p })
			}
		}

	case signalPropertiesChanged:
		iface, changed, ok := parsePropertiesChanged(sig)
		if !ok {
			return
		}
		switch iface {
		case ifaceDevice:
			if connected, ok := variantValue[bool](changed, "Connected"); ok && !connected {
				t.dropWhere(bluetooth.ErrLinkClosed, func(lp dbus.ObjectPath) bool { return lp == sig.Path })
			}
		case ifaceGattChar:
			value, ok := variantValue[[]byte](changed, "Value")
			if !ok {
				return
			}
			if l := t.linkOwning(sig.Path); l != nil {
				l.deliver(sig.Path, value)
			}
		}
	}
}

// dropWhere marks every link whose device path matches as lost with the
// given cause.
func (t *Transport) dropWhere(cause error, match func(dbus.ObjectPath) bool) {
	t.mu.Lock()
	var lost []*link
	for p, l := range t.links {
		if match(p) {
			lost = append(lost, l)
		}
	}
	t.mu.Unlock()

	for _, l := range lost {
		t.logger.Debug("link lost", "device", l.addr.String(), "cause", cause)
		l.markLost(cause)
	}
}

func (t *Transport) linkOwning(char dbus.ObjectPath) *link {
	t.mu.Lock()
	defer t.mu.Unlock()
	for p, l := range t.links {
		if under(char, p) {
			return l
		}
	}
	return nil
}
