package itag

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

// Machine timing defaults.
const (
	DefaultConnectTimeout   = 5 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second

	// postConnectTimeout bounds each best-effort operation after Connected
	// (alert write, battery read and subscribe).
	postConnectTimeout = 5 * time.Second

	// commandTimeout bounds an alert command end to end.
	commandTimeout = 5 * time.Second
)

// MachineConfig tunes one device's connection lifecycle.
type MachineConfig struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	Backoff          BackoffPolicy

	// MaxSubscribeFailures raises a persistent warning on the device record
	// after this many subscription failures without a successful
	// connection. Zero disables the warning.
	MaxSubscribeFailures int

	// StopAlertOnConnect writes alert level 0 after connecting so the tag
	// stops its connect beep.
	StopAlertOnConnect bool
}

func (c MachineConfig) withDefaults() MachineConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	c.Backoff = c.Backoff.withDefaults()
	return c
}

// MachineOptions holds the collaborators of a Machine.
type MachineOptions struct {
	Config    MachineConfig
	Transport bluetooth.Transport
	Pool      *AdapterPool
	Store     *Store
	Events    *EventBridge
	Logger    Logger
}

type alertCommand struct {
	level  byte
	result chan error
}

type connectResult struct {
	link bluetooth.Link
	err  error
}

// Machine drives one device through its connection states.
//
// Run owns all lifecycle fields; other goroutines interact with a running
// machine only through the pool, the store and SetAlert.
type Machine struct {
	id        string
	addr      bluetooth.Address
	cfg       MachineConfig
	transport bluetooth.Transport
	pool      *AdapterPool
	store     *Store
	events    *EventBridge
	logger    Logger

	state   State
	claim   Claim
	adapter bluetooth.Adapter
	link    bluetooth.Link
	cause   error

	commands chan alertCommand
	running  atomic.Bool
}

// NewMachine creates the machine for one configured device.
func NewMachine(spec DeviceSpec, opts MachineOptions) *Machine {
	return &Machine{
		id:        spec.Address.String(),
		addr:      spec.Address,
		cfg:       opts.Config.withDefaults(),
		transport: opts.Transport,
		pool:      opts.Pool,
		store:     opts.Store,
		events:    opts.Events,
		logger:    orNop(opts.Logger),
		state:     Idle,
		commands:  make(chan alertCommand),
	}
}

// ID returns the device id.
func (m *Machine) ID() string {
	return m.id
}

// Run drives the device until ctx is cancelled. On return any link is
// disconnected and any adapter claim released.
func (m *Machine) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return fmt.Errorf("itag: machine %s already running", m.id)
	}
	defer m.running.Store(false)

	watch := m.pool.Watch(m.id)
	defer m.pool.Unwatch(m.id)

	m.apply(InputStart)
	for {
		if ctx.Err() != nil {
			m.shutdown()
			return nil
		}

		var in Input
		switch m.state {
		case AwaitingAdapter:
			in = m.awaitAdapter(ctx, watch)
		case Connecting:
			in = m.connect(ctx, watch)
		case DiscoveringServices:
			in = m.discover(ctx, watch)
		case Connected:
			in = m.serve(ctx, watch)
		case Disconnected:
			in = m.waitBackoff(ctx)
		default:
			return fmt.Errorf("itag: machine %s in unexpected state %s", m.id, m.state)
		}

		if in == InputShutdown {
			m.shutdown()
			return nil
		}
		m.apply(in)
	}
}

// SetAlert writes an alert level to the connected device.
func (m *Machine) SetAlert(ctx context.Context, level byte) error {
	if level > bluetooth.AlertHigh {
		return fmt.Errorf("itag: invalid alert level %d", level)
	}
	if rec, ok := m.store.Get(m.id); !ok || rec.State != Connected {
		return fmt.Errorf("%w: %s", ErrNotConnected, m.id)
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := alertCommand{level: level, result: make(chan error, 1)}
	select {
	case m.commands <- cmd:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrNotConnected, m.id, ctx.Err())
	}

	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// apply feeds an input through the transition table and performs the
// effects of entering the new state.
func (m *Machine) apply(in Input) {
	next, reason, ok := Transition(m.state, in)
	if !ok {
		m.logger.Debug("ignoring input", "device", m.id, "state", m.state.String(), "input", in.String())
		return
	}

	from := m.state
	m.state = next
	adapter := m.adapter.Name
	if next == Disconnected {
		m.detach()
	}

	var raiseWarning bool
	now := time.Now().UTC()
	rec, err := m.store.Update(m.id, func(r *DeviceRecord) {
		r.State = next
		r.Reason = reason
		switch next {
		case Connecting:
			r.Adapter = m.adapter.ID
		case Connected:
			r.ConsecutiveFailures = 0
			r.SubscribeFailures = 0
			r.Warning = ""
			r.LastContact = &now
		case Disconnected:
			r.Adapter = ""
			r.ConsecutiveFailures++
			if reason == ReasonSubscribeFailed {
				r.SubscribeFailures++
				limit := m.cfg.MaxSubscribeFailures
				if limit > 0 && r.SubscribeFailures >= limit && r.Warning == "" {
					r.Warning = fmt.Sprintf("button subscription failed %d times in a row", r.SubscribeFailures)
					raiseWarning = true
				}
			}
		}
	})
	if err != nil {
		m.logger.Error("device record update failed", "device", m.id, "error", err)
		return
	}

	if _, err := m.events.Connectivity(m.id, from, next, reason, adapter, rec.ConsecutiveFailures); err != nil {
		m.logger.Error("emitting connectivity event failed", "device", m.id, "error", err)
	}

	m.logTransition(from, next, reason, adapter, rec)
	if raiseWarning {
		m.logger.Warn("device keeps failing to subscribe, retrying",
			"device", m.id,
			"subscribe_failures", rec.SubscribeFailures)
	}
}

func (m *Machine) logTransition(from, to State, reason Reason, adapter string, rec DeviceRecord) {
	args := []any{
		"device", m.id,
		"from", from.String(),
		"to", to.String(),
		"reason", string(reason),
	}
	if adapter != "" {
		args = append(args, "adapter", adapter)
	}

	switch {
	case to == Connected:
		m.logger.Info("device connected", args...)
	case to == Disconnected && reason != ReasonNormal:
		cause := m.cause
		if cause == nil {
			cause = reasonError(reason)
		}
		args = append(args, "failures", rec.ConsecutiveFailures, "error", cause)
		m.logger.Warn("device disconnected", args...)
	case to == Disconnected:
		m.logger.Info("device disconnected", args...)
	default:
		m.logger.Debug("device state changed", args...)
	}
	m.cause = nil
}

// reasonError maps a disconnect reason to its sentinel.
func reasonError(r Reason) error {
	switch r {
	case ReasonTimeout:
		return ErrTransportTimeout
	case ReasonSubscribeFailed:
		return ErrSubscriptionFailed
	case ReasonAdapterRemoved:
		return ErrAdapterRemoved
	default:
		return ErrLinkLost
	}
}

// detach disconnects the link and returns the claim to the pool.
func (m *Machine) detach() {
	if m.link != nil {
		m.link.Disconnect()
		m.link = nil
	}
	if m.claim.Valid() {
		m.pool.Release(m.claim)
		m.claim = Claim{}
	}
	m.adapter = bluetooth.Adapter{}
}

func (m *Machine) shutdown() {
	if linked(m.state) {
		m.apply(InputShutdown)
	}
	m.detach()
}

// awaitAdapter claims the best available adapter, waiting for pool changes
// while none can be claimed. Losing a claim race is not an error.
func (m *Machine) awaitAdapter(ctx context.Context, watch *Watch) Input {
	for {
		for _, a := range m.pool.Ranked(ctx, m.addr) {
			claim, err := m.pool.Claim(a.ID, m.id)
			if err != nil {
				continue
			}
			m.claim = claim
			m.adapter = a
			return InputAdapterClaimed
		}

		select {
		case <-watch.Available:
		case <-watch.Revoked:
		case <-ctx.Done():
			return InputShutdown
		}
	}
}

// connect establishes the link within connect_timeout.
func (m *Machine) connect(ctx context.Context, watch *Watch) Input {
	attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	done := make(chan connectResult, 1)
	adapter := m.adapter
	go func() {
		link, err := m.transport.Connect(attemptCtx, adapter, m.addr)
		done <- connectResult{link: link, err: err}
	}()

	for {
		select {
		case r := <-done:
			switch {
			case r.err == nil:
				m.link = r.link
				return InputLinkEstablished
			case ctx.Err() != nil:
				return InputShutdown
			case errors.Is(r.err, bluetooth.ErrAdapterRemoved):
				m.cause = fmt.Errorf("%w: connect via %s: %w", ErrAdapterRemoved, adapter.Name, r.err)
				m.retireAdapter()
				return InputAdapterRemoved
			case errors.Is(attemptCtx.Err(), context.DeadlineExceeded), errors.Is(r.err, context.DeadlineExceeded):
				m.cause = fmt.Errorf("%w: connect via %s: %w", ErrTransportTimeout, adapter.Name, r.err)
				return InputConnectTimeout
			default:
				m.cause = fmt.Errorf("%w: connect via %s: %w", ErrLinkLost, adapter.Name, r.err)
				return InputConnectFailed
			}
		case c := <-watch.Revoked:
			if c != m.claim {
				continue
			}
			cancel()
			abandon(done)
			return InputAdapterRemoved
		case <-ctx.Done():
			abandon(done)
			return InputShutdown
		}
	}
}

// abandon disconnects a link whose connect attempt finishes after the
// machine stopped waiting for it.
func abandon(done <-chan connectResult) {
	go func() {
		if r := <-done; r.link != nil {
			r.link.Disconnect()
		}
	}()
}

// discover subscribes to the button characteristic within discovery_timeout.
func (m *Machine) discover(ctx context.Context, watch *Watch) Input {
	discoverCtx, cancel := context.WithTimeout(ctx, m.cfg.DiscoveryTimeout)
	defer cancel()

	link := m.link
	done := make(chan error, 1)
	go func() {
		done <- link.Subscribe(discoverCtx, bluetooth.ButtonCharacteristic)
	}()

	for {
		select {
		case err := <-done:
			switch {
			case err == nil:
				return InputSubscribed
			case ctx.Err() != nil:
				return InputShutdown
			case errors.Is(discoverCtx.Err(), context.DeadlineExceeded):
				m.cause = fmt.Errorf("%w: discovery: %w", ErrTransportTimeout, err)
				return InputDiscoveryTimeout
			case errors.Is(err, bluetooth.ErrLinkClosed):
				if in := m.lostInput(link); in != InputLinkLost {
					return in
				}
				m.cause = fmt.Errorf("%w: discovery: %w", ErrLinkLost, err)
				return InputLinkLost
			default:
				m.cause = fmt.Errorf("%w: %w", ErrSubscriptionFailed, err)
				return InputSubscribeFailed
			}
		case <-link.Lost():
			return m.lostInput(link)
		case c := <-watch.Revoked:
			if c != m.claim {
				continue
			}
			return InputAdapterRemoved
		case <-ctx.Done():
			return InputShutdown
		}
	}
}

// serve handles a connected device until the link drops.
func (m *Machine) serve(ctx context.Context, watch *Watch) Input {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	link := m.link
	readings := make(chan []byte, 1)
	go m.afterConnect(serveCtx, link, readings)

	notifications := link.Notifications()
	for {
		select {
		case n, ok := <-notifications:
			if !ok {
				return m.lostInput(link)
			}
			m.handleNotification(n)
		case value := <-readings:
			m.handleNotification(bluetooth.Notification{
				Characteristic: bluetooth.BatteryLevelCharacteristic,
				Value:          value,
				At:             time.Now(),
			})
		case cmd := <-m.commands:
			cmd.result <- m.writeAlert(serveCtx, link, cmd.level)
		case <-link.Lost():
			return m.lostInput(link)
		case c := <-watch.Revoked:
			if c != m.claim {
				continue
			}
			return InputAdapterRemoved
		case <-ctx.Done():
			return InputShutdown
		}
	}
}

// lostInput classifies a dropped link by the cause the transport recorded.
// The transport can drop links on a removed adapter before the pool hears
// of the removal, so the cause decides the reason rather than the order of
// arrival.
func (m *Machine) lostInput(link bluetooth.Link) Input {
	if err := link.Err(); errors.Is(err, bluetooth.ErrAdapterRemoved) {
		m.cause = fmt.Errorf("%w: %w", ErrAdapterRemoved, err)
		m.retireAdapter()
		return InputAdapterRemoved
	}
	return InputLinkLost
}

// retireAdapter takes the claimed adapter out of the pool when the
// transport reports it gone, so no device claims it again before the
// removal event reaches the bridge.
func (m *Machine) retireAdapter() {
	if m.claim.Valid() {
		m.pool.Remove(m.claim.AdapterID)
	}
}

// afterConnect silences the connect beep and fetches the battery level.
// All steps are best effort; the tag may lack the services.
func (m *Machine) afterConnect(ctx context.Context, link bluetooth.Link, readings chan<- []byte) {
	if m.cfg.StopAlertOnConnect {
		if err := m.writeAlert(ctx, link, bluetooth.AlertNone); err != nil && ctx.Err() == nil {
			m.logger.Debug("could not stop connect alert", "device", m.id, "error", err)
		}
	}

	readCtx, cancel := context.WithTimeout(ctx, postConnectTimeout)
	value, err := link.Read(readCtx, bluetooth.BatteryLevelCharacteristic)
	cancel()
	switch {
	case err == nil:
		select {
		case readings <- value:
		case <-ctx.Done():
			return
		}
	case errors.Is(err, bluetooth.ErrCharacteristicNotFound):
		m.logger.Debug("device has no battery service", "device", m.id)
		return
	case ctx.Err() == nil:
		m.logger.Debug("battery read failed", "device", m.id, "error", err)
	}

	subCtx, cancel := context.WithTimeout(ctx, postConnectTimeout)
	defer cancel()
	if err := link.Subscribe(subCtx, bluetooth.BatteryLevelCharacteristic); err != nil && ctx.Err() == nil {
		m.logger.Debug("battery notifications unavailable", "device", m.id, "error", err)
	}
}

func (m *Machine) writeAlert(ctx context.Context, link bluetooth.Link, level byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, postConnectTimeout)
	defer cancel()
	if err := link.Write(writeCtx, bluetooth.AlertLevelCharacteristic, []byte{level}); err != nil {
		return fmt.Errorf("writing alert level: %w", err)
	}
	return nil
}

func (m *Machine) handleNotification(n bluetooth.Notification) {
	e, err := m.events.Notification(m.id, n)
	if err != nil {
		m.logger.Warn("dropping notification",
			"device", m.id,
			"characteristic", string(n.Characteristic),
			"value", hex.EncodeToString(n.Value),
			"error", err)
		return
	}

	now := time.Now().UTC()
	if _, err := m.store.Update(m.id, func(r *DeviceRecord) {
		r.LastContact = &now
		if b, ok := e.(BatteryReported); ok {
			pct := b.Percent
			r.Battery = &pct
		}
	}); err != nil {
		m.logger.Error("device record update failed", "device", m.id, "error", err)
	}
}

// waitBackoff sleeps for the delay owed to the current failure count.
func (m *Machine) waitBackoff(ctx context.Context) Input {
	failures := 0
	if rec, ok := m.store.Get(m.id); ok {
		failures = rec.ConsecutiveFailures
	}
	delay := m.cfg.Backoff.Delay(failures)
	m.logger.Debug("waiting before retry", "device", m.id, "delay", delay, "failures", failures)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return InputBackoffElapsed
	case <-ctx.Done():
		return InputShutdown
	}
}
