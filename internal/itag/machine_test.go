package itag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

const buttonTopic = "itag/AA:BB:CC:DD:EE:FF/button"

func testMachineConfig() MachineConfig {
	return MachineConfig{
		ConnectTimeout:       100 * time.Millisecond,
		DiscoveryTimeout:     100 * time.Millisecond,
		Backoff:              BackoffPolicy{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		MaxSubscribeFailures: 3,
		StopAlertOnConnect:   true,
	}
}

// harness runs machines against a mock transport and MQTT client.
type harness struct {
	t         *testing.T
	pool      *AdapterPool
	store     *Store
	events    *EventBridge
	publisher *Publisher
	mqtt      *MockMQTTClient
	transport *MockTransport
	recorder  *eventRecorder
	machines  map[string]*Machine

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	errs     chan error
}

func newHarness(t *testing.T, cfg MachineConfig, ids ...string) *harness {
	t.Helper()
	store, err := NewStore(specs(ids...))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	h := &harness{
		t:         t,
		pool:      NewAdapterPool(nil),
		store:     store,
		mqtt:      NewMockMQTTClient(),
		transport: NewMockTransport(),
		recorder:  &eventRecorder{},
		machines:  make(map[string]*Machine),
		errs:      make(chan error, len(ids)),
	}
	h.publisher = NewPublisher(PublisherOptions{Client: h.mqtt, Store: store})
	h.events = NewEventBridge(store, EventSinkFunc(func(e Event) {
		h.recorder.HandleEvent(e)
		h.publisher.HandleEvent(e)
	}))

	for _, spec := range specs(ids...) {
		m := NewMachine(spec, MachineOptions{
			Config:    cfg,
			Transport: h.transport,
			Pool:      h.pool,
			Store:     store,
			Events:    h.events,
		})
		h.machines[m.ID()] = m
	}
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	for _, m := range h.machines {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.errs <- m.Run(ctx)
		}()
	}
	h.t.Cleanup(h.stop)
}

// stop cancels every machine and waits for Run to return.
func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			h.t.Fatal("machines did not stop")
		}
		close(h.errs)
		for err := range h.errs {
			if err != nil {
				h.t.Errorf("Run() error = %v", err)
			}
		}
	})
}

func (h *harness) record(id string) DeviceRecord {
	rec, ok := h.store.Get(id)
	if !ok {
		h.t.Fatalf("device %s not in store", id)
	}
	return rec
}

func (h *harness) waitState(id string, s State) {
	h.t.Helper()
	waitFor(h.t, id+" to reach "+s.String(), func() bool {
		return h.record(id).State == s
	})
}

// linkWith makes every connect return the given link.
func (h *harness) linkWith(link *MockLink) {
	h.transport.SetConnectFunc(func(context.Context, bluetooth.Adapter, bluetooth.Address) (bluetooth.Link, error) {
		return link, nil
	})
}

func TestMachine_ConnectAndPressButton(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	link := h.transport.Link(testDevice)

	link.Notify(bluetooth.ButtonCharacteristic, 0x01)
	waitFor(t, "button publish", func() bool { return len(h.mqtt.OnTopic(buttonTopic)) == 1 })

	msg := h.mqtt.OnTopic(buttonTopic)[0]
	if string(msg.Payload) != "pressed" || msg.Retained {
		t.Errorf("button message = %+v, want non-retained pressed", msg)
	}

	var pressed []ButtonPressed
	for _, e := range h.recorder.All() {
		if b, ok := e.(ButtonPressed); ok {
			pressed = append(pressed, b)
		}
	}
	if len(pressed) != 1 || pressed[0].DeviceID != testDevice {
		t.Errorf("ButtonPressed events = %+v", pressed)
	}

	rec := h.record(testDevice)
	if rec.Adapter != hci0.ID || rec.LastContact == nil {
		t.Errorf("record = %+v, want adapter %s and a contact time", rec, hci0.ID)
	}
	if got := h.mqtt.Payloads("itag/AA:BB:CC:DD:EE:FF/status"); len(got) != 1 || got[0] != "online" {
		t.Errorf("status payloads = %v, want [online]", got)
	}

	want := []State{AwaitingAdapter, Connecting, DiscoveringServices, Connected}
	got := h.recorder.Transitions(testDevice)
	if len(got) != len(want) {
		t.Fatalf("transitions = %+v, want %v", got, want)
	}
	for i, s := range want {
		if got[i].To != s || got[i].Reason != ReasonNormal {
			t.Errorf("transition %d = %s (%s), want %s (normal)", i, got[i].To, got[i].Reason, s)
		}
	}
}

func TestMachine_PostConnectSteps(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	link := NewMockLink()
	link.battery = []byte{64}
	h.linkWith(link)
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "battery publish", func() bool {
		return len(h.mqtt.OnTopic("itag/AA:BB:CC:DD:EE:FF/battery")) == 1
	})

	msg := h.mqtt.OnTopic("itag/AA:BB:CC:DD:EE:FF/battery")[0]
	if string(msg.Payload) != "64" || !msg.Retained {
		t.Errorf("battery message = %+v, want retained 64", msg)
	}
	if rec := h.record(testDevice); rec.Battery == nil || *rec.Battery != 64 {
		t.Errorf("record battery = %v, want 64", rec.Battery)
	}

	writes := link.Writes()
	if len(writes) == 0 || writes[0].Characteristic != bluetooth.AlertLevelCharacteristic || writes[0].Value[0] != bluetooth.AlertNone {
		t.Errorf("writes = %+v, want alert level 0 after connect", writes)
	}

	waitFor(t, "battery subscription", func() bool {
		for _, id := range link.Subscribed() {
			if id == bluetooth.BatteryLevelCharacteristic {
				return true
			}
		}
		return false
	})
}

func TestMachine_StopAlertDisabled(t *testing.T) {
	cfg := testMachineConfig()
	cfg.StopAlertOnConnect = false
	h := newHarness(t, cfg, testDevice)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	time.Sleep(20 * time.Millisecond)
	if writes := h.transport.Link(testDevice).Writes(); len(writes) != 0 {
		t.Errorf("writes = %+v, want none", writes)
	}
}

func TestMachine_ConnectTimeout(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.transport.SetConnectFunc(blockUntilCancelled)
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "timeout transition", func() bool {
		return h.recorder.CountReason(testDevice, ReasonTimeout) >= 1
	})
	waitFor(t, "retry", func() bool { return h.transport.Connects() >= 2 })

	for _, c := range h.recorder.Transitions(testDevice) {
		if c.To == Connected {
			t.Fatal("device connected although connect never completed")
		}
		if c.To == Disconnected && (c.From != Connecting || c.Reason != ReasonTimeout) {
			t.Errorf("disconnect = %+v, want Connecting → Disconnected (timeout)", c)
		}
	}
}

func TestMachine_ConnectFailureReleasesAdapter(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	var attempts atomic.Int32
	h.transport.SetConnectFunc(func(context.Context, bluetooth.Adapter, bluetooth.Address) (bluetooth.Link, error) {
		attempts.Add(1)
		return nil, errors.New("le-connection-abort-by-local")
	})
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "link-lost transition", func() bool {
		return h.recorder.CountReason(testDevice, ReasonLinkLost) >= 2
	})
	// Each retry claimed the adapter again, so it was released in between.
	if attempts.Load() < 2 {
		t.Errorf("attempts = %d, want retries", attempts.Load())
	}
}

func TestMachine_BackoffGrowsAndResets(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	var attempts atomic.Int32
	h.transport.SetConnectFunc(func(context.Context, bluetooth.Adapter, bluetooth.Address) (bluetooth.Link, error) {
		if attempts.Add(1) <= 3 {
			return nil, errors.New("refused")
		}
		return NewMockLink(), nil
	})
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	if rec := h.record(testDevice); rec.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d after connect, want 0", rec.ConsecutiveFailures)
	}

	var failures []int
	for _, c := range h.recorder.Transitions(testDevice) {
		if c.To == Disconnected {
			failures = append(failures, c.Failures)
		}
	}
	if len(failures) != 3 || failures[0] != 1 || failures[1] != 2 || failures[2] != 3 {
		t.Errorf("failure counters = %v, want [1 2 3]", failures)
	}
}

func TestMachine_TwoDevicesOneAdapter(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice, testDevice2)
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "one device connected", func() bool { return h.store.CountIn(Connected) == 1 })
	time.Sleep(50 * time.Millisecond)

	if n := h.store.CountIn(Connected); n != 1 {
		t.Fatalf("%d devices connected on one adapter", n)
	}
	if n := h.store.CountIn(AwaitingAdapter); n != 1 {
		t.Fatalf("%d devices awaiting an adapter, want 1", n)
	}

	h.pool.Add(hci1)
	waitFor(t, "both connected", func() bool { return h.store.CountIn(Connected) == 2 })

	a, b := h.record(testDevice).Adapter, h.record(testDevice2).Adapter
	if a == b {
		t.Errorf("both devices on adapter %s", a)
	}
}

func TestMachine_WaitingDeviceTakesOverOnDisconnect(t *testing.T) {
	cfg := testMachineConfig()
	cfg.Backoff = BackoffPolicy{Initial: 200 * time.Millisecond, Max: time.Second, Multiplier: 2}
	h := newHarness(t, cfg, testDevice, testDevice2)
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "one device connected", func() bool { return h.store.CountIn(Connected) == 1 })
	first, second := testDevice, testDevice2
	if h.record(first).State != Connected {
		first, second = second, first
	}

	h.transport.Link(first).Drop()
	h.waitState(second, Connected)
}

func TestMachine_LinkDropReconnects(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	h.transport.Link(testDevice).Drop()

	waitFor(t, "reconnect", func() bool {
		return h.transport.LinkCount(testDevice) == 2 && h.record(testDevice).State == Connected
	})

	if h.transport.Link(testDevice) == nil {
		t.Fatal("no link after reconnect")
	}

	var path []State
	for _, c := range h.recorder.Transitions(testDevice) {
		path = append(path, c.To)
	}
	// Connected → Disconnected → AwaitingAdapter → ... → Connected
	idx := -1
	for i, s := range path {
		if s == Disconnected {
			idx = i
			break
		}
	}
	if idx < 0 || idx+1 >= len(path) || path[idx+1] != AwaitingAdapter {
		t.Errorf("transition path = %v, want Disconnected followed by AwaitingAdapter", path)
	}
	if n := h.recorder.CountReason(testDevice, ReasonLinkLost); n != 1 {
		t.Errorf("link-lost transitions = %d, want 1", n)
	}

	got := h.mqtt.Payloads("itag/AA:BB:CC:DD:EE:FF/status")
	want := []string{"online", "offline", "online"}
	if len(got) != 3 || got[0] != want[0] || got[1] != want[1] || got[2] != want[2] {
		t.Errorf("status payloads = %v, want %v", got, want)
	}
}

func TestMachine_AdapterRemovedWhileConnected(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	link := h.transport.Link(testDevice)

	h.pool.Remove(hci0.ID)
	h.waitState(testDevice, AwaitingAdapter)

	if n := h.recorder.CountReason(testDevice, ReasonAdapterRemoved); n != 1 {
		t.Errorf("adapter-removed transitions = %d, want exactly 1", n)
	}
	if link.Disconnects() == 0 {
		t.Error("link was not disconnected")
	}
	if snap := h.pool.Snapshot(); snap[0].ClaimedBy != "" {
		t.Errorf("adapter still claimed by %s", snap[0].ClaimedBy)
	}

	h.pool.Add(hci0)
	waitFor(t, "reconnect", func() bool {
		return h.transport.LinkCount(testDevice) == 2 && h.record(testDevice).State == Connected
	})
}

func TestMachine_LinkDroppedWithAdapter(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)

	// The transport drops the link before the pool learns of the removal.
	h.transport.Link(testDevice).DropWith(bluetooth.ErrAdapterRemoved)
	h.waitState(testDevice, AwaitingAdapter)

	if present, _ := h.pool.Counts(); present != 0 {
		t.Errorf("adapters present = %d after removal, want 0", present)
	}

	// The late pool removal finds nothing left to revoke.
	if _, revoked := h.pool.Remove(hci0.ID); revoked {
		t.Error("late removal revoked a claim")
	}
	time.Sleep(50 * time.Millisecond)

	if n := h.recorder.CountReason(testDevice, ReasonAdapterRemoved); n != 1 {
		t.Errorf("adapter-removed transitions = %d, want exactly 1", n)
	}
	if n := h.recorder.CountReason(testDevice, ReasonLinkLost); n != 0 {
		t.Errorf("link-lost transitions = %d, want 0", n)
	}
	if n := h.transport.LinkCount(testDevice); n != 1 {
		t.Errorf("links = %d, want 1 (removed adapter must not be reclaimed)", n)
	}
}

func TestMachine_ConnectFailsOnRemovedAdapter(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.transport.SetConnectFunc(func(context.Context, bluetooth.Adapter, bluetooth.Address) (bluetooth.Link, error) {
		return nil, fmt.Errorf("connecting: %w", bluetooth.ErrAdapterRemoved)
	})
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "adapter-removed transition", func() bool {
		return h.recorder.CountReason(testDevice, ReasonAdapterRemoved) == 1
	})
	h.waitState(testDevice, AwaitingAdapter)
	if present, _ := h.pool.Counts(); present != 0 {
		t.Errorf("adapters present = %d, want 0", present)
	}
}

func TestMachine_AdapterRemovedWhileConnecting(t *testing.T) {
	cfg := testMachineConfig()
	cfg.ConnectTimeout = 5 * time.Second
	h := newHarness(t, cfg, testDevice)
	h.transport.SetConnectFunc(blockUntilCancelled)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connecting)
	h.pool.Remove(hci0.ID)

	waitFor(t, "adapter-removed transition", func() bool {
		return h.recorder.CountReason(testDevice, ReasonAdapterRemoved) == 1
	})
	transitions := h.recorder.Transitions(testDevice)
	for _, c := range transitions {
		if c.Reason == ReasonAdapterRemoved && c.From != Connecting {
			t.Errorf("adapter-removed from %s, want Connecting", c.From)
		}
	}
}

func TestMachine_SubscribeFailureWarning(t *testing.T) {
	cfg := testMachineConfig()
	cfg.MaxSubscribeFailures = 2
	h := newHarness(t, cfg, testDevice)
	link := NewMockLink()
	link.subscribeErr = errors.New("org.bluez.Error.NotPermitted")
	h.linkWith(link)
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "subscribe warning", func() bool { return h.record(testDevice).Warning != "" })

	if n := h.recorder.CountReason(testDevice, ReasonSubscribeFailed); n < 2 {
		t.Errorf("subscribe-failed transitions = %d, want at least 2", n)
	}
	if link.Disconnects() < 2 {
		t.Errorf("link disconnected %d times, want once per failure", link.Disconnects())
	}

	// Retries continue after the warning.
	before := h.transport.Connects()
	waitFor(t, "further retries", func() bool { return h.transport.Connects() > before })

	// A successful connection clears it.
	link.mu.Lock()
	link.subscribeErr = nil
	link.mu.Unlock()
	h.waitState(testDevice, Connected)
	if rec := h.record(testDevice); rec.Warning != "" || rec.SubscribeFailures != 0 {
		t.Errorf("record after connect = %+v, want warning cleared", rec)
	}
}

func TestMachine_DiscoveryTimeout(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	link := NewMockLink()
	link.blockSub = true
	h.linkWith(link)
	h.pool.Add(hci0)
	h.start()

	waitFor(t, "discovery timeout", func() bool {
		return h.recorder.CountReason(testDevice, ReasonTimeout) >= 1
	})
	for _, c := range h.recorder.Transitions(testDevice) {
		if c.Reason == ReasonTimeout && c.From != DiscoveringServices {
			t.Errorf("timeout from %s, want DiscoveringServices", c.From)
		}
	}
}

func TestMachine_MalformedPayloadIsNotALinkFailure(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	link := h.transport.Link(testDevice)

	link.Notify(bluetooth.ButtonCharacteristic)
	link.Notify(bluetooth.BatteryLevelCharacteristic, 101)
	link.Notify(bluetooth.ButtonCharacteristic, 0x00)

	waitFor(t, "valid press", func() bool { return len(h.mqtt.OnTopic(buttonTopic)) == 1 })

	if s := h.record(testDevice).State; s != Connected {
		t.Errorf("state = %s after malformed payloads, want connected", s)
	}
	if s := h.events.Stats(); s.Malformed != 2 {
		t.Errorf("Malformed = %d, want 2", s.Malformed)
	}
}

func TestMachine_PublishFailureDoesNotAffectMachine(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.mqtt.SetPublishError(errors.New("not connected"))
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	h.transport.Link(testDevice).Notify(bluetooth.ButtonCharacteristic, 0x01)
	// Four connectivity messages, one status and the press.
	waitFor(t, "dropped publishes", func() bool { return h.publisher.Failures() == 6 })

	if s := h.record(testDevice).State; s != Connected {
		t.Errorf("state = %s, want connected", s)
	}

	h.mqtt.SetPublishError(nil)
	h.transport.Link(testDevice).Notify(bluetooth.ButtonCharacteristic, 0x01)
	waitFor(t, "publish after recovery", func() bool { return len(h.mqtt.OnTopic(buttonTopic)) == 1 })
}

func TestMachine_ShutdownReleasesEverything(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.pool.Add(hci0)
	h.start()

	h.waitState(testDevice, Connected)
	link := h.transport.Link(testDevice)

	h.stop()

	transitions := h.recorder.Transitions(testDevice)
	last := transitions[len(transitions)-1]
	if last.From != Connected || last.To != Disconnected || last.Reason != ReasonNormal {
		t.Errorf("last transition = %+v, want Connected → Disconnected (normal)", last)
	}
	if link.Disconnects() == 0 {
		t.Error("link not disconnected on shutdown")
	}
	if _, free := h.pool.Counts(); free != 1 {
		t.Error("adapter claim not released on shutdown")
	}
}

func TestMachine_ShutdownWhileWaiting(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.start()

	h.waitState(testDevice, AwaitingAdapter)
	h.stop()

	if n := len(h.recorder.Transitions(testDevice)); n != 1 {
		t.Errorf("transitions = %d, want only Idle → AwaitingAdapter", n)
	}
}

func TestMachine_SetAlert(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	m := h.machines[testDevice]

	if err := m.SetAlert(t.Context(), bluetooth.AlertHigh); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetAlert() before connect error = %v, want ErrNotConnected", err)
	}

	h.pool.Add(hci0)
	h.start()
	h.waitState(testDevice, Connected)

	if err := m.SetAlert(t.Context(), bluetooth.AlertHigh); err != nil {
		t.Fatalf("SetAlert() error = %v", err)
	}
	if err := m.SetAlert(t.Context(), 7); err == nil {
		t.Error("SetAlert(7) expected error")
	}

	found := false
	for _, w := range h.transport.Link(testDevice).Writes() {
		if w.Characteristic == bluetooth.AlertLevelCharacteristic && w.Value[0] == bluetooth.AlertHigh {
			found = true
		}
	}
	if !found {
		t.Error("alert level 2 was not written")
	}
}

func TestMachine_RunTwice(t *testing.T) {
	h := newHarness(t, testMachineConfig(), testDevice)
	h.start()
	h.waitState(testDevice, AwaitingAdapter)

	if err := h.machines[testDevice].Run(t.Context()); err == nil {
		t.Error("second Run() expected error")
	}
}
