package itag

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

func newTestBridge(t *testing.T, transport *MockTransport, opts BridgeOptions) (*Bridge, *MockMQTTClient) {
	t.Helper()
	client := NewMockMQTTClient()
	opts.Transport = transport
	opts.MQTT = client
	if opts.Devices == nil {
		opts.Devices = specs(testDevice)
	}
	if opts.SettleDelay == 0 {
		opts.SettleDelay = -1
	}
	if opts.Machine == (MachineConfig{}) {
		opts.Machine = testMachineConfig()
	}
	opts.Version = "test"

	b, err := NewBridge(opts)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	return b, client
}

// startBridge runs b in the background and returns a function that stops it
// and reports Run's result.
func startBridge(t *testing.T, b *Bridge) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	var (
		once sync.Once
		err  error
	)
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-done:
			case <-time.After(3 * time.Second):
				t.Fatal("bridge did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { stop() }) //nolint:errcheck
	return stop
}

func healthStatuses(t *testing.T, client *MockMQTTClient) []HealthStatus {
	t.Helper()
	var out []HealthStatus
	for _, m := range client.OnTopic("itag/bridge/health") {
		var msg HealthMessage
		if err := json.Unmarshal(m.Payload, &msg); err != nil {
			t.Fatalf("health payload is not JSON: %v", err)
		}
		out = append(out, msg.Status)
	}
	return out
}

func TestNewBridge_Validation(t *testing.T) {
	if _, err := NewBridge(BridgeOptions{MQTT: NewMockMQTTClient()}); err == nil {
		t.Error("NewBridge() without transport expected error")
	}
	if _, err := NewBridge(BridgeOptions{Transport: NewMockTransport()}); err == nil {
		t.Error("NewBridge() without MQTT expected error")
	}
	_, err := NewBridge(BridgeOptions{
		Transport: NewMockTransport(),
		MQTT:      NewMockMQTTClient(),
		Devices:   specs(testDevice, testDevice),
	})
	if !errors.Is(err, ErrDuplicateDevice) {
		t.Errorf("NewBridge() with duplicates error = %v, want ErrDuplicateDevice", err)
	}
}

func TestBridge_StartupPublishes(t *testing.T) {
	b, client := newTestBridge(t, NewMockTransport(), BridgeOptions{Devices: specs(testDevice, testDevice2)})
	startBridge(t, b)

	waitFor(t, "health reporting", func() bool { return len(healthStatuses(t, client)) >= 2 })

	for _, id := range []string{testDevice, testDevice2} {
		got := client.Payloads("itag/" + id + "/status")
		if len(got) == 0 || got[0] != "offline" {
			t.Errorf("%s status payloads = %v, want offline first", id, got)
		}
	}

	statuses := healthStatuses(t, client)
	if statuses[0] != HealthStarting {
		t.Errorf("first health status = %s, want starting", statuses[0])
	}
	// Devices configured but no adapters.
	if statuses[1] != HealthDegraded {
		t.Errorf("health status = %s, want degraded without adapters", statuses[1])
	}

	if err := client.SimulateMessage("itag/+/alert/set", "itag/"+testDevice+"/alert/set", []byte("1")); err != nil {
		t.Errorf("alert command subscription missing: %v", err)
	}
}

func TestBridge_ConnectsThroughInitialAdapter(t *testing.T) {
	b, client := newTestBridge(t, NewMockTransport(hci0), BridgeOptions{})
	startBridge(t, b)

	waitFor(t, "device connected", func() bool { return b.Store().CountIn(Connected) == 1 })
	waitFor(t, "online status", func() bool {
		got := client.Payloads("itag/" + testDevice + "/status")
		return len(got) == 2 && got[1] == "online"
	})

	s := b.Stats()
	if s.Devices != 1 || s.Connected != 1 || s.Adapters != 1 || s.AdaptersAvailable != 0 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestBridge_AlertCommand(t *testing.T) {
	transport := NewMockTransport(hci0)
	b, client := newTestBridge(t, transport, BridgeOptions{})
	startBridge(t, b)

	waitFor(t, "device connected", func() bool { return b.Store().CountIn(Connected) == 1 })

	// Device ids in topics are accepted in any case.
	err := client.SimulateMessage("itag/+/alert/set", "itag/aa:bb:cc:dd:ee:ff/alert/set", []byte("high"))
	if err != nil {
		t.Fatalf("alert command error = %v", err)
	}

	waitFor(t, "alert write", func() bool {
		for _, w := range transport.Link(testDevice).Writes() {
			if w.Characteristic == bluetooth.AlertLevelCharacteristic && w.Value[0] == bluetooth.AlertHigh {
				return true
			}
		}
		return false
	})

	if err := client.SimulateMessage("itag/+/alert/set", "itag/"+testDevice+"/alert/set", []byte("loud")); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("invalid level error = %v, want ErrMalformedPayload", err)
	}
	if err := client.SimulateMessage("itag/+/alert/set", "itag/bridge/alert/set", []byte("1")); err == nil {
		t.Error("command on bridge topic expected error")
	}
}

func TestBridge_AdapterHotPlug(t *testing.T) {
	transport := NewMockTransport()
	b, _ := newTestBridge(t, transport, BridgeOptions{})
	rec := &eventRecorder{}
	b.AddObserver("recorder", rec)
	startBridge(t, b)

	waitFor(t, "awaiting adapter", func() bool { return b.Store().CountIn(AwaitingAdapter) == 1 })

	transport.Emit(bluetooth.AdapterEvent{Kind: bluetooth.AdapterAppeared, Adapter: hci0})
	waitFor(t, "device connected", func() bool { return b.Store().CountIn(Connected) == 1 })

	transport.Emit(bluetooth.AdapterEvent{Kind: bluetooth.AdapterRemoved, Adapter: hci0})
	waitFor(t, "adapter-removed event", func() bool {
		return rec.CountReason(testDevice, ReasonAdapterRemoved) == 1
	})
	waitFor(t, "awaiting adapter again", func() bool { return b.Store().CountIn(AwaitingAdapter) == 1 })

	if present, _ := b.Pool().Counts(); present != 0 {
		t.Errorf("adapters present = %d after removal, want 0", present)
	}
}

func TestBridge_AdapterRemovedDropsLinkFirst(t *testing.T) {
	transport := NewMockTransport(hci0)
	b, _ := newTestBridge(t, transport, BridgeOptions{})
	rec := &eventRecorder{}
	b.AddObserver("recorder", rec)
	startBridge(t, b)

	waitFor(t, "device connected", func() bool { return b.Store().CountIn(Connected) == 1 })
	link := transport.Link(testDevice)

	// BlueZ drops the link as it queues the removal event; the link's own
	// disconnect report follows.
	transport.Emit(bluetooth.AdapterEvent{Kind: bluetooth.AdapterRemoved, Adapter: hci0})
	link.Drop()

	waitFor(t, "awaiting adapter again", func() bool { return b.Store().CountIn(AwaitingAdapter) == 1 })
	time.Sleep(50 * time.Millisecond)

	var fromConnected []Reason
	for _, c := range rec.Transitions(testDevice) {
		if c.From == Connected {
			fromConnected = append(fromConnected, c.Reason)
		}
	}
	if len(fromConnected) != 1 || fromConnected[0] != ReasonAdapterRemoved {
		t.Errorf("transitions out of connected = %v, want [adapter-removed]", fromConnected)
	}
	if n := rec.CountReason(testDevice, ReasonAdapterRemoved); n != 1 {
		t.Errorf("adapter-removed transitions = %d, want 1", n)
	}
	if n := rec.CountReason(testDevice, ReasonLinkLost); n != 0 {
		t.Errorf("link-lost transitions = %d, want 0", n)
	}
	if n := transport.LinkCount(testDevice); n != 1 {
		t.Errorf("links = %d, want 1", n)
	}
}

func TestBridge_StalledBrokerDoesNotBlockMachines(t *testing.T) {
	transport := NewMockTransport(hci0)
	b, client := newTestBridge(t, transport, BridgeOptions{})
	rec := &eventRecorder{}
	b.AddObserver("recorder", rec)
	startBridge(t, b)

	waitFor(t, "online status", func() bool {
		got := client.Payloads("itag/" + testDevice + "/status")
		return len(got) == 2 && got[1] == StatusOnline
	})

	release := client.BlockPublishes()
	t.Cleanup(release)

	start := time.Now()
	transport.Link(testDevice).Drop()
	waitFor(t, "link-lost transition", func() bool {
		return rec.CountReason(testDevice, ReasonLinkLost) == 1
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("disconnect took %v with the broker stalled", elapsed)
	}
	waitFor(t, "reconnected", func() bool { return transport.LinkCount(testDevice) == 2 })

	release()
	waitFor(t, "queued status delivered", func() bool {
		got := client.Payloads("itag/" + testDevice + "/status")
		return len(got) == 4 && got[2] == StatusOffline && got[3] == StatusOnline
	})
}

func TestBridge_SettleDelay(t *testing.T) {
	transport := NewMockTransport()
	b, _ := newTestBridge(t, transport, BridgeOptions{SettleDelay: 50 * time.Millisecond})
	startBridge(t, b)

	transport.Emit(bluetooth.AdapterEvent{Kind: bluetooth.AdapterAppeared, Adapter: hci0})
	time.Sleep(10 * time.Millisecond)
	if present, _ := b.Pool().Counts(); present != 0 {
		t.Error("adapter joined the pool before settling")
	}

	waitFor(t, "adapter settled", func() bool {
		present, _ := b.Pool().Counts()
		return present == 1
	})
}

func TestBridge_RemovalCancelsSettle(t *testing.T) {
	transport := NewMockTransport()
	b, _ := newTestBridge(t, transport, BridgeOptions{SettleDelay: 50 * time.Millisecond})
	startBridge(t, b)

	transport.Emit(bluetooth.AdapterEvent{Kind: bluetooth.AdapterAppeared, Adapter: hci0})
	transport.Emit(bluetooth.AdapterEvent{Kind: bluetooth.AdapterRemoved, Adapter: hci0})
	time.Sleep(150 * time.Millisecond)

	if present, _ := b.Pool().Counts(); present != 0 {
		t.Error("removed adapter joined the pool after its settle delay")
	}
}

func TestBridge_AllowList(t *testing.T) {
	b, _ := newTestBridge(t, NewMockTransport(hci0), BridgeOptions{AdapterAllowList: []string{"hci1"}})
	startBridge(t, b)

	waitFor(t, "awaiting adapter", func() bool { return b.Store().CountIn(AwaitingAdapter) == 1 })
	time.Sleep(30 * time.Millisecond)
	if present, _ := b.Pool().Counts(); present != 0 {
		t.Error("adapter outside the allow-list joined the pool")
	}
}

func TestBridge_Shutdown(t *testing.T) {
	transport := NewMockTransport(hci0)
	b, client := newTestBridge(t, transport, BridgeOptions{})
	stop := startBridge(t, b)

	waitFor(t, "device connected", func() bool { return b.Store().CountIn(Connected) == 1 })
	link := transport.Link(testDevice)

	if err := stop(); err != nil {
		t.Fatalf("Run() error = %v, want nil on cancellation", err)
	}

	if link.Disconnects() == 0 {
		t.Error("link not disconnected on shutdown")
	}
	if _, free := b.Pool().Counts(); free != 1 {
		t.Error("adapter not released on shutdown")
	}
	if rec, _ := b.Store().Get(testDevice); rec.State != Disconnected || rec.Reason != ReasonNormal {
		t.Errorf("record after shutdown = %s (%s), want disconnected (normal)", rec.State, rec.Reason)
	}

	statuses := healthStatuses(t, client)
	if statuses[len(statuses)-1] != HealthStopping {
		t.Errorf("last health status = %s, want stopping", statuses[len(statuses)-1])
	}
	got := client.Payloads("itag/" + testDevice + "/status")
	if got[len(got)-1] != "offline" {
		t.Errorf("status payloads = %v, want offline last", got)
	}
}

func TestBridge_HistoryRestoredOnRun(t *testing.T) {
	b, _ := newTestBridge(t, NewMockTransport(), BridgeOptions{})
	if b.History() != nil {
		t.Fatal("History() should be nil without a repository")
	}

	repo := newFakeHistoryRepo()
	pct := 40
	repo.saved[testDevice] = DeviceRecord{ID: testDevice, Battery: &pct}

	b, _ = newTestBridge(t, NewMockTransport(), BridgeOptions{HistoryRepo: repo})
	if b.History() == nil {
		t.Fatal("History() should be set when a repository is given")
	}
	startBridge(t, b)

	waitFor(t, "battery restored from history", func() bool {
		rec, _ := b.Store().Get(testDevice)
		return rec.Battery != nil && *rec.Battery == pct
	})
}
