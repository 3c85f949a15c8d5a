package itag

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type staticStats BridgeStats

func (s staticStats) Stats() BridgeStats { return BridgeStats(s) }

func TestHealthReporter_DetermineStatus(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		stats     BridgeStats
		want      HealthStatus
	}{
		{"healthy", true, BridgeStats{Devices: 2, Adapters: 1}, HealthHealthy},
		{"no devices no adapters", true, BridgeStats{}, HealthHealthy},
		{"devices disconnected", true, BridgeStats{Devices: 2, Connected: 0, Adapters: 1}, HealthHealthy},
		{"no adapters", true, BridgeStats{Devices: 1}, HealthDegraded},
		{"mqtt down", false, BridgeStats{Devices: 1, Adapters: 1}, HealthDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewMockMQTTClient()
			client.SetConnected(tt.connected)
			h := NewHealthReporter(HealthReporterConfig{Publisher: client, Stats: staticStats(tt.stats)})

			if got, _ := h.determineStatus(); got != tt.want {
				t.Errorf("determineStatus() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestHealthReporter_Message(t *testing.T) {
	client := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		Version:   "1.2.3",
		Publisher: client,
		Stats:     staticStats{Devices: 3, Connected: 2, Adapters: 2, AdaptersAvailable: 0},
		QoS:       1,
	})

	if err := h.PublishStarting(); err != nil {
		t.Fatalf("PublishStarting() error = %v", err)
	}

	msgs := client.OnTopic("itag/bridge/health")
	if len(msgs) != 1 || !msgs[0].Retained || msgs[0].QoS != 1 {
		t.Fatalf("health messages = %+v, want one retained at QoS 1", msgs)
	}

	var msg HealthMessage
	if err := json.Unmarshal(msgs[0].Payload, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Status != HealthStarting || msg.Version != "1.2.3" {
		t.Errorf("message = %+v, want starting with version", msg)
	}
	if msg.Devices != 3 || msg.Connected != 2 || msg.Adapters != 2 {
		t.Errorf("counts = %d/%d/%d, want 3/2/2", msg.Devices, msg.Connected, msg.Adapters)
	}
}

func TestHealthReporter_StartStop(t *testing.T) {
	client := NewMockMQTTClient()
	h := NewHealthReporter(HealthReporterConfig{
		Publisher: client,
		Interval:  10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Start(ctx)

	waitFor(t, "periodic health", func() bool { return len(client.OnTopic("itag/bridge/health")) >= 3 })

	h.Stop()
	h.Stop()

	statuses := healthStatuses(t, client)
	if statuses[0] != HealthHealthy {
		t.Errorf("first status = %s, want healthy", statuses[0])
	}
	if last := statuses[len(statuses)-1]; last != HealthStopping {
		t.Errorf("last status = %s, want stopping", last)
	}

	n := len(statuses)
	time.Sleep(30 * time.Millisecond)
	if len(healthStatuses(t, client)) != n {
		t.Error("health published after Stop")
	}
}

func TestHealthReporter_NilPublisher(t *testing.T) {
	h := NewHealthReporter(HealthReporterConfig{})
	if err := h.PublishNow(); err != nil {
		t.Errorf("PublishNow() error = %v", err)
	}
	if h.interval != DefaultHealthInterval {
		t.Errorf("interval = %v, want default", h.interval)
	}
}

func TestHealthReporter_Current(t *testing.T) {
	client := NewMockMQTTClient()
	client.SetConnected(false)
	h := NewHealthReporter(HealthReporterConfig{
		Version:   "1.2.3",
		Publisher: client,
		Stats:     staticStats{Devices: 1, Adapters: 1},
	})

	msg := h.Current()
	if msg.Status != HealthDegraded || msg.Reason != "MQTT disconnected" {
		t.Errorf("Current() = %s (%q), want degraded (MQTT disconnected)", msg.Status, msg.Reason)
	}
	if msg.Version != "1.2.3" || msg.Devices != 1 {
		t.Errorf("Current() = %+v", msg)
	}
	if n := len(client.OnTopic("itag/bridge/health")); n != 0 {
		t.Errorf("Current() published %d messages, want 0", n)
	}
}
