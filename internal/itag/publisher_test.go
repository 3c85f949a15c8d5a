package itag

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func header(seq uint64) EventHeader {
	return EventHeader{DeviceID: testDevice, Seq: seq, Time: time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func transition(seq uint64, from, to State, reason Reason) ConnectivityChanged {
	return ConnectivityChanged{EventHeader: header(seq), From: from, To: to, Reason: reason}
}

func TestPublisher_Button(t *testing.T) {
	client := NewMockMQTTClient()
	p := NewPublisher(PublisherOptions{Client: client, QoS: 1})

	p.HandleEvent(ButtonPressed{EventHeader: header(1)})

	msgs := client.OnTopic("itag/AA:BB:CC:DD:EE:FF/button")
	if len(msgs) != 1 {
		t.Fatalf("got %d button messages, want 1", len(msgs))
	}
	if string(msgs[0].Payload) != "pressed" || msgs[0].Retained || msgs[0].QoS != 1 {
		t.Errorf("button message = %+v, want non-retained \"pressed\" at QoS 1", msgs[0])
	}
}

func TestPublisher_ButtonTimestamp(t *testing.T) {
	client := NewMockMQTTClient()
	p := NewPublisher(PublisherOptions{Client: client, ButtonTimestamp: true})

	p.HandleEvent(ButtonPressed{EventHeader: header(1)})

	got := client.Payloads("itag/AA:BB:CC:DD:EE:FF/button")
	if len(got) != 1 || got[0] != "2026-03-01T09:30:00Z" {
		t.Errorf("button payloads = %v, want RFC 3339 time", got)
	}
}

func TestPublisher_Battery(t *testing.T) {
	client := NewMockMQTTClient()
	p := NewPublisher(PublisherOptions{Client: client})

	p.HandleEvent(BatteryReported{EventHeader: header(1), Percent: 87})

	msgs := client.OnTopic("itag/AA:BB:CC:DD:EE:FF/battery")
	if len(msgs) != 1 || string(msgs[0].Payload) != "87" || !msgs[0].Retained {
		t.Errorf("battery messages = %+v, want retained \"87\"", msgs)
	}
}

func TestPublisher_StatusOncePerDrop(t *testing.T) {
	client := NewMockMQTTClient()
	p := NewPublisher(PublisherOptions{Client: client})
	p.PublishInitial([]string{testDevice})

	seq := uint64(0)
	next := func() uint64 { seq++; return seq }

	// Three failed attempts before the first connection.
	for range 3 {
		p.HandleEvent(transition(next(), AwaitingAdapter, Connecting, ReasonNormal))
		p.HandleEvent(transition(next(), Connecting, Disconnected, ReasonTimeout))
		p.HandleEvent(transition(next(), Disconnected, AwaitingAdapter, ReasonNormal))
	}
	p.HandleEvent(transition(next(), AwaitingAdapter, Connecting, ReasonNormal))
	p.HandleEvent(transition(next(), Connecting, DiscoveringServices, ReasonNormal))
	p.HandleEvent(transition(next(), DiscoveringServices, Connected, ReasonNormal))

	// One drop followed by two failed retries.
	p.HandleEvent(transition(next(), Connected, Disconnected, ReasonLinkLost))
	for range 2 {
		p.HandleEvent(transition(next(), Disconnected, AwaitingAdapter, ReasonNormal))
		p.HandleEvent(transition(next(), AwaitingAdapter, Connecting, ReasonNormal))
		p.HandleEvent(transition(next(), Connecting, Disconnected, ReasonLinkLost))
	}

	got := client.Payloads("itag/AA:BB:CC:DD:EE:FF/status")
	want := []string{"offline", "online", "offline"}
	if len(got) != len(want) {
		t.Fatalf("status payloads = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("status payloads = %v, want %v", got, want)
		}
	}
	for _, m := range client.OnTopic("itag/AA:BB:CC:DD:EE:FF/status") {
		if !m.Retained {
			t.Error("status message not retained")
		}
	}
}

func TestPublisher_Connectivity(t *testing.T) {
	client := NewMockMQTTClient()
	store, _ := NewStore([]DeviceSpec{{Address: specs(testDevice)[0].Address, Alias: "keys"}})
	p := NewPublisher(PublisherOptions{Client: client, Store: store})

	ev := transition(7, Connected, Disconnected, ReasonAdapterRemoved)
	ev.Adapter = "hci0"
	ev.Failures = 1
	p.HandleEvent(ev)

	msgs := client.OnTopic("itag/AA:BB:CC:DD:EE:FF/connectivity")
	if len(msgs) != 1 || !msgs[0].Retained {
		t.Fatalf("connectivity messages = %+v, want one retained", msgs)
	}

	var msg map[string]any
	if err := json.Unmarshal(msgs[0].Payload, &msg); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	for key, want := range map[string]any{
		"device_id": testDevice,
		"alias":     "keys",
		"state":     "disconnected",
		"previous":  "connected",
		"reason":    "adapter-removed",
		"adapter":   "hci0",
		"failures":  float64(1),
		"seq":       float64(7),
	} {
		if msg[key] != want {
			t.Errorf("%s = %v, want %v", key, msg[key], want)
		}
	}
}

func TestPublisher_FailureIsDropped(t *testing.T) {
	client := NewMockMQTTClient()
	client.SetPublishError(errors.New("broker gone"))
	p := NewPublisher(PublisherOptions{Client: client})

	p.HandleEvent(ButtonPressed{EventHeader: header(1)})
	p.HandleEvent(BatteryReported{EventHeader: header(2), Percent: 5})

	if p.Failures() != 2 {
		t.Errorf("Failures() = %d, want 2", p.Failures())
	}

	// Nothing is replayed once the broker is back.
	client.SetPublishError(nil)
	p.HandleEvent(ButtonPressed{EventHeader: header(3)})
	if got := client.Payloads("itag/AA:BB:CC:DD:EE:FF/button"); len(got) != 1 {
		t.Errorf("button payloads = %v, want only the new press", got)
	}
	if got := client.Payloads("itag/AA:BB:CC:DD:EE:FF/battery"); len(got) != 0 {
		t.Errorf("battery payloads = %v, dropped message was replayed", got)
	}
	if p.Published() != 1 {
		t.Errorf("Published() = %d, want 1", p.Published())
	}
}

func TestPublisher_NilClient(t *testing.T) {
	p := NewPublisher(PublisherOptions{})
	p.HandleEvent(ButtonPressed{EventHeader: header(1)})
	p.PublishInitial([]string{testDevice})
}
