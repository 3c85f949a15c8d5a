package itag

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/infrastructure/mqtt"
)

// Status payloads on itag/<id>/status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ButtonPressedPayload is the default button payload.
const ButtonPressedPayload = "pressed"

// MessagePublisher sends one MQTT message. *mqtt.Client implements it.
type MessagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	Client MessagePublisher
	QoS    byte

	// ButtonTimestamp publishes the RFC 3339 press time instead of
	// "pressed" on the button topic.
	ButtonTimestamp bool

	// Store supplies device aliases for JSON payloads. Optional.
	Store  *Store
	Logger Logger
}

// Publisher maps domain events to MQTT messages.
//
// Delivery is at most once: a failed publish is logged, counted and dropped.
// Nothing is replayed. The Bridge runs it as an event observer, so events
// that overflow its queue while the broker is slow are dropped and counted
// as observer drops. The retained status topic changes only
// when a device moves between online and offline, so repeated failed
// reconnects publish a single offline.
type Publisher struct {
	client          MessagePublisher
	qos             byte
	buttonTimestamp bool
	store           *Store
	logger          Logger
	topics          mqtt.Topics

	mu     sync.Mutex
	status map[string]string

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher creates a publisher.
func NewPublisher(opts PublisherOptions) *Publisher {
	return &Publisher{
		client:          opts.Client,
		qos:             opts.QoS,
		buttonTimestamp: opts.ButtonTimestamp,
		store:           opts.Store,
		logger:          orNop(opts.Logger),
		status:          make(map[string]string),
	}
}

// PublishInitial publishes a retained offline status for every device so
// consumers never see a stale online from a previous run.
func (p *Publisher) PublishInitial(deviceIDs []string) {
	for _, id := range deviceIDs {
		p.mu.Lock()
		p.status[id] = StatusOffline
		p.mu.Unlock()
		p.publish(p.topics.Status(id), []byte(StatusOffline), true)
	}
}

// HandleEvent implements EventSink.
func (p *Publisher) HandleEvent(e Event) {
	switch ev := e.(type) {
	case ButtonPressed:
		payload := ButtonPressedPayload
		if p.buttonTimestamp {
			payload = ev.Time.UTC().Format(time.RFC3339)
		}
		p.publish(p.topics.Button(ev.DeviceID), []byte(payload), false)

	case BatteryReported:
		p.publish(p.topics.Battery(ev.DeviceID), []byte(strconv.Itoa(ev.Percent)), true)

	case ConnectivityChanged:
		if status, changed := p.statusChange(ev); changed {
			p.publish(p.topics.Status(ev.DeviceID), []byte(status), true)
		}
		p.publishConnectivity(ev)
	}
}

// statusChange records the status implied by a transition and reports
// whether it differs from the last one published.
func (p *Publisher) statusChange(e ConnectivityChanged) (string, bool) {
	var status string
	switch e.To {
	case Connected:
		status = StatusOnline
	case Disconnected:
		status = StatusOffline
	default:
		return "", false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status[e.DeviceID] == status {
		return "", false
	}
	p.status[e.DeviceID] = status
	return status, true
}

func (p *Publisher) publishConnectivity(e ConnectivityChanged) {
	var alias string
	if p.store != nil {
		if rec, ok := p.store.Get(e.DeviceID); ok {
			alias = rec.Alias
		}
	}
	payload, err := json.Marshal(NewConnectivityMessage(e, alias))
	if err != nil {
		p.logger.Error("encoding connectivity message", "device", e.DeviceID, "error", err)
		return
	}
	p.publish(p.topics.Connectivity(e.DeviceID), payload, true)
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) {
	if p.client == nil {
		return
	}
	if err := p.client.Publish(topic, payload, p.qos, retained); err != nil {
		p.failed.Add(1)
		p.logger.Warn("dropping message",
			"topic", topic,
			"error", fmt.Errorf("%w: %w", ErrPublishFailed, err))
		return
	}
	p.published.Add(1)
}

// Published returns the number of messages handed to the broker client.
func (p *Publisher) Published() uint64 {
	return p.published.Load()
}

// Failures returns the number of dropped messages.
func (p *Publisher) Failures() uint64 {
	return p.failed.Load()
}
