package itag

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/mqtt"
)

const (
	testDevice  = "AA:BB:CC:DD:EE:FF"
	testDevice2 = "11:22:33:44:55:66"
)

var (
	hci0 = bluetooth.Adapter{ID: "/org/bluez/hci0", Name: "hci0", Address: "00:1A:7D:DA:71:13"}
	hci1 = bluetooth.Adapter{ID: "/org/bluez/hci1", Name: "hci1", Address: "00:1A:7D:DA:71:14"}
)

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// MQTT
// =============================================================================

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu         sync.Mutex
	published  []mockPublish
	handlers   map[string]mqtt.MessageHandler
	connected  bool
	publishErr error
	block      chan struct{}
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	block := m.block
	m.mu.Unlock()
	if block != nil {
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetPublishError(err error) {
	m.mu.Lock()
	m.publishErr = err
	m.mu.Unlock()
}

// BlockPublishes makes Publish wait, as it would on a stalled broker, until
// release is called.
func (m *MockMQTTClient) BlockPublishes() (release func()) {
	block := make(chan struct{})
	m.mu.Lock()
	m.block = block
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.block = nil
			m.mu.Unlock()
			close(block)
		})
	}
}

func (m *MockMQTTClient) SetConnected(connected bool) {
	m.mu.Lock()
	m.connected = connected
	m.mu.Unlock()
}

// OnTopic returns every message published to topic.
func (m *MockMQTTClient) OnTopic(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// Payloads returns the payloads published to topic as strings.
func (m *MockMQTTClient) Payloads(topic string) []string {
	var out []string
	for _, p := range m.OnTopic(topic) {
		out = append(out, string(p.Payload))
	}
	return out
}

// SimulateMessage delivers a message to the handler registered for filter.
func (m *MockMQTTClient) SimulateMessage(filter, topic string, payload []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[filter]
	m.mu.Unlock()
	if !ok {
		return errors.New("no handler for " + filter)
	}
	return handler(topic, payload)
}

// =============================================================================
// Transport
// =============================================================================

// MockTransport implements bluetooth.Transport for testing.
type MockTransport struct {
	mu          sync.Mutex
	adapters    []bluetooth.Adapter
	events      chan bluetooth.AdapterEvent
	connectFunc func(ctx context.Context, a bluetooth.Adapter, addr bluetooth.Address) (bluetooth.Link, error)
	links       map[string][]*MockLink
	connects    []string
}

func NewMockTransport(adapters ...bluetooth.Adapter) *MockTransport {
	return &MockTransport{
		adapters: adapters,
		events:   make(chan bluetooth.AdapterEvent, 8),
		links:    make(map[string][]*MockLink),
	}
}

func (m *MockTransport) Adapters(context.Context) ([]bluetooth.Adapter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bluetooth.Adapter(nil), m.adapters...), nil
}

func (m *MockTransport) WatchAdapters(ctx context.Context) (<-chan bluetooth.AdapterEvent, error) {
	out := make(chan bluetooth.AdapterEvent)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.events:
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (m *MockTransport) Connect(ctx context.Context, a bluetooth.Adapter, addr bluetooth.Address) (bluetooth.Link, error) {
	m.mu.Lock()
	fn := m.connectFunc
	m.connects = append(m.connects, addr.String()+"@"+a.Name)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, a, addr)
	}
	link := NewMockLink()
	link.adapter = a.ID
	m.mu.Lock()
	m.links[addr.String()] = append(m.links[addr.String()], link)
	m.mu.Unlock()
	return link, nil
}

func (m *MockTransport) SetConnectFunc(fn func(ctx context.Context, a bluetooth.Adapter, addr bluetooth.Address) (bluetooth.Link, error)) {
	m.mu.Lock()
	m.connectFunc = fn
	m.mu.Unlock()
}

// Link returns the most recent link created for a device, or nil.
func (m *MockTransport) Link(deviceID string) *MockLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := m.links[deviceID]
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

// LinkCount returns how many links were created for a device.
func (m *MockTransport) LinkCount(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links[deviceID])
}

func (m *MockTransport) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connects)
}

// Emit queues an adapter event. Like BlueZ, removing an adapter then drops
// every link on it with ErrAdapterRemoved, before the bridge has seen the
// event.
func (m *MockTransport) Emit(ev bluetooth.AdapterEvent) {
	m.events <- ev
	if ev.Kind != bluetooth.AdapterRemoved {
		return
	}
	m.mu.Lock()
	var lost []*MockLink
	for _, links := range m.links {
		for _, l := range links {
			if l.adapter == ev.Adapter.ID {
				lost = append(lost, l)
			}
		}
	}
	m.mu.Unlock()
	for _, l := range lost {
		l.DropWith(bluetooth.ErrAdapterRemoved)
	}
}

// blockUntilCancelled is a connect func that never completes on its own.
func blockUntilCancelled(ctx context.Context, _ bluetooth.Adapter, _ bluetooth.Address) (bluetooth.Link, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// mockSignal implements bluetooth.SignalReporter.
type mockSignal map[string]int16

func (s mockSignal) SignalStrength(_ context.Context, a bluetooth.Adapter, _ bluetooth.Address) (int16, bool) {
	rssi, ok := s[a.Name]
	return rssi, ok
}

// =============================================================================
// Link
// =============================================================================

type mockWrite struct {
	Characteristic bluetooth.CharacteristicID
	Value          []byte
}

// MockLink implements bluetooth.Link for testing.
type MockLink struct {
	mu           sync.Mutex
	adapter      string
	notes        chan bluetooth.Notification
	lost         chan struct{}
	lostOnce     sync.Once
	cause        error
	subscribed   []bluetooth.CharacteristicID
	writes       []mockWrite
	subscribeErr error
	blockSub     bool
	battery      []byte
	disconnects  int
}

func NewMockLink() *MockLink {
	return &MockLink{
		notes: make(chan bluetooth.Notification, 16),
		lost:  make(chan struct{}),
	}
}

func (l *MockLink) Subscribe(ctx context.Context, id bluetooth.CharacteristicID) error {
	l.mu.Lock()
	block, err := l.blockSub, l.subscribeErr
	l.mu.Unlock()

	if id == bluetooth.ButtonCharacteristic {
		if block {
			<-ctx.Done()
			return ctx.Err()
		}
		if err != nil {
			return err
		}
	}

	l.mu.Lock()
	l.subscribed = append(l.subscribed, id)
	l.mu.Unlock()
	return nil
}

func (l *MockLink) Notifications() <-chan bluetooth.Notification {
	return l.notes
}

func (l *MockLink) Read(_ context.Context, id bluetooth.CharacteristicID) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id != bluetooth.BatteryLevelCharacteristic || l.battery == nil {
		return nil, bluetooth.ErrCharacteristicNotFound
	}
	return l.battery, nil
}

func (l *MockLink) Write(_ context.Context, id bluetooth.CharacteristicID, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writes = append(l.writes, mockWrite{Characteristic: id, Value: append([]byte(nil), value...)})
	return nil
}

func (l *MockLink) Lost() <-chan struct{} {
	return l.lost
}

func (l *MockLink) Disconnect() {
	l.mu.Lock()
	l.disconnects++
	l.mu.Unlock()
}

func (l *MockLink) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cause
}

// Drop simulates the transport reporting link loss.
func (l *MockLink) Drop() {
	l.DropWith(bluetooth.ErrLinkClosed)
}

// DropWith simulates link loss with the given cause. The first cause wins.
func (l *MockLink) DropWith(cause error) {
	l.mu.Lock()
	if l.cause == nil {
		l.cause = cause
	}
	l.mu.Unlock()
	l.lostOnce.Do(func() { close(l.lost) })
}

// Notify simulates a characteristic notification.
func (l *MockLink) Notify(id bluetooth.CharacteristicID, value ...byte) {
	l.notes <- bluetooth.Notification{Characteristic: id, Value: value, At: time.Now()}
}

func (l *MockLink) Writes() []mockWrite {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]mockWrite(nil), l.writes...)
}

func (l *MockLink) Subscribed() []bluetooth.CharacteristicID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bluetooth.CharacteristicID(nil), l.subscribed...)
}

func (l *MockLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// =============================================================================
// Events
// =============================================================================

// eventRecorder is an EventSink that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) HandleEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Transitions returns the connectivity events for a device.
func (r *eventRecorder) Transitions(deviceID string) []ConnectivityChanged {
	var out []ConnectivityChanged
	for _, e := range r.All() {
		if c, ok := e.(ConnectivityChanged); ok && c.DeviceID == deviceID {
			out = append(out, c)
		}
	}
	return out
}

// CountReason counts transitions for a device with the given reason.
func (r *eventRecorder) CountReason(deviceID string, reason Reason) int {
	n := 0
	for _, c := range r.Transitions(deviceID) {
		if c.Reason == reason {
			n++
		}
	}
	return n
}
