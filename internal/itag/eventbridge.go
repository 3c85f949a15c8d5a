package itag

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
)

// DefaultObserverQueue is the per-observer event buffer.
const DefaultObserverQueue = 256

// EventBridgeStats counts events passing through the bridge.
type EventBridgeStats struct {
	Emitted       uint64 `json:"emitted"`
	Malformed     uint64 `json:"malformed"`
	ObserverDrops uint64 `json:"observer_drops"`
}

type observer struct {
	name  string
	sink  EventSink
	queue chan Event
}

// EventBridge turns machine transitions and notification values into domain
// events. It stamps a per-device sequence number and hands each event to the
// primary sink synchronously and to observers asynchronously. Each observer
// sees events in emission order.
//
// The bridge does no I/O of its own. Observer queues are bounded: when one is
// full the event is dropped for that observer only and counted.
type EventBridge struct {
	store *Store
	sink  EventSink
	now   func() time.Time

	seqMu sync.Mutex
	seq   map[string]uint64

	obsMu     sync.RWMutex
	observers []*observer
	closed    bool
	wg        sync.WaitGroup

	emitted   atomic.Uint64
	malformed atomic.Uint64
	dropped   atomic.Uint64
}

// NewEventBridge creates a bridge delivering to sink. sink may be nil.
func NewEventBridge(store *Store, sink EventSink) *EventBridge {
	return &EventBridge{
		store: store,
		sink:  sink,
		now:   time.Now,
		seq:   make(map[string]uint64),
	}
}

// AddObserver starts delivering copies of every event to o on its own
// goroutine, buffering up to queueSize events (DefaultObserverQueue if <= 0).
func (b *EventBridge) AddObserver(name string, o EventSink, queueSize int) {
	if queueSize <= 0 {
		queueSize = DefaultObserverQueue
	}
	obs := &observer{name: name, sink: o, queue: make(chan Event, queueSize)}

	b.obsMu.Lock()
	defer b.obsMu.Unlock()
	if b.closed {
		return
	}
	b.observers = append(b.observers, obs)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for e := range obs.queue {
			obs.sink.HandleEvent(e)
		}
	}()
}

// Close stops observer delivery after draining queued events.
// Events emitted after Close reach only the primary sink.
func (b *EventBridge) Close() {
	b.obsMu.Lock()
	if b.closed {
		b.obsMu.Unlock()
		return
	}
	b.closed = true
	for _, o := range b.observers {
		close(o.queue)
	}
	b.obsMu.Unlock()
	b.wg.Wait()
}

// Stats returns event counters.
func (b *EventBridge) Stats() EventBridgeStats {
	return EventBridgeStats{
		Emitted:       b.emitted.Load(),
		Malformed:     b.malformed.Load(),
		ObserverDrops: b.dropped.Load(),
	}
}

// Connectivity emits a ConnectivityChanged event.
func (b *EventBridge) Connectivity(deviceID string, from, to State, reason Reason, adapter string, failures int) (ConnectivityChanged, error) {
	h, err := b.header(deviceID)
	if err != nil {
		return ConnectivityChanged{}, err
	}
	e := ConnectivityChanged{
		EventHeader: h,
		From:        from,
		To:          to,
		Reason:      reason,
		Adapter:     adapter,
		Failures:    failures,
	}
	b.dispatch(e)
	return e, nil
}

// Battery emits a BatteryReported event for a level obtained by reading the
// characteristic rather than from a notification.
func (b *EventBridge) Battery(deviceID string, percent int) (BatteryReported, error) {
	if percent < 0 || percent > 100 {
		b.malformed.Add(1)
		return BatteryReported{}, fmt.Errorf("%w: battery level %d out of range", ErrMalformedPayload, percent)
	}
	h, err := b.header(deviceID)
	if err != nil {
		return BatteryReported{}, err
	}
	e := BatteryReported{EventHeader: h, Percent: percent}
	b.dispatch(e)
	return e, nil
}

// Notification decodes a notification value and emits the resulting event.
// Malformed values return an error wrapping ErrMalformedPayload and emit
// nothing.
func (b *EventBridge) Notification(deviceID string, n bluetooth.Notification) (Event, error) {
	if !b.store.Has(deviceID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	d, err := decodeNotification(n)
	if err != nil {
		b.malformed.Add(1)
		return nil, err
	}

	h, err := b.header(deviceID)
	if err != nil {
		return nil, err
	}
	if !n.At.IsZero() {
		h.Time = n.At.UTC()
	}

	var e Event
	switch d.kind {
	case KindButton:
		e = ButtonPressed{EventHeader: h}
	default:
		e = BatteryReported{EventHeader: h, Percent: d.percent}
	}
	b.dispatch(e)
	return e, nil
}

func (b *EventBridge) header(deviceID string) (EventHeader, error) {
	if !b.store.Has(deviceID) {
		return EventHeader{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	b.seqMu.Lock()
	b.seq[deviceID]++
	seq := b.seq[deviceID]
	b.seqMu.Unlock()

	return EventHeader{DeviceID: deviceID, Seq: seq, Time: b.now().UTC()}, nil
}

func (b *EventBridge) dispatch(e Event) {
	b.emitted.Add(1)
	if b.sink != nil {
		b.sink.HandleEvent(e)
	}

	b.obsMu.RLock()
	defer b.obsMu.RUnlock()
	if b.closed {
		return
	}
	for _, o := range b.observers {
		select {
		case o.queue <- e:
		default:
			b.dropped.Add(1)
		}
	}
}
