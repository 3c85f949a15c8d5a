package itag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
	"github.com/gunjambi/itag2mqttd/internal/infrastructure/mqtt"
)

// DefaultSettleDelay is how long a newly seen adapter is left to power up
// before devices may claim it.
const DefaultSettleDelay = time.Second

// DefaultPublishQueue bounds the events waiting for the MQTT publisher.
const DefaultPublishQueue = 1024

// MQTTClient is the subset of the MQTT client used by the bridge.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Devices are the configured tags, in configuration order.
	Devices []DeviceSpec

	// Transport is the BLE driver.
	Transport bluetooth.Transport

	// MQTT is the broker client.
	MQTT MQTTClient
	QoS  byte

	Machine MachineConfig

	// AdapterAllowList restricts usable adapters. Empty allows all.
	AdapterAllowList []string

	// SettleDelay delays claiming a newly seen adapter. Zero uses
	// DefaultSettleDelay; negative disables the delay.
	SettleDelay time.Duration

	// ButtonTimestamp publishes press times instead of "pressed".
	ButtonTimestamp bool

	Version        string
	HealthInterval time.Duration

	// HistoryRepo is optional persistence for device records and
	// transitions. HistoryRetention <= 0 keeps history forever.
	HistoryRepo      HistoryRepository
	HistoryRetention time.Duration

	Logger Logger
}

// Bridge wires the adapter pool, device machines, event bridge and
// publisher together and runs them. The publisher is fed from its own
// bounded queue so a slow broker never stalls a device machine.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	store     *Store
	pool      *AdapterPool
	events    *EventBridge
	publisher *Publisher
	health    *HealthReporter
	history   *HistoryRecorder

	machines map[string]*Machine
	order    []*Machine

	transport bluetooth.Transport
	mqtt      MQTTClient
	qos       byte
	settle    time.Duration
	logger    Logger

	// Bridge-level context, cancelled when Run returns. Alert commands
	// arriving from MQTT run under it.
	ctx       context.Context
	ctxCancel context.CancelFunc
	commandWG sync.WaitGroup
}

// NewBridge creates a bridge. Call Run to start it.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}

	store, err := NewStore(opts.Devices)
	if err != nil {
		return nil, err
	}

	logger := orNop(opts.Logger)
	settle := opts.SettleDelay
	if settle == 0 {
		settle = DefaultSettleDelay
	}

	publisher := NewPublisher(PublisherOptions{
		Client:          opts.MQTT,
		QoS:             opts.QoS,
		ButtonTimestamp: opts.ButtonTimestamp,
		Store:           store,
		Logger:          logger,
	})

	pool := NewAdapterPool(opts.AdapterAllowList)
	if sr, ok := opts.Transport.(bluetooth.SignalReporter); ok {
		pool.SetSignalReporter(sr)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:     store,
		pool:      pool,
		events:    NewEventBridge(store, nil),
		publisher: publisher,
		machines:  make(map[string]*Machine, len(opts.Devices)),
		transport: opts.Transport,
		mqtt:      opts.MQTT,
		qos:       opts.QoS,
		settle:    settle,
		logger:    logger,
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}

	b.events.AddObserver("mqtt", publisher, DefaultPublishQueue)

	for _, spec := range opts.Devices {
		m := NewMachine(spec, MachineOptions{
			Config:    opts.Machine,
			Transport: opts.Transport,
			Pool:      pool,
			Store:     store,
			Events:    b.events,
			Logger:    logger,
		})
		b.machines[m.ID()] = m
		b.order = append(b.order, m)
	}

	if opts.HistoryRepo != nil {
		b.history = NewHistoryRecorder(opts.HistoryRepo, store, opts.HistoryRetention, logger)
		b.events.AddObserver("history", b.history, 0)
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Publisher: opts.MQTT,
		Stats:     b,
		QoS:       opts.QoS,
		Logger:    logger,
	})

	return b, nil
}

// Store returns the device record store.
func (b *Bridge) Store() *Store { return b.store }

// Pool returns the adapter pool.
func (b *Bridge) Pool() *AdapterPool { return b.pool }

// Events returns the event bridge.
func (b *Bridge) Events() *EventBridge { return b.events }

// Publisher returns the MQTT publisher.
func (b *Bridge) Publisher() *Publisher { return b.publisher }

// History returns the history recorder, or nil when persistence is off.
func (b *Bridge) History() *HistoryRecorder { return b.history }

// AddObserver registers a secondary event consumer. Call before Run.
func (b *Bridge) AddObserver(name string, sink EventSink) {
	b.events.AddObserver(name, sink, 0)
}

// Health returns the bridge's current health message.
func (b *Bridge) Health() HealthMessage { return b.health.Current() }

// Stats implements StatsSource.
func (b *Bridge) Stats() BridgeStats {
	present, free := b.pool.Counts()
	return BridgeStats{
		Devices:           b.store.Len(),
		Connected:         b.store.CountIn(Connected),
		Adapters:          present,
		AdaptersAvailable: free,
		Events:            b.events.Stats(),
	}
}

// Run starts every device machine and the adapter watcher and blocks until
// ctx is cancelled. On return every link is disconnected, every claim
// released and observers drained.
//
// Errors from the transport while enumerating or watching adapters are
// returned; failures of individual devices never are.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.ctxCancel()

	if b.history != nil {
		if err := b.history.Seed(ctx); err != nil {
			b.logger.Warn("restoring device history failed", "error", err)
		}
	}

	b.publisher.PublishInitial(b.store.IDs())
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	commandTopic := mqtt.Topics{}.AllAlertCommands()
	if err := b.mqtt.Subscribe(commandTopic, b.qos, b.handleAlertCommand); err != nil {
		return fmt.Errorf("subscribe to alert commands: %w", err)
	}
	b.logger.Info("subscribed to commands", "topic", commandTopic)

	adapters, err := b.transport.Adapters(ctx)
	if err != nil {
		return fmt.Errorf("enumerating adapters: %w", err)
	}
	adapterEvents, err := b.transport.WatchAdapters(ctx)
	if err != nil {
		return fmt.Errorf("watching adapters: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.watchAdapters(gctx, adapters, adapterEvents)
	})
	for _, m := range b.order {
		g.Go(func() error {
			return m.Run(gctx)
		})
	}
	if b.history != nil {
		g.Go(func() error {
			b.history.RunPruner(gctx)
			return nil
		})
	}
	b.health.Start(gctx)

	b.logger.Info("bridge started", "devices", len(b.order), "adapters", len(adapters))

	err = g.Wait()

	b.ctxCancel()
	b.commandWG.Wait()
	b.health.Stop()
	b.events.Close()

	b.logger.Info("bridge stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type settledAdapter struct {
	adapter bluetooth.Adapter
	gen     uint64
}

type pendingAdapter struct {
	cancel context.CancelFunc
	gen    uint64
}

// watchAdapters feeds adapter hot-plug events into the pool. Appearing
// adapters join the pool after the settle delay; a removal during the delay
// cancels the pending join.
func (b *Bridge) watchAdapters(ctx context.Context, initial []bluetooth.Adapter, events <-chan bluetooth.AdapterEvent) error {
	pending := make(map[string]pendingAdapter)
	settled := make(chan settledAdapter)
	var gen uint64

	appeared := func(a bluetooth.Adapter) {
		if !b.pool.Allowed(a) {
			b.logger.Info("ignoring adapter not in allow-list", "adapter", a.Label())
			return
		}
		if b.settle < 0 {
			b.pool.Add(a)
			b.logger.Info("adapter available", "adapter", a.Label())
			return
		}
		if p, ok := pending[a.ID]; ok {
			p.cancel()
		}
		gen++
		sctx, cancel := context.WithCancel(ctx)
		pending[a.ID] = pendingAdapter{cancel: cancel, gen: gen}

		go func(s settledAdapter) {
			timer := time.NewTimer(b.settle)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-sctx.Done():
				return
			}
			select {
			case settled <- s:
			case <-sctx.Done():
			}
		}(settledAdapter{adapter: a, gen: gen})
	}

	for _, a := range initial {
		appeared(a)
	}

	defer func() {
		for _, p := range pending {
			p.cancel()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case s := <-settled:
			p, ok := pending[s.adapter.ID]
			if !ok || p.gen != s.gen {
				continue
			}
			p.cancel()
			delete(pending, s.adapter.ID)
			b.pool.Add(s.adapter)
			b.logger.Info("adapter available", "adapter", s.adapter.Label())

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("adapter watch closed")
			}
			switch ev.Kind {
			case bluetooth.AdapterAppeared:
				appeared(ev.Adapter)
			case bluetooth.AdapterRemoved:
				if p, ok := pending[ev.Adapter.ID]; ok {
					p.cancel()
					delete(pending, ev.Adapter.ID)
				}
				if claim, revoked := b.pool.Remove(ev.Adapter.ID); revoked {
					b.logger.Warn("adapter removed while in use",
						"adapter", ev.Adapter.Label(),
						"device", claim.DeviceID)
				} else {
					b.logger.Info("adapter removed", "adapter", ev.Adapter.Label())
				}
			}
		}
	}
}
