// Package metrics exposes bridge activity as Prometheus metrics.
//
// A Collector is registered as an event observer on the bridge. Per-event
// counters (transitions, presses, battery) are updated from events; counts
// the bridge already keeps (connected devices, adapters, publish results,
// dropped payloads) are read at scrape time.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gunjambi/itag2mqttd/internal/itag"
)

const namespace = "itag"

// StatsSource reports bridge-wide counts. *itag.Bridge implements it.
type StatsSource interface {
	Stats() itag.BridgeStats
}

// PublishCounter reports MQTT publish results. *itag.Publisher implements it.
type PublishCounter interface {
	Published() uint64
	Failures() uint64
}

// Collector holds the bridge's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	presses     *prometheus.CounterVec
	battery     *prometheus.GaugeVec
}

// New creates a Collector on its own registry. Go runtime and process
// metrics are included.
func New(stats StatsSource, publishes PublishCounter) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Connectivity state transitions by target state and reason.",
		}, []string{"state", "reason"}),
		presses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "button_presses_total",
			Help:      "Button presses received per device.",
		}, []string{"device"}),
		battery: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_percent",
			Help:      "Last reported battery level per device.",
		}, []string{"device"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.transitions,
		c.presses,
		c.battery,
	)

	if stats != nil {
		c.registry.MustRegister(
			gauge("devices", "Configured devices.", func() float64 {
				return float64(stats.Stats().Devices)
			}),
			gauge("devices_connected", "Devices currently connected.", func() float64 {
				return float64(stats.Stats().Connected)
			}),
			gauge("adapters", "Adapters present in the pool.", func() float64 {
				return float64(stats.Stats().Adapters)
			}),
			gauge("adapters_available", "Adapters present and unclaimed.", func() float64 {
				return float64(stats.Stats().AdaptersAvailable)
			}),
			counter("malformed_payloads_total", "Notification payloads dropped as malformed.", func() float64 {
				return float64(stats.Stats().Events.Malformed)
			}),
			counter("observer_drops_total", "Events dropped because an observer queue was full.", func() float64 {
				return float64(stats.Stats().Events.ObserverDrops)
			}),
		)
	}

	if publishes != nil {
		c.registry.MustRegister(
			counter("mqtt_published_total", "MQTT messages published.", func() float64 {
				return float64(publishes.Published())
			}),
			counter("mqtt_publish_failures_total", "MQTT publishes that failed and were dropped.", func() float64 {
				return float64(publishes.Failures())
			}),
		)
	}

	return c
}

func gauge(name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

func counter(name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, fn)
}

// HandleEvent implements itag.EventSink.
func (c *Collector) HandleEvent(e itag.Event) {
	switch ev := e.(type) {
	case itag.ConnectivityChanged:
		c.transitions.WithLabelValues(ev.To.String(), string(ev.Reason)).Inc()
	case itag.ButtonPressed:
		c.presses.WithLabelValues(ev.DeviceID).Inc()
	case itag.BatteryReported:
		c.battery.WithLabelValues(ev.DeviceID).Set(float64(ev.Percent))
	}
}

// Registry returns the registry the metrics are registered on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
