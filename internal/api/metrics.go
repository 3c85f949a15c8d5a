package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gunjambi/itag2mqttd/internal/itag"
)

// SystemMetrics is the response of GET /api/v1/system. Prometheus
// exposition is served separately on /metrics.
type SystemMetrics struct {
	Timestamp     string                `json:"timestamp"`
	Version       string                `json:"version"`
	UptimeSeconds int64                 `json:"uptime_seconds"`
	Runtime       RuntimeMetrics        `json:"runtime"`
	WebSocket     WSMetrics             `json:"websocket"`
	MQTT          MQTTMetrics           `json:"mqtt"`
	Devices       DeviceMetrics         `json:"devices"`
	Events        itag.EventBridgeStats `json:"events"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics counts devices and adapters.
type DeviceMetrics struct {
	Total             int            `json:"total"`
	ByState           map[string]int `json:"by_state"`
	Adapters          int            `json:"adapters"`
	AdaptersAvailable int            `json:"adapters_available"`
}

// handleSystemMetrics returns a JSON summary of the daemon.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	health := s.health.Health()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Devices: DeviceMetrics{
			ByState:           make(map[string]int),
			Adapters:          health.Adapters,
			AdaptersAvailable: health.AdaptersAvailable,
		},
		Events: health.Events,
	}

	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}

	for _, rec := range s.devices.List() {
		metrics.Devices.Total++
		metrics.Devices.ByState[rec.State.String()]++
	}

	writeJSON(w, http.StatusOK, metrics)
}
