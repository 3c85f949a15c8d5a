package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gunjambi/itag2mqttd/internal/bluetooth"
	"github.com/gunjambi/itag2mqttd/internal/itag"
)

// History query limits.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// handleListDevices returns every configured device in configuration order.
func (s *Server) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	devices := s.devices.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// handleGetDevice returns a single device record.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleDeviceHistory returns recent connectivity transitions, newest first.
// Query: ?limit=N (default 50, max 1000).
func (s *Server) handleDeviceHistory(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeUnavailable(w, "history is not enabled")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	records, err := s.history.History(r.Context(), rec.ID, limit)
	if err != nil {
		s.logger.Error("reading device history failed", "device", rec.ID, "error", err)
		writeInternalError(w, "failed to read history")
		return
	}
	if records == nil {
		records = []itag.ConnectivityRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": rec.ID,
		"history":   records,
		"count":     len(records),
	})
}

// alertRequest is the body for POST /devices/{id}/alert.
// Level accepts 0, 1, 2 or none, mild, high.
type alertRequest struct {
	Level json.RawMessage `json:"level"`
}

// handleSetAlert writes an alert level to a connected device.
func (s *Server) handleSetAlert(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	if s.alerts == nil {
		writeUnavailable(w, "alert commands are not available")
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Level) == 0 {
		writeBadRequest(w, "body must be {\"level\": ...}")
		return
	}

	// Accept both "high" and 2.
	raw := req.Level
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		raw = []byte(name)
	}
	level, err := itag.ParseAlertLevel(raw)
	if err != nil {
		writeBadRequest(w, "level must be 0, 1, 2, none, mild or high")
		return
	}

	switch err := s.alerts.SetAlert(r.Context(), rec.ID, level); {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"device_id": rec.ID, "level": level})
	case errors.Is(err, itag.ErrNotConnected):
		writeError(w, http.StatusConflict, ErrCodeConflict, "device is not connected")
	case errors.Is(err, itag.ErrUnknownDevice):
		writeNotFound(w, "device not found")
	default:
		s.logger.Warn("alert write failed", "device", rec.ID, "error", err)
		writeInternalError(w, "alert write failed")
	}
}

// handleListAdapters returns every adapter in the pool with its claim.
func (s *Server) handleListAdapters(w http.ResponseWriter, _ *http.Request) {
	adapters := s.adapters.Snapshot()
	if adapters == nil {
		adapters = []itag.AdapterStatus{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"adapters": adapters,
		"count":    len(adapters),
	})
}

// lookupDevice resolves the {id} URL parameter. Addresses may use either
// case and '-' separators. It writes the error response itself.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (itag.DeviceRecord, bool) {
	id := chi.URLParam(r, "id")
	addr, err := bluetooth.ParseAddress(id)
	if err != nil {
		writeBadRequest(w, "device id must be a Bluetooth address")
		return itag.DeviceRecord{}, false
	}
	rec, ok := s.devices.Get(addr.String())
	if !ok {
		writeNotFound(w, "device not found")
		return itag.DeviceRecord{}, false
	}
	return rec, true
}
