package itag

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// History timing.
const (
	historyWriteTimeout = 5 * time.Second
	pruneInterval       = time.Hour
)

// ConnectivityRecord is one persisted state transition.
type ConnectivityRecord struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       uint64    `json:"seq"`
	From      State     `json:"from"`
	To        State     `json:"to"`
	Reason    Reason    `json:"reason"`
	Adapter   string    `json:"adapter,omitempty"`
	Failures  int       `json:"failures"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRepository persists device records and their history.
//
// Implementations must be thread-safe and use UTC timestamps.
type HistoryRepository interface {
	// SaveDevice inserts or updates the persisted copy of a device record.
	SaveDevice(ctx context.Context, rec DeviceRecord) error

	// LoadDevices returns every persisted device record.
	LoadDevices(ctx context.Context) ([]DeviceRecord, error)

	// RecordTransition appends a connectivity history row.
	RecordTransition(ctx context.Context, rec ConnectivityRecord) error

	// RecordButtonPress appends a button press row.
	RecordButtonPress(ctx context.Context, deviceID string, seq uint64, at time.Time) error

	// GetHistory returns recent transitions for a device, newest first.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]ConnectivityRecord, error)

	// PruneHistory deletes history rows older than olderThan.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// HistoryRecorder is an event observer that persists transitions, presses
// and the latest device record.
//
// Transitions from Connecting through the following Disconnected share a
// session id, so one connection attempt can be followed in the history.
type HistoryRecorder struct {
	repo      HistoryRepository
	store     *Store
	retention time.Duration
	logger    Logger

	mu       sync.Mutex
	sessions map[string]string
}

// NewHistoryRecorder creates a recorder. retention <= 0 disables pruning.
func NewHistoryRecorder(repo HistoryRepository, store *Store, retention time.Duration, logger Logger) *HistoryRecorder {
	return &HistoryRecorder{
		repo:      repo,
		store:     store,
		retention: retention,
		logger:    orNop(logger),
		sessions:  make(map[string]string),
	}
}

// Seed restores persisted battery levels and contact times into the store,
// then saves every configured device so history rows can reference it.
func (h *HistoryRecorder) Seed(ctx context.Context) error {
	saved, err := h.repo.LoadDevices(ctx)
	if err != nil {
		return err
	}
	for _, rec := range saved {
		if !h.store.Has(rec.ID) {
			continue
		}
		if err := h.store.Restore(rec.ID, rec.Battery, rec.LastContact); err != nil {
			return err
		}
	}

	for _, rec := range h.store.List() {
		if err := h.repo.SaveDevice(ctx, rec); err != nil {
			return err
		}
	}
	h.logger.Debug("device history seeded", "restored", len(saved))
	return nil
}

// HandleEvent implements EventSink.
func (h *HistoryRecorder) HandleEvent(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), historyWriteTimeout)
	defer cancel()

	switch ev := e.(type) {
	case ConnectivityChanged:
		rec := ConnectivityRecord{
			ID:        uuid.NewString(),
			DeviceID:  ev.DeviceID,
			SessionID: h.session(ev),
			Seq:       ev.Seq,
			From:      ev.From,
			To:        ev.To,
			Reason:    ev.Reason,
			Adapter:   ev.Adapter,
			Failures:  ev.Failures,
			CreatedAt: ev.Time,
		}
		if err := h.repo.RecordTransition(ctx, rec); err != nil {
			h.logger.Warn("recording transition failed", "device", ev.DeviceID, "error", err)
		}
	case ButtonPressed:
		if err := h.repo.RecordButtonPress(ctx, ev.DeviceID, ev.Seq, ev.Time); err != nil {
			h.logger.Warn("recording button press failed", "device", ev.DeviceID, "error", err)
		}
	}

	if rec, ok := h.store.Get(e.Header().DeviceID); ok {
		if err := h.repo.SaveDevice(ctx, rec); err != nil {
			h.logger.Warn("saving device record failed", "device", rec.ID, "error", err)
		}
	}
}

// session returns the session id for a transition, opening a new session
// on entry into Connecting and closing it on entry into Disconnected.
func (h *HistoryRecorder) session(e ConnectivityChanged) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e.To == Connecting {
		h.sessions[e.DeviceID] = uuid.NewString()
	}
	id := h.sessions[e.DeviceID]
	if e.To == Disconnected {
		delete(h.sessions, e.DeviceID)
	}
	return id
}

// History returns recent transitions for a device.
func (h *HistoryRecorder) History(ctx context.Context, deviceID string, limit int) ([]ConnectivityRecord, error) {
	return h.repo.GetHistory(ctx, deviceID, limit)
}

// RunPruner deletes history older than the retention period once at start
// and then hourly until ctx is cancelled.
func (h *HistoryRecorder) RunPruner(ctx context.Context) {
	if h.retention <= 0 {
		return
	}

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		n, err := h.repo.PruneHistory(ctx, h.retention)
		switch {
		case err != nil && ctx.Err() == nil:
			h.logger.Warn("pruning history failed", "error", err)
		case n > 0:
			h.logger.Info("pruned history", "rows", n, "retention", h.retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
