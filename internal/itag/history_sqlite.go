package itag

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// sqliteTimeLayout is fixed-width so stored timestamps sort lexically.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"
)

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a repository on an open, migrated
// database.
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp is empty")
	}
	t, err := time.Parse(sqliteTimeLayout, value)
	if err == nil {
		return t, nil
	}
	fallback, fallbackErr := time.Parse(time.RFC3339Nano, value)
	if fallbackErr == nil {
		return fallback.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
}

// SaveDevice upserts a device record.
func (r *SQLiteHistoryRepository) SaveDevice(ctx context.Context, rec DeviceRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("device id is required")
	}

	var battery sql.NullInt64
	if rec.Battery != nil {
		battery = sql.NullInt64{Int64: int64(*rec.Battery), Valid: true}
	}
	var lastContact sql.NullString
	if rec.LastContact != nil {
		lastContact = sql.NullString{String: formatTime(*rec.LastContact), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (id, alias, state, battery, last_contact, consecutive_failures, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     alias = excluded.alias,
		     state = excluded.state,
		     battery = COALESCE(excluded.battery, devices.battery),
		     last_contact = COALESCE(excluded.last_contact, devices.last_contact),
		     consecutive_failures = excluded.consecutive_failures,
		     updated_at = excluded.updated_at`,
		rec.ID,
		rec.Alias,
		rec.State.String(),
		battery,
		lastContact,
		rec.ConsecutiveFailures,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", rec.ID, err)
	}
	return nil
}

// LoadDevices returns every persisted device.
func (r *SQLiteHistoryRepository) LoadDevices(ctx context.Context) ([]DeviceRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, alias, state, battery, last_contact, consecutive_failures, updated_at
		 FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		var (
			rec         DeviceRecord
			state       string
			battery     sql.NullInt64
			lastContact sql.NullString
			updatedAt   string
		)
		if err := rows.Scan(&rec.ID, &rec.Alias, &state, &battery, &lastContact, &rec.ConsecutiveFailures, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}

		if rec.State, err = ParseState(state); err != nil {
			return nil, err
		}
		if battery.Valid {
			b := int(battery.Int64)
			rec.Battery = &b
		}
		if lastContact.Valid {
			t, err := parseTime(lastContact.String)
			if err != nil {
				return nil, err
			}
			rec.LastContact = &t
		}
		if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// RecordTransition inserts a connectivity history row. An empty ID is
// replaced with a new UUID.
func (r *SQLiteHistoryRepository) RecordTransition(ctx context.Context, rec ConnectivityRecord) error {
	if rec.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connectivity_history
		     (id, device_id, session_id, seq, from_state, to_state, reason, adapter, failures, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.DeviceID,
		rec.SessionID,
		int64(rec.Seq), //nolint:gosec // sequence numbers stay far below MaxInt64
		rec.From.String(),
		rec.To.String(),
		string(rec.Reason),
		rec.Adapter,
		rec.Failures,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting connectivity history: %w", err)
	}
	return nil
}

// RecordButtonPress inserts a button press row.
func (r *SQLiteHistoryRepository) RecordButtonPress(ctx context.Context, deviceID string, seq uint64, at time.Time) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO button_presses (id, device_id, seq, pressed_at) VALUES (?, ?, ?, ?)",
		uuid.NewString(),
		deviceID,
		int64(seq), //nolint:gosec // sequence numbers stay far below MaxInt64
		formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("inserting button press: %w", err)
	}
	return nil
}

// GetHistory returns recent transitions for a device, newest first.
//
// limit defaults to 50 and is clamped to 200.
func (r *SQLiteHistoryRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]ConnectivityRecord, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, session_id, seq, from_state, to_state, reason, adapter, failures, created_at
		 FROM connectivity_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, seq DESC
		 LIMIT ?`,
		deviceID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connectivity history: %w", err)
	}
	defer rows.Close()

	entries := make([]ConnectivityRecord, 0, limit)
	for rows.Next() {
		var (
			entry     ConnectivityRecord
			seq       int64
			from, to  string
			reason    string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.DeviceID, &entry.SessionID, &seq, &from, &to, &reason,
			&entry.Adapter, &entry.Failures, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning connectivity history: %w", err)
		}

		entry.Seq = uint64(seq) //nolint:gosec // written from a uint64
		entry.Reason = Reason(reason)
		if entry.From, err = ParseState(from); err != nil {
			return nil, err
		}
		if entry.To, err = ParseState(to); err != nil {
			return nil, err
		}
		if entry.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connectivity history: %w", err)
	}
	return entries, nil
}

// PruneHistory deletes transitions and button presses older than olderThan.
func (r *SQLiteHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := formatTime(time.Now().Add(-olderThan))

	var total int64
	for _, stmt := range []string{
		"DELETE FROM connectivity_history WHERE created_at < ?",
		"DELETE FROM button_presses WHERE pressed_at < ?",
	} {
		result, err := r.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("pruning history: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("checking rows affected: %w", err)
		}
		total += n
	}
	return total, nil
}
