// Package database provides the SQLite state store for itag2mqttd.
//
// The database keeps what the daemon wants to survive a restart: the last
// known battery level and contact time of each device, its connectivity
// history, and recent button presses.
//
// This package manages:
//   - Connection with WAL mode, busy timeout and foreign keys
//   - Schema migrations embedded in the binary (see /migrations)
//   - Health checks
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: every .up.sql has a matching .down.sql, and new
// columns are nullable or carry a default.
package database
