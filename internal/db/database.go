// Package db keeps a catalog of rooms in sqlite. Only room metadata and
// counters are stored, never document content.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type Room struct {
	ID              string    `json:"id"`
	Peers           int       `json:"peers"`
	PeakPeers       int       `json:"peak_peers"`
	UpdatesApplied  int64     `json:"updates_applied"`
	UpdatesRejected int64     `json:"updates_rejected"`
	Dropped         int64     `json:"dropped"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets the api read while the sampler writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	logger.Info("catalog initialized", zap.String("path", dbPath))
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		peers INTEGER NOT NULL DEFAULT 0,
		peak_peers INTEGER NOT NULL DEFAULT 0,
		updates_applied INTEGER NOT NULL DEFAULT 0,
		updates_rejected INTEGER NOT NULL DEFAULT 0,
		dropped INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_updated_at ON rooms(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// UpsertRoom records a room's current peer count and adds the counter
// increments in r to the stored totals, so totals survive restarts. The peak
// peer count only ever grows.
func (d *Database) UpsertRoom(r Room) error {
	_, err := d.db.Exec(`
		INSERT INTO rooms (id, peers, peak_peers, updates_applied, updates_rejected, dropped)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peers = excluded.peers,
			peak_peers = MAX(rooms.peak_peers, excluded.peak_peers),
			updates_applied = rooms.updates_applied + excluded.updates_applied,
			updates_rejected = rooms.updates_rejected + excluded.updates_rejected,
			dropped = rooms.dropped + excluded.dropped,
			updated_at = CURRENT_TIMESTAMP
	`, r.ID, r.Peers, max(r.PeakPeers, r.Peers), r.UpdatesApplied, r.UpdatesRejected, r.Dropped)
	return err
}

const roomColumns = "id, peers, peak_peers, updates_applied, updates_rejected, dropped, created_at, updated_at"

func scanRoom(row interface{ Scan(...any) error }) (Room, error) {
	var r Room
	err := row.Scan(&r.ID, &r.Peers, &r.PeakPeers, &r.UpdatesApplied, &r.UpdatesRejected, &r.Dropped, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// GetRoom returns nil without an error when the room is not catalogued.
func (d *Database) GetRoom(id string) (*Room, error) {
	row := d.db.QueryRow("SELECT "+roomColumns+" FROM rooms WHERE id = ?", id)

	r, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (d *Database) ListRooms(limit, offset int) ([]Room, error) {
	rows, err := d.db.Query(
		"SELECT "+roomColumns+" FROM rooms ORDER BY updated_at DESC, id ASC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

func (d *Database) DeleteRoom(id string) error {
	_, err := d.db.Exec("DELETE FROM rooms WHERE id = ?", id)
	return err
}

// Stats

func (d *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	var roomCount int
	var applied, rejected int64
	err := d.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(updates_applied), 0), COALESCE(SUM(updates_rejected), 0) FROM rooms",
	).Scan(&roomCount, &applied, &rejected)
	if err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount
	stats["updates_applied"] = applied
	stats["updates_rejected"] = rejected

	return stats, nil
}
