// Package history persists terminal flash job snapshots to a local SQLite
// database, so job outcomes survive eviction from the in-memory registry.
package history

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openpod/flashd/pkg/flashjob"
)

var ErrNotFound = errors.New("job not found in history")

// Record is one archived job outcome.
type Record struct {
	Snapshot   flashjob.Snapshot
	RecordedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path. ":memory:" works for
// tests.
func Open(path string) (*Store, error) {
	// Busy timeout to avoid SQLITE_BUSY when the sweep and API read race.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS flash_jobs (
		id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		firmware_target TEXT NOT NULL,
		firmware_version TEXT,
		state TEXT NOT NULL,
		cancelled INTEGER NOT NULL,
		stages_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Record archives a terminal snapshot. Implements flashjob.Recorder. A
// re-record of the same job id overwrites the previous row.
func (s *Store) Record(snap flashjob.Snapshot) error {
	stages, err := json.Marshal(snap.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	cancelled := 0
	if snap.Cancelled {
		cancelled = 1
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO flash_jobs (id, device_id, firmware_target, firmware_version, state, cancelled, stages_json, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Meta.DeviceID, snap.Meta.Firmware.Target, snap.Meta.Firmware.Version,
		string(snap.State), cancelled, string(stages), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

// Get retrieves one archived job by id.
func (s *Store) Get(id string) (Record, error) {
	row := s.db.QueryRow(
		`SELECT id, device_id, firmware_target, firmware_version, state, cancelled, stages_json, recorded_at
		 FROM flash_jobs WHERE id = ?`, id)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

// List returns the most recently recorded jobs, newest first.
func (s *Store) List(limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, device_id, firmware_target, firmware_version, state, cancelled, stages_json, recorded_at
		 FROM flash_jobs ORDER BY recorded_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanRecord(scan func(...any) error) (Record, error) {
	var rec Record
	var version sql.NullString
	var state, stages, recorded string
	var cancelled int
	if err := scan(
		&rec.Snapshot.ID,
		&rec.Snapshot.Meta.DeviceID,
		&rec.Snapshot.Meta.Firmware.Target,
		&version,
		&state,
		&cancelled,
		&stages,
		&recorded,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan job record: %w", err)
	}
	rec.Snapshot.Meta.Firmware.Version = version.String
	rec.Snapshot.State = flashjob.State(state)
	rec.Snapshot.Cancelled = cancelled != 0
	if err := json.Unmarshal([]byte(stages), &rec.Snapshot.Stages); err != nil {
		return Record{}, fmt.Errorf("unmarshal stages: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, recorded); err == nil {
		rec.RecordedAt = t
	}
	return rec, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
