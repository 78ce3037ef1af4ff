// Package store keeps a local log of decoded oximeter readings in SQLite,
// so a gateway that loses its broker link still retains data.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dhalbert/berrymed-ble-gateway/internal/berrymed"
)

const schema = `
CREATE TABLE IF NOT EXISTS oximeter_readings (
  device_id       TEXT    NOT NULL,
  ts              TEXT    NOT NULL,
  spo2            INTEGER NOT NULL,
  pulse_rate      INTEGER NOT NULL,
  pleth           INTEGER NOT NULL,
  finger_present  INTEGER NOT NULL,
  valid           INTEGER NOT NULL,
  PRIMARY KEY (device_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_oximeter_readings_ts ON oximeter_readings(ts);
`

// Reading is one persisted measurement row.
type Reading struct {
	DeviceID      string
	Timestamp     time.Time
	SpO2          int
	PulseRate     int
	Pleth         int
	FingerPresent bool
	Valid         bool
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the reading log at path and applies the schema.
// Use ":memory:" for an ephemeral log.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// SQLite handles one writer; a larger pool just queues on the file lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// InsertReading records one decoded measurement. Two readings with the same
// device and timestamp collapse into the newest one; the device emits many
// frames per second and the log keeps one row per observed instant.
func (s *Store) InsertReading(deviceID string, ts time.Time, v berrymed.Values) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO oximeter_readings
		   (device_id, ts, spo2, pulse_rate, pleth, finger_present, valid)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		deviceID,
		ts.UTC().Format(time.RFC3339Nano),
		v.SpO2,
		v.PulseRate,
		v.Pleth,
		boolToInt(v.FingerPresent),
		boolToInt(v.Valid),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}
	return nil
}

// LatestReadings returns the newest readings for a device, newest first.
func (s *Store) LatestReadings(deviceID string, limit int) ([]Reading, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT device_id, ts, spo2, pulse_rate, pleth, finger_present, valid
		   FROM oximeter_readings
		  WHERE device_id = ?
		  ORDER BY ts DESC
		  LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var (
			r      Reading
			ts     string
			finger int
			valid  int
		)
		if err := rows.Scan(&r.DeviceID, &ts, &r.SpO2, &r.PulseRate, &r.Pleth, &finger, &valid); err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse ts %q: %w", ts, err)
		}
		r.Timestamp = t
		r.FingerPresent = finger != 0
		r.Valid = valid != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate readings: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
