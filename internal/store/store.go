package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"utag/go-tag-server/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS location_cache (
			device_id TEXT PRIMARY KEY,
			response TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS sightings (
			id TEXT PRIMARY KEY,
			scanner_id TEXT NOT NULL,
			privacy_id TEXT NOT NULL,
			service_data TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL,
			battery TEXT NOT NULL,
			rssi INTEGER NOT NULL,
			ble_mac TEXT,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
			seen_count INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_privacy_seen ON sightings(privacy_id, last_seen);`,
		`CREATE TABLE IF NOT EXISTS ingestion_errors (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			scanner_id TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveLocationResponse caches the last successful location response for a device.
func (s *Store) SaveLocationResponse(ctx context.Context, deviceID string, resp model.LocationResponse) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode location response: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO location_cache (device_id, response, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(device_id) DO UPDATE SET response = excluded.response, updated_at = excluded.updated_at;`,
		deviceID,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("save location response: %w", err)
	}
	return nil
}

// LocationResponse returns the cached response for a device, if any.
func (s *Store) LocationResponse(ctx context.Context, deviceID string) (model.LocationResponse, bool, error) {
	if s.db == nil {
		return model.LocationResponse{}, false, fmt.Errorf("store not initialized")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT response FROM location_cache WHERE device_id = ?;`, deviceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LocationResponse{}, false, nil
	}
	if err != nil {
		return model.LocationResponse{}, false, fmt.Errorf("get location response: %w", err)
	}

	var resp model.LocationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return model.LocationResponse{}, false, fmt.Errorf("decode location response: %w", err)
	}
	return resp, true, nil
}

// RecordSighting stores an advertisement. A repeat of the same service data
// bumps the count and refreshes rssi and last seen instead of adding a row.
func (s *Store) RecordSighting(ctx context.Context, sighting model.Sighting) (model.Sighting, error) {
	if s.db == nil {
		return model.Sighting{}, fmt.Errorf("store not initialized")
	}

	if sighting.SeenAt.IsZero() {
		sighting.SeenAt = time.Now().UTC()
	}
	seenAt := sighting.SeenAt.UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sightings (id, scanner_id, privacy_id, service_data, state, battery, rssi, ble_mac, first_seen, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(service_data)
		 DO UPDATE SET scanner_id = excluded.scanner_id,
				 rssi = excluded.rssi,
				 ble_mac = excluded.ble_mac,
				 last_seen = excluded.last_seen,
				 seen_count = sightings.seen_count + 1;`,
		uuid.NewString(),
		sighting.ScannerID,
		sighting.PrivacyID,
		sighting.ServiceData,
		sighting.State,
		sighting.Battery,
		sighting.RSSI,
		sighting.BLEMac,
		seenAt,
		seenAt,
	)
	if err != nil {
		return model.Sighting{}, fmt.Errorf("record sighting: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sightingSelect+` WHERE service_data = ?;`, sighting.ServiceData)
	if err != nil {
		return model.Sighting{}, fmt.Errorf("query sighting: %w", err)
	}
	out, err := scanSightings(rows)
	if err != nil {
		return model.Sighting{}, err
	}
	if len(out) == 0 {
		return model.Sighting{}, fmt.Errorf("record sighting: row vanished")
	}
	return out[0], nil
}

// RecentSightings returns sightings ordered by last seen, newest first.
func (s *Store) RecentSightings(ctx context.Context, limit int) ([]model.Sighting, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(ctx, sightingSelect+` ORDER BY last_seen DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent sightings: %w", err)
	}
	return scanSightings(rows)
}

// LatestSighting returns the most recent advertisement of one tag.
func (s *Store) LatestSighting(ctx context.Context, privacyID string) (model.Sighting, bool, error) {
	if s.db == nil {
		return model.Sighting{}, false, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx, sightingSelect+` WHERE privacy_id = ? ORDER BY last_seen DESC LIMIT 1;`, privacyID)
	if err != nil {
		return model.Sighting{}, false, fmt.Errorf("query latest sighting: %w", err)
	}
	out, err := scanSightings(rows)
	if err != nil || len(out) == 0 {
		return model.Sighting{}, false, err
	}
	return out[0], true, nil
}

const sightingSelect = `SELECT id, scanner_id, privacy_id, service_data, state, battery, rssi, ble_mac, last_seen, seen_count FROM sightings`

func scanSightings(rows *sql.Rows) ([]model.Sighting, error) {
	defer rows.Close()

	var sightings []model.Sighting
	for rows.Next() {
		var (
			sighting model.Sighting
			bleMac   sql.NullString
			lastSeen string
		)
		if err := rows.Scan(
			&sighting.ID,
			&sighting.ScannerID,
			&sighting.PrivacyID,
			&sighting.ServiceData,
			&sighting.State,
			&sighting.Battery,
			&sighting.RSSI,
			&bleMac,
			&lastSeen,
			&sighting.Count,
		); err != nil {
			return nil, fmt.Errorf("scan sighting: %w", err)
		}

		seenAt, err := time.Parse(time.RFC3339Nano, lastSeen)
		if err != nil {
			seenAt, _ = time.Parse("2006-01-02T15:04:05Z07:00", lastSeen)
		}
		sighting.SeenAt = seenAt
		sighting.BLEMac = bleMac.String

		sightings = append(sightings, sighting)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sightings: %w", err)
	}
	return sightings, nil
}

// InsertIngestionError records a payload that failed validation.
func (s *Store) InsertIngestionError(ctx context.Context, e model.IngestionError) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_errors (scanner_id, payload, error) VALUES (?, ?, ?);`,
		e.ScannerID,
		e.Payload,
		e.Error,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion error: %w", err)
	}
	return nil
}

// IngestionErrorCount returns how many payloads have been rejected.
func (s *Store) IngestionErrorCount(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_errors;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ingestion errors: %w", err)
	}
	return n, nil
}

// PutSetting stores or updates a configuration key/value pair.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key,
		value,
	)
	if err != nil {
		return fmt.Errorf("put setting: %w", err)
	}
	return nil
}

// Setting returns one configuration value.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, fmt.Errorf("store not initialized")
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_config WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting: %w", err)
	}
	return value, true, nil
}

// DeleteSetting removes a configuration key. Missing keys are not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM app_config WHERE key = ?;`, key); err != nil {
		return fmt.Errorf("delete setting: %w", err)
	}
	return nil
}

// WipeData removes cached locations, sightings and ingestion errors while preserving settings.
func (s *Store) WipeData(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	stmts := []string{
		`DELETE FROM location_cache;`,
		`DELETE FROM sightings;`,
		`DELETE FROM ingestion_errors;`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("wipe data: %w", err)
		}
	}

	return nil
}
