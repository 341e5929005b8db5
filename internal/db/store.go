package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"seelevel/internal/sensor"
	"seelevel/internal/tank"
)

const (
	timeLayout = "2006-01-02 15:04:05"

	// The cycle journal is trimmed to roughly this many rows.
	maxCycleRows = 20000
	pruneEvery   = 500
)

// Store keeps the last committed tank state per service UUID and a journal of
// discovery cycles. Readings are not kept historically.
type Store struct {
	mu sync.Mutex
	db *sql.DB

	sessionID int64
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite is effectively single-writer; keep one connection to avoid SQLITE_BUSY
	// when the sensor loop and the status ticker hit the store together.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.Initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at TEXT,
	adapter TEXT,
	backend TEXT,
	service_uuid TEXT
);
`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tank_state (
	service_uuid TEXT PRIMARY KEY COLLATE NOCASE,
	volume INTEGER NOT NULL,
	sensor_type TEXT,
	sensor_data_ascii TEXT,
	sensor_total INTEGER,
	address TEXT,
	updated_at TEXT
);
`)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id INTEGER,
	timestamp TEXT,
	devices_seen INTEGER,
	matched INTEGER,
	committed INTEGER,
	address TEXT
);
`)
	if err != nil {
		return err
	}

	// Columns added after the first release.
	_ = execIgnore(s.db, ctx, `ALTER TABLE cycles ADD COLUMN skipped INTEGER DEFAULT 0`)

	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_cycles_session ON cycles(session_id)`)
	return err
}

func execIgnore(db *sql.DB, ctx context.Context, q string) error {
	_, err := db.ExecContext(ctx, q)
	return err
}

// CreateSession starts a new run and makes it the session cycles are recorded under.
func (s *Store) CreateSession(ctx context.Context, adapter, backend, serviceUUID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (started_at, adapter, backend, service_uuid) VALUES (?, ?, ?, ?)`,
		time.Now().Format(timeLayout),
		optString(adapter),
		backend,
		serviceUUID,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.sessionID = id
	return id, nil
}

// SaveState overwrites the single stored state for serviceUUID. Unknown states are ignored.
func (s *Store) SaveState(ctx context.Context, serviceUUID string, st tank.State, at time.Time) error {
	if !st.Known() {
		return nil
	}
	serviceUUID = strings.TrimSpace(serviceUUID)
	if serviceUUID == "" {
		return errors.New("save state: empty service uuid")
	}
	var attrs tank.Attributes
	if st.Attributes != nil {
		attrs = *st.Attributes
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO tank_state (service_uuid, volume, sensor_type, sensor_data_ascii, sensor_total, address, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(service_uuid) DO UPDATE SET
	volume = excluded.volume,
	sensor_type = excluded.sensor_type,
	sensor_data_ascii = excluded.sensor_data_ascii,
	sensor_total = excluded.sensor_total,
	address = excluded.address,
	updated_at = excluded.updated_at
`,
		serviceUUID,
		int64(*st.Volume),
		attrs.SensorType,
		attrs.SensorDataASCII,
		int64(attrs.SensorTotal),
		optString(st.Address),
		at.Format(timeLayout),
	)
	return err
}

// LoadState returns the stored state for serviceUUID. A zero State and zero time
// mean nothing was stored yet.
func (s *Store) LoadState(ctx context.Context, serviceUUID string) (tank.State, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		volume, total          int64
		sensorType, text       string
		address, updatedAtText sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
SELECT volume, sensor_type, sensor_data_ascii, sensor_total, address, updated_at
FROM tank_state WHERE service_uuid = ?`, strings.TrimSpace(serviceUUID)).
		Scan(&volume, &sensorType, &text, &total, &address, &updatedAtText)
	if errors.Is(err, sql.ErrNoRows) {
		return tank.State{}, time.Time{}, nil
	}
	if err != nil {
		return tank.State{}, time.Time{}, err
	}

	vol := uint32(volume)
	st := tank.State{
		Volume: &vol,
		Attributes: &tank.Attributes{
			SensorType:      sensorType,
			SensorDataASCII: text,
			SensorTotal:     uint32(total),
		},
		Address: address.String,
	}
	var updatedAt time.Time
	if updatedAtText.Valid {
		updatedAt, _ = time.ParseInLocation(timeLayout, updatedAtText.String, time.Local)
	}
	return st, updatedAt, nil
}

type CycleParams struct {
	SessionID   *int64
	Timestamp   string
	DevicesSeen int
	Matched     int
	Committed   bool
	Address     string
	Skipped     int
}

func (s *Store) RecordCycle(ctx context.Context, p CycleParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Timestamp == "" {
		p.Timestamp = time.Now().Format(timeLayout)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO cycles (session_id, timestamp, devices_seen, matched, committed, address, skipped)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		optInt64(p.SessionID),
		p.Timestamp,
		p.DevicesSeen,
		p.Matched,
		boolToInt(p.Committed),
		optString(p.Address),
		p.Skipped,
	)
	if err != nil {
		return err
	}

	id, err := res.LastInsertId()
	if err == nil && id%pruneEvery == 0 && id > maxCycleRows {
		_, err = s.db.ExecContext(ctx, `DELETE FROM cycles WHERE id <= ?`, id-maxCycleRows)
	}
	return err
}

// Publish stores the committed state and journals the cycle.
func (s *Store) Publish(ctx context.Context, snap sensor.Snapshot) error {
	if snap.Outcome.Committed {
		if err := s.SaveState(ctx, string(snap.ServiceUUID), snap.State, snap.At); err != nil {
			return err
		}
	}

	s.mu.Lock()
	sid := s.sessionID
	s.mu.Unlock()
	var sessionID *int64
	if sid > 0 {
		sessionID = &sid
	}

	return s.RecordCycle(ctx, CycleParams{
		SessionID:   sessionID,
		Timestamp:   snap.At.Format(timeLayout),
		DevicesSeen: snap.Outcome.Seen,
		Matched:     snap.Outcome.Matched,
		Committed:   snap.Outcome.Committed,
		Address:     snap.Outcome.Address,
		Skipped:     len(snap.Outcome.Skipped),
	})
}

// GetStatistics reports journal counters for the current session.
func (s *Store) GetStatistics(ctx context.Context) (cycles, committed, skipped int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(committed), 0), COALESCE(SUM(skipped), 0)
FROM cycles WHERE session_id IS ?`, optInt64Val(s.sessionID)).Scan(&cycles, &committed, &skipped)
	if err != nil {
		return 0, 0, 0, err
	}
	return cycles, committed, skipped, nil
}

func optString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func optInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func optInt64Val(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
