// Package sqlite implements the repo interfaces on SQLite (pure Go driver).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"minerlink/internal/storage/repo"
)

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	address          TEXT PRIMARY KEY,
	vendor           TEXT NOT NULL,
	model            TEXT NOT NULL,
	firmware         TEXT NOT NULL,
	firmware_version TEXT NOT NULL DEFAULT '',
	transport        TEXT NOT NULL,
	first_seen       INTEGER NOT NULL,
	last_seen        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS snapshots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	address      TEXT NOT NULL,
	at           INTEGER NOT NULL,
	hashrate_ths REAL,
	temp_max_c   REAL,
	fan_rpm_max  INTEGER,
	uptime_s     INTEGER,
	telemetry    BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_address_at ON snapshots(address, at DESC);

CREATE TABLE IF NOT EXISTS events (
	id      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts      INTEGER NOT NULL,
	subject TEXT NOT NULL,
	address TEXT NOT NULL,
	payload BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// Repository implements repo.Devices, repo.Snapshots and repo.Events.
type Repository struct {
	db *sql.DB
}

var (
	_ repo.Devices   = (*Repository)(nil)
	_ repo.Snapshots = (*Repository)(nil)
	_ repo.Events    = (*Repository)(nil)
)

// New opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func New(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer and :memory: is per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) UpsertDevice(ctx context.Context, d repo.Device) error {
	now := time.Now().UTC()
	if d.LastSeen.IsZero() {
		d.LastSeen = now
	}
	if d.FirstSeen.IsZero() {
		d.FirstSeen = d.LastSeen
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (address, vendor, model, firmware, firmware_version, transport, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			vendor = excluded.vendor,
			model = excluded.model,
			firmware = excluded.firmware,
			firmware_version = excluded.firmware_version,
			transport = excluded.transport,
			last_seen = excluded.last_seen
	`, d.Address, d.Vendor, d.Model, d.Firmware, d.FirmwareVersion, d.Transport, millis(d.FirstSeen), millis(d.LastSeen))
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (r *Repository) GetDevice(ctx context.Context, address string) (repo.Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT address, vendor, model, firmware, firmware_version, transport, first_seen, last_seen
		FROM devices WHERE address = ?
	`, address)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return repo.Device{}, repo.ErrNotFound
	}
	return d, err
}

func (r *Repository) ListDevices(ctx context.Context) ([]repo.Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address, vendor, model, firmware, firmware_version, transport, first_seen, last_seen
		FROM devices ORDER BY address
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var out []repo.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(s scanner) (repo.Device, error) {
	var (
		d           repo.Device
		first, last int64
	)
	if err := s.Scan(&d.Address, &d.Vendor, &d.Model, &d.Firmware, &d.FirmwareVersion, &d.Transport, &first, &last); err != nil {
		return repo.Device{}, err
	}
	d.FirstSeen, d.LastSeen = fromMillis(first), fromMillis(last)
	return d, nil
}

func (r *Repository) InsertSnapshot(ctx context.Context, s repo.Snapshot) error {
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO snapshots (address, at, hashrate_ths, temp_max_c, fan_rpm_max, uptime_s, telemetry)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.Address, millis(s.At), nullFloat(s.HashrateTHS), nullFloat(s.TempMaxC), nullInt(s.FanRPMMax), nullInt64(s.UptimeS), s.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

func (r *Repository) ListSnapshots(ctx context.Context, address string, limit int) ([]repo.Snapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, address, at, hashrate_ths, temp_max_c, fan_rpm_max, uptime_s, telemetry
		FROM snapshots WHERE address = ? ORDER BY at DESC, id DESC LIMIT ?
	`, address, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []repo.Snapshot
	for rows.Next() {
		var (
			s        repo.Snapshot
			at       int64
			hr, temp sql.NullFloat64
			fan, up  sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Address, &at, &hr, &temp, &fan, &up, &s.Telemetry); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		s.At = fromMillis(at)
		if hr.Valid {
			s.HashrateTHS = &hr.Float64
		}
		if temp.Valid {
			s.TempMaxC = &temp.Float64
		}
		if fan.Valid {
			v := int(fan.Int64)
			s.FanRPMMax = &v
		}
		if up.Valid {
			s.UptimeS = &up.Int64
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return out, nil
}

func (r *Repository) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY address ORDER BY at DESC, id DESC) AS rn
				FROM snapshots
			) WHERE rn > ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

func (r *Repository) InsertEvent(ctx context.Context, ts time.Time, subject, address string, payloadPB []byte) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO events (ts, subject, address, payload) VALUES (?, ?, ?, ?)`,
		millis(ts), subject, address, payloadPB)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// CountEvents returns the number of stored events for subject.
func (r *Repository) CountEvents(ctx context.Context, subject string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE subject = ?`, subject).Scan(&n)
	return n, err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
