/*
Copyright 2024 QKD Lab, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package keystore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-sqlite3"

	"github.com/qkdlab/kmed"
)

const (
	// sqliteFilename is the database file name inside the data directory.
	sqliteFilename = "kmed.db"

	// busyTimeout tells sqlite how long to wait on a locked database
	// before returning SQLITE_BUSY, in milliseconds.
	busyTimeout = 10000

	sqliteSchema = `
CREATE TABLE IF NOT EXISTS kme_keys (
    key_id         TEXT PRIMARY KEY,
    key_bytes      BLOB NOT NULL,
    size_bits      INTEGER NOT NULL,
    master_sae_id  TEXT NOT NULL DEFAULT '',
    slave_sae_ids  TEXT NOT NULL DEFAULT '[]',
    source_kme_id  TEXT NOT NULL,
    target_kme_id  TEXT NOT NULL,
    status         TEXT NOT NULL,
    reservation_id TEXT NOT NULL DEFAULT '',
    single_use     INTEGER NOT NULL DEFAULT 0,
    created_at     INTEGER NOT NULL,
    reserved_at    INTEGER NOT NULL DEFAULT 0,
    expires_at     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS kme_keys_select ON kme_keys (status, source_kme_id, target_kme_id, size_bits);
CREATE INDEX IF NOT EXISTS kme_keys_expiry ON kme_keys (expires_at) WHERE expires_at != 0;
CREATE TABLE IF NOT EXISTS kme_key_requests (
    request_id     TEXT PRIMARY KEY,
    master_sae_id  TEXT NOT NULL,
    slave_sae_ids  TEXT NOT NULL,
    number         INTEGER NOT NULL,
    size_bits      INTEGER NOT NULL,
    status         TEXT NOT NULL,
    error          TEXT NOT NULL DEFAULT '',
    created_at     INTEGER NOT NULL
);`
)

// SQLiteConfig configures the sqlite-backed store.
type SQLiteConfig struct {
	// Path is the directory holding the database file.
	Path string
	// Clock is used for insert timestamps.
	Clock clockwork.Clock
	// Memory forces a throwaway in-process database, used by tests.
	Memory bool
}

// CheckAndSetDefaults checks and sets default values.
func (c *SQLiteConfig) CheckAndSetDefaults() error {
	if c.Path == "" && !c.Memory {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SQLite is a KeyStore backed by a single sqlite database. Status
// transitions are single UPDATE statements guarded by WHERE clauses on the
// expected state, so each is atomic at the storage engine level.
type SQLite struct {
	SQLiteConfig

	db  *sql.DB
	log *slog.Logger
}

// NewSQLite opens (creating if necessary) the database and applies the
// schema.
func NewSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	var dsn string
	if cfg.Memory {
		dsn = "file::memory:?mode=memory&cache=shared"
	} else {
		path := url.PathEscape(filepath.Join(cfg.Path, sqliteFilename))
		dsn = fmt.Sprintf("file:%v?_busy_timeout=%v&_journal_mode=WAL&_sync=NORMAL", path, busyTimeout)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY churn
	// inside a single process while cross-process access still works
	// through the busy timeout.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &SQLite{
		SQLiteConfig: cfg,
		db:           db,
		log:          slog.With(kmed.ComponentKey, kmed.ComponentKeyStore),
	}, nil
}

// Create inserts a new key record.
func (s *SQLite) Create(ctx context.Context, rec KeyRecord) error {
	if err := rec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.Clock.Now().UTC()
	}
	slaves, err := json.Marshal(append([]string{}, rec.SlaveSAEIDs...))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO kme_keys (key_id, key_bytes, size_bits, master_sae_id, slave_sae_ids,
    source_kme_id, target_kme_id, status, reservation_id, single_use,
    created_at, reserved_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.KeyID, rec.Bytes, rec.SizeBits, rec.MasterSAEID, string(slaves),
		rec.Link.SourceKMEID, rec.Link.TargetKMEID, string(rec.Status),
		rec.ReservationID, boolToInt(rec.SingleUse),
		rec.CreatedAt.UnixNano(), timeToInt(rec.ReservedAt), timeToInt(rec.ExpiresAt))
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return nil
}

// Get returns a key record by ID.
func (s *SQLite) Get(ctx context.Context, keyID string) (*KeyRecord, error) {
	row := s.db.QueryRowContext(ctx, selectKey+` WHERE key_id = ?`, keyID)
	rec, err := scanKey(row)
	if err != nil {
		if trace.IsNotFound(err) {
			return nil, trace.NotFound("key %v is not found", keyID)
		}
		return nil, trace.Wrap(err)
	}
	return rec, nil
}

// GetMany returns found records and missing IDs.
func (s *SQLite) GetMany(ctx context.Context, ids []string) ([]KeyRecord, []string, error) {
	var found []KeyRecord
	var missing []string
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			if trace.IsNotFound(err) {
				missing = append(missing, id)
				continue
			}
			return nil, nil, trace.Wrap(err)
		}
		found = append(found, *rec)
	}
	return found, missing, nil
}

// ListAvailable returns up to limit available keys matching link and size.
func (s *SQLite) ListAvailable(ctx context.Context, link Link, sizeBits, limit int) ([]KeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectKey+`
WHERE status = ? AND source_kme_id = ? AND target_kme_id = ? AND size_bits = ?
ORDER BY created_at LIMIT ?`,
		string(StatusAvailable), link.SourceKMEID, link.TargetKMEID, sizeBits, limit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()
	var out []KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		out = append(out, *rec)
	}
	return out, trace.Wrap(rows.Err())
}

// Reserve moves an available key to reserved and binds the SAE tuple.
func (s *SQLite) Reserve(ctx context.Context, keyID, reservationID, masterSAEID string, slaveSAEIDs []string, singleUse bool) (bool, error) {
	slaves, err := json.Marshal(append([]string{}, slaveSAEIDs...))
	if err != nil {
		return false, trace.Wrap(err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE kme_keys SET status = ?, reservation_id = ?, master_sae_id = ?,
    slave_sae_ids = ?, single_use = ?, reserved_at = ?
WHERE key_id = ? AND status = ?`,
		string(StatusReserved), reservationID, masterSAEID, string(slaves),
		boolToInt(singleUse), s.Clock.Now().UTC().UnixNano(),
		keyID, string(StatusAvailable))
	if err != nil {
		return false, trace.Wrap(err)
	}
	return oneRowAffected(res)
}

// Commit moves a reserved key to delivered_master.
func (s *SQLite) Commit(ctx context.Context, keyID, reservationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE kme_keys SET status = ?
WHERE key_id = ? AND status = ? AND reservation_id = ?`,
		string(StatusDeliveredMaster), keyID, string(StatusReserved), reservationID)
	if err != nil {
		return false, trace.Wrap(err)
	}
	return oneRowAffected(res)
}

// Release returns a key held by the reservation to available.
func (s *SQLite) Release(ctx context.Context, keyID, reservationID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE kme_keys SET status = ?, reservation_id = '', master_sae_id = '',
    slave_sae_ids = '[]', single_use = 0, reserved_at = 0
WHERE key_id = ? AND reservation_id = ? AND status IN (?, ?)`,
		string(StatusAvailable), keyID, reservationID,
		string(StatusReserved), string(StatusDeliveredMaster))
	if err != nil {
		return false, trace.Wrap(err)
	}
	return oneRowAffected(res)
}

// CompareAndSwapStatus atomically replaces the key status.
func (s *SQLite) CompareAndSwapStatus(ctx context.Context, keyID string, expected, next Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE kme_keys SET status = ? WHERE key_id = ? AND status = ?`,
		string(next), keyID, string(expected))
	if err != nil {
		return false, trace.Wrap(err)
	}
	return oneRowAffected(res)
}

// CountByStatus counts keys on the link in the given status.
func (s *SQLite) CountByStatus(ctx context.Context, link Link, status Status) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM kme_keys
WHERE status = ? AND source_kme_id = ? AND target_kme_id = ?`,
		string(status), link.SourceKMEID, link.TargetKMEID).Scan(&count)
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return count, nil
}

// ExpireKeys sweeps keys whose expiry passed.
func (s *SQLite) ExpireKeys(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE kme_keys SET status = ?
WHERE expires_at != 0 AND expires_at < ? AND status IN (?, ?, ?)`,
		string(StatusExpired), now.UnixNano(),
		string(StatusAvailable), string(StatusDeliveredMaster), string(StatusDeliveredSlave))
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return int(n), trace.Wrap(err)
}

// ReleaseStaleReservations releases reservations older than cutoff.
func (s *SQLite) ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE kme_keys SET status = ?, reservation_id = '', master_sae_id = '',
    slave_sae_ids = '[]', single_use = 0, reserved_at = 0
WHERE status = ? AND reserved_at < ?`,
		string(StatusAvailable), string(StatusReserved), cutoff.UnixNano())
	if err != nil {
		return 0, trace.Wrap(err)
	}
	n, err := res.RowsAffected()
	return int(n), trace.Wrap(err)
}

// RecordRequest appends an audit row.
func (s *SQLite) RecordRequest(ctx context.Context, rec RequestRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.Clock.Now().UTC()
	}
	slaves, err := json.Marshal(append([]string{}, rec.SlaveSAEIDs...))
	if err != nil {
		return trace.Wrap(err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO kme_key_requests (request_id, master_sae_id, slave_sae_ids, number,
    size_bits, status, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.MasterSAEID, string(slaves), rec.Number,
		rec.SizeBits, rec.Status, rec.Error, rec.CreatedAt.UnixNano())
	if err != nil {
		return trace.Wrap(convertError(err))
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return trace.Wrap(s.db.Close())
}

const selectKey = `
SELECT key_id, key_bytes, size_bits, master_sae_id, slave_sae_ids,
    source_kme_id, target_kme_id, status, reservation_id, single_use,
    created_at, reserved_at, expires_at
FROM kme_keys`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*KeyRecord, error) {
	var rec KeyRecord
	var slaves, status string
	var singleUse int
	var createdAt, reservedAt, expiresAt int64
	err := row.Scan(&rec.KeyID, &rec.Bytes, &rec.SizeBits, &rec.MasterSAEID,
		&slaves, &rec.Link.SourceKMEID, &rec.Link.TargetKMEID, &status,
		&rec.ReservationID, &singleUse, &createdAt, &reservedAt, &expiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, trace.NotFound("key is not found")
		}
		return nil, trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(slaves), &rec.SlaveSAEIDs); err != nil {
		return nil, trace.Wrap(err)
	}
	if len(rec.SlaveSAEIDs) == 0 {
		rec.SlaveSAEIDs = nil
	}
	rec.Status = Status(status)
	rec.SingleUse = singleUse != 0
	rec.CreatedAt = intToTime(createdAt)
	rec.ReservedAt = intToTime(reservedAt)
	rec.ExpiresAt = intToTime(expiresAt)
	return &rec, nil
}

func oneRowAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, trace.Wrap(err)
	}
	return n == 1, nil
}

func convertError(err error) error {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		if sqliteErr.Code == sqlite3.ErrConstraint {
			return trace.AlreadyExists("record already exists")
		}
	}
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToInt(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func intToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
