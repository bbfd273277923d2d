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
	"slices"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// MemoryConfig configures the in-memory store.
type MemoryConfig struct {
	// Clock is used for insert timestamps.
	Clock clockwork.Clock
}

// Memory is an in-memory KeyStore used by tests and by deployments that
// accept losing the pool on restart. All operations take the store mutex,
// which makes each of them atomic with respect to the others.
type Memory struct {
	MemoryConfig

	mu       sync.Mutex
	keys     map[string]*KeyRecord
	requests []RequestRecord
	closed   bool
}

// NewMemory returns an empty in-memory store.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Memory{
		MemoryConfig: cfg,
		keys:         make(map[string]*KeyRecord),
	}
}

// Create inserts a new key record.
func (m *Memory) Create(ctx context.Context, rec KeyRecord) error {
	if err := rec.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return trace.ConnectionProblem(nil, "store is closed")
	}
	if _, ok := m.keys[rec.KeyID]; ok {
		return trace.AlreadyExists("key %v already exists", rec.KeyID)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.Clock.Now().UTC()
	}
	m.keys[rec.KeyID] = cloneRecord(&rec)
	return nil
}

// Get returns a key record by ID.
func (m *Memory) Get(ctx context.Context, keyID string) (*KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[keyID]
	if !ok {
		return nil, trace.NotFound("key %v is not found", keyID)
	}
	return cloneRecord(rec), nil
}

// GetMany returns found records and missing IDs.
func (m *Memory) GetMany(ctx context.Context, ids []string) ([]KeyRecord, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []KeyRecord
	var missing []string
	for _, id := range ids {
		if rec, ok := m.keys[id]; ok {
			found = append(found, *cloneRecord(rec))
		} else {
			missing = append(missing, id)
		}
	}
	return found, missing, nil
}

// ListAvailable returns up to limit available keys matching link and size.
func (m *Memory) ListAvailable(ctx context.Context, link Link, sizeBits, limit int) ([]KeyRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []KeyRecord
	for _, rec := range m.keys {
		if rec.Status != StatusAvailable || rec.Link != link || rec.SizeBits != sizeBits {
			continue
		}
		out = append(out, *cloneRecord(rec))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Reserve moves an available key to reserved and binds the SAE tuple.
func (m *Memory) Reserve(ctx context.Context, keyID, reservationID, masterSAEID string, slaveSAEIDs []string, singleUse bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[keyID]
	if !ok || rec.Status != StatusAvailable {
		return false, nil
	}
	rec.Status = StatusReserved
	rec.ReservationID = reservationID
	rec.MasterSAEID = masterSAEID
	rec.SlaveSAEIDs = slices.Clone(slaveSAEIDs)
	rec.SingleUse = singleUse
	rec.ReservedAt = m.Clock.Now().UTC()
	return true, nil
}

// Commit moves a reserved key to delivered_master.
func (m *Memory) Commit(ctx context.Context, keyID, reservationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[keyID]
	if !ok || rec.Status != StatusReserved || rec.ReservationID != reservationID {
		return false, nil
	}
	rec.Status = StatusDeliveredMaster
	return true, nil
}

// Release returns a key held by the reservation to available.
func (m *Memory) Release(ctx context.Context, keyID, reservationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[keyID]
	if !ok || rec.ReservationID != reservationID {
		return false, nil
	}
	if rec.Status != StatusReserved && rec.Status != StatusDeliveredMaster {
		return false, nil
	}
	releaseLocked(rec)
	return true, nil
}

// CompareAndSwapStatus atomically replaces the key status.
func (m *Memory) CompareAndSwapStatus(ctx context.Context, keyID string, expected, next Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.keys[keyID]
	if !ok || rec.Status != expected {
		return false, nil
	}
	rec.Status = next
	return true, nil
}

// CountByStatus counts keys on the link in the given status.
func (m *Memory) CountByStatus(ctx context.Context, link Link, status Status) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.keys {
		if rec.Link == link && rec.Status == status {
			count++
		}
	}
	return count, nil
}

// ExpireKeys sweeps keys whose expiry passed.
func (m *Memory) ExpireKeys(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.keys {
		if rec.ExpiresAt.IsZero() || !rec.ExpiresAt.Before(now) {
			continue
		}
		switch rec.Status {
		case StatusAvailable, StatusDeliveredMaster, StatusDeliveredSlave:
			rec.Status = StatusExpired
			count++
		}
	}
	return count, nil
}

// ReleaseStaleReservations releases reservations created before cutoff.
func (m *Memory) ReleaseStaleReservations(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, rec := range m.keys {
		if rec.Status == StatusReserved && rec.ReservedAt.Before(cutoff) {
			releaseLocked(rec)
			count++
		}
	}
	return count, nil
}

// RecordRequest appends an audit row.
func (m *Memory) RecordRequest(ctx context.Context, rec RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.Clock.Now().UTC()
	}
	m.requests = append(m.requests, rec)
	return nil
}

// Requests returns a copy of the audit rows, for tests.
func (m *Memory) Requests() []RequestRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.requests)
}

// Close releases store resources.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func releaseLocked(rec *KeyRecord) {
	rec.Status = StatusAvailable
	rec.ReservationID = ""
	rec.MasterSAEID = ""
	rec.SlaveSAEIDs = nil
	rec.SingleUse = false
	rec.ReservedAt = time.Time{}
}

func cloneRecord(rec *KeyRecord) *KeyRecord {
	out := *rec
	out.Bytes = slices.Clone(rec.Bytes)
	out.SlaveSAEIDs = slices.Clone(rec.SlaveSAEIDs)
	return &out
}
