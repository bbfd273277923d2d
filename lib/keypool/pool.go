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

// Package keypool manages the in-service key inventory: reservation of
// available keys for a master request, the commit point that makes them
// retrievable by slaves, and the background sweeper for expiry and stale
// reservations. Selection relies on per-key compare-and-set against the
// store rather than a process-wide mutex, so several KME processes can
// safely share one store.
package keypool

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/qkdlab/kmed"
	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/keystore"
	"github.com/qkdlab/kmed/lib/utils"
)

// selectionPasses bounds how many times reservation re-lists available
// keys after losing CAS races to concurrent reservations.
const selectionPasses = 3

// Config holds pool parameters.
type Config struct {
	// Store is the durable key store.
	Store keystore.KeyStore
	// Source yields fresh key material when the pool runs low.
	Source Source
	// Link is the KME pair this pool serves.
	Link keystore.Link
	// DefaultKeySize is the size in bits used when a request omits one.
	DefaultKeySize int
	// MinKeySize and MaxKeySize bound requested sizes, in bits.
	MinKeySize int
	MaxKeySize int
	// MaxKeyPerRequest bounds the number of keys per reservation.
	MaxKeyPerRequest int
	// MaxKeyCount caps how many keys the pool may hold.
	MaxKeyCount int
	// MaxSAEIDCount bounds additional slaves per reservation; zero
	// disables multicast.
	MaxSAEIDCount int
	// KeyTTL is the lifetime of generated keys; zero takes the default.
	KeyTTL time.Duration
	// ReservationTTL is how long an uncommitted reservation may hold
	// keys before the sweeper releases them.
	ReservationTTL time.Duration
	// SweepInterval is the sweeper period.
	SweepInterval time.Duration
	// Clock overrides time for tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets default values.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Source == nil {
		return trace.BadParameter("missing parameter Source")
	}
	if c.Link.SourceKMEID == "" || c.Link.TargetKMEID == "" {
		return trace.BadParameter("missing parameter Link")
	}
	if c.DefaultKeySize == 0 {
		c.DefaultKeySize = defaults.KeySize
	}
	if c.MinKeySize == 0 {
		c.MinKeySize = defaults.MinKeySize
	}
	if c.MaxKeySize == 0 {
		c.MaxKeySize = defaults.MaxKeySize
	}
	if c.MaxKeyPerRequest == 0 {
		c.MaxKeyPerRequest = defaults.MaxKeyPerRequest
	}
	if c.MaxKeyCount == 0 {
		c.MaxKeyCount = defaults.MaxKeyCount
	}
	if c.KeyTTL == 0 {
		c.KeyTTL = defaults.KeyTTL
	}
	if c.ReservationTTL == 0 {
		c.ReservationTTL = defaults.ReservationTTL
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Pool mediates every concurrent request touching key material.
type Pool struct {
	cfg Config
	log *slog.Logger
}

// New returns a pool over the given store and source.
func New(cfg Config) (*Pool, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Pool{
		cfg: cfg,
		log: slog.With(kmed.ComponentKey, kmed.ComponentKeyPool),
	}, nil
}

// Reservation is a transient binding of reserved keys to a pending master
// request. It is not readable by slaves until committed.
type Reservation struct {
	// ID identifies the reservation in the store.
	ID string
	// MasterSAEID is the requesting master.
	MasterSAEID string
	// SlaveSAEIDs are all slaves bound to the keys.
	SlaveSAEIDs []string
	// SizeBits is the key size of every reserved key.
	SizeBits int
	// Keys are the reserved records, bytes included.
	Keys []keystore.KeyRecord
}

// ReserveForMaster atomically selects number distinct available keys of
// the requested size, binds them to the SAE tuple and returns the
// reservation. If the store holds too few keys it tops up from the
// source, subject to the pool capacity. Either all number keys are
// reserved or none.
func (p *Pool) ReserveForMaster(ctx context.Context, masterSAEID string, slaveSAEIDs []string, number, sizeBits int, singleUse bool) (*Reservation, error) {
	if err := p.checkReserveArgs(masterSAEID, slaveSAEIDs, number, sizeBits); err != nil {
		return nil, trace.Wrap(err)
	}

	reservationID, err := utils.NewKeyID()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	res := &Reservation{
		ID:          reservationID,
		MasterSAEID: masterSAEID,
		SlaveSAEIDs: slices.Clone(slaveSAEIDs),
		SizeBits:    sizeBits,
	}

	// selection phase: CAS available keys into the reservation, re-listing
	// a bounded number of times to ride out races with concurrent
	// reservations
	for pass := 0; pass < selectionPasses && len(res.Keys) < number; pass++ {
		candidates, err := p.cfg.Store.ListAvailable(ctx, p.cfg.Link, sizeBits, number-len(res.Keys))
		if err != nil {
			p.releaseKeys(ctx, res)
			return nil, trace.Wrap(err)
		}
		if len(candidates) == 0 {
			break
		}
		for _, candidate := range candidates {
			ok, err := p.cfg.Store.Reserve(ctx, candidate.KeyID, res.ID, masterSAEID, slaveSAEIDs, singleUse)
			if err != nil {
				p.releaseKeys(ctx, res)
				return nil, trace.Wrap(err)
			}
			if !ok {
				// lost the race to a concurrent reservation
				continue
			}
			candidate.Status = keystore.StatusReserved
			candidate.ReservationID = res.ID
			candidate.MasterSAEID = masterSAEID
			candidate.SlaveSAEIDs = slices.Clone(slaveSAEIDs)
			candidate.SingleUse = singleUse
			res.Keys = append(res.Keys, candidate)
			if len(res.Keys) == number {
				break
			}
		}
	}

	if deficit := number - len(res.Keys); deficit > 0 {
		if err := p.generateKeys(ctx, res, deficit, sizeBits, singleUse); err != nil {
			p.releaseKeys(ctx, res)
			return nil, trace.Wrap(err)
		}
	}

	reservationsTotal.Inc()
	return res, nil
}

// generateKeys tops the reservation up with fresh material from the
// source. No pool state is locked across the fetch; the new records are
// inserted directly in reserved state.
func (p *Pool) generateKeys(ctx context.Context, res *Reservation, count, sizeBits int, singleUse bool) error {
	stored, err := p.cfg.Store.CountByStatus(ctx, p.cfg.Link, keystore.StatusAvailable)
	if err != nil {
		return trace.Wrap(err)
	}
	if stored+count > p.cfg.MaxKeyCount {
		exhaustedTotal.Inc()
		return trace.LimitExceeded("key pool for link %v->%v is at capacity",
			p.cfg.Link.SourceKMEID, p.cfg.Link.TargetKMEID)
	}

	material, err := p.cfg.Source.Fetch(ctx, p.cfg.Link, sizeBits, count)
	if err != nil {
		exhaustedTotal.Inc()
		return trace.LimitExceeded("key source cannot satisfy the request: %v", err)
	}
	if len(material) != count {
		exhaustedTotal.Inc()
		return trace.LimitExceeded("key source returned %v keys, requested %v", len(material), count)
	}

	now := p.cfg.Clock.Now().UTC()
	for _, bytes := range material {
		keyID, err := utils.NewKeyID()
		if err != nil {
			return trace.Wrap(err)
		}
		rec := keystore.KeyRecord{
			KeyID:         keyID,
			Bytes:         bytes,
			SizeBits:      sizeBits,
			MasterSAEID:   res.MasterSAEID,
			SlaveSAEIDs:   slices.Clone(res.SlaveSAEIDs),
			Link:          p.cfg.Link,
			Status:        keystore.StatusReserved,
			ReservationID: res.ID,
			SingleUse:     singleUse,
			CreatedAt:     now,
			ReservedAt:    now,
		}
		if p.cfg.KeyTTL != 0 {
			rec.ExpiresAt = now.Add(p.cfg.KeyTTL)
		}
		if err := p.cfg.Store.Create(ctx, rec); err != nil {
			return trace.Wrap(err)
		}
		res.Keys = append(res.Keys, rec)
	}
	return nil
}

// Commit finalizes the reservation: every key moves to delivered_master
// through a per-key compare-and-set. If any CAS fails the whole
// reservation is rolled back and an error is returned; observers never
// see a partially delivered reservation.
func (p *Pool) Commit(ctx context.Context, res *Reservation) ([]keystore.KeyRecord, error) {
	for i := range res.Keys {
		ok, err := p.cfg.Store.Commit(ctx, res.Keys[i].KeyID, res.ID)
		if err == nil && !ok {
			err = trace.CompareFailed("key %v is no longer held by reservation %v", res.Keys[i].KeyID, res.ID)
		}
		if err != nil {
			p.releaseKeys(ctx, res)
			return nil, trace.Wrap(err)
		}
		res.Keys[i].Status = keystore.StatusDeliveredMaster
	}
	commitsTotal.Inc()
	return res.Keys, nil
}

// Abort releases every key held by the reservation back to available.
// Keys the sweeper already reclaimed are skipped silently.
func (p *Pool) Abort(ctx context.Context, res *Reservation) {
	abortsTotal.Inc()
	p.releaseKeys(ctx, res)
}

func (p *Pool) releaseKeys(ctx context.Context, res *Reservation) {
	for _, key := range res.Keys {
		if _, err := p.cfg.Store.Release(ctx, key.KeyID, res.ID); err != nil {
			p.log.WarnContext(ctx, "Failed to release reserved key",
				"key_id", key.KeyID, "reservation_id", res.ID, "error", err)
		}
	}
}

// RetrieveForSlave returns the keys identified by keyIDs, in input order,
// provided every one of them is live, produced by masterSAEID and lists
// slaveSAEID among its authorized slaves. Any per-key failure fails the
// whole request. Single-use consumption is all or nothing: losing a
// consumption race on any key restores the keys consumed before it, so a
// failed request never strands undelivered material.
func (p *Pool) RetrieveForSlave(ctx context.Context, slaveSAEID, masterSAEID string, keyIDs []string) ([]keystore.KeyRecord, error) {
	if len(keyIDs) == 0 {
		return nil, trace.BadParameter("no key IDs requested")
	}
	found, missing, err := p.cfg.Store.GetMany(ctx, keyIDs)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(missing) > 0 {
		return nil, trace.NotFound("key %v is not found", missing[0])
	}

	byID := make(map[string]*keystore.KeyRecord, len(found))
	for i := range found {
		byID[found[i].KeyID] = &found[i]
	}

	out := make([]keystore.KeyRecord, 0, len(keyIDs))
	for _, id := range keyIDs {
		rec, ok := byID[id]
		if !ok {
			return nil, trace.NotFound("key %v is not found", id)
		}
		switch rec.Status {
		case keystore.StatusAvailable, keystore.StatusReserved:
			// not yet committed to a master; indistinguishable from
			// absent for slaves
			return nil, trace.NotFound("key %v is not found", id)
		}
		if rec.MasterSAEID != masterSAEID || !rec.HasSlave(slaveSAEID) {
			return nil, trace.AccessDenied("access to key %v is denied", id)
		}
		if !rec.Status.Live() {
			return nil, keystore.NewGoneError(id, rec.Status)
		}
		out = append(out, *rec)
	}

	// every key passed authorization; consume single-use keys before any
	// bytes leave the pool so a lost race can still be rolled back
	var consumed []string
	for i := range out {
		if !out[i].SingleUse {
			continue
		}
		ok, err := p.cfg.Store.CompareAndSwapStatus(ctx, out[i].KeyID, keystore.StatusDeliveredMaster, keystore.StatusConsumed)
		if err == nil && !ok {
			// a concurrent reader consumed it first
			err = keystore.NewGoneError(out[i].KeyID, keystore.StatusConsumed)
		}
		if err != nil {
			p.unconsumeKeys(ctx, consumed)
			return nil, trace.Wrap(err)
		}
		consumed = append(consumed, out[i].KeyID)
		out[i].Status = keystore.StatusConsumed
	}

	for i := range out {
		if out[i].SingleUse {
			continue
		}
		// bookkeeping only; losing this race is harmless
		if ok, err := p.cfg.Store.CompareAndSwapStatus(ctx, out[i].KeyID, keystore.StatusDeliveredMaster, keystore.StatusDeliveredSlave); err == nil && ok {
			out[i].Status = keystore.StatusDeliveredSlave
		}
	}
	return out, nil
}

// unconsumeKeys undoes the single-use consumptions of a failed retrieval.
// Only the failed request could have consumed these keys, so the reverse
// swap cannot race another reader.
func (p *Pool) unconsumeKeys(ctx context.Context, keyIDs []string) {
	for _, id := range keyIDs {
		if ok, err := p.cfg.Store.CompareAndSwapStatus(ctx, id, keystore.StatusConsumed, keystore.StatusDeliveredMaster); err != nil || !ok {
			p.log.WarnContext(ctx, "Failed to restore single-use key after aborted retrieval",
				"key_id", id, "error", err)
		}
	}
}

// Stats is a read-only pool snapshot.
type Stats struct {
	// StoredKeyCount is the number of available keys on the link.
	StoredKeyCount int
}

// Stats returns the current pool snapshot for Get Status.
func (p *Pool) Stats(ctx context.Context) (*Stats, error) {
	count, err := p.cfg.Store.CountByStatus(ctx, p.cfg.Link, keystore.StatusAvailable)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	storedKeysGauge.Set(float64(count))
	return &Stats{StoredKeyCount: count}, nil
}

// Precharge fills the pool with fresh available keys up to count, used at
// startup for eagerly charged deployments.
func (p *Pool) Precharge(ctx context.Context, count, sizeBits int) error {
	if count <= 0 {
		return nil
	}
	if sizeBits == 0 {
		sizeBits = p.cfg.DefaultKeySize
	}
	material, err := p.cfg.Source.Fetch(ctx, p.cfg.Link, sizeBits, count)
	if err != nil {
		return trace.Wrap(err)
	}
	now := p.cfg.Clock.Now().UTC()
	for _, bytes := range material {
		keyID, err := utils.NewKeyID()
		if err != nil {
			return trace.Wrap(err)
		}
		rec := keystore.KeyRecord{
			KeyID:     keyID,
			Bytes:     bytes,
			SizeBits:  sizeBits,
			Link:      p.cfg.Link,
			Status:    keystore.StatusAvailable,
			CreatedAt: now,
		}
		if p.cfg.KeyTTL != 0 {
			rec.ExpiresAt = now.Add(p.cfg.KeyTTL)
		}
		if err := p.cfg.Store.Create(ctx, rec); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Run drives the background sweeper until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	ticker := p.cfg.Clock.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			p.sweep(ctx)
		}
	}
}

// sweep expires dead keys and reclaims stale reservations.
func (p *Pool) sweep(ctx context.Context) {
	log := p.log.With(kmed.ComponentKey, kmed.ComponentSweeper)
	now := p.cfg.Clock.Now().UTC()

	expired, err := p.cfg.Store.ExpireKeys(ctx, now)
	if err != nil {
		log.WarnContext(ctx, "Failed to expire keys", "error", err)
	} else if expired > 0 {
		expiredTotal.Add(float64(expired))
		log.InfoContext(ctx, "Expired keys", "count", expired)
	}

	released, err := p.cfg.Store.ReleaseStaleReservations(ctx, now.Add(-p.cfg.ReservationTTL))
	if err != nil {
		log.WarnContext(ctx, "Failed to release stale reservations", "error", err)
	} else if released > 0 {
		log.InfoContext(ctx, "Released stale reservations", "count", released)
	}
}

func (p *Pool) checkReserveArgs(masterSAEID string, slaveSAEIDs []string, number, sizeBits int) error {
	if masterSAEID == "" {
		return trace.BadParameter("missing master SAE ID")
	}
	if len(slaveSAEIDs) == 0 {
		return trace.BadParameter("missing slave SAE IDs")
	}
	if number < 1 {
		return trace.BadParameter("number %v must be at least 1", number)
	}
	if number > p.cfg.MaxKeyPerRequest {
		return trace.BadParameter("number %v exceeds the per-request limit %v", number, p.cfg.MaxKeyPerRequest)
	}
	if sizeBits%8 != 0 {
		return trace.BadParameter("key size %v is not a multiple of 8", sizeBits)
	}
	if sizeBits < p.cfg.MinKeySize || sizeBits > p.cfg.MaxKeySize {
		return trace.BadParameter("key size %v is outside the allowed range [%v, %v]",
			sizeBits, p.cfg.MinKeySize, p.cfg.MaxKeySize)
	}
	if extra := len(slaveSAEIDs) - 1; extra > p.cfg.MaxSAEIDCount {
		if p.cfg.MaxSAEIDCount == 0 {
			return trace.BadParameter("multicast is disabled on this KME")
		}
		return trace.BadParameter("%v additional slave SAE IDs exceed the limit %v", extra, p.cfg.MaxSAEIDCount)
	}
	seen := make(map[string]struct{}, len(slaveSAEIDs)+1)
	seen[masterSAEID] = struct{}{}
	for _, id := range slaveSAEIDs {
		if _, dup := seen[id]; dup {
			return trace.BadParameter("duplicate SAE ID %v in request", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
