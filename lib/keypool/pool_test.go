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

package keypool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/qkdlab/kmed/lib/defaults"
	"github.com/qkdlab/kmed/lib/keystore"
	"github.com/qkdlab/kmed/lib/utils"
)

var testLink = keystore.Link{SourceKMEID: "KME-A", TargetKMEID: "KME-B"}

// blockedSource models a QKD link that cannot deliver material.
type blockedSource struct{}

func (blockedSource) Fetch(ctx context.Context, link keystore.Link, sizeBits, count int) ([][]byte, error) {
	return nil, trace.ConnectionProblem(nil, "key source is unavailable")
}

type poolEnv struct {
	clock *clockwork.FakeClock
	store *keystore.Memory
	pool  *Pool
}

func newPoolEnv(t *testing.T, mutate func(*Config)) *poolEnv {
	t.Helper()
	clock := clockwork.NewFakeClock()
	store := keystore.NewMemory(keystore.MemoryConfig{Clock: clock})
	cfg := Config{
		Store:            store,
		Source:           CryptoSource{},
		Link:             testLink,
		DefaultKeySize:   256,
		MinKeySize:       64,
		MaxKeySize:       1024,
		MaxKeyPerRequest: 16,
		MaxKeyCount:      64,
		MaxSAEIDCount:    2,
		KeyTTL:           time.Hour,
		ReservationTTL:   30 * time.Second,
		Clock:            clock,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	pool, err := New(cfg)
	require.NoError(t, err)
	return &poolEnv{clock: clock, store: store, pool: pool}
}

func TestReserveCommitRetrieve(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.pool.Precharge(ctx, 5, 256))

	res, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 2, 256, false)
	require.NoError(t, err)
	require.Len(t, res.Keys, 2)

	// reserved keys are invisible to slaves before commit
	_, err = env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", []string{res.Keys[0].KeyID})
	require.True(t, trace.IsNotFound(err), "expected NotFound, got %v", err)

	delivered, err := env.pool.Commit(ctx, res)
	require.NoError(t, err)
	require.Len(t, delivered, 2)

	ids := []string{delivered[0].KeyID, delivered[1].KeyID}
	got, err := env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", ids)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// byte identity: the slave reads exactly what the master got
	require.Equal(t, delivered[0].Bytes, got[0].Bytes)
	require.Equal(t, delivered[1].Bytes, got[1].Bytes)

	// retrieval is idempotent while the key is live
	again, err := env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", ids)
	require.NoError(t, err)
	require.Equal(t, got[0].Bytes, again[0].Bytes)
	require.Equal(t, got[1].Bytes, again[1].Bytes)
}

func TestRetrieveOrderMatchesInput(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	res, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 3, 256, false)
	require.NoError(t, err)
	delivered, err := env.pool.Commit(ctx, res)
	require.NoError(t, err)

	reversed := []string{delivered[2].KeyID, delivered[0].KeyID, delivered[1].KeyID}
	got, err := env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", reversed)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, id := range reversed {
		require.Equal(t, id, got[i].KeyID)
	}
}

func TestAtMostOnceMasterDelivery(t *testing.T) {
	// the source is blocked, so only precharged keys can ever be handed out
	env := newPoolEnv(t, func(cfg *Config) { cfg.Source = blockedSource{} })
	ctx := context.Background()

	// charge the store directly with two available keys
	charged := make(map[string]struct{})
	for range 2 {
		keyID, err := utils.NewKeyID()
		require.NoError(t, err)
		bytes, err := utils.CryptoRandomBytes(32)
		require.NoError(t, err)
		require.NoError(t, env.store.Create(ctx, keystore.KeyRecord{
			KeyID:    keyID,
			Bytes:    bytes,
			SizeBits: 256,
			Link:     testLink,
			Status:   keystore.StatusAvailable,
		}))
		charged[keyID] = struct{}{}
	}

	res, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 2, 256, false)
	require.NoError(t, err)
	delivered, err := env.pool.Commit(ctx, res)
	require.NoError(t, err)
	require.Len(t, delivered, 2)
	for _, key := range delivered {
		require.Contains(t, charged, key.KeyID)
	}

	// the pool is now empty and the source blocked: the same key IDs can
	// never be handed to a master again
	_, err = env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 1, 256, false)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
}

func TestReserveValidation(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		master string
		slaves []string
		number int
		size   int
	}{
		{name: "zero number", master: "M", slaves: []string{"S"}, number: 0, size: 256},
		{name: "number over limit", master: "M", slaves: []string{"S"}, number: 17, size: 256},
		{name: "size not multiple of 8", master: "M", slaves: []string{"S"}, number: 1, size: 250},
		{name: "size below minimum", master: "M", slaves: []string{"S"}, number: 1, size: 32},
		{name: "size above maximum", master: "M", slaves: []string{"S"}, number: 1, size: 2048},
		{name: "no slaves", master: "M", slaves: nil, number: 1, size: 256},
		{name: "too many slaves", master: "M", slaves: []string{"S1", "S2", "S3", "S4"}, number: 1, size: 256},
		{name: "duplicate slave", master: "M", slaves: []string{"S1", "S1"}, number: 1, size: 256},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.pool.ReserveForMaster(ctx, tc.master, tc.slaves, tc.number, tc.size, false)
			require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
		})
	}
}

func TestMulticastDisabled(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.MaxSAEIDCount = 0 })
	ctx := context.Background()

	_, err := env.pool.ReserveForMaster(ctx, "M", []string{"S1", "S2"}, 1, 256, false)
	require.True(t, trace.IsBadParameter(err))

	// unicast still works
	res, err := env.pool.ReserveForMaster(ctx, "M", []string{"S1"}, 1, 256, false)
	require.NoError(t, err)
	env.pool.Abort(ctx, res)
}

func TestAbortReleasesKeys(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.pool.Precharge(ctx, 3, 256))

	res, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 3, 256, false)
	require.NoError(t, err)

	stats, err := env.pool.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.StoredKeyCount)

	env.pool.Abort(ctx, res)

	stats, err = env.pool.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.StoredKeyCount)
}

func TestExhaustion(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.Source = blockedSource{} })
	ctx := context.Background()

	_, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 1, 256, false)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
}

func TestCapacityAdmission(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.MaxKeyCount = 4 })
	ctx := context.Background()

	require.NoError(t, env.pool.Precharge(ctx, 4, 512))

	// all stored keys are 512 bits; a 256-bit request would need 1 more
	// key than capacity allows
	_, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 1, 256, false)
	require.True(t, trace.IsLimitExceeded(err), "expected LimitExceeded, got %v", err)
}

func TestRetrieveAuthorization(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	res, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001", "SLAVE0002"}, 1, 256, false)
	require.NoError(t, err)
	delivered, err := env.pool.Commit(ctx, res)
	require.NoError(t, err)
	keyID := delivered[0].KeyID

	// both listed slaves read the same bytes
	a, err := env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", []string{keyID})
	require.NoError(t, err)
	b, err := env.pool.RetrieveForSlave(ctx, "SLAVE0002", "MASTER01", []string{keyID})
	require.NoError(t, err)
	require.Equal(t, a[0].Bytes, b[0].Bytes)

	// a third SAE is rejected
	_, err = env.pool.RetrieveForSlave(ctx, "OTHER0003", "MASTER01", []string{keyID})
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)

	// wrong master in the URL is rejected even for a listed slave
	_, err = env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER99", []string{keyID})
	require.True(t, trace.IsAccessDenied(err), "expected AccessDenied, got %v", err)

	// a missing key fails the whole request
	_, err = env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01",
		[]string{keyID, "22222222-2222-4222-8222-222222222222"})
	require.True(t, trace.IsNotFound(err))
}

func TestExpiredKeysAreGone(t *testing.T) {
	env := newPoolEnv(t, func(cfg *Config) { cfg.KeyTTL = time.Minute })
	ctx := context.Background()

	res, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 1, 256, false)
	require.NoError(t, err)
	delivered, err := env.pool.Commit(ctx, res)
	require.NoError(t, err)

	env.clock.Advance(2 * time.Minute)
	env.pool.sweep(ctx)

	_, err = env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", []string{delivered[0].KeyID})
	require.True(t, keystore.IsGoneError(err), "expected GoneError, got %v", err)
}

func TestStaleReservationSweep(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	require.NoError(t, env.pool.Precharge(ctx, 2, 256))
	_, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 2, 256, false)
	require.NoError(t, err)

	stats, err := env.pool.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.StoredKeyCount)

	// an abandoned reservation is reclaimed once its TTL passes
	env.clock.Advance(time.Minute)
	env.pool.sweep(ctx)

	stats, err = env.pool.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.StoredKeyCount)
}

func TestSingleUseConsumption(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	res, err := env.pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 1, 256, true)
	require.NoError(t, err)
	delivered, err := env.pool.Commit(ctx, res)
	require.NoError(t, err)
	keyID := delivered[0].KeyID

	got, err := env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", []string{keyID})
	require.NoError(t, err)
	require.Equal(t, delivered[0].Bytes, got[0].Bytes)

	// the first read consumed the key
	_, err = env.pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", []string{keyID})
	require.True(t, keystore.IsGoneError(err), "expected GoneError, got %v", err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{
		Store:  keystore.NewMemory(keystore.MemoryConfig{}),
		Source: CryptoSource{},
		Link:   testLink,
	}
	require.NoError(t, cfg.CheckAndSetDefaults())
	require.Equal(t, defaults.KeySize, cfg.DefaultKeySize)
	require.Equal(t, defaults.KeyTTL, cfg.KeyTTL)
	require.Equal(t, defaults.ReservationTTL, cfg.ReservationTTL)
	require.Equal(t, defaults.SweepInterval, cfg.SweepInterval)
}

// casRaceStore injects a competing store mutation right before the first
// compare-and-swap the pool issues.
type casRaceStore struct {
	keystore.KeyStore
	once sync.Once
	race func()
}

func (s *casRaceStore) CompareAndSwapStatus(ctx context.Context, keyID string, expected, next keystore.Status) (bool, error) {
	if s.race != nil {
		s.once.Do(s.race)
	}
	return s.KeyStore.CompareAndSwapStatus(ctx, keyID, expected, next)
}

func TestSingleUseRaceRollsBack(t *testing.T) {
	clock := clockwork.NewFakeClock()
	mem := keystore.NewMemory(keystore.MemoryConfig{Clock: clock})
	racing := &casRaceStore{KeyStore: mem}
	pool, err := New(Config{
		Store:          racing,
		Source:         CryptoSource{},
		Link:           testLink,
		MaxSAEIDCount:  2,
		ReservationTTL: 30 * time.Second,
		Clock:          clock,
	})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := pool.ReserveForMaster(ctx, "MASTER01", []string{"SLAVE0001"}, 2, 256, true)
	require.NoError(t, err)
	delivered, err := pool.Commit(ctx, res)
	require.NoError(t, err)

	// a concurrent reader consumes the second key between the status check
	// and the consumption swap
	racing.race = func() {
		ok, err := mem.CompareAndSwapStatus(ctx, delivered[1].KeyID, keystore.StatusDeliveredMaster, keystore.StatusConsumed)
		require.NoError(t, err)
		require.True(t, ok)
	}

	ids := []string{delivered[0].KeyID, delivered[1].KeyID}
	_, err = pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", ids)
	require.True(t, keystore.IsGoneError(err), "expected GoneError, got %v", err)

	// the failed request did not consume the first key
	racing.race = nil
	first, err := mem.Get(ctx, delivered[0].KeyID)
	require.NoError(t, err)
	require.Equal(t, keystore.StatusDeliveredMaster, first.Status)

	// and it is still retrievable on its own
	got, err := pool.RetrieveForSlave(ctx, "SLAVE0001", "MASTER01", []string{delivered[0].KeyID})
	require.NoError(t, err)
	require.Equal(t, delivered[0].Bytes, got[0].Bytes)
}

func TestStats(t *testing.T) {
	env := newPoolEnv(t, nil)
	ctx := context.Background()

	stats, err := env.pool.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.StoredKeyCount)

	require.NoError(t, env.pool.Precharge(ctx, 7, 256))

	stats, err = env.pool.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 7, stats.StoredKeyCount)
}
