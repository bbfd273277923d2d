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
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/qkdlab/kmed/lib/utils"
)

var testLink = Link{SourceKMEID: "KME-A", TargetKMEID: "KME-B"}

// forEachStore runs the test against both store implementations.
func forEachStore(t *testing.T, fn func(t *testing.T, clock *clockwork.FakeClock, store KeyStore)) {
	t.Run("memory", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := NewMemory(MemoryConfig{Clock: clock})
		t.Cleanup(func() { store.Close() })
		fn(t, clock, store)
	})
	t.Run("sqlite", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store, err := NewSQLite(context.Background(), SQLiteConfig{
			Path:  t.TempDir(),
			Clock: clock,
		})
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		fn(t, clock, store)
	})
}

func newTestKey(t *testing.T, sizeBits int) KeyRecord {
	t.Helper()
	keyID, err := utils.NewKeyID()
	require.NoError(t, err)
	bytes, err := utils.CryptoRandomBytes(sizeBits / 8)
	require.NoError(t, err)
	return KeyRecord{
		KeyID:    keyID,
		Bytes:    bytes,
		SizeBits: sizeBits,
		Link:     testLink,
		Status:   StatusAvailable,
	}
}

func TestCreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		rec := newTestKey(t, 256)
		require.NoError(t, store.Create(ctx, rec))

		// duplicate insert conflicts
		err := store.Create(ctx, rec)
		require.True(t, trace.IsAlreadyExists(err), "expected AlreadyExists, got %v", err)

		got, err := store.Get(ctx, rec.KeyID)
		require.NoError(t, err)
		require.Equal(t, rec.Bytes, got.Bytes)
		require.Equal(t, 256, got.SizeBits)
		require.Equal(t, StatusAvailable, got.Status)
		require.Equal(t, testLink, got.Link)
		require.False(t, got.CreatedAt.IsZero())

		_, err = store.Get(ctx, "00000000-0000-4000-8000-000000000000")
		require.True(t, trace.IsNotFound(err))
	})
}

func TestCreateValidation(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		rec := newTestKey(t, 256)
		rec.SizeBits = 250
		err := store.Create(ctx, rec)
		require.True(t, trace.IsBadParameter(err))

		rec = newTestKey(t, 256)
		rec.Bytes = rec.Bytes[:16]
		err = store.Create(ctx, rec)
		require.True(t, trace.IsBadParameter(err))
	})
}

func TestGetMany(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		a := newTestKey(t, 256)
		b := newTestKey(t, 256)
		require.NoError(t, store.Create(ctx, a))
		require.NoError(t, store.Create(ctx, b))

		missingID := "11111111-1111-4111-8111-111111111111"
		found, missing, err := store.GetMany(ctx, []string{a.KeyID, missingID, b.KeyID})
		require.NoError(t, err)
		require.Len(t, found, 2)
		require.Equal(t, []string{missingID}, missing)
	})
}

func TestReserveCommitRelease(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		rec := newTestKey(t, 256)
		require.NoError(t, store.Create(ctx, rec))

		ok, err := store.Reserve(ctx, rec.KeyID, "res-1", "MASTER01", []string{"SLAVE0001"}, false)
		require.NoError(t, err)
		require.True(t, ok)

		// a second reservation loses the race
		ok, err = store.Reserve(ctx, rec.KeyID, "res-2", "MASTER02", []string{"SLAVE0002"}, false)
		require.NoError(t, err)
		require.False(t, ok)

		// commit with the wrong reservation fails
		ok, err = store.Commit(ctx, rec.KeyID, "res-2")
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = store.Commit(ctx, rec.KeyID, "res-1")
		require.NoError(t, err)
		require.True(t, ok)

		got, err := store.Get(ctx, rec.KeyID)
		require.NoError(t, err)
		require.Equal(t, StatusDeliveredMaster, got.Status)
		require.Equal(t, "MASTER01", got.MasterSAEID)
		require.Equal(t, []string{"SLAVE0001"}, got.SlaveSAEIDs)
		require.Equal(t, rec.Bytes, got.Bytes, "bytes must survive the reservation cycle untouched")

		// rollback of a committed key returns it to the pool and clears
		// the binding
		ok, err = store.Release(ctx, rec.KeyID, "res-1")
		require.NoError(t, err)
		require.True(t, ok)

		got, err = store.Get(ctx, rec.KeyID)
		require.NoError(t, err)
		require.Equal(t, StatusAvailable, got.Status)
		require.Empty(t, got.MasterSAEID)
		require.Empty(t, got.SlaveSAEIDs)
	})
}

func TestCompareAndSwapStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		rec := newTestKey(t, 256)
		require.NoError(t, store.Create(ctx, rec))

		ok, err := store.CompareAndSwapStatus(ctx, rec.KeyID, StatusDeliveredMaster, StatusConsumed)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = store.CompareAndSwapStatus(ctx, rec.KeyID, StatusAvailable, StatusRevoked)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := store.Get(ctx, rec.KeyID)
		require.NoError(t, err)
		require.Equal(t, StatusRevoked, got.Status)
	})
}

func TestListAvailableAndCount(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		for range 3 {
			require.NoError(t, store.Create(ctx, newTestKey(t, 256)))
		}
		require.NoError(t, store.Create(ctx, newTestKey(t, 512)))

		keys, err := store.ListAvailable(ctx, testLink, 256, 10)
		require.NoError(t, err)
		require.Len(t, keys, 3)

		keys, err = store.ListAvailable(ctx, testLink, 256, 2)
		require.NoError(t, err)
		require.Len(t, keys, 2)

		count, err := store.CountByStatus(ctx, testLink, StatusAvailable)
		require.NoError(t, err)
		require.Equal(t, 4, count)

		otherLink := Link{SourceKMEID: "KME-X", TargetKMEID: "KME-Y"}
		count, err = store.CountByStatus(ctx, otherLink, StatusAvailable)
		require.NoError(t, err)
		require.Zero(t, count)
	})
}

func TestExpireKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		now := clock.Now().UTC()

		expiring := newTestKey(t, 256)
		expiring.ExpiresAt = now.Add(time.Minute)
		require.NoError(t, store.Create(ctx, expiring))

		forever := newTestKey(t, 256)
		require.NoError(t, store.Create(ctx, forever))

		n, err := store.ExpireKeys(ctx, now.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, err := store.Get(ctx, expiring.KeyID)
		require.NoError(t, err)
		require.Equal(t, StatusExpired, got.Status)

		got, err = store.Get(ctx, forever.KeyID)
		require.NoError(t, err)
		require.Equal(t, StatusAvailable, got.Status)
	})
}

func TestReleaseStaleReservations(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		rec := newTestKey(t, 256)
		require.NoError(t, store.Create(ctx, rec))

		ok, err := store.Reserve(ctx, rec.KeyID, "res-1", "MASTER01", []string{"SLAVE0001"}, false)
		require.NoError(t, err)
		require.True(t, ok)

		// a cutoff before the reservation leaves it alone
		n, err := store.ReleaseStaleReservations(ctx, clock.Now().Add(-time.Minute))
		require.NoError(t, err)
		require.Zero(t, n)

		n, err = store.ReleaseStaleReservations(ctx, clock.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		got, err := store.Get(ctx, rec.KeyID)
		require.NoError(t, err)
		require.Equal(t, StatusAvailable, got.Status)
		require.Empty(t, got.ReservationID)
	})
}

func TestRecordRequest(t *testing.T) {
	forEachStore(t, func(t *testing.T, clock *clockwork.FakeClock, store KeyStore) {
		ctx := context.Background()
		err := store.RecordRequest(ctx, RequestRecord{
			RequestID:   "req-1",
			MasterSAEID: "MASTER01",
			SlaveSAEIDs: []string{"SLAVE0001"},
			Number:      2,
			SizeBits:    256,
			Status:      "delivered",
		})
		require.NoError(t, err)
	})
}

func TestGoneError(t *testing.T) {
	err := NewGoneError("abc", StatusExpired)
	require.True(t, IsGoneError(err))
	require.False(t, IsGoneError(trace.NotFound("nope")))
	require.Contains(t, err.Error(), "expired")
}
