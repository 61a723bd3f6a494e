// ABOUTME: Tests for the credential cache covering policy checks and CDC application
// ABOUTME: Exercises expiry, rate limits, deactivation races, and usage write-back

package keycache

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpdoor/mcpdoor/internal/secrets"
	"github.com/mcpdoor/mcpdoor/internal/store"
)

const testProvider = "google-maps"

func testCodec(t *testing.T) *secrets.Codec {
	t.Helper()
	key := make([]byte, secrets.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	codec, err := secrets.NewCodec(key)
	require.NoError(t, err)
	return codec
}

func sealedRecord(t *testing.T, codec *secrets.Codec, id, callerKey, plaintext string) *store.CredentialRecord {
	t.Helper()
	record := &store.CredentialRecord{
		ID:         id,
		CallerKey:  callerKey,
		RateLimit:  100,
		Active:     true,
		ProviderID: testProvider,
	}
	if plaintext != "" {
		ct, nonce, err := codec.Seal(plaintext)
		require.NoError(t, err)
		record.SecretCiphertext = ct
		record.SecretNonce = nonce
	}
	return record
}

func newTestCache(t *testing.T, codec *secrets.Codec, records ...*store.CredentialRecord) (*Cache, *store.MockStore) {
	t.Helper()
	mock := store.NewMockStore(records...)
	cache, err := New(Config{
		Source:     mock,
		Codec:      codec,
		ProviderID: testProvider,
		Logger:     slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	return cache, mock
}

// waitForKeyAbsent polls until the caller key resolves to ErrNotFound,
// giving the async CDC apply loop time to land.
func waitForKeyAbsent(t *testing.T, cache *Cache, callerKey string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := cache.Resolve(context.Background(), callerKey)
		if errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("key still resolvable after change event")
}

func TestNewValidation(t *testing.T) {
	codec := testCodec(t)

	_, err := New(Config{Codec: codec, ProviderID: testProvider})
	assert.Error(t, err, "missing source")

	_, err = New(Config{Source: store.NewMockStore(), ProviderID: testProvider})
	assert.Error(t, err, "missing codec")

	_, err = New(Config{Source: store.NewMockStore(), Codec: codec})
	assert.Error(t, err, "missing provider")
}

func TestResolveSuccess(t *testing.T) {
	codec := testCodec(t)
	cache, mock := newTestCache(t, codec, sealedRecord(t, codec, "rec-1", "k1", "provider-secret"))

	resolved, err := cache.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", resolved.RecordID)
	assert.Equal(t, "provider-secret", resolved.Secret)

	// The background write-back lands with the advanced counter.
	usages := mock.WaitForUsage(1, 2*time.Second)
	require.Len(t, usages, 1)
	assert.Equal(t, "rec-1", usages[0].ID)
	assert.Equal(t, int64(1), usages[0].UsageCount)
	assert.False(t, usages[0].LastUsedAt.IsZero())
}

func TestResolveEmptySecret(t *testing.T) {
	codec := testCodec(t)
	cache, _ := newTestCache(t, codec, sealedRecord(t, codec, "rec-1", "k1", ""))

	resolved, err := cache.Resolve(context.Background(), "k1")
	require.NoError(t, err)
	assert.Empty(t, resolved.Secret, "record without stored secret resolves to empty secret")
}

func TestResolveUnknownKeyIdempotent(t *testing.T) {
	codec := testCodec(t)
	cache, _ := newTestCache(t, codec, sealedRecord(t, codec, "rec-1", "k1", "s"))

	for i := 0; i < 3; i++ {
		_, err := cache.Resolve(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestResolveExpired(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	past := time.Now().Add(-time.Second)
	record.ExpiresAt = &past

	cache, _ := newTestCache(t, codec, record)

	// Expiry wins regardless of remaining quota.
	_, err := cache.Resolve(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestResolveRateLimited(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	record.RateLimit = 5
	record.UsageCount = 5

	cache, _ := newTestCache(t, codec, record)

	_, err := cache.Resolve(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestResolveZeroQuotaAlwaysRejected(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	record.RateLimit = 0
	record.UsageCount = 0

	cache, _ := newTestCache(t, codec, record)

	// A zero quota grants nothing, not everything.
	_, err := cache.Resolve(context.Background(), "k1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestResolveQuotaExhaustion(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	record.RateLimit = 1

	cache, _ := newTestCache(t, codec, record)
	ctx := context.Background()

	_, err := cache.Resolve(ctx, "k1")
	require.NoError(t, err)

	// The local charge is visible immediately; further calls fail.
	_, err = cache.Resolve(ctx, "k1")
	assert.ErrorIs(t, err, ErrRateLimited)
	_, err = cache.Resolve(ctx, "k1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestResolveCorruptCredential(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	record.SecretCiphertext = "bm90LWEtcmVhbC1jaXBoZXJ0ZXh0"

	cache, _ := newTestCache(t, codec, record)

	// Fails identically on every retry; the record stays cached.
	for i := 0; i < 2; i++ {
		_, err := cache.Resolve(context.Background(), "k1")
		assert.ErrorIs(t, err, secrets.ErrCorruptCredential)
	}
}

func TestUsagePersistFailureDoesNotFailResolve(t *testing.T) {
	codec := testCodec(t)
	cache, mock := newTestCache(t, codec, sealedRecord(t, codec, "rec-1", "k1", "s"))
	mock.UsageErr = errors.New("store unavailable")

	_, err := cache.Resolve(context.Background(), "k1")
	assert.NoError(t, err)
}

func TestPrimeFailureRetries(t *testing.T) {
	codec := testCodec(t)
	mock := store.NewMockStore(sealedRecord(t, codec, "rec-1", "k1", "s"))
	mock.LoadErr = errors.New("system of record unreachable")

	cache, err := New(Config{Source: mock, Codec: codec, ProviderID: testProvider})
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.Resolve(context.Background(), "k1")
	require.Error(t, err)

	// The failed prime is not cached; once the store recovers, resolve works.
	mock.LoadErr = nil
	_, err = cache.Resolve(context.Background(), "k1")
	assert.NoError(t, err)
}

func TestPrimeSingleFlight(t *testing.T) {
	codec := testCodec(t)
	cache, mock := newTestCache(t, codec, sealedRecord(t, codec, "rec-1", "k1", "s"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = cache.Prime(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mock.LoadCalls, "concurrent first-use primes collapse into one load")
}

func TestDeactivationEventRemovesKey(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	cache, mock := newTestCache(t, codec, record)

	_, err := cache.Resolve(context.Background(), "k1")
	require.NoError(t, err)

	deactivated := record.Clone()
	deactivated.Active = false
	mock.Emit(store.ChangeEvent{Op: store.OpUpsert, Record: deactivated})

	// Every resolve starting after the event applies must fail.
	waitForKeyAbsent(t, cache, "k1")
}

func TestDeleteEventRemovesKey(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	cache, mock := newTestCache(t, codec, record)

	require.NoError(t, cache.Prime(context.Background()))
	mock.Emit(store.ChangeEvent{Op: store.OpDelete, Record: record})

	waitForKeyAbsent(t, cache, "k1")
}

func TestUpdateEventRefreshesBothIndexes(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	cache, mock := newTestCache(t, codec, record)
	require.NoError(t, cache.Prime(context.Background()))

	// A rotation changes the caller key for the same record ID.
	rotated := record.Clone()
	rotated.CallerKey = "k2"
	mock.Emit(store.ChangeEvent{Op: store.OpUpsert, Record: rotated})

	// The old alias disappears and the new one works: both indexes moved
	// together, never one without the other.
	waitForKeyAbsent(t, cache, "k1")
	_, err := cache.Resolve(context.Background(), "k2")
	assert.NoError(t, err)
}

func TestCreateEventAddsKey(t *testing.T) {
	codec := testCodec(t)
	cache, mock := newTestCache(t, codec)
	require.NoError(t, cache.Prime(context.Background()))

	_, err := cache.Resolve(context.Background(), "fresh")
	require.ErrorIs(t, err, ErrNotFound)

	mock.Emit(store.ChangeEvent{Op: store.OpUpsert, Record: sealedRecord(t, codec, "rec-9", "fresh", "s")})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := cache.Resolve(context.Background(), "fresh"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("created key never became resolvable")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentResolveDuringDeactivation(t *testing.T) {
	codec := testCodec(t)
	record := sealedRecord(t, codec, "rec-1", "k1", "s")
	cache, mock := newTestCache(t, codec, record)
	require.NoError(t, cache.Prime(context.Background()))

	// Hammer resolve while a deactivation lands: every call must see either
	// the intact record or a clean miss, never a half-applied state.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := cache.Resolve(context.Background(), "k1")
				if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrRateLimited) {
					t.Errorf("unexpected resolve error: %v", err)
					return
				}
			}
		}()
	}

	deactivated := record.Clone()
	deactivated.Active = false
	mock.Emit(store.ChangeEvent{Op: store.OpUpsert, Record: deactivated})
	wg.Wait()

	waitForKeyAbsent(t, cache, "k1")
}
