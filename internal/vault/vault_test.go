package vault

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func newTestRemapper(t *testing.T, store Store) *Remapper {
	t.Helper()
	r, err := NewRemapper(store, testSecret)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRemapper_MintResolveRoundTrip(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	placeholder, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-1")
	require.NoError(t, err)
	assert.Equal(t, "‹EMAIL_1›", placeholder)

	original, err := r.Resolve(ctx, placeholder, "email")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", original)
}

func TestRemapper_DedupeSamePlaceholder(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	first, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-1")
	require.NoError(t, err)
	second, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-2")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	other, err := r.Mint(ctx, "bob@example.org", "email", 0, "req-3")
	require.NoError(t, err)
	assert.Equal(t, "‹EMAIL_2›", other)
}

func TestRemapper_KindMismatch(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	placeholder, err := r.Mint(ctx, "555-123-4567", "phone", 0, "req-1")
	require.NoError(t, err)

	_, err = r.Resolve(ctx, placeholder, "email")
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestRemapper_KindIsPartOfIdentity(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	asEmail, err := r.Mint(ctx, "shared-value", "email", 0, "req-1")
	require.NoError(t, err)
	asPhone, err := r.Mint(ctx, "shared-value", "phone", 0, "req-1")
	require.NoError(t, err)
	assert.NotEqual(t, asEmail, asPhone)
}

func TestRemapper_ExpiredTokenNotResolved(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	placeholder, err := r.Mint(ctx, "alice@example.com", "email", time.Nanosecond, "req-1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = r.Resolve(ctx, placeholder, "email")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestRemapper_ExpiredRecordNotDeduped(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	first, err := r.Mint(ctx, "alice@example.com", "email", time.Nanosecond, "req-1")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	second, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-2")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestRemapper_RevokeThenResolveFails(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	placeholder, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-1")
	require.NoError(t, err)
	require.NoError(t, r.Revoke(ctx, placeholder))

	_, err = r.Resolve(ctx, placeholder, "email")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	assert.ErrorIs(t, r.Revoke(ctx, "‹EMAIL_99›"), ErrTokenNotFound)
}

func TestRemapper_SweepRemovesExpiredAndRevoked(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRemapper(t, store)
	ctx := context.Background()

	expired, err := r.Mint(ctx, "old", "email", time.Nanosecond, "req-1")
	require.NoError(t, err)
	revoked, err := r.Mint(ctx, "gone", "phone", 0, "req-1")
	require.NoError(t, err)
	kept, err := r.Mint(ctx, "fresh", "ssn", 0, "req-1")
	require.NoError(t, err)
	require.NoError(t, r.Revoke(ctx, revoked))

	time.Sleep(5 * time.Millisecond)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = store.Lookup(ctx, expired)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = store.Lookup(ctx, revoked)
	assert.ErrorIs(t, err, ErrTokenNotFound)
	_, err = store.Lookup(ctx, kept)
	assert.NoError(t, err)
}

func TestRemapper_ConcurrentMintsLinearize(t *testing.T) {
	r := newTestRemapper(t, NewMemoryStore())
	ctx := context.Background()

	const workers = 16
	results := make([]string, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			placeholder, err := r.Mint(ctx, "alice@example.com", "email", 0, "req")
			assert.NoError(t, err)
			results[i] = placeholder
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		assert.Equal(t, results[0], results[i])
	}
}

func TestRemapper_RejectsShortSecret(t *testing.T) {
	_, err := NewRemapper(NewMemoryStore(), []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidSecret)
}

func TestRemapper_AccessCount(t *testing.T) {
	store := NewMemoryStore()
	r := newTestRemapper(t, store)
	ctx := context.Background()

	placeholder, err := r.Mint(ctx, "alice@example.com", "email", 0, "req-1")
	require.NoError(t, err)
	_, err = r.Mint(ctx, "alice@example.com", "email", 0, "req-2")
	require.NoError(t, err)
	_, err = r.Resolve(ctx, placeholder, "email")
	require.NoError(t, err)

	rec, err := store.Lookup(ctx, placeholder)
	require.NoError(t, err)
	// one dedupe hit plus one resolve
	assert.Equal(t, 2, rec.AccessCount)
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "vault.db")
	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	r := newTestRemapper(t, store)
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		placeholder, err := r.Mint(ctx, "123-45-6789", "ssn", 0, "req-1")
		require.NoError(t, err)
		assert.Equal(t, "‹SSN_1›", placeholder)

		original, err := r.Resolve(ctx, placeholder, "ssn")
		require.NoError(t, err)
		assert.Equal(t, "123-45-6789", original)
	})

	t.Run("dedupe across requests", func(t *testing.T) {
		a, err := r.Mint(ctx, "dup@example.com", "email", 0, "req-1")
		require.NoError(t, err)
		b, err := r.Mint(ctx, "dup@example.com", "email", 0, "req-2")
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("plaintext not stored", func(t *testing.T) {
		placeholder, err := r.Mint(ctx, "very-secret-value", "api_key", 0, "req-1")
		require.NoError(t, err)
		rec, err := store.Lookup(ctx, placeholder)
		require.NoError(t, err)
		assert.NotContains(t, string(rec.Ciphertext), "very-secret-value")
	})

	t.Run("sweep", func(t *testing.T) {
		placeholder, err := r.Mint(ctx, "temp", "email", time.Nanosecond, "req-1")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = r.Sweep(ctx)
		require.NoError(t, err)
		_, err = store.Lookup(ctx, placeholder)
		assert.ErrorIs(t, err, ErrTokenNotFound)
	})
}
