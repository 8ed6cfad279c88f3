// Package vault is the token remapper: an encrypted, expiring store that
// replaces sensitive spans with opaque placeholders and restores them later
// under policy.
//
// Values are encrypted at rest with ChaCha20-Poly1305; deduplication uses a
// keyed hash over (kind, value) so the same value minted twice within its
// TTL returns the same placeholder. Expired and revoked records are removed
// by a sweeper that runs on a timer and opportunistically on mint.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrVaultUnavailable is returned when the backing store cannot be
	// reached. Callers fall back to plain redaction and escalate.
	ErrVaultUnavailable = errors.New("vault unavailable")
	// ErrKindMismatch is returned by Resolve when the placeholder exists
	// but was minted under a different kind.
	ErrKindMismatch = errors.New("vault kind mismatch")
	// ErrTokenNotFound is returned when a placeholder is unknown, expired
	// or revoked.
	ErrTokenNotFound = errors.New("token not found")
	// ErrInvalidSecret is returned when the vault secret is too short to
	// derive keys from.
	ErrInvalidSecret = errors.New("vault secret must be at least 16 bytes")
)

// DefaultTTL applies when Mint is called with a zero TTL.
const DefaultTTL = 24 * time.Hour

const defaultSweepInterval = 5 * time.Minute

// Remapper mints placeholders for sensitive values and resolves them back.
// Safe for concurrent use.
type Remapper struct {
	store   Store
	aead    cipher.AEAD
	hashKey []byte
	ttl     time.Duration
	log     *zap.Logger

	mu        sync.Mutex
	lastSweep time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// Option adjusts Remapper construction.
type Option func(*Remapper)

// WithDefaultTTL overrides the 24h default record lifetime.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Remapper) { r.ttl = ttl }
}

// WithLogger attaches a logger for sweep and fallback events.
func WithLogger(log *zap.Logger) Option {
	return func(r *Remapper) { r.log = log }
}

// NewRemapper derives the cipher and hash keys from secret and starts the
// background sweeper. Close stops it.
func NewRemapper(store Store, secret []byte, opts ...Option) (*Remapper, error) {
	if len(secret) < 16 {
		return nil, ErrInvalidSecret
	}

	cipherKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("vault cipher v1")), cipherKey); err != nil {
		return nil, fmt.Errorf("deriving cipher key: %w", err)
	}
	hashKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("vault hash v1")), hashKey); err != nil {
		return nil, fmt.Errorf("deriving hash key: %w", err)
	}

	aead, err := chacha20poly1305.New(cipherKey)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	r := &Remapper{
		store:   store,
		aead:    aead,
		hashKey: hashKey,
		ttl:     DefaultTTL,
		log:     zap.NewNop(),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	go r.sweepLoop()
	return r, nil
}

// Mint returns a placeholder for (kind, original). An unexpired record with
// the same keyed hash is reused; otherwise the value is encrypted and a new
// placeholder assigned. A zero ttl uses the default.
func (r *Remapper) Mint(ctx context.Context, original, kind string, ttl time.Duration, ownerRequestID string) (string, error) {
	if ttl <= 0 {
		ttl = r.ttl
	}
	now := time.Now()

	nonce := make([]byte, r.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := append(nonce, r.aead.Seal(nil, nonce, []byte(original), nil)...)

	rec := &TokenRecord{
		Ciphertext:     ciphertext,
		ValueHash:      r.keyedHash(kind, original),
		Kind:           kind,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		OwnerRequestID: ownerRequestID,
	}

	stored, inserted, err := r.store.MintOrGet(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	if !inserted {
		r.log.Debug("vault mint deduplicated",
			zap.String("kind", kind),
			zap.String("placeholder", stored.Placeholder))
	}

	r.maybeSweep()
	return stored.Placeholder, nil
}

// Resolve decrypts the original value behind placeholder. The kind must
// match the one the record was minted under.
func (r *Remapper) Resolve(ctx context.Context, placeholder, kind string) (string, error) {
	rec, err := r.store.Lookup(ctx, placeholder)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	if rec.Revoked || rec.Expired(time.Now()) {
		return "", ErrTokenNotFound
	}
	if rec.Kind != kind {
		return "", fmt.Errorf("%w: placeholder %s minted as %q, resolved as %q",
			ErrKindMismatch, placeholder, rec.Kind, kind)
	}

	if len(rec.Ciphertext) < r.aead.NonceSize() {
		return "", fmt.Errorf("%w: ciphertext truncated", ErrVaultUnavailable)
	}
	nonce := rec.Ciphertext[:r.aead.NonceSize()]
	plaintext, err := r.aead.Open(nil, nonce, rec.Ciphertext[r.aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting token: %w", err)
	}

	if err := r.store.Touch(ctx, placeholder); err != nil {
		r.log.Warn("vault touch failed", zap.String("placeholder", placeholder), zap.Error(err))
	}
	return string(plaintext), nil
}

// Revoke marks the record unusable. Sweep removes it later.
func (r *Remapper) Revoke(ctx context.Context, placeholder string) error {
	if err := r.store.Revoke(ctx, placeholder); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	return nil
}

// Sweep removes expired and revoked records now.
func (r *Remapper) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.Sweep(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrVaultUnavailable, err)
	}
	if n > 0 {
		r.log.Debug("vault sweep", zap.Int("removed", n))
	}
	return n, nil
}

// Close stops the sweeper and closes the store.
func (r *Remapper) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	return r.store.Close()
}

func (r *Remapper) keyedHash(kind, original string) string {
	mac := hmac.New(sha256.New, r.hashKey)
	mac.Write([]byte(kind))
	mac.Write([]byte{0x1f})
	mac.Write([]byte(original))
	return hex.EncodeToString(mac.Sum(nil))
}

// maybeSweep runs a sweep in the background at most once per interval.
func (r *Remapper) maybeSweep() {
	r.mu.Lock()
	due := time.Since(r.lastSweep) >= defaultSweepInterval
	if due {
		r.lastSweep = time.Now()
	}
	r.mu.Unlock()
	if !due {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = r.Sweep(ctx)
	}()
}

func (r *Remapper) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, _ = r.Sweep(ctx)
			cancel()
		}
	}
}
