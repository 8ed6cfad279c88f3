package vault

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TokenRecord is one vault row. The plaintext only ever exists transiently
// inside Mint and Resolve; everything at rest is ciphertext.
type TokenRecord struct {
	Placeholder    string
	Ciphertext     []byte
	ValueHash      string
	Kind           string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Revoked        bool
	AccessCount    int
	OwnerRequestID string
}

// Expired reports whether the record is past its TTL at now.
func (r *TokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store is the embedded vault table. MintOrGet must be atomic on the hash
// index: concurrent mints of the same (kind, value) observe one record.
type Store interface {
	// MintOrGet looks up an unexpired, non-revoked record by rec.ValueHash.
	// When found it increments the record's access count and returns it with
	// inserted=false. Otherwise it assigns the next placeholder for rec.Kind,
	// inserts rec and returns it with inserted=true.
	MintOrGet(ctx context.Context, rec *TokenRecord) (*TokenRecord, bool, error)

	// Lookup fetches a record by placeholder, revoked and expired included.
	Lookup(ctx context.Context, placeholder string) (*TokenRecord, error)

	// Touch increments the access count of a record.
	Touch(ctx context.Context, placeholder string) error

	// Revoke marks a record revoked. Revoking an unknown placeholder is an
	// error; revoking twice is not.
	Revoke(ctx context.Context, placeholder string) error

	// Sweep deletes expired and revoked records, returning how many.
	Sweep(ctx context.Context, now time.Time) (int, error)

	Close() error
}

// FormatPlaceholder renders the opaque placeholder for the n-th token of a
// kind, e.g. ("email", 1) -> "‹EMAIL_1›".
func FormatPlaceholder(kind string, n int) string {
	return fmt.Sprintf("‹%s_%d›", strings.ToUpper(kind), n)
}
