package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const vaultSchema = `
CREATE TABLE IF NOT EXISTS token_vault (
	placeholder      TEXT PRIMARY KEY,
	ciphertext       BLOB NOT NULL,
	value_hash       TEXT NOT NULL,
	kind             TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	expires_at       TIMESTAMP NOT NULL,
	revoked          BOOLEAN NOT NULL DEFAULT 0,
	access_count     INTEGER NOT NULL DEFAULT 0,
	owner_request_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_token_vault_hash ON token_vault(value_hash);
CREATE INDEX IF NOT EXISTS idx_token_vault_expires ON token_vault(expires_at);

CREATE TABLE IF NOT EXISTS token_kind_counters (
	kind TEXT PRIMARY KEY,
	seq  INTEGER NOT NULL
);
`

// SQLiteStore is the durable vault table. A single connection serializes
// writers, which makes MintOrGet atomic on the hash index.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the vault database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), vaultSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) MintOrGet(ctx context.Context, rec *TokenRecord) (*TokenRecord, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning mint tx: %w", err)
	}
	defer tx.Rollback()

	existing := &TokenRecord{ValueHash: rec.ValueHash}
	err = tx.QueryRowContext(ctx, `
		SELECT placeholder, ciphertext, kind, created_at, expires_at, access_count, owner_request_id
		FROM token_vault
		WHERE value_hash = ? AND revoked = 0 AND expires_at > ?`,
		rec.ValueHash, rec.CreatedAt,
	).Scan(&existing.Placeholder, &existing.Ciphertext, &existing.Kind,
		&existing.CreatedAt, &existing.ExpiresAt, &existing.AccessCount, &existing.OwnerRequestID)

	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			`UPDATE token_vault SET access_count = access_count + 1 WHERE placeholder = ?`,
			existing.Placeholder); err != nil {
			return nil, false, fmt.Errorf("incrementing access count: %w", err)
		}
		existing.AccessCount++
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("committing mint tx: %w", err)
		}
		return existing, false, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to insert
	default:
		return nil, false, fmt.Errorf("querying hash index: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO token_kind_counters (kind, seq) VALUES (?, 1)
		ON CONFLICT(kind) DO UPDATE SET seq = seq + 1
		RETURNING seq`, rec.Kind,
	).Scan(&seq); err != nil {
		return nil, false, fmt.Errorf("advancing kind counter: %w", err)
	}

	rec.Placeholder = FormatPlaceholder(rec.Kind, seq)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO token_vault
			(placeholder, ciphertext, value_hash, kind, created_at, expires_at, revoked, access_count, owner_request_id)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)`,
		rec.Placeholder, rec.Ciphertext, rec.ValueHash, rec.Kind,
		rec.CreatedAt, rec.ExpiresAt, rec.OwnerRequestID,
	); err != nil {
		return nil, false, fmt.Errorf("inserting token record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing mint tx: %w", err)
	}
	return rec, true, nil
}

func (s *SQLiteStore) Lookup(ctx context.Context, placeholder string) (*TokenRecord, error) {
	rec := &TokenRecord{Placeholder: placeholder}
	err := s.db.QueryRowContext(ctx, `
		SELECT ciphertext, value_hash, kind, created_at, expires_at, revoked, access_count, owner_request_id
		FROM token_vault WHERE placeholder = ?`, placeholder,
	).Scan(&rec.Ciphertext, &rec.ValueHash, &rec.Kind, &rec.CreatedAt,
		&rec.ExpiresAt, &rec.Revoked, &rec.AccessCount, &rec.OwnerRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, placeholder string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE token_vault SET access_count = access_count + 1 WHERE placeholder = ?`, placeholder)
	if err != nil {
		return fmt.Errorf("touching token record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *SQLiteStore) Revoke(ctx context.Context, placeholder string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE token_vault SET revoked = 1 WHERE placeholder = ?`, placeholder)
	if err != nil {
		return fmt.Errorf("revoking token record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTokenNotFound
	}
	return nil
}

func (s *SQLiteStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM token_vault WHERE revoked = 1 OR expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping token vault: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
