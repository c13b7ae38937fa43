// Package db provides the Postgres connection, schema migration, and the
// encrypted OAuth token store. Chat messages are never persisted; the schema
// holds only credentials and small service state.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/chat-relay/crypto"
)

var (
	cipher     *crypto.Cipher
	cipherOnce sync.Once
	cipherErr  error
)

// tokenCipher lazily initializes encryption from ENCRYPTION_KEY. When the key
// is unset, tokens are stored in plaintext (encryption_version = 0).
func tokenCipher() (*crypto.Cipher, error) {
	cipherOnce.Do(func() {
		key := os.Getenv("ENCRYPTION_KEY")
		if key == "" {
			slog.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
			return
		}
		c, err := crypto.NewCipher(key)
		if err != nil {
			cipherErr = fmt.Errorf("failed to initialize encryption: %w", err)
			slog.Error("encryption initialization failed", slog.Any("err", cipherErr), slog.String("component", "db_encryption"))
			return
		}
		cipher = c
		slog.Info("OAuth token encryption enabled (AES-256-GCM)", slog.String("component", "db_encryption"))
	})
	return cipher, cipherErr
}

// Connect opens a Postgres connection for the given DSN.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty dsn")
	}
	return sql.Open("pgx", dsn)
}

// Migrate applies idempotent schema changes for all required tables.
func Migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT,
			refresh_token TEXT,
			expires_at TIMESTAMPTZ,
			scope TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW(),
			encryption_version INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("postgres migrate step %d failed: %w", i, err)
		}
	}
	return nil
}

// TokenStore reads and writes OAuth token rows, encrypting token material
// when ENCRYPTION_KEY is configured.
type TokenStore struct{ DB *sql.DB }

// Upsert stores or updates the token row for a provider.
func (s *TokenStore) Upsert(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error {
	c, err := tokenCipher()
	if err != nil {
		return err
	}
	encVersion := 0
	if c != nil {
		encVersion = 1
		if access, err = c.EncryptString(access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = c.EncryptString(refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, scope, encryption_version, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT(provider) DO UPDATE SET
		  access_token=EXCLUDED.access_token,
		  refresh_token=EXCLUDED.refresh_token,
		  expires_at=EXCLUDED.expires_at,
		  scope=EXCLUDED.scope,
		  encryption_version=EXCLUDED.encryption_version,
		  updated_at=NOW()`,
		provider, access, refresh, expiry, scope, encVersion)
	return err
}

// Get retrieves the token row for a provider; zero values when absent.
// Rows written with encryption_version=1 are decrypted transparently;
// plaintext rows (version 0) are returned as-is for backward compatibility.
func (s *TokenStore) Get(ctx context.Context, provider string) (access, refresh string, expiry time.Time, scope string, err error) {
	var encVersion int
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, COALESCE(encryption_version, 0)
		 FROM oauth_tokens WHERE provider = $1`, provider)
	err = row.Scan(&access, &refresh, &expiry, &scope, &encVersion)
	if err == sql.ErrNoRows {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	if encVersion == 1 {
		c, cerr := tokenCipher()
		if cerr != nil {
			return "", "", time.Time{}, "", fmt.Errorf("get cipher for decryption: %w", cerr)
		}
		if c == nil {
			return "", "", time.Time{}, "", fmt.Errorf("token is encrypted but ENCRYPTION_KEY not configured")
		}
		if access, err = c.DecryptString(access); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt access token: %w", err)
		}
		if refresh, err = c.DecryptString(refresh); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return access, refresh, expiry, scope, nil
}
