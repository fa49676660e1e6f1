package dpop

import (
	"context"
	"crypto/x509"
	"database/sql"
	"encoding/pem"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists key pairs to a single-writer SQLite database, grounded
// on scrypster-memento/internal/storage/sqlite/memory_store.go's
// single-open-connection WAL discipline.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dpop_keys (
	key_id              TEXT PRIMARY KEY,
	algorithm           TEXT NOT NULL,
	thumbprint          TEXT NOT NULL,
	private_key_pem     BLOB,
	private_placeholder INTEGER NOT NULL DEFAULT 0,
	client_id           TEXT,
	session_id          TEXT,
	rotation_generation INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMP NOT NULL,
	expires_at          TIMESTAMP NOT NULL
);
`

// NewSQLiteStore opens (creating if needed) a SQLite-backed Storage at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("dpop: open sqlite: %w", err)
	}
	// One writer at a time, as in the teacher's memory_store.go; DPoP key
	// churn is low-volume so this never becomes a bottleneck.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dpop: create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Store(ctx context.Context, k *KeyPair) error {
	privPEM, placeholder, err := encodePrivateKey(k)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dpop_keys (key_id, algorithm, thumbprint, private_key_pem, private_placeholder, client_id, session_id, rotation_generation, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key_id) DO UPDATE SET
			algorithm=excluded.algorithm, thumbprint=excluded.thumbprint, private_key_pem=excluded.private_key_pem,
			private_placeholder=excluded.private_placeholder, client_id=excluded.client_id, session_id=excluded.session_id,
			rotation_generation=excluded.rotation_generation, created_at=excluded.created_at, expires_at=excluded.expires_at
	`, k.KeyID, string(k.Algorithm), k.Thumbprint, privPEM, placeholder, k.ClientID, k.SessionID, k.RotationGeneration, k.CreatedAt, k.ExpiresAt)
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, keyID string) (*KeyPair, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key_id, algorithm, thumbprint, private_key_pem, private_placeholder, client_id, session_id, rotation_generation, created_at, expires_at FROM dpop_keys WHERE key_id = ?`, keyID)
	k, err := scanKeyPair(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return k, true, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dpop_keys WHERE key_id = ?`, keyID)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]*KeyPair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key_id, algorithm, thumbprint, private_key_pem, private_placeholder, client_id, session_id, rotation_generation, created_at, expires_at FROM dpop_keys`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*KeyPair
	for rows.Next() {
		k, err := scanKeyPair(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKeyPair(row rowScanner) (*KeyPair, error) {
	var (
		k           KeyPair
		algorithm   string
		privPEM     []byte
		placeholder bool
		createdAt   time.Time
		expiresAt   time.Time
	)
	if err := row.Scan(&k.KeyID, &algorithm, &k.Thumbprint, &privPEM, &placeholder, &k.ClientID, &k.SessionID, &k.RotationGeneration, &createdAt, &expiresAt); err != nil {
		return nil, err
	}
	k.Algorithm = Algorithm(algorithm)
	k.CreatedAt = createdAt
	k.ExpiresAt = expiresAt
	k.PrivatePlaceholder = placeholder
	if !placeholder && len(privPEM) > 0 {
		if err := decodePrivateKey(&k, privPEM); err != nil {
			return nil, err
		}
	}
	return &k, nil
}

// encodePrivateKey PEM-encodes k's private half. HSM-backed pairs carry no
// private material at rest; only PrivatePlaceholder is persisted.
func encodePrivateKey(k *KeyPair) ([]byte, bool, error) {
	if k.PrivatePlaceholder {
		return nil, true, nil
	}
	switch {
	case k.ECPrivateKey != nil:
		der, err := x509.MarshalECPrivateKey(k.ECPrivateKey)
		if err != nil {
			return nil, false, err
		}
		return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), false, nil
	case k.RSAPrivateKey != nil:
		der := x509.MarshalPKCS1PrivateKey(k.RSAPrivateKey)
		return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), false, nil
	default:
		return nil, true, nil
	}
}

func decodePrivateKey(k *KeyPair, data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil {
		return fmt.Errorf("dpop: invalid PEM for key %s", k.KeyID)
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		priv, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return err
		}
		k.ECPrivateKey = priv
	case "RSA PRIVATE KEY":
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return err
		}
		k.RSAPrivateKey = priv
	default:
		return fmt.Errorf("dpop: unknown PEM block type %q", block.Type)
	}
	return nil
}
