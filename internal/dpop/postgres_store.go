package dpop

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the multi-instance-deployment Storage backend, grounded
// on scrypster-memento/internal/storage/postgres/memory_store.go's
// connection-pool sizing and idempotent-schema-on-open pattern; useful when
// several turbomcp servers must share a rotation-aware key store.
type PostgresStore struct {
	db *sql.DB
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dpop_keys (
	key_id              TEXT PRIMARY KEY,
	algorithm           TEXT NOT NULL,
	thumbprint          TEXT NOT NULL,
	private_key_pem     BYTEA,
	private_placeholder BOOLEAN NOT NULL DEFAULT FALSE,
	client_id           TEXT,
	session_id          TEXT,
	rotation_generation INTEGER NOT NULL DEFAULT 0,
	created_at          TIMESTAMPTZ NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL
);
`

// NewPostgresStore opens a pooled connection to dsn and applies the schema.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dpop: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dpop: ping postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("dpop: apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Store(ctx context.Context, k *KeyPair) error {
	privPEM, placeholder, err := encodePrivateKey(k)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dpop_keys (key_id, algorithm, thumbprint, private_key_pem, private_placeholder, client_id, session_id, rotation_generation, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key_id) DO UPDATE SET
			algorithm = EXCLUDED.algorithm, thumbprint = EXCLUDED.thumbprint, private_key_pem = EXCLUDED.private_key_pem,
			private_placeholder = EXCLUDED.private_placeholder, client_id = EXCLUDED.client_id, session_id = EXCLUDED.session_id,
			rotation_generation = EXCLUDED.rotation_generation, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
	`, k.KeyID, string(k.Algorithm), k.Thumbprint, privPEM, placeholder, k.ClientID, k.SessionID, k.RotationGeneration, k.CreatedAt, k.ExpiresAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, keyID string) (*KeyPair, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT key_id, algorithm, thumbprint, private_key_pem, private_placeholder, client_id, session_id, rotation_generation, created_at, expires_at FROM dpop_keys WHERE key_id = $1`, keyID)
	k, err := scanKeyPair(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return k, true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, keyID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dpop_keys WHERE key_id = $1`, keyID)
	return err
}

func (s *PostgresStore) List(ctx context.Context) ([]*KeyPair, error) {
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

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
