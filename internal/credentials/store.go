// Package credentials reads per-user per-service OAuth refresh credentials.
// The surrounding account-connection subsystem writes them; this core only
// ever reads.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// ErrNoCredential means the user has not connected the service.
var ErrNoCredential = errors.New("no credential on file")

// Credential is a long-lived refresh credential for one user and service.
type Credential struct {
	UserID       int
	Service      string
	RefreshToken string
	UpdatedAt    time.Time
}

// Store is a postgres-backed credential store.
type Store struct {
	db *sql.DB
}

// Open connects to postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewStore creates a store over an existing connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the credentials table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS oauth_credentials (
			user_id          INTEGER NOT NULL,
			service_provider TEXT NOT NULL,
			refresh_token    TEXT NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, service_provider)
		)`)
	if err != nil {
		return fmt.Errorf("ensure credentials schema: %w", err)
	}
	return nil
}

// Get returns the stored refresh credential for userID and service.
// Returns ErrNoCredential when the service has never been connected.
func (s *Store) Get(ctx context.Context, userID int, service string) (*Credential, error) {
	cred := &Credential{UserID: userID, Service: service}
	err := s.db.QueryRowContext(ctx,
		`SELECT refresh_token, updated_at FROM oauth_credentials
		 WHERE user_id = $1 AND service_provider = $2`,
		userID, service).Scan(&cred.RefreshToken, &cred.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return cred, nil
}
