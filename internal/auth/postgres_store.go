package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists API keys in PostgreSQL. The schema is created by
// the goose migrations.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, name, permission, created_at, last_used, expires_at, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, name, permission, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Name, string(key.Permission), key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// Get retrieves an API key by id.
func (p *PostgresStore) Get(ctx context.Context, id string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanKey(row)
}

// GetByHash retrieves an API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)
	return scanKey(row)
}

// List returns every key, newest first.
func (p *PostgresStore) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update writes the mutable fields of a key.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET hash = $1, name = $2, permission = $3, revoked = $4, expires_at = $5
		WHERE id = $6
	`, key.Hash, key.Name, string(key.Permission), key.Revoked, key.ExpiresAt, key.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Touch records when a key was last used.
func (p *PostgresStore) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $1 WHERE id = $2`, at, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var (
		permission string
		name       sql.NullString
		lastUsed   sql.NullTime
		expiresAt  sql.NullTime
	)
	err := s.Scan(&key.ID, &key.Hash, &name, &permission, &key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	key.Name = name.String
	key.Permission = Permission(permission)
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return key, nil
}
