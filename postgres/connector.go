// Package postgres persists connector records. The repository speaks plain
// database/sql over the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/stefanogebara/twin-connector/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS user_connectors (
	id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	access_token BYTEA NOT NULL,
	refresh_token BYTEA,
	expires_at TIMESTAMPTZ,
	status TEXT NOT NULL DEFAULT 'connected',
	last_sync_at TIMESTAMPTZ,
	last_sync_status TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (user_id, provider)
);
`

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// ConnectorRepository implements models.ConnectorRepository on Postgres.
type ConnectorRepository struct {
	db *sql.DB
}

var _ models.ConnectorRepository = (*ConnectorRepository)(nil)

// NewConnectorRepository creates a ConnectorRepository.
func NewConnectorRepository(db *sql.DB) *ConnectorRepository {
	return &ConnectorRepository{db: db}
}

// Get fetches one connector by (userID, provider).
func (r *ConnectorRepository) Get(ctx context.Context, userID, provider string) (*models.ConnectorRecord, error) {
	query := `
		SELECT id, user_id, provider, access_token, refresh_token, expires_at,
		       status, last_sync_at, last_sync_status, created_at, updated_at
		FROM user_connectors
		WHERE user_id = $1 AND provider = $2
	`

	var (
		record       models.ConnectorRecord
		expiresAt    sql.NullTime
		lastSyncAt   sql.NullTime
		refreshToken []byte
	)

	err := r.db.QueryRowContext(ctx, query, userID, provider).Scan(
		&record.ID,
		&record.UserID,
		&record.Provider,
		&record.EncryptedAccessToken,
		&refreshToken,
		&expiresAt,
		&record.Status,
		&lastSyncAt,
		&record.LastSyncStatus,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}

	record.EncryptedRefreshToken = refreshToken
	if expiresAt.Valid {
		record.ExpiresAt = expiresAt.Time
	}
	if lastSyncAt.Valid {
		record.LastSyncAt = lastSyncAt.Time
	}

	return &record, nil
}

// Save upserts the connector on (user_id, provider).
func (r *ConnectorRepository) Save(ctx context.Context, record *models.ConnectorRecord) error {
	query := `
		INSERT INTO user_connectors
			(user_id, provider, access_token, refresh_token, expires_at,
			 status, last_sync_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	var expiresAt interface{}
	if !record.ExpiresAt.IsZero() {
		expiresAt = record.ExpiresAt
	}

	return r.db.QueryRowContext(ctx, query,
		record.UserID,
		record.Provider,
		record.EncryptedAccessToken,
		record.EncryptedRefreshToken,
		expiresAt,
		record.Status,
		record.LastSyncStatus,
		record.CreatedAt,
		time.Now(),
	).Scan(&record.ID)
}

// UpdateStatus sets the connector status.
func (r *ConnectorRepository) UpdateStatus(ctx context.Context, userID, provider string, status models.ConnectorStatus) error {
	query := `
		UPDATE user_connectors
		SET status = $3, updated_at = now()
		WHERE user_id = $1 AND provider = $2
	`

	res, err := r.db.ExecContext(ctx, query, userID, provider, status)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	return nil
}

// UpdateSyncResult records the last extraction outcome.
func (r *ConnectorRepository) UpdateSyncResult(ctx context.Context, userID, provider string, at time.Time, status models.SyncStatus) error {
	query := `
		UPDATE user_connectors
		SET last_sync_at = $3, last_sync_status = $4, updated_at = now()
		WHERE user_id = $1 AND provider = $2
	`

	res, err := r.db.ExecContext(ctx, query, userID, provider, at, status)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}

	return nil
}

// Delete removes the connector row.
func (r *ConnectorRepository) Delete(ctx context.Context, userID, provider string) error {
	query := `DELETE FROM user_connectors WHERE user_id = $1 AND provider = $2`
	_, err := r.db.ExecContext(ctx, query, userID, provider)
	return err
}
