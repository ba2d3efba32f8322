package models

import (
	"context"
	"time"
)

// ConnectorStatus describes the lifecycle of a stored provider connection.
type ConnectorStatus string

const (
	StatusConnected    ConnectorStatus = "connected"
	StatusNeedsReauth  ConnectorStatus = "needs_reauth"
	StatusDisconnected ConnectorStatus = "disconnected"
)

// SyncStatus records the outcome of the most recent extraction for a connector.
type SyncStatus string

const (
	SyncSucceeded SyncStatus = "succeeded"
	SyncFailed    SyncStatus = "failed"
	SyncPending   SyncStatus = "pending"
)

// ConnectorRecord represents a user's connection to an external provider.
// Token fields hold AES-GCM ciphertext blobs; plaintext tokens never reach
// storage.
type ConnectorRecord struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"user_id"`
	Provider              string          `json:"provider"`
	EncryptedAccessToken  []byte          `json:"-"`
	EncryptedRefreshToken []byte          `json:"-"` // nil when the provider issued no refresh token
	ExpiresAt             time.Time       `json:"expires_at"`
	Status                ConnectorStatus `json:"status"`
	LastSyncAt            time.Time       `json:"last_sync_at"`
	LastSyncStatus        SyncStatus      `json:"last_sync_status"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// ConnectorRepository manages connector persistence. Implementations must make
// Save an upsert on (user_id, provider).
type ConnectorRepository interface {
	Get(ctx context.Context, userID, provider string) (*ConnectorRecord, error)
	Save(ctx context.Context, record *ConnectorRecord) error
	UpdateStatus(ctx context.Context, userID, provider string, status ConnectorStatus) error
	UpdateSyncResult(ctx context.Context, userID, provider string, at time.Time, status SyncStatus) error
	Delete(ctx context.Context, userID, provider string) error
}
