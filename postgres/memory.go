package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stefanogebara/twin-connector/models"
)

// MemoryRepository is the repository used when no DATABASE_URL is configured
// and by tests. Same contract as ConnectorRepository, no durability.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.ConnectorRecord
}

var _ models.ConnectorRepository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*models.ConnectorRecord)}
}

func memKey(userID, provider string) string {
	return userID + "/" + provider
}

// Get fetches one connector by (userID, provider).
func (r *MemoryRepository) Get(_ context.Context, userID, provider string) (*models.ConnectorRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[memKey(userID, provider)]
	if !ok {
		return nil, models.ErrNotFound
	}

	clone := *record
	return &clone, nil
}

// Save upserts the connector.
func (r *MemoryRepository) Save(_ context.Context, record *models.ConnectorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := memKey(record.UserID, record.Provider)
	if existing, ok := r.records[key]; ok {
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
		record.LastSyncAt = existing.LastSyncAt
		record.LastSyncStatus = existing.LastSyncStatus
	} else if record.ID == "" {
		record.ID = uuid.NewString()
	}
	record.UpdatedAt = time.Now()

	clone := *record
	r.records[key] = &clone

	return nil
}

// UpdateStatus sets the connector status.
func (r *MemoryRepository) UpdateStatus(_ context.Context, userID, provider string, status models.ConnectorStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[memKey(userID, provider)]
	if !ok {
		return models.ErrNotFound
	}

	record.Status = status
	record.UpdatedAt = time.Now()

	return nil
}

// UpdateSyncResult records the last extraction outcome.
func (r *MemoryRepository) UpdateSyncResult(_ context.Context, userID, provider string, at time.Time, status models.SyncStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[memKey(userID, provider)]
	if !ok {
		return models.ErrNotFound
	}

	record.LastSyncAt = at
	record.LastSyncStatus = status
	record.UpdatedAt = time.Now()

	return nil
}

// Delete removes the connector.
func (r *MemoryRepository) Delete(_ context.Context, userID, provider string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, memKey(userID, provider))
	return nil
}
