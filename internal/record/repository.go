package record

import (
	"context"
	"errors"
	"sort"
	"sync"

	"genjutsu/internal/models"
)

var ErrNotFound = errors.New("record not found")

// Repository persists status-of-record snapshots.
type Repository interface {
	// Apply merges an incoming snapshot and reports whether it changed the record.
	Apply(ctx context.Context, s models.Snapshot) (models.Snapshot, bool, error)
	Get(ctx context.Context, id string) (models.Snapshot, error)
	List(ctx context.Context, limit int) ([]models.Snapshot, error)
	Ping(ctx context.Context) error
}

// Merge folds incoming into current. A terminal record is never replaced, a
// snapshot whose status ranks below the record's is stale and ignored, and
// progress never decreases; the original created_at is kept.
func Merge(current *models.Snapshot, incoming models.Snapshot) (models.Snapshot, bool) {
	if current == nil {
		return incoming, true
	}
	if current.Terminal() || incoming.Data.Status.Rank() < current.Data.Status.Rank() {
		return *current, false
	}
	out := incoming
	if current.Data.Progress > out.Data.Progress {
		out.Data.Progress = current.Data.Progress
	}
	if !current.Data.CreatedAt.IsZero() {
		out.Data.CreatedAt = current.Data.CreatedAt
	}
	if out.Data.UpdatedAt.Before(current.Data.UpdatedAt) {
		out.Data.UpdatedAt = current.Data.UpdatedAt
	}
	return out, true
}

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]models.Snapshot
	events  map[string]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		records: map[string]models.Snapshot{},
		events:  map[string]int{},
	}
}

func (m *MemoryRepository) Apply(_ context.Context, s models.Snapshot) (models.Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current *models.Snapshot
	if existing, ok := m.records[s.ID]; ok {
		current = &existing
	}
	merged, applied := Merge(current, s)
	if applied {
		m.records[s.ID] = merged
		m.events[s.ID]++
	}
	return merged, applied, nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.records[id]
	if !ok {
		return models.Snapshot{}, ErrNotFound
	}
	return s, nil
}

// List returns the most recently updated records first.
func (m *MemoryRepository) List(_ context.Context, limit int) ([]models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Snapshot, 0, len(m.records))
	for _, s := range m.records {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Data.UpdatedAt.Equal(out[j].Data.UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].Data.UpdatedAt.After(out[j].Data.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRepository) Ping(context.Context) error { return nil }

// Events returns how many snapshots were accepted for id.
func (m *MemoryRepository) Events(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events[id]
}
