package identity

import (
	"context"
	"slices"
	"sync"
)

// MemoryRepository is a Repository over a fixed slice of records.
type MemoryRepository struct {
	mu      sync.RWMutex
	records []Record
	err     error
}

// NewMemoryRepository returns a repository serving the given records in order.
func NewMemoryRepository(records ...Record) *MemoryRepository {
	return &MemoryRepository{records: cloneRecords(records)}
}

// SetRecords replaces the served records.
func (m *MemoryRepository) SetRecords(records ...Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = cloneRecords(records)
}

// FailWith makes subsequent calls return err.
func (m *MemoryRepository) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// ListIdentitiesWithImages implements Repository.
func (m *MemoryRepository) ListIdentitiesWithImages(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		if len(r.ImagePaths) > 0 {
			out = append(out, r)
		}
	}
	return cloneRecords(out), nil
}

// Counts implements Repository.
func (m *MemoryRepository) Counts(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return Counts{}, m.err
	}
	c := Counts{Persons: int64(len(m.records))}
	for _, r := range m.records {
		c.Images += int64(len(r.ImagePaths))
	}
	return c, nil
}

func cloneRecords(in []Record) []Record {
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = Record{ID: r.ID, Name: r.Name, ImagePaths: slices.Clone(r.ImagePaths)}
	}
	return out
}
