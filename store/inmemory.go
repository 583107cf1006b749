package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRecordStore implements RecordStore using nested maps.
// Thread-safe with an RWMutex. Used by tests and local development.
type InMemoryRecordStore struct {
	tables map[string]map[string]map[string]any
	mu     sync.RWMutex
}

// NewInMemoryRecordStore creates an empty in-memory record store.
func NewInMemoryRecordStore() *InMemoryRecordStore {
	return &InMemoryRecordStore{
		tables: make(map[string]map[string]map[string]any),
	}
}

// FetchByID retrieves a record by id within the tenant scope.
func (s *InMemoryRecordStore) FetchByID(ctx context.Context, table, id, tenantID string) (map[string]any, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.tables[table][id]
	if !ok || row["tenant_id"] != tenantID {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return copyRow(row), nil
}

// Insert stores a new record, generating an id when the row has none.
func (s *InMemoryRecordStore) Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	stored := copyRow(row)
	id, _ := stored["id"].(string)
	if id == "" {
		id = uuid.NewString()
		stored["id"] = id
	}
	stored["created_at"] = time.Now().UTC().Format(time.RFC3339)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tables[table] == nil {
		s.tables[table] = make(map[string]map[string]any)
	}
	if _, exists := s.tables[table][id]; exists {
		return nil, fmt.Errorf("%s %s already exists", table, id)
	}
	s.tables[table][id] = stored

	return copyRow(stored), nil
}

// Update merges patch into the record's fields.
func (s *InMemoryRecordStore) Update(ctx context.Context, table, id, tenantID string, patch map[string]any) (map[string]any, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.tables[table][id]
	if !ok || row["tenant_id"] != tenantID {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	for k, v := range patch {
		row[k] = v
	}
	row["updated_at"] = time.Now().UTC().Format(time.RFC3339)

	return copyRow(row), nil
}

// ListByTenant returns all records of a table owned by the tenant.
// Test helper; the postgres store exposes no equivalent.
func (s *InMemoryRecordStore) ListByTenant(table, tenantID string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []map[string]any
	for _, row := range s.tables[table] {
		if row["tenant_id"] == tenantID {
			rows = append(rows, copyRow(row))
		}
	}
	return rows
}

func copyRow(row map[string]any) map[string]any {
	c := make(map[string]any, len(row))
	for k, v := range row {
		c[k] = v
	}
	return c
}
