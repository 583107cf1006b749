package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// PostgresRecordStore implements RecordStore backed by PostgreSQL.
// Each record table has the same shape: id uuid, tenant_id uuid,
// data jsonb, created_at, updated_at. Field patches are merged into
// the jsonb column server-side.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a PostgreSQL-backed record store.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

// FetchByID retrieves a record by id within the tenant scope.
func (s *PostgresRecordStore) FetchByID(ctx context.Context, table, id, tenantID string) (map[string]any, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	var dataJSON []byte
	var createdAt, updatedAt time.Time
	// Tables are a fixed allowlist, so interpolating the name is safe.
	query := fmt.Sprintf(`
		SELECT data, created_at, updated_at
		FROM %s
		WHERE id = $1 AND tenant_id = $2
	`, table)
	err := s.db.QueryRowContext(ctx, query, id, tenantID).Scan(&dataJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", table, id, err)
	}

	return buildRecord(dataJSON, id, tenantID, createdAt, updatedAt)
}

// Insert stores a new record, generating an id when the row has none.
func (s *PostgresRecordStore) Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	id, _ := row["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	tenantID, _ := row["tenant_id"].(string)
	if tenantID == "" {
		return nil, fmt.Errorf("insert into %s: tenant_id is required", table)
	}

	data := make(map[string]any, len(row))
	for k, v := range row {
		if k == "id" || k == "tenant_id" {
			continue
		}
		data[k] = v
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s row: %w", table, err)
	}

	var createdAt, updatedAt time.Time
	query := fmt.Sprintf(`
		INSERT INTO %s (id, tenant_id, data, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING created_at, updated_at
	`, table)
	err = s.db.QueryRowContext(ctx, query, id, tenantID, dataJSON).Scan(&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert into %s: %w", table, err)
	}

	return buildRecord(dataJSON, id, tenantID, createdAt, updatedAt)
}

// Update merges patch into the record's data, scoped by id and tenant.
func (s *PostgresRecordStore) Update(ctx context.Context, table, id, tenantID string, patch map[string]any) (map[string]any, error) {
	if !knownTable(table) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s patch: %w", table, err)
	}

	var dataJSON []byte
	var createdAt, updatedAt time.Time
	query := fmt.Sprintf(`
		UPDATE %s
		SET data = data || $3::jsonb, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2
		RETURNING data, created_at, updated_at
	`, table)
	err = s.db.QueryRowContext(ctx, query, id, tenantID, patchJSON).Scan(&dataJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update %s %s: %w", table, id, err)
	}

	return buildRecord(dataJSON, id, tenantID, createdAt, updatedAt)
}

func buildRecord(dataJSON []byte, id, tenantID string, createdAt, updatedAt time.Time) (map[string]any, error) {
	record := make(map[string]any)
	if err := json.Unmarshal(dataJSON, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record data: %w", err)
	}
	record["id"] = id
	record["tenant_id"] = tenantID
	record["created_at"] = createdAt.UTC().Format(time.RFC3339)
	record["updated_at"] = updatedAt.UTC().Format(time.RFC3339)
	return record, nil
}
