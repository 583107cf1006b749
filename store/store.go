package store

import (
	"context"
	"errors"
)

// Table names for the record types the engine writes to.
const (
	TableLeads         = "leads"
	TableOpportunities = "opportunities"
	TableContacts      = "contacts"
	TableActivities    = "activities"
	TableNotifications = "notifications"
)

// ErrNotFound is returned when an id does not exist within the tenant scope.
var ErrNotFound = errors.New("record not found")

// ErrUnknownTable is returned for table names outside the known set.
var ErrUnknownTable = errors.New("unknown table")

// RecordStore is the persistence boundary the workflow engine writes
// through. Every call is scoped to a tenant; a missing or foreign id
// surfaces as ErrNotFound.
type RecordStore interface {
	// FetchByID returns the full record as a field map, including "id"
	// and "tenant_id".
	FetchByID(ctx context.Context, table, id, tenantID string) (map[string]any, error)

	// Insert stores a new record. The row must carry "tenant_id"; an
	// "id" is generated when absent. Returns the stored record.
	Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error)

	// Update merges patch into the record's fields, scoped by id and
	// tenant. Returns the record after the merge.
	Update(ctx context.Context, table, id, tenantID string, patch map[string]any) (map[string]any, error)
}

func knownTable(table string) bool {
	switch table {
	case TableLeads, TableOpportunities, TableContacts, TableActivities, TableNotifications:
		return true
	}
	return false
}
