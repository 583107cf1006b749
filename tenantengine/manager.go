package tenantengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/fieldline/crm/store"
	"github.com/fieldline/crm/workflow"
)

// Manager holds one workflow dispatcher per tenant. Tenants without a
// stored ruleset run the built-in default; tenants with one run their
// own. Ruleset updates validate, persist a new version, and atomically
// swap the dispatcher with no downtime.
type Manager struct {
	dispatchers map[string]*workflow.Dispatcher
	db          *sql.DB
	records     store.RecordStore
	cache       RulesetCache
	mu          sync.RWMutex
}

// NewManager creates a manager over the given database and record store.
func NewManager(db *sql.DB, records store.RecordStore) *Manager {
	return &Manager{
		dispatchers: make(map[string]*workflow.Dispatcher),
		db:          db,
		records:     records,
		cache:       NewInMemoryRulesetCache(DefaultCacheConfig()),
	}
}

// LoadAllTenants initializes a dispatcher for every tenant, using the
// tenant's active ruleset when present. Consults the ruleset cache
// before the database.
func (m *Manager) LoadAllTenants(ctx context.Context) error {
	rulesets := m.cache.Get()
	if rulesets == nil {
		var err error
		rulesets, err = m.fetchRulesets(ctx)
		if err != nil {
			return err
		}
		m.cache.Set(rulesets)
	}

	for _, rs := range rulesets {
		cfg, err := decodeRuleset(rs.Definition)
		if err != nil {
			return fmt.Errorf("invalid ruleset for tenant %s: %w", rs.TenantID, err)
		}
		if err := m.CreateTenant(rs.TenantID, cfg); err != nil {
			return fmt.Errorf("failed to initialize tenant %s: %w", rs.TenantID, err)
		}
	}

	return nil
}

func (m *Manager) fetchRulesets(ctx context.Context) ([]TenantRuleset, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT t.id, r.definition
		FROM tenants t
		LEFT JOIN workflow_rulesets r ON r.tenant_id = t.id AND r.active = true
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenant rulesets: %w", err)
	}
	defer rows.Close()

	var rulesets []TenantRuleset
	for rows.Next() {
		var rs TenantRuleset
		var definition []byte
		if err := rows.Scan(&rs.TenantID, &definition); err != nil {
			return nil, fmt.Errorf("failed to scan tenant row: %w", err)
		}
		rs.Definition = definition
		rulesets = append(rulesets, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant rows: %w", err)
	}

	return rulesets, nil
}

func decodeRuleset(definition json.RawMessage) (workflow.RegistryConfig, error) {
	if definition == nil {
		return workflow.DefaultRegistryConfig(), nil
	}
	var cfg workflow.RegistryConfig
	if err := json.Unmarshal(definition, &cfg); err != nil {
		return workflow.RegistryConfig{}, err
	}
	return cfg, nil
}

// CreateTenant builds and registers a dispatcher for a tenant.
func (m *Manager) CreateTenant(tenantID string, cfg workflow.RegistryConfig) error {
	dispatcher, err := workflow.NewDispatcher(cfg, m.records)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}

	m.mu.Lock()
	m.dispatchers[tenantID] = dispatcher
	m.mu.Unlock()

	return nil
}

// GetDispatcher retrieves the dispatcher for a tenant.
func (m *Manager) GetDispatcher(tenantID string) (*workflow.Dispatcher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, exists := m.dispatchers[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %s not found", tenantID)
	}
	return d, nil
}

// UpdateTenantRuleset validates the new ruleset, persists it as a new
// active version, and atomically swaps the tenant's dispatcher.
func (m *Manager) UpdateTenantRuleset(ctx context.Context, tenantID string, cfg workflow.RegistryConfig) (int, error) {
	// Building the dispatcher first validates the ruleset (including
	// compiling any expression conditions) before anything is persisted.
	dispatcher, err := workflow.NewDispatcher(cfg, m.records)
	if err != nil {
		return 0, fmt.Errorf("ruleset validation failed: %w", err)
	}

	definition, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal ruleset: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE workflow_rulesets
		SET active = false
		WHERE tenant_id = $1
	`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate old rulesets: %w", err)
	}

	var version int
	err = m.db.QueryRowContext(ctx, `
		INSERT INTO workflow_rulesets (tenant_id, version, definition, active, created_at)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, true, NOW()
		FROM workflow_rulesets
		WHERE tenant_id = $1
		RETURNING version
	`, tenantID, definition).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to save ruleset: %w", err)
	}

	m.mu.Lock()
	m.dispatchers[tenantID] = dispatcher
	m.mu.Unlock()

	m.cache.Invalidate()

	return version, nil
}

// GetTenantRuleset returns the tenant's active ruleset and its version.
// Version 0 with the default configuration means no stored ruleset.
func (m *Manager) GetTenantRuleset(ctx context.Context, tenantID string) (int, workflow.RegistryConfig, error) {
	var version int
	var definition []byte
	err := m.db.QueryRowContext(ctx, `
		SELECT version, definition
		FROM workflow_rulesets
		WHERE tenant_id = $1 AND active = true
	`, tenantID).Scan(&version, &definition)
	if err == sql.ErrNoRows {
		return 0, workflow.DefaultRegistryConfig(), nil
	}
	if err != nil {
		return 0, workflow.RegistryConfig{}, fmt.Errorf("failed to get ruleset: %w", err)
	}

	cfg, err := decodeRuleset(definition)
	if err != nil {
		return 0, workflow.RegistryConfig{}, fmt.Errorf("invalid stored ruleset: %w", err)
	}
	return version, cfg, nil
}

// ListTenants returns all loaded tenant IDs.
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]string, 0, len(m.dispatchers))
	for tenantID := range m.dispatchers {
		tenants = append(tenants, tenantID)
	}
	return tenants
}

// DeleteTenant removes a tenant's dispatcher. Does not delete the
// tenant from the database.
func (m *Manager) DeleteTenant(tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dispatchers[tenantID]; !exists {
		return fmt.Errorf("tenant %s not found", tenantID)
	}
	delete(m.dispatchers, tenantID)
	return nil
}
