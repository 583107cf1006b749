package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldline/crm/store"
)

// ErrNotConvertible is returned by ConvertLeadToOpportunity when the
// lead does not satisfy the conversion rule's conditions.
var ErrNotConvertible = errors.New("lead does not meet conversion requirements")

// Dispatcher resolves entity state transitions against the rule
// registry and runs the matching rule's action chain.
//
// A dispatch call is synchronous and performs no internal concurrency;
// ordering between concurrent calls on the same entity is not defined
// and score updates can race (read-modify-write, no versioning).
type Dispatcher struct {
	registry  *Registry
	evaluator *Evaluator
	executor  *Executor
	store     store.RecordStore
}

// NewDispatcher builds a dispatcher over a validated registry config.
func NewDispatcher(cfg RegistryConfig, st store.RecordStore) (*Dispatcher, error) {
	evaluator, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	registry, err := NewRegistry(cfg, evaluator)
	if err != nil {
		return nil, err
	}

	return &Dispatcher{
		registry:  registry,
		evaluator: evaluator,
		executor:  NewExecutor(st),
		store:     st,
	}, nil
}

// ProcessLeadStatusChange dispatches a lead status transition.
func (d *Dispatcher) ProcessLeadStatusChange(ctx context.Context, leadID, newStatus string, previous Snapshot, actorID, tenantID string) (*DispatchResult, error) {
	return d.dispatch(ctx, DomainLeadStatus, store.TableLeads, "status", leadID, newStatus, previous, actorID, tenantID)
}

// ProcessDealStageChange dispatches a deal stage transition.
func (d *Dispatcher) ProcessDealStageChange(ctx context.Context, dealID, newStage string, previous Snapshot, actorID, tenantID string) (*DispatchResult, error) {
	return d.dispatch(ctx, DomainDealStage, store.TableOpportunities, "stage", dealID, newStage, previous, actorID, tenantID)
}

func (d *Dispatcher) dispatch(ctx context.Context, domain Domain, table, stateField, entityID, newValue string, previous Snapshot, actorID, tenantID string) (*DispatchResult, error) {
	// A fetch failure here is a hard failure: no actions run.
	fetched, err := d.store.FetchByID(ctx, table, entityID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s %s: %w", table, entityID, err)
	}

	// Conditions evaluate against the "after" snapshot: the fetched
	// entity with the new state value overlaid. Nothing is persisted yet.
	current := make(Snapshot, len(fetched)+1)
	for k, v := range fetched {
		current[k] = v
	}
	current[stateField] = normalizeState(newValue)

	from := stringify(previous[stateField])
	key := TransitionKey(from, newValue)

	rule, found := d.registry.Lookup(domain, key)
	if !found {
		// Pass-through: persist the new field value with no side effects.
		updated, err := d.store.Update(ctx, table, entityID, tenantID, map[string]any{
			stateField:   normalizeState(newValue),
			"updated_by": actorID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update %s on %s %s: %w", stateField, table, entityID, err)
		}
		return &DispatchResult{Updated: updated}, nil
	}

	passed, err := d.evaluator.Evaluate(rule.Conditions, current, previous)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate conditions for %s %q: %w", domain, key, err)
	}
	if !passed {
		// Vetoed: no writes at all, including the bare field update.
		return &DispatchResult{Message: NoConditionsMetMessage}, nil
	}

	// The rule's actions own all persistence from here, including the
	// state field itself.
	subject := Subject{Table: table, ID: entityID, Snapshot: current}
	results := d.executor.Execute(ctx, rule.Actions, subject, actorID, tenantID)

	return &DispatchResult{Matched: true, Results: results}, nil
}

// CanConvertToOpportunity evaluates the conversion rule's conditions
// against a lead snapshot, with no transition context.
func (d *Dispatcher) CanConvertToOpportunity(lead Snapshot) bool {
	ok, err := d.evaluator.Evaluate(d.registry.ConversionRule().Conditions, lead, nil)
	return err == nil && ok
}

// ConvertLeadToOpportunity fetches the lead, re-checks the conversion
// gate, and runs the conversion rule's action chain. When the gate
// fails, it returns ErrNotConvertible before any write.
func (d *Dispatcher) ConvertLeadToOpportunity(ctx context.Context, leadID, actorID, tenantID string) ([]ActionResult, error) {
	lead, err := d.store.FetchByID(ctx, store.TableLeads, leadID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch lead %s: %w", leadID, err)
	}

	if !d.CanConvertToOpportunity(lead) {
		return nil, fmt.Errorf("lead %s: %w", leadID, ErrNotConvertible)
	}

	subject := Subject{Table: store.TableLeads, ID: leadID, Snapshot: lead}
	return d.executor.Execute(ctx, d.registry.ConversionRule().Actions, subject, actorID, tenantID), nil
}
