package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldline/crm/store"
)

// Executor runs a rule's action chain against the record store.
//
// Actions execute sequentially in list order, never in parallel. Each
// action is isolated: a failure is recorded in its result and execution
// continues with the next action. There is no rollback of actions that
// already succeeded; partial completion is surfaced to the caller
// through the result list.
type Executor struct {
	store    store.RecordStore
	handlers map[ActionKind]actionHandler
	now      func() time.Time
}

type actionHandler func(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error)

// NewExecutor creates an executor writing through the given record store.
func NewExecutor(st store.RecordStore) *Executor {
	e := &Executor{
		store: st,
		now:   time.Now,
	}
	e.handlers = map[ActionKind]actionHandler{
		ActionCreateOpportunity:     execCreateOpportunity,
		ActionUpdateLeadStatus:      execUpdateLeadStatus,
		ActionCreateActivity:        execCreateActivity,
		ActionUpdateLeadScore:       execUpdateLeadScore,
		ActionSendNotification:      execSendNotification,
		ActionUpdateDealProbability: execUpdateDealProbability,
		ActionUpdateDealStatus:      execUpdateDealStatus,
	}
	return e
}

// Execute runs each action in order and collects per-action results.
// The subject snapshot is the pre-fetched entity; handlers that need
// fresh state (the score read-modify-write) re-fetch explicitly.
func (e *Executor) Execute(ctx context.Context, actions []Action, subject Subject, actorID, tenantID string) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		result := ActionResult{Action: action.Type}

		handler, ok := e.handlers[action.Type]
		if !ok {
			result.Error = fmt.Sprintf("unknown action type %q", action.Type)
			results = append(results, result)
			continue
		}

		out, err := handler(ctx, e, action.Config, subject, actorID, tenantID)
		if err != nil {
			result.Error = err.Error()
		} else {
			result.Success = true
			result.Result = out
		}
		results = append(results, result)
	}
	return results
}

// workflowSource marks rows and patches written by the engine, so
// workflow-driven writes are distinguishable from user-driven ones.
const workflowSource = "workflow"

func execCreateOpportunity(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error) {
	stage := configString(config, "stage")
	if stage == "" {
		stage = "new"
	}
	probability, ok := configNumber(config, "probability")
	if !ok {
		probability = float64(DefaultStageProbability(stage))
	}

	name := configString(subject.Snapshot, "name")
	if name == "" {
		name = "Untitled opportunity"
	}

	row := map[string]any{
		"tenant_id":   tenantID,
		"lead_id":     subject.ID,
		"name":        name,
		"value":       subject.Snapshot["value"],
		"currency":    subject.Snapshot["currency"],
		"stage":       stage,
		"probability": probability,
		"status":      "open",
		"source":      workflowSource,
		"created_by":  actorID,
	}
	return e.store.Insert(ctx, store.TableOpportunities, row)
}

func execUpdateLeadStatus(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error) {
	status := configString(config, "status")
	if status == "" {
		return nil, fmt.Errorf("update_lead_status: config is missing status")
	}
	patch := map[string]any{
		"status":     status,
		"source":     workflowSource,
		"updated_by": actorID,
	}
	return e.store.Update(ctx, store.TableLeads, subject.ID, tenantID, patch)
}

func execCreateActivity(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error) {
	activityType := configString(config, "type")
	if activityType == "" {
		return nil, fmt.Errorf("create_activity: config is missing type")
	}

	row := map[string]any{
		"tenant_id":   tenantID,
		"type":        activityType,
		"description": configString(config, "description"),
		"source":      workflowSource,
		"created_by":  actorID,
	}
	switch subject.Table {
	case store.TableLeads:
		row["lead_id"] = subject.ID
	case store.TableOpportunities:
		row["opportunity_id"] = subject.ID
	default:
		row["contact_id"] = subject.ID
	}
	return e.store.Insert(ctx, store.TableActivities, row)
}

func execUpdateLeadScore(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error) {
	increment, ok := configNumber(config, "increment")
	if !ok {
		return nil, fmt.Errorf("update_lead_score: config is missing a numeric increment")
	}

	// Read-modify-write; the store offers no atomic increment, so
	// concurrent transitions on the same lead can lose an update.
	lead, err := e.store.FetchByID(ctx, store.TableLeads, subject.ID, tenantID)
	if err != nil {
		return nil, err
	}
	current, _ := coerceNumber(lead["score"])
	score := current + increment
	if score < 0 {
		score = 0
	}

	patch := map[string]any{
		"score":      score,
		"source":     workflowSource,
		"updated_by": actorID,
	}
	return e.store.Update(ctx, store.TableLeads, subject.ID, tenantID, patch)
}

func execSendNotification(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error) {
	notificationType := configString(config, "type")
	if notificationType == "" {
		return nil, fmt.Errorf("send_notification: config is missing type")
	}

	// Creates the notification record only; delivery is a separate system.
	row := map[string]any{
		"tenant_id": tenantID,
		"type":      notificationType,
		"template":  configString(config, "template"),
		"read":      false,
		"source":    workflowSource,
		"data": map[string]any{
			"entity_type": subject.Table,
			"entity_id":   subject.ID,
			"actor_id":    actorID,
		},
	}
	return e.store.Insert(ctx, store.TableNotifications, row)
}

func execUpdateDealProbability(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error) {
	probability, ok := configNumber(config, "probability")
	if !ok {
		return nil, fmt.Errorf("update_deal_probability: config is missing a numeric probability")
	}

	patch := map[string]any{
		"probability": probability,
		"source":      workflowSource,
		"updated_by":  actorID,
	}
	if stage := configString(config, "stage"); stage != "" {
		patch["stage"] = stage
	}
	return e.store.Update(ctx, store.TableOpportunities, subject.ID, tenantID, patch)
}

func execUpdateDealStatus(ctx context.Context, e *Executor, config map[string]any, subject Subject, actorID, tenantID string) (any, error) {
	status := configString(config, "status")
	if status == "" {
		return nil, fmt.Errorf("update_deal_status: config is missing status")
	}

	patch := map[string]any{
		"status":     status,
		"source":     workflowSource,
		"updated_by": actorID,
	}
	switch normalizeState(status) {
	case "won":
		patch["won_at"] = e.now().UTC().Format(time.RFC3339)
	case "lost":
		patch["lost_at"] = e.now().UTC().Format(time.RFC3339)
	}
	return e.store.Update(ctx, store.TableOpportunities, subject.ID, tenantID, patch)
}

func configString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func configNumber(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return numericValue(v)
}
