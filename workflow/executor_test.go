package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/fieldline/crm/store"
)

const (
	testTenant = "tenant-1"
	testActor  = "user-7"
)

func seedLead(t *testing.T, st *store.InMemoryRecordStore, fields Snapshot) Subject {
	t.Helper()
	row := Snapshot{
		"id":        "lead-1",
		"tenant_id": testTenant,
		"name":      "Jane Doe",
		"email":     "jane@example.com",
		"phone":     "555-0100",
		"status":    "new",
		"score":     0,
	}
	for k, v := range fields {
		row[k] = v
	}
	stored, err := st.Insert(context.Background(), store.TableLeads, row)
	if err != nil {
		t.Fatalf("failed to seed lead: %v", err)
	}
	return Subject{Table: store.TableLeads, ID: "lead-1", Snapshot: stored}
}

func seedDeal(t *testing.T, st *store.InMemoryRecordStore, fields Snapshot) Subject {
	t.Helper()
	row := Snapshot{
		"id":          "deal-1",
		"tenant_id":   testTenant,
		"name":        "Acme renewal",
		"value":       12000.0,
		"currency":    "USD",
		"stage":       "new",
		"probability": 10,
		"status":      "open",
	}
	for k, v := range fields {
		row[k] = v
	}
	stored, err := st.Insert(context.Background(), store.TableOpportunities, row)
	if err != nil {
		t.Fatalf("failed to seed deal: %v", err)
	}
	return Subject{Table: store.TableOpportunities, ID: "deal-1", Snapshot: stored}
}

func TestExecuteRunsActionsInOrder(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, nil)
	ex := NewExecutor(st)

	actions := []Action{
		{Type: ActionUpdateLeadStatus, Config: map[string]any{"status": "contacted"}},
		{Type: ActionCreateActivity, Config: map[string]any{"type": "status_change", "description": "Lead contacted"}},
		{Type: ActionUpdateLeadScore, Config: map[string]any{"increment": 10}},
	}
	results := ex.Execute(context.Background(), actions, subject, testActor, testTenant)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, r := range results {
		if r.Action != actions[i].Type {
			t.Errorf("result %d is %q, want %q", i, r.Action, actions[i].Type)
		}
		if !r.Success {
			t.Errorf("result %d failed: %s", i, r.Error)
		}
	}

	lead, err := st.FetchByID(context.Background(), store.TableLeads, "lead-1", testTenant)
	if err != nil {
		t.Fatalf("FetchByID() failed: %v", err)
	}
	if lead["status"] != "contacted" {
		t.Errorf("status = %v, want contacted", lead["status"])
	}
	if lead["source"] != "workflow" {
		t.Errorf("workflow writes must carry the provenance flag, got %v", lead["source"])
	}
	if score, _ := lead["score"].(float64); score != 10 {
		t.Errorf("score = %v, want 10", lead["score"])
	}
}

// failOnTable wraps a record store and fails writes to one table.
type failOnTable struct {
	store.RecordStore
	table string
}

func (f *failOnTable) Insert(ctx context.Context, table string, row map[string]any) (map[string]any, error) {
	if table == f.table {
		return nil, fmt.Errorf("store unavailable for %s", table)
	}
	return f.RecordStore.Insert(ctx, table, row)
}

func TestExecuteIsolatesFailures(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, nil)
	ex := NewExecutor(&failOnTable{RecordStore: st, table: store.TableActivities})

	actions := []Action{
		{Type: ActionUpdateLeadStatus, Config: map[string]any{"status": "contacted"}},
		{Type: ActionCreateActivity, Config: map[string]any{"type": "status_change"}},
		{Type: ActionUpdateLeadScore, Config: map[string]any{"increment": 10}},
	}
	results := ex.Execute(context.Background(), actions, subject, testActor, testTenant)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if !results[0].Success {
		t.Errorf("first action should succeed: %s", results[0].Error)
	}
	if results[1].Success {
		t.Error("activity insert should fail")
	}
	if results[1].Error == "" {
		t.Error("failed result should carry the error message")
	}
	if !results[2].Success {
		t.Errorf("execution should continue past a failure: %s", results[2].Error)
	}

	// No rollback: the first action's write stays applied.
	lead, _ := st.FetchByID(context.Background(), store.TableLeads, "lead-1", testTenant)
	if lead["status"] != "contacted" {
		t.Errorf("succeeded action must not be rolled back, status = %v", lead["status"])
	}
}

func TestExecuteUnknownActionKind(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, nil)
	ex := NewExecutor(st)

	results := ex.Execute(context.Background(), []Action{
		{Type: ActionKind("archive_lead")},
	}, subject, testActor, testTenant)

	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Success {
		t.Error("unknown action kind should fail")
	}
	if results[0].Error == "" {
		t.Error("failure should carry an error message")
	}
}

func TestUpdateLeadScoreClampsAtZero(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, Snapshot{"score": 15})
	ex := NewExecutor(st)

	results := ex.Execute(context.Background(), []Action{
		{Type: ActionUpdateLeadScore, Config: map[string]any{"increment": -100}},
	}, subject, testActor, testTenant)

	if !results[0].Success {
		t.Fatalf("score update failed: %s", results[0].Error)
	}
	lead, _ := st.FetchByID(context.Background(), store.TableLeads, "lead-1", testTenant)
	if score, _ := lead["score"].(float64); score != 0 {
		t.Errorf("score = %v, want 0 (clamped)", lead["score"])
	}
}

func TestUpdateLeadScoreSequence(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, Snapshot{"score": 0})
	ex := NewExecutor(st)

	increments := []int{10, -30, 25, 50}
	wantScores := []float64{10, 0, 25, 75}
	for i, inc := range increments {
		results := ex.Execute(context.Background(), []Action{
			{Type: ActionUpdateLeadScore, Config: map[string]any{"increment": inc}},
		}, subject, testActor, testTenant)
		if !results[0].Success {
			t.Fatalf("increment %d failed: %s", inc, results[0].Error)
		}

		lead, _ := st.FetchByID(context.Background(), store.TableLeads, "lead-1", testTenant)
		if score, _ := lead["score"].(float64); score != wantScores[i] {
			t.Errorf("after increment %d: score = %v, want %v", inc, lead["score"], wantScores[i])
		}
	}
}

func TestUpdateLeadScoreMissingIncrement(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, nil)
	ex := NewExecutor(st)

	results := ex.Execute(context.Background(), []Action{
		{Type: ActionUpdateLeadScore, Config: map[string]any{}},
	}, subject, testActor, testTenant)
	if results[0].Success {
		t.Error("missing increment should fail the action")
	}
}

func TestCreateOpportunityFromLead(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, Snapshot{"value": 8000.0, "currency": "EUR"})
	ex := NewExecutor(st)

	results := ex.Execute(context.Background(), []Action{
		{Type: ActionCreateOpportunity, Config: map[string]any{}},
	}, subject, testActor, testTenant)
	if !results[0].Success {
		t.Fatalf("create_opportunity failed: %s", results[0].Error)
	}

	opps := st.ListByTenant(store.TableOpportunities, testTenant)
	if len(opps) != 1 {
		t.Fatalf("got %d opportunities, want 1", len(opps))
	}
	opp := opps[0]
	if opp["lead_id"] != "lead-1" {
		t.Errorf("lead_id = %v, want lead-1", opp["lead_id"])
	}
	if opp["name"] != "Jane Doe" {
		t.Errorf("name = %v, want Jane Doe", opp["name"])
	}
	if opp["currency"] != "EUR" {
		t.Errorf("currency = %v, want EUR", opp["currency"])
	}
	if opp["status"] != "open" {
		t.Errorf("status = %v, want open", opp["status"])
	}
	if opp["stage"] != "new" {
		t.Errorf("stage = %v, want the new default", opp["stage"])
	}
	if p, _ := opp["probability"].(float64); p != 10 {
		t.Errorf("probability = %v, want the stage default 10", opp["probability"])
	}
	if opp["source"] != "workflow" {
		t.Errorf("workflow-created rows must carry the provenance flag, got %v", opp["source"])
	}
}

func TestSendNotificationCreatesRowOnly(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, nil)
	ex := NewExecutor(st)

	results := ex.Execute(context.Background(), []Action{
		{Type: ActionSendNotification, Config: map[string]any{"type": "lead_qualified", "template": "lead_qualified"}},
	}, subject, testActor, testTenant)
	if !results[0].Success {
		t.Fatalf("send_notification failed: %s", results[0].Error)
	}

	notifications := st.ListByTenant(store.TableNotifications, testTenant)
	if len(notifications) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notifications))
	}
	n := notifications[0]
	if n["type"] != "lead_qualified" {
		t.Errorf("type = %v, want lead_qualified", n["type"])
	}
	data, ok := n["data"].(map[string]any)
	if !ok {
		t.Fatalf("notification data missing: %v", n["data"])
	}
	if data["entity_id"] != "lead-1" || data["actor_id"] != testActor {
		t.Errorf("unexpected trigger payload: %v", data)
	}
}

func TestUpdateDealStatusStampsTerminalTimestamps(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedDeal(t, st, nil)
	ex := NewExecutor(st)

	results := ex.Execute(context.Background(), []Action{
		{Type: ActionUpdateDealStatus, Config: map[string]any{"status": "won"}},
	}, subject, testActor, testTenant)
	if !results[0].Success {
		t.Fatalf("update_deal_status failed: %s", results[0].Error)
	}

	deal, _ := st.FetchByID(context.Background(), store.TableOpportunities, "deal-1", testTenant)
	if deal["status"] != "won" {
		t.Errorf("status = %v, want won", deal["status"])
	}
	if wonAt, _ := deal["won_at"].(string); wonAt == "" {
		t.Error("won_at should be stamped for a won deal")
	}

	results = ex.Execute(context.Background(), []Action{
		{Type: ActionUpdateDealStatus, Config: map[string]any{"status": "lost"}},
	}, subject, testActor, testTenant)
	if !results[0].Success {
		t.Fatalf("update_deal_status failed: %s", results[0].Error)
	}
	deal, _ = st.FetchByID(context.Background(), store.TableOpportunities, "deal-1", testTenant)
	if lostAt, _ := deal["lost_at"].(string); lostAt == "" {
		t.Error("lost_at should be stamped for a lost deal")
	}
}

func TestUpdateDealStatusNonTerminal(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedDeal(t, st, nil)
	ex := NewExecutor(st)

	results := ex.Execute(context.Background(), []Action{
		{Type: ActionUpdateDealStatus, Config: map[string]any{"status": "open"}},
	}, subject, testActor, testTenant)
	if !results[0].Success {
		t.Fatalf("update_deal_status failed: %s", results[0].Error)
	}

	deal, _ := st.FetchByID(context.Background(), store.TableOpportunities, "deal-1", testTenant)
	if _, stamped := deal["won_at"]; stamped {
		t.Error("won_at must not be stamped for a non-terminal status")
	}
}

func TestExecuteTenantScoping(t *testing.T) {
	st := store.NewInMemoryRecordStore()
	subject := seedLead(t, st, nil)
	ex := NewExecutor(st)

	// Acting under a different tenant must not touch the record.
	results := ex.Execute(context.Background(), []Action{
		{Type: ActionUpdateLeadStatus, Config: map[string]any{"status": "contacted"}},
	}, subject, testActor, "other-tenant")

	if results[0].Success {
		t.Fatal("cross-tenant update should fail")
	}
	if !strings.Contains(results[0].Error, store.ErrNotFound.Error()) {
		t.Errorf("expected a not-found failure, got %q", results[0].Error)
	}

	lead, _ := st.FetchByID(context.Background(), store.TableLeads, "lead-1", testTenant)
	if lead["status"] != "new" {
		t.Errorf("record was modified across tenants: status = %v", lead["status"])
	}
}
