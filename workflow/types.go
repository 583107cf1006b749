package workflow

// Snapshot is a point-in-time, read-only view of an entity's fields as
// returned by the record store. The engine never mutates a snapshot.
type Snapshot = map[string]any

// Domain identifies which transition graph a dispatch call belongs to.
type Domain string

const (
	DomainLeadStatus Domain = "lead_status_change"
	DomainDealStage  Domain = "deal_stage_change"
)

// OperatorKind enumerates the condition operators understood by the evaluator.
type OperatorKind string

const (
	OpEquals      OperatorKind = "equals"
	OpNotEquals   OperatorKind = "not_equals"
	OpIsNotEmpty  OperatorKind = "is_not_empty"
	OpIsEmpty     OperatorKind = "is_empty"
	OpChangesFrom OperatorKind = "changes_from"
	OpChangesTo   OperatorKind = "changes_to"
	OpContains    OperatorKind = "contains"
	OpGreaterThan OperatorKind = "greater_than"
	OpLessThan    OperatorKind = "less_than"

	// OpExpression evaluates a CEL expression over the `current` and
	// `previous` snapshots instead of a single field.
	OpExpression OperatorKind = "expression"
)

// Condition is a single predicate over a snapshot field.
// For OpExpression, Value holds the CEL source and Field is ignored.
type Condition struct {
	Field    string       `json:"field,omitempty"`
	Operator OperatorKind `json:"operator"`
	Value    any          `json:"value,omitempty"`
}

// ActionKind enumerates the side-effecting operations a rule may chain.
type ActionKind string

const (
	ActionCreateOpportunity     ActionKind = "create_opportunity"
	ActionUpdateLeadStatus      ActionKind = "update_lead_status"
	ActionCreateActivity        ActionKind = "create_activity"
	ActionUpdateLeadScore       ActionKind = "update_lead_score"
	ActionSendNotification      ActionKind = "send_notification"
	ActionUpdateDealProbability ActionKind = "update_deal_probability"
	ActionUpdateDealStatus      ActionKind = "update_deal_status"
)

// Action is one configured operation in a rule's chain.
type Action struct {
	Type   ActionKind     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Rule bundles the conditions and actions bound to one transition key.
type Rule struct {
	Conditions []Condition `json:"conditions"`
	Actions    []Action    `json:"actions"`
}

// ActionResult records the outcome of a single executed action.
type ActionResult struct {
	Action  ActionKind `json:"action"`
	Success bool       `json:"success"`
	Result  any        `json:"result,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// NoConditionsMetMessage is returned when a rule matched the transition
// key but its conditions vetoed execution.
const NoConditionsMetMessage = "No workflow conditions met"

// DispatchResult is the aggregated outcome of one dispatch call.
//
// Exactly one of the three shapes is populated: Results when a rule
// matched and its actions ran, Updated when no rule matched and the bare
// field update was applied, Message when conditions vetoed the transition.
type DispatchResult struct {
	Matched bool           `json:"matched"`
	Results []ActionResult `json:"results,omitempty"`
	Updated Snapshot       `json:"updated,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Subject identifies the entity an action chain operates on.
type Subject struct {
	Table    string
	ID       string
	Snapshot Snapshot
}
