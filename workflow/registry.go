package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

// TransitionKey builds the lookup key for a state change. Keys are
// computed fresh on every dispatch and never persisted.
func TransitionKey(from, to string) string {
	return fmt.Sprintf("%s-to-%s", normalizeState(from), normalizeState(to))
}

func normalizeState(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// RegistryConfig is the external, versionable shape a Registry is built
// from. Tenant rulesets are stored as JSON in this shape.
type RegistryConfig struct {
	Domains    map[Domain]map[string]Rule `json:"domains"`
	Conversion Rule                       `json:"conversion"`
}

// Registry is an immutable rule table keyed by domain and transition
// key, plus the fixed lead-to-opportunity conversion rule. Built once
// at startup (or on tenant ruleset swap); never mutated afterwards.
type Registry struct {
	domains    map[Domain]map[string]Rule
	conversion Rule
}

// NewRegistry validates the configuration, pre-compiles any expression
// conditions against the evaluator, and returns the registry.
func NewRegistry(cfg RegistryConfig, ev *Evaluator) (*Registry, error) {
	if err := ValidateConfig(cfg, ev); err != nil {
		return nil, err
	}

	domains := make(map[Domain]map[string]Rule, len(cfg.Domains))
	for domain, rules := range cfg.Domains {
		table := make(map[string]Rule, len(rules))
		for key, rule := range rules {
			table[key] = rule
		}
		domains[domain] = table
	}

	return &Registry{
		domains:    domains,
		conversion: cfg.Conversion,
	}, nil
}

// Lookup returns the rule for a transition key, exact-match only.
func (r *Registry) Lookup(domain Domain, transitionKey string) (Rule, bool) {
	rule, ok := r.domains[domain][transitionKey]
	return rule, ok
}

// ConversionRule returns the fixed lead-to-opportunity conversion rule.
func (r *Registry) ConversionRule() Rule {
	return r.conversion
}

var transitionKeyPattern = regexp.MustCompile(`^[a-z0-9_]+-to-[a-z0-9_]+$`)

// ValidateConfig checks a registry configuration against the closed
// operator and action sets. Returns a descriptive error on the first
// violation, nil if the configuration is valid. A non-nil evaluator
// additionally compiles expression conditions.
func ValidateConfig(cfg RegistryConfig, ev *Evaluator) error {
	for domain, rules := range cfg.Domains {
		if !isKnownDomain(domain) {
			return fmt.Errorf("unknown domain %q (must be one of: %s, %s)", domain, DomainLeadStatus, DomainDealStage)
		}
		for key, rule := range rules {
			if !transitionKeyPattern.MatchString(key) {
				return fmt.Errorf("domain %s: transition key %q must match %s", domain, key, transitionKeyPattern.String())
			}
			if err := validateRule(rule, ev); err != nil {
				return fmt.Errorf("domain %s, transition %q: %w", domain, key, err)
			}
		}
	}

	if err := validateRule(cfg.Conversion, ev); err != nil {
		return fmt.Errorf("conversion rule: %w", err)
	}

	// The conversion gate evaluates without a previous snapshot, so the
	// transition-pair operators have nothing to compare against there.
	for _, c := range cfg.Conversion.Conditions {
		if c.Operator == OpChangesFrom || c.Operator == OpChangesTo {
			return fmt.Errorf("conversion rule: operator %q requires a previous snapshot and cannot be used in the conversion gate", c.Operator)
		}
	}

	return nil
}

func validateRule(rule Rule, ev *Evaluator) error {
	for i, c := range rule.Conditions {
		if !isKnownOperator(c.Operator) {
			return fmt.Errorf("condition %d: unknown operator %q", i, c.Operator)
		}
		if c.Operator == OpExpression {
			source, ok := c.Value.(string)
			if !ok || strings.TrimSpace(source) == "" {
				return fmt.Errorf("condition %d: expression operator requires a non-empty string value", i)
			}
			if ev != nil {
				if err := ev.CompileExpression(source); err != nil {
					return fmt.Errorf("condition %d: %w", i, err)
				}
			}
			continue
		}
		if c.Field == "" {
			return fmt.Errorf("condition %d: field is required for operator %q", i, c.Operator)
		}
	}

	for i, a := range rule.Actions {
		if !isKnownActionKind(a.Type) {
			return fmt.Errorf("action %d: unknown action type %q", i, a.Type)
		}
	}

	return nil
}

func isKnownDomain(d Domain) bool {
	return d == DomainLeadStatus || d == DomainDealStage
}

func isKnownOperator(op OperatorKind) bool {
	switch op {
	case OpEquals, OpNotEquals, OpIsNotEmpty, OpIsEmpty, OpChangesFrom,
		OpChangesTo, OpContains, OpGreaterThan, OpLessThan, OpExpression:
		return true
	}
	return false
}

func isKnownActionKind(k ActionKind) bool {
	switch k {
	case ActionCreateOpportunity, ActionUpdateLeadStatus, ActionCreateActivity,
		ActionUpdateLeadScore, ActionSendNotification,
		ActionUpdateDealProbability, ActionUpdateDealStatus:
		return true
	}
	return false
}

// DefaultRegistryConfig returns the built-in ruleset used for tenants
// without a custom ruleset.
//
// Lead transitions award score and log an activity as the lead moves
// down the funnel; qualification additionally notifies. Deal transitions
// set the stage's default probability and log an activity; winning a
// deal also closes it and notifies.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Domains: map[Domain]map[string]Rule{
			DomainLeadStatus: {
				"new-to-contacted": {
					Conditions: []Condition{
						{Field: "status", Operator: OpChangesTo, Value: "contacted"},
					},
					Actions: []Action{
						{Type: ActionUpdateLeadStatus, Config: map[string]any{"status": "contacted"}},
						{Type: ActionCreateActivity, Config: map[string]any{"type": "status_change", "description": "Lead contacted"}},
						{Type: ActionUpdateLeadScore, Config: map[string]any{"increment": ScoreIncrementForStatus("contacted")}},
					},
				},
				"contacted-to-qualified": {
					Conditions: []Condition{
						{Field: "status", Operator: OpChangesTo, Value: "qualified"},
					},
					Actions: []Action{
						{Type: ActionUpdateLeadStatus, Config: map[string]any{"status": "qualified"}},
						{Type: ActionCreateActivity, Config: map[string]any{"type": "status_change", "description": "Lead qualified"}},
						{Type: ActionUpdateLeadScore, Config: map[string]any{"increment": ScoreIncrementForStatus("qualified")}},
						{Type: ActionSendNotification, Config: map[string]any{"type": "lead_qualified", "template": "lead_qualified"}},
					},
				},
				"qualified-to-converted": {
					Conditions: []Condition{
						{Field: "status", Operator: OpChangesTo, Value: "converted"},
					},
					Actions: []Action{
						{Type: ActionUpdateLeadStatus, Config: map[string]any{"status": "converted"}},
						{Type: ActionCreateActivity, Config: map[string]any{"type": "status_change", "description": "Lead converted"}},
						{Type: ActionUpdateLeadScore, Config: map[string]any{"increment": ScoreIncrementForStatus("converted")}},
					},
				},
			},
			DomainDealStage: {
				"new-to-qualified": {
					Conditions: []Condition{
						{Field: "stage", Operator: OpChangesTo, Value: "qualified"},
					},
					Actions: []Action{
						{Type: ActionUpdateDealProbability, Config: map[string]any{"probability": DefaultStageProbability("qualified"), "stage": "qualified"}},
						{Type: ActionCreateActivity, Config: map[string]any{"type": "stage_change", "description": "Deal qualified"}},
					},
				},
				"qualified-to-proposal": {
					Conditions: []Condition{
						{Field: "stage", Operator: OpChangesTo, Value: "proposal"},
					},
					Actions: []Action{
						{Type: ActionUpdateDealProbability, Config: map[string]any{"probability": DefaultStageProbability("proposal"), "stage": "proposal"}},
						{Type: ActionCreateActivity, Config: map[string]any{"type": "stage_change", "description": "Proposal sent"}},
					},
				},
				"proposal-to-negotiation": {
					Conditions: []Condition{
						{Field: "stage", Operator: OpChangesTo, Value: "negotiation"},
					},
					Actions: []Action{
						{Type: ActionUpdateDealProbability, Config: map[string]any{"probability": DefaultStageProbability("negotiation"), "stage": "negotiation"}},
						{Type: ActionCreateActivity, Config: map[string]any{"type": "stage_change", "description": "Negotiation started"}},
					},
				},
				"negotiation-to-won": {
					Conditions: []Condition{
						{Field: "stage", Operator: OpChangesTo, Value: "won"},
					},
					Actions: []Action{
						{Type: ActionUpdateDealProbability, Config: map[string]any{"probability": DefaultStageProbability("won"), "stage": "won"}},
						{Type: ActionUpdateDealStatus, Config: map[string]any{"status": "won"}},
						{Type: ActionCreateActivity, Config: map[string]any{"type": "stage_change", "description": "Deal won"}},
						{Type: ActionSendNotification, Config: map[string]any{"type": "deal_won", "template": "deal_won"}},
					},
				},
			},
		},
		Conversion: Rule{
			Conditions: []Condition{
				{Field: "status", Operator: OpEquals, Value: "qualified"},
				{Field: "email", Operator: OpIsNotEmpty},
				{Field: "phone", Operator: OpIsNotEmpty},
			},
			Actions: []Action{
				{Type: ActionCreateOpportunity, Config: map[string]any{}},
				{Type: ActionUpdateLeadStatus, Config: map[string]any{"status": "converted"}},
				{Type: ActionCreateActivity, Config: map[string]any{"type": "conversion", "description": "Lead converted to opportunity"}},
			},
		},
	}
}
