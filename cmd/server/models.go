package main

import (
	"github.com/fieldline/crm/workflow"
)

// API request and response models.

// CreateTenantRequest is the body for creating a tenant.
type CreateTenantRequest struct {
	Name string `json:"name"`
}

// CreateLeadRequest is the body for creating a lead.
type CreateLeadRequest struct {
	Name     string  `json:"name"`
	Email    string  `json:"email"`
	Phone    string  `json:"phone"`
	Company  string  `json:"company"`
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
	ActorID  string  `json:"actorId"`
}

// CreateDealRequest is the body for creating a deal directly.
type CreateDealRequest struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Currency string  `json:"currency"`
	ActorID  string  `json:"actorId"`
}

// StatusChangeRequest is the body for lead status and deal stage
// transitions. Previous is the caller's pre-mutation snapshot; when
// omitted the server uses the stored record as the previous snapshot.
type StatusChangeRequest struct {
	Status   string            `json:"status,omitempty"`
	Stage    string            `json:"stage,omitempty"`
	Previous workflow.Snapshot `json:"previous,omitempty"`
	ActorID  string            `json:"actorId"`
}

// ConvertRequest is the body for converting a lead to an opportunity.
type ConvertRequest struct {
	ActorID string `json:"actorId"`
}

// ConvertibleResponse reports whether a lead passes the conversion gate.
type ConvertibleResponse struct {
	Convertible bool `json:"convertible"`
}

// UpdateRulesetRequest is the body for replacing a tenant's ruleset.
type UpdateRulesetRequest struct {
	Definition workflow.RegistryConfig `json:"definition"`
}

// RulesetResponse is a tenant's active ruleset. Version 0 means the
// built-in default ruleset.
type RulesetResponse struct {
	Version    int                     `json:"version"`
	Definition workflow.RegistryConfig `json:"definition"`
}
