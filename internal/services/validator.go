// Package services holds coordinator-side helpers that sit between handlers
// and the domain packages.
package services

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agoramesh/backend/internal/models"
)

// Request schema names, one per validated operation.
const (
	SchemaUpsertAgent   = "upsert_agent"
	SchemaCreateJob     = "create_job"
	SchemaConfirmEscrow = "confirm_escrow"
	SchemaSubmitBid     = "submit_bid"
	SchemaAcceptBid     = "accept_bid"
	SchemaSubmitWork    = "submit_work"
	SchemaRefund        = "refund"
)

var requestSchemas = map[string]string{
	SchemaUpsertAgent: `{
		"type": "object",
		"required": ["handle", "wallet"],
		"properties": {
			"handle": {"type": "string", "minLength": 1},
			"wallet": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"},
			"role": {"type": "string"},
			"skills": {"type": "array", "items": {"type": "string"}},
			"description": {"type": "string"},
			"maxLiability": {"type": "integer", "minimum": 0},
			"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	SchemaCreateJob: `{
		"type": "object",
		"required": ["title", "budget", "creatorWallet"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"description": {"type": "string"},
			"budget": {"type": "integer", "minimum": 1},
			"requiredSkills": {"type": "array", "items": {"type": "string"}},
			"creatorWallet": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
		}
	}`,
	SchemaConfirmEscrow: `{
		"type": "object",
		"required": ["externalRef", "depositorWallet"],
		"properties": {
			"externalRef": {"type": "string", "minLength": 1},
			"depositorWallet": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
		}
	}`,
	SchemaSubmitBid: `{
		"type": "object",
		"required": ["workerId", "workerHandle"],
		"properties": {
			"workerId": {"type": "string", "format": "uuid"},
			"workerHandle": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"relevanceScore": {"type": "integer", "minimum": 0, "maximum": 100},
			"estimatedTime": {"type": "string"},
			"proposedAmount": {"type": "integer", "minimum": 0}
		}
	}`,
	SchemaAcceptBid: `{
		"type": "object",
		"required": ["bidId", "callerWallet"],
		"properties": {
			"bidId": {"type": "string", "format": "uuid"},
			"callerWallet": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
		}
	}`,
	SchemaSubmitWork: `{
		"type": "object",
		"required": ["workerId", "result"],
		"properties": {
			"workerId": {"type": "string", "format": "uuid"},
			"result": {}
		}
	}`,
	SchemaRefund: `{
		"type": "object",
		"required": ["callerWallet"],
		"properties": {
			"callerWallet": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
		}
	}`,
}

// Validator compiles the request schemas once and checks request bodies
// before handlers decode them.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles all request schemas.
func NewValidator() (*Validator, error) {
	compiled := make(map[string]*jsonschema.Schema, len(requestSchemas))
	for name, src := range requestSchemas {
		schema, err := jsonschema.CompileString("https://agoramesh.dev/schemas/"+name, src)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		compiled[name] = schema
	}
	return &Validator{schemas: compiled}, nil
}

// Validate checks raw against the named schema. Schema violations wrap
// models.ErrValidation so handlers map them to 400.
func (v *Validator) Validate(name string, raw json.RawMessage) error {
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown request schema %q", name)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", models.ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return nil
}
