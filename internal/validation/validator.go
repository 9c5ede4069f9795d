// Package validation checks workflow definitions before they are stored or
// executed: structural shape via JSON Schema, then semantic coherence, then
// graph-level reachability and cycle analysis.
package validation

import "github.com/sendloop/journey/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
type Validator interface {
	ValidateDefinition(wf *schema.Workflow) error
}

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (entry node, configs, branch labels, connections)
// 3. Graph (reachability, cycles)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator. lookup may be nil to skip
// action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		actions:    lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: later stages assume a well-shaped graph.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := &schema.ValidationResult{}
	if err := wv.jsonSchema.ValidateDefinition(wf); err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	result.Merge(validateSemantic(wf, wv.actions))

	if result.Valid() {
		result.Merge(validateGraph(wf))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}
