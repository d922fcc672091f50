// Package cql provides the expression-evaluation collaborator used when
// applying plan and activity definitions. A library's compiled ELM JSON is
// executed once against a patient data bundle; callers then look results up
// by definition name.
package cql

import "context"

// Request carries everything one library execution needs.
type Request struct {
	// Library is the compiled ELM JSON payload of the primary library.
	Library map[string]interface{}
	// Dependencies holds additional ELM JSON payloads keyed by library name.
	Dependencies map[string]map[string]interface{}
	// ValueSets is the terminology payload.
	ValueSets map[string]interface{}
	// Parameters holds CQL parameter values keyed by parameter name.
	Parameters map[string]interface{}
	// Bundle is the patient data context, a Bundle-shaped document.
	Bundle map[string]interface{}
}

// Results maps define-statement names to their evaluated values.
type Results map[string]interface{}

// Evaluator executes a compiled rule library against patient data. Evaluate
// runs every named definition once; Close releases whatever execution context
// the implementation holds and must be safe to call exactly once on every
// exit path.
type Evaluator interface {
	Evaluate(ctx context.Context, req Request) (Results, error)
	Close() error
}
