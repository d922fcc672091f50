package apply

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cpgkit/apply/internal/platform/cql"
	"github.com/cpgkit/apply/internal/platform/fhir"
)

// session is the scoped expression-evaluation context for one apply call.
// Opening a session resolves the definition's rule library, executes it once
// against the full corpus, and keeps the named results for lookup; closing
// releases the evaluator. A session opened for a definition without a library
// reference is inert: ready reports false and evaluate fails.
type session struct {
	results   cql.Results
	evaluator cql.Evaluator
	opened    bool
}

// openSession prepares the evaluation session for a definition. The caller
// must close the returned session on every exit path.
func (a *Applier) openSession(ctx context.Context, r *run, definition fhir.Resource) (*session, error) {
	libraries := definition.GetSlice("library")
	if len(libraries) == 0 {
		return &session{}, nil
	}
	libRef, _ := libraries[0].(string)
	if libRef == "" {
		return &session{}, nil
	}

	if results, hit, err := r.cache.Get(ctx, libRef); err != nil {
		return nil, fmt.Errorf("execution cache: %w", err)
	} else if hit {
		a.opts.Logger.Debug().Str("library", libRef).Msg("execution cache hit")
		return &session{results: results, opened: true}, nil
	}

	elmJSON := a.preSuppliedLibrary(libRef)
	if elmJSON == nil {
		resolved, err := a.resolver(ctx, libRef)
		if err != nil {
			return nil, fmt.Errorf("resolve library reference: %w", err)
		}
		if len(resolved) == 0 {
			return nil, errUnresolvableLibrary(libRef)
		}
		elmJSON = elmJSONFromLibrary(resolved[0])
		if elmJSON == nil {
			return nil, errMissingElmAttachment(libRef)
		}
	}

	corpus, err := a.resolver(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("load corpus for evaluation: %w", err)
	}
	entries := make([]interface{}, 0, len(corpus))
	for _, res := range corpus {
		entries = append(entries, map[string]interface{}{"resource": map[string]interface{}(res)})
	}

	sess := &session{evaluator: a.opts.NewEvaluator(), opened: true}
	results, err := sess.evaluator.Evaluate(ctx, cql.Request{
		Library:      elmJSON,
		Dependencies: a.opts.ElmDependencies,
		ValueSets:    a.opts.ValueSets,
		Parameters:   a.opts.Parameters,
		Bundle: map[string]interface{}{
			"resourceType": "Bundle",
			"type":         "collection",
			"entry":        entries,
		},
	})
	if err != nil {
		sess.close()
		return nil, fmt.Errorf("execute library %s: %w", libRef, err)
	}
	sess.results = results

	if err := r.cache.Set(ctx, libRef, results); err != nil {
		sess.close()
		return nil, fmt.Errorf("execution cache: %w", err)
	}
	return sess, nil
}

// preSuppliedLibrary looks for an ELM payload whose key appears in the
// library reference, bypassing resolver lookups.
func (a *Applier) preSuppliedLibrary(libRef string) map[string]interface{} {
	for key, payload := range a.opts.ElmDependencies {
		if strings.Contains(libRef, key) {
			return payload
		}
	}
	return nil
}

// elmJSONFromLibrary extracts and decodes the first
// "application/elm+json" attachment from a Library resource.
func elmJSONFromLibrary(library fhir.Resource) map[string]interface{} {
	for _, c := range library.GetSlice("content") {
		content, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if contentType, _ := content["contentType"].(string); contentType != "application/elm+json" {
			continue
		}
		data, _ := content["data"].(string)
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			continue
		}
		var elmJSON map[string]interface{}
		if err := json.Unmarshal(raw, &elmJSON); err != nil {
			continue
		}
		return elmJSON
	}
	return nil
}

// ready reports whether the session can serve evaluations.
func (s *session) ready() bool { return s.opened }

// evaluate looks an expression up in the precomputed results. A missing key
// yields nil, which downstream logic treats as "no value". Evaluating on a
// session without a library is the caller's error.
func (s *session) evaluate(expression string) (interface{}, error) {
	if !s.opened {
		return nil, errMissingLibraryReference()
	}
	return s.results[expression], nil
}

// close releases the evaluator. Safe to call on every exit path, including
// sessions that never acquired one.
func (s *session) close() {
	if s.evaluator != nil {
		s.evaluator.Close()
		s.evaluator = nil
	}
}
