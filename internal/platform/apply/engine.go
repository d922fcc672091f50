package apply

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/cpgkit/apply/internal/platform/fhir"
)

// expressionLanguage is the only expression language accepted in conditions
// and dynamic values.
const expressionLanguage = "text/cql"

// expansion is the output of expanding one action list: the applied actions
// in source order and every resource generated along the way in minting
// order.
type expansion struct {
	actions   []fhir.Resource
	resources []fhir.Resource
}

// definitionKind classifies an action's definition reference by its string
// pattern. Centralized here so a resolve-then-inspect strategy could replace
// the pattern sniff without touching the engine.
type refKind int

const (
	refNone refKind = iota
	refPlan
	refActivity
	refQuestionnaire
	refUnknown
)

func definitionKind(reference string) refKind {
	switch {
	case reference == "":
		return refNone
	case strings.Contains(reference, "PlanDefinition"):
		return refPlan
	case strings.Contains(reference, "ActivityDefinition"):
		return refActivity
	case strings.Contains(reference, "Questionnaire"):
		return refQuestionnaire
	default:
		return refUnknown
	}
}

// siblingEval is the result of the concurrent evaluation phase for one
// sibling action.
type siblingEval struct {
	applicable bool
	values     []evaluatedValue
}

// expandActions processes one action list. Sibling condition and
// dynamic-value evaluation fans out concurrently; a second sequential pass in
// source order then mints identifiers, resolves definitions, and recurses, so
// both the applied-action order and the identifier sequence are deterministic
// regardless of evaluation completion order.
func (a *Applier) expandActions(ctx context.Context, r *run, actions []interface{}, patientReference string, sess *session) (*expansion, error) {
	evals := make([]siblingEval, len(actions))
	var g errgroup.Group
	for i, raw := range actions {
		i := i
		action := fhir.AsResource(raw)
		g.Go(func() error {
			if action == nil {
				return nil
			}
			applicable, err := evaluateConditions(action.GetSlice("condition"), sess)
			if err != nil {
				return err
			}
			evals[i].applicable = applicable
			if !applicable {
				return nil
			}
			// Dynamic values only target the resource generated from a
			// referenced definition; on group and leaf actions they are
			// inert and must not be evaluated.
			switch definitionKind(action.GetString("definitionCanonical")) {
			case refPlan, refActivity:
				values, err := evaluateDynamicValues(action.GetSlice("dynamicValue"), sess)
				if err != nil {
					return err
				}
				evals[i].values = values
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &expansion{}
	for i, raw := range actions {
		action := fhir.AsResource(raw)
		if action == nil || !evals[i].applicable {
			// A failed condition drops the action and its whole subtree.
			continue
		}
		applied, err := a.expandAction(ctx, r, action, evals[i].values, patientReference, sess, out)
		if err != nil {
			return nil, err
		}
		out.actions = append(out.actions, applied)
	}
	return out, nil
}

// expandAction processes a single applicable action, appending any generated
// resources to out and returning the applied action.
func (a *Applier) expandAction(ctx context.Context, r *run, action fhir.Resource, values []evaluatedValue, patientReference string, sess *session, out *expansion) (fhir.Resource, error) {
	applied := fhir.Resource{}
	if id := action.GetString("id"); id != "" {
		applied["id"] = id
	} else {
		applied["id"] = r.nextID()
	}
	for _, key := range []string{"title", "description", "textEquivalent", "documentation", "priority", "groupingBehavior", "selectionBehavior", "requiredBehavior", "precheckBehavior", "cardinalityBehavior"} {
		if v := action[key]; v != nil {
			applied[key] = v
		}
	}

	reference := action.GetString("definitionCanonical")
	switch definitionKind(reference) {
	case refPlan:
		definition, err := a.resolveOne(ctx, reference)
		if err != nil {
			return nil, err
		}
		nested, err := a.applyPlan(ctx, r, definition, patientReference)
		if err != nil {
			return nil, err
		}
		carePlan := nested[0]
		applied["resource"] = map[string]interface{}{
			"reference": "CarePlan/" + carePlan.ID(),
		}
		carePlan["status"] = "option"
		applyOverrides(applied, action, definition)
		applyDynamicValues(carePlan, values)
		out.resources = append(out.resources, nested...)

	case refActivity:
		definition, err := a.resolveOne(ctx, reference)
		if err != nil {
			return nil, err
		}
		target, err := a.applyActivity(ctx, r, definition, patientReference)
		if err != nil {
			return nil, err
		}
		applied["resource"] = map[string]interface{}{
			"reference": target.Ref(),
		}
		target["status"] = "option"
		applyOverrides(applied, action, definition)
		applyDynamicValues(target, values)
		out.resources = append(out.resources, target)

	case refQuestionnaire:
		// The activity is filling out the referenced form; it is linked
		// and carried along unmodified.
		questionnaire, err := a.resolveOne(ctx, reference)
		if err != nil {
			return nil, err
		}
		applied["resource"] = map[string]interface{}{
			"reference": questionnaire.Ref(),
		}
		applyOverrides(applied, action, questionnaire)
		out.resources = append(out.resources, questionnaire)

	case refNone:
		if children := action.GetSlice("action"); len(children) > 0 {
			sub, err := a.expandActions(ctx, r, children, patientReference, sess)
			if err != nil {
				return nil, err
			}
			if len(sub.actions) > 0 {
				nested := make([]interface{}, 0, len(sub.actions))
				for _, act := range sub.actions {
					nested = append(nested, map[string]interface{}(act))
				}
				applied["action"] = nested
			}
			out.resources = append(out.resources, sub.resources...)
		}
		// Neither definition nor children: a valid no-op leaf.
	}

	return applied, nil
}

// resolveOne resolves a definition reference to exactly one resource.
func (a *Applier) resolveOne(ctx context.Context, reference string) (fhir.Resource, error) {
	matches, err := a.resolver(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", reference, err)
	}
	if len(matches) == 0 || matches[0] == nil {
		return nil, fmt.Errorf("cannot resolve referenced definition: %s", reference)
	}
	return matches[0], nil
}

// applyOverrides recomputes the display fields of an applied action: the
// action's own values win over the referenced definition's, and
// documentation falls back to the definition's relatedArtifact.
func applyOverrides(applied fhir.Resource, action, definition fhir.Resource) {
	if v := firstNonNil(action["title"], definition["title"]); v != nil {
		applied["title"] = v
	}
	if v := firstNonNil(action["description"], definition["description"]); v != nil {
		applied["description"] = v
	}
	if v := firstNonNil(action["documentation"], definition["relatedArtifact"]); v != nil {
		applied["documentation"] = v
	}
}

func firstNonNil(values ...interface{}) interface{} {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// evaluateConditions evaluates an action's applicability conditions and ANDs
// them together. An empty list is applicable.
func evaluateConditions(conditions []interface{}, sess *session) (bool, error) {
	for _, c := range conditions {
		condition := fhir.AsResource(c)
		if condition == nil {
			continue
		}
		expression := condition.GetMap("expression")
		if language, _ := expression["language"].(string); language != expressionLanguage {
			return false, errUnsupportedConditionLanguage()
		}
		text, _ := expression["expression"].(string)
		value, err := sess.evaluate(text)
		if err != nil {
			return false, err
		}
		if !truthy(value) {
			return false, nil
		}
	}
	return true, nil
}

// evaluateDynamicValues evaluates an action's or definition's dynamic values
// in declaration order.
func evaluateDynamicValues(dynamicValues []interface{}, sess *session) ([]evaluatedValue, error) {
	var out []evaluatedValue
	for _, dv := range dynamicValues {
		dynamicValue := fhir.AsResource(dv)
		if dynamicValue == nil {
			continue
		}
		expression := dynamicValue.GetMap("expression")
		if language, _ := expression["language"].(string); language != expressionLanguage {
			return nil, errUnsupportedDynamicValueLanguage()
		}
		text, _ := expression["expression"].(string)
		value, err := sess.evaluate(text)
		if err != nil {
			return nil, err
		}
		out = append(out, evaluatedValue{
			path:  dynamicValue.GetString("path"),
			value: value,
		})
	}
	return out, nil
}

// truthy mirrors the permissive condition semantics of expression results:
// absent values and explicit false fail, everything else passes.
func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}
