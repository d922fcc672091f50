package fhir

import (
	"fmt"
	"strings"
)

// artifactStatuses are the publication states of the knowledge-artifact
// lifecycle, shared by every definition type this server applies.
var artifactStatuses = map[string]bool{
	"draft": true, "active": true, "retired": true, "unknown": true,
}

// actionElements lists the PlanDefinition.action elements the engine
// understands. Anything else is flagged, catching typos like
// "definitionCannonical" before they silently drop behavior.
var actionElements = map[string]bool{
	"id": true, "prefix": true, "title": true, "description": true,
	"textEquivalent": true, "priority": true, "code": true, "reason": true,
	"documentation": true, "goalId": true, "subjectCodeableConcept": true,
	"subjectReference": true, "trigger": true, "condition": true,
	"input": true, "output": true, "relatedAction": true,
	"timingDateTime": true, "timingAge": true, "timingPeriod": true,
	"timingDuration": true, "timingRange": true, "timingTiming": true,
	"participant": true, "type": true, "groupingBehavior": true,
	"selectionBehavior": true, "requiredBehavior": true,
	"precheckBehavior": true, "cardinalityBehavior": true,
	"definitionCanonical": true, "definitionUri": true, "transform": true,
	"dynamicValue": true, "action": true, "extension": true,
	"modifierExtension": true,
}

// Validator performs structural validation of knowledge-artifact definitions.
// Violations are returned as "path: message" strings ready for an
// OperationOutcome.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks a definition's structure. An empty result means the
// resource is valid.
func (v *Validator) Validate(resource map[string]interface{}) []string {
	var violations []string

	doc := Resource(resource)
	rt := doc.ResourceType()
	if rt == "" {
		return append(violations, "resourceType: required element is missing")
	}

	if doc.URL() == "" {
		violations = append(violations, "url: a canonical URL is required")
	} else if !strings.HasPrefix(doc.URL(), "http://") && !strings.HasPrefix(doc.URL(), "https://") {
		violations = append(violations, fmt.Sprintf("url: %q is not an absolute URL", doc.URL()))
	}

	if status := doc.GetString("status"); status == "" {
		violations = append(violations, "status: required element is missing")
	} else if !artifactStatuses[status] {
		violations = append(violations, fmt.Sprintf("status: %q is not a publication status", status))
	}

	switch rt {
	case "PlanDefinition":
		violations = append(violations, v.validateActions(doc.GetSlice("action"), "action")...)
	case "ActivityDefinition":
		if doc.GetString("kind") == "" && doc.GetString("profile") == "" {
			violations = append(violations, "kind: required element is missing")
		}
		violations = append(violations, v.validateDynamicValues(doc.GetSlice("dynamicValue"), "dynamicValue")...)
	}

	return violations
}

func (v *Validator) validateActions(actions []interface{}, path string) []string {
	var violations []string
	for i, a := range actions {
		actionPath := fmt.Sprintf("%s[%d]", path, i)
		action := AsResource(a)
		if action == nil {
			violations = append(violations, actionPath+": must be an object")
			continue
		}
		for key := range action {
			if !actionElements[key] {
				violations = append(violations, fmt.Sprintf("%s: unknown element %s", actionPath, key))
			}
		}
		for j, c := range action.GetSlice("condition") {
			condition := AsResource(c)
			if condition == nil || condition.GetString("kind") == "" {
				violations = append(violations, fmt.Sprintf("%s.condition[%d]: kind is required", actionPath, j))
			}
		}
		violations = append(violations, v.validateDynamicValues(action.GetSlice("dynamicValue"), actionPath+".dynamicValue")...)
		violations = append(violations, v.validateActions(action.GetSlice("action"), actionPath+".action")...)
	}
	return violations
}

func (v *Validator) validateDynamicValues(values []interface{}, path string) []string {
	var violations []string
	for i, dv := range values {
		dvPath := fmt.Sprintf("%s[%d]", path, i)
		value := AsResource(dv)
		if value == nil {
			violations = append(violations, dvPath+": must be an object")
			continue
		}
		if value.GetString("path") == "" {
			violations = append(violations, dvPath+": path is required")
		}
		if _, ok := value["expression"]; !ok {
			violations = append(violations, dvPath+": expression is required")
		}
	}
	return violations
}
