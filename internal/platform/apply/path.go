package apply

import (
	"encoding/json"
	"strings"

	"github.com/cpgkit/apply/internal/platform/fhir"
)

// Dynamic-value paths are dotted element paths with optional array-index
// segments ("dosageInstruction[0].text") and an optional trailing type hint
// (".ofType(string)"). They are parsed into typed segments and expanded into
// a minimal nested-object fragment carrying the evaluated value.

type segmentKind int

const (
	segmentField segmentKind = iota
	segmentArray
	segmentTypeHint
)

type pathSegment struct {
	kind segmentKind
	name string
}

// parsePath splits a dynamic-value path into typed segments.
func parsePath(path string) []pathSegment {
	parts := strings.Split(path, ".")
	segments := make([]pathSegment, 0, len(parts))
	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "ofType(") && strings.HasSuffix(part, ")"):
			segments = append(segments, pathSegment{kind: segmentTypeHint, name: part})
		case strings.Contains(part, "["):
			name := part[:strings.Index(part, "[")]
			segments = append(segments, pathSegment{kind: segmentArray, name: name})
		default:
			segments = append(segments, pathSegment{kind: segmentField, name: part})
		}
	}
	return segments
}

// expandPathAndValue builds the nested fragment {a:{b:[{c:value}]}} for the
// path "a.b[0].c". Array segments always produce a fresh one-element array;
// type-hint segments are dropped. The fragment is meant to be shallow-merged
// onto a target document, replacing whatever the top-level key held.
func expandPathAndValue(path string, value interface{}) map[string]interface{} {
	var segments []pathSegment
	for _, seg := range parsePath(path) {
		// Type hints are not real elements.
		if seg.kind != segmentTypeHint {
			segments = append(segments, seg)
		}
	}
	return expandSegments(segments, value)
}

func expandSegments(segments []pathSegment, value interface{}) map[string]interface{} {
	if len(segments) == 0 {
		return nil
	}
	seg := segments[0]
	var inner interface{}
	if len(segments) == 1 {
		inner = value
	} else {
		inner = expandSegments(segments[1:], value)
	}
	if seg.kind == segmentArray {
		return map[string]interface{}{seg.name: []interface{}{inner}}
	}
	return map[string]interface{}{seg.name: inner}
}

// shouldStringify reports whether an evaluated value must be serialized
// before assignment: only when the source path explicitly targets a
// string-typed choice and the value is not already a string.
func shouldStringify(path string, value interface{}) bool {
	if !strings.HasSuffix(path, ".ofType(string)") {
		return false
	}
	_, isString := value.(string)
	return !isString
}

// evaluatedValue pairs a dynamic-value path with its evaluated result.
type evaluatedValue struct {
	path  string
	value interface{}
}

// applyDynamicValues writes evaluated dynamic values onto a target document.
// Each path goes through the choice-element transform for the target's
// resource type; structured values addressed at string-typed fields are
// JSON-serialized; the expanded fragment is shallow-merged with later values
// winning on key collision.
func applyDynamicValues(target fhir.Resource, values []evaluatedValue) {
	resourceType := target.ResourceType()
	for _, ev := range values {
		path := fhir.TransformChoicePath(resourceType, ev.path)
		value := ev.value
		if shouldStringify(ev.path, value) {
			raw, err := json.Marshal(value)
			if err == nil {
				value = string(raw)
			}
		}
		for k, v := range expandPathAndValue(path, value) {
			target[k] = v
		}
	}
}
