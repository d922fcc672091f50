package fhir

import (
	"fmt"
	"strings"
)

// Resource is a FHIR resource in its generic JSON form. All documents the
// engine consumes and produces are maps keyed by FHIR element names; typed
// accessors below keep the call sites readable.
type Resource map[string]interface{}

// ResourceType returns the resource's discriminant type, or "" if absent.
func (r Resource) ResourceType() string { return r.GetString("resourceType") }

// ID returns the resource's logical id, or "" if absent.
func (r Resource) ID() string { return r.GetString("id") }

// URL returns the resource's canonical URL, or "" if absent.
func (r Resource) URL() string { return r.GetString("url") }

// Version returns the resource's business version, or "" if absent.
func (r Resource) Version() string { return r.GetString("version") }

// Ref returns the literal reference "{resourceType}/{id}" for this resource.
func (r Resource) Ref() string {
	return FormatReference(r.ResourceType(), r.ID())
}

// GetString returns the string value at key, or "" when absent or not a string.
func (r Resource) GetString(key string) string {
	s, _ := r[key].(string)
	return s
}

// GetMap returns the object value at key, or nil when absent or not an object.
func (r Resource) GetMap(key string) map[string]interface{} {
	m, _ := r[key].(map[string]interface{})
	return m
}

// GetSlice returns the array value at key, or nil when absent or not an array.
func (r Resource) GetSlice(key string) []interface{} {
	s, _ := r[key].([]interface{})
	return s
}

// Clone returns a shallow copy of the resource. Nested values are shared.
func (r Resource) Clone() Resource {
	out := make(Resource, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FormatReference builds a literal FHIR reference string "{Type}/{id}".
func FormatReference(resourceType, id string) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

// AsResource converts a generic decoded JSON value into a Resource.
// Returns nil when the value is not an object.
func AsResource(v interface{}) Resource {
	switch t := v.(type) {
	case Resource:
		return t
	case map[string]interface{}:
		return Resource(t)
	default:
		return nil
	}
}

// PruneNull removes nil-valued entries from objects and nil elements from
// arrays, recursively. FHIR forbids explicit nulls in most element positions;
// generated documents omit absent fields instead of emitting them as null.
func PruneNull(v interface{}) interface{} {
	switch t := v.(type) {
	case Resource:
		return Resource(pruneMap(t))
	case map[string]interface{}:
		return pruneMap(t)
	case []interface{}:
		out := make([]interface{}, 0, len(t))
		for _, item := range t {
			if item == nil {
				continue
			}
			out = append(out, PruneNull(item))
		}
		return out
	default:
		return v
	}
}

func pruneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		if val == nil {
			continue
		}
		pruned := PruneNull(val)
		if pruned == nil {
			continue
		}
		out[k] = pruned
	}
	return out
}

// HumanName renders a display string from a FHIR HumanName array: the first
// entry's text if present, otherwise given names followed by the family name.
func HumanName(names interface{}) string {
	list, ok := names.([]interface{})
	if !ok {
		return ""
	}
	for _, n := range list {
		name, ok := n.(map[string]interface{})
		if !ok {
			continue
		}
		if text, _ := name["text"].(string); text != "" {
			return text
		}
		family, _ := name["family"].(string)
		if family == "" {
			continue
		}
		var parts []string
		if given, ok := name["given"].([]interface{}); ok {
			for _, g := range given {
				if s, ok := g.(string); ok {
					parts = append(parts, s)
				}
			}
		}
		parts = append(parts, family)
		return strings.TrimSpace(strings.Join(parts, " "))
	}
	return ""
}
