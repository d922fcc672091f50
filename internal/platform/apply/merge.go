package apply

import (
	"github.com/cpgkit/apply/internal/platform/fhir"
)

// Merge collapses nested plan expansions in a RequestGroup's action tree.
// Any action whose resource reference points at a CarePlan generated by a
// nested plan application is replaced in place by the flattened action list
// of the RequestGroup reachable through that CarePlan's activity link. The
// returned RequestGroup has a single flat tree with no CarePlan/RequestGroup
// indirection left.
func Merge(requestGroup fhir.Resource, resources []fhir.Resource) fhir.Resource {
	actions := requestGroup.GetSlice("action")
	if len(actions) == 0 {
		return requestGroup
	}
	requestGroup["action"] = mergeActions(actions, resources)
	return requestGroup
}

func mergeActions(actions []interface{}, resources []fhir.Resource) []interface{} {
	merged := make([]interface{}, 0, len(actions))
	for _, raw := range actions {
		action := fhir.AsResource(raw)
		if action == nil {
			merged = append(merged, raw)
			continue
		}

		if ref := resourceReference(action); ref != "" {
			if target := lookup(resources, ref); target != nil && target.ResourceType() == "CarePlan" {
				// Inline the nested plan: follow the CarePlan's activity
				// links to its RequestGroup and splice that group's
				// actions in place of this one.
				for _, act := range target.GetSlice("activity") {
					activity := fhir.AsResource(act)
					if activity == nil {
						continue
					}
					inner := fhir.AsResource(activity["reference"])
					if inner == nil {
						continue
					}
					innerRef, _ := inner["reference"].(string)
					if innerRef == "" {
						continue
					}
					sub := lookup(resources, innerRef)
					if sub == nil || sub.ResourceType() != "RequestGroup" {
						continue
					}
					merged = append(merged, mergeActions(sub.GetSlice("action"), resources)...)
				}
				continue
			}
		}

		if children := action.GetSlice("action"); len(children) > 0 {
			action["action"] = mergeActions(children, resources)
		}
		merged = append(merged, raw)
	}
	return merged
}

// Retained filters a generated-resource list down to the resources that
// remain meaningful after a merge: the CarePlan and RequestGroup documents
// consumed by inlining are dropped.
func Retained(resources []fhir.Resource) []fhir.Resource {
	out := make([]fhir.Resource, 0, len(resources))
	for _, r := range resources {
		switch r.ResourceType() {
		case "CarePlan", "RequestGroup":
			continue
		default:
			out = append(out, r)
		}
	}
	return out
}

func resourceReference(action fhir.Resource) string {
	resource := action.GetMap("resource")
	if resource == nil {
		return ""
	}
	ref, _ := resource["reference"].(string)
	return ref
}

// lookup resolves a literal reference against an in-memory resource list
// using the standard matching rules.
func lookup(resources []fhir.Resource, reference string) fhir.Resource {
	matches := fhir.MatchReference(resources, reference)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}
