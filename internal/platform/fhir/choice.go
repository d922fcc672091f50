package fhir

import (
	"regexp"
	"strings"
)

// choiceElement describes one polymorphic ("choice") element: the field name
// without its [x] suffix and the datatypes it admits.
type choiceElement struct {
	fieldBase string
	types     []string
}

// choiceElements maps "{ResourceType}.{path}[x]" to the element's allowed
// datatypes. The table covers the choice elements of the request resources
// this engine generates; paths not listed here pass through unchanged.
var choiceElements = map[string]choiceElement{
	"CarePlan.activity.detail.scheduled[x]":  {"scheduled", []string{"Timing", "Period", "string"}},
	"CarePlan.activity.detail.product[x]":    {"product", []string{"CodeableConcept", "Reference"}},
	"CommunicationRequest.occurrence[x]":     {"occurrence", []string{"dateTime", "Period"}},
	"DeviceRequest.code[x]":                  {"code", []string{"Reference", "CodeableConcept"}},
	"DeviceRequest.occurrence[x]":            {"occurrence", []string{"dateTime", "Period", "Timing"}},
	"MedicationRequest.medication[x]":        {"medication", []string{"CodeableConcept", "Reference"}},
	"MedicationRequest.reported[x]":          {"reported", []string{"boolean", "Reference"}},
	"NutritionOrder.enteralFormula.rate[x]":  {"rate", []string{"Quantity", "Ratio"}},
	"RequestGroup.action.timing[x]":          {"timing", []string{"dateTime", "Age", "Period", "Duration", "Range", "Timing"}},
	"ServiceRequest.asNeeded[x]":             {"asNeeded", []string{"boolean", "CodeableConcept"}},
	"ServiceRequest.occurrence[x]":           {"occurrence", []string{"dateTime", "Period", "Timing"}},
	"ServiceRequest.quantity[x]":             {"quantity", []string{"Quantity", "Ratio", "Range"}},
	"SupplyRequest.item[x]":                  {"item", []string{"CodeableConcept", "Reference"}},
	"SupplyRequest.occurrence[x]":            {"occurrence", []string{"dateTime", "Period", "Timing"}},
	"Task.value[x]":                          {"value", []string{"string", "boolean", "CodeableConcept", "Reference", "Attachment", "canonical"}},
	"VisionPrescription.lensSpecification.duration[x]": {"duration", []string{"Quantity"}},
}

var ofTypeRegex = regexp.MustCompile(`\.ofType\(([A-Za-z]+)\)$`)
var indexRegex = regexp.MustCompile(`\[\d*\]`)

// TransformChoicePath rewrites a dynamic-value path addressing a choice
// element into the concrete field name required by the target resource type.
// A path ending in ".ofType(T)" whose stripped form names a known choice
// element admitting T is rewritten so its trailing segment becomes
// "{fieldBase}{T-capitalized}". Any other path is returned unchanged.
func TransformChoicePath(resourceType, path string) string {
	m := ofTypeRegex.FindStringSubmatch(path)
	if m == nil {
		return path
	}
	typeName := m[1]
	bare := strings.TrimSuffix(path, m[0])

	// Array indices are irrelevant to element identity.
	key := resourceType + "." + indexRegex.ReplaceAllString(bare, "") + "[x]"
	elem, ok := choiceElements[key]
	if !ok {
		return path
	}
	allowed := false
	for _, t := range elem.types {
		if t == typeName {
			allowed = true
			break
		}
	}
	if !allowed {
		return path
	}

	segments := strings.Split(bare, ".")
	segments[len(segments)-1] = elem.fieldBase + capitalize(typeName)
	return strings.Join(segments, ".")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
