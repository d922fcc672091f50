package apply

import "strings"

// Kind classifies an application failure for programmatic handling. The
// Message carried alongside is fully formed and intended to be shown to the
// caller verbatim.
type Kind string

const (
	KindInvalidDefinitionKind         Kind = "invalid-definition-kind"
	KindMissingSubjectReference       Kind = "missing-subject-reference"
	KindMissingResolver               Kind = "missing-resolver"
	KindMissingValidator              Kind = "missing-validator"
	KindSchemaValidationFailed        Kind = "schema-validation-failed"
	KindMissingCanonicalURL           Kind = "missing-canonical-url"
	KindUnresolvableSubject           Kind = "unresolvable-subject"
	KindUnsupportedExpressionLanguage Kind = "unsupported-expression-language"
	KindUnresolvableLibraryReference  Kind = "unresolvable-library-reference"
	KindMissingElmAttachment          Kind = "missing-elm-attachment"
	KindMissingLibraryReference       Kind = "missing-library-reference"
	KindInvalidActivityKind           Kind = "invalid-activity-kind"
	KindCyclicPlanReference           Kind = "cyclic-plan-reference"
)

// Error is a failure of the apply pipeline.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// appliableResourceTypes are the definition types accepted at the top level.
var appliableResourceTypes = []string{"PlanDefinition", "ActivityDefinition"}

// requestResourceTypes is the request-resource value set admitted by
// ActivityDefinition.kind.
// https://www.hl7.org/fhir/valueset-request-resource-types.html
var requestResourceTypes = []string{
	"Appointment",
	"AppointmentResponse",
	"CarePlan",
	"Claim",
	"CommunicationRequest",
	"Contract",
	"DeviceRequest",
	"EnrollmentRequest",
	"ImmunizationRecommendation",
	"MedicationRequest",
	"NutritionOrder",
	"ServiceRequest",
	"SupplyRequest",
	"Task",
	"VisionPrescription",
}

func errInvalidDefinitionKind() *Error {
	return newError(KindInvalidDefinitionKind,
		"One of the following resources must be provided: "+strings.Join(appliableResourceTypes, ", "))
}

func errMissingSubjectReference() *Error {
	return newError(KindMissingSubjectReference, "A Patient reference string must be provided")
}

func errMissingResolver() *Error {
	return newError(KindMissingResolver, "A resource resolver function must be provided")
}

func errMissingValidator() *Error {
	return newError(KindMissingValidator,
		"Schema validation is enabled but no schema validator is configured")
}

func errSchemaValidationFailed(violations []string) *Error {
	return newError(KindSchemaValidationFailed,
		"Input is not a valid FHIR resource\nErrors from schema validation:\n"+strings.Join(violations, "\n"))
}

func errMissingCanonicalURL() *Error {
	return newError(KindMissingCanonicalURL, "Incoming Definition does not have a canonical URL")
}

func errUnresolvableSubject() *Error {
	return newError(KindUnresolvableSubject, "Patient reference cannot be resolved")
}

func errUnsupportedConditionLanguage() *Error {
	return newError(KindUnsupportedExpressionLanguage,
		"Action condition specifies an unsupported expression language")
}

func errUnsupportedDynamicValueLanguage() *Error {
	return newError(KindUnsupportedExpressionLanguage,
		"Dynamic value specifies an unsupported expression language")
}

func errUnresolvableLibrary(libRef string) *Error {
	return newError(KindUnresolvableLibraryReference, "Cannot resolve referenced Library: "+libRef)
}

func errMissingElmAttachment(libRef string) *Error {
	return newError(KindMissingElmAttachment,
		`No Attachments with contentType "application/elm+json" found in referenced Library: `+libRef)
}

func errMissingLibraryReference() *Error {
	return newError(KindMissingLibraryReference,
		"Definition requires expression evaluation but does not reference a Library")
}

func errInvalidActivityKind() *Error {
	return newError(KindInvalidActivityKind,
		"ActivityDefinition.kind must be one of the following resources: "+strings.Join(requestResourceTypes, ", "))
}

func errCyclicPlanReference(url string) *Error {
	return newError(KindCyclicPlanReference,
		"PlanDefinition references itself through its action tree: "+url)
}

func errMaxDepthExceeded() *Error {
	return newError(KindCyclicPlanReference,
		"Plan application exceeded the maximum nesting depth")
}
