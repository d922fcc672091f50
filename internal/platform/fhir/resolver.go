package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Resolver resolves a FHIR reference string to zero or more resources.
// Called with an empty reference it returns the entire readable corpus.
// Implementations must return an empty slice for "no match", never nil
// alongside a nil error.
type Resolver func(ctx context.Context, reference string) ([]Resource, error)

// resourceTypes is the FHIR R4 resource-type value set, used to recognize the
// type segment of literal and canonical references.
var resourceTypes = []string{
	"Account", "ActivityDefinition", "AdverseEvent", "AllergyIntolerance",
	"Appointment", "AppointmentResponse", "AuditEvent", "Basic", "Binary",
	"BiologicallyDerivedProduct", "BodyStructure", "Bundle",
	"CapabilityStatement", "CarePlan", "CareTeam", "CatalogEntry",
	"ChargeItem", "ChargeItemDefinition", "Claim", "ClaimResponse",
	"ClinicalImpression", "CodeSystem", "Communication",
	"CommunicationRequest", "CompartmentDefinition", "Composition",
	"ConceptMap", "Condition", "Consent", "Contract", "Coverage",
	"CoverageEligibilityRequest", "CoverageEligibilityResponse",
	"DetectedIssue", "Device", "DeviceDefinition", "DeviceMetric",
	"DeviceRequest", "DeviceUseStatement", "DiagnosticReport",
	"DocumentManifest", "DocumentReference", "EffectEvidenceSynthesis",
	"Encounter", "Endpoint", "EnrollmentRequest", "EnrollmentResponse",
	"EpisodeOfCare", "EventDefinition", "Evidence", "EvidenceVariable",
	"ExampleScenario", "ExplanationOfBenefit", "FamilyMemberHistory",
	"Flag", "Goal", "GraphDefinition", "Group", "GuidanceResponse",
	"HealthcareService", "ImagingStudy", "Immunization",
	"ImmunizationEvaluation", "ImmunizationRecommendation",
	"ImplementationGuide", "InsurancePlan", "Invoice", "Library", "Linkage",
	"List", "Location", "Measure", "MeasureReport", "Media", "Medication",
	"MedicationAdministration", "MedicationDispense", "MedicationKnowledge",
	"MedicationRequest", "MedicationStatement", "MedicinalProduct",
	"MedicinalProductAuthorization", "MedicinalProductContraindication",
	"MedicinalProductIndication", "MedicinalProductIngredient",
	"MedicinalProductInteraction", "MedicinalProductManufactured",
	"MedicinalProductPackaged", "MedicinalProductPharmaceutical",
	"MedicinalProductUndesirableEffect", "MessageDefinition",
	"MessageHeader", "MolecularSequence", "NamingSystem", "NutritionOrder",
	"Observation", "ObservationDefinition", "OperationDefinition",
	"OperationOutcome", "Organization", "OrganizationAffiliation", "Patient",
	"PaymentNotice", "PaymentReconciliation", "Person", "PlanDefinition",
	"Practitioner", "PractitionerRole", "Procedure", "Provenance",
	"Questionnaire", "QuestionnaireResponse", "RelatedPerson",
	"RequestGroup", "ResearchDefinition", "ResearchElementDefinition",
	"ResearchStudy", "ResearchSubject", "RiskAssessment",
	"RiskEvidenceSynthesis", "Schedule", "SearchParameter",
	"ServiceRequest", "Slot", "Specimen", "SpecimenDefinition",
	"StructureDefinition", "StructureMap", "Subscription", "Substance",
	"SubstanceNucleicAcid", "SubstancePolymer", "SubstanceProtein",
	"SubstanceReferenceInformation", "SubstanceSourceMaterial",
	"SubstanceSpecification", "SupplyDelivery", "SupplyRequest", "Task",
	"TerminologyCapabilities", "TestReport", "TestScript", "ValueSet",
	"VerificationResult", "VisionPrescription",
}

// referenceRegex recognizes literal and canonical FHIR references of the form
// {baseUrl}{ResourceType}/{id}(|version)?. The base URL and the version suffix
// are optional. See https://www.hl7.org/fhir/references.html#literal.
var referenceRegex = regexp.MustCompile(
	`((?:http|https)://(?:[A-Za-z0-9\-\\.:%$]*/)+)?(` +
		strings.Join(resourceTypes, "|") +
		`)/([A-Za-z0-9\-.]{1,64})(?:\|((?:\d+\.)?(?:\d+\.)?(?:\*|\d+)))?`)

// NewResolver builds a Resolver over a static corpus. The input may be a file
// path, raw JSON text, a single resource, a slice of resources, or a Bundle
// (flattened through its entry list).
func NewResolver(input interface{}) (Resolver, error) {
	corpus, err := normalizeCorpus(input)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, reference string) ([]Resource, error) {
		return MatchReference(corpus, reference), nil
	}, nil
}

// normalizeCorpus flattens any accepted corpus input into a resource slice.
func normalizeCorpus(input interface{}) ([]Resource, error) {
	switch t := input.(type) {
	case nil:
		return []Resource{}, nil
	case string:
		var decoded interface{}
		if raw, err := os.ReadFile(t); err == nil {
			if err := json.Unmarshal(raw, &decoded); err != nil {
				return nil, fmt.Errorf("decode corpus file %s: %w", t, err)
			}
		} else if err := json.Unmarshal([]byte(t), &decoded); err != nil {
			return nil, fmt.Errorf("decode corpus JSON: %w", err)
		}
		return normalizeCorpus(decoded)
	case []Resource:
		return t, nil
	case []map[string]interface{}:
		out := make([]Resource, 0, len(t))
		for _, m := range t {
			out = append(out, Resource(m))
		}
		return out, nil
	case []interface{}:
		out := make([]Resource, 0, len(t))
		for _, item := range t {
			if r := AsResource(item); r != nil {
				out = append(out, r)
			}
		}
		return out, nil
	case Resource:
		return splitResource(t), nil
	case map[string]interface{}:
		return splitResource(Resource(t)), nil
	default:
		return nil, fmt.Errorf("unsupported corpus input %T", input)
	}
}

// splitResource turns a single document into a corpus slice, flattening
// Bundles through their entry list.
func splitResource(r Resource) []Resource {
	if r.ResourceType() == "Bundle" {
		entries := r.GetSlice("entry")
		out := make([]Resource, 0, len(entries))
		for _, e := range entries {
			entry := AsResource(e)
			if entry == nil {
				continue
			}
			if res := AsResource(entry["resource"]); res != nil {
				out = append(out, res)
			}
		}
		return out
	}
	if r.ResourceType() != "" {
		return []Resource{r}
	}
	return []Resource{}
}

// MatchReference applies the reference resolution rules over a corpus:
//
//   - Empty reference: the whole corpus.
//   - Literal or canonical reference with a version suffix: exact match on
//     resource type, canonical URL, and version.
//   - Literal or canonical reference without a version: match on id or
//     canonical URL; candidates are ordered by version descending (a missing
//     version counts as 0.0.0) and only the latest is returned.
//   - Anything else: exact canonical-URL equality over the corpus with the
//     same latest-version tie-break.
//
// The result is always non-nil; "no match" is an empty slice.
func MatchReference(corpus []Resource, reference string) []Resource {
	if reference == "" {
		return corpus
	}

	matched := []Resource{}
	groups := referenceRegex.FindStringSubmatch(reference)
	if groups != nil {
		baseURL, resourceType, id, version := groups[1], groups[2], groups[3], groups[4]
		url := baseURL + resourceType + "/" + id

		if version != "" {
			// A version suffix means this is a canonical reference.
			for _, r := range corpus {
				if r.ResourceType() == resourceType && r.URL() == url && r.Version() == version {
					matched = append(matched, r)
				}
			}
			return matched
		}

		var candidates []Resource
		for _, r := range corpus {
			if r.ResourceType() == resourceType && (r.ID() == id || r.URL() == url) {
				candidates = append(candidates, r)
			}
		}
		return latestVersion(candidates)
	}

	// The pattern did not yield a type and id; fall back to exact
	// canonical-URL equality.
	var candidates []Resource
	for _, r := range corpus {
		if r.URL() == reference {
			candidates = append(candidates, r)
		}
	}
	return latestVersion(candidates)
}

// latestVersion returns the single highest-versioned resource, or an empty
// slice when there are no candidates.
func latestVersion(candidates []Resource) []Resource {
	if len(candidates) == 0 {
		return []Resource{}
	}
	sorted := make([]Resource, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return parseVersion(sorted[i].Version()).GreaterThan(parseVersion(sorted[j].Version()))
	})
	return sorted[:1]
}

// parseVersion coerces a FHIR business version into a semantic version,
// defaulting to 0.0.0 for absent or unparseable values.
func parseVersion(v string) *semver.Version {
	if v == "" {
		v = "0.0.0"
	}
	parsed, err := semver.NewVersion(v)
	if err != nil {
		parsed, _ = semver.NewVersion("0.0.0")
	}
	return parsed
}
