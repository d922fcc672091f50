// Package apply implements the $apply operation for PlanDefinition and
// ActivityDefinition resources: expanding a definition's action tree against
// a patient into a CarePlan, a RequestGroup, and the request resources the
// plan calls for.
package apply

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/cpgkit/apply/internal/platform/cache"
	"github.com/cpgkit/apply/internal/platform/cql"
	"github.com/cpgkit/apply/internal/platform/fhir"
)

const defaultMaxDepth = 32

// SchemaValidator checks a resource's structural validity. An empty result
// means the resource is valid.
type SchemaValidator interface {
	Validate(resource map[string]interface{}) []string
}

// Options configures an Applier. The zero value is usable: identifiers come
// from an internal counter, expression evaluation uses the built-in ELM
// interpreter, and execution results are cached in memory per invocation.
type Options struct {
	// ValidateIncoming runs the schema validator on incoming definitions
	// instead of the canonical-URL shortcut check.
	ValidateIncoming bool
	// Validator performs schema validation when ValidateIncoming is set.
	Validator SchemaValidator
	// GetID overrides identifier minting for generated resources.
	GetID func() string
	// ElmDependencies holds pre-supplied ELM JSON payloads keyed by library
	// name or URL fragment, bypassing resolver lookups.
	ElmDependencies map[string]map[string]interface{}
	// ValueSets is the terminology payload handed to the evaluator.
	ValueSets map[string]interface{}
	// Parameters holds CQL parameter values.
	Parameters map[string]interface{}
	// ExecutionCache shares evaluated library results across nested plan
	// applications. Defaults to a per-invocation in-memory cache.
	ExecutionCache cache.Cache
	// NewEvaluator constructs the expression evaluator for one session.
	NewEvaluator func() cql.Evaluator
	// MaxDepth bounds plan nesting; 0 means the default of 32.
	MaxDepth int
	// Logger receives debug events. Defaults to a disabled logger.
	Logger zerolog.Logger
}

// Applier applies definitions resolved through a fixed resolver.
type Applier struct {
	resolver fhir.Resolver
	opts     Options
}

// New creates an Applier over the given resolver.
func New(resolver fhir.Resolver, opts Options) *Applier {
	if opts.NewEvaluator == nil {
		opts.NewEvaluator = cql.NewEvaluator
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = defaultMaxDepth
	}
	return &Applier{resolver: resolver, opts: opts}
}

// run carries the per-invocation state: the identifier counter, the recursion
// stack of plan canonical URLs, and the execution cache.
type run struct {
	counter int
	getID   func() string
	stack   []string
	cache   cache.Cache
}

func (a *Applier) newRun() *run {
	r := &run{getID: a.opts.GetID, cache: a.opts.ExecutionCache}
	if r.cache == nil {
		r.cache = cache.NewMemory()
	}
	return r
}

// nextID mints the next resource identifier. The default strategy is a
// counter starting at 1, so generated identifiers form a strictly increasing
// sequence in depth-first source order.
func (r *run) nextID() string {
	if r.getID != nil {
		return r.getID()
	}
	r.counter++
	return strconv.Itoa(r.counter)
}

// enterPlan pushes a plan's canonical URL onto the recursion stack, failing
// on a cycle or on excessive nesting.
func (r *run) enterPlan(url string, maxDepth int) error {
	for _, seen := range r.stack {
		if seen == url {
			return errCyclicPlanReference(url)
		}
	}
	if len(r.stack) >= maxDepth {
		return errMaxDepthExceeded()
	}
	r.stack = append(r.stack, url)
	return nil
}

func (r *run) leavePlan() {
	r.stack = r.stack[:len(r.stack)-1]
}

// ApplyPlan applies a PlanDefinition to the referenced patient. It returns
// the generated CarePlan, the RequestGroup holding the applied actions, and
// every resource generated while processing the plan's action tree, in
// minting order.
func (a *Applier) ApplyPlan(ctx context.Context, definition fhir.Resource, patientReference string) ([]fhir.Resource, error) {
	return a.applyPlan(ctx, a.newRun(), definition, patientReference)
}

func (a *Applier) applyPlan(ctx context.Context, r *run, definition fhir.Resource, patientReference string) ([]fhir.Resource, error) {
	patient, err := a.guard(ctx, definition, patientReference)
	if err != nil {
		return nil, err
	}
	if err := r.enterPlan(definition.URL(), a.opts.MaxDepth); err != nil {
		return nil, err
	}
	defer r.leavePlan()

	status := definition.GetString("status")
	if status == "" {
		status = "draft"
	}
	subject := map[string]interface{}{
		"reference": "Patient/" + patient.ID(),
	}
	if display := fhir.HumanName(patient["name"]); display != "" {
		subject["display"] = display
	}

	carePlan := fhir.Resource{
		"resourceType":          "CarePlan",
		"id":                    r.nextID(),
		"subject":               subject,
		"instantiatesCanonical": definition.URL(),
		"intent":                "proposal",
		"status":                status,
	}
	requestGroup := carePlan.Clone()
	requestGroup["resourceType"] = "RequestGroup"
	requestGroup["id"] = r.nextID()

	carePlan["activity"] = []interface{}{
		map[string]interface{}{
			"reference": map[string]interface{}{
				"reference": "RequestGroup/" + requestGroup.ID(),
			},
		},
	}

	sess, err := a.openSession(ctx, r, definition)
	if err != nil {
		return nil, err
	}
	defer sess.close()

	resources := []fhir.Resource{carePlan, requestGroup}
	if actions := definition.GetSlice("action"); len(actions) > 0 {
		exp, err := a.expandActions(ctx, r, actions, patientReference, sess)
		if err != nil {
			return nil, err
		}
		if len(exp.actions) > 0 {
			applied := make([]interface{}, 0, len(exp.actions))
			for _, act := range exp.actions {
				applied = append(applied, map[string]interface{}(act))
			}
			requestGroup["action"] = applied
		}
		resources = append(resources, exp.resources...)
	}

	a.opts.Logger.Debug().
		Str("plan", definition.URL()).
		Int("resources", len(resources)).
		Msg("plan applied")

	return resources, nil
}

// ApplyActivity applies an ActivityDefinition to the referenced patient and
// returns the single generated request resource.
func (a *Applier) ApplyActivity(ctx context.Context, definition fhir.Resource, patientReference string) (fhir.Resource, error) {
	return a.applyActivity(ctx, a.newRun(), definition, patientReference)
}

func (a *Applier) applyActivity(ctx context.Context, r *run, definition fhir.Resource, patientReference string) (fhir.Resource, error) {
	patient, err := a.guard(ctx, definition, patientReference)
	if err != nil {
		return nil, err
	}

	kind := definition.GetString("kind")
	if !isRequestResourceType(kind) {
		return nil, errInvalidActivityKind()
	}

	subject := map[string]interface{}{
		"reference": "Patient/" + patient.ID(),
	}
	if display := fhir.HumanName(patient["name"]); display != "" {
		subject["display"] = display
	}

	target := fhir.Resource{
		"resourceType": kind,
		"id":           r.nextID(),
		"status":       "draft",
	}
	if definition.URL() != "" {
		target["basedOn"] = []interface{}{
			map[string]interface{}{"reference": definition.URL()},
		}
	}
	populateTarget(target, definition, subject)
	target = fhir.PruneNull(target).(fhir.Resource)

	if dynamicValues := definition.GetSlice("dynamicValue"); len(dynamicValues) > 0 {
		sess, err := a.openSession(ctx, r, definition)
		if err != nil {
			return nil, err
		}
		defer sess.close()
		if !sess.ready() {
			return nil, errMissingLibraryReference()
		}
		values, err := evaluateDynamicValues(dynamicValues, sess)
		if err != nil {
			return nil, err
		}
		applyDynamicValues(target, values)
	}

	a.opts.Logger.Debug().
		Str("activity", definition.URL()).
		Str("kind", kind).
		Msg("activity applied")

	return target, nil
}

// populateTarget copies the per-kind structural elements of the definition
// onto the target resource.
func populateTarget(target fhir.Resource, definition fhir.Resource, subject map[string]interface{}) {
	switch target.ResourceType() {
	case "ServiceRequest":
		target["subject"] = subject
		target["intent"] = orNil(definition, "intent")
		target["code"] = orNil(definition, "code")
		target["bodySite"] = orNil(definition, "bodySite")

	case "MedicationRequest":
		target["subject"] = subject
		target["intent"] = orNil(definition, "intent")
		target["priority"] = orNil(definition, "priority")
		target["dosageInstruction"] = orNil(definition, "dosage")
		if product := definition["productCodeableConcept"]; product != nil {
			target["medicationCodeableConcept"] = product
		} else if product := definition["productReference"]; product != nil {
			target["medicationReference"] = product
		}

	case "SupplyRequest":
		target["quantity"] = orNil(definition, "quantity")
		target["itemCodeableConcept"] = orNil(definition, "code")

	case "CommunicationRequest":
		target["subject"] = subject
		if payload := communicationPayload(definition); len(payload) > 0 {
			target["payload"] = payload
		}

	case "Task":
		target["for"] = subject
		target["intent"] = orNil(definition, "intent")
		target["code"] = orNil(definition, "code")
		if input := taskInput(definition); len(input) > 0 {
			target["input"] = input
		}

	default:
		target["subject"] = subject
		target["code"] = orNil(definition, "code")
		target["timing"] = orNil(definition, "timing")
		target["doNotPerform"] = orNil(definition, "doNotPerform")
	}
}

// communicationPayload builds CommunicationRequest.payload: a text payload
// from the definition's code.text plus one attachment payload per related
// artifact carrying a URL.
func communicationPayload(definition fhir.Resource) []interface{} {
	var payload []interface{}
	if code := definition.GetMap("code"); code != nil {
		if text, _ := code["text"].(string); text != "" {
			payload = append(payload, map[string]interface{}{"contentString": text})
		}
	}
	for _, ra := range definition.GetSlice("relatedArtifact") {
		artifact, ok := ra.(map[string]interface{})
		if !ok {
			continue
		}
		url, _ := artifact["url"].(string)
		if url == "" {
			continue
		}
		payload = append(payload, map[string]interface{}{
			"contentAttachment": map[string]interface{}{"url": url},
		})
	}
	return payload
}

// collectWithExtensionURL marks a Task input that points at the data-collection
// instrument to use.
const collectWithExtensionURL = "http://hl7.org/fhir/uv/sdc/StructureDefinition/sdc-questionnaire-collect-with"

// taskInput builds Task.input: an optional leading canonical entry from the
// collect-with extension, then one attachment entry per related artifact
// carrying a URL.
func taskInput(definition fhir.Resource) []interface{} {
	var input []interface{}
	for _, ext := range definition.GetSlice("extension") {
		extension, ok := ext.(map[string]interface{})
		if !ok {
			continue
		}
		if url, _ := extension["url"].(string); url != collectWithExtensionURL {
			continue
		}
		if canonical, _ := extension["valueCanonical"].(string); canonical != "" {
			input = append(input, map[string]interface{}{
				"type":           map[string]interface{}{"text": "collect-with"},
				"valueCanonical": canonical,
			})
		}
	}
	for _, ra := range definition.GetSlice("relatedArtifact") {
		artifact, ok := ra.(map[string]interface{})
		if !ok {
			continue
		}
		url, _ := artifact["url"].(string)
		if url == "" {
			continue
		}
		input = append(input, map[string]interface{}{
			"type":            map[string]interface{}{"text": "attachment"},
			"valueAttachment": map[string]interface{}{"url": url},
		})
	}
	return input
}

func orNil(r fhir.Resource, key string) interface{} {
	return r[key]
}

func isRequestResourceType(kind string) bool {
	for _, t := range requestResourceTypes {
		if t == kind {
			return true
		}
	}
	return false
}
