package apply

import (
	"context"
	"sort"
	"strconv"
	"testing"

	"github.com/cpgkit/apply/internal/platform/cql"
	"github.com/cpgkit/apply/internal/platform/fhir"
)

// stubEvaluator returns canned results and records lifecycle calls.
type stubEvaluator struct {
	results cql.Results
	calls   *int
	closed  *bool
}

func (s *stubEvaluator) Evaluate(ctx context.Context, req cql.Request) (cql.Results, error) {
	if s.calls != nil {
		*s.calls++
	}
	return s.results, nil
}

func (s *stubEvaluator) Close() error {
	if s.closed != nil {
		*s.closed = true
	}
	return nil
}

func testPatient() fhir.Resource {
	return fhir.Resource{
		"resourceType": "Patient",
		"id":           "1",
		"name": []interface{}{
			map[string]interface{}{"family": "Chalmers", "given": []interface{}{"Peter"}},
		},
	}
}

func newApplier(t *testing.T, corpus []fhir.Resource, opts Options) *Applier {
	t.Helper()
	resolver, err := fhir.NewResolver(corpus)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return New(resolver, opts)
}

func TestApplyPlanMinimal(t *testing.T) {
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "min",
		"url":          "http://example.org/PlanDefinition/min",
		"status":       "draft",
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{})

	out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected CarePlan and RequestGroup, got %d resources", len(out))
	}

	carePlan, requestGroup := out[0], out[1]
	if carePlan.ResourceType() != "CarePlan" {
		t.Errorf("expected CarePlan first, got %s", carePlan.ResourceType())
	}
	subject := carePlan.GetMap("subject")
	if subject["reference"] != "Patient/1" {
		t.Errorf("expected subject Patient/1, got %v", subject["reference"])
	}
	if subject["display"] != "Peter Chalmers" {
		t.Errorf("expected subject display from patient name, got %v", subject["display"])
	}
	if carePlan["status"] != "draft" || carePlan["intent"] != "proposal" {
		t.Errorf("unexpected status/intent: %v/%v", carePlan["status"], carePlan["intent"])
	}
	if carePlan["instantiatesCanonical"] != plan.URL() {
		t.Errorf("CarePlan must instantiate the plan's canonical URL")
	}

	activity := carePlan.GetSlice("activity")
	if len(activity) != 1 {
		t.Fatalf("expected one activity link, got %d", len(activity))
	}
	link := activity[0].(map[string]interface{})["reference"].(map[string]interface{})
	if link["reference"] != "RequestGroup/"+requestGroup.ID() {
		t.Errorf("activity must reference the paired RequestGroup, got %v", link["reference"])
	}

	if requestGroup.ResourceType() != "RequestGroup" {
		t.Errorf("expected RequestGroup second, got %s", requestGroup.ResourceType())
	}
	if requestGroup["status"] != "draft" || requestGroup["intent"] != "proposal" {
		t.Errorf("RequestGroup must mirror status/intent")
	}
	if _, present := requestGroup["action"]; present {
		t.Error("an action-less plan must not produce an action element")
	}
}

func TestApplyPlanServiceRequestScenario(t *testing.T) {
	code := map[string]interface{}{
		"coding": []interface{}{map[string]interface{}{"system": "http://loinc.org", "code": "8302-2"}},
		"text":   "X",
	}
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "ServiceRequest",
		"code":         code,
	}
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"status":       "draft",
		"action": []interface{}{
			map[string]interface{}{
				"id":                  "order-height",
				"definitionCanonical": "http://example.org/ActivityDefinition/ad1",
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), activityDef}, Options{})

	out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}

	var serviceRequests []fhir.Resource
	for _, r := range out {
		if r.ResourceType() == "ServiceRequest" {
			serviceRequests = append(serviceRequests, r)
		}
	}
	if len(serviceRequests) != 1 {
		t.Fatalf("expected exactly one ServiceRequest, got %d", len(serviceRequests))
	}
	sr := serviceRequests[0]
	if sr["status"] != "option" {
		t.Errorf("nested target resource must have status option, got %v", sr["status"])
	}
	basedOn := sr.GetSlice("basedOn")
	if len(basedOn) != 1 || basedOn[0].(map[string]interface{})["reference"] != activityDef.URL() {
		t.Errorf("expected basedOn pointing at the activity's canonical URL, got %v", basedOn)
	}
	if got := sr.GetMap("code"); got["text"] != "X" {
		t.Errorf("code must be copied verbatim, got %v", got)
	}

	requestGroup := out[1]
	actions := requestGroup.GetSlice("action")
	if len(actions) != 1 {
		t.Fatalf("expected one applied action, got %d", len(actions))
	}
	applied := fhir.AsResource(actions[0])
	if applied.GetString("id") != "order-height" {
		t.Errorf("applied action keeps the source action id, got %v", applied["id"])
	}
	resource := applied.GetMap("resource")
	if resource["reference"] != sr.Ref() {
		t.Errorf("applied action must link the generated resource, got %v", resource["reference"])
	}
}

func TestTitleOverridePrecedence(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "ServiceRequest",
		"title":        "Definition title",
		"description":  "Definition description",
	}
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"action": []interface{}{
			map[string]interface{}{
				"id":                  "a1",
				"title":               "Action title",
				"definitionCanonical": "ActivityDefinition/ad1",
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), activityDef}, Options{})

	out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	applied := fhir.AsResource(out[1].GetSlice("action")[0])
	if applied["title"] != "Action title" {
		t.Errorf("action title must win over definition title, got %v", applied["title"])
	}
	if applied["description"] != "Definition description" {
		t.Errorf("definition description must fill the gap, got %v", applied["description"])
	}
}

func TestConditionAndSemantics(t *testing.T) {
	cases := []struct {
		name       string
		conditions []string
		applied    bool
	}{
		{"both true", []string{"True", "AlsoTrue"}, true},
		{"second false", []string{"True", "False"}, false},
		{"first false", []string{"False", "True"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conditions := make([]interface{}, 0, len(tc.conditions))
			for _, expr := range tc.conditions {
				conditions = append(conditions, map[string]interface{}{
					"kind": "applicability",
					"expression": map[string]interface{}{
						"language":   "text/cql",
						"expression": expr,
					},
				})
			}
			activityDef := fhir.Resource{
				"resourceType": "ActivityDefinition",
				"id":           "ad1",
				"url":          "http://example.org/ActivityDefinition/ad1",
				"kind":         "ServiceRequest",
			}
			plan := fhir.Resource{
				"resourceType": "PlanDefinition",
				"id":           "p1",
				"url":          "http://example.org/PlanDefinition/p1",
				"library":      []interface{}{"http://example.org/Library/L"},
				"action": []interface{}{
					map[string]interface{}{
						"id":                  "a1",
						"condition":           conditions,
						"definitionCanonical": "ActivityDefinition/ad1",
					},
				},
			}
			a := newApplier(t, []fhir.Resource{testPatient(), activityDef}, Options{
				ElmDependencies: map[string]map[string]interface{}{
					"Library/L": {"library": map[string]interface{}{}},
				},
				NewEvaluator: func() cql.Evaluator {
					return &stubEvaluator{results: cql.Results{
						"True": true, "AlsoTrue": true, "False": false,
					}}
				},
			})

			out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
			if err != nil {
				t.Fatalf("ApplyPlan: %v", err)
			}
			requestGroup := out[1]
			actions := requestGroup.GetSlice("action")
			if tc.applied {
				if len(actions) != 1 {
					t.Fatalf("expected action to be applied, got %d actions", len(actions))
				}
				if len(out) != 3 {
					t.Errorf("expected a generated ServiceRequest, got %d resources", len(out))
				}
			} else {
				if len(actions) != 0 {
					t.Fatalf("expected action to be dropped, got %d actions", len(actions))
				}
				if len(out) != 2 {
					t.Errorf("a dropped action must not generate resources, got %d", len(out))
				}
			}
		})
	}
}

func TestUnsupportedConditionLanguage(t *testing.T) {
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"library":      []interface{}{"http://example.org/Library/L"},
		"action": []interface{}{
			map[string]interface{}{
				"condition": []interface{}{
					map[string]interface{}{
						"kind": "applicability",
						"expression": map[string]interface{}{
							"language":   "text/fhirpath",
							"expression": "true",
						},
					},
				},
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{
		ElmDependencies: map[string]map[string]interface{}{
			"Library/L": {"library": map[string]interface{}{}},
		},
		NewEvaluator: func() cql.Evaluator { return &stubEvaluator{results: cql.Results{}} },
	})

	_, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err == nil {
		t.Fatal("expected error")
	}
	applyErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("expected *Error, got %T", err)
	}
	if applyErr.Kind != KindUnsupportedExpressionLanguage {
		t.Errorf("unexpected kind %s", applyErr.Kind)
	}
	if applyErr.Message != "Action condition specifies an unsupported expression language" {
		t.Errorf("unexpected message %q", applyErr.Message)
	}
}

func TestConditionWithoutLibraryFails(t *testing.T) {
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"action": []interface{}{
			map[string]interface{}{
				"condition": []interface{}{
					map[string]interface{}{
						"kind": "applicability",
						"expression": map[string]interface{}{
							"language":   "text/cql",
							"expression": "InPopulation",
						},
					},
				},
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{})

	_, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err == nil {
		t.Fatal("expected error for condition without a library")
	}
	if applyErr, ok := err.(*Error); !ok || applyErr.Kind != KindMissingLibraryReference {
		t.Errorf("expected missing-library-reference, got %v", err)
	}
}

func TestIdentifierMintingDepthFirst(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "ServiceRequest",
	}
	inner := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "inner",
		"url":          "http://example.org/PlanDefinition/inner",
		"action": []interface{}{
			map[string]interface{}{"id": "i1", "definitionCanonical": "ActivityDefinition/ad1"},
		},
	}
	outer := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "outer",
		"url":          "http://example.org/PlanDefinition/outer",
		"action": []interface{}{
			map[string]interface{}{"id": "o1", "definitionCanonical": "http://example.org/PlanDefinition/inner"},
			map[string]interface{}{"id": "o2", "definitionCanonical": "ActivityDefinition/ad1"},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), inner, activityDef}, Options{})

	out, err := a.ApplyPlan(context.Background(), outer, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}

	ids := make([]int, 0, len(out))
	seen := map[string]bool{}
	for _, r := range out {
		if seen[r.ID()] {
			t.Fatalf("duplicate identifier %s", r.ID())
		}
		seen[r.ID()] = true
		n, err := strconv.Atoi(r.ID())
		if err != nil {
			t.Fatalf("non-numeric identifier %s", r.ID())
		}
		ids = append(ids, n)
	}
	if !sort.IntsAreSorted(ids) {
		t.Errorf("identifiers must be minted in depth-first source order, got %v", ids)
	}
}

func TestCustomIDGenerator(t *testing.T) {
	n := 100
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{
		GetID: func() string {
			n++
			return "gen-" + strconv.Itoa(n)
		},
	})

	out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if out[0].ID() != "gen-101" || out[1].ID() != "gen-102" {
		t.Errorf("expected caller-supplied identifiers, got %s, %s", out[0].ID(), out[1].ID())
	}
}

func TestCyclicPlanReference(t *testing.T) {
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "loop",
		"url":          "http://example.org/PlanDefinition/loop",
		"action": []interface{}{
			map[string]interface{}{"definitionCanonical": "http://example.org/PlanDefinition/loop"},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), plan}, Options{})

	_, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err == nil {
		t.Fatal("expected cycle to be detected")
	}
	if applyErr, ok := err.(*Error); !ok || applyErr.Kind != KindCyclicPlanReference {
		t.Errorf("expected cyclic-plan-reference, got %v", err)
	}
}

func TestGroupActionRecursion(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "ServiceRequest",
	}
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"action": []interface{}{
			map[string]interface{}{
				"id":    "group",
				"title": "Grouped orders",
				"action": []interface{}{
					map[string]interface{}{"id": "leaf", "definitionCanonical": "ActivityDefinition/ad1"},
				},
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), activityDef}, Options{})

	out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	actions := out[1].GetSlice("action")
	if len(actions) != 1 {
		t.Fatalf("expected one group action, got %d", len(actions))
	}
	group := fhir.AsResource(actions[0])
	nested := group.GetSlice("action")
	if len(nested) != 1 {
		t.Fatalf("expected the group to carry its child action, got %d", len(nested))
	}
	child := fhir.AsResource(nested[0])
	if child.GetMap("resource") == nil {
		t.Error("child action must link its generated resource")
	}
	if len(out) != 3 {
		t.Errorf("group expansion must bubble generated resources up, got %d", len(out))
	}
}

func TestDynamicValuesIgnoredWithoutDefinition(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "ServiceRequest",
	}
	// The group and leaf actions carry dynamic values in a language the
	// engine does not evaluate. They target no generated resource, so the
	// plan must still apply.
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"action": []interface{}{
			map[string]interface{}{
				"id": "group",
				"dynamicValue": []interface{}{
					map[string]interface{}{
						"path": "priority",
						"expression": map[string]interface{}{
							"language":   "text/fhirpath",
							"expression": "'routine'",
						},
					},
				},
				"action": []interface{}{
					map[string]interface{}{"id": "leaf", "definitionCanonical": "ActivityDefinition/ad1"},
					map[string]interface{}{
						"id": "note",
						"dynamicValue": []interface{}{
							map[string]interface{}{
								"path": "status",
								"expression": map[string]interface{}{
									"language":   "text/fhirpath",
									"expression": "'draft'",
								},
							},
						},
					},
				},
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), activityDef}, Options{})

	out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	actions := out[1].GetSlice("action")
	if len(actions) != 1 {
		t.Fatalf("expected the group action applied, got %d", len(actions))
	}
	group := fhir.AsResource(actions[0])
	if nested := group.GetSlice("action"); len(nested) != 2 {
		t.Fatalf("expected both child actions applied, got %d", len(nested))
	}
	if len(out) != 3 {
		t.Errorf("expected CarePlan, RequestGroup and ServiceRequest, got %d", len(out))
	}
}

func TestQuestionnaireActionLinksForm(t *testing.T) {
	questionnaire := fhir.Resource{
		"resourceType": "Questionnaire",
		"id":           "q1",
		"url":          "http://example.org/Questionnaire/q1",
		"title":        "Intake survey",
	}
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"action": []interface{}{
			map[string]interface{}{"id": "fill", "definitionCanonical": "Questionnaire/q1"},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), questionnaire}, Options{})

	out, err := a.ApplyPlan(context.Background(), plan, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	applied := fhir.AsResource(out[1].GetSlice("action")[0])
	if applied.GetMap("resource")["reference"] != "Questionnaire/q1" {
		t.Errorf("action must link the questionnaire, got %v", applied["resource"])
	}
	if applied["title"] != "Intake survey" {
		t.Errorf("questionnaire title must fill the gap, got %v", applied["title"])
	}
	last := out[len(out)-1]
	if last.ResourceType() != "Questionnaire" || last["title"] != "Intake survey" {
		t.Error("the questionnaire must be carried along unmodified")
	}
}

func TestExecutionCacheSharedAcrossNestedPlans(t *testing.T) {
	calls := 0
	inner := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "inner",
		"url":          "http://example.org/PlanDefinition/inner",
		"library":      []interface{}{"http://example.org/Library/L"},
	}
	outer := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "outer",
		"url":          "http://example.org/PlanDefinition/outer",
		"library":      []interface{}{"http://example.org/Library/L"},
		"action": []interface{}{
			map[string]interface{}{"definitionCanonical": "http://example.org/PlanDefinition/inner"},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient(), inner}, Options{
		ElmDependencies: map[string]map[string]interface{}{
			"Library/L": {"library": map[string]interface{}{}},
		},
		NewEvaluator: func() cql.Evaluator {
			return &stubEvaluator{results: cql.Results{}, calls: &calls}
		},
	})

	if _, err := a.ApplyPlan(context.Background(), outer, "Patient/1"); err != nil {
		t.Fatalf("ApplyPlan: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected a single library execution via the cache, got %d", calls)
	}
}

func TestApplyActivityDirect(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "MedicationRequest",
		"intent":       "order",
		"priority":     "routine",
		"productCodeableConcept": map[string]interface{}{
			"text": "Aspirin 81mg",
		},
		"dosage": []interface{}{
			map[string]interface{}{"text": "once daily"},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{})

	target, err := a.ApplyActivity(context.Background(), activityDef, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyActivity: %v", err)
	}
	if target.ResourceType() != "MedicationRequest" {
		t.Fatalf("expected MedicationRequest, got %s", target.ResourceType())
	}
	if target["status"] != "draft" {
		t.Errorf("top-level activity application must be draft, got %v", target["status"])
	}
	if target.GetMap("medicationCodeableConcept")["text"] != "Aspirin 81mg" {
		t.Errorf("product must map to medicationCodeableConcept, got %v", target["medicationCodeableConcept"])
	}
	if len(target.GetSlice("dosageInstruction")) != 1 {
		t.Errorf("dosage must map to dosageInstruction, got %v", target["dosageInstruction"])
	}
	if target["intent"] != "order" || target["priority"] != "routine" {
		t.Errorf("intent/priority must be copied, got %v/%v", target["intent"], target["priority"])
	}
	if target.GetMap("subject")["reference"] != "Patient/1" {
		t.Errorf("subject must reference the patient, got %v", target["subject"])
	}
}

func TestApplyActivityInvalidKind(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "Observation",
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{})

	_, err := a.ApplyActivity(context.Background(), activityDef, "Patient/1")
	if err == nil {
		t.Fatal("expected error for non-request kind")
	}
	applyErr, ok := err.(*Error)
	if !ok || applyErr.Kind != KindInvalidActivityKind {
		t.Fatalf("expected invalid-activity-kind, got %v", err)
	}
	want := "ActivityDefinition.kind must be one of the following resources: Appointment, AppointmentResponse, CarePlan, Claim, CommunicationRequest, Contract, DeviceRequest, EnrollmentRequest, ImmunizationRecommendation, MedicationRequest, NutritionOrder, ServiceRequest, SupplyRequest, Task, VisionPrescription"
	if applyErr.Message != want {
		t.Errorf("message must enumerate all valid kinds, got %q", applyErr.Message)
	}
}

func TestApplyActivityTaskMapping(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "Task",
		"intent":       "order",
		"code":         map[string]interface{}{"text": "Collect history"},
		"extension": []interface{}{
			map[string]interface{}{
				"url":            collectWithExtensionURL,
				"valueCanonical": "http://example.org/Questionnaire/q1",
			},
		},
		"relatedArtifact": []interface{}{
			map[string]interface{}{"type": "documentation", "url": "http://example.org/doc.pdf"},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{})

	target, err := a.ApplyActivity(context.Background(), activityDef, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyActivity: %v", err)
	}
	if target.GetMap("for")["reference"] != "Patient/1" {
		t.Errorf("Task subject goes in the for element, got %v", target["for"])
	}
	input := target.GetSlice("input")
	if len(input) != 2 {
		t.Fatalf("expected collect-with and attachment inputs, got %d", len(input))
	}
	first := input[0].(map[string]interface{})
	if first["valueCanonical"] != "http://example.org/Questionnaire/q1" {
		t.Errorf("collect-with input must come first, got %v", first)
	}
	second := input[1].(map[string]interface{})
	attachment := second["valueAttachment"].(map[string]interface{})
	if attachment["url"] != "http://example.org/doc.pdf" {
		t.Errorf("related artifact must map to an attachment input, got %v", second)
	}
}

func TestApplyActivityCommunicationRequestPayload(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "CommunicationRequest",
		"code":         map[string]interface{}{"text": "Call the patient"},
		"relatedArtifact": []interface{}{
			map[string]interface{}{"url": "http://example.org/leaflet.pdf"},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{})

	target, err := a.ApplyActivity(context.Background(), activityDef, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyActivity: %v", err)
	}
	payload := target.GetSlice("payload")
	if len(payload) != 2 {
		t.Fatalf("expected text and attachment payloads, got %d", len(payload))
	}
	if payload[0].(map[string]interface{})["contentString"] != "Call the patient" {
		t.Errorf("first payload must carry the code text, got %v", payload[0])
	}
}

func TestApplyActivityDynamicValuesWithoutLibraryFails(t *testing.T) {
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "ServiceRequest",
		"dynamicValue": []interface{}{
			map[string]interface{}{
				"path": "priority",
				"expression": map[string]interface{}{
					"language":   "text/cql",
					"expression": "Priority",
				},
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{})

	_, err := a.ApplyActivity(context.Background(), activityDef, "Patient/1")
	if err == nil {
		t.Fatal("expected error for dynamic values without a library")
	}
	if applyErr, ok := err.(*Error); !ok || applyErr.Kind != KindMissingLibraryReference {
		t.Errorf("expected missing-library-reference, got %v", err)
	}
}

func TestApplyActivityDynamicValueRoundTrip(t *testing.T) {
	structured := map[string]interface{}{"coding": []interface{}{map[string]interface{}{"code": "x"}}}
	activityDef := fhir.Resource{
		"resourceType": "ActivityDefinition",
		"id":           "ad1",
		"url":          "http://example.org/ActivityDefinition/ad1",
		"kind":         "ServiceRequest",
		"library":      []interface{}{"http://example.org/Library/L"},
		"dynamicValue": []interface{}{
			map[string]interface{}{
				"path": "code.ofType(string)",
				"expression": map[string]interface{}{
					"language":   "text/cql",
					"expression": "StructuredCode",
				},
			},
			map[string]interface{}{
				"path": "priority",
				"expression": map[string]interface{}{
					"language":   "text/cql",
					"expression": "Priority",
				},
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{
		ElmDependencies: map[string]map[string]interface{}{
			"Library/L": {"library": map[string]interface{}{}},
		},
		NewEvaluator: func() cql.Evaluator {
			return &stubEvaluator{results: cql.Results{
				"StructuredCode": structured,
				"Priority":       "urgent",
			}}
		},
	})

	target, err := a.ApplyActivity(context.Background(), activityDef, "Patient/1")
	if err != nil {
		t.Fatalf("ApplyActivity: %v", err)
	}
	code, ok := target["code"].(string)
	if !ok {
		t.Fatalf("structured value at a string-typed path must be serialized, got %T", target["code"])
	}
	if code != `{"coding":[{"code":"x"}]}` {
		t.Errorf("unexpected serialized value %q", code)
	}
	if target["priority"] != "urgent" {
		t.Errorf("plain string values are assigned raw, got %v", target["priority"])
	}
}

func TestSessionClosedOnFailure(t *testing.T) {
	closed := false
	plan := fhir.Resource{
		"resourceType": "PlanDefinition",
		"id":           "p1",
		"url":          "http://example.org/PlanDefinition/p1",
		"library":      []interface{}{"http://example.org/Library/L"},
		"action": []interface{}{
			map[string]interface{}{
				"condition": []interface{}{
					map[string]interface{}{
						"expression": map[string]interface{}{
							"language":   "text/plain",
							"expression": "whatever",
						},
					},
				},
			},
		},
	}
	a := newApplier(t, []fhir.Resource{testPatient()}, Options{
		ElmDependencies: map[string]map[string]interface{}{
			"Library/L": {"library": map[string]interface{}{}},
		},
		NewEvaluator: func() cql.Evaluator {
			return &stubEvaluator{results: cql.Results{}, closed: &closed}
		},
	})

	if _, err := a.ApplyPlan(context.Background(), plan, "Patient/1"); err == nil {
		t.Fatal("expected error")
	}
	if !closed {
		t.Error("evaluation session must be torn down on every exit path")
	}
}
