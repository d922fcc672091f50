package fhir

import (
	"time"
)

// Bundle is a FHIR Bundle document.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string        `json:"fullUrl,omitempty"`
	Resource interface{}   `json:"resource,omitempty"`
	Search   *BundleSearch `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

// NewSearchBundle creates a searchset Bundle from a list of resources.
func NewSearchBundle(resources []interface{}, total int, baseURL string) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{
			FullURL:  fullURL(r, baseURL),
			Resource: r,
			Search:   &BundleSearch{Mode: "match"},
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: baseURL}},
		Entry:        entries,
	}
}

// NewCollectionBundle creates a collection Bundle, used for operation results
// that return a resource graph rather than search matches.
func NewCollectionBundle(resources []Resource) *Bundle {
	now := time.Now().UTC()
	entries := make([]BundleEntry, len(resources))
	for i, r := range resources {
		entries[i] = BundleEntry{Resource: map[string]interface{}(r)}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "collection",
		Timestamp:    &now,
		Entry:        entries,
	}
}

func fullURL(r interface{}, baseURL string) string {
	res := AsResource(r)
	if res == nil || res.ID() == "" {
		return ""
	}
	return baseURL + "/" + res.ID()
}

// OperationOutcome is the FHIR error document returned on failures.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{Severity: severity, Code: code, Diagnostics: diagnostics},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}
