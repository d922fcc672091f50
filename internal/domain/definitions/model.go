package definitions

import (
	"time"

	"github.com/google/uuid"
)

// Definition maps to the definition table: one stored knowledge artifact per
// row, with the full FHIR document in a jsonb column and the searchable
// elements lifted into their own columns.
type Definition struct {
	ID           uuid.UUID              `db:"id" json:"id"`
	FHIRID       string                 `db:"fhir_id" json:"fhir_id"`
	ResourceType string                 `db:"resource_type" json:"resource_type"`
	URL          *string                `db:"url" json:"url,omitempty"`
	Version      *string                `db:"version" json:"version,omitempty"`
	Status       string                 `db:"status" json:"status"`
	Resource     map[string]interface{} `db:"resource" json:"resource"`
	CreatedAt    time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time              `db:"updated_at" json:"updated_at"`
}

// FromFHIR builds a Definition row from an incoming FHIR document, lifting the
// indexed elements out of the resource body.
func FromFHIR(resource map[string]interface{}) *Definition {
	d := &Definition{Resource: resource}
	d.ResourceType, _ = resource["resourceType"].(string)
	d.FHIRID, _ = resource["id"].(string)
	if url, ok := resource["url"].(string); ok && url != "" {
		d.URL = &url
	}
	if version, ok := resource["version"].(string); ok && version != "" {
		d.Version = &version
	}
	d.Status, _ = resource["status"].(string)
	if d.Status == "" {
		d.Status = "draft"
	}
	return d
}

// ToFHIR returns the stored document with the row's identity and metadata
// stamped back in.
func (d *Definition) ToFHIR() map[string]interface{} {
	result := make(map[string]interface{}, len(d.Resource)+2)
	for k, v := range d.Resource {
		result[k] = v
	}
	result["resourceType"] = d.ResourceType
	result["id"] = d.FHIRID
	result["meta"] = map[string]interface{}{
		"lastUpdated": d.UpdatedAt.UTC().Format(time.RFC3339),
	}
	return result
}
