package definitions

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, d *Definition) error
	GetByID(ctx context.Context, id uuid.UUID) (*Definition, error)
	GetByFHIRID(ctx context.Context, resourceType, fhirID string) (*Definition, error)
	Update(ctx context.Context, d *Definition) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, resourceType string, limit, offset int) ([]*Definition, int, error)
	Search(ctx context.Context, resourceType string, params map[string]string, limit, offset int) ([]*Definition, int, error)
	// All returns every stored artifact; it backs canonical-reference
	// resolution during apply operations.
	All(ctx context.Context) ([]*Definition, error)
}
