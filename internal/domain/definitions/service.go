package definitions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cpgkit/apply/internal/platform/apply"
	"github.com/cpgkit/apply/internal/platform/cache"
	"github.com/cpgkit/apply/internal/platform/fhir"
)

// ErrNotFound is returned when a definition does not exist in the store.
var ErrNotFound = errors.New("definition not found")

// definitionTypes are the knowledge-artifact resource types the store accepts.
// Libraries and questionnaires are stored alongside the definitions so that
// canonical references resolve without leaving the server.
var definitionTypes = map[string]bool{
	"PlanDefinition":     true,
	"ActivityDefinition": true,
	"Library":            true,
	"Questionnaire":      true,
}

var validStatuses = map[string]bool{
	"draft": true, "active": true, "retired": true, "unknown": true,
}

// Options configures the definitions service.
type Options struct {
	// ExecutionCache shares evaluated expression results across requests.
	// Results are scoped by subject and input data before caching.
	ExecutionCache cache.Cache
	// ValidateIncoming enables schema validation of applied definitions.
	ValidateIncoming bool
	Validator        apply.SchemaValidator
	// MaxDepth bounds plan nesting during apply; 0 means the default.
	MaxDepth int
	Logger   zerolog.Logger
}

type Service struct {
	repo Repository
	opts Options
}

func NewService(repo Repository, opts Options) *Service {
	return &Service{repo: repo, opts: opts}
}

func (s *Service) Create(ctx context.Context, resourceType string, resource map[string]interface{}) (*Definition, error) {
	if len(resource) == 0 {
		return nil, fmt.Errorf("resource body is required")
	}
	if rt, _ := resource["resourceType"].(string); rt != resourceType {
		return nil, fmt.Errorf("resourceType must be %s, got %q", resourceType, resource["resourceType"])
	}
	if !definitionTypes[resourceType] {
		return nil, fmt.Errorf("unsupported definition type: %s", resourceType)
	}
	d := FromFHIR(resource)
	if !validStatuses[d.Status] {
		return nil, fmt.Errorf("invalid status: %s", d.Status)
	}
	if err := s.repo.Create(ctx, d); err != nil {
		return nil, err
	}
	s.opts.Logger.Info().
		Str("type", d.ResourceType).
		Str("id", d.FHIRID).
		Msg("definition stored")
	return d, nil
}

func (s *Service) Get(ctx context.Context, resourceType, fhirID string) (*Definition, error) {
	d, err := s.repo.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, ErrNotFound
	}
	return d, nil
}

func (s *Service) Update(ctx context.Context, resourceType, fhirID string, resource map[string]interface{}) (*Definition, error) {
	existing, err := s.repo.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, ErrNotFound
	}
	if rt, _ := resource["resourceType"].(string); rt != resourceType {
		return nil, fmt.Errorf("resourceType must be %s, got %q", resourceType, resource["resourceType"])
	}
	updated := FromFHIR(resource)
	if !validStatuses[updated.Status] {
		return nil, fmt.Errorf("invalid status: %s", updated.Status)
	}
	updated.ID = existing.ID
	updated.FHIRID = existing.FHIRID
	updated.Resource["id"] = existing.FHIRID
	if err := s.repo.Update(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) Delete(ctx context.Context, resourceType, fhirID string) error {
	existing, err := s.repo.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return ErrNotFound
	}
	return s.repo.Delete(ctx, existing.ID)
}

func (s *Service) Search(ctx context.Context, resourceType string, params map[string]string, limit, offset int) ([]*Definition, int, error) {
	if len(params) == 0 {
		return s.repo.List(ctx, resourceType, limit, offset)
	}
	return s.repo.Search(ctx, resourceType, params, limit, offset)
}

// Resolver builds a canonical-reference resolver over the stored artifacts
// plus any request-supplied resources. The corpus is snapshotted once, so a
// single apply call sees a consistent view.
func (s *Service) Resolver(ctx context.Context, extra []fhir.Resource) (fhir.Resolver, error) {
	stored, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("load definition corpus: %w", err)
	}
	corpus := make([]fhir.Resource, 0, len(stored)+len(extra))
	for _, d := range stored {
		corpus = append(corpus, fhir.Resource(d.ToFHIR()))
	}
	corpus = append(corpus, extra...)
	return func(ctx context.Context, reference string) ([]fhir.Resource, error) {
		return fhir.MatchReference(corpus, reference), nil
	}, nil
}

// ApplyRequest carries the inputs of one $apply invocation.
type ApplyRequest struct {
	// Subject is the patient reference the definition is applied to.
	Subject string
	// Data holds request-supplied resources (typically the patient and
	// supporting clinical data) added to the resolution corpus.
	Data []fhir.Resource
	// Parameters holds expression parameter values.
	Parameters map[string]interface{}
	// Merge collapses nested plan expansions into a single RequestGroup.
	Merge bool
}

// Apply runs the $apply operation for a stored definition and returns the
// generated resource graph, CarePlan first.
func (s *Service) Apply(ctx context.Context, resourceType, fhirID string, req ApplyRequest) ([]fhir.Resource, error) {
	d, err := s.repo.GetByFHIRID(ctx, resourceType, fhirID)
	if err != nil {
		return nil, ErrNotFound
	}

	resolver, err := s.Resolver(ctx, req.Data)
	if err != nil {
		return nil, err
	}
	applier := apply.New(resolver, apply.Options{
		ValidateIncoming: s.opts.ValidateIncoming,
		Validator:        s.opts.Validator,
		// Server-minted resources get uuid identifiers instead of the
		// engine's per-invocation counter, so ids stay unique across calls.
		GetID:          uuid.NewString,
		Parameters:     req.Parameters,
		ExecutionCache: s.executionCache(fhirID, req),
		MaxDepth:       s.opts.MaxDepth,
		Logger:         s.opts.Logger,
	})

	definition := fhir.Resource(d.ToFHIR())
	switch resourceType {
	case "PlanDefinition":
		out, err := applier.ApplyPlan(ctx, definition, req.Subject)
		if err != nil {
			return nil, err
		}
		if req.Merge && len(out) >= 2 {
			merged := apply.Merge(out[1], out[2:])
			return append([]fhir.Resource{out[0], merged}, apply.Retained(out[2:])...), nil
		}
		return out, nil
	case "ActivityDefinition":
		target, err := applier.ApplyActivity(ctx, definition, req.Subject)
		if err != nil {
			return nil, err
		}
		return []fhir.Resource{target}, nil
	default:
		return nil, fmt.Errorf("%s does not support $apply", resourceType)
	}
}

// executionCache scopes the shared cache to this invocation's inputs, so
// cached expression results are reused only for identical requests.
func (s *Service) executionCache(fhirID string, req ApplyRequest) cache.Cache {
	if s.opts.ExecutionCache == nil {
		return nil
	}
	h := fnv.New64a()
	h.Write([]byte(fhirID))
	h.Write([]byte(req.Subject))
	if raw, err := json.Marshal(req.Data); err == nil {
		h.Write(raw)
	}
	if raw, err := json.Marshal(req.Parameters); err == nil {
		h.Write(raw)
	}
	return cache.NewScoped(s.opts.ExecutionCache, fmt.Sprintf("%x", h.Sum64()))
}
