package apply

import (
	"context"
	"fmt"

	"github.com/cpgkit/apply/internal/platform/fhir"
)

// guard validates the inputs to an apply call and resolves the patient. The
// check order is part of the contract: definition kind, then subject
// reference, then resolver presence, then schema validation or the
// canonical-URL shortcut, and finally subject resolution.
func (a *Applier) guard(ctx context.Context, definition fhir.Resource, patientReference string) (fhir.Resource, error) {
	if !isAppliableResourceType(definition.ResourceType()) {
		return nil, errInvalidDefinitionKind()
	}
	if patientReference == "" {
		return nil, errMissingSubjectReference()
	}
	if a.resolver == nil {
		return nil, errMissingResolver()
	}

	if a.opts.ValidateIncoming {
		// Schema validation subsumes the canonical-URL check. Asking for it
		// without supplying a validator is a configuration error, not a
		// silent fallback.
		if a.opts.Validator == nil {
			return nil, errMissingValidator()
		}
		if violations := a.opts.Validator.Validate(definition); len(violations) > 0 {
			return nil, errSchemaValidationFailed(violations)
		}
	} else if definition.URL() == "" {
		return nil, errMissingCanonicalURL()
	}

	matches, err := a.resolver(ctx, patientReference)
	if err != nil {
		return nil, fmt.Errorf("resolve patient reference: %w", err)
	}
	if len(matches) == 0 || matches[0] == nil {
		return nil, errUnresolvableSubject()
	}
	return matches[0], nil
}

func isAppliableResourceType(resourceType string) bool {
	for _, t := range appliableResourceTypes {
		if t == resourceType {
			return true
		}
	}
	return false
}
