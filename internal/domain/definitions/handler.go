package definitions

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cpgkit/apply/internal/platform/apply"
	"github.com/cpgkit/apply/internal/platform/auth"
	"github.com/cpgkit/apply/internal/platform/fhir"
	"github.com/cpgkit/apply/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	role := auth.RequireRole("admin", "physician", "nurse")
	g := fhirGroup.Group("", role)

	for _, rt := range []string{"PlanDefinition", "ActivityDefinition", "Library", "Questionnaire"} {
		rt := rt
		g.GET("/"+rt, h.search(rt))
		g.POST("/"+rt, h.create(rt))
		g.GET("/"+rt+"/:id", h.get(rt))
		g.PUT("/"+rt+"/:id", h.update(rt))
		g.DELETE("/"+rt+"/:id", h.delete(rt))
	}

	for _, rt := range []string{"PlanDefinition", "ActivityDefinition"} {
		rt := rt
		g.POST("/"+rt+"/:id/$apply", h.apply(rt))
		g.GET("/"+rt+"/:id/$apply", h.apply(rt))
	}
}

func (h *Handler) search(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		pg := pagination.FromContext(c)
		params := extractSearchParams(c)
		items, total, err := h.svc.Search(c.Request().Context(), resourceType, params, pg.Limit, pg.Offset)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
		resources := make([]interface{}, len(items))
		for i, item := range items {
			resources[i] = item.ToFHIR()
		}
		return c.JSON(http.StatusOK, fhir.NewSearchBundle(resources, total, "/fhir/"+resourceType))
	}
}

func (h *Handler) get(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		d, err := h.svc.Get(c.Request().Context(), resourceType, c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, c.Param("id")))
		}
		return c.JSON(http.StatusOK, d.ToFHIR())
	}
}

func (h *Handler) create(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var resource map[string]interface{}
		if err := c.Bind(&resource); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
		}
		d, err := h.svc.Create(c.Request().Context(), resourceType, resource)
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
		}
		c.Response().Header().Set("Location", "/fhir/"+resourceType+"/"+d.FHIRID)
		return c.JSON(http.StatusCreated, d.ToFHIR())
	}
}

func (h *Handler) update(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var resource map[string]interface{}
		if err := c.Bind(&resource); err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
		}
		d, err := h.svc.Update(c.Request().Context(), resourceType, c.Param("id"), resource)
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, c.Param("id")))
		}
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
		}
		return c.JSON(http.StatusOK, d.ToFHIR())
	}
}

func (h *Handler) delete(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := h.svc.Delete(c.Request().Context(), resourceType, c.Param("id"))
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, c.Param("id")))
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func (h *Handler) apply(resourceType string) echo.HandlerFunc {
	return func(c echo.Context) error {
		req, err := parseApplyRequest(c)
		if err != nil {
			return c.JSON(http.StatusBadRequest, fhir.ErrorOutcome(err.Error()))
		}
		out, err := h.svc.Apply(c.Request().Context(), resourceType, c.Param("id"), req)
		if errors.Is(err, ErrNotFound) {
			return c.JSON(http.StatusNotFound, fhir.NotFoundOutcome(resourceType, c.Param("id")))
		}
		if err != nil {
			var applyErr *apply.Error
			if errors.As(err, &applyErr) {
				return c.JSON(statusForKind(applyErr.Kind), fhir.ErrorOutcome(applyErr.Message))
			}
			return c.JSON(http.StatusInternalServerError, fhir.ErrorOutcome(err.Error()))
		}
		return c.JSON(http.StatusOK, fhir.NewCollectionBundle(out))
	}
}

// parseApplyRequest reads the operation inputs from the query string and the
// request body. The body may be a FHIR Parameters resource or a plain JSON
// object with subject/data/merge fields.
func parseApplyRequest(c echo.Context) (ApplyRequest, error) {
	req := ApplyRequest{
		Subject: c.QueryParam("subject"),
		Merge:   c.QueryParam("mergeNestedCarePlans") == "true",
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return req, err
	}
	if len(body) == 0 {
		return req, nil
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return req, errors.New("request body is not valid JSON")
	}

	if rt, _ := payload["resourceType"].(string); rt == "Parameters" {
		parseParameters(&req, payload)
		return req, nil
	}

	if subject, _ := payload["subject"].(string); subject != "" {
		req.Subject = subject
	}
	if merge, ok := payload["mergeNestedCarePlans"].(bool); ok {
		req.Merge = merge
	}
	if params, ok := payload["parameters"].(map[string]interface{}); ok {
		req.Parameters = params
	}
	req.Data = append(req.Data, dataResources(payload["data"])...)
	return req, nil
}

func parseParameters(req *ApplyRequest, payload map[string]interface{}) {
	params, _ := payload["parameter"].([]interface{})
	for _, p := range params {
		param, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		switch param["name"] {
		case "subject":
			if v, _ := param["valueString"].(string); v != "" {
				req.Subject = v
			} else if ref, ok := param["valueReference"].(map[string]interface{}); ok {
				req.Subject, _ = ref["reference"].(string)
			}
		case "data":
			req.Data = append(req.Data, dataResources(param["resource"])...)
		case "mergeNestedCarePlans":
			if v, ok := param["valueBoolean"].(bool); ok {
				req.Merge = v
			}
		case "parameters":
			if res, ok := param["resource"].(map[string]interface{}); ok {
				req.Parameters = res
			}
		}
	}
}

// dataResources flattens a data payload into plain resources. Bundles are
// unpacked; single resources and resource arrays pass through.
func dataResources(v interface{}) []fhir.Resource {
	switch t := v.(type) {
	case map[string]interface{}:
		res := fhir.Resource(t)
		if res.ResourceType() != "Bundle" {
			return []fhir.Resource{res}
		}
		var out []fhir.Resource
		for _, e := range res.GetSlice("entry") {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if inner, ok := entry["resource"].(map[string]interface{}); ok {
				out = append(out, fhir.Resource(inner))
			}
		}
		return out
	case []interface{}:
		var out []fhir.Resource
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, fhir.Resource(m))
			}
		}
		return out
	default:
		return nil
	}
}

// statusForKind maps apply failures onto HTTP statuses: malformed requests
// are 400s, inputs that parse but cannot be processed are 422s.
func statusForKind(kind apply.Kind) int {
	switch kind {
	case apply.KindSchemaValidationFailed,
		apply.KindUnresolvableSubject,
		apply.KindUnresolvableLibraryReference,
		apply.KindMissingElmAttachment,
		apply.KindCyclicPlanReference:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// extractSearchParams collects FHIR search parameters from the query string,
// skipping control parameters.
func extractSearchParams(c echo.Context) map[string]string {
	params := map[string]string{}
	for k, v := range c.QueryParams() {
		if len(v) == 0 || k == "" || k[0] == '_' {
			continue
		}
		params[k] = v[0]
	}
	return params
}
