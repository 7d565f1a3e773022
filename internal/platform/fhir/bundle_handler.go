package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// BundleProcessor executes a batch or transaction Bundle.
type BundleProcessor interface {
	Handle(ctx context.Context, req BundleSubmission) (*Bundle, error)
}

// BundleHandler handles FHIR Bundle operations (transaction and batch).
type BundleHandler struct {
	processor BundleProcessor
	baseURL   string
}

// NewBundleHandler creates a new BundleHandler. baseURL is the public FHIR
// base (e.g. "http://localhost:8000/fhir"); when empty it is derived from
// the request.
func NewBundleHandler(processor BundleProcessor, baseURL string) *BundleHandler {
	return &BundleHandler{
		processor: processor,
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// RegisterRoutes registers the bundle processing endpoint.
func (h *BundleHandler) RegisterRoutes(fhirGroup *echo.Group) {
	fhirGroup.POST("", h.ProcessBundle)
	fhirGroup.POST("/", h.ProcessBundle)
}

// ProcessBundle handles POST /fhir with a Bundle of type "transaction" or "batch".
func (h *BundleHandler) ProcessBundle(c echo.Context) error {
	var bundle Bundle
	if err := json.NewDecoder(c.Request().Body).Decode(&bundle); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return c.JSON(he.Code, NewOperationOutcome(IssueSeverityError, IssueTypeTooLong,
				"Bundle exceeds the maximum allowed size."))
		}
		return c.JSON(http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeStructure,
			"invalid Bundle JSON: "+err.Error()))
	}
	if bundle.ResourceType != "Bundle" {
		return c.JSON(http.StatusBadRequest, NewOperationOutcome(IssueSeverityError, IssueTypeInvalid,
			"request body must be a Bundle resource"))
	}

	ctx := c.Request().Context()
	resp, err := h.processor.Handle(ctx, BundleSubmission{
		Bundle:  &bundle,
		Context: h.requestContext(c),
	})
	if err != nil {
		status, outcome := errorResponse(err)
		return c.JSON(status, outcome)
	}
	return c.JSON(http.StatusOK, resp)
}

// requestContext builds the immutable per-request context from what the
// middleware chain established.
func (h *BundleHandler) requestContext(c echo.Context) RequestContext {
	req := c.Request()
	ctx := req.Context()

	correlationID := c.Response().Header().Get(echo.HeaderXRequestID)
	if correlationID == "" {
		correlationID = req.Header.Get(echo.HeaderXRequestID)
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	baseURL := h.baseURL
	if baseURL == "" {
		baseURL = c.Scheme() + "://" + req.Host + "/fhir"
	}

	principal, _ := PrincipalFromContext(ctx)
	rc := NewRequestContext(baseURL, correlationID, principal, AuditHeadersFromContext(ctx))
	return rc.WithPrefer(req.Header.Get(HeaderPrefer))
}

// errorResponse maps an orchestrator error to a status and OperationOutcome.
func errorResponse(err error) (int, *OperationOutcome) {
	var validationErr *BundleValidationError
	if errors.As(err, &validationErr) {
		return validationErr.StatusCode(), validationErr.Outcome
	}
	var txErr *TransactionFailedError
	if errors.As(err, &txErr) {
		return txErr.StatusCode(), txErr.Outcome
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, TimeoutOutcome()
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable, NewOperationOutcome(IssueSeverityError, IssueTypeTimeout,
			"Request was cancelled before processing completed.")
	}
	return http.StatusInternalServerError, InternalErrorOutcome("An internal error occurred while processing the Bundle.")
}
