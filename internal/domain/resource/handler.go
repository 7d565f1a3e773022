package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
	"github.com/ehr/fhirbundle/pkg/pagination"
)

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	// Capabilities and Authorizer gate direct requests. Bundle sub-requests
	// were already checked by the dispatcher.
	Capabilities fhir.CapabilityProvider
	Authorizer   fhir.Authorizer
	// BaseURL is the public FHIR base used in Location headers and search
	// links. When empty it is derived from the request.
	BaseURL string
	Logger  zerolog.Logger
}

// Handler serves the RESTful interactions for every registered resource
// type.
type Handler struct {
	svc    *Service
	caps   fhir.CapabilityProvider
	authz  fhir.Authorizer
	base   string
	logger zerolog.Logger
}

func NewHandler(svc *Service, cfg HandlerConfig) *Handler {
	authz := cfg.Authorizer
	if authz == nil {
		authz = fhir.AllowAll{}
	}
	return &Handler{
		svc:    svc,
		caps:   cfg.Capabilities,
		authz:  authz,
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		logger: cfg.Logger,
	}
}

// RegisterRoutes registers the type and instance level routes on the FHIR
// group. Static routes such as /metadata take precedence over /:type.
func (h *Handler) RegisterRoutes(fhirGroup *echo.Group) {
	read := []string{http.MethodGet, http.MethodHead}

	fhirGroup.Match(read, "/:type", h.SearchType)
	fhirGroup.POST("/:type/_search", h.SearchType)
	fhirGroup.Match(read, "/:type/_history", h.HistoryType)
	fhirGroup.POST("/:type", h.Create)
	fhirGroup.PUT("/:type", h.ConditionalUpdate)
	fhirGroup.PATCH("/:type", h.ConditionalPatch)
	fhirGroup.DELETE("/:type", h.ConditionalDelete)

	fhirGroup.Match(read, "/:type/:id", h.Read)
	fhirGroup.PUT("/:type/:id", h.Update)
	fhirGroup.PATCH("/:type/:id", h.Patch)
	fhirGroup.DELETE("/:type/:id", h.Delete)
	fhirGroup.Match(read, "/:type/:id/_history", h.HistoryInstance)
	fhirGroup.Match(read, "/:type/:id/_history/:vid", h.VRead)
}

func (h *Handler) Read(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionRead); !ok {
		return err
	}
	v, err := h.svc.Read(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}

	req := c.Request()
	fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated, "")
	if fhir.NotModified(req.Header.Get("If-None-Match"), v.VersionID) ||
		!fhir.ModifiedSince(req.Header.Get("If-Modified-Since"), v.LastUpdated) {
		return c.NoContent(http.StatusNotModified)
	}
	return c.JSON(http.StatusOK, v.Content)
}

func (h *Handler) VRead(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionVRead); !ok {
		return err
	}
	vid, err := strconv.Atoi(c.Param("vid"))
	if err != nil || vid < 1 {
		return h.fail(c, fmt.Errorf("%w: version id must be a positive integer", ErrInvalid))
	}
	v, err := h.svc.VRead(c.Request().Context(), c.Param("type"), c.Param("id"), vid)
	if err != nil {
		return h.fail(c, err)
	}
	fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated, "")
	return c.JSON(http.StatusOK, v.Content)
}

func (h *Handler) Create(c echo.Context) error {
	ifNoneExist := c.Request().Header.Get("If-None-Exist")
	interaction := fhir.InteractionCreate
	if ifNoneExist != "" {
		interaction = fhir.InteractionConditionalCreate
	}
	if ok, err := h.admit(c, interaction); !ok {
		return err
	}
	content, err := readResource(c)
	if err != nil {
		return h.fail(c, err)
	}

	v, created, err := h.svc.Create(c.Request().Context(), c.Param("type"), content, ifNoneExist)
	if err != nil {
		return h.fail(c, err)
	}
	fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated, v.Location(h.baseURL(c)))
	if !created {
		return fhir.WriteResource(c, http.StatusOK, v.Content, "Matched existing resource "+v.Reference())
	}
	return fhir.WriteResource(c, http.StatusCreated, v.Content, "Created "+v.Reference())
}

func (h *Handler) Update(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionUpdate); !ok {
		return err
	}
	content, err := readResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	v, created, err := h.svc.Update(c.Request().Context(), c.Param("type"), c.Param("id"), content,
		c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.writeUpdate(c, v, created)
}

func (h *Handler) ConditionalUpdate(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionConditionalUpdate); !ok {
		return err
	}
	content, err := readResource(c)
	if err != nil {
		return h.fail(c, err)
	}
	v, created, err := h.svc.ConditionalUpdate(c.Request().Context(), c.Param("type"), c.QueryString(), content,
		c.Request().Header.Get("If-Match"))
	if err != nil {
		return h.fail(c, err)
	}
	return h.writeUpdate(c, v, created)
}

func (h *Handler) writeUpdate(c echo.Context, v *Version, created bool) error {
	fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated, v.Location(h.baseURL(c)))
	if created {
		return fhir.WriteResource(c, http.StatusCreated, v.Content, "Created "+v.Reference())
	}
	return fhir.WriteResource(c, http.StatusOK, v.Content, "Updated "+v.Reference())
}

func (h *Handler) Patch(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionPatch); !ok {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return h.fail(c, err)
	}
	req := c.Request()
	v, err := h.svc.Patch(req.Context(), c.Param("type"), c.Param("id"),
		req.Header.Get(echo.HeaderContentType), body, req.Header.Get("If-Match"))
	if err != nil {
		return h.fail(c, err)
	}
	fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated, v.Location(h.baseURL(c)))
	return fhir.WriteResource(c, http.StatusOK, v.Content, "Patched "+v.Reference())
}

func (h *Handler) ConditionalPatch(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionConditionalPatch); !ok {
		return err
	}
	body, err := readBody(c)
	if err != nil {
		return h.fail(c, err)
	}
	req := c.Request()
	v, err := h.svc.ConditionalPatch(req.Context(), c.Param("type"), c.QueryString(),
		req.Header.Get(echo.HeaderContentType), body, req.Header.Get("If-Match"))
	if err != nil {
		return h.fail(c, err)
	}
	fhir.SetVersionHeaders(c, v.VersionID, v.LastUpdated, v.Location(h.baseURL(c)))
	return fhir.WriteResource(c, http.StatusOK, v.Content, "Patched "+v.Reference())
}

func (h *Handler) Delete(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionDelete); !ok {
		return err
	}
	v, err := h.svc.Delete(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return writeDelete(c, v)
}

func (h *Handler) ConditionalDelete(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionConditionalDelete); !ok {
		return err
	}
	v, err := h.svc.ConditionalDelete(c.Request().Context(), c.Param("type"), c.QueryString())
	if err != nil {
		return h.fail(c, err)
	}
	return writeDelete(c, v)
}

func writeDelete(c echo.Context, v *Version) error {
	if v != nil {
		c.Response().Header().Set("ETag", fhir.FormatETag(v.VersionID))
	}
	return c.NoContent(http.StatusNoContent)
}

// SearchType handles GET /:type and POST /:type/_search.
func (h *Handler) SearchType(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionSearchType); !ok {
		return err
	}
	params := c.QueryParams()
	if c.Request().Method == http.MethodPost {
		form, err := c.FormParams()
		if err != nil {
			return h.fail(c, fmt.Errorf("%w: invalid search form: %v", ErrInvalid, err))
		}
		params = form
	}
	pg := pagination.FromValues(params)
	filters := pagination.Filters(params)

	rt := c.Param("type")
	items, total, err := h.svc.Search(c.Request().Context(), rt, filters, pg.Count, pg.Offset)
	if err != nil {
		return h.fail(c, err)
	}

	resources := make([]map[string]interface{}, len(items))
	for i, v := range items {
		resources[i] = v.Content
	}
	return c.JSON(http.StatusOK, fhir.NewSearchBundleWithLinks(resources, fhir.SearchBundleParams{
		BaseURL:  h.baseURL(c) + "/" + rt,
		QueryStr: filters,
		Count:    pg.Count,
		Offset:   pg.Offset,
		Total:    total,
	}))
}

func (h *Handler) HistoryInstance(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionHistoryInstance); !ok {
		return err
	}
	versions, err := h.svc.History(c.Request().Context(), c.Param("type"), c.Param("id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, historyBundle(versions, h.baseURL(c)))
}

func (h *Handler) HistoryType(c echo.Context) error {
	if ok, err := h.admit(c, fhir.InteractionHistoryType); !ok {
		return err
	}
	versions, err := h.svc.History(c.Request().Context(), c.Param("type"), "")
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, historyBundle(versions, h.baseURL(c)))
}

// admit checks conformance and authorization for a direct request. It
// returns false after writing the rejection.
func (h *Handler) admit(c echo.Context, interaction fhir.Interaction) (bool, error) {
	ctx := c.Request().Context()
	if fhir.IsSubRequest(ctx) {
		return true, nil
	}
	rt := c.Param("type")
	if h.caps != nil && !h.caps.Supports(rt, interaction) {
		return false, c.JSON(http.StatusMethodNotAllowed, fhir.MethodNotAllowedOutcome(c.Request().Method, rt))
	}

	principal, _ := fhir.PrincipalFromContext(ctx)
	if err := h.authz.Authorize(ctx, principal, rt, interaction); err != nil {
		if errors.Is(err, fhir.ErrForbidden) {
			return false, c.JSON(http.StatusForbidden, fhir.ForbiddenOutcome())
		}
		return false, h.fail(c, err)
	}
	return true, nil
}

// fail maps a service error to an OperationOutcome response.
func (h *Handler) fail(c echo.Context, err error) error {
	var (
		status int
		oo     *fhir.OperationOutcome
		he     *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		status = he.Code
		oo = fhir.OutcomeForStatus(he.Code, fmt.Sprint(he.Message))
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		if id := c.Param("id"); id != "" && c.Param("vid") == "" {
			oo = fhir.NotFoundOutcome(c.Param("type"), id)
		} else {
			oo = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeNotFound, err.Error())
		}
	case errors.Is(err, ErrGone):
		status = http.StatusGone
		oo = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeDeleted, err.Error())
	case errors.Is(err, ErrMultipleMatches):
		status = http.StatusPreconditionFailed
		oo = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeDuplicate, diagnostics(err, ErrMultipleMatches))
	case errors.Is(err, ErrPreconditionFailed):
		status = http.StatusPreconditionFailed
		oo = fhir.PreconditionFailedOutcome(diagnostics(err, ErrPreconditionFailed))
	case errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
		oo = fhir.ConflictOutcome(err.Error())
	case errors.Is(err, ErrInvalid):
		status = http.StatusBadRequest
		oo = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeInvalid, diagnostics(err, ErrInvalid))
	case errors.Is(err, ErrUnprocessable):
		status = http.StatusUnprocessableEntity
		oo = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeProcessing, diagnostics(err, ErrUnprocessable))
	case errors.Is(err, context.DeadlineExceeded):
		status, oo = http.StatusGatewayTimeout, fhir.TimeoutOutcome()
	case errors.Is(err, context.Canceled):
		status = http.StatusServiceUnavailable
		oo = fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTimeout, "Request was cancelled.")
	default:
		h.logger.Error().Err(err).
			Str("method", c.Request().Method).
			Str("path", c.Request().URL.Path).
			Msg("resource request failed")
		status = http.StatusInternalServerError
		oo = fhir.InternalErrorOutcome("An internal error occurred.")
	}
	return c.JSON(status, oo)
}

// diagnostics strips the sentinel prefix from err's message.
func diagnostics(err, sentinel error) string {
	return strings.TrimPrefix(err.Error(), sentinel.Error()+": ")
}

// baseURL returns the FHIR base for the request: the bundle's base for
// sub-requests, the configured base otherwise.
func (h *Handler) baseURL(c echo.Context) string {
	if rc, ok := fhir.RequestContextFrom(c.Request().Context()); ok && rc.BaseURI != "" {
		return rc.BaseURI
	}
	if h.base != "" {
		return h.base
	}
	return c.Scheme() + "://" + c.Request().Host + "/fhir"
}

// readBody reads the request body. Errors raised by the body limit are
// returned unchanged.
func readBody(c echo.Context) ([]byte, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, fmt.Errorf("%w: failed to read request body", ErrInvalid)
	}
	return body, nil
}

func readResource(c echo.Context) (map[string]interface{}, error) {
	body, err := readBody(c)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	var content map[string]interface{}
	if err := json.Unmarshal(body, &content); err != nil {
		return nil, fmt.Errorf("%w: invalid resource JSON: %v", ErrInvalid, err)
	}
	return content, nil
}

// historyBundle builds a history Bundle with one entry per version.
func historyBundle(versions []*Version, baseURL string) *fhir.Bundle {
	now := time.Now().UTC()
	total := len(versions)
	entries := make([]fhir.BundleEntry, len(versions))

	for i, v := range versions {
		method, status := v.Method, "200"
		switch v.Method {
		case http.MethodPost:
			status = "201"
		case http.MethodDelete:
			status = "204"
		case "":
			method = http.MethodPut
		}
		url := v.Reference()
		if method == http.MethodPost {
			url = v.ResourceType
		}

		var raw json.RawMessage
		if v.Content != nil {
			raw, _ = json.Marshal(v.Content)
		}
		lastUpdated := v.LastUpdated
		entries[i] = fhir.BundleEntry{
			FullURL:  baseURL + "/" + v.Reference(),
			Resource: raw,
			Request:  &fhir.BundleRequest{Method: method, URL: url},
			Response: &fhir.BundleResponse{
				Status:       status,
				Etag:         fhir.FormatETag(v.VersionID),
				LastModified: &lastUpdated,
			},
		}
	}

	return &fhir.Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Entry:        entries,
	}
}
