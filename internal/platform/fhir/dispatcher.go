package fhir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrForbidden is returned by an Authorizer that denies a request.
var ErrForbidden = errors.New("fhir: forbidden")

// Authorizer decides whether principal may perform interaction on
// resourceType. It returns ErrForbidden (possibly wrapped) to deny; any other
// error is treated as an infrastructure failure.
type Authorizer interface {
	Authorize(ctx context.Context, principal Principal, resourceType string, interaction Interaction) error
}

// AllowAll is an Authorizer that permits every request.
type AllowAll struct{}

func (AllowAll) Authorize(context.Context, Principal, string, Interaction) error { return nil }

// Router executes a classified sub-request and returns the handler's
// response. Handler failures are reported through SubResponse.Status; a
// non-nil error means the request could not be executed at all.
type Router interface {
	Route(ctx context.Context, req *SubRequest) (*SubResponse, error)
}

// ConditionalHeaders carries the entry.request conditional fields.
type ConditionalHeaders struct {
	IfNoneExist     string
	IfMatch         string
	IfNoneMatch     string
	IfModifiedSince string
}

// SubRequest is one Bundle entry turned into an internal request.
type SubRequest struct {
	Method      string
	URL         string // relative to the FHIR base, placeholders already substituted
	Body        []byte
	ContentType string
	Conditional ConditionalHeaders
	Context     RequestContext

	Target      EntryTarget
	Interaction Interaction // empty when the URL is not a RESTful interaction
}

// NewSubRequest builds and classifies a sub-request.
func NewSubRequest(method, rawURL string, body []byte, cond ConditionalHeaders, rc RequestContext) *SubRequest {
	rel := RelativeURL(rawURL, rc.BaseURI)
	req := &SubRequest{
		Method:      method,
		URL:         rel,
		Body:        body,
		Conditional: cond,
		Context:     rc,
	}
	if target, ok := ParseEntryURL(rel, ""); ok {
		req.Target = target
		if i, ok := Classify(method, target, cond.IfNoneExist); ok {
			req.Interaction = i
		}
	}
	return req
}

// Action returns the audit action name for the request.
func (r *SubRequest) Action() string {
	if r.Interaction == "" {
		return "unknown"
	}
	return string(r.Interaction)
}

// ResourceType returns the resource type addressed by the request.
func (r *SubRequest) ResourceType() string {
	if r.Target.ResourceType == "metadata" {
		return ""
	}
	return r.Target.ResourceType
}

// SubResponse is the result of routing a sub-request.
type SubResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Outcome decodes the body as an OperationOutcome. It returns nil when the
// body is some other resource.
func (r *SubResponse) Outcome() *OperationOutcome {
	if len(r.Body) == 0 {
		return nil
	}
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(r.Body, &probe); err != nil || probe.ResourceType != "OperationOutcome" {
		return nil
	}
	var oo OperationOutcome
	if err := json.Unmarshal(r.Body, &oo); err != nil {
		return nil
	}
	return &oo
}

// outcomeResponse builds a SubResponse that carries only an OperationOutcome.
func outcomeResponse(status int, oo *OperationOutcome) *SubResponse {
	body, _ := json.Marshal(oo)
	h := http.Header{}
	h.Set("Content-Type", "application/fhir+json")
	return &SubResponse{Status: status, Header: h, Body: body}
}

// Dispatcher turns sub-requests into routed handler calls. It authorizes
// and checks conformance before routing, so a denied or unsupported request
// never reaches a handler.
type Dispatcher struct {
	router       Router
	authorizer   Authorizer
	capabilities CapabilityProvider
}

// NewDispatcher creates a Dispatcher. A nil authorizer allows everything; a
// nil capability provider skips conformance checks.
func NewDispatcher(router Router, authorizer Authorizer, capabilities CapabilityProvider) *Dispatcher {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	return &Dispatcher{
		router:       router,
		authorizer:   authorizer,
		capabilities: capabilities,
	}
}

// Dispatch executes one sub-request. Application failures are reported as
// a status code with an OperationOutcome body; only infrastructure failures
// are returned as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, req *SubRequest) (*SubResponse, error) {
	if req.Method == http.MethodPost && req.Target.IsBase() && req.Target.Query == "" {
		return outcomeResponse(http.StatusBadRequest,
			NotSupportedOutcome("Nested batch or transaction Bundles are not supported.")), nil
	}
	if req.Interaction == "" {
		if !IsSupportedMethod(req.Method) {
			return outcomeResponse(http.StatusMethodNotAllowed,
				NotSupportedOutcome(fmt.Sprintf("HTTP method %s is not supported.", req.Method))), nil
		}
		return outcomeResponse(http.StatusNotFound, RouteNotFoundOutcome(req.Method, req.URL)), nil
	}

	if err := d.authorizer.Authorize(ctx, req.Context.Principal, req.ResourceType(), req.Interaction); err != nil {
		if errors.Is(err, ErrForbidden) {
			return outcomeResponse(http.StatusForbidden, ForbiddenOutcome()), nil
		}
		return nil, fmt.Errorf("authorize %s %s: %w", req.Method, req.URL, err)
	}

	if d.capabilities != nil && !d.capabilities.Supports(req.ResourceType(), req.Interaction) {
		return outcomeResponse(http.StatusMethodNotAllowed,
			MethodNotAllowedOutcome(req.Method, req.ResourceType())), nil
	}

	resp, err := d.router.Route(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("route %s %s: %w", req.Method, req.URL, err)
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if resp.Status >= http.StatusBadRequest && resp.Outcome() == nil {
		var oo *OperationOutcome
		switch resp.Status {
		case http.StatusForbidden:
			oo = ForbiddenOutcome()
		case http.StatusNotFound:
			oo = RouteNotFoundOutcome(req.Method, req.URL)
		default:
			oo = OutcomeForStatus(resp.Status, "")
		}
		body, _ := json.Marshal(oo)
		resp.Body = body
	}
	return resp, nil
}
