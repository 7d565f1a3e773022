package fhir

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Header names used to carry request context into sub-requests.
const (
	HeaderRequestID = echo.HeaderXRequestID
	HeaderPrefer    = "Prefer"
)

// EchoRouter routes sub-requests through the same Echo instance that serves
// the REST API, so a bundle entry and the equivalent direct request run
// identical middleware and handlers.
type EchoRouter struct {
	e      *echo.Echo
	prefix string
}

// NewEchoRouter creates a router that prefixes every sub-request URL with
// the path the FHIR group is mounted on (e.g. "/fhir").
func NewEchoRouter(e *echo.Echo, prefix string) *EchoRouter {
	return &EchoRouter{e: e, prefix: "/" + strings.Trim(prefix, "/")}
}

// Route implements Router.
func (r *EchoRouter) Route(ctx context.Context, req *SubRequest) (*SubResponse, error) {
	target := r.prefix
	if req.URL != "" {
		if strings.HasPrefix(req.URL, "?") {
			target += req.URL
		} else {
			target += "/" + req.URL
		}
	}

	ctx = WithSubRequest(WithRequestContext(ctx, req.Context))
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("build sub-request: %w", err)
	}
	if len(req.Body) > 0 {
		ct := req.ContentType
		if ct == "" {
			ct = "application/fhir+json"
		}
		httpReq.Header.Set(echo.HeaderContentType, ct)
	}
	httpReq.Header.Set(echo.HeaderAccept, "application/fhir+json")
	if req.Context.CorrelationID != "" {
		httpReq.Header.Set(HeaderRequestID, req.Context.CorrelationID)
	}
	if req.Context.Prefer != "" {
		httpReq.Header.Set(HeaderPrefer, req.Context.Prefer)
	}
	setIfPresent(httpReq.Header, "If-None-Exist", req.Conditional.IfNoneExist)
	setIfPresent(httpReq.Header, "If-Match", req.Conditional.IfMatch)
	setIfPresent(httpReq.Header, "If-None-Match", req.Conditional.IfNoneMatch)
	setIfPresent(httpReq.Header, "If-Modified-Since", req.Conditional.IfModifiedSince)
	for name, value := range req.Context.AuditHeaders() {
		httpReq.Header.Set(name, value)
	}

	w := newCapturedResponse()
	r.e.ServeHTTP(w, httpReq)

	body := w.body.Bytes()
	if req.Method == http.MethodHead {
		body = nil
	}
	return &SubResponse{Status: w.status, Header: w.header, Body: body}, nil
}

func setIfPresent(h http.Header, key, value string) {
	if value != "" {
		h.Set(key, value)
	}
}

// capturedResponse is an in-memory http.ResponseWriter for sub-requests.
type capturedResponse struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func newCapturedResponse() *capturedResponse {
	return &capturedResponse{header: http.Header{}, status: http.StatusOK}
}

func (w *capturedResponse) Header() http.Header { return w.header }

func (w *capturedResponse) WriteHeader(status int) {
	if w.wroteHeader {
		return
	}
	w.status = status
	w.wroteHeader = true
}

func (w *capturedResponse) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}
