package fhir

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxBundleEntries bounds the number of entries accepted in one Bundle.
const DefaultMaxBundleEntries = 500

const tracerName = "github.com/ehr/fhirbundle/internal/platform/fhir"

// SubRequestDispatcher executes one Bundle entry.
type SubRequestDispatcher interface {
	Dispatch(ctx context.Context, req *SubRequest) (*SubResponse, error)
}

// BundleValidator performs pre-flight checks on a transaction.
type BundleValidator interface {
	Validate(ctx context.Context, entries []*PlannedEntry) (*ValidationResult, error)
}

// AuditRecorder receives the Executing/Executed pair for every processed
// entry and for the bundle as a whole. Implementations must not fail the
// request; errors are theirs to log.
type AuditRecorder interface {
	RecordExecuting(ctx context.Context, action, uri, correlationID string, claims, headers map[string]string)
	RecordExecuted(ctx context.Context, action, resourceType, uri string, statusCode int, correlationID string, claims, headers map[string]string)
}

// TransactionScope opens a persistence transaction. The returned context
// carries the transaction to the handlers that run inside it.
type TransactionScope interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Tx is an open persistence transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// BundleSubmission is a parsed Bundle together with the context of the HTTP
// request that carried it.
type BundleSubmission struct {
	Bundle  *Bundle
	Context RequestContext
}

// BundleValidationError reports a structurally invalid Bundle.
type BundleValidationError struct {
	Outcome *OperationOutcome
}

func (e *BundleValidationError) Error() string {
	return "invalid bundle: " + e.Outcome.FirstDiagnostics()
}

// StatusCode returns the HTTP status for the error.
func (e *BundleValidationError) StatusCode() int { return http.StatusBadRequest }

// TransactionFailedError reports a transaction that was rejected or rolled
// back. EntryIndex is the request position of the failing entry, or -1.
type TransactionFailedError struct {
	Status     int
	Outcome    *OperationOutcome
	EntryIndex int
	Err        error
}

func (e *TransactionFailedError) Error() string {
	msg := fmt.Sprintf("transaction failed with status %d", e.Status)
	if e.EntryIndex >= 0 {
		msg += fmt.Sprintf(" at entry %d", e.EntryIndex)
	}
	if d := e.Outcome.FirstDiagnostics(); d != "" {
		msg += ": " + d
	}
	return msg
}

func (e *TransactionFailedError) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status for the error.
func (e *TransactionFailedError) StatusCode() int { return e.Status }

// OrchestratorConfig wires an Orchestrator's collaborators.
type OrchestratorConfig struct {
	Dispatcher SubRequestDispatcher
	Validator  BundleValidator  // transaction pre-flight; nil skips it
	Recorder   AuditRecorder    // nil discards audit records
	Scope      TransactionScope // nil runs transactions without a persistence transaction
	MaxEntries int              // 0 means DefaultMaxBundleEntries
	Logger     zerolog.Logger
	Tracer     trace.Tracer
}

// Orchestrator executes batch and transaction Bundles. It is safe for
// concurrent use; all per-bundle state lives in the call.
type Orchestrator struct {
	dispatcher SubRequestDispatcher
	validator  BundleValidator
	recorder   AuditRecorder
	scope      TransactionScope
	maxEntries int
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewOrchestrator creates an Orchestrator from cfg.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	o := &Orchestrator{
		dispatcher: cfg.Dispatcher,
		validator:  cfg.Validator,
		recorder:   cfg.Recorder,
		scope:      cfg.Scope,
		maxEntries: cfg.MaxEntries,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
	}
	if o.recorder == nil {
		o.recorder = noopRecorder{}
	}
	if o.maxEntries <= 0 {
		o.maxEntries = DefaultMaxBundleEntries
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

// Handle processes a batch or transaction Bundle and returns the matching
// -response Bundle. Batch entry failures are reported in the response;
// a failed transaction is returned as *TransactionFailedError and a
// malformed Bundle as *BundleValidationError.
func (o *Orchestrator) Handle(ctx context.Context, req BundleSubmission) (*Bundle, error) {
	b := req.Bundle
	if b == nil {
		return nil, &BundleValidationError{Outcome: NewOperationOutcome(IssueSeverityError, IssueTypeRequired,
			"A Bundle is required.")}
	}
	if !IsBatchOrTransaction(b.Type) {
		return nil, &BundleValidationError{Outcome: NewOperationOutcome(IssueSeverityError, IssueTypeInvalid,
			fmt.Sprintf("Bundle type must be 'batch' or 'transaction', got '%s'.", b.Type))}
	}

	rc := req.Context
	claims, headers := rc.Claims(), rc.AuditHeaders()
	start := time.Now()

	ctx, span := o.tracer.Start(ctx, "fhir.bundle", trace.WithAttributes(
		attribute.String("fhir.bundle.type", b.Type),
		attribute.Int("fhir.bundle.entries", len(b.Entry)),
		attribute.String("fhir.correlation_id", rc.CorrelationID),
	))
	defer span.End()

	o.logger.Debug().
		Str("correlation_id", rc.CorrelationID).
		Str("bundle_type", b.Type).
		Int("entries", len(b.Entry)).
		Msg("processing bundle")

	o.recorder.RecordExecuting(ctx, b.Type, "", rc.CorrelationID, claims, headers)

	var (
		resp *Bundle
		err  error
	)
	if b.Type == BundleTypeTransaction {
		resp, err = o.handleTransaction(ctx, b, rc)
	} else {
		resp, err = o.handleBatch(ctx, b, rc)
	}

	status := statusForError(err)
	o.recorder.RecordExecuted(ctx, b.Type, "", "", status, rc.CorrelationID, claims, headers)

	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.WarnLevel
	}
	o.logger.WithLevel(level).Err(err).
		Str("correlation_id", rc.CorrelationID).
		Str("bundle_type", b.Type).
		Int("entries", len(b.Entry)).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Msg("bundle processed")

	return resp, err
}

func (o *Orchestrator) handleBatch(ctx context.Context, b *Bundle, rc RequestContext) (*Bundle, error) {
	plans, err := o.plan(b, rc)
	if err != nil {
		return nil, err
	}
	run := newBundleRun(o, rc, plans, false)
	if _, err := run.execute(ctx); err != nil {
		return nil, err
	}
	return NewResponseBundle(b.Type, run.responses), nil
}

func (o *Orchestrator) handleTransaction(ctx context.Context, b *Bundle, rc RequestContext) (*Bundle, error) {
	plans, err := o.plan(b, rc)
	if err != nil {
		return nil, err
	}

	if o.validator != nil {
		result, err := o.validator.Validate(ctx, plans)
		if err != nil {
			o.logger.Error().Err(err).Str("correlation_id", rc.CorrelationID).Msg("transaction validation failed")
			return nil, &TransactionFailedError{
				Status:     http.StatusInternalServerError,
				Outcome:    InternalErrorOutcome("Transaction validation could not be completed."),
				EntryIndex: -1,
				Err:        err,
			}
		}
		if !result.OK() {
			return nil, &TransactionFailedError{
				Status:     result.Status(),
				Outcome:    result.Outcome(),
				EntryIndex: result.Issues[0].Index,
			}
		}
		for _, p := range plans {
			rewriteReferences(p.Resource, result.References)
		}
	}

	txCtx, tx := ctx, Tx(noopTx{})
	if o.scope != nil {
		txCtx, tx, err = o.scope.Begin(ctx)
		if err != nil {
			o.logger.Error().Err(err).Str("correlation_id", rc.CorrelationID).Msg("failed to begin transaction")
			return nil, &TransactionFailedError{
				Status:     http.StatusInternalServerError,
				Outcome:    InternalErrorOutcome("Failed to begin transaction."),
				EntryIndex: -1,
				Err:        err,
			}
		}
	}

	run := newBundleRun(o, rc, plans, true)
	failure, err := run.execute(txCtx)
	if err != nil || failure != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			o.logger.Error().Err(rbErr).Str("correlation_id", rc.CorrelationID).Msg("transaction rollback failed")
		}
		if err != nil {
			return nil, err
		}
		return nil, failure
	}

	if err := tx.Commit(ctx); err != nil {
		o.logger.Error().Err(err).Str("correlation_id", rc.CorrelationID).Msg("failed to commit transaction")
		return nil, &TransactionFailedError{
			Status:     http.StatusInternalServerError,
			Outcome:    InternalErrorOutcome("Failed to commit transaction."),
			EntryIndex: -1,
			Err:        err,
		}
	}
	return NewResponseBundle(b.Type, run.responses), nil
}

// plan performs structural validation and decodes every entry.
func (o *Orchestrator) plan(b *Bundle, rc RequestContext) ([]*PlannedEntry, error) {
	if len(b.Entry) > o.maxEntries {
		return nil, &BundleValidationError{Outcome: NewOperationOutcome(IssueSeverityError, IssueTypeInvalid,
			fmt.Sprintf("Bundle contains %d entries, which exceeds the maximum of %d.", len(b.Entry), o.maxEntries))}
	}

	issues := NewOutcomeBuilder()
	plans := make([]*PlannedEntry, len(b.Entry))
	seen := make(map[string]int)

	for i, entry := range b.Entry {
		prefix := fmt.Sprintf("Bundle.entry[%d]", i)
		p := &PlannedEntry{Index: i, FullURL: entry.FullURL}
		plans[i] = p

		if entry.Request == nil {
			issues.AddIssueWithLocation(IssueSeverityError, IssueTypeRequired,
				fmt.Sprintf("entry %d: request is required", i), prefix+".request")
			continue
		}
		p.Request = *entry.Request
		p.Request.Method = strings.ToUpper(p.Request.Method)

		switch {
		case p.Request.Method == "":
			issues.AddIssueWithLocation(IssueSeverityError, IssueTypeRequired,
				fmt.Sprintf("entry %d: request.method is required", i), prefix+".request.method")
		case !IsSupportedMethod(p.Request.Method):
			issues.AddIssueWithLocation(IssueSeverityError, IssueTypeValue,
				fmt.Sprintf("entry %d: invalid HTTP method %q", i, entry.Request.Method), prefix+".request.method")
		}
		if p.Request.URL == "" {
			issues.AddIssueWithLocation(IssueSeverityError, IssueTypeRequired,
				fmt.Sprintf("entry %d: request.url is required", i), prefix+".request.url")
		}

		if entry.FullURL != "" {
			if first, dup := seen[entry.FullURL]; dup {
				issues.AddIssueWithLocation(IssueSeverityError, IssueTypeInvalid,
					fmt.Sprintf("entry %d: duplicate fullUrl %q (also used by entry %d)", i, entry.FullURL, first), prefix+".fullUrl")
			} else {
				seen[entry.FullURL] = i
			}
		}

		if len(entry.Resource) > 0 {
			var res map[string]interface{}
			if err := json.Unmarshal(entry.Resource, &res); err != nil {
				issues.AddIssueWithLocation(IssueSeverityError, IssueTypeStructure,
					fmt.Sprintf("entry %d: invalid resource: %s", i, err.Error()), prefix+".resource")
			} else {
				p.Resource = res
			}
		}

		rel := RelativeURL(p.Request.URL, rc.BaseURI)
		if target, ok := ParseEntryURL(rel, ""); ok {
			p.Target = target
			if in, ok := Classify(p.Request.Method, target, p.Request.IfNoneExist); ok {
				p.Interaction = in
			}
		}
	}

	fullURLs := make([]string, len(plans))
	refs := make([][]string, len(plans))
	for i, p := range plans {
		fullURLs[i] = p.FullURL
		refs[i] = append(extractReferences(p.Resource), urlPlaceholders(p.Request.URL)...)
	}
	if from, to, found := detectCircularReferences(fullURLs, refs); found {
		issues.AddIssueWithLocation(IssueSeverityError, IssueTypeBusinessRule,
			fmt.Sprintf("circular reference detected between %s and %s", from, to), "Bundle.entry")
	}

	if issues.Len() > 0 {
		return nil, &BundleValidationError{Outcome: issues.Build()}
	}
	return plans, nil
}

// bundleRun holds the state of one Bundle execution.
type bundleRun struct {
	o         *Orchestrator
	rc        RequestContext
	plans     []*PlannedEntry
	atomic    bool
	idMap     map[string]string // placeholder fullUrl -> Type/id
	owner     map[string]int    // placeholder fullUrl -> entry index
	executed  []bool
	responses []BundleEntry
}

func newBundleRun(o *Orchestrator, rc RequestContext, plans []*PlannedEntry, atomic bool) *bundleRun {
	r := &bundleRun{
		o:         o,
		rc:        rc,
		plans:     plans,
		atomic:    atomic,
		idMap:     make(map[string]string),
		owner:     make(map[string]int),
		executed:  make([]bool, len(plans)),
		responses: make([]BundleEntry, len(plans)),
	}
	for _, p := range plans {
		if IsPlaceholder(p.FullURL) {
			r.owner[p.FullURL] = p.Index
		}
	}
	return r
}

// execute runs every entry in verb-priority order. Entries that reference
// a placeholder owned by an entry that has not run yet are deferred and
// retried once the first pass is done. For atomic runs the first failing
// entry stops execution and is returned.
func (r *bundleRun) execute(ctx context.Context) (*TransactionFailedError, error) {
	entries := make([]BundleEntry, len(r.plans))
	for i, p := range r.plans {
		req := p.Request
		entries[i] = BundleEntry{Request: &req}
	}

	var deferred []*PlannedEntry
	for _, idx := range ExecutionOrder(entries) {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("bundle processing stopped: %w", err)
		}
		p := r.plans[idx]
		pending, unresolved := r.dependencies(p)
		if unresolved == "" && pending {
			deferred = append(deferred, p)
			continue
		}
		if failure := r.step(ctx, p, unresolved); failure != nil {
			return failure, nil
		}
	}

	for len(deferred) > 0 {
		var next []*PlannedEntry
		for _, p := range deferred {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("bundle processing stopped: %w", err)
			}
			pending, unresolved := r.dependencies(p)
			if unresolved == "" && pending {
				next = append(next, p)
				continue
			}
			if failure := r.step(ctx, p, unresolved); failure != nil {
				return failure, nil
			}
		}
		if len(next) == len(deferred) {
			for _, p := range next {
				if failure := r.step(ctx, p, r.firstUnbound(p)); failure != nil {
					return failure, nil
				}
			}
			break
		}
		deferred = next
	}
	return nil, nil
}

// dependencies reports whether p waits on a placeholder whose owning entry
// has not executed, and the first placeholder that can no longer be bound.
func (r *bundleRun) dependencies(p *PlannedEntry) (pending bool, unresolved string) {
	for _, ref := range r.placeholders(p) {
		if _, bound := r.idMap[ref]; bound {
			continue
		}
		if idx, ok := r.owner[ref]; ok && !r.executed[idx] && idx != p.Index {
			pending = true
			continue
		}
		if unresolved == "" {
			unresolved = ref
		}
	}
	return pending, unresolved
}

func (r *bundleRun) firstUnbound(p *PlannedEntry) string {
	for _, ref := range r.placeholders(p) {
		if _, bound := r.idMap[ref]; !bound {
			return ref
		}
	}
	return ""
}

func (r *bundleRun) placeholders(p *PlannedEntry) []string {
	var out []string
	for _, ref := range extractReferences(p.Resource) {
		if IsPlaceholder(ref) && ref != p.FullURL {
			out = append(out, ref)
		}
	}
	return append(out, urlPlaceholders(p.Request.URL)...)
}

// step executes one entry, or fails it when unresolved names a placeholder
// that cannot be bound. Every entry that reaches step gets exactly one
// Executing/Executed audit pair.
func (r *bundleRun) step(ctx context.Context, p *PlannedEntry, unresolved string) *TransactionFailedError {
	rewriteReferences(p.Resource, r.idMap)
	url := replacePlaceholders(p.Request.URL, r.idMap)
	body, contentType := entryBody(p)

	sub := NewSubRequest(p.Request.Method, url, body, ConditionalHeaders{
		IfNoneExist:     p.Request.IfNoneExist,
		IfMatch:         p.Request.IfMatch,
		IfNoneMatch:     p.Request.IfNoneMatch,
		IfModifiedSince: p.Request.IfModifiedSince,
	}, r.rc)
	sub.ContentType = contentType

	ctx, span := r.o.tracer.Start(ctx, "fhir.bundle.entry", trace.WithAttributes(
		attribute.Int("fhir.bundle.entry.index", p.Index),
		attribute.String("http.method", sub.Method),
		attribute.String("fhir.interaction", sub.Action()),
		attribute.String("fhir.resource_type", sub.ResourceType()),
	))
	defer span.End()

	claims, headers := r.rc.Claims(), r.rc.AuditHeaders()
	r.o.recorder.RecordExecuting(ctx, sub.Action(), sub.URL, r.rc.CorrelationID, claims, headers)

	var resp *SubResponse
	if unresolved != "" {
		resp = outcomeResponse(http.StatusBadRequest,
			NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, UnresolvedReferenceDiagnostics(unresolved)))
	} else {
		var err error
		resp, err = r.o.dispatcher.Dispatch(ctx, sub)
		if err != nil {
			r.o.logger.Error().Err(err).
				Str("correlation_id", r.rc.CorrelationID).
				Int("entry", p.Index).
				Str("method", sub.Method).
				Str("url", sub.URL).
				Msg("bundle entry failed")
			span.RecordError(err)
			resp = outcomeResponse(http.StatusInternalServerError,
				InternalErrorOutcome("An internal error occurred while processing the entry."))
		}
	}

	r.o.recorder.RecordExecuted(ctx, sub.Action(), sub.ResourceType(), sub.URL, resp.Status, r.rc.CorrelationID, claims, headers)
	r.executed[p.Index] = true

	span.SetAttributes(attribute.Int("http.status_code", resp.Status))
	if resp.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, http.StatusText(resp.Status))
	}

	entry := responseEntry(resp, r.rc.BaseURI)
	r.responses[p.Index] = entry

	if resp.Status < http.StatusBadRequest && IsPlaceholder(p.FullURL) &&
		(p.Request.Method == http.MethodPost || p.Request.Method == http.MethodPut) {
		if ref := referenceFromLocation(entry.Response.Location); ref != "" {
			r.idMap[p.FullURL] = ref
		}
	}

	if r.atomic && resp.Status >= http.StatusBadRequest {
		oo := entry.Response.Outcome
		if oo == nil {
			oo = OutcomeForStatus(resp.Status, "")
		}
		return &TransactionFailedError{Status: resp.Status, Outcome: oo, EntryIndex: p.Index}
	}
	return nil
}

// entryBody encodes the entry resource for the sub-request. A PATCH entry
// carries either a Binary wrapping a JSON Patch document or a JSON object
// applied as a merge patch.
func entryBody(p *PlannedEntry) ([]byte, string) {
	if p.Resource == nil {
		return nil, ""
	}
	if p.Request.Method == http.MethodPatch {
		if rt, _ := p.Resource["resourceType"].(string); rt == "Binary" {
			data, _ := p.Resource["data"].(string)
			ct, _ := p.Resource["contentType"].(string)
			if decoded, err := base64.StdEncoding.DecodeString(data); err == nil {
				if ct == "" {
					ct = "application/json-patch+json"
				}
				return decoded, ct
			}
		}
		body, _ := json.Marshal(p.Resource)
		return body, "application/merge-patch+json"
	}
	body, _ := json.Marshal(p.Resource)
	return body, "application/fhir+json"
}

// responseEntry converts a sub-response into a Bundle response entry.
func responseEntry(resp *SubResponse, baseURI string) BundleEntry {
	r := &BundleResponse{Status: strconv.Itoa(resp.Status)}
	if resp.Header != nil {
		if loc := resp.Header.Get("Location"); loc != "" {
			r.Location = RelativeURL(loc, baseURI)
		}
		r.Etag = resp.Header.Get("ETag")
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := http.ParseTime(lm); err == nil {
				t = t.UTC()
				r.LastModified = &t
			}
		}
	}

	entry := BundleEntry{Response: r}
	if oo := resp.Outcome(); oo != nil {
		r.Outcome = oo
	} else if len(resp.Body) > 0 {
		entry.Resource = json.RawMessage(resp.Body)
	}
	if ref := referenceFromLocation(r.Location); ref != "" {
		if baseURI != "" {
			entry.FullURL = baseURI + "/" + ref
		} else {
			entry.FullURL = ref
		}
	}
	return entry
}

// referenceFromLocation reduces "Patient/1/_history/2" to "Patient/1".
func referenceFromLocation(loc string) string {
	parts := strings.Split(strings.Trim(loc, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return FormatReference(parts[0], parts[1])
}

// statusForError maps the result of Handle to the status recorded for
// the bundle as a whole.
func statusForError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type noopRecorder struct{}

func (noopRecorder) RecordExecuting(context.Context, string, string, string, map[string]string, map[string]string) {
}

func (noopRecorder) RecordExecuted(context.Context, string, string, string, int, string, map[string]string, map[string]string) {
}

type noopTx struct{}

func (noopTx) Commit(context.Context) error   { return nil }
func (noopTx) Rollback(context.Context) error { return nil }
