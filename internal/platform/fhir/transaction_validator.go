package fhir

import (
	"context"
	"fmt"
	"net/http"
)

// Searcher finds resources matching equality search parameters. It returns
// at most limit logical ids.
type Searcher interface {
	SearchIDs(ctx context.Context, resourceType string, params map[string]string, limit int) ([]string, error)
}

// PlannedEntry is a parsed Bundle entry ready for validation and execution.
type PlannedEntry struct {
	Index       int
	FullURL     string
	Request     BundleRequest
	Target      EntryTarget
	Interaction Interaction // empty when the URL is not a RESTful interaction
	Resource    map[string]interface{}
}

// EntryIssue is one reason a transaction was rejected.
type EntryIssue struct {
	Index       int
	Status      int
	Code        string
	Diagnostics string
}

// ValidationResult is the outcome of pre-flight transaction validation.
// References maps every conditional reference found in entry resources to
// the literal reference (or bundle-local fullUrl) it resolved to.
type ValidationResult struct {
	Issues     []EntryIssue
	References map[string]string
}

// OK reports whether the transaction may execute.
func (r *ValidationResult) OK() bool {
	return len(r.Issues) == 0
}

// Status returns the HTTP status of the first issue.
func (r *ValidationResult) Status() int {
	if len(r.Issues) == 0 {
		return http.StatusOK
	}
	return r.Issues[0].Status
}

// Outcome converts the issues into an OperationOutcome.
func (r *ValidationResult) Outcome() *OperationOutcome {
	b := NewOutcomeBuilder()
	for _, issue := range r.Issues {
		b.AddIssueWithLocation(IssueSeverityError, issue.Code, issue.Diagnostics,
			fmt.Sprintf("Bundle.entry[%d]", issue.Index))
	}
	return b.Build()
}

func (r *ValidationResult) add(index, status int, code, diagnostics string) {
	r.Issues = append(r.Issues, EntryIssue{Index: index, Status: status, Code: code, Diagnostics: diagnostics})
}

// TransactionValidator checks a transaction Bundle against the data store
// and the declared capabilities before any entry executes.
type TransactionValidator struct {
	searcher     Searcher
	capabilities CapabilityProvider
}

// NewTransactionValidator creates a TransactionValidator. A nil capability
// provider skips conformance checks.
func NewTransactionValidator(searcher Searcher, capabilities CapabilityProvider) *TransactionValidator {
	return &TransactionValidator{searcher: searcher, capabilities: capabilities}
}

// Validate checks identity conflicts, conditional criteria, conditional
// references, bundle-local placeholders and conformance. A returned error is
// an infrastructure failure of the search capability.
func (v *TransactionValidator) Validate(ctx context.Context, entries []*PlannedEntry) (*ValidationResult, error) {
	result := &ValidationResult{References: make(map[string]string)}

	fullURLs := make(map[string]bool, len(entries))
	createdByCriteria := make(map[string]string)
	for _, e := range entries {
		if e.FullURL != "" {
			fullURLs[e.FullURL] = true
		}
		if e.Interaction == InteractionConditionalCreate && e.FullURL != "" {
			key := criteriaKey(e.Target.ResourceType, IfNoneExistQuery(e.Target.ResourceType, e.Request.IfNoneExist))
			if _, seen := createdByCriteria[key]; !seen {
				createdByCriteria[key] = e.FullURL
			}
		}
	}

	identities := make(map[string]int)
	for _, e := range entries {
		if !v.supported(e) {
			result.add(e.Index, http.StatusBadRequest, IssueTypeNotSupported,
				fmt.Sprintf("Interaction %s '%s' is not supported by this server.", e.Request.Method, e.Request.URL))
			continue
		}

		identity, err := v.identity(ctx, e, result)
		if err != nil {
			return nil, err
		}
		if identity != "" {
			if _, dup := identities[identity]; dup {
				result.add(e.Index, http.StatusBadRequest, IssueTypeInvalid,
					fmt.Sprintf("Bundle contains multiple entries that refers to the same resource '%s'.", identity))
			} else {
				identities[identity] = e.Index
			}
		}

		for _, ph := range urlPlaceholders(e.Request.URL) {
			if !fullURLs[ph] {
				result.add(e.Index, http.StatusBadRequest, IssueTypeInvalid, UnresolvedReferenceDiagnostics(ph))
			}
		}

		for _, ref := range extractReferences(e.Resource) {
			if IsPlaceholder(ref) {
				if !fullURLs[ref] {
					result.add(e.Index, http.StatusBadRequest, IssueTypeInvalid, UnresolvedReferenceDiagnostics(ref))
				}
				continue
			}
			rt, query, ok := ParseConditionalReference(ref)
			if !ok {
				continue
			}
			if _, done := result.References[ref]; done {
				continue
			}
			if local, ok := createdByCriteria[criteriaKey(rt, query)]; ok {
				result.References[ref] = local
				continue
			}
			ids, err := v.search(ctx, rt, query)
			if err != nil {
				return nil, err
			}
			switch len(ids) {
			case 0:
				result.add(e.Index, http.StatusBadRequest, IssueTypeInvalid,
					fmt.Sprintf("Given conditional reference '%s' does not resolve to a resource.", ref))
			case 1:
				result.References[ref] = FormatReference(rt, ids[0])
			default:
				result.add(e.Index, http.StatusBadRequest, IssueTypeInvalid,
					fmt.Sprintf("Given conditional reference '%s' resolved to multiple resources.", ref))
			}
		}
	}

	return result, nil
}

func (v *TransactionValidator) supported(e *PlannedEntry) bool {
	if e.Interaction == "" {
		return false
	}
	if v.capabilities == nil {
		return true
	}
	rt := e.Target.ResourceType
	if e.Interaction.IsSystemLevel() {
		rt = ""
	}
	return v.capabilities.Supports(rt, e.Interaction)
}

// identity returns the resource a write entry targets, resolving
// conditional criteria through search. Criteria matching several resources
// are recorded as a 412 issue.
func (v *TransactionValidator) identity(ctx context.Context, e *PlannedEntry, result *ValidationResult) (string, error) {
	var query string
	switch e.Interaction {
	case InteractionUpdate, InteractionPatch, InteractionDelete:
		return e.Target.Reference(), nil
	case InteractionConditionalUpdate, InteractionConditionalPatch, InteractionConditionalDelete:
		query = e.Target.Query
	case InteractionConditionalCreate:
		query = IfNoneExistQuery(e.Target.ResourceType, e.Request.IfNoneExist)
	default:
		return "", nil
	}

	rt := e.Target.ResourceType
	ids, err := v.search(ctx, rt, query)
	if err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return criteriaKey(rt, query), nil
	case 1:
		return FormatReference(rt, ids[0]), nil
	default:
		result.add(e.Index, http.StatusPreconditionFailed, IssueTypeDuplicate,
			fmt.Sprintf("Conditional criteria '%s?%s' matched multiple resources.", rt, query))
		return "", nil
	}
}

func (v *TransactionValidator) search(ctx context.Context, resourceType, query string) ([]string, error) {
	if v.searcher == nil {
		return nil, nil
	}
	ids, err := v.searcher.SearchIDs(ctx, resourceType, ParseSearchString(query), 2)
	if err != nil {
		return nil, fmt.Errorf("search %s?%s: %w", resourceType, query, err)
	}
	return ids, nil
}

func criteriaKey(resourceType, query string) string {
	return resourceType + "?" + CanonicalCriteria(query)
}
