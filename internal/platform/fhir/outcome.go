package fhir

import (
	"fmt"
	"net/http"
)

// authorizationFailedDiagnostics is the literal text clients and audit
// consumers match on for denied sub-requests.
const authorizationFailedDiagnostics = "Authorization failed."

// ForbiddenOutcome creates the 403 OperationOutcome returned for a request
// the caller is not permitted to perform.
func ForbiddenOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeForbidden, authorizationFailedDiagnostics)
}

// RouteNotFoundOutcome creates the 404 OperationOutcome for a URL that no
// handler is registered for.
func RouteNotFoundOutcome(method, url string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound,
		fmt.Sprintf("The requested route '%s %s' was not found.", method, url))
}

// MethodNotAllowedOutcome creates a 405-style OperationOutcome for an
// interaction that is not declared for the target resource type.
func MethodNotAllowedOutcome(method, resourceType string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported,
		fmt.Sprintf("HTTP method %s is not supported for resource type '%s'.", method, resourceType))
}

// PreconditionFailedOutcome creates a 412 OperationOutcome.
func PreconditionFailedOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

// TimeoutOutcome creates the OperationOutcome for a request whose context
// expired before processing completed.
func TimeoutOutcome() *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeTimeout,
		"Request processing exceeded the allowed time limit")
}

// OutcomeForStatus builds a generic OperationOutcome for a bare HTTP status
// returned by a handler that did not supply its own outcome.
func OutcomeForStatus(status int, diagnostics string) *OperationOutcome {
	if diagnostics == "" {
		diagnostics = http.StatusText(status)
	}
	code := IssueTypeProcessing
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = IssueTypeInvalid
	case http.StatusUnauthorized:
		code = IssueTypeLogin
	case http.StatusForbidden:
		code = IssueTypeForbidden
	case http.StatusNotFound:
		code = IssueTypeNotFound
	case http.StatusMethodNotAllowed:
		code = IssueTypeNotSupported
	case http.StatusConflict, http.StatusPreconditionFailed:
		code = IssueTypeConflict
	case http.StatusGone:
		code = IssueTypeDeleted
	case http.StatusRequestEntityTooLarge, http.StatusRequestHeaderFieldsTooLarge:
		code = IssueTypeTooLong
	case http.StatusTooManyRequests:
		code = IssueTypeThrottled
	case http.StatusGatewayTimeout:
		code = IssueTypeTimeout
	}
	if status >= 500 && code == IssueTypeProcessing {
		code = IssueTypeException
	}
	return NewOperationOutcome(IssueSeverityError, code, diagnostics)
}
