package fhir

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// PreferReturnPreference represents the FHIR Prefer return directive value.
type PreferReturnPreference string

const (
	ReturnMinimal          PreferReturnPreference = "minimal"
	ReturnRepresentation   PreferReturnPreference = "representation"
	ReturnOperationOutcome PreferReturnPreference = "OperationOutcome"
)

// ParsePreferReturn extracts the return directive from a Prefer header.
// Directives may be separated by semicolons or commas. The default is
// return=representation.
func ParsePreferReturn(prefer string) PreferReturnPreference {
	normalized := strings.ReplaceAll(prefer, ",", ";")
	for _, part := range strings.Split(normalized, ";") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "return=") {
			continue
		}
		switch v := PreferReturnPreference(strings.TrimSpace(part[len("return="):])); v {
		case ReturnMinimal, ReturnRepresentation, ReturnOperationOutcome:
			return v
		}
	}
	return ReturnRepresentation
}

// WriteResource writes the response to a write interaction honouring the
// request's Prefer return directive.
func WriteResource(c echo.Context, status int, resource interface{}, diagnostics string) error {
	switch ParsePreferReturn(c.Request().Header.Get(HeaderPrefer)) {
	case ReturnMinimal:
		return c.NoContent(status)
	case ReturnOperationOutcome:
		return c.JSON(status, NewOperationOutcome(IssueSeverityInformation, IssueTypeInformational, diagnostics))
	}
	if resource == nil {
		return c.NoContent(status)
	}
	return c.JSON(status, resource)
}

// WriteOutcome writes an error OperationOutcome with the given status.
func WriteOutcome(c echo.Context, status int, oo *OperationOutcome) error {
	if oo == nil {
		oo = OutcomeForStatus(status, "")
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, oo)
}
