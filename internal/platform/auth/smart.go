package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// SMARTScope represents a parsed SMART on FHIR resource scope.
// Format: <context>/<resourceType>.<permissions>
// Examples: patient/Patient.read, user/Observation.write, system/*.cruds
type SMARTScope struct {
	Context      string // "patient", "user", or "system"
	ResourceType string // e.g. "Patient", "Observation", "*"
	Operation    string // "read", "write", "*", or a SMART v2 permission string
}

// ParseSMARTScope parses a SMART on FHIR scope string into its components.
// Both v1 operations (read, write, *) and v2 permission strings made of the
// letters c, r, u, d, s in that order are accepted. Non-resource scopes
// such as "openid" or "launch" are rejected.
func ParseSMARTScope(scope string) (*SMARTScope, error) {
	slashIdx := strings.Index(scope, "/")
	if slashIdx < 0 {
		return nil, fmt.Errorf("not a resource scope: %s", scope)
	}

	ctx := scope[:slashIdx]
	remainder := scope[slashIdx+1:]

	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return nil, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	dotIdx := strings.LastIndex(remainder, ".")
	if dotIdx < 0 {
		return nil, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}

	resourceType := remainder[:dotIdx]
	operation := remainder[dotIdx+1:]
	if i := strings.Index(operation, "?"); i >= 0 {
		operation = operation[:i]
	}

	if resourceType == "" {
		return nil, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}
	if operation != "read" && operation != "write" && operation != "*" && !isPermissionString(operation) {
		return nil, fmt.Errorf("invalid operation %q: must be read, write, * or a cruds permission string", operation)
	}

	return &SMARTScope{
		Context:      ctx,
		ResourceType: resourceType,
		Operation:    operation,
	}, nil
}

// ParseSMARTScopes parses a list of scope strings, returning only the valid
// SMART resource scopes.
func ParseSMARTScopes(scopes []string) []SMARTScope {
	var result []SMARTScope
	for _, s := range scopes {
		parsed, err := ParseSMARTScope(s)
		if err != nil {
			continue // skip non-resource scopes
		}
		result = append(result, *parsed)
	}
	return result
}

// ScopeAllows checks whether a list of SMART scopes grants the permission
// letter (c, r, u, d or s) on the given resource type.
func ScopeAllows(scopes []SMARTScope, resourceType string, permission byte) bool {
	for _, s := range scopes {
		if !resourceMatches(s.ResourceType, resourceType) {
			continue
		}
		if !operationMatches(s.Operation, permission) {
			continue
		}
		return true
	}
	return false
}

func resourceMatches(granted, requested string) bool {
	return granted == "*" || granted == requested
}

func operationMatches(granted string, permission byte) bool {
	switch granted {
	case "*":
		return true
	case "read":
		return permission == 'r' || permission == 's'
	case "write":
		return permission == 'c' || permission == 'u' || permission == 'd'
	}
	return strings.IndexByte(granted, permission) >= 0
}

func isPermissionString(s string) bool {
	const order = "cruds"
	pos := 0
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(order[pos:], s[i])
		if idx < 0 {
			return false
		}
		pos += idx + 1
	}
	return s != ""
}

// permissionFor maps an interaction to the SMART v2 permission letter it
// requires.
func permissionFor(i fhir.Interaction) byte {
	switch i.Base() {
	case fhir.InteractionCreate:
		return 'c'
	case fhir.InteractionUpdate, fhir.InteractionPatch:
		return 'u'
	case fhir.InteractionDelete:
		return 'd'
	case fhir.InteractionSearchType, fhir.InteractionSearchSystem:
		return 's'
	}
	return 'r'
}

// ScopeAuthorizer authorizes bundle sub-requests against the SMART scopes
// of the principal. Principals holding one of the bypass roles are allowed
// everything.
type ScopeAuthorizer struct {
	bypassRoles map[string]bool
}

// NewScopeAuthorizer creates a ScopeAuthorizer. With no bypass roles given,
// "admin" is used.
func NewScopeAuthorizer(bypassRoles ...string) *ScopeAuthorizer {
	if len(bypassRoles) == 0 {
		bypassRoles = []string{"admin"}
	}
	roles := make(map[string]bool, len(bypassRoles))
	for _, r := range bypassRoles {
		roles[r] = true
	}
	return &ScopeAuthorizer{bypassRoles: roles}
}

// Authorize implements fhir.Authorizer. System level interactions require a
// wildcard resource scope; the capabilities interaction is always allowed.
func (a *ScopeAuthorizer) Authorize(_ context.Context, p fhir.Principal, resourceType string, interaction fhir.Interaction) error {
	if interaction == fhir.InteractionCapabilities {
		return nil
	}
	for _, r := range p.Roles {
		if a.bypassRoles[r] {
			return nil
		}
	}

	if interaction.IsSystemLevel() || resourceType == "" {
		resourceType = "*"
	}
	if ScopeAllows(ParseSMARTScopes(p.Scopes), resourceType, permissionFor(interaction)) {
		return nil
	}
	return fmt.Errorf("%w: %s on %s requires a %c scope", fhir.ErrForbidden, interaction, resourceType, permissionFor(interaction))
}
