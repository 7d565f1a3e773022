package fhir

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// CapabilityProvider answers whether an interaction is declared for a
// resource type. System-level interactions are queried with an empty type.
type CapabilityProvider interface {
	Supports(resourceType string, interaction Interaction) bool
}

// SearchParam describes a search parameter for use with the CapabilityBuilder.
type SearchParam struct {
	Name          string `json:"name"`
	Type          string `json:"type"`
	Documentation string `json:"documentation,omitempty"`
}

type resourceEntry struct {
	resourceType      string
	interactions      []Interaction
	searchParams      []SearchParam
	conditionalCreate bool
	conditionalUpdate bool
	conditionalDelete string // "not-supported", "single", "multiple"
}

// CapabilityBuilder accumulates resource registrations and builds a FHIR
// CapabilityStatement. It is also the server's CapabilityProvider, so the
// /fhir/metadata response and the checks applied to bundle entries agree.
type CapabilityBuilder struct {
	mu        sync.RWMutex
	resources map[string]*resourceEntry

	ServerName    string
	ServerVersion string
	BaseURL       string

	systemInteractions []Interaction
}

// NewCapabilityBuilder creates a new builder. The baseURL is the FHIR server
// base URL (e.g., "http://localhost:8000/fhir"), and version is the server
// software version.
func NewCapabilityBuilder(baseURL, version string) *CapabilityBuilder {
	return &CapabilityBuilder{
		resources:     make(map[string]*resourceEntry),
		ServerName:    "FHIR Bundle Server",
		ServerVersion: version,
		BaseURL:       baseURL,
		systemInteractions: []Interaction{
			InteractionTransaction,
			InteractionBatch,
			InteractionCapabilities,
		},
	}
}

// AddResource registers a FHIR resource type with the given interactions and
// search parameters. If the resource type was already registered, the new
// interactions and search parameters are merged with the existing ones.
// Conditional create, update and delete are enabled when the type supports
// search-type.
func (b *CapabilityBuilder) AddResource(resourceType string, interactions []Interaction, searchParams []SearchParam) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.resources[resourceType]
	if !ok {
		entry = &resourceEntry{
			resourceType:      resourceType,
			conditionalDelete: "not-supported",
		}
		b.resources[resourceType] = entry
	}

	existing := make(map[Interaction]bool, len(entry.interactions))
	for _, i := range entry.interactions {
		existing[i] = true
	}
	for _, i := range interactions {
		if !existing[i] {
			entry.interactions = append(entry.interactions, i)
			existing[i] = true
		}
	}

	existingParams := make(map[string]bool, len(entry.searchParams))
	for _, p := range entry.searchParams {
		existingParams[p.Name] = true
	}
	for _, p := range searchParams {
		if !existingParams[p.Name] {
			entry.searchParams = append(entry.searchParams, p)
			existingParams[p.Name] = true
		}
	}

	if existing[InteractionSearchType] {
		entry.conditionalCreate = existing[InteractionCreate]
		entry.conditionalUpdate = existing[InteractionUpdate]
		if existing[InteractionDelete] {
			entry.conditionalDelete = "single"
		}
	}
}

// SetSystemInteractions replaces the system-level interactions.
func (b *CapabilityBuilder) SetSystemInteractions(codes []Interaction) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.systemInteractions = append([]Interaction(nil), codes...)
}

// Supports implements CapabilityProvider.
func (b *CapabilityBuilder) Supports(resourceType string, interaction Interaction) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if interaction.IsSystemLevel() {
		for _, i := range b.systemInteractions {
			if i == interaction {
				return true
			}
		}
		return false
	}

	entry, ok := b.resources[resourceType]
	if !ok {
		return false
	}
	switch interaction {
	case InteractionConditionalCreate:
		return entry.conditionalCreate
	case InteractionConditionalUpdate:
		return entry.conditionalUpdate
	case InteractionConditionalDelete:
		return entry.conditionalDelete != "not-supported"
	}
	want := interaction.Base()
	for _, i := range entry.interactions {
		if i == want {
			return true
		}
	}
	return false
}

// SearchParams returns the declared search parameters for a resource type.
func (b *CapabilityBuilder) SearchParams(resourceType string) []SearchParam {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.resources[resourceType]
	if !ok {
		return nil
	}
	return append([]SearchParam(nil), entry.searchParams...)
}

// ResourceTypes returns registered resource types sorted alphabetically.
func (b *CapabilityBuilder) ResourceTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make([]string, 0, len(b.resources))
	for rt := range b.resources {
		types = append(types, rt)
	}
	sort.Strings(types)
	return types
}

// Build returns the CapabilityStatement as a generic JSON map.
func (b *CapabilityBuilder) Build() map[string]interface{} {
	types := b.ResourceTypes()

	b.mu.RLock()
	defer b.mu.RUnlock()

	resources := make([]map[string]interface{}, 0, len(types))
	for _, rt := range types {
		resources = append(resources, b.buildResourceEntry(b.resources[rt]))
	}

	rest := map[string]interface{}{
		"mode":     "server",
		"resource": resources,
	}
	if len(b.systemInteractions) > 0 {
		ia := make([]map[string]string, len(b.systemInteractions))
		for i, code := range b.systemInteractions {
			ia[i] = map[string]string{"code": string(code)}
		}
		rest["interaction"] = ia
	}

	return map[string]interface{}{
		"resourceType": "CapabilityStatement",
		"status":       "active",
		"date":         time.Now().UTC().Format("2006-01-02"),
		"kind":         "instance",
		"fhirVersion":  "4.0.1",
		"format":       []string{"json"},
		"software": map[string]string{
			"name":    b.ServerName,
			"version": b.ServerVersion,
		},
		"implementation": map[string]string{
			"description": b.ServerName,
			"url":         b.BaseURL,
		},
		"rest": []map[string]interface{}{rest},
	}
}

func (b *CapabilityBuilder) buildResourceEntry(entry *resourceEntry) map[string]interface{} {
	interactions := make([]map[string]string, len(entry.interactions))
	for i, code := range entry.interactions {
		interactions[i] = map[string]string{"code": string(code)}
	}

	res := map[string]interface{}{
		"type":              entry.resourceType,
		"interaction":       interactions,
		"versioning":        "versioned",
		"readHistory":       true,
		"updateCreate":      true,
		"conditionalCreate": entry.conditionalCreate,
		"conditionalUpdate": entry.conditionalUpdate,
		"conditionalDelete": entry.conditionalDelete,
	}
	if len(entry.searchParams) > 0 {
		params := make([]map[string]string, len(entry.searchParams))
		for i, p := range entry.searchParams {
			sp := map[string]string{"name": p.Name, "type": p.Type}
			if p.Documentation != "" {
				sp["documentation"] = p.Documentation
			}
			params[i] = sp
		}
		res["searchParam"] = params
	}
	return res
}

// DefaultInteractions returns the standard set of CRUD interactions for a
// resource type.
func DefaultInteractions() []Interaction {
	return []Interaction{
		InteractionRead, InteractionVRead, InteractionSearchType, InteractionCreate,
		InteractionUpdate, InteractionPatch, InteractionDelete,
		InteractionHistoryInstance, InteractionHistoryType,
	}
}

// ReadOnlyInteractions returns interactions for read-only resources.
func ReadOnlyInteractions() []Interaction {
	return []Interaction{InteractionRead, InteractionVRead, InteractionSearchType}
}

// CapabilityHandler serves the CapabilityStatement.
type CapabilityHandler struct {
	builder *CapabilityBuilder
}

// NewCapabilityHandler creates a handler backed by the given builder.
func NewCapabilityHandler(builder *CapabilityBuilder) *CapabilityHandler {
	return &CapabilityHandler{builder: builder}
}

// RegisterRoutes registers the metadata endpoint on the provided Echo group.
func (h *CapabilityHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/metadata", h.GetMetadata)
}

// GetMetadata returns the full CapabilityStatement.
func (h *CapabilityHandler) GetMetadata(c echo.Context) error {
	return c.JSON(http.StatusOK, h.builder.Build())
}
