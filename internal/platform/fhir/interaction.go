package fhir

import (
	"net/url"
	"strings"
)

// Interaction is a FHIR RESTful interaction code. The code doubles as the
// audit action name for the request.
type Interaction string

const (
	InteractionRead              Interaction = "read"
	InteractionVRead             Interaction = "vread"
	InteractionSearchType        Interaction = "search-type"
	InteractionSearchSystem      Interaction = "search-system"
	InteractionCreate            Interaction = "create"
	InteractionConditionalCreate Interaction = "conditional-create"
	InteractionUpdate            Interaction = "update"
	InteractionConditionalUpdate Interaction = "conditional-update"
	InteractionPatch             Interaction = "patch"
	InteractionConditionalPatch  Interaction = "conditional-patch"
	InteractionDelete            Interaction = "delete"
	InteractionConditionalDelete Interaction = "conditional-delete"
	InteractionHistoryInstance   Interaction = "history-instance"
	InteractionHistoryType       Interaction = "history-type"
	InteractionHistorySystem     Interaction = "history-system"
	InteractionCapabilities      Interaction = "capabilities"
	InteractionTransaction       Interaction = "transaction"
	InteractionBatch             Interaction = "batch"
)

// Base returns the interaction a conditional variant is declared under in
// a CapabilityStatement.
func (i Interaction) Base() Interaction {
	switch i {
	case InteractionConditionalCreate:
		return InteractionCreate
	case InteractionConditionalUpdate:
		return InteractionUpdate
	case InteractionConditionalPatch:
		return InteractionPatch
	case InteractionConditionalDelete:
		return InteractionDelete
	}
	return i
}

// IsConditional reports whether the interaction selects its target by search.
func (i Interaction) IsConditional() bool {
	return i != i.Base()
}

// IsWrite reports whether the interaction modifies stored resources.
func (i Interaction) IsWrite() bool {
	switch i.Base() {
	case InteractionCreate, InteractionUpdate, InteractionPatch, InteractionDelete:
		return true
	}
	return false
}

// IsSystemLevel reports whether the interaction applies to the server as a
// whole rather than to a resource type.
func (i Interaction) IsSystemLevel() bool {
	switch i {
	case InteractionSearchSystem, InteractionHistorySystem, InteractionCapabilities,
		InteractionTransaction, InteractionBatch:
		return true
	}
	return false
}

// EntryTarget is the decomposed form of a relative FHIR request URL.
type EntryTarget struct {
	ResourceType string
	ID           string
	VersionID    string
	History      bool
	Search       bool // query string present
	SearchPath   bool // "Type/_search"
	Query        string
}

// Params returns the parsed query string.
func (t EntryTarget) Params() url.Values {
	v, _ := url.ParseQuery(t.Query)
	return v
}

// Criteria returns the conditional search expression "Type?query".
func (t EntryTarget) Criteria() string {
	return t.ResourceType + "?" + t.Query
}

// Reference returns "Type/id" when the target names a single resource.
func (t EntryTarget) Reference() string {
	if t.ResourceType == "" || t.ID == "" {
		return ""
	}
	return FormatReference(t.ResourceType, t.ID)
}

// IsBase reports whether the URL addresses the server base.
func (t EntryTarget) IsBase() bool {
	return t.ResourceType == "" && !t.History
}

// ParseEntryURL parses a Bundle entry request URL. Absolute URLs under
// baseURI and leading slashes are reduced to the relative form first.
//
// Examples:
//
//	"Patient/123"                 -> {Patient 123}
//	"Patient?name=Smith"          -> {Patient, Query "name=Smith"}
//	"Patient/123/_history/2"      -> {Patient 123 2, History}
//	"_history"                    -> {History}
//
// ok is false for URLs with more path segments than any interaction uses.
func ParseEntryURL(raw, baseURI string) (target EntryTarget, ok bool) {
	rel := RelativeURL(raw, baseURI)

	if idx := strings.Index(rel, "?"); idx >= 0 {
		target.Query = rel[idx+1:]
		target.Search = true
		rel = rel[:idx]
	}
	rel = strings.Trim(rel, "/")
	if rel == "" {
		return target, true
	}

	parts := strings.Split(rel, "/")
	if parts[0] == "_history" {
		target.History = true
		return target, len(parts) == 1
	}
	if parts[0] == "metadata" && len(parts) == 1 {
		target.ResourceType = "metadata"
		return target, true
	}
	target.ResourceType = parts[0]

	switch len(parts) {
	case 1:
	case 2:
		switch parts[1] {
		case "_history":
			target.History = true
		case "_search":
			target.SearchPath = true
		default:
			target.ID = parts[1]
		}
	case 3:
		if parts[2] != "_history" {
			return target, false
		}
		target.ID = parts[1]
		target.History = true
	case 4:
		if parts[2] != "_history" {
			return target, false
		}
		target.ID = parts[1]
		target.VersionID = parts[3]
		target.History = true
	default:
		return target, false
	}
	return target, true
}

// RelativeURL strips baseURI and any leading slash from raw.
func RelativeURL(raw, baseURI string) string {
	if baseURI != "" && strings.HasPrefix(raw, baseURI) {
		raw = raw[len(baseURI):]
	}
	return strings.TrimLeft(raw, "/")
}

// classifier maps a parsed target to an interaction for one HTTP method.
type classifier func(t EntryTarget, ifNoneExist string) (Interaction, bool)

// verbTable is the closed set of methods a sub-request may use. Every
// method maps to exactly one classifier; anything else is rejected.
var verbTable = map[string]classifier{
	"GET":    classifyRead,
	"HEAD":   classifyRead,
	"POST":   classifyPost,
	"PUT":    classifyUpdate,
	"PATCH":  classifyPatch,
	"DELETE": classifyDelete,
}

// IsSupportedMethod reports whether method may appear in a Bundle entry.
func IsSupportedMethod(method string) bool {
	_, ok := verbTable[method]
	return ok
}

// Classify determines the interaction a request performs. ok is false when
// the method/URL combination is not a FHIR RESTful interaction.
func Classify(method string, t EntryTarget, ifNoneExist string) (Interaction, bool) {
	fn, ok := verbTable[method]
	if !ok {
		return "", false
	}
	return fn(t, ifNoneExist)
}

func classifyRead(t EntryTarget, _ string) (Interaction, bool) {
	switch {
	case t.ResourceType == "metadata":
		return InteractionCapabilities, true
	case t.ResourceType == "" && t.History:
		return InteractionHistorySystem, true
	case t.ResourceType == "":
		return InteractionSearchSystem, true
	case t.SearchPath:
		return "", false
	case t.ID == "" && t.History:
		return InteractionHistoryType, true
	case t.ID == "":
		return InteractionSearchType, true
	case t.VersionID != "":
		return InteractionVRead, true
	case t.History:
		return InteractionHistoryInstance, true
	case t.Search:
		return "", false
	}
	return InteractionRead, true
}

func classifyPost(t EntryTarget, ifNoneExist string) (Interaction, bool) {
	switch {
	case t.ResourceType == "" || t.ResourceType == "metadata" || t.History:
		return "", false
	case t.ID != "":
		return "", false
	case t.SearchPath:
		return InteractionSearchType, true
	case t.Search:
		return "", false
	case ifNoneExist != "":
		return InteractionConditionalCreate, true
	}
	return InteractionCreate, true
}

func classifyUpdate(t EntryTarget, _ string) (Interaction, bool) {
	return classifyInstanceWrite(t, InteractionUpdate, InteractionConditionalUpdate)
}

func classifyPatch(t EntryTarget, _ string) (Interaction, bool) {
	return classifyInstanceWrite(t, InteractionPatch, InteractionConditionalPatch)
}

func classifyDelete(t EntryTarget, _ string) (Interaction, bool) {
	return classifyInstanceWrite(t, InteractionDelete, InteractionConditionalDelete)
}

func classifyInstanceWrite(t EntryTarget, direct, conditional Interaction) (Interaction, bool) {
	switch {
	case t.ResourceType == "" || t.ResourceType == "metadata" || t.History || t.SearchPath:
		return "", false
	case t.ID != "" && !t.Search:
		return direct, true
	case t.ID == "" && t.Query != "":
		return conditional, true
	}
	return "", false
}
