package server

import "github.com/ehr/fhirbundle/internal/platform/fhir"

// Search parameters are matched against the top-level element of the same
// name, so they are declared under their element names.
var searchParams = map[string][]fhir.SearchParam{
	"Patient": {
		{Name: "name", Type: "string"},
		{Name: "birthDate", Type: "date"},
		{Name: "gender", Type: "token"},
		{Name: "active", Type: "token"},
	},
	"Practitioner": {
		{Name: "name", Type: "string"},
		{Name: "active", Type: "token"},
	},
	"Organization": {
		{Name: "name", Type: "string"},
		{Name: "type", Type: "token"},
		{Name: "active", Type: "token"},
	},
	"Encounter": {
		{Name: "subject", Type: "reference"},
		{Name: "status", Type: "token"},
		{Name: "class", Type: "token"},
	},
	"Observation": {
		{Name: "subject", Type: "reference"},
		{Name: "category", Type: "token"},
		{Name: "code", Type: "token"},
		{Name: "status", Type: "token"},
	},
	"Condition": {
		{Name: "subject", Type: "reference"},
		{Name: "clinicalStatus", Type: "token"},
		{Name: "category", Type: "token"},
		{Name: "code", Type: "token"},
	},
	"Procedure": {
		{Name: "subject", Type: "reference"},
		{Name: "status", Type: "token"},
		{Name: "code", Type: "token"},
	},
	"MedicationRequest": {
		{Name: "subject", Type: "reference"},
		{Name: "status", Type: "token"},
		{Name: "intent", Type: "token"},
	},
	"AllergyIntolerance": {
		{Name: "patient", Type: "reference"},
		{Name: "clinicalStatus", Type: "token"},
		{Name: "code", Type: "token"},
	},
	"DiagnosticReport": {
		{Name: "subject", Type: "reference"},
		{Name: "status", Type: "token"},
		{Name: "code", Type: "token"},
	},
}

// SearchParamsFor returns the search parameters declared for resourceType.
// Every type supports _id and, where it has one, identifier.
func SearchParamsFor(resourceType string) []fhir.SearchParam {
	params := []fhir.SearchParam{
		{Name: "_id", Type: "token"},
		{Name: "identifier", Type: "token"},
	}
	return append(params, searchParams[resourceType]...)
}
