package fhir

import "testing"

func TestParseEntryURL(t *testing.T) {
	tests := []struct {
		raw  string
		base string
		want EntryTarget
		ok   bool
	}{
		{"Patient/123", "", EntryTarget{ResourceType: "Patient", ID: "123"}, true},
		{"/Patient/123", "", EntryTarget{ResourceType: "Patient", ID: "123"}, true},
		{"http://example.org/fhir/Patient/123", "http://example.org/fhir", EntryTarget{ResourceType: "Patient", ID: "123"}, true},
		{"Patient?name=Smith", "", EntryTarget{ResourceType: "Patient", Search: true, Query: "name=Smith"}, true},
		{"Patient/_search", "", EntryTarget{ResourceType: "Patient", SearchPath: true}, true},
		{"Patient/_history", "", EntryTarget{ResourceType: "Patient", History: true}, true},
		{"Patient/1/_history", "", EntryTarget{ResourceType: "Patient", ID: "1", History: true}, true},
		{"Patient/1/_history/2", "", EntryTarget{ResourceType: "Patient", ID: "1", VersionID: "2", History: true}, true},
		{"_history", "", EntryTarget{History: true}, true},
		{"metadata", "", EntryTarget{ResourceType: "metadata"}, true},
		{"", "", EntryTarget{}, true},
		{"?_type=Patient", "", EntryTarget{Search: true, Query: "_type=Patient"}, true},
		{"Patient/1/foo", "", EntryTarget{}, false},
		{"Patient/1/_history/2/extra", "", EntryTarget{}, false},
		{"_history/1", "", EntryTarget{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseEntryURL(tt.raw, tt.base)
		if ok != tt.ok {
			t.Errorf("ParseEntryURL(%q) ok = %v, want %v", tt.raw, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("ParseEntryURL(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		method      string
		url         string
		ifNoneExist string
		want        Interaction
		ok          bool
	}{
		{"GET", "Patient/1", "", InteractionRead, true},
		{"HEAD", "Patient/1", "", InteractionRead, true},
		{"GET", "Patient/1/_history/2", "", InteractionVRead, true},
		{"GET", "Patient/1/_history", "", InteractionHistoryInstance, true},
		{"GET", "Patient/_history", "", InteractionHistoryType, true},
		{"GET", "_history", "", InteractionHistorySystem, true},
		{"GET", "Patient?name=x", "", InteractionSearchType, true},
		{"GET", "Patient", "", InteractionSearchType, true},
		{"GET", "?_type=Patient", "", InteractionSearchSystem, true},
		{"GET", "metadata", "", InteractionCapabilities, true},
		{"GET", "Patient/_search", "", "", false},
		{"POST", "Patient", "", InteractionCreate, true},
		{"POST", "Patient", "identifier=1", InteractionConditionalCreate, true},
		{"POST", "Patient/_search", "", InteractionSearchType, true},
		{"POST", "Patient/1", "", "", false},
		{"POST", "Patient?name=x", "", "", false},
		{"PUT", "Patient/1", "", InteractionUpdate, true},
		{"PUT", "Patient?identifier=1", "", InteractionConditionalUpdate, true},
		{"PUT", "Patient", "", "", false},
		{"PATCH", "Patient/1", "", InteractionPatch, true},
		{"PATCH", "Patient?identifier=1", "", InteractionConditionalPatch, true},
		{"DELETE", "Patient/1", "", InteractionDelete, true},
		{"DELETE", "Patient?identifier=1", "", InteractionConditionalDelete, true},
		{"DELETE", "Patient/1/_history/2", "", "", false},
		{"OPTIONS", "Patient/1", "", "", false},
	}
	for _, tt := range tests {
		target, ok := ParseEntryURL(tt.url, "")
		if !ok {
			t.Fatalf("ParseEntryURL(%q) failed", tt.url)
		}
		got, ok := Classify(tt.method, target, tt.ifNoneExist)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Classify(%s %s) = %q, %v; want %q, %v", tt.method, tt.url, got, ok, tt.want, tt.ok)
		}
	}
}

func TestInteractionPredicates(t *testing.T) {
	if InteractionConditionalUpdate.Base() != InteractionUpdate {
		t.Errorf("expected conditional-update to be declared under update")
	}
	if !InteractionConditionalDelete.IsConditional() || InteractionDelete.IsConditional() {
		t.Errorf("unexpected IsConditional results")
	}
	for _, i := range []Interaction{InteractionCreate, InteractionConditionalPatch, InteractionDelete} {
		if !i.IsWrite() {
			t.Errorf("expected %s to be a write", i)
		}
	}
	if InteractionRead.IsWrite() || InteractionSearchType.IsWrite() {
		t.Errorf("reads must not be writes")
	}
	if !InteractionTransaction.IsSystemLevel() || InteractionSearchType.IsSystemLevel() {
		t.Errorf("unexpected IsSystemLevel results")
	}
}

func TestIsSupportedMethod(t *testing.T) {
	for _, m := range []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE"} {
		if !IsSupportedMethod(m) {
			t.Errorf("expected %s to be supported", m)
		}
	}
	for _, m := range []string{"OPTIONS", "TRACE", "get", ""} {
		if IsSupportedMethod(m) {
			t.Errorf("expected %q to be rejected", m)
		}
	}
}

func TestEntryTargetHelpers(t *testing.T) {
	target, _ := ParseEntryURL("Patient?identifier=urn:mrn|1&active=true", "")
	if target.Criteria() != "Patient?identifier=urn:mrn|1&active=true" {
		t.Errorf("unexpected criteria %q", target.Criteria())
	}
	if target.Params().Get("active") != "true" {
		t.Errorf("expected parsed params, got %v", target.Params())
	}
	if target.Reference() != "" {
		t.Errorf("a search has no reference, got %q", target.Reference())
	}

	target, _ = ParseEntryURL("Patient/7", "")
	if target.Reference() != "Patient/7" || target.IsBase() {
		t.Errorf("unexpected instance target %+v", target)
	}
	base, _ := ParseEntryURL("", "")
	if !base.IsBase() {
		t.Errorf("empty url must address the base")
	}
}

func TestExecutionOrder(t *testing.T) {
	methods := []string{"GET", "PUT", "POST", "DELETE", "PATCH", "POST", "HEAD", "DELETE"}
	entries := make([]BundleEntry, len(methods))
	for i, m := range methods {
		entries[i] = BundleEntry{Request: &BundleRequest{Method: m}}
	}
	got := ExecutionOrder(entries)
	want := []int{3, 7, 2, 5, 1, 4, 0, 6}
	if len(got) != len(want) {
		t.Fatalf("expected %d indices, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ExecutionOrder = %v, want %v", got, want)
		}
	}
}

func TestExecutionOrder_MissingRequestLast(t *testing.T) {
	entries := []BundleEntry{{}, {Request: &BundleRequest{Method: "GET"}}}
	got := ExecutionOrder(entries)
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("expected entries without a request last, got %v", got)
	}
}
