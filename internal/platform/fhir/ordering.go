package fhir

import "sort"

// methodSortOrder defines the processing order for Bundle entries: DELETE
// first, then POST, then PUT/PATCH, then GET/HEAD.
var methodSortOrder = map[string]int{
	"DELETE": 0,
	"POST":   1,
	"PUT":    2,
	"PATCH":  3,
	"GET":    4,
	"HEAD":   5,
}

// methodPriority returns the sort key for method. Unknown methods sort last;
// structural validation rejects them before execution.
func methodPriority(method string) int {
	if p, ok := methodSortOrder[method]; ok {
		return p
	}
	return len(methodSortOrder)
}

// ExecutionOrder returns the indices of entries in the order they are
// executed. The sort is stable: entries with the same method keep their
// position relative to each other.
func ExecutionOrder(entries []BundleEntry) []int {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return methodPriority(entryMethod(entries[order[i]])) < methodPriority(entryMethod(entries[order[j]]))
	})
	return order
}

func entryMethod(e BundleEntry) string {
	if e.Request == nil {
		return ""
	}
	return e.Request.Method
}
