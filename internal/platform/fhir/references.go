package fhir

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// placeholderPattern matches bundle-local identifiers inside a request URL.
var placeholderPattern = regexp.MustCompile(`urn:(?:uuid|oid):[A-Za-z0-9.\-]+`)

// IsPlaceholder reports whether ref is a bundle-local identifier that is
// replaced with a server-assigned reference during processing.
func IsPlaceholder(ref string) bool {
	return strings.HasPrefix(ref, "urn:uuid:") || strings.HasPrefix(ref, "urn:oid:")
}

// UnresolvedReferenceDiagnostics is the message used when a bundle-local
// reference cannot be bound to a resource.
func UnresolvedReferenceDiagnostics(ref string) string {
	return fmt.Sprintf("Reference '%s' could not be resolved within the Bundle.", ref)
}

// extractReferences recursively extracts all reference strings from a resource map.
func extractReferences(resource map[string]interface{}) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			if ref, ok := val["reference"].(string); ok {
				refs = append(refs, ref)
			}
			for _, child := range val {
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
	return refs
}

// urlPlaceholders returns the placeholders embedded in a request URL.
func urlPlaceholders(u string) []string {
	return placeholderPattern.FindAllString(u, -1)
}

// rewriteReferences walks a resource map and replaces every "reference"
// value found in mapping.
func rewriteReferences(resource map[string]interface{}, mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case map[string]interface{}:
			for k, child := range val {
				if k == "reference" {
					if ref, ok := child.(string); ok {
						if mapped, found := mapping[ref]; found {
							val[k] = mapped
						}
					}
					continue
				}
				walk(child)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(resource)
}

// replacePlaceholders substitutes bound placeholders in a request URL.
// Longer keys are replaced first so that one placeholder being a prefix of
// another cannot corrupt the result.
func replacePlaceholders(s string, idMap map[string]string) string {
	if len(idMap) == 0 || !strings.Contains(s, "urn:") {
		return s
	}
	keys := make([]string, 0, len(idMap))
	for k := range idMap {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		s = strings.ReplaceAll(s, k, idMap[k])
	}
	return s
}

// detectCircularReferences examines placeholder references among entries and
// reports the first cycle found. A cycle exists if entry A references entry B
// and B references A, directly or transitively.
func detectCircularReferences(fullURLs []string, refs [][]string) (from, to string, found bool) {
	urlSet := make(map[string]bool, len(fullURLs))
	for _, u := range fullURLs {
		if u != "" {
			urlSet[u] = true
		}
	}

	adj := make(map[string][]string)
	var nodes []string
	for i, u := range fullURLs {
		if u == "" {
			continue
		}
		for _, ref := range refs[i] {
			if urlSet[ref] && ref != u {
				if len(adj[u]) == 0 {
					nodes = append(nodes, u)
				}
				adj[u] = append(adj[u], ref)
			}
		}
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // done
	)
	color := make(map[string]int)

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, neighbor := range adj[node] {
			if color[neighbor] == gray {
				from, to, found = node, neighbor, true
				return true
			}
			if color[neighbor] == white && dfs(neighbor) {
				return true
			}
		}
		color[node] = black
		return false
	}

	for _, u := range nodes {
		if color[u] == white && dfs(u) {
			return from, to, true
		}
	}
	return "", "", false
}
