package fhir

import (
	"net/url"
	"sort"
	"strings"
)

// ParseSearchString parses a search query string like
// "identifier=foo&name=bar" into a map. Parameters with a leading
// underscore are control parameters and are dropped. Values are unescaped.
func ParseSearchString(query string) map[string]string {
	params := map[string]string{}
	query = strings.TrimPrefix(query, "?")
	for _, part := range strings.Split(query, "&") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		if key == "" || strings.HasPrefix(key, "_") {
			continue
		}
		val := strings.TrimSpace(kv[1])
		if unescaped, err := url.QueryUnescape(val); err == nil {
			val = unescaped
		}
		params[key] = val
	}
	return params
}

// CanonicalCriteria returns a stable form of a search query so two
// criteria expressions can be compared regardless of parameter order.
func CanonicalCriteria(query string) string {
	params := ParseSearchString(query)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(params[k])
	}
	return sb.String()
}

// ParseConditionalReference splits a conditional reference such as
// "Patient?identifier=123" into its resource type and query. ok is false
// for literal references, placeholders and absolute URLs.
func ParseConditionalReference(ref string) (resourceType, query string, ok bool) {
	idx := strings.Index(ref, "?")
	if idx <= 0 || idx == len(ref)-1 {
		return "", "", false
	}
	resourceType = ref[:idx]
	if strings.ContainsAny(resourceType, "/:") {
		return "", "", false
	}
	return resourceType, ref[idx+1:], true
}

// IfNoneExistQuery normalizes an ifNoneExist value, which clients send
// either as a bare query or prefixed with the resource type.
func IfNoneExistQuery(resourceType, ifNoneExist string) string {
	q := strings.TrimPrefix(ifNoneExist, resourceType+"?")
	return strings.TrimPrefix(q, "?")
}
