package resource

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// Version is one stored version of a resource. Deleted versions keep the
// last content in the current-resource table but carry no content in
// history.
type Version struct {
	ResourceType string
	ID           string
	VersionID    int
	LastUpdated  time.Time
	Deleted      bool
	Method       string
	Content      map[string]interface{}
}

// Reference returns "Type/id".
func (v *Version) Reference() string {
	return fhir.FormatReference(v.ResourceType, v.ID)
}

// Location returns the versioned URL of v under baseURL.
func (v *Version) Location(baseURL string) string {
	loc := fmt.Sprintf("%s/_history/%d", v.Reference(), v.VersionID)
	if baseURL == "" {
		return loc
	}
	return strings.TrimRight(baseURL, "/") + "/" + loc
}

// stamp writes id and meta into the content of v.
func (v *Version) stamp() {
	if v.Content == nil {
		return
	}
	v.Content["resourceType"] = v.ResourceType
	v.Content["id"] = v.ID
	meta, _ := v.Content["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = fmt.Sprintf("%d", v.VersionID)
	meta["lastUpdated"] = v.LastUpdated.UTC().Format(time.RFC3339Nano)
	v.Content["meta"] = meta
}

func (v *Version) clone() *Version {
	out := *v
	if v.Content != nil {
		out.Content = copyContent(v.Content)
	}
	return &out
}

func copyContent(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		out[k] = copyValue(val)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyContent(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}

// Criteria is a set of equality search parameters. Every parameter must
// match; a comma-separated value matches any of its alternatives.
type Criteria map[string]string

// ParseCriteria parses a search query string. Control parameters other
// than _id are dropped.
func ParseCriteria(query string) (Criteria, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(query, "?"))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed search query: %v", ErrInvalid, err)
	}
	c := Criteria{}
	for name, vals := range values {
		if strings.HasPrefix(name, "_") && name != "_id" {
			continue
		}
		if len(vals) == 0 || vals[len(vals)-1] == "" {
			continue
		}
		c[name] = vals[len(vals)-1]
	}
	return c, nil
}

// IDs returns the alternatives of the _id parameter.
func (c Criteria) IDs() []string {
	if v, ok := c["_id"]; ok {
		return strings.Split(v, ",")
	}
	return nil
}

// String renders c as a stable query string.
func (c Criteria) String() string {
	names := make([]string, 0, len(c))
	for k := range c {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, k := range names {
		parts[i] = k + "=" + c[k]
	}
	return strings.Join(parts, "&")
}

// Matches reports whether content satisfies every parameter. A parameter
// matches when a string anywhere under the top-level element of the same
// name equals one of its alternatives, ignoring case. Token values of the
// form "system|code" match a coding or identifier with both fields.
func (c Criteria) Matches(content map[string]interface{}) bool {
	for name, value := range c {
		var element interface{}
		if name == "_id" {
			element = content["id"]
		} else {
			element = content[name]
		}
		matched := false
		for _, alt := range strings.Split(value, ",") {
			if matchValue(element, strings.TrimSpace(alt)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func matchValue(element interface{}, want string) bool {
	if want == "" {
		return false
	}
	if system, code, ok := strings.Cut(want, "|"); ok {
		return matchToken(element, system, code)
	}
	switch t := element.(type) {
	case string:
		return strings.EqualFold(t, want)
	case bool:
		return want == fmt.Sprintf("%t", t)
	case float64:
		return want == fmt.Sprintf("%v", t)
	case map[string]interface{}:
		for _, v := range t {
			if matchValue(v, want) {
				return true
			}
		}
	case []interface{}:
		for _, v := range t {
			if matchValue(v, want) {
				return true
			}
		}
	}
	return false
}

// matchToken matches {system, code} or {system, value} pairs. An empty
// system matches any system.
func matchToken(element interface{}, system, code string) bool {
	switch t := element.(type) {
	case map[string]interface{}:
		sys, _ := t["system"].(string)
		if system == "" || sys == system {
			if v, _ := t["code"].(string); v != "" && v == code {
				return true
			}
			if v, _ := t["value"].(string); v != "" && v == code {
				return true
			}
		}
		for _, v := range t {
			if matchToken(v, system, code) {
				return true
			}
		}
	case []interface{}:
		for _, v := range t {
			if matchToken(v, system, code) {
				return true
			}
		}
	}
	return false
}
