package audit

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// DefaultHeaderPrefix is the request header prefix copied into audit entries.
const DefaultHeaderPrefix = "X-Audit-"

// Limits on the custom headers copied into one audit entry.
const (
	MaxCustomHeaders      = 10
	MaxCustomHeaderLength = 2048
)

var (
	ErrTooManyHeaders = errors.New("too many audit headers")
	ErrHeaderTooLong  = errors.New("audit header value too long")
)

// ExtractHeaders returns the request headers whose canonical name starts
// with prefix, keyed by canonical name. Multiple values of one header are
// joined with ", ". An empty prefix selects nothing.
func ExtractHeaders(h http.Header, prefix string) (map[string]string, error) {
	out := map[string]string{}
	if prefix == "" {
		return out, nil
	}
	canonPrefix := http.CanonicalHeaderKey(prefix)

	names := make([]string, 0, len(h))
	for name := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), canonPrefix) {
			names = append(names, name)
		}
	}
	if len(names) > MaxCustomHeaders {
		return nil, fmt.Errorf("%w: %d headers with prefix %s, at most %d allowed",
			ErrTooManyHeaders, len(names), prefix, MaxCustomHeaders)
	}
	sort.Strings(names)

	for _, name := range names {
		value := strings.Join(h[name], ", ")
		if len(value) > MaxCustomHeaderLength {
			return nil, fmt.Errorf("%w: %s exceeds %d characters",
				ErrHeaderTooLong, http.CanonicalHeaderKey(name), MaxCustomHeaderLength)
		}
		out[http.CanonicalHeaderKey(name)] = value
	}
	return out, nil
}
