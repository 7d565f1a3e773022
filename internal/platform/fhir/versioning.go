package fhir

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// SetVersionHeaders sets ETag, Last-Modified and, when location is not
// empty, Location on the response.
func SetVersionHeaders(c echo.Context, versionID int, lastModified time.Time, location string) {
	h := c.Response().Header()
	h.Set("ETag", FormatETag(versionID))
	if !lastModified.IsZero() {
		h.Set("Last-Modified", lastModified.UTC().Format(http.TimeFormat))
	}
	if location != "" {
		h.Set(echo.HeaderLocation, location)
	}
}

// ParseETag extracts the version number from an ETag value like W/"3" or "3".
func ParseETag(etag string) (int, error) {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)

	v, err := strconv.Atoi(etag)
	if err != nil {
		return 0, fmt.Errorf("ETag must contain a numeric version: %s", etag)
	}
	return v, nil
}

// FormatETag creates a weak ETag from a version ID.
func FormatETag(versionID int) string {
	return fmt.Sprintf(`W/"%d"`, versionID)
}

// ExpectedVersion returns the version demanded by an If-Match header value,
// or 0 when the header is empty.
func ExpectedVersion(ifMatch string) (int, error) {
	if strings.TrimSpace(ifMatch) == "" {
		return 0, nil
	}
	v, err := ParseETag(ifMatch)
	if err != nil {
		return 0, fmt.Errorf("invalid If-Match header: %w", err)
	}
	return v, nil
}

// NotModified reports whether an If-None-Match header names the current
// version, in which case a read answers 304.
func NotModified(ifNoneMatch string, currentVersion int) bool {
	if ifNoneMatch == "" {
		return false
	}
	if strings.TrimSpace(ifNoneMatch) == "*" {
		return true
	}
	clientVersion, err := ParseETag(ifNoneMatch)
	if err != nil {
		return false
	}
	return clientVersion == currentVersion
}

// ModifiedSince reports whether lastUpdated is after an If-Modified-Since
// header value. Unparseable or empty values count as modified.
func ModifiedSince(ifModifiedSince string, lastUpdated time.Time) bool {
	if ifModifiedSince == "" {
		return true
	}
	t, err := http.ParseTime(ifModifiedSince)
	if err != nil {
		return true
	}
	return lastUpdated.Truncate(time.Second).After(t)
}
