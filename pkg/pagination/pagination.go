package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultCount = 20
	MaxCount     = 100
)

// Params holds the FHIR paging parameters of a search.
type Params struct {
	Count  int
	Offset int
}

// FromContext extracts paging parameters from the query string, or from
// the form body of a POST _search.
func FromContext(c echo.Context) Params {
	if c.Request().Method == "POST" {
		if form, err := c.FormParams(); err == nil {
			return FromValues(form)
		}
	}
	return FromValues(c.QueryParams())
}

// FromValues extracts _count and _offset, applying the default and the
// maximum page size.
func FromValues(v url.Values) Params {
	count, err := strconv.Atoi(v.Get("_count"))
	if err != nil || count < 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	offset, _ := strconv.Atoi(v.Get("_offset"))
	if offset < 0 {
		offset = 0
	}
	return Params{Count: count, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Count < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Count
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Count
	if prev < 0 {
		return 0
	}
	return prev
}

// Filters returns v without the paging parameters, encoded as a query
// string.
func Filters(v url.Values) string {
	out := url.Values{}
	for k, vals := range v {
		if k == "_count" || k == "_offset" {
			continue
		}
		out[k] = vals
	}
	return out.Encode()
}
