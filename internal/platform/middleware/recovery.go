package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// Recovery turns a panicking handler into a 500 OperationOutcome. For a
// bundle sub-request this fails only the entry, since the echo router
// captures the response like any other.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}
				req := c.Request()
				logger.Error().
					Str("request_id", fmt.Sprint(c.Get("request_id"))).
					Bool("sub_request", fhir.IsSubRequest(req.Context())).
					Str("method", req.Method).
					Str("path", req.URL.Path).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")

				if c.Response().Committed {
					err = errors.New("panic after response was committed")
					return
				}
				err = c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome("An internal error occurred."))
			}()
			return next(c)
		}
	}
}
