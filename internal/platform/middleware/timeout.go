package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/fhirbundle/internal/platform/fhir"
)

// RequestTimeout returns middleware that sets a context deadline on each
// incoming request. Handlers are expected to honour the context; when the
// handler returns after the deadline without having written a response, a
// 504 with an OperationOutcome body is sent.
//
// Bundle sub-requests run under the deadline of their bundle and are not
// given one of their own.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if timeout <= 0 || fhir.IsSubRequest(c.Request().Context()) {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, fhir.TimeoutOutcome())
			}
			return err
		}
	}
}
