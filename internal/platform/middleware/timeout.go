package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on every request context and answers with
// 504 and an OperationOutcome when a handler overruns it. Plan expansion
// honors the deadline through the context threaded into the engine, so a
// runaway definition graph cannot hold a connection open indefinitely.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			// The handler runs in its own goroutine so the deadline can be
			// observed even if it never checks the context.
			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() != context.DeadlineExceeded {
					// Client disconnect or another cancellation.
					return ctx.Err()
				}
				if c.Response().Committed {
					return nil
				}
				return c.JSON(http.StatusGatewayTimeout, map[string]interface{}{
					"resourceType": "OperationOutcome",
					"issue": []interface{}{
						map[string]interface{}{
							"severity":    "error",
							"code":        "timeout",
							"diagnostics": "Request processing exceeded the allowed time limit",
						},
					},
				})
			}
		}
	}
}
