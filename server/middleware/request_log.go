package middleware

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/sessioncache/server/internal/observability"
)

const requestContextKey = "request_context"

// RequestLogger attaches an observability.RequestContext to every request,
// echoes the request ID back in X-Request-ID and logs completion.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reqCtx := observability.NewRequestContext(logger, req.Header.Get(observability.RequestIDHeader), c.Path())
			c.Set(requestContextKey, reqCtx)
			c.SetRequest(req.WithContext(observability.WithRequestContext(req.Context(), reqCtx)))
			c.Response().Header().Set(observability.RequestIDHeader, reqCtx.RequestID)

			err := next(c)
			if err != nil {
				// Let echo write the response so the logged status is final.
				c.Error(err)
			}

			status := c.Response().Status
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.Int(observability.LogFieldStatus, status),
				slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
			}
			if status >= 500 {
				reqCtx.Warn("request failed", attrs...)
			} else {
				reqCtx.Debug("request served", attrs...)
			}
			return nil
		}
	}
}

// RequestContext returns the request context set by RequestLogger, if any.
func RequestContext(c echo.Context) *observability.RequestContext {
	if reqCtx, ok := c.Get(requestContextKey).(*observability.RequestContext); ok {
		return reqCtx
	}
	return nil
}

// RequestID returns the request ID set by RequestLogger, or "".
func RequestID(c echo.Context) string {
	if reqCtx := RequestContext(c); reqCtx != nil {
		return reqCtx.RequestID
	}
	return ""
}
