// Package echo mounts the numeros webhook and diagnostic routes into an
// Echo application.
package echo

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/festivio/numeros/pkg/seal"
)

// Config holds mount configuration
type Config struct {
	// Handler serves the numeros routes (required)
	Handler *seal.Handler

	// Prefix is stripped before the request reaches Handler (optional)
	Prefix string
}

func (c Config) validate() string {
	if c.Handler == nil {
		panic("numeros/echo: Config.Handler is required")
	}
	return strings.TrimRight(c.Prefix, "/")
}

// Middleware creates an Echo middleware that serves numeros routes and calls
// the next handler for everything else.
func Middleware(cfg Config) echo.MiddlewareFunc {
	prefix := cfg.validate()

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req, ok := stripped(c.Request(), prefix)
			if !ok || !cfg.Handler.Match(req) {
				return next(c)
			}
			cfg.Handler.ServeHTTP(c.Response(), req)
			return nil
		}
	}
}

// Register adds every numeros route to e (or a group) under cfg.Prefix
func Register(e interface {
	Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route
}, cfg Config) {
	prefix := cfg.validate()
	h := echo.WrapHandler(mounted(prefix, cfg.Handler))
	for _, route := range cfg.Handler.Routes() {
		e.Add(route.Method, prefix+route.Path, h)
	}
}

func stripped(r *http.Request, prefix string) (*http.Request, bool) {
	if prefix == "" {
		return r, true
	}
	rest, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok || !strings.HasPrefix(rest, "/") {
		return nil, false
	}
	inner := r.Clone(r.Context())
	inner.URL.Path = rest
	inner.URL.RawPath = ""
	return inner, true
}

func mounted(prefix string, h http.Handler) http.Handler {
	if prefix == "" {
		return h
	}
	return http.StripPrefix(prefix, h)
}
