// Package gin mounts the numeros webhook and diagnostic routes into a Gin
// engine.
package gin

import (
	"net/http"
	"strings"

	gongin "github.com/gin-gonic/gin"

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
		panic("numeros/gin: Config.Handler is required")
	}
	return strings.TrimRight(c.Prefix, "/")
}

// Middleware creates a Gin middleware that serves numeros routes and aborts
// the chain, or calls c.Next for everything else. Install it with
// engine.Use so it also sees requests no Gin route matches.
func Middleware(cfg Config) gongin.HandlerFunc {
	prefix := cfg.validate()

	return func(c *gongin.Context) {
		req, ok := stripped(c.Request, prefix)
		if !ok || !cfg.Handler.Match(req) {
			c.Next()
			return
		}
		cfg.Handler.ServeHTTP(c.Writer, req)
		c.Abort()
	}
}

// Register adds every numeros route to r under cfg.Prefix
func Register(r gongin.IRoutes, cfg Config) {
	prefix := cfg.validate()
	h := gongin.WrapH(mounted(prefix, cfg.Handler))
	for _, route := range cfg.Handler.Routes() {
		r.Handle(route.Method, prefix+route.Path, h)
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
