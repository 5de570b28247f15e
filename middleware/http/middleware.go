// Package http mounts the numeros webhook and diagnostic routes into
// net/http based routers such as chi and gorilla/mux.
package http

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/festivio/numeros/pkg/seal"
)

// Config holds mount configuration
type Config struct {
	// Handler serves the numeros routes (required)
	Handler *seal.Handler

	// Prefix is stripped before matching, e.g. "/numeros" (optional)
	Prefix string
}

func (c Config) prefix() string {
	return strings.TrimRight(c.Prefix, "/")
}

// Middleware serves requests that target a numeros route and passes every
// other request to next unchanged.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Handler == nil {
		panic("numeros/http: Config.Handler is required")
	}
	prefix := config.prefix()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			inner, ok := strip(r, prefix)
			if !ok || !config.Handler.Match(inner) {
				next.ServeHTTP(w, r)
				return
			}
			config.Handler.ServeHTTP(w, inner)
		})
	}
}

// Handler returns config.Handler behind the configured prefix. Requests
// outside the prefix get 404.
func Handler(config Config) http.Handler {
	if config.Handler == nil {
		panic("numeros/http: Config.Handler is required")
	}
	prefix := config.prefix()

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner, ok := strip(r, prefix)
		if !ok {
			http.NotFound(w, r)
			return
		}
		config.Handler.ServeHTTP(w, inner)
	})
}

// Router is satisfied by *http.ServeMux and chi.Router
type Router interface {
	Handle(pattern string, handler http.Handler)
}

// Register adds one entry per numeros route to router. Paths are registered
// without a method so routers with their own method matching still see
// every request; the handler answers 405 itself.
func Register(router Router, config Config) {
	h := Handler(config)
	prefix := config.prefix()
	seen := make(map[string]bool)
	for _, route := range config.Handler.Routes() {
		path := prefix + route.Path
		if seen[path] {
			continue
		}
		seen[path] = true
		router.Handle(path, h)
	}
}

// RegisterMux adds the numeros routes to a gorilla/mux router with their
// methods, so the router answers 405 for a known path with the wrong method.
func RegisterMux(router *mux.Router, config Config) {
	h := Handler(config)
	prefix := config.prefix()
	for _, route := range config.Handler.Routes() {
		router.Handle(prefix+route.Path, h).Methods(route.Method)
	}
}

func strip(r *http.Request, prefix string) (*http.Request, bool) {
	if prefix == "" {
		return r, true
	}
	rest, ok := strings.CutPrefix(r.URL.Path, prefix)
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return nil, false
	}
	if rest == "" {
		rest = "/"
	}
	inner := r.Clone(r.Context())
	inner.URL.Path = rest
	inner.URL.RawPath = ""
	return inner, true
}
