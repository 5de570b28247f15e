// Package fiber mounts the numeros webhook and diagnostic routes into a
// Fiber application.
package fiber

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

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
		panic("numeros/fiber: Config.Handler is required")
	}
	return strings.TrimRight(c.Prefix, "/")
}

// Middleware creates a Fiber middleware that serves numeros routes and calls
// c.Next for everything else.
func Middleware(cfg Config) fiber.Handler {
	prefix := cfg.validate()
	serve := adaptor.HTTPHandler(mounted(prefix, cfg.Handler))

	return func(c *fiber.Ctx) error {
		rest, ok := strings.CutPrefix(c.Path(), prefix)
		if !ok || !strings.HasPrefix(rest, "/") {
			return c.Next()
		}
		matchReq, err := http.NewRequest(c.Method(), rest, http.NoBody)
		if err != nil || !cfg.Handler.Match(matchReq) {
			return c.Next()
		}
		return serve(c)
	}
}

// Register adds every numeros route to r under cfg.Prefix
func Register(r fiber.Router, cfg Config) {
	prefix := cfg.validate()
	h := adaptor.HTTPHandler(mounted(prefix, cfg.Handler))
	for _, route := range cfg.Handler.Routes() {
		r.Add(route.Method, prefix+route.Path, h)
	}
}

func mounted(prefix string, h http.Handler) http.Handler {
	if prefix == "" {
		return h
	}
	return http.StripPrefix(prefix, h)
}
