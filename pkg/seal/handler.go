// Package seal exposes the subscription webhook endpoints and the manual
// diagnostic routes over HTTP.
package seal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/festivio/numeros/pkg/entitlement"
	"github.com/festivio/numeros/pkg/seal/internal"
)

const (
	defaultMaxBodyBytes     = 256 * 1024
	defaultProcessTimeout   = 30 * time.Second
	defaultDiagnosticLimit  = 30
	defaultDiagnosticWindow = time.Minute
	webhookPathPrefix       = "/webhooks/seal/"
	ackBody                 = "ok"
	statusSuccess           = "success"
	statusError             = "error"
)

// Reconciler is the part of *entitlement.Reconciler the HTTP layer needs
type Reconciler interface {
	Reconcile(ctx context.Context, eventType entitlement.EventType, ev *entitlement.Event) (*entitlement.Outcome, error)
	GrantByEmail(ctx context.Context, email, ageBracket, issueKey string) (*entitlement.Outcome, error)
	Inspect(ctx context.Context, email string) (*entitlement.CustomerState, error)
}

// Config configures a Handler
type Config struct {
	// Reconciler applies events to the record store (required)
	Reconciler Reconciler

	// Catalog backs /debug/numeros and /health (optional)
	Catalog entitlement.CatalogSource

	// Reporter receives webhook failures (default: LogReporter)
	Reporter Reporter

	// DefaultAgeBracket is used by /simulate-seal (default: "6-9")
	DefaultAgeBracket string

	// MaxBodyBytes caps request bodies (default: 256KB)
	MaxBodyBytes int64

	// ProcessTimeout bounds one webhook reconciliation (default: 30s)
	ProcessTimeout time.Duration

	// DisableDiagnostics removes /grant, /debug/* and /simulate-seal
	DisableDiagnostics bool

	// DiagnosticRateLimit is the per-IP request budget per DiagnosticWindow (default: 30/min)
	DiagnosticRateLimit int
	DiagnosticWindow    time.Duration

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// Handler serves the webhook and diagnostic routes
type Handler struct {
	reconciler     Reconciler
	catalog        entitlement.CatalogSource
	reporter       Reporter
	defaultAge     string
	maxBodyBytes   int64
	processTimeout time.Duration
	limiter        *internal.RateLimiter
	logger         entitlement.Logger
	metrics        entitlement.Metrics
	mux            *http.ServeMux
	routes         []Route
}

// Route is one method and path served by a Handler
type Route struct {
	Method string
	Path   string
}

// NewHandler creates the HTTP handler
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Reconciler == nil {
		return nil, errors.New("seal: reconciler is required")
	}

	h := &Handler{
		reconciler:     cfg.Reconciler,
		catalog:        cfg.Catalog,
		reporter:       cfg.Reporter,
		defaultAge:     strings.TrimSpace(cfg.DefaultAgeBracket),
		maxBodyBytes:   cfg.MaxBodyBytes,
		processTimeout: cfg.ProcessTimeout,
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		mux:            http.NewServeMux(),
	}
	if h.logger == nil {
		h.logger = &entitlement.NoopLogger{}
	}
	if h.metrics == nil {
		h.metrics = &entitlement.NoopMetrics{}
	}
	if h.reporter == nil {
		h.reporter = LogReporter{Logger: h.logger}
	}
	if h.defaultAge == "" {
		h.defaultAge = entitlement.DefaultAgeBracket
	}
	if h.maxBodyBytes <= 0 {
		h.maxBodyBytes = defaultMaxBodyBytes
	}
	if h.processTimeout <= 0 {
		h.processTimeout = defaultProcessTimeout
	}

	for _, et := range []entitlement.EventType{
		entitlement.EventSubscriptionCreated,
		entitlement.EventBillingSucceeded,
		entitlement.EventSubscriptionCancelled,
	} {
		h.handle(http.MethodPost, webhookPathPrefix+string(et), h.webhook(et))
	}
	h.handle(http.MethodGet, "/health", http.HandlerFunc(h.handleHealth))

	if !cfg.DisableDiagnostics {
		limit := cfg.DiagnosticRateLimit
		if limit <= 0 {
			limit = defaultDiagnosticLimit
		}
		window := cfg.DiagnosticWindow
		if window <= 0 {
			window = defaultDiagnosticWindow
		}
		h.limiter = internal.NewRateLimiter(limit, window)

		h.handle(http.MethodGet, "/grant", h.limiter.Middleware(http.HandlerFunc(h.handleGrant)))
		h.handle(http.MethodGet, "/debug/customer", h.limiter.Middleware(http.HandlerFunc(h.handleDebugCustomer)))
		h.handle(http.MethodGet, "/debug/numeros", h.limiter.Middleware(http.HandlerFunc(h.handleDebugCatalog)))
		h.handle(http.MethodPost, "/simulate-seal", h.limiter.Middleware(http.HandlerFunc(h.handleSimulate)))
	}

	return h, nil
}

func (h *Handler) handle(method, path string, handler http.Handler) {
	h.mux.Handle(method+" "+path, handler)
	h.routes = append(h.routes, Route{Method: method, Path: path})
}

// Routes lists every route the handler serves, in registration order
func (h *Handler) Routes() []Route {
	return append([]Route(nil), h.routes...)
}

// Match reports whether r targets one of the handler's routes
func (h *Handler) Match(r *http.Request) bool {
	_, pattern := h.mux.Handler(r)
	return pattern != ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)
	h.mux.ServeHTTP(w, r)
}

// webhook always answers 200 "ok" so the event source does not retry.
// Failures go to the reporter and metrics instead.
func (h *Handler) webhook(eventType entitlement.EventType) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		var ev *entitlement.Event
		defer func() {
			if rec := recover(); rec != nil {
				h.fail(r.Context(), eventType, ev, nil, fmt.Errorf("panic while reconciling: %v", rec))
			}
			internal.WriteText(w, http.StatusOK, ackBody)
			h.metrics.RecordWebhookDuration(string(eventType), time.Since(start))
		}()

		body, err := internal.ReadBodyStrict(w, r, h.maxBodyBytes)
		if err != nil {
			h.fail(r.Context(), eventType, nil, nil, err)
			return
		}
		ev, err = entitlement.DecodeEvent(body)
		if err != nil {
			h.fail(r.Context(), eventType, nil, nil, err)
			return
		}

		h.logger.Info("webhook received",
			entitlement.Field{Key: "event", Value: string(eventType)},
			entitlement.Field{Key: "email", Value: ev.EmailAddress()},
		)

		// The reconciliation outlives a client that hangs up early.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), h.processTimeout)
		defer cancel()

		out, err := h.reconciler.Reconcile(ctx, eventType, ev)
		if err != nil {
			h.fail(r.Context(), eventType, ev, out, err)
			return
		}
		h.metrics.RecordWebhookEvent(string(eventType), statusSuccess)
	})
}

func (h *Handler) fail(ctx context.Context, eventType entitlement.EventType, ev *entitlement.Event,
	out *entitlement.Outcome, err error) {
	kind := entitlement.ErrorKind(err)
	h.metrics.RecordWebhookEvent(string(eventType), statusError)
	h.metrics.RecordFailure(string(eventType), kind)

	f := Failure{EventType: eventType, Kind: kind, Err: err}
	if ev != nil {
		f.Email = ev.EmailAddress()
	}
	if out != nil {
		f.CustomerID = out.CustomerID
	}
	h.reporter.Report(ctx, f)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if h.catalog != nil {
		c := h.catalog.Current()
		resp["catalog_entries"] = c.Len()
		resp["catalog_source"] = c.Source()
		if loaded := c.LoadedAt(); !loaded.IsZero() {
			resp["catalog_loaded_at"] = loaded.Format(time.RFC3339)
		}
	}
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}
