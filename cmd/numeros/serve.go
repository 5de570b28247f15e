package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	numeroshttp "github.com/festivio/numeros/middleware/http"
	"github.com/festivio/numeros/pkg/entitlement"
	"github.com/festivio/numeros/pkg/seal"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(settings)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().Int("port", 3000, "HTTP listen port")
	mustBind("port", serveCmd.Flags().Lookup("port"))
}

func runServer(ctx context.Context, cfg *appConfig) error {
	zl := newZerolog(cfg, os.Stderr)
	a, err := newApp(ctx, cfg, zl, true)
	if err != nil {
		return err
	}
	defer a.Close()

	router, err := newRouter(a)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range a.runners {
		g.Go(func() error { return run(gctx) })
	}
	g.Go(func() error {
		a.logger.Info("numeros listening",
			entitlement.Field{Key: "addr", Value: srv.Addr},
			entitlement.Field{Key: "store", Value: cfg.Store},
			entitlement.Field{Key: "catalog", Value: cfg.CatalogSource},
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server did not shut down cleanly", entitlement.Field{Key: "error", Value: err})
		}
		return nil
	})

	err = g.Wait()
	a.logger.Info("numeros stopped")
	return err
}

// newRouter mounts the webhook handler and /metrics on a chi router
func newRouter(a *app) (http.Handler, error) {
	handler, err := seal.NewHandler(seal.Config{
		Reconciler:         a.reconciler,
		Catalog:            a.holder,
		DefaultAgeBracket:  a.cfg.DefaultAge,
		DisableDiagnostics: !a.cfg.DiagnosticsEnabled,
		Logger:             a.logger,
		Metrics:            a.metrics,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	numeroshttp.Register(r, numeroshttp.Config{Handler: handler})
	if a.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("numeros " + Version))
	})
	return r, nil
}
