package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/festivio/numeros/pkg/entitlement"
	zlog "github.com/festivio/numeros/pkg/entitlement/logger/zerolog"
	prommetrics "github.com/festivio/numeros/pkg/entitlement/metrics/prometheus"
	"github.com/festivio/numeros/pkg/shopify"
	"github.com/festivio/numeros/storage/file"
	"github.com/festivio/numeros/storage/memory"
	"github.com/festivio/numeros/storage/postgres"
	"github.com/festivio/numeros/storage/redis"
)

const (
	metricsNamespace   = "numeros"
	productAgeCacheMax = 1000
)

// app holds the wired dependencies shared by every command
type app struct {
	cfg      *appConfig
	zl       zerolog.Logger
	logger   entitlement.Logger
	metrics  entitlement.Metrics
	registry *prometheus.Registry

	holder     *entitlement.CatalogHolder
	store      entitlement.Store
	products   entitlement.ProductAgeLookup
	memory     *memory.Storage
	breaker    *entitlement.DefaultCircuitBreaker
	reconciler *entitlement.Reconciler

	fileSource     *file.Source
	redisSource    *redis.Source
	postgresSource *postgres.Source

	// runners keep catalog sources fresh while serving
	runners []func(context.Context) error
	closers []func()
}

// newApp wires the store, catalog source and reconciler described by cfg.
// watch starts background catalog reloading for long running commands.
func newApp(ctx context.Context, cfg *appConfig, zl zerolog.Logger, watch bool) (*app, error) {
	a := &app{
		cfg:     cfg,
		zl:      zl,
		logger:  zlog.NewLogger(&zl),
		metrics: &entitlement.NoopMetrics{},
		holder:  entitlement.NewCatalogHolder(nil),
	}
	if cfg.MetricsEnabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = prommetrics.NewMetrics(a.registry, metricsNamespace)
	}

	if err := a.buildStore(); err != nil {
		return nil, err
	}
	if err := a.buildCatalog(ctx, watch); err != nil {
		a.Close()
		return nil, err
	}

	a.breaker = entitlement.NewDefaultCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset,
		func(state entitlement.CircuitBreakerState) {
			a.metrics.RecordCircuitBreakerStateChange(string(state))
			a.logger.Warn("record store circuit breaker changed state",
				entitlement.Field{Key: "state", Value: string(state)})
		})

	rec, err := entitlement.New(&entitlement.Config{
		Store:             a.store,
		Catalog:           a.holder,
		Products:          a.products,
		DefaultAgeBracket: cfg.DefaultAge,
		CircuitBreaker:    a.breaker,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.reconciler = rec
	return a, nil
}

func (a *app) buildStore() error {
	switch a.cfg.Store {
	case storeMemory:
		a.memory = memory.New()
		for _, email := range a.cfg.MemoryCustomers {
			c := a.memory.AddCustomer(email)
			a.logger.Debug("seeded in-memory customer",
				entitlement.Field{Key: "email", Value: email},
				entitlement.Field{Key: "customerId", Value: c.ID})
		}
		a.store = a.memory
		a.products = entitlement.NewCachedProductAges(a.memory, a.cfg.ProductAgeTTL, productAgeCacheMax)
		return nil

	case storeShopify:
		client, err := shopify.New(shopify.Config{
			Store:      a.cfg.ShopifyStore,
			AdminToken: a.cfg.ShopifyAdminToken,
			APIVersion: a.cfg.ShopifyAPIVersion,
			Logger:     a.logger,
			Metrics:    a.metrics,
		})
		if err != nil {
			return err
		}
		a.store = client
		a.products = entitlement.NewCachedProductAges(client, a.cfg.ProductAgeTTL, productAgeCacheMax)
		return nil
	}
	return fmt.Errorf("unknown store %q", a.cfg.Store)
}

func (a *app) buildCatalog(ctx context.Context, watch bool) error {
	a.holder.Subscribe(func(c *entitlement.Catalog) {
		a.logger.Info("catalog snapshot published",
			entitlement.Field{Key: "source", Value: c.Source()},
			entitlement.Field{Key: "entries", Value: c.Len()},
		)
	})

	switch a.cfg.CatalogSource {
	case catalogFile:
		src, err := file.New(a.holder, file.Config{
			Path:    a.cfg.CatalogFile,
			Logger:  a.logger,
			Metrics: a.metrics,
		})
		if err != nil {
			return err
		}
		a.fileSource = src
		if !watch {
			return tolerateUnavailable(src.Load(), a.logger)
		}
		if err := src.Start(); err != nil {
			return err
		}
		a.closers = append(a.closers, src.Stop)
		return nil

	case catalogRedis:
		client := goredis.NewClient(&goredis.Options{Addr: a.cfg.RedisAddr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		src, err := redis.New(client, a.holder, redis.Config{
			KeyPrefix: a.cfg.CatalogRedisPrefix,
			Channel:   a.cfg.CatalogRedisChannel,
			Logger:    a.logger,
			Metrics:   a.metrics,
		})
		if err != nil {
			return err
		}
		a.redisSource = src
		if err := tolerateUnavailable(src.Load(ctx), a.logger); err != nil {
			return err
		}
		if watch {
			a.runners = append(a.runners, src.Run)
		}
		return nil

	case catalogPostgres:
		src, err := postgres.New(ctx, a.holder, postgres.Config{
			ConnectionString: a.cfg.DatabaseURL,
			Table:            a.cfg.CatalogTable,
			RefreshInterval:  a.cfg.CatalogRefreshInterval,
			Logger:           a.logger,
			Metrics:          a.metrics,
		})
		if err != nil {
			return err
		}
		a.postgresSource = src
		a.closers = append(a.closers, src.Close)
		if err := src.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := tolerateUnavailable(src.Load(ctx), a.logger); err != nil {
			return err
		}
		if watch {
			a.runners = append(a.runners, src.Run)
		}
		return nil
	}
	return fmt.Errorf("unknown catalog source %q", a.cfg.CatalogSource)
}

// tolerateUnavailable lets the process start with an empty catalog when the
// source has nothing yet. Grants fail with ErrNoMapping until it does.
func tolerateUnavailable(err error, logger entitlement.Logger) error {
	if errors.Is(err, entitlement.ErrCatalogUnavailable) {
		logger.Warn("catalog unavailable, starting empty", entitlement.Field{Key: "error", Value: err})
		return nil
	}
	return err
}

// pushCatalog validates data and stores it in the configured source
func (a *app) pushCatalog(ctx context.Context, data []byte) error {
	c, err := entitlement.ParseCatalog(data)
	if err != nil {
		return err
	}

	switch {
	case a.redisSource != nil:
		version, err := a.redisSource.Push(ctx, data)
		if err != nil {
			return err
		}
		a.logger.Info("catalog pushed to redis", entitlement.Field{Key: "version", Value: version})
		return nil

	case a.postgresSource != nil:
		if err := a.postgresSource.Replace(ctx, c); err != nil {
			return err
		}
		a.logger.Info("catalog written to postgres", entitlement.Field{Key: "entries", Value: c.Len()})
		return nil

	case a.fileSource != nil:
		return writeFileAtomic(a.cfg.CatalogFile, data)
	}
	return fmt.Errorf("no writable catalog source configured")
}

// writeFileAtomic replaces path so that watchers never see a partial file
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".numeros-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Close releases catalog sources and connections
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
