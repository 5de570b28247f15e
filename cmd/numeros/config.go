package main

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	storeShopify = "shopify"
	storeMemory  = "memory"

	catalogFile     = "file"
	catalogRedis    = "redis"
	catalogPostgres = "postgres"
)

// appConfig is the resolved process configuration
type appConfig struct {
	Port     int
	Env      string
	LogLevel string

	Store             string
	ShopifyStore      string
	ShopifyAdminToken string
	ShopifyAPIVersion string
	MemoryCustomers   []string

	DefaultAge string

	CatalogSource          string
	CatalogFile            string
	RedisAddr              string
	CatalogRedisPrefix     string
	CatalogRedisChannel    string
	DatabaseURL            string
	CatalogTable           string
	CatalogRefreshInterval time.Duration

	ProductAgeTTL   time.Duration
	BreakerFailures int
	BreakerReset    time.Duration

	MetricsEnabled     bool
	DiagnosticsEnabled bool
}

func (c *appConfig) isProd() bool {
	return c.Env == "prod" || c.Env == "production"
}

// newSettings returns a viper instance with every key defaulted and bound
// to its upper-case environment variable.
func newSettings() *viper.Viper {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 3000)
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("store", storeShopify)
	v.SetDefault("shopify_store", "")
	v.SetDefault("shopify_admin_token", "")
	v.SetDefault("shopify_api_version", "2024-10")
	v.SetDefault("memory_customers", []string{})
	v.SetDefault("num_default_age", "6-9")
	v.SetDefault("catalog_source", catalogFile)
	v.SetDefault("catalog_file", "./data/numeros.json")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("catalog_redis_prefix", "numeros:")
	v.SetDefault("catalog_redis_channel", "")
	v.SetDefault("database_url", "")
	v.SetDefault("catalog_table", "numeros")
	v.SetDefault("catalog_refresh_interval", time.Minute)
	v.SetDefault("product_age_ttl", 10*time.Minute)
	v.SetDefault("breaker_failures", 5)
	v.SetDefault("breaker_reset", 30*time.Second)
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("diagnostics_enabled", true)
	return v
}

// loadDotEnv reads a .env file into the process environment. A missing
// file is not an error; variables already set are left alone.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func loadConfig(v *viper.Viper) (*appConfig, error) {
	cfg := &appConfig{
		Port:                   v.GetInt("port"),
		Env:                    strings.ToLower(strings.TrimSpace(v.GetString("env"))),
		LogLevel:               v.GetString("log_level"),
		Store:                  strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		ShopifyStore:           v.GetString("shopify_store"),
		ShopifyAdminToken:      v.GetString("shopify_admin_token"),
		ShopifyAPIVersion:      v.GetString("shopify_api_version"),
		MemoryCustomers:        splitList(v.GetStringSlice("memory_customers")),
		DefaultAge:             strings.TrimSpace(v.GetString("num_default_age")),
		CatalogSource:          strings.ToLower(strings.TrimSpace(v.GetString("catalog_source"))),
		CatalogFile:            v.GetString("catalog_file"),
		RedisAddr:              v.GetString("redis_addr"),
		CatalogRedisPrefix:     v.GetString("catalog_redis_prefix"),
		CatalogRedisChannel:    v.GetString("catalog_redis_channel"),
		DatabaseURL:            v.GetString("database_url"),
		CatalogTable:           v.GetString("catalog_table"),
		CatalogRefreshInterval: v.GetDuration("catalog_refresh_interval"),
		ProductAgeTTL:          v.GetDuration("product_age_ttl"),
		BreakerFailures:        v.GetInt("breaker_failures"),
		BreakerReset:           v.GetDuration("breaker_reset"),
		MetricsEnabled:         v.GetBool("metrics_enabled"),
		DiagnosticsEnabled:     v.GetBool("diagnostics_enabled"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *appConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DefaultAge == "" {
		return fmt.Errorf("NUM_DEFAULT_AGE must not be empty")
	}

	switch c.Store {
	case storeShopify:
		if strings.TrimSpace(c.ShopifyStore) == "" || strings.TrimSpace(c.ShopifyAdminToken) == "" {
			return fmt.Errorf("store %q requires SHOPIFY_STORE and SHOPIFY_ADMIN_TOKEN", c.Store)
		}
	case storeMemory:
	default:
		return fmt.Errorf("unknown store %q (want %s or %s)", c.Store, storeShopify, storeMemory)
	}

	switch c.CatalogSource {
	case catalogFile:
		if c.CatalogFile == "" {
			return fmt.Errorf("catalog source %q requires CATALOG_FILE", c.CatalogSource)
		}
	case catalogRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("catalog source %q requires REDIS_ADDR", c.CatalogSource)
		}
	case catalogPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("catalog source %q requires DATABASE_URL", c.CatalogSource)
		}
	default:
		return fmt.Errorf("unknown catalog source %q (want %s, %s or %s)",
			c.CatalogSource, catalogFile, catalogRedis, catalogPostgres)
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated value
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
