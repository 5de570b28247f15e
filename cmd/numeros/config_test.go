package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	v := newSettings()
	v.Set("store", storeMemory)

	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "6-9", cfg.DefaultAge)
	assert.Equal(t, catalogFile, cfg.CatalogSource)
	assert.Equal(t, "./data/numeros.json", cfg.CatalogFile)
	assert.Equal(t, "2024-10", cfg.ShopifyAPIVersion)
	assert.Equal(t, time.Minute, cfg.CatalogRefreshInterval)
	assert.True(t, cfg.MetricsEnabled)
	assert.True(t, cfg.DiagnosticsEnabled)
	assert.False(t, cfg.isProd())
}

func TestLoadConfig_Environment(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("ENV", "prod")
	t.Setenv("STORE", "shopify")
	t.Setenv("SHOPIFY_STORE", "festivio.myshopify.com")
	t.Setenv("SHOPIFY_ADMIN_TOKEN", "shpat_x")
	t.Setenv("NUM_DEFAULT_AGE", "10-12")
	t.Setenv("CATALOG_SOURCE", "redis")
	t.Setenv("CATALOG_REFRESH_INTERVAL", "30s")
	t.Setenv("MEMORY_CUSTOMERS", "a@x.com, b@x.com")

	cfg, err := loadConfig(newSettings())
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.isProd())
	assert.Equal(t, storeShopify, cfg.Store)
	assert.Equal(t, "10-12", cfg.DefaultAge)
	assert.Equal(t, catalogRedis, cfg.CatalogSource)
	assert.Equal(t, 30*time.Second, cfg.CatalogRefreshInterval)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, cfg.MemoryCustomers)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		set  map[string]interface{}
	}{
		{name: "shopify without credentials", set: map[string]interface{}{"store": storeShopify}},
		{name: "unknown store", set: map[string]interface{}{"store": "sqlite"}},
		{name: "unknown catalog source", set: map[string]interface{}{"store": storeMemory, "catalog_source": "s3"}},
		{name: "postgres without url", set: map[string]interface{}{"store": storeMemory, "catalog_source": catalogPostgres}},
		{name: "bad port", set: map[string]interface{}{"store": storeMemory, "port": 70000}},
		{name: "empty default age", set: map[string]interface{}{"store": storeMemory, "num_default_age": " "}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newSettings()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			_, err := loadConfig(v)
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	assert.NoError(t, loadDotEnv(""))
	assert.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NUMEROS_TEST_DOTENV=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("NUMEROS_TEST_DOTENV") })

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("NUMEROS_TEST_DOTENV"))
}

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer
	zl := newZerolog(&appConfig{Env: "prod", LogLevel: "warn"}, &buf)

	zl.Info().Msg("hidden")
	zl.Warn().Str("email", "a@x.com").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"shown"`)
	assert.Contains(t, out, `"component":"numeros"`)

	buf.Reset()
	zl = newZerolog(&appConfig{Env: "dev", LogLevel: "nonsense"}, &buf)
	zl.Info().Msg("console")
	assert.Contains(t, buf.String(), "console")
	assert.NotContains(t, buf.String(), `"message"`)
}
