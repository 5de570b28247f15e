package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivio/numeros/pkg/entitlement"
	"github.com/festivio/numeros/pkg/seal"
)

// testCatalogJSON covers the current month so grants resolve
func testCatalogJSON() string {
	issue := entitlement.IssueKey(time.Now())
	return `{"` + issue + `":{"6-9":{"catalog":"cat-6-9","annexes":["jeux"]},"10-12":{"catalog":"cat-10-12"}}}`
}

func newTestApp(t *testing.T, watch bool) *app {
	t.Helper()

	path := filepath.Join(t.TempDir(), "numeros.json")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogJSON()), 0o644))

	cfg := &appConfig{
		Port:               3000,
		Env:                "dev",
		Store:              storeMemory,
		MemoryCustomers:    []string{"parent@x.com"},
		DefaultAge:         "6-9",
		CatalogSource:      catalogFile,
		CatalogFile:        path,
		ProductAgeTTL:      time.Minute,
		BreakerFailures:    5,
		BreakerReset:       time.Second,
		MetricsEnabled:     true,
		DiagnosticsEnabled: true,
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), watch)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestNewApp_MemoryAndFile(t *testing.T) {
	a := newTestApp(t, false)

	assert.Equal(t, 2, a.holder.Current().Len())
	assert.Equal(t, "file", a.holder.Current().Source())
	assert.NotNil(t, a.memory)
	assert.NotNil(t, a.registry)
	assert.Empty(t, a.runners)
}

func TestNewApp_MissingCatalogStartsEmpty(t *testing.T) {
	cfg := &appConfig{
		Store:         storeMemory,
		DefaultAge:    "6-9",
		CatalogSource: catalogFile,
		CatalogFile:   filepath.Join(t.TempDir(), "absent.json"),
	}
	a, err := newApp(context.Background(), cfg, zerolog.Nop(), false)
	require.NoError(t, err)
	defer a.Close()

	assert.Zero(t, a.holder.Current().Len())
	assert.Nil(t, a.registry)
}

func TestRunGrant(t *testing.T) {
	a := newTestApp(t, false)
	var out bytes.Buffer

	require.NoError(t, runGrant(context.Background(), a, &out, "parent@x.com", "10-12", ""))
	var got entitlement.Outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Granted)

	assert.Error(t, runGrant(context.Background(), a, io.Discard, "parent@x.com", "", "2025-13"))

	err := runGrant(context.Background(), a, io.Discard, "nobody@x.com", "", "")
	assert.ErrorIs(t, err, entitlement.ErrCustomerNotFound)
}

func TestRunSimulate(t *testing.T) {
	a := newTestApp(t, false)
	var out bytes.Buffer

	err := runSimulate(context.Background(), a, &out, seal.SimulateRequest{Email: "parent@x.com", Prenom: "Léa"})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Simulation OK")

	state, err := a.reconciler.Inspect(context.Background(), "parent@x.com")
	require.NoError(t, err)
	require.NotNil(t, state.SubscriptionStatus)
	assert.Equal(t, string(entitlement.StatusActive), *state.SubscriptionStatus)
	assert.Equal(t, 1, state.OwnedCount)

	err = runSimulate(context.Background(), a, io.Discard, seal.SimulateRequest{})
	assert.ErrorIs(t, err, entitlement.ErrCustomerNotFound)
}

func TestPushCatalog_File(t *testing.T) {
	a := newTestApp(t, true)

	assert.Error(t, a.pushCatalog(context.Background(), []byte(`{broken`)))

	issue := entitlement.IssueKey(time.Now())
	updated := `{"` + issue + `":{"6-9":{"catalog":"cat-6-9-v2"}}}`
	require.NoError(t, a.pushCatalog(context.Background(), []byte(updated)))

	require.Eventually(t, func() bool {
		ent, _ := a.holder.Current().Lookup("6-9", issue)
		return ent.CatalogRef == "cat-6-9-v2"
	}, 3*time.Second, 20*time.Millisecond)

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(a.cfg.CatalogFile), ".numeros-*"))
	require.NoError(t, err)
	assert.Empty(t, matches, "temporary files are cleaned up")
}

func TestNewRouter(t *testing.T) {
	a := newTestApp(t, false)
	router, err := newRouter(a)
	require.NoError(t, err)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Contains(t, get("/debug/numeros").Body.String(), "cat-6-9")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/seal/subscription_created", strings.NewReader(`{"email":"parent@x.com"}`))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	metrics := get("/metrics").Body.String()
	assert.Contains(t, metrics, "numeros_webhook_events_total")
	assert.Contains(t, metrics, "numeros_catalog_reloads_total")
}
