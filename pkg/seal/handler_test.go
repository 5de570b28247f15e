package seal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/festivio/numeros/pkg/entitlement"
	"github.com/festivio/numeros/storage/memory"
)

type captureReporter struct {
	mu       sync.Mutex
	failures []Failure
}

func (c *captureReporter) Report(_ context.Context, f Failure) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = append(c.failures, f)
}

func (c *captureReporter) all() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Failure(nil), c.failures...)
}

type fixture struct {
	handler  *Handler
	store    *memory.Storage
	reporter *captureReporter
	issue    string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	now := time.Date(2025, 3, 15, 9, 0, 0, 0, time.UTC)
	issue := entitlement.IssueKey(now)

	store := memory.New()
	catalog := entitlement.NewCatalogHolder(entitlement.NewCatalog(map[string]map[string]entitlement.Entitlement{
		issue: {
			"3-5": {CatalogRef: "cat-3-5", AnnexRefs: []string{"annex"}},
			"6-9": {CatalogRef: "cat-6-9"},
		},
	}))
	rec, err := entitlement.New(&entitlement.Config{
		Store:    store,
		Products: store,
		Catalog:  catalog,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)

	reporter := &captureReporter{}
	cfg.Reconciler = rec
	cfg.Catalog = catalog
	cfg.Reporter = reporter
	h, err := NewHandler(cfg)
	require.NoError(t, err)
	return &fixture{handler: h, store: store, reporter: reporter, issue: issue}
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestNewHandler_RequiresReconciler(t *testing.T) {
	_, err := NewHandler(Config{})
	assert.Error(t, err)
}

func TestWebhook_SubscriptionCreated(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.store.AddCustomer("a@x.com")

	rec := f.do(http.MethodPost, "/webhooks/seal/subscription_created",
		`{"email":"a@x.com","items":[{"properties":[{"name":"age","value":"3-5"}]}],"billing_interval":"year"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Empty(t, f.reporter.all())

	status, _ := f.store.FieldValue(c.ID, entitlement.Namespace, entitlement.FieldStatus)
	assert.Equal(t, "active", status)
	expiry, _ := f.store.FieldValue(c.ID, entitlement.Namespace, entitlement.FieldExpiry)
	assert.Equal(t, "2026-03-15", expiry)
}

func TestWebhook_MixedShapePayloadStillGrants(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.store.AddCustomer("a@x.com")

	rec := f.do(http.MethodPost, "/webhooks/seal/subscription_created",
		`{"email":"a@x.com","customer":"cus_1","first_name":123,"metadata":[],"billing_interval":12,`+
			`"items":[{"properties":[{"name":"age","value":"3-5"}]}]}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.reporter.all())

	owned, ok := f.store.FieldValue(c.ID, entitlement.Namespace, entitlement.FieldOwnedNumbers)
	require.True(t, ok)
	assert.Contains(t, owned, "cat-3-5")
}

func TestWebhook_AlwaysAcknowledges(t *testing.T) {
	f := newFixture(t, Config{MaxBodyBytes: 64})
	f.store.AddCustomer("a@x.com")

	tests := []struct {
		name string
		path string
		body string
		kind string
	}{
		{"invalid json", "/webhooks/seal/billing_succeeded", `{"email":`, "invalid_event"},
		{"empty body", "/webhooks/seal/billing_succeeded", "", "internal"},
		{"too large", "/webhooks/seal/billing_succeeded", `{"email":"` + strings.Repeat("a", 100) + `"}`, "internal"},
		{"missing email", "/webhooks/seal/subscription_created", `{"first_name":"Zoé"}`, "missing_email"},
		{"unknown customer", "/webhooks/seal/subscription_created", `{"email":"ghost@x.com"}`, "customer_not_found"},
		{"no mapping", "/webhooks/seal/subscription_created", `{"email":"a@x.com","metadata":{"age":"13-15"}}`, "no_mapping"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(f.reporter.all())
			rec := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "ok", rec.Body.String())

			failures := f.reporter.all()
			require.Len(t, failures, before+1)
			assert.Equal(t, tt.kind, failures[len(failures)-1].Kind)
		})
	}
}

func TestWebhook_StoreFailureIsReportedNotReturned(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddCustomer("a@x.com")
	f.store.FailOn(memory.OpListFields, &entitlement.RemoteStoreError{Method: "GET", StatusCode: 503})

	rec := f.do(http.MethodPost, "/webhooks/seal/subscription_created", `{"email":"a@x.com"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	failures := f.reporter.all()
	require.Len(t, failures, 1)
	assert.Equal(t, "remote_store", failures[0].Kind)
	assert.Equal(t, "a@x.com", failures[0].Email)
}

func TestWebhook_CancelUnknownCustomer(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodPost, "/webhooks/seal/subscription_cancelled", `{"customer_email":"ghost@x.com"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.store.Writes())

	failures := f.reporter.all()
	require.Len(t, failures, 1)
	assert.Equal(t, entitlement.EventSubscriptionCancelled, failures[0].EventType)
	assert.True(t, entitlement.IsCustomerNotFound(failures[0].Err))
}

func TestWebhook_CancelKnownCustomer(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.store.AddCustomer("a@x.com")

	rec := f.do(http.MethodPost, "/webhooks/seal/subscription_cancelled", `{"email":"a@x.com"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	status, _ := f.store.FieldValue(c.ID, entitlement.Namespace, entitlement.FieldStatus)
	assert.Equal(t, "cancelled", status)
}

func TestWebhook_RoutesAndMethods(t *testing.T) {
	f := newFixture(t, Config{})

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/webhooks/seal/subscription_paused", `{}`).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/webhooks/seal/subscription_created", "").Code)
}

func TestGrant(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.store.AddCustomer("a@x.com")

	rec := f.do(http.MethodGet, "/grant?email=a@x.com&age=3-5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "granted", rec.Body.String())

	rec = f.do(http.MethodGet, "/grant?email=a@x.com&age=3-5&issue="+f.issue, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already granted", rec.Body.String())

	value, _ := f.store.FieldValue(c.ID, entitlement.Namespace, entitlement.FieldOwnedNumbers)
	owned, err := entitlement.ParseOwnedEntitlements(value)
	require.NoError(t, err)
	assert.Len(t, owned, 1)
}

func TestGrant_SurfacesErrors(t *testing.T) {
	f := newFixture(t, Config{})
	f.store.AddCustomer("a@x.com")

	rec := f.do(http.MethodGet, "/grant?email=ghost@x.com", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "customer not found")

	rec = f.do(http.MethodGet, "/grant?email=a@x.com&issue=2020-01", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "no catalog mapping")

	rec = f.do(http.MethodGet, "/grant?email=a@x.com&issue=march", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugCustomer(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.store.AddCustomer("a@x.com")
	f.do(http.MethodPost, "/webhooks/seal/subscription_created", `{"email":"a@x.com"}`)

	rec := f.do(http.MethodGet, "/debug/customer?email=a@x.com", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state entitlement.CustomerState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, c.ID, state.CustomerID)
	require.NotNil(t, state.SubscriptionStatus)
	assert.Equal(t, "active", *state.SubscriptionStatus)
	assert.Equal(t, 1, state.OwnedCount)
	assert.ElementsMatch(t, []string{
		entitlement.FieldStatus, entitlement.FieldExpiry, entitlement.FieldOwnedNumbers,
	}, state.FieldKeys)

	rec = f.do(http.MethodGet, "/debug/customer?email=ghost@x.com", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Customer not found"}`, rec.Body.String())
}

func TestDebugCatalog(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodGet, "/debug/numeros", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var table map[string]map[string]entitlement.Entitlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &table))
	assert.Equal(t, "cat-3-5", table[f.issue]["3-5"].CatalogRef)
}

func TestSimulate(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.store.AddCustomer("test@sealsubscriptions.com")

	rec := f.do(http.MethodPost, "/simulate-seal", `{"prenom":"Léa","age":"3-5","billing_interval":"year"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Message string                 `json:"message"`
		Info    entitlement.Resolution `json:"info"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Simulation OK", resp.Message)
	assert.Equal(t, "Léa", resp.Info.DisplayName)
	assert.Equal(t, "3-5", resp.Info.AgeBracket)
	assert.Equal(t, entitlement.BillingAnnual, resp.Info.BillingInterval)

	value, ok := f.store.FieldValue(c.ID, entitlement.Namespace, entitlement.FieldOwnedNumbers)
	require.True(t, ok)
	assert.Contains(t, value, "cat-3-5")
}

func TestSimulate_SurfacesErrors(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodPost, "/simulate-seal", `{"email":"ghost@x.com"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "customer not found")
}

func TestSimulate_RejectsUnreadableBody(t *testing.T) {
	f := newFixture(t, Config{MaxBodyBytes: 128})
	fallback := f.store.AddCustomer("test@sealsubscriptions.com")
	f.store.AddCustomer("real@x.com")

	body := `{"email":"real@x.com","nom":"` + strings.Repeat("x", 300) + `"}`
	rec := f.do(http.MethodPost, "/simulate-seal", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error"`)

	_, written := f.store.FieldValue(fallback.ID, entitlement.Namespace, entitlement.FieldStatus)
	assert.False(t, written)
	assert.Zero(t, f.store.Writes())
}

func TestSimulate_EmptyBodyUsesDefaults(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.store.AddCustomer("test@sealsubscriptions.com")

	rec := f.do(http.MethodPost, "/simulate-seal", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status, _ := f.store.FieldValue(c.ID, entitlement.Namespace, entitlement.FieldStatus)
	assert.Equal(t, "active", status)
}

func TestDiagnostics_RateLimited(t *testing.T) {
	f := newFixture(t, Config{DiagnosticRateLimit: 1})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/debug/numeros", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/debug/numeros", "").Code)

	// Webhooks are never rate limited.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhooks/seal/billing_succeeded", `{}`).Code)
	}
}

func TestDiagnostics_Disabled(t *testing.T) {
	f := newFixture(t, Config{DisableDiagnostics: true})

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/debug/numeros", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "").Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(2), resp["catalog_entries"])
}

type panickingReconciler struct{ Reconciler }

func (panickingReconciler) Reconcile(context.Context, entitlement.EventType, *entitlement.Event) (*entitlement.Outcome, error) {
	panic("store exploded")
}

func TestWebhook_PanicStillAcknowledged(t *testing.T) {
	reporter := &captureReporter{}
	h, err := NewHandler(Config{Reconciler: panickingReconciler{}, Reporter: reporter})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/seal/billing_succeeded", strings.NewReader(`{"email":"a@x.com"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	failures := reporter.all()
	require.Len(t, failures, 1)
	assert.Equal(t, "a@x.com", failures[0].Email)
	assert.Contains(t, failures[0].Err.Error(), "store exploded")
}

func TestHandler_RoutesAndMatch(t *testing.T) {
	f := newFixture(t, Config{})

	routes := f.handler.Routes()
	assert.Contains(t, routes, Route{Method: http.MethodPost, Path: "/webhooks/seal/subscription_created"})
	assert.Contains(t, routes, Route{Method: http.MethodGet, Path: "/debug/numeros"})
	assert.Len(t, routes, 8)

	assert.True(t, f.handler.Match(httptest.NewRequest(http.MethodGet, "/health", nil)))
	assert.False(t, f.handler.Match(httptest.NewRequest(http.MethodPost, "/health", nil)))
	assert.False(t, f.handler.Match(httptest.NewRequest(http.MethodGet, "/elsewhere", nil)))

	disabled := newFixture(t, Config{DisableDiagnostics: true})
	assert.Len(t, disabled.handler.Routes(), 4)
}
