package seal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/festivio/numeros/pkg/entitlement"
	"github.com/festivio/numeros/pkg/seal/internal"
)

// Diagnostic routes are triggered by hand, so unlike webhooks they surface
// errors in the response.

func (h *Handler) handleGrant(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email := strings.TrimSpace(q.Get("email"))
	age := strings.TrimSpace(q.Get("age"))
	if age == "" {
		age = h.defaultAge
	}
	issue := strings.TrimSpace(q.Get("issue"))
	if issue != "" && !entitlement.ValidIssueKey(issue) {
		internal.WriteText(w, http.StatusBadRequest, "issue must have the form YYYY-MM")
		return
	}

	out, err := h.reconciler.GrantByEmail(r.Context(), email, age, issue)
	if err != nil {
		internal.WriteText(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !out.Granted {
		internal.WriteText(w, http.StatusOK, "already granted")
		return
	}
	internal.WriteText(w, http.StatusOK, "granted")
}

func (h *Handler) handleDebugCustomer(w http.ResponseWriter, r *http.Request) {
	state, err := h.reconciler.Inspect(r.Context(), r.URL.Query().Get("email"))
	switch {
	case entitlement.IsCustomerNotFound(err):
		_ = internal.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "Customer not found"})
	case err != nil:
		internal.WriteText(w, http.StatusInternalServerError, err.Error())
	default:
		_ = internal.WriteJSON(w, http.StatusOK, state)
	}
}

func (h *Handler) handleDebugCatalog(w http.ResponseWriter, _ *http.Request) {
	var c *entitlement.Catalog
	if h.catalog != nil {
		c = h.catalog.Current()
	}
	_ = internal.WriteJSON(w, http.StatusOK, c)
}

// SimulateRequest describes a synthetic subscription for /simulate-seal.
// Empty fields take defaults.
type SimulateRequest struct {
	Email           string                 `json:"email"`
	Prenom          string                 `json:"prenom"`
	Nom             string                 `json:"nom"`
	BillingInterval string                 `json:"billing_interval"`
	ProductID       entitlement.FlexString `json:"product_id"`
	Age             entitlement.FlexString `json:"age"`
}

const (
	simulateDefaultEmail = "test@sealsubscriptions.com"
	simulateDefaultNom   = "Test"
)

// handleSimulate runs a synthetic subscription_created event through the
// reconciler without going through the event source.
func (h *Handler) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	body, err := internal.ReadBodyStrict(w, r, h.maxBodyBytes)
	switch {
	case errors.Is(err, internal.ErrEmptyBody):
		// No body: every field takes its default.
	case errors.Is(err, internal.ErrPayloadTooLarge):
		_ = internal.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
		return
	case err != nil:
		_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	default:
		if err := json.Unmarshal(body, &req); err != nil {
			_ = internal.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}

	ev := SimulatedEvent(req, h.defaultAge)

	out, err := h.reconciler.Reconcile(r.Context(), entitlement.EventSubscriptionCreated, ev)
	if err != nil {
		_ = internal.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Simulation OK",
		"info":    out.Resolution,
		"outcome": out,
	})
}

// SimulatedEvent builds the subscription_created payload a real order with
// the given details would produce.
func SimulatedEvent(req SimulateRequest, defaultAge string) *entitlement.Event {
	if strings.TrimSpace(defaultAge) == "" {
		defaultAge = entitlement.DefaultAgeBracket
	}
	prenom := orDefault(req.Prenom, entitlement.DefaultDisplayName)
	return &entitlement.Event{
		Email:           entitlement.FlexString(orDefault(req.Email, simulateDefaultEmail)),
		FirstName:       entitlement.FlexString(prenom),
		LastName:        entitlement.FlexString(orDefault(req.Nom, simulateDefaultNom)),
		BillingInterval: entitlement.FlexString(orDefault(req.BillingInterval, string(entitlement.BillingMonthly))),
		Items: []entitlement.LineItem{{
			ProductID: req.ProductID,
			Properties: []entitlement.Property{
				{Name: "prenom", Value: entitlement.FlexString(prenom)},
				{Name: "age", Value: entitlement.FlexString(orDefault(req.Age.String(), defaultAge))},
			},
		}},
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
