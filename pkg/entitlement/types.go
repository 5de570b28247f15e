package entitlement

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	// Namespace partitions this system's fields from unrelated data on the same customer record
	Namespace = "festivio"

	// FieldStatus holds the subscription status ("active" or "cancelled")
	FieldStatus = "subscription_status"

	// FieldExpiry holds the subscription expiry date
	FieldExpiry = "subscription_expiry"

	// FieldOwnedNumbers holds the serialized OwnedEntitlements sequence
	FieldOwnedNumbers = "owned_numbers"

	// FieldProductAge is the product-level field carrying the age bracket of a catalog product
	FieldProductAge = "age"

	TypeSingleLineText = "single_line_text_field"
	TypeDate           = "date"
	TypeJSON           = "json"

	// DefaultAgeBracket is used when no bracket can be derived from the event
	DefaultAgeBracket = "6-9"

	// DefaultDisplayName is used when the event carries no first name
	DefaultDisplayName = "Enfant"

	expiryLayout   = "2006-01-02"
	issueKeyLayout = "2006-01"
)

// Status is the subscription status stored on the customer record
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
)

// BillingInterval determines how far expiry is pushed on a created/renewed event
type BillingInterval string

const (
	BillingMonthly BillingInterval = "month"
	BillingAnnual  BillingInterval = "year"
)

// ParseBillingInterval treats the literal "year" as annual and everything else as monthly.
func ParseBillingInterval(v string) BillingInterval {
	if strings.EqualFold(strings.TrimSpace(v), string(BillingAnnual)) {
		return BillingAnnual
	}
	return BillingMonthly
}

// Months returns the number of months a created/renewed event adds
func (b BillingInterval) Months() int {
	if b == BillingAnnual {
		return 12
	}
	return 1
}

// EventType is the kind of subscription event delivered by the event source
type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription_created"
	EventBillingSucceeded      EventType = "billing_succeeded"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
)

// Valid reports whether the event type is one the reconciler handles
func (t EventType) Valid() bool {
	switch t {
	case EventSubscriptionCreated, EventBillingSucceeded, EventSubscriptionCancelled:
		return true
	}
	return false
}

// AgeSource records which step of the resolution chain produced the age bracket
type AgeSource string

const (
	AgeFromLineItem AgeSource = "line_item"
	AgeFromMetadata AgeSource = "metadata"
	AgeFromProduct  AgeSource = "product"
	AgeFromDefault  AgeSource = "default"
)

// Entitlement is the catalog/annex pair granted for one (issueKey, ageBracket)
type Entitlement struct {
	CatalogRef string   `json:"catalog"`
	AnnexRefs  []string `json:"annexes"`
}

func (e Entitlement) clone() Entitlement {
	out := Entitlement{CatalogRef: e.CatalogRef}
	if e.AnnexRefs != nil {
		out.AnnexRefs = append([]string(nil), e.AnnexRefs...)
	}
	return out
}

// Record is one granted issue inside OwnedEntitlements
type Record struct {
	IssueKey   string   `json:"key"`
	AgeBracket string   `json:"age"`
	CatalogRef string   `json:"catalog"`
	AnnexRefs  []string `json:"annexes"`
}

// OwnedEntitlements is the ordered sequence stored in the owned_numbers field.
// At most one record exists per (IssueKey, AgeBracket).
type OwnedEntitlements []Record

// ParseOwnedEntitlements decodes the stored owned_numbers value. An empty value
// decodes to an empty sequence.
func ParseOwnedEntitlements(value string) (OwnedEntitlements, error) {
	if strings.TrimSpace(value) == "" {
		return OwnedEntitlements{}, nil
	}
	var owned OwnedEntitlements
	if err := json.Unmarshal([]byte(value), &owned); err != nil {
		return OwnedEntitlements{}, fmt.Errorf("failed to parse %s: %w", FieldOwnedNumbers, err)
	}
	if owned == nil {
		owned = OwnedEntitlements{}
	}
	return owned, nil
}

// Contains reports whether a record for the pair is already owned
func (o OwnedEntitlements) Contains(issueKey, ageBracket string) bool {
	for _, r := range o {
		if r.IssueKey == issueKey && r.AgeBracket == ageBracket {
			return true
		}
	}
	return false
}

// Merge appends rec unless its (IssueKey, AgeBracket) pair is already present.
// The second return value is false when the pair was already owned.
func (o OwnedEntitlements) Merge(rec Record) (OwnedEntitlements, bool) {
	if o.Contains(rec.IssueKey, rec.AgeBracket) {
		return o, false
	}
	out := make(OwnedEntitlements, len(o), len(o)+1)
	copy(out, o)
	return append(out, rec), true
}

// Encode serializes the sequence for storage
func (o OwnedEntitlements) Encode() (string, error) {
	out := make([]Record, len(o))
	for i, r := range o {
		if r.AnnexRefs == nil {
			r.AnnexRefs = []string{}
		}
		out[i] = r
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", FieldOwnedNumbers, err)
	}
	return string(data), nil
}

// Customer is the record-store customer the core works against. Only the
// store-assigned id and email are held.
type Customer struct {
	ID    string
	Email string
}

// StoredField is a namespaced field on a remote owner record
type StoredField struct {
	ID        string
	OwnerID   string
	Namespace string
	Key       string
	Type      string
	Value     string
}

// Resolution is the normalized view of an inbound subscription event
type Resolution struct {
	Email           string          `json:"email"`
	DisplayName     string          `json:"prenom"`
	LastName        string          `json:"nom,omitempty"`
	AgeBracket      string          `json:"age"`
	AgeSource       AgeSource       `json:"age_source"`
	BillingInterval BillingInterval `json:"plan_type"`
}

// Outcome describes what a reconciliation wrote
type Outcome struct {
	EventType  EventType   `json:"event_type"`
	CustomerID string      `json:"customer_id"`
	Resolution *Resolution `json:"resolution,omitempty"`
	Status     Status      `json:"status"`
	Expiry     *time.Time  `json:"expiry,omitempty"`
	IssueKey   string      `json:"issue_key,omitempty"`
	Granted    bool        `json:"granted"`
}

// CustomerState is a read-only snapshot of the fields this system manages on a customer
type CustomerState struct {
	CustomerID         string            `json:"customer_id"`
	Email              string            `json:"email"`
	FieldKeys          []string          `json:"metafields_keys"`
	SubscriptionStatus *string           `json:"subscription_status"`
	SubscriptionExpiry *string           `json:"subscription_expiry"`
	OwnedCount         int               `json:"owned_numbers_count"`
	Owned              OwnedEntitlements `json:"owned_numbers"`
}

// IssueKey returns the UTC year-month key for t
func IssueKey(t time.Time) string {
	return t.UTC().Format(issueKeyLayout)
}

// ValidIssueKey reports whether key has the YYYY-MM form
func ValidIssueKey(key string) bool {
	_, err := time.Parse(issueKeyLayout, key)
	return err == nil
}

// ExpiryFrom computes now + months, formatted as the stored date value
func ExpiryFrom(now time.Time, months int) (time.Time, string) {
	exp := now.UTC().AddDate(0, months, 0)
	return exp, exp.Format(expiryLayout)
}
