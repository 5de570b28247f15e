// Package shopify implements the entitlement record store against the Shopify Admin REST API.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/festivio/numeros/pkg/entitlement"
)

const (
	defaultAPIVersion  = "2024-10"
	defaultHTTPTimeout = 10 * time.Second
	maxResponseBytes   = 4 << 20
	ownerResourceUser  = "customer"
)

// Config configures a Client
type Config struct {
	// Store is the shop domain, e.g. "festivio.myshopify.com" (required unless BaseURL is set)
	Store string

	// AdminToken is sent as X-Shopify-Access-Token (required)
	AdminToken string

	// APIVersion selects the Admin API version (default: "2024-10")
	APIVersion string

	// BaseURL overrides https://{Store}/admin/api/{APIVersion}, mainly for tests
	BaseURL string

	// HTTPClient is an optional HTTP client. If nil, a client with a 10s timeout is used.
	HTTPClient *http.Client

	Logger  entitlement.Logger
	Metrics entitlement.Metrics
}

// Client implements entitlement.Store and entitlement.ProductAgeLookup
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     entitlement.Logger
	metrics    entitlement.Metrics
}

// New creates a Shopify client
func New(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.AdminToken)
	if token == "" {
		return nil, fmt.Errorf("shopify admin token is required: %w", entitlement.ErrNotConfigured)
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		shop := strings.TrimSpace(cfg.Store)
		shop = strings.TrimPrefix(strings.TrimPrefix(shop, "https://"), "http://")
		shop = strings.TrimRight(shop, "/")
		if shop == "" {
			return nil, fmt.Errorf("shopify store domain is required: %w", entitlement.ErrNotConfigured)
		}
		version := strings.TrimSpace(cfg.APIVersion)
		if version == "" {
			version = defaultAPIVersion
		}
		baseURL = fmt.Sprintf("https://%s/admin/api/%s", shop, version)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = &entitlement.NoopMetrics{}
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}, nil
}

type customer struct {
	ID    entitlement.FlexString `json:"id"`
	Email string                 `json:"email"`
}

type metafield struct {
	ID            entitlement.FlexString `json:"id,omitempty"`
	OwnerID       entitlement.FlexString `json:"owner_id,omitempty"`
	OwnerResource string                 `json:"owner_resource,omitempty"`
	Namespace     string                 `json:"namespace,omitempty"`
	Key           string                 `json:"key,omitempty"`
	Type          string                 `json:"type,omitempty"`
	Value         entitlement.FlexString `json:"value"`
}

func (m metafield) toField() entitlement.StoredField {
	return entitlement.StoredField{
		ID:        m.ID.String(),
		OwnerID:   m.OwnerID.String(),
		Namespace: m.Namespace,
		Key:       m.Key,
		Type:      m.Type,
		Value:     string(m.Value),
	}
}

// FindCustomerByEmail implements entitlement.Store. Search is fuzzy, so the
// first hit whose email equals the query (ignoring case) wins; without one the
// first hit is used.
func (c *Client) FindCustomerByEmail(ctx context.Context, email string) (*entitlement.Customer, error) {
	var out struct {
		Customers []customer `json:"customers"`
	}
	path := "customers/search.json?query=" + url.QueryEscape("email:"+email)
	if err := c.do(ctx, "find_customer", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Customers) == 0 {
		return nil, entitlement.ErrCustomerNotFound
	}
	chosen, exact := out.Customers[0], 0
	for i, hit := range out.Customers {
		if strings.EqualFold(strings.TrimSpace(hit.Email), strings.TrimSpace(email)) {
			if exact == 0 {
				chosen = out.Customers[i]
			}
			exact++
		}
	}
	switch {
	case exact == 0:
		c.logger.Warn("no search hit matches the email exactly, using the first",
			entitlement.Field{Key: "email", Value: email},
			entitlement.Field{Key: "matches", Value: len(out.Customers)},
		)
	case exact > 1:
		c.logger.Warn("several customers share an email, using the first",
			entitlement.Field{Key: "email", Value: email},
			entitlement.Field{Key: "matches", Value: exact},
		)
	}
	return &entitlement.Customer{ID: chosen.ID.String(), Email: chosen.Email}, nil
}

// ListCustomerFields implements entitlement.Store
func (c *Client) ListCustomerFields(ctx context.Context, customerID, namespace string) ([]entitlement.StoredField, error) {
	return c.listFields(ctx, "list_fields", fmt.Sprintf("customers/%s/metafields.json", url.PathEscape(customerID)), namespace)
}

// CreateField implements entitlement.Store
func (c *Client) CreateField(ctx context.Context, field entitlement.StoredField) (*entitlement.StoredField, error) {
	req := struct {
		Metafield metafield `json:"metafield"`
	}{metafield{
		OwnerID:       entitlement.FlexString(field.OwnerID),
		OwnerResource: ownerResourceUser,
		Namespace:     field.Namespace,
		Key:           field.Key,
		Type:          field.Type,
		Value:         entitlement.FlexString(field.Value),
	}}
	var out struct {
		Metafield metafield `json:"metafield"`
	}
	if err := c.do(ctx, "create_field", http.MethodPost, "metafields.json", req, &out); err != nil {
		return nil, err
	}
	stored := out.Metafield.toField()
	return &stored, nil
}

// UpdateField implements entitlement.Store
func (c *Client) UpdateField(ctx context.Context, fieldID, fieldType, value string) (*entitlement.StoredField, error) {
	req := struct {
		Metafield metafield `json:"metafield"`
	}{metafield{
		ID:    entitlement.FlexString(fieldID),
		Type:  fieldType,
		Value: entitlement.FlexString(value),
	}}
	var out struct {
		Metafield metafield `json:"metafield"`
	}
	path := fmt.Sprintf("metafields/%s.json", url.PathEscape(fieldID))
	if err := c.do(ctx, "update_field", http.MethodPut, path, req, &out); err != nil {
		return nil, err
	}
	stored := out.Metafield.toField()
	return &stored, nil
}

// ProductAge implements entitlement.ProductAgeLookup by reading the
// product's {namespace}.age field.
func (c *Client) ProductAge(ctx context.Context, productID string) (string, error) {
	fields, err := c.listFields(ctx, "product_age",
		fmt.Sprintf("products/%s/metafields.json", url.PathEscape(productID)), entitlement.Namespace)
	if err != nil {
		return "", err
	}
	for _, f := range fields {
		if f.Key == entitlement.FieldProductAge {
			return f.Value, nil
		}
	}
	return "", nil
}

func (c *Client) listFields(ctx context.Context, op, path, namespace string) ([]entitlement.StoredField, error) {
	var out struct {
		Metafields []metafield `json:"metafields"`
	}
	if namespace != "" {
		path += "?namespace=" + url.QueryEscape(namespace)
	}
	if err := c.do(ctx, op, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	fields := make([]entitlement.StoredField, 0, len(out.Metafields))
	for _, m := range out.Metafields {
		// The filter is applied server-side too, but older API versions ignore it.
		if namespace != "" && m.Namespace != namespace {
			continue
		}
		fields = append(fields, m.toField())
	}
	return fields, nil
}

// do performs one Admin API call. Any non-2xx status becomes a *entitlement.RemoteStoreError.
func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordStoreCall(op, time.Since(start), err)
	}()

	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("X-Shopify-Access-Token", c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("shopify %s %s: %w", method, stripQuery(path), err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &entitlement.RemoteStoreError{
			Method:     method,
			Path:       stripQuery(path),
			StatusCode: res.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// stripQuery keeps emails out of error messages and logs
func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
