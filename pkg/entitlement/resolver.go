package entitlement

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ProductAgeLookup returns the age bracket attribute of a catalog product.
// An empty string with a nil error means the product carries no age.
type ProductAgeLookup interface {
	ProductAge(ctx context.Context, productID string) (string, error)
}

// ResolverConfig configures a Resolver
type ResolverConfig struct {
	// DefaultAgeBracket is used when no step of the chain yields a bracket (default: "6-9")
	DefaultAgeBracket string

	// Products is consulted when the first line item carries a product id (optional)
	Products ProductAgeLookup

	Logger  Logger
	Metrics Metrics
}

// Resolver normalizes subscription events into a Resolution
type Resolver struct {
	defaultAge string
	products   ProductAgeLookup
	logger     Logger
	metrics    Metrics
}

// NewResolver creates a resolver
func NewResolver(cfg ResolverConfig) *Resolver {
	if strings.TrimSpace(cfg.DefaultAgeBracket) == "" {
		cfg.DefaultAgeBracket = DefaultAgeBracket
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}
	return &Resolver{
		defaultAge: strings.TrimSpace(cfg.DefaultAgeBracket),
		products:   cfg.Products,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// DefaultAgeBracket returns the configured fallback bracket
func (r *Resolver) DefaultAgeBracket() string {
	return r.defaultAge
}

// Resolve derives (email, displayName, ageBracket, billingInterval) from ev.
// Age bracket precedence, first match wins:
//  1. line item property named age/âge
//  2. metadata.age (metadata.prenom overrides the display name)
//  3. product age attribute looked up by product id
//  4. configured default
func (r *Resolver) Resolve(ctx context.Context, ev *Event) (*Resolution, error) {
	email := ev.EmailAddress()
	if email == "" {
		return nil, ErrMissingEmail
	}

	res := &Resolution{
		Email:           email,
		DisplayName:     firstNonEmpty(ev.FirstName.String(), ev.SFirstName.String(), DefaultDisplayName),
		LastName:        firstNonEmpty(ev.LastName.String(), ev.SLastName.String()),
		AgeBracket:      r.defaultAge,
		AgeSource:       AgeFromDefault,
		BillingInterval: ParseBillingInterval(ev.billingField()),
	}

	item := ev.FirstItem()

	// Properties are read for the display name even when they carry no age.
	if item != nil && len(item.Properties) > 0 {
		name, age := scanProperties(item.Properties)
		if name != "" {
			res.DisplayName = name
		}
		if age != "" {
			res.AgeBracket = age
			res.AgeSource = AgeFromLineItem
		}
	}

	if res.AgeSource == AgeFromDefault && ev.Metadata != nil && ev.Metadata.Age.String() != "" {
		res.AgeBracket = ev.Metadata.Age.String()
		res.AgeSource = AgeFromMetadata
		if prenom := ev.Metadata.Prenom.String(); prenom != "" {
			res.DisplayName = prenom
		}
	}

	if res.AgeSource == AgeFromDefault && item != nil {
		if age := r.productAge(ctx, item.ProductIdentifier()); age != "" {
			res.AgeBracket = age
			res.AgeSource = AgeFromProduct
		}
	}

	r.metrics.RecordResolution(res.AgeSource)
	return res, nil
}

func (r *Resolver) productAge(ctx context.Context, productID string) string {
	if productID == "" {
		r.logger.Debug("no product id on line item, keeping fallback age bracket")
		return ""
	}
	if r.products == nil {
		r.logger.Debug("product age lookup not configured", Field{"productId", productID})
		return ""
	}
	age, err := r.products.ProductAge(ctx, productID)
	if err != nil {
		r.logger.Error("product age lookup failed",
			Field{"productId", productID},
			Field{"error", err},
		)
		return ""
	}
	age = strings.TrimSpace(age)
	if age == "" {
		r.logger.Warn("product has no age attribute",
			Field{"productId", productID},
			Field{"namespace", Namespace},
		)
		return ""
	}
	r.logger.Debug("product age resolved", Field{"productId", productID}, Field{"age", age})
	return age
}

// scanProperties returns the last prenom and age values among props.
func scanProperties(props []Property) (name, age string) {
	for _, p := range props {
		switch foldKey(p.Name.String()) {
		case "prenom":
			if v := p.Value.String(); v != "" {
				name = v
			}
		case "age":
			if v := p.Value.String(); v != "" {
				age = v
			}
		}
	}
	return name, age
}

// foldKey lowercases and strips diacritics so "Prénom" and "ÂGE" match.
func foldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
