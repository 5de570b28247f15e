package entitlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FlexString decodes a JSON string, number, boolean or null into a string.
// Objects and arrays decode to the empty string. Event sources are
// inconsistent about quoting ids and ages.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*f = ""
	case data[0] == '{' || data[0] == '[':
		*f = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
	default:
		*f = FlexString(data)
	}
	return nil
}

func (f FlexString) String() string {
	return strings.TrimSpace(string(f))
}

// decodeLoose decodes data into v only when it opens with open ('{' or '[').
// Any other shape leaves v at its zero value.
func decodeLoose(data []byte, open byte, v any) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != open {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Property is a {name, value} pair attached to a line item at checkout
type Property struct {
	Name  FlexString `json:"name"`
	Value FlexString `json:"value"`
}

func (p *Property) UnmarshalJSON(data []byte) error {
	type plain Property
	return decodeLoose(data, '{', (*plain)(p))
}

// Properties tolerates a non-array "properties" value
type Properties []Property

func (ps *Properties) UnmarshalJSON(data []byte) error {
	return decodeLoose(data, '[', (*[]Property)(ps))
}

// ProductRef is the nested product object of a line item
type ProductRef struct {
	ID FlexString `json:"id"`
}

func (p *ProductRef) UnmarshalJSON(data []byte) error {
	type plain ProductRef
	return decodeLoose(data, '{', (*plain)(p))
}

// LineItem is an order line of a subscription event
type LineItem struct {
	ProductID        FlexString  `json:"product_id"`
	ShopifyProductID FlexString  `json:"shopify_product_id"`
	Product          *ProductRef `json:"product,omitempty"`
	Properties       Properties  `json:"properties"`
}

func (li *LineItem) UnmarshalJSON(data []byte) error {
	type plain LineItem
	return decodeLoose(data, '{', (*plain)(li))
}

// LineItems tolerates a non-array "items" value
type LineItems []LineItem

func (l *LineItems) UnmarshalJSON(data []byte) error {
	return decodeLoose(data, '[', (*[]LineItem)(l))
}

// ProductIdentifier returns the first product id found on the line
func (li *LineItem) ProductIdentifier() string {
	if li == nil {
		return ""
	}
	if id := li.ProductID.String(); id != "" {
		return id
	}
	if id := li.ShopifyProductID.String(); id != "" {
		return id
	}
	if li.Product != nil {
		return li.Product.ID.String()
	}
	return ""
}

// EventMetadata carries values attached to the subscription by the storefront
type EventMetadata struct {
	Age    FlexString `json:"age"`
	Prenom FlexString `json:"prenom"`
}

func (m *EventMetadata) UnmarshalJSON(data []byte) error {
	type plain EventMetadata
	return decodeLoose(data, '{', (*plain)(m))
}

// EventCustomer is the nested customer object; only its email is read
type EventCustomer struct {
	Email FlexString `json:"email"`
}

func (c *EventCustomer) UnmarshalJSON(data []byte) error {
	type plain EventCustomer
	return decodeLoose(data, '{', (*plain)(c))
}

// Event is the loosely-structured subscription event payload. Only the body
// itself must be a JSON object; a field of an unexpected shape decodes to its
// zero value instead of rejecting the event.
type Event struct {
	Email         FlexString     `json:"email"`
	CustomerEmail FlexString     `json:"customer_email"`
	Customer      *EventCustomer `json:"customer,omitempty"`

	FirstName  FlexString `json:"first_name"`
	SFirstName FlexString `json:"s_first_name"`
	LastName   FlexString `json:"last_name"`
	SLastName  FlexString `json:"s_last_name"`

	BillingInterval FlexString `json:"billing_interval"`
	PlanInterval    FlexString `json:"plan_interval"`
	PlanType        FlexString `json:"plan_type"`

	Metadata *EventMetadata `json:"metadata,omitempty"`
	Items    LineItems      `json:"items"`
}

// DecodeEvent parses a raw event body
func DecodeEvent(data []byte) (*Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalidEvent)
	}
	if data[0] != '{' {
		return nil, fmt.Errorf("%w: body is not a JSON object", ErrInvalidEvent)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return &ev, nil
}

// EmailAddress returns the first email found in email, customer.email, customer_email
func (e *Event) EmailAddress() string {
	if e == nil {
		return ""
	}
	if v := e.Email.String(); v != "" {
		return v
	}
	if e.Customer != nil {
		if v := e.Customer.Email.String(); v != "" {
			return v
		}
	}
	return e.CustomerEmail.String()
}

// FirstItem returns the first line item or nil
func (e *Event) FirstItem() *LineItem {
	if e == nil || len(e.Items) == 0 {
		return nil
	}
	return &e.Items[0]
}

func (e *Event) billingField() string {
	for _, v := range []FlexString{e.BillingInterval, e.PlanInterval, e.PlanType} {
		if s := v.String(); s != "" {
			return s
		}
	}
	return ""
}
