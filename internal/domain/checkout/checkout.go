// Package checkout orchestrates checkout sessions: authoritative pricing,
// pending purchase creation, mapping resolution and the hosted payment
// session.
package checkout

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/gateway"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// Metadata keys written by checkout.
const (
	MetaGatewayProvider = "gateway.provider"
	MetaGatewayOrderID  = "gateway.order_id"
	MetaGatewayError    = "gateway.error"
	MetaMappingStatus   = "mapping.status"
	MetaClientTotal     = "price.client_total"
	MetaSource          = "source"
)

// ValidationError reports a missing or malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// PriceCalculator computes authoritative prices.
type PriceCalculator interface {
	Compute(ctx context.Context, in pricing.Input) (*pricing.Breakdown, error)
}

// MappingResolver resolves fulfillment identifiers.
type MappingResolver interface {
	Resolve(ctx context.Context, q mapping.Query) (mapping.Identifiers, error)
	ResolveProduct(ctx context.Context, productID int64) (*mapping.ProductMatch, error)
}

// Gateways looks up a configured payment gateway.
type Gateways interface {
	Lookup(name string) (gateway.Gateway, bool)
}

// SessionRequest is a checkout-session creation request.
type SessionRequest struct {
	ProgramID          int64
	AccountSize        string
	TierID             string
	PlatformID         string
	Variant            pricing.Variant
	ResetSubtype       pricing.ResetSubtype
	AddOns             []pricing.AddOn
	CouponCode         string
	Customer           purchase.Customer
	PaymentMethod      string
	ExternalAccountRef string
	ReferralCode       string
	// ClientTotal is the total the client displayed. It is only compared
	// against the computed total and never used for pricing.
	ClientTotal *money.Amount
}

func (r *SessionRequest) normalize() {
	r.AccountSize = strings.TrimSpace(r.AccountSize)
	r.TierID = strings.TrimSpace(r.TierID)
	r.CouponCode = strings.TrimSpace(r.CouponCode)
	r.Customer.Email = strings.TrimSpace(r.Customer.Email)
	if r.Variant == "" {
		r.Variant = pricing.VariantOriginal
	}
	if r.Variant != pricing.VariantReset {
		r.ResetSubtype = ""
	}
}

func (r *SessionRequest) validate() error {
	if r.ProgramID <= 0 {
		return invalid("program_id", "is required")
	}
	if r.AccountSize == "" && r.TierID == "" {
		return invalid("account_size", "account size or tier id is required")
	}
	if !r.Variant.Valid() {
		return invalid("variant", "must be one of original, reset, activation")
	}
	if r.Variant == pricing.VariantReset && !r.ResetSubtype.Valid() {
		return invalid("reset_subtype", "must be evaluation or funded")
	}
	if r.Variant != pricing.VariantOriginal && strings.TrimSpace(r.ExternalAccountRef) == "" {
		return invalid("account_ref", "is required for reset and activation orders")
	}
	for _, a := range r.AddOns {
		if a.ID == "" {
			return invalid("add_ons", "add-on id is required")
		}
		if a.Percentage.IsNegative() {
			return invalid("add_ons", "add-on percentage must not be negative")
		}
	}
	return validateCustomer(r.Customer)
}

func validateCustomer(c purchase.Customer) error {
	if c.Email == "" {
		return invalid("customer.email", "is required")
	}
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return invalid("customer.email", "is not a valid email address")
	}
	if strings.TrimSpace(c.FirstName) == "" {
		return invalid("customer.first_name", "is required")
	}
	if strings.TrimSpace(c.LastName) == "" {
		return invalid("customer.last_name", "is required")
	}
	return nil
}

// SessionResult is the outcome of CreateSession.
type SessionResult struct {
	Purchase  *purchase.Purchase
	Session   *gateway.Session
	Breakdown *pricing.Breakdown
}

// UpdateRequest edits the add-ons and coupon of a pending purchase. A nil
// or empty coupon code clears the coupon.
type UpdateRequest struct {
	AddOns     []pricing.AddOn
	CouponCode *string
}

// UpdateResult is the outcome of UpdatePurchase.
type UpdateResult struct {
	Purchase  *purchase.Purchase
	Breakdown *pricing.Breakdown
	// Session replaces the hosted session opened before the edit. It is nil
	// when the purchase had none.
	Session *gateway.Session
}

// OpenSessionRequest opens a hosted payment session for an existing pending
// purchase.
type OpenSessionRequest struct {
	PaymentMethod string
	// ClientTotal is compared against the recomputed total like
	// SessionRequest.ClientTotal.
	ClientTotal *money.Amount
}

// ExternalOrderRequest creates a pending order on behalf of a companion
// application that only knows an external product id.
type ExternalOrderRequest struct {
	Customer   purchase.Customer
	ProductID  int64
	AccountRef string
}

// ExternalOrderResult is the outcome of CreateExternalOrder.
type ExternalOrderResult struct {
	Purchase   *purchase.Purchase
	PaymentURL string
}

func newPurchaseID() uuid.UUID {
	return uuid.New()
}
