// Package purchase defines the purchase aggregate and its status machine.
package purchase

import (
	"context"
	"maps"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/pkg/money"
)

var (
	// ErrNotFound is returned when a purchase does not exist.
	ErrNotFound = errors.New("purchase not found")
	// ErrInvalidState is returned when an update targets a purchase whose
	// status does not allow it.
	ErrInvalidState = errors.New("purchase is not pending")
)

// Status is the lifecycle state of a purchase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether s may move to next. Only pending purchases
// move, and only into a terminal state.
func (s Status) CanTransition(next Status) bool {
	return s == StatusPending && next.Terminal()
}

// Metadata keys mirroring the root price fields.
const (
	MirrorBasePrice  = "mirror.base_price"
	MirrorFinalPrice = "mirror.final_price"
	MirrorAddOnValue = "mirror.addon_value"
	MirrorTotalPrice = "mirror.total_price"
)

// MetaReferral holds the referral code captured at checkout. It is the
// affiliate attribution whenever the applied coupon carries none.
const MetaReferral = "affiliate.referral"

// MirrorTolerance is the largest drift between the mirrored and root total
// that is not reported as a mismatch.
const MirrorTolerance money.Amount = 1

// Metadata is the free-form bookkeeping bag of a purchase.
type Metadata map[string]string

// Address is a billing address.
type Address struct {
	Line1    string
	Line2    string
	City     string
	State    string
	Postcode string
	Country  string
}

// Customer is the buyer identity.
type Customer struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Address   Address
}

// AddOn is a selected add-on with its computed surcharge.
type AddOn struct {
	ID         string
	Percentage decimal.Decimal
	Amount     money.Amount
	Metadata   map[string]string
}

// Purchase is the order aggregate. Price fields are only ever written from a
// pricing.Breakdown.
type Purchase struct {
	ID           uuid.UUID
	OrderNumber  int64
	ProgramID    int64
	TierID       string
	AccountSize  string
	PlatformID   string
	Variant      pricing.Variant
	ResetSubtype pricing.ResetSubtype
	Currency     string

	BasePrice  money.Amount
	FinalPrice money.Amount
	AddOnValue money.Amount
	TotalPrice money.Amount
	AddOns     []AddOn
	CouponCode string
	Affiliate  coupon.Affiliate

	Status             Status
	Customer           Customer
	PaymentMethod      string
	ExternalAccountRef string

	// ProductID and VariationID are zero until resolved.
	ProductID   int64
	VariationID int64

	Metadata  Metadata
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resolved reports whether fulfillment identifiers are known.
func (p *Purchase) Resolved() bool {
	return p.ProductID != 0
}

// PricingInput rebuilds the calculator input for the stored purchase.
func (p *Purchase) PricingInput() pricing.Input {
	addOns := make([]pricing.AddOn, 0, len(p.AddOns))
	for _, a := range p.AddOns {
		addOns = append(addOns, pricing.AddOn{ID: a.ID, Percentage: a.Percentage, Metadata: a.Metadata})
	}
	return pricing.Input{
		ProgramID:    p.ProgramID,
		AccountSize:  p.AccountSize,
		TierID:       p.TierID,
		Variant:      p.Variant,
		ResetSubtype: p.ResetSubtype,
		AddOns:       addOns,
		CouponCode:   p.CouponCode,
		Email:        p.Customer.Email,
	}
}

// ApplyBreakdown copies the authoritative price into p and refreshes the
// metadata mirror.
func (p *Purchase) ApplyBreakdown(b *pricing.Breakdown) {
	p.BasePrice = b.OriginalPrice
	p.FinalPrice = b.FinalPrice
	p.AddOnValue = b.AddOnValue
	p.TotalPrice = b.TotalPrice
	if b.Tier != nil {
		p.TierID = b.Tier.ID
		p.AccountSize = b.Tier.AccountSize
	}
	if b.Program != nil && p.Currency == "" {
		p.Currency = b.Program.Currency
	}

	p.AddOns = nil
	for _, c := range b.AddOns {
		p.AddOns = append(p.AddOns, AddOn{
			ID:         c.ID,
			Percentage: c.Percentage,
			Amount:     c.Amount,
			Metadata:   c.Metadata,
		})
	}

	p.CouponCode = ""
	p.Affiliate = coupon.Affiliate{ID: p.Metadata[MetaReferral]}
	if b.Coupon != nil {
		p.CouponCode = b.Coupon.Code
		if !b.Coupon.Affiliate.IsZero() {
			p.Affiliate = b.Coupon.Affiliate
		}
	}

	if p.Metadata == nil {
		p.Metadata = Metadata{}
	}
	maps.Copy(p.Metadata, p.Mirror())
}

// Mirror returns the metadata copy of the root price fields.
func (p *Purchase) Mirror() Metadata {
	return Metadata{
		MirrorBasePrice:  money.Format(p.BasePrice),
		MirrorFinalPrice: money.Format(p.FinalPrice),
		MirrorAddOnValue: money.Format(p.AddOnValue),
		MirrorTotalPrice: money.Format(p.TotalPrice),
	}
}

// MirrorMismatch compares the mirrored total with TotalPrice. It returns the
// mirrored value and true when they differ by more than MirrorTolerance or
// the mirror is missing or unreadable.
func (p *Purchase) MirrorMismatch() (string, bool) {
	raw, ok := p.Metadata[MirrorTotalPrice]
	if !ok {
		return "", true
	}
	mirrored, err := money.Parse(raw)
	if err != nil {
		return raw, true
	}
	return raw, !money.Within(mirrored, p.TotalPrice, MirrorTolerance)
}

// PricePatch replaces the price of a pending purchase.
type PricePatch struct {
	BasePrice  money.Amount
	FinalPrice money.Amount
	AddOnValue money.Amount
	TotalPrice money.Amount
	AddOns     []AddOn
	CouponCode string
	Affiliate  coupon.Affiliate
	// PaymentMethod is left unchanged when empty.
	PaymentMethod string
	Metadata      Metadata
}

// Patch extracts the price fields of p.
func (p *Purchase) Patch() PricePatch {
	return PricePatch{
		BasePrice:     p.BasePrice,
		FinalPrice:    p.FinalPrice,
		AddOnValue:    p.AddOnValue,
		TotalPrice:    p.TotalPrice,
		AddOns:        p.AddOns,
		CouponCode:    p.CouponCode,
		Affiliate:     p.Affiliate,
		PaymentMethod: p.PaymentMethod,
		Metadata:      p.Mirror(),
	}
}

// Repository persists purchases.
type Repository interface {
	// Create inserts p in pending status, assigning OrderNumber and
	// timestamps from the store.
	Create(ctx context.Context, p *Purchase) error
	Get(ctx context.Context, id uuid.UUID) (*Purchase, error)
	FindByOrderNumber(ctx context.Context, n int64) (*Purchase, error)
	// UpdatePending applies patch only while the purchase is pending and
	// returns ErrInvalidState otherwise. Metadata is merged.
	UpdatePending(ctx context.Context, id uuid.UUID, patch PricePatch) (*Purchase, error)
	// Transition moves the purchase from one status to another if it is
	// still in from, merging meta. It reports whether the row changed.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, meta Metadata) (bool, error)
	// MergeMetadata merges meta into the metadata bag.
	MergeMetadata(ctx context.Context, id uuid.UUID, meta Metadata) error
	// SetIdentifiers persists resolved fulfillment identifiers.
	SetIdentifiers(ctx context.Context, id uuid.UUID, productID, variationID int64) error
}
