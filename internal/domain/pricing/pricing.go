// Package pricing computes the authoritative price of a checkout.
//
// Prices are always derived from reference data (program tiers, fees and
// coupons). Client-supplied amounts never enter the calculation.
package pricing

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// Variant is the product class being purchased.
type Variant string

const (
	// VariantOriginal is a new challenge account.
	VariantOriginal Variant = "original"
	// VariantReset is a reset fee for an existing account.
	VariantReset Variant = "reset"
	// VariantActivation is an activation fee for a passed account.
	VariantActivation Variant = "activation"
)

// Valid reports whether v is a known variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantOriginal, VariantReset, VariantActivation:
		return true
	default:
		return false
	}
}

// Discountable reports whether coupons and add-ons apply to the variant.
func (v Variant) Discountable() bool {
	return v == VariantOriginal
}

// ResetSubtype selects which reset fee applies.
type ResetSubtype string

const (
	ResetEvaluation ResetSubtype = "evaluation"
	ResetFunded     ResetSubtype = "funded"
)

// Valid reports whether s is a known reset subtype.
func (s ResetSubtype) Valid() bool {
	return s == ResetEvaluation || s == ResetFunded
}

var (
	// ErrPriceUnavailable is returned when the price field selected by the
	// variant is not configured.
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrInvalidInput is returned for variant, subtype or add-on values the
	// calculator cannot price.
	ErrInvalidInput = errors.New("invalid pricing input")
)

// AddOn is a selected optional feature priced as a percentage surcharge.
type AddOn struct {
	ID         string
	Percentage decimal.Decimal
	Metadata   map[string]string
}

// AddOnCharge is an add-on with its computed surcharge.
type AddOnCharge struct {
	AddOn
	Amount money.Amount
}

// Input describes what is being priced.
type Input struct {
	ProgramID    int64
	AccountSize  string
	TierID       string
	Variant      Variant
	ResetSubtype ResetSubtype
	AddOns       []AddOn
	CouponCode   string
	Email        string
	// AutoApply enables best auto-apply coupon selection when no code is given.
	AutoApply bool
}

// Breakdown is the authoritative price of a purchase. Every amount is a
// non-negative whole-unit integer.
type Breakdown struct {
	Program *program.Program
	Tier    *program.Tier

	TierPrice       money.Amount
	OriginalPrice   money.Amount
	AppliedDiscount money.Amount
	FinalPrice      money.Amount
	AddOnValue      money.Amount
	TotalPrice      money.Amount

	AddOns []AddOnCharge
	Coupon *coupon.Discount
}

// BasePrice selects the undiscounted price for the variant.
func BasePrice(p *program.Program, t *program.Tier, v Variant, sub ResetSubtype) (money.Amount, error) {
	var base money.Amount
	switch v {
	case VariantOriginal:
		base = t.Price
	case VariantReset:
		switch sub {
		case ResetFunded:
			base = t.ResetFeeFunded
			if base == 0 {
				base = t.ResetFee
			}
		case ResetEvaluation:
			base = t.ResetFee
		default:
			return 0, errors.Wrapf(ErrInvalidInput, "reset subtype %q", sub)
		}
	case VariantActivation:
		base = p.ActivationFee
	default:
		return 0, errors.Wrapf(ErrInvalidInput, "variant %q", v)
	}
	if base <= 0 {
		return 0, errors.Wrapf(ErrPriceUnavailable, "%s price for tier %q of program %d", v, t.ID, p.ID)
	}
	return base, nil
}

// Quote prices in against already-loaded reference data. The discount is
// ignored for variants that are not discountable. Quote has no side effects
// and returns identical output for identical input.
func Quote(p *program.Program, t *program.Tier, in Input, discount *coupon.Discount) (*Breakdown, error) {
	base, err := BasePrice(p, t, in.Variant, in.ResetSubtype)
	if err != nil {
		return nil, err
	}

	b := &Breakdown{
		Program:       p,
		Tier:          t,
		TierPrice:     t.Price,
		OriginalPrice: base,
		FinalPrice:    base,
	}
	if !in.Variant.Discountable() {
		b.TotalPrice = b.FinalPrice
		return b, nil
	}

	if discount != nil {
		b.FinalPrice = discount.Apply(base)
		b.AppliedDiscount = base - b.FinalPrice
		b.Coupon = discount
	}

	for _, a := range in.AddOns {
		if a.Percentage.IsNegative() {
			return nil, errors.Wrapf(ErrInvalidInput, "add-on %q has negative percentage", a.ID)
		}
		charge := AddOnCharge{AddOn: a, Amount: money.CeilPercent(b.FinalPrice, a.Percentage)}
		b.AddOns = append(b.AddOns, charge)
		b.AddOnValue += charge.Amount
	}
	b.TotalPrice = b.FinalPrice + b.AddOnValue
	return b, nil
}
