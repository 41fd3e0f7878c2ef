package pricing

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/program"
)

// CouponResolver validates explicit codes and finds auto-apply coupons.
type CouponResolver interface {
	Validate(ctx context.Context, code string, c coupon.Context) (*coupon.Discount, error)
	BestAutoApply(ctx context.Context, c coupon.Context) (*coupon.Discount, error)
}

// Calculator loads reference data and computes a Breakdown.
type Calculator struct {
	programs program.Repository
	coupons  CouponResolver
}

// NewCalculator creates a Calculator.
func NewCalculator(programs program.Repository, coupons CouponResolver) *Calculator {
	return &Calculator{programs: programs, coupons: coupons}
}

// Compute resolves the tier, selects the variant base price, applies an
// explicit or auto-applied coupon, and adds add-on surcharges.
//
// An ineligible explicit coupon aborts with a *coupon.IneligibleError.
// A failure while searching for an auto-apply coupon is logged and the
// price is computed without a discount.
func (c *Calculator) Compute(ctx context.Context, in Input) (*Breakdown, error) {
	if !in.Variant.Valid() {
		return nil, errors.Wrapf(ErrInvalidInput, "variant %q", in.Variant)
	}

	p, err := c.programs.GetByID(ctx, in.ProgramID)
	if err != nil {
		return nil, errors.Wrap(err, "get program")
	}
	t, err := p.FindTier(in.TierID, in.AccountSize)
	if err != nil {
		return nil, err
	}

	base, err := BasePrice(p, t, in.Variant, in.ResetSubtype)
	if err != nil {
		return nil, err
	}

	var discount *coupon.Discount
	if in.Variant.Discountable() {
		cc := coupon.Context{
			ProgramID:   p.ID,
			AccountSize: t.AccountSize,
			Email:       in.Email,
			Amount:      base,
		}
		switch {
		case in.CouponCode != "":
			discount, err = c.coupons.Validate(ctx, in.CouponCode, cc)
			if err != nil {
				return nil, errors.Wrap(err, "validate coupon")
			}
		case in.AutoApply:
			discount, err = c.coupons.BestAutoApply(ctx, cc)
			if err != nil {
				zctx.From(ctx).Warn("Auto-apply coupon lookup failed",
					zap.Int64("program_id", p.ID),
					zap.String("account_size", t.AccountSize),
					zap.Error(err),
				)
				discount = nil
			}
		}
	}

	return Quote(p, t, in, discount)
}
