package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/pkg/ttlcache"
)

const autoApplyKey = "auto-apply"

// Resolver validates coupon codes against a purchase context and selects
// the best auto-apply coupon.
type Resolver struct {
	repo Repository
	auto *ttlcache.Cache[string, []Coupon]
	now  func() time.Time
}

// NewResolver creates a Resolver. The auto-apply candidate list is cached
// for autoApplyTTL.
func NewResolver(repo Repository, autoApplyTTL time.Duration, opts ...ttlcache.Option) *Resolver {
	return &Resolver{
		repo: repo,
		auto: ttlcache.New[string, []Coupon](autoApplyTTL, opts...),
		now:  time.Now,
	}
}

// Validate looks up code and runs every eligibility check in order,
// returning the first failure as an *IneligibleError.
func (r *Resolver) Validate(ctx context.Context, code string, c Context) (*Discount, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ineligible(code, ReasonNotFound, "Invalid coupon code")
	}

	cp, err := r.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ineligible(code, ReasonNotFound, "Invalid coupon code")
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	if err := r.check(ctx, cp, c); err != nil {
		return nil, err
	}
	return newDiscount(cp, c, false), nil
}

// BestAutoApply returns the highest-priority auto-apply coupon that passes
// validation for c, or nil when none does. Ties keep the earliest coupon.
func (r *Resolver) BestAutoApply(ctx context.Context, c Context) (*Discount, error) {
	candidates, err := r.auto.GetOrCompute(ctx, autoApplyKey, func(ctx context.Context) ([]Coupon, error) {
		return r.repo.ListAutoApply(ctx, r.now())
	})
	if err != nil {
		return nil, errors.Wrap(err, "list auto-apply coupons")
	}

	var best *Coupon
	for i := range candidates {
		cp := &candidates[i]
		if !cp.AutoApply {
			continue
		}
		if best != nil && cp.AutoApplyPriority <= best.AutoApplyPriority {
			continue
		}
		if err := r.check(ctx, cp, c); err != nil {
			continue
		}
		best = cp
	}
	if best == nil {
		return nil, nil
	}
	return newDiscount(best, c, true), nil
}

func (r *Resolver) check(ctx context.Context, cp *Coupon, c Context) error {
	if cp.Status != StatusActive {
		return ineligible(cp.Code, ReasonInactive, "This coupon is no longer active")
	}
	if cp.DiscountType != DiscountPercentage && cp.DiscountType != DiscountFixed {
		return ineligible(cp.Code, ReasonUnsupported, "Invalid coupon code")
	}

	now := r.now()
	if !cp.ValidFrom.IsZero() && now.Before(cp.ValidFrom) {
		return ineligible(cp.Code, ReasonNotStarted, "This coupon is not valid yet")
	}
	if cp.ValidTo != nil && now.After(*cp.ValidTo) {
		return ineligible(cp.Code, ReasonExpired, "This coupon has expired")
	}

	if !cp.AllowsProgram(c.ProgramID) {
		return ineligible(cp.Code, ReasonProgram, "This coupon cannot be used for the selected program")
	}

	if cp.MinPurchase > 0 && c.Amount < cp.MinPurchase {
		return ineligible(cp.Code, ReasonMinimumAmount,
			"A minimum purchase of %s is required for this coupon", cp.MinPurchase)
	}

	if cp.MaxUses > 0 || (cp.MaxUsesPerUser > 0 && c.Email != "") {
		usage, err := r.repo.CountRedemptions(ctx, cp.Code, c.Email)
		if err != nil {
			// Limits are re-derived from completed purchases, so a failed
			// count here only loosens the pre-check.
			zctx.From(ctx).Warn("Coupon usage count failed",
				zap.String("code", cp.Code),
				zap.Error(err),
			)
			return nil
		}
		if cp.MaxUses > 0 && usage.Total >= cp.MaxUses {
			return ineligible(cp.Code, ReasonUsageLimit, "This coupon has reached its usage limit")
		}
		if cp.MaxUsesPerUser > 0 && c.Email != "" && usage.ByEmail >= cp.MaxUsesPerUser {
			return ineligible(cp.Code, ReasonPerUserLimit, "You have already used this coupon the maximum number of times")
		}
	}

	return nil
}

func newDiscount(cp *Coupon, c Context, auto bool) *Discount {
	return &Discount{
		Code:        cp.Code,
		Type:        cp.DiscountType,
		Value:       cp.ValueFor(c.AccountSize),
		Affiliate:   cp.Affiliate,
		AutoApplied: auto,
	}
}
