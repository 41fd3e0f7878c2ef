package coupon

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage removes a percentage of the base price.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed removes a fixed amount, never below zero.
	DiscountFixed DiscountType = "fixed"
)

// Status is the administrative state of a coupon.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// RestrictionMode controls which programs a coupon applies to.
type RestrictionMode string

const (
	// RestrictAll applies to every program.
	RestrictAll RestrictionMode = "all"
	// RestrictWhitelist applies only to the listed programs.
	RestrictWhitelist RestrictionMode = "whitelist"
	// RestrictBlacklist applies to every program except the listed ones.
	RestrictBlacklist RestrictionMode = "blacklist"
)

var (
	// ErrNotFound is returned by repositories when no coupon has the code.
	ErrNotFound = errors.New("coupon not found")
	// ErrIneligible matches every IneligibleError.
	ErrIneligible = errors.New("coupon ineligible")
)

// Reason is a machine-readable ineligibility cause.
type Reason string

const (
	ReasonNotFound      Reason = "not_found"
	ReasonInactive      Reason = "inactive"
	ReasonNotStarted    Reason = "not_started"
	ReasonExpired       Reason = "expired"
	ReasonProgram       Reason = "program_not_eligible"
	ReasonMinimumAmount Reason = "minimum_amount"
	ReasonUsageLimit    Reason = "usage_limit"
	ReasonPerUserLimit  Reason = "per_user_limit"
	ReasonUnsupported   Reason = "unsupported_type"
)

// IneligibleError describes why a coupon cannot be applied. Message is safe
// to show to the customer.
type IneligibleError struct {
	Code    string
	Reason  Reason
	Message string
}

func (e *IneligibleError) Error() string {
	return fmt.Sprintf("coupon %q: %s", e.Code, e.Message)
}

// Is makes errors.Is(err, ErrIneligible) work for any IneligibleError.
func (e *IneligibleError) Is(target error) bool {
	return target == ErrIneligible
}

func ineligible(code string, reason Reason, format string, args ...any) *IneligibleError {
	return &IneligibleError{Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Affiliate identifies the partner credited for a coupon.
type Affiliate struct {
	ID       string
	Email    string
	Username string
}

// IsZero reports whether no affiliate is set.
func (a Affiliate) IsZero() bool {
	return a.ID == "" && a.Email == "" && a.Username == ""
}

// Coupon is a discount definition authored in the admin store.
type Coupon struct {
	Code         string
	Description  string
	DiscountType DiscountType
	Value        decimal.Decimal
	Status       Status
	ValidFrom    time.Time
	ValidTo      *time.Time
	Restriction  RestrictionMode
	Programs     []int64
	// MinPurchase is ignored when zero.
	MinPurchase money.Amount
	// SizeOverrides maps normalized account sizes to a discount value that
	// replaces Value for that tier.
	SizeOverrides     map[string]decimal.Decimal
	MaxUses           int
	MaxUsesPerUser    int
	AutoApply         bool
	AutoApplyPriority int
	Affiliate         Affiliate
}

// Context is the purchase a coupon is evaluated against.
type Context struct {
	ProgramID   int64
	AccountSize string
	Email       string
	// Amount is the base price the discount applies to.
	Amount money.Amount
}

// Discount is an eligible coupon resolved for a specific purchase context.
type Discount struct {
	Code        string
	Type        DiscountType
	Value       decimal.Decimal
	Affiliate   Affiliate
	AutoApplied bool
}

// Apply returns the discounted price: base minus the discount, clamped at
// zero and rounded up to a whole unit.
func (d *Discount) Apply(base money.Amount) money.Amount {
	var off decimal.Decimal
	switch d.Type {
	case DiscountPercentage:
		off = money.PercentOf(base, d.Value)
	case DiscountFixed:
		off = d.Value
	}
	final := money.Ceil(base.Decimal().Sub(off))
	if final > base {
		return base
	}
	return final
}

// ValueFor returns the discount value for the account size, honouring
// per-size overrides.
func (c *Coupon) ValueFor(accountSize string) decimal.Decimal {
	if len(c.SizeOverrides) > 0 {
		if v, ok := c.SizeOverrides[program.NormalizeAccountSize(accountSize)]; ok {
			return v
		}
	}
	return c.Value
}

// AllowsProgram reports whether the restriction mode admits the program.
func (c *Coupon) AllowsProgram(programID int64) bool {
	switch c.Restriction {
	case RestrictWhitelist:
		return slices.Contains(c.Programs, programID)
	case RestrictBlacklist:
		return !slices.Contains(c.Programs, programID)
	default:
		return true
	}
}

// Usage is the redemption count of a coupon.
type Usage struct {
	Total   int
	ByEmail int
}

// Repository provides read access to coupons authored elsewhere.
type Repository interface {
	// FindByCode matches case-insensitively and returns ErrNotFound when absent.
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// ListAutoApply returns active auto-apply coupons valid at now, in
	// insertion order.
	ListAutoApply(ctx context.Context, now time.Time) ([]Coupon, error)
	// CountRedemptions counts completed purchases carrying the code, overall
	// and for the given email.
	CountRedemptions(ctx context.Context, code, email string) (Usage, error)
}
