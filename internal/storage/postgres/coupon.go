package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/pkg/money"
)

const (
	couponColumns = `code, description, discount_type, value, status, valid_from, valid_to,
	restriction, programs, min_purchase, size_overrides, max_uses, max_uses_per_user,
	auto_apply, auto_apply_priority, affiliate_id, affiliate_email, affiliate_username`

	getCouponByCodeSQL = `SELECT ` + couponColumns + `
	FROM coupons WHERE UPPER(code) = UPPER($1)`

	listAutoApplySQL = `SELECT ` + couponColumns + `
	FROM coupons
	WHERE auto_apply = TRUE AND status = 'active'
		AND valid_from <= $1 AND (valid_to IS NULL OR valid_to >= $1)
	ORDER BY id`

	countRedemptionsSQL = `SELECT COUNT(*),
		COUNT(*) FILTER (WHERE $2 <> '' AND LOWER(customer_email) = LOWER($2))
	FROM purchases WHERE UPPER(coupon_code) = UPPER($1) AND status = $3`

	upsertCouponSQL = `INSERT INTO coupons (` + couponColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	ON CONFLICT ((UPPER(code))) DO UPDATE SET
		description = EXCLUDED.description,
		discount_type = EXCLUDED.discount_type,
		value = EXCLUDED.value,
		status = EXCLUDED.status,
		valid_from = EXCLUDED.valid_from,
		valid_to = EXCLUDED.valid_to,
		restriction = EXCLUDED.restriction,
		programs = EXCLUDED.programs,
		min_purchase = EXCLUDED.min_purchase,
		size_overrides = EXCLUDED.size_overrides,
		max_uses = EXCLUDED.max_uses,
		max_uses_per_user = EXCLUDED.max_uses_per_user,
		auto_apply = EXCLUDED.auto_apply,
		auto_apply_priority = EXCLUDED.auto_apply_priority,
		affiliate_id = EXCLUDED.affiliate_id,
		affiliate_email = EXCLUDED.affiliate_email,
		affiliate_username = EXCLUDED.affiliate_username`
)

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by its code (case-insensitive), whatever its
// status. Returns coupon.ErrNotFound when no coupon matches.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, getCouponByCodeSQL, code)
	if err != nil {
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon by code %q: %w", code, err)
	}
	return &c, nil
}

// ListAutoApply returns active auto-apply coupons valid at now in insertion
// order.
func (r *CouponRepository) ListAutoApply(ctx context.Context, now time.Time) ([]coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, listAutoApplySQL, now)
	if err != nil {
		return nil, fmt.Errorf("listing auto-apply coupons: %w", err)
	}
	coupons, err := pgx.CollectRows(rows, scanCoupon)
	if err != nil {
		return nil, fmt.Errorf("listing auto-apply coupons: %w", err)
	}
	return coupons, nil
}

// CountRedemptions counts completed purchases carrying code, overall and
// for email.
func (r *CouponRepository) CountRedemptions(ctx context.Context, code, email string) (coupon.Usage, error) {
	var total, byEmail int64
	err := r.pool.QueryRow(ctx, countRedemptionsSQL, code, email, string(purchase.StatusCompleted)).
		Scan(&total, &byEmail)
	if err != nil {
		return coupon.Usage{}, fmt.Errorf("counting redemptions of %q: %w", code, err)
	}
	return coupon.Usage{Total: int(total), ByEmail: int(byEmail)}, nil
}

// Upsert stores c keyed by its case-insensitive code.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	if _, err := r.pool.Exec(ctx, upsertCouponSQL, couponArgs(c)...); err != nil {
		return fmt.Errorf("upserting coupon %q: %w", c.Code, err)
	}
	return nil
}

// UpsertMany stores coupons in a single batch round trip.
func (r *CouponRepository) UpsertMany(ctx context.Context, coupons []coupon.Coupon) error {
	if len(coupons) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range coupons {
		batch.Queue(upsertCouponSQL, couponArgs(&coupons[i])...)
	}
	br := r.pool.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	for i := range coupons {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upserting coupon %q: %w", coupons[i].Code, err)
		}
	}
	return nil
}

func couponArgs(c *coupon.Coupon) []any {
	programs := c.Programs
	if programs == nil {
		programs = []int64{}
	}
	overrides := c.SizeOverrides
	if overrides == nil {
		overrides = map[string]decimal.Decimal{}
	}
	restriction := c.Restriction
	if restriction == "" {
		restriction = coupon.RestrictAll
	}
	status := c.Status
	if status == "" {
		status = coupon.StatusActive
	}
	return []any{
		c.Code, c.Description, string(c.DiscountType), c.Value, string(status),
		c.ValidFrom, c.ValidTo, string(restriction), programs, c.MinPurchase.Decimal(),
		overrides, c.MaxUses, c.MaxUsesPerUser, c.AutoApply, c.AutoApplyPriority,
		c.Affiliate.ID, c.Affiliate.Email, c.Affiliate.Username,
	}
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		status       string
		restriction  string
		minPurchase  decimal.Decimal
		maxUses      int32
		maxPerUser   int32
		priority     int32
	)
	err := row.Scan(
		&c.Code, &c.Description, &discountType, &c.Value, &status, &c.ValidFrom, &c.ValidTo,
		&restriction, &c.Programs, &minPurchase, &c.SizeOverrides, &maxUses, &maxPerUser,
		&c.AutoApply, &priority, &c.Affiliate.ID, &c.Affiliate.Email, &c.Affiliate.Username,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.Status = coupon.Status(status)
	c.Restriction = coupon.RestrictionMode(restriction)
	c.MinPurchase = money.RoundHalfUp(minPurchase)
	c.MaxUses = int(maxUses)
	c.MaxUsesPerUser = int(maxPerUser)
	c.AutoApplyPriority = int(priority)
	return c, err
}
