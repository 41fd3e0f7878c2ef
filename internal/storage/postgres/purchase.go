package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/pkg/money"
)

const (
	purchaseColumns = `id, order_number, program_id, tier_id, account_size, platform_id,
	variant, reset_subtype, currency, base_price, final_price, addon_value, total_price,
	add_ons, coupon_code, affiliate_id, affiliate_email, affiliate_username, status,
	customer, payment_method, external_account_ref, product_id, variation_id,
	metadata, created_at, updated_at`

	createPurchaseSQL = `INSERT INTO purchases (id, order_number, program_id, tier_id,
	account_size, platform_id, variant, reset_subtype, currency, base_price, final_price,
	addon_value, total_price, add_ons, coupon_code, affiliate_id, affiliate_email,
	affiliate_username, status, customer, customer_email, payment_method,
	external_account_ref, product_id, variation_id, metadata)
	VALUES ($1, nextval('purchase_order_number_seq'), $2, $3, $4, $5, $6, $7, $8, $9, $10,
	$11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)
	RETURNING order_number, created_at, updated_at`

	getPurchaseSQL = `SELECT ` + purchaseColumns + ` FROM purchases WHERE id = $1`

	getPurchaseByOrderNumberSQL = `SELECT ` + purchaseColumns + ` FROM purchases WHERE order_number = $1`

	updatePendingSQL = `UPDATE purchases SET base_price = $2, final_price = $3,
	addon_value = $4, total_price = $5, add_ons = $6, coupon_code = $7,
	affiliate_id = $8, affiliate_email = $9, affiliate_username = $10,
	payment_method = COALESCE(NULLIF($12::text, ''), payment_method),
	metadata = metadata || $11::jsonb, updated_at = NOW()
	WHERE id = $1 AND status = 'pending'
	RETURNING ` + purchaseColumns

	transitionSQL = `UPDATE purchases SET status = $3, metadata = metadata || $4::jsonb,
	updated_at = NOW()
	WHERE id = $1 AND status = $2`

	mergeMetadataSQL = `UPDATE purchases SET metadata = metadata || $2::jsonb,
	updated_at = NOW() WHERE id = $1`

	setIdentifiersSQL = `UPDATE purchases SET product_id = $2, variation_id = $3,
	updated_at = NOW() WHERE id = $1`

	purchaseExistsSQL = `SELECT EXISTS (SELECT 1 FROM purchases WHERE id = $1)`
)

var _ purchase.Repository = (*PurchaseRepository)(nil)

// PurchaseRepository implements purchase.Repository backed by PostgreSQL.
// Order numbers come from the purchase_order_number_seq sequence, so they are
// never reused even when the insert is rolled back.
type PurchaseRepository struct {
	pool *pgxpool.Pool
}

// NewPurchaseRepository returns a PurchaseRepository that uses the given pool.
func NewPurchaseRepository(pool *pgxpool.Pool) *PurchaseRepository {
	return &PurchaseRepository{pool: pool}
}

type addOnRow struct {
	ID         string            `json:"id"`
	Percentage decimal.Decimal   `json:"percentage"`
	Amount     int64             `json:"amount"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type addressRow struct {
	Line1    string `json:"line1,omitempty"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city,omitempty"`
	State    string `json:"state,omitempty"`
	Postcode string `json:"postcode,omitempty"`
	Country  string `json:"country,omitempty"`
}

type customerRow struct {
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Email     string     `json:"email"`
	Phone     string     `json:"phone,omitempty"`
	Address   addressRow `json:"address"`
}

func marshalAddOns(addOns []purchase.AddOn) ([]byte, error) {
	rows := make([]addOnRow, 0, len(addOns))
	for _, a := range addOns {
		rows = append(rows, addOnRow{
			ID:         a.ID,
			Percentage: a.Percentage,
			Amount:     int64(a.Amount),
			Metadata:   a.Metadata,
		})
	}
	return json.Marshal(rows)
}

func unmarshalAddOns(data []byte) ([]purchase.AddOn, error) {
	var rows []addOnRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	addOns := make([]purchase.AddOn, 0, len(rows))
	for _, r := range rows {
		addOns = append(addOns, purchase.AddOn{
			ID:         r.ID,
			Percentage: r.Percentage,
			Amount:     money.Amount(r.Amount),
			Metadata:   r.Metadata,
		})
	}
	return addOns, nil
}

func marshalCustomer(c purchase.Customer) ([]byte, error) {
	return json.Marshal(customerRow{
		FirstName: c.FirstName,
		LastName:  c.LastName,
		Email:     c.Email,
		Phone:     c.Phone,
		Address: addressRow{
			Line1:    c.Address.Line1,
			Line2:    c.Address.Line2,
			City:     c.Address.City,
			State:    c.Address.State,
			Postcode: c.Address.Postcode,
			Country:  c.Address.Country,
		},
	})
}

func unmarshalCustomer(data []byte) (purchase.Customer, error) {
	var r customerRow
	if err := json.Unmarshal(data, &r); err != nil {
		return purchase.Customer{}, err
	}
	return purchase.Customer{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     r.Phone,
		Address: purchase.Address{
			Line1:    r.Address.Line1,
			Line2:    r.Address.Line2,
			City:     r.Address.City,
			State:    r.Address.State,
			Postcode: r.Address.Postcode,
			Country:  r.Address.Country,
		},
	}, nil
}

// metadataArg never returns nil: `metadata || NULL` would wipe the column.
func metadataArg(meta purchase.Metadata) purchase.Metadata {
	if meta == nil {
		return purchase.Metadata{}
	}
	return meta
}

// Create inserts p, assigning OrderNumber and timestamps from the database.
func (r *PurchaseRepository) Create(ctx context.Context, p *purchase.Purchase) error {
	addOns, err := marshalAddOns(p.AddOns)
	if err != nil {
		return fmt.Errorf("marshaling add-ons: %w", err)
	}
	customer, err := marshalCustomer(p.Customer)
	if err != nil {
		return fmt.Errorf("marshaling customer: %w", err)
	}
	if p.Status == "" {
		p.Status = purchase.StatusPending
	}
	p.Metadata = metadataArg(p.Metadata)

	err = r.pool.QueryRow(ctx, createPurchaseSQL,
		p.ID, p.ProgramID, p.TierID, p.AccountSize, p.PlatformID,
		string(p.Variant), string(p.ResetSubtype), p.Currency,
		int64(p.BasePrice), int64(p.FinalPrice), int64(p.AddOnValue), int64(p.TotalPrice),
		addOns, p.CouponCode, p.Affiliate.ID, p.Affiliate.Email, p.Affiliate.Username,
		string(p.Status), customer, p.Customer.Email, p.PaymentMethod,
		p.ExternalAccountRef, p.ProductID, p.VariationID, p.Metadata,
	).Scan(&p.OrderNumber, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating purchase %s: %w", p.ID, err)
	}
	return nil
}

// Get returns the purchase with id or purchase.ErrNotFound.
func (r *PurchaseRepository) Get(ctx context.Context, id uuid.UUID) (*purchase.Purchase, error) {
	return r.one(ctx, fmt.Sprintf("getting purchase %s", id), getPurchaseSQL, id)
}

// FindByOrderNumber returns the purchase with order number n.
func (r *PurchaseRepository) FindByOrderNumber(ctx context.Context, n int64) (*purchase.Purchase, error) {
	return r.one(ctx, fmt.Sprintf("finding purchase by order number %d", n), getPurchaseByOrderNumberSQL, n)
}

// UpdatePending replaces the price fields while the purchase is pending.
func (r *PurchaseRepository) UpdatePending(ctx context.Context, id uuid.UUID, patch purchase.PricePatch) (*purchase.Purchase, error) {
	addOns, err := marshalAddOns(patch.AddOns)
	if err != nil {
		return nil, fmt.Errorf("marshaling add-ons: %w", err)
	}

	rows, err := r.pool.Query(ctx, updatePendingSQL, id,
		int64(patch.BasePrice), int64(patch.FinalPrice), int64(patch.AddOnValue), int64(patch.TotalPrice),
		addOns, patch.CouponCode, patch.Affiliate.ID, patch.Affiliate.Email, patch.Affiliate.Username,
		metadataArg(patch.Metadata), patch.PaymentMethod,
	)
	if err != nil {
		return nil, fmt.Errorf("updating purchase %s: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPurchase)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("updating purchase %s: %w", id, err)
		}
		if err := r.mustExist(ctx, id); err != nil {
			return nil, err
		}
		return nil, purchase.ErrInvalidState
	}
	return &p, nil
}

// Transition moves the purchase from one status to another only if it is
// still in from. It reports whether the row changed.
func (r *PurchaseRepository) Transition(ctx context.Context, id uuid.UUID, from, to purchase.Status, meta purchase.Metadata) (bool, error) {
	tag, err := r.pool.Exec(ctx, transitionSQL, id, string(from), string(to), metadataArg(meta))
	if err != nil {
		return false, fmt.Errorf("transitioning purchase %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		if err := r.mustExist(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// MergeMetadata merges meta into the metadata bag.
func (r *PurchaseRepository) MergeMetadata(ctx context.Context, id uuid.UUID, meta purchase.Metadata) error {
	tag, err := r.pool.Exec(ctx, mergeMetadataSQL, id, metadataArg(meta))
	if err != nil {
		return fmt.Errorf("merging metadata of purchase %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return purchase.ErrNotFound
	}
	return nil
}

// SetIdentifiers persists resolved fulfillment identifiers.
func (r *PurchaseRepository) SetIdentifiers(ctx context.Context, id uuid.UUID, productID, variationID int64) error {
	tag, err := r.pool.Exec(ctx, setIdentifiersSQL, id, productID, variationID)
	if err != nil {
		return fmt.Errorf("setting identifiers of purchase %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return purchase.ErrNotFound
	}
	return nil
}

func (r *PurchaseRepository) mustExist(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, purchaseExistsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking purchase %s: %w", id, err)
	}
	if !exists {
		return purchase.ErrNotFound
	}
	return nil
}

func (r *PurchaseRepository) one(ctx context.Context, op, sql string, args ...any) (*purchase.Purchase, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanPurchase)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, purchase.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &p, nil
}

func scanPurchase(row pgx.CollectableRow) (purchase.Purchase, error) {
	var (
		p                              purchase.Purchase
		variant, subtype, status       string
		base, final, addOnValue, total int64
		addOnsJSON, customerJSON       []byte
	)
	err := row.Scan(
		&p.ID, &p.OrderNumber, &p.ProgramID, &p.TierID, &p.AccountSize, &p.PlatformID,
		&variant, &subtype, &p.Currency, &base, &final, &addOnValue, &total,
		&addOnsJSON, &p.CouponCode, &p.Affiliate.ID, &p.Affiliate.Email, &p.Affiliate.Username, &status,
		&customerJSON, &p.PaymentMethod, &p.ExternalAccountRef, &p.ProductID, &p.VariationID,
		&p.Metadata, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return p, err
	}
	p.Variant = pricing.Variant(variant)
	p.ResetSubtype = pricing.ResetSubtype(subtype)
	p.Status = purchase.Status(status)
	p.BasePrice = money.Amount(base)
	p.FinalPrice = money.Amount(final)
	p.AddOnValue = money.Amount(addOnValue)
	p.TotalPrice = money.Amount(total)

	if p.AddOns, err = unmarshalAddOns(addOnsJSON); err != nil {
		return p, fmt.Errorf("decoding add-ons: %w", err)
	}
	if p.Customer, err = unmarshalCustomer(customerJSON); err != nil {
		return p, fmt.Errorf("decoding customer: %w", err)
	}
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}
	return p, nil
}
