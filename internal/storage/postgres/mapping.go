package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/challenge-checkout/internal/domain/mapping"
)

const (
	mappingColumns = `program_id, tier_id, platform_id, product_id, variation_id,
	reset_fee_product_id, reset_fee_variation_id,
	reset_fee_funded_product_id, reset_fee_funded_variation_id, activation_product_id`

	findMappingSQL = `SELECT ` + mappingColumns + `
	FROM product_mappings WHERE program_id = $1 AND tier_id = $2 AND platform_id = $3`

	// Rows are ordered so the lookup is deterministic when a product id
	// appears in more than one row.
	findMappingByProductSQL = `SELECT ` + mappingColumns + `
	FROM product_mappings
	WHERE product_id = $1 OR reset_fee_product_id = $1
		OR reset_fee_funded_product_id = $1 OR activation_product_id = $1
	ORDER BY program_id, tier_id, platform_id
	LIMIT 1`

	upsertMappingSQL = `INSERT INTO product_mappings (` + mappingColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (program_id, tier_id, platform_id) DO UPDATE SET
		product_id = EXCLUDED.product_id,
		variation_id = EXCLUDED.variation_id,
		reset_fee_product_id = EXCLUDED.reset_fee_product_id,
		reset_fee_variation_id = EXCLUDED.reset_fee_variation_id,
		reset_fee_funded_product_id = EXCLUDED.reset_fee_funded_product_id,
		reset_fee_funded_variation_id = EXCLUDED.reset_fee_funded_variation_id,
		activation_product_id = EXCLUDED.activation_product_id`
)

var _ mapping.Repository = (*MappingRepository)(nil)

// MappingRepository implements mapping.Repository backed by PostgreSQL.
type MappingRepository struct {
	pool *pgxpool.Pool
}

// NewMappingRepository returns a MappingRepository that uses the given pool.
func NewMappingRepository(pool *pgxpool.Pool) *MappingRepository {
	return &MappingRepository{pool: pool}
}

// Find matches (program, tier, platform) exactly.
func (r *MappingRepository) Find(ctx context.Context, programID int64, tierID, platformID string) (*mapping.Mapping, error) {
	return r.one(ctx, fmt.Sprintf("finding mapping %d/%s/%s", programID, tierID, platformID),
		findMappingSQL, programID, tierID, platformID)
}

// FindByProduct returns the row referencing productID in any product column.
func (r *MappingRepository) FindByProduct(ctx context.Context, productID int64) (*mapping.Mapping, error) {
	return r.one(ctx, fmt.Sprintf("finding mapping by product %d", productID),
		findMappingByProductSQL, productID)
}

// Upsert stores a mapping row keyed by (program, tier, platform).
func (r *MappingRepository) Upsert(ctx context.Context, m *mapping.Mapping) error {
	_, err := r.pool.Exec(ctx, upsertMappingSQL,
		m.ProgramID, m.TierID, m.PlatformID, m.ProductID, m.VariationID,
		m.ResetFeeProductID, m.ResetFeeVariationID,
		m.ResetFeeFundedProductID, m.ResetFeeFundedVariationID, m.ActivationProductID,
	)
	if err != nil {
		return fmt.Errorf("upserting mapping %d/%s/%s: %w", m.ProgramID, m.TierID, m.PlatformID, err)
	}
	return nil
}

func (r *MappingRepository) one(ctx context.Context, op, sql string, args ...any) (*mapping.Mapping, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMapping)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, mapping.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &m, nil
}

func scanMapping(row pgx.CollectableRow) (mapping.Mapping, error) {
	var m mapping.Mapping
	err := row.Scan(
		&m.ProgramID, &m.TierID, &m.PlatformID, &m.ProductID, &m.VariationID,
		&m.ResetFeeProductID, &m.ResetFeeVariationID,
		&m.ResetFeeFundedProductID, &m.ResetFeeFundedVariationID, &m.ActivationProductID,
	)
	return m, err
}
