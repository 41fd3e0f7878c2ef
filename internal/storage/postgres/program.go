package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/pkg/money"
)

const (
	getProgramSQL = `SELECT id, name, category, currency, activation_fee
	FROM programs WHERE id = $1`

	listTiersSQL = `SELECT tier_id, account_size, price, reset_fee, reset_fee_funded
	FROM pricing_tiers WHERE program_id = $1 ORDER BY position, tier_id`

	upsertProgramSQL = `INSERT INTO programs (id, name, category, currency, activation_fee)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, category = EXCLUDED.category,
		currency = EXCLUDED.currency, activation_fee = EXCLUDED.activation_fee`

	deleteTiersSQL = `DELETE FROM pricing_tiers WHERE program_id = $1`

	insertTierSQL = `INSERT INTO pricing_tiers
	(program_id, tier_id, account_size, price, reset_fee, reset_fee_funded, position)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
)

var _ program.Repository = (*ProgramRepository)(nil)

// ProgramRepository implements program.Repository backed by PostgreSQL.
type ProgramRepository struct {
	pool *pgxpool.Pool
}

// NewProgramRepository returns a ProgramRepository that uses the given pool.
func NewProgramRepository(pool *pgxpool.Pool) *ProgramRepository {
	return &ProgramRepository{pool: pool}
}

// GetByID loads a program with its tiers in display order.
func (r *ProgramRepository) GetByID(ctx context.Context, id int64) (*program.Program, error) {
	rows, err := r.pool.Query(ctx, getProgramSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting program %d: %w", id, err)
	}
	p, err := pgx.CollectExactlyOneRow(rows, scanProgram)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, program.ErrNotFound
		}
		return nil, fmt.Errorf("getting program %d: %w", id, err)
	}

	rows, err = r.pool.Query(ctx, listTiersSQL, id)
	if err != nil {
		return nil, fmt.Errorf("listing tiers of program %d: %w", id, err)
	}
	p.Tiers, err = pgx.CollectRows(rows, scanTier)
	if err != nil {
		return nil, fmt.Errorf("listing tiers of program %d: %w", id, err)
	}
	return &p, nil
}

// Upsert writes a program and replaces its tiers in one transaction.
func (r *ProgramRepository) Upsert(ctx context.Context, p *program.Program) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, upsertProgramSQL,
			p.ID, p.Name, string(p.Category), p.Currency, p.ActivationFee.Decimal(),
		); err != nil {
			return fmt.Errorf("upserting program %d: %w", p.ID, err)
		}
		if _, err := tx.Exec(ctx, deleteTiersSQL, p.ID); err != nil {
			return fmt.Errorf("clearing tiers of program %d: %w", p.ID, err)
		}
		for i, t := range p.Tiers {
			if _, err := tx.Exec(ctx, insertTierSQL,
				p.ID, t.ID, t.AccountSize, t.Price.Decimal(), t.ResetFee.Decimal(), t.ResetFeeFunded.Decimal(), i,
			); err != nil {
				return fmt.Errorf("inserting tier %q of program %d: %w", t.ID, p.ID, err)
			}
		}
		return nil
	})
}

func scanProgram(row pgx.CollectableRow) (program.Program, error) {
	var (
		p             program.Program
		category      string
		activationFee decimal.Decimal
	)
	err := row.Scan(&p.ID, &p.Name, &category, &p.Currency, &activationFee)
	p.Category = program.Category(category)
	p.ActivationFee = money.RoundHalfUp(activationFee)
	return p, err
}

func scanTier(row pgx.CollectableRow) (program.Tier, error) {
	var (
		t                               program.Tier
		price, resetFee, resetFeeFunded decimal.Decimal
	)
	err := row.Scan(&t.ID, &t.AccountSize, &price, &resetFee, &resetFeeFunded)
	t.Price = money.RoundHalfUp(price)
	t.ResetFee = money.RoundHalfUp(resetFee)
	t.ResetFeeFunded = money.RoundHalfUp(resetFeeFunded)
	return t, err
}
