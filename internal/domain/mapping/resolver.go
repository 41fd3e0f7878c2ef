package mapping

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/program"
)

// Query identifies the purchase to resolve. TierID may be empty when only
// the account size is known.
type Query struct {
	ProgramID    int64
	TierID       string
	AccountSize  string
	PlatformID   string
	Variant      pricing.Variant
	ResetSubtype pricing.ResetSubtype
}

// ProductMatch is the result of a reverse lookup by external product id.
type ProductMatch struct {
	Mapping      *Mapping
	Variant      pricing.Variant
	ResetSubtype pricing.ResetSubtype
	Identifiers  Identifiers
}

// Resolver resolves fulfillment identifiers.
type Resolver struct {
	repo     Repository
	programs program.Repository
}

// NewResolver creates a Resolver. programs is used to derive a tier id from
// an account size.
func NewResolver(repo Repository, programs program.Repository) *Resolver {
	return &Resolver{repo: repo, programs: programs}
}

// Resolve returns the identifiers for q, or an *UnresolvedError when the
// mapping table has no usable row.
func (r *Resolver) Resolve(ctx context.Context, q Query) (Identifiers, error) {
	unresolved := func(tierID, reason string) error {
		return &UnresolvedError{
			ProgramID:  q.ProgramID,
			TierID:     tierID,
			PlatformID: q.PlatformID,
			Variant:    q.Variant,
			Reason:     reason,
		}
	}

	tierID := q.TierID
	if tierID == "" {
		p, err := r.programs.GetByID(ctx, q.ProgramID)
		if err != nil {
			if errors.Is(err, program.ErrNotFound) {
				return Identifiers{}, unresolved("", "program not found")
			}
			return Identifiers{}, errors.Wrap(err, "get program")
		}
		t, ok := p.TierBySize(q.AccountSize)
		if !ok {
			return Identifiers{}, unresolved("", "no tier for account size "+q.AccountSize)
		}
		tierID = t.ID
	}

	m, err := r.repo.Find(ctx, q.ProgramID, tierID, q.PlatformID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Identifiers{}, unresolved(tierID, "no mapping row")
		}
		return Identifiers{}, errors.Wrap(err, "find mapping")
	}

	ids, ok := m.Select(q.Variant, q.ResetSubtype)
	if !ok {
		return Identifiers{}, unresolved(tierID, "no product for variant")
	}
	return ids, nil
}

// ResolveProduct finds the mapping row selling productID and the variant it
// represents.
func (r *Resolver) ResolveProduct(ctx context.Context, productID int64) (*ProductMatch, error) {
	m, err := r.repo.FindByProduct(ctx, productID)
	if err != nil {
		return nil, errors.Wrapf(err, "find product %d", productID)
	}
	v, sub, ok := m.Classify(productID)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "product %d", productID)
	}
	ids, _ := m.Select(v, sub)
	return &ProductMatch{
		Mapping:      m,
		Variant:      v,
		ResetSubtype: sub,
		Identifiers:  ids,
	}, nil
}
