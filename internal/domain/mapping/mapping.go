// Package mapping translates internal (program, tier, platform) triples into
// the product and variation identifiers used by the fulfillment system.
package mapping

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/challenge-checkout/internal/domain/pricing"
)

var (
	// ErrNotFound is returned by repositories when no row matches.
	ErrNotFound = errors.New("mapping not found")
	// ErrUnresolved matches every UnresolvedError.
	ErrUnresolved = errors.New("mapping unresolved")
)

// UnresolvedError reports a purchase that cannot be translated into
// fulfillment identifiers. An operator must repair the mapping table.
type UnresolvedError struct {
	ProgramID  int64
	TierID     string
	PlatformID string
	Variant    pricing.Variant
	Reason     string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("mapping unresolved for program %d tier %q platform %q (%s): %s",
		e.ProgramID, e.TierID, e.PlatformID, e.Variant, e.Reason)
}

// Is makes errors.Is(err, ErrUnresolved) work for any UnresolvedError.
func (e *UnresolvedError) Is(target error) bool {
	return target == ErrUnresolved
}

// Mapping is one row of the mapping table. Zero identifiers are absent.
type Mapping struct {
	ProgramID  int64
	TierID     string
	PlatformID string

	ProductID   int64
	VariationID int64

	ResetFeeProductID   int64
	ResetFeeVariationID int64

	ResetFeeFundedProductID   int64
	ResetFeeFundedVariationID int64

	ActivationProductID int64
}

// Identifiers are the resolved fulfillment product and variation.
type Identifiers struct {
	ProductID   int64
	VariationID int64
}

// Select picks the identifiers for a purchase variant. It reports false when
// the row has no product for the variant.
func (m *Mapping) Select(v pricing.Variant, sub pricing.ResetSubtype) (Identifiers, bool) {
	var ids Identifiers
	switch v {
	case pricing.VariantOriginal:
		ids = Identifiers{ProductID: m.ProductID, VariationID: m.VariationID}
	case pricing.VariantReset:
		if sub == pricing.ResetFunded && m.ResetFeeFundedProductID != 0 {
			ids = Identifiers{ProductID: m.ResetFeeFundedProductID, VariationID: m.ResetFeeFundedVariationID}
		} else {
			ids = Identifiers{ProductID: m.ResetFeeProductID, VariationID: m.ResetFeeVariationID}
		}
	case pricing.VariantActivation:
		ids = Identifiers{ProductID: m.ActivationProductID, VariationID: m.VariationID}
	}
	return ids, ids.ProductID != 0
}

// Classify reports which variant an external product id sells.
func (m *Mapping) Classify(productID int64) (pricing.Variant, pricing.ResetSubtype, bool) {
	switch productID {
	case 0:
		return "", "", false
	case m.ProductID:
		return pricing.VariantOriginal, "", true
	case m.ResetFeeFundedProductID:
		return pricing.VariantReset, pricing.ResetFunded, true
	case m.ResetFeeProductID:
		return pricing.VariantReset, pricing.ResetEvaluation, true
	case m.ActivationProductID:
		return pricing.VariantActivation, "", true
	default:
		return "", "", false
	}
}

// Repository reads the mapping table.
type Repository interface {
	// Find matches (program, tier, platform) exactly.
	Find(ctx context.Context, programID int64, tierID, platformID string) (*Mapping, error)
	// FindByProduct returns the row referencing productID in any product
	// column.
	FindByProduct(ctx context.Context, productID int64) (*Mapping, error)
}
