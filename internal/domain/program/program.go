package program

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/pkg/money"
)

// Category classifies a program's product line.
type Category string

const (
	// CategoryEvaluation is a classic multi-phase evaluation challenge.
	CategoryEvaluation Category = "evaluation"
	// CategoryInstantFunding skips evaluation and funds the account directly.
	CategoryInstantFunding Category = "instant_funding"
	// CategoryReset is a standalone reset product.
	CategoryReset Category = "reset"
)

// ErrNotFound is returned when a program does not exist.
var ErrNotFound = errors.New("program not found")

// TierNotFoundError indicates that neither the tier id nor the account size
// matched any pricing tier of the program.
type TierNotFoundError struct {
	ProgramID   int64
	TierID      string
	AccountSize string
}

func (e *TierNotFoundError) Error() string {
	if e.TierID != "" {
		return fmt.Sprintf("pricing tier %q (account size %q) not found in program %d", e.TierID, e.AccountSize, e.ProgramID)
	}
	return fmt.Sprintf("pricing tier for account size %q not found in program %d", e.AccountSize, e.ProgramID)
}

// Tier is a priced account-size option within a program. Zero fees mean the
// fee is not offered for this tier.
type Tier struct {
	ID             string
	AccountSize    string
	Price          money.Amount
	ResetFee       money.Amount
	ResetFeeFunded money.Amount
}

// Program is read-only reference data describing a challenge product.
type Program struct {
	ID            int64
	Name          string
	Category      Category
	Currency      string
	ActivationFee money.Amount
	Tiers         []Tier
}

// Repository loads programs with their tiers.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Program, error)
}

// TierByID returns the tier with the given identifier.
func (p *Program) TierByID(id string) (*Tier, bool) {
	for i := range p.Tiers {
		if p.Tiers[i].ID == id {
			return &p.Tiers[i], true
		}
	}
	return nil, false
}

// TierBySize returns the first tier whose normalized account size matches.
func (p *Program) TierBySize(accountSize string) (*Tier, bool) {
	want := NormalizeAccountSize(accountSize)
	if want == "" {
		return nil, false
	}
	for i := range p.Tiers {
		if NormalizeAccountSize(p.Tiers[i].AccountSize) == want {
			return &p.Tiers[i], true
		}
	}
	return nil, false
}

// FindTier resolves a tier by explicit id first, then by account size.
func (p *Program) FindTier(tierID, accountSize string) (*Tier, error) {
	if tierID != "" {
		if t, ok := p.TierByID(tierID); ok {
			return t, nil
		}
	}
	if t, ok := p.TierBySize(accountSize); ok {
		return t, nil
	}
	return nil, &TierNotFoundError{ProgramID: p.ID, TierID: tierID, AccountSize: accountSize}
}

var (
	thousand = decimal.NewFromInt(1_000)
	million  = decimal.NewFromInt(1_000_000)
)

// NormalizeAccountSize canonicalizes an account-size label so that "100K",
// "100 k" and "$100,000" compare equal ("100000"). Labels that are not
// numeric after stripping are returned stripped and upper-cased.
func NormalizeAccountSize(label string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(label) {
		if unicode.IsSpace(r) || r == ',' || r == '_' || unicode.Is(unicode.Sc, r) {
			continue
		}
		b.WriteRune(r)
	}
	s := b.String()

	num, mult := s, decimal.NewFromInt(1)
	switch {
	case strings.HasSuffix(s, "K"):
		num, mult = strings.TrimSuffix(s, "K"), thousand
	case strings.HasSuffix(s, "M"):
		num, mult = strings.TrimSuffix(s, "M"), million
	}
	if num == "" {
		return s
	}
	v, err := decimal.NewFromString(num)
	if err != nil {
		return s
	}
	return v.Mul(mult).Truncate(0).String()
}
