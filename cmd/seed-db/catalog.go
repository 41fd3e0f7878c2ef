package main

import (
	"io"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// catalog is the seed file layout.
type catalog struct {
	Programs []programYAML `yaml:"programs"`
	Mappings []mappingYAML `yaml:"mappings"`
	Coupons  []couponYAML  `yaml:"coupons"`
	APIKeys  []apiKeyYAML  `yaml:"api_keys"`
}

type programYAML struct {
	ID            int64      `yaml:"id"`
	Name          string     `yaml:"name"`
	Category      string     `yaml:"category"`
	Currency      string     `yaml:"currency"`
	ActivationFee string     `yaml:"activation_fee"`
	Tiers         []tierYAML `yaml:"tiers"`
}

type tierYAML struct {
	ID             string `yaml:"id"`
	AccountSize    string `yaml:"account_size"`
	Price          string `yaml:"price"`
	ResetFee       string `yaml:"reset_fee"`
	ResetFeeFunded string `yaml:"reset_fee_funded"`
}

type mappingYAML struct {
	ProgramID  int64  `yaml:"program_id"`
	TierID     string `yaml:"tier_id"`
	PlatformID string `yaml:"platform_id"`

	ProductID                 int64 `yaml:"product_id"`
	VariationID               int64 `yaml:"variation_id"`
	ResetFeeProductID         int64 `yaml:"reset_fee_product_id"`
	ResetFeeVariationID       int64 `yaml:"reset_fee_variation_id"`
	ResetFeeFundedProductID   int64 `yaml:"reset_fee_funded_product_id"`
	ResetFeeFundedVariationID int64 `yaml:"reset_fee_funded_variation_id"`
	ActivationProductID       int64 `yaml:"activation_product_id"`
}

type couponYAML struct {
	Code              string            `yaml:"code"`
	Description       string            `yaml:"description"`
	Type              string            `yaml:"type"`
	Value             string            `yaml:"value"`
	Status            string            `yaml:"status"`
	ValidFrom         time.Time         `yaml:"valid_from"`
	ValidTo           *time.Time        `yaml:"valid_to"`
	Restriction       string            `yaml:"restriction"`
	Programs          []int64           `yaml:"programs"`
	MinPurchase       string            `yaml:"min_purchase"`
	SizeOverrides     map[string]string `yaml:"size_overrides"`
	MaxUses           int               `yaml:"max_uses"`
	MaxUsesPerUser    int               `yaml:"max_uses_per_user"`
	AutoApply         bool              `yaml:"auto_apply"`
	AutoApplyPriority int               `yaml:"auto_apply_priority"`
	Affiliate         struct {
		ID       string `yaml:"id"`
		Email    string `yaml:"email"`
		Username string `yaml:"username"`
	} `yaml:"affiliate"`
}

type apiKeyYAML struct {
	ID     string   `yaml:"id"`
	Name   string   `yaml:"name"`
	Key    string   `yaml:"key"`
	Scopes []string `yaml:"scopes"`
}

func decodeCatalog(r io.Reader) (*catalog, error) {
	var c catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	return &c, nil
}

// amount parses an optional money value; empty is zero.
func amount(s string) (money.Amount, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	return money.Parse(s)
}

func (p programYAML) toProgram() (*program.Program, error) {
	fee, err := amount(p.ActivationFee)
	if err != nil {
		return nil, errors.Wrapf(err, "program %d activation_fee", p.ID)
	}
	out := &program.Program{
		ID:            p.ID,
		Name:          p.Name,
		Category:      program.Category(p.Category),
		Currency:      p.Currency,
		ActivationFee: fee,
	}
	if out.Currency == "" {
		out.Currency = "USD"
	}
	for _, t := range p.Tiers {
		tier := program.Tier{ID: t.ID, AccountSize: t.AccountSize}
		for _, f := range []struct {
			name string
			src  string
			dst  *money.Amount
		}{
			{"price", t.Price, &tier.Price},
			{"reset_fee", t.ResetFee, &tier.ResetFee},
			{"reset_fee_funded", t.ResetFeeFunded, &tier.ResetFeeFunded},
		} {
			if *f.dst, err = amount(f.src); err != nil {
				return nil, errors.Wrapf(err, "program %d tier %s %s", p.ID, t.ID, f.name)
			}
		}
		out.Tiers = append(out.Tiers, tier)
	}
	return out, nil
}

func (m mappingYAML) toMapping() *mapping.Mapping {
	return &mapping.Mapping{
		ProgramID:                 m.ProgramID,
		TierID:                    m.TierID,
		PlatformID:                m.PlatformID,
		ProductID:                 m.ProductID,
		VariationID:               m.VariationID,
		ResetFeeProductID:         m.ResetFeeProductID,
		ResetFeeVariationID:       m.ResetFeeVariationID,
		ResetFeeFundedProductID:   m.ResetFeeFundedProductID,
		ResetFeeFundedVariationID: m.ResetFeeFundedVariationID,
		ActivationProductID:       m.ActivationProductID,
	}
}

func (c couponYAML) toCoupon() (coupon.Coupon, error) {
	value, err := decimal.NewFromString(c.Value)
	if err != nil {
		return coupon.Coupon{}, errors.Wrapf(err, "coupon %s value", c.Code)
	}
	minPurchase, err := amount(c.MinPurchase)
	if err != nil {
		return coupon.Coupon{}, errors.Wrapf(err, "coupon %s min_purchase", c.Code)
	}
	out := coupon.Coupon{
		Code:              c.Code,
		Description:       c.Description,
		DiscountType:      coupon.DiscountType(c.Type),
		Value:             value,
		Status:            coupon.Status(c.Status),
		ValidFrom:         c.ValidFrom,
		ValidTo:           c.ValidTo,
		Restriction:       coupon.RestrictionMode(c.Restriction),
		Programs:          c.Programs,
		MinPurchase:       minPurchase,
		MaxUses:           c.MaxUses,
		MaxUsesPerUser:    c.MaxUsesPerUser,
		AutoApply:         c.AutoApply,
		AutoApplyPriority: c.AutoApplyPriority,
		Affiliate: coupon.Affiliate{
			ID:       c.Affiliate.ID,
			Email:    c.Affiliate.Email,
			Username: c.Affiliate.Username,
		},
	}
	if out.Status == "" {
		out.Status = coupon.StatusActive
	}
	if out.Restriction == "" {
		out.Restriction = coupon.RestrictAll
	}
	if len(c.SizeOverrides) > 0 {
		out.SizeOverrides = make(map[string]decimal.Decimal, len(c.SizeOverrides))
		for size, v := range c.SizeOverrides {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return coupon.Coupon{}, errors.Wrapf(err, "coupon %s size override %s", c.Code, size)
			}
			out.SizeOverrides[program.NormalizeAccountSize(size)] = d
		}
	}
	return out, nil
}
