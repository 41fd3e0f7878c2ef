package main

import (
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// decodeRecord parses one NDJSON coupon line.
func decodeRecord(line []byte) (coupon.Coupon, error) {
	c := coupon.Coupon{
		Status:      coupon.StatusActive,
		Restriction: coupon.RestrictAll,
	}
	err := jx.DecodeBytes(line).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "type":
			var v string
			v, err = d.Str()
			c.DiscountType = coupon.DiscountType(v)
		case "value":
			c.Value, err = decodeDecimal(d)
		case "status":
			var v string
			v, err = d.Str()
			c.Status = coupon.Status(v)
		case "valid_from":
			c.ValidFrom, err = decodeTime(d)
		case "valid_to":
			if d.Next() == jx.Null {
				return d.Null()
			}
			var t time.Time
			t, err = decodeTime(d)
			c.ValidTo = &t
		case "restriction":
			var v string
			v, err = d.Str()
			c.Restriction = coupon.RestrictionMode(v)
		case "programs":
			err = d.Arr(func(d *jx.Decoder) error {
				id, err := d.Int64()
				c.Programs = append(c.Programs, id)
				return err
			})
		case "min_purchase":
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			c.MinPurchase = money.RoundHalfUp(v)
		case "size_overrides":
			c.SizeOverrides = map[string]decimal.Decimal{}
			err = d.Obj(func(d *jx.Decoder, size string) error {
				v, err := decodeDecimal(d)
				c.SizeOverrides[program.NormalizeAccountSize(size)] = v
				return err
			})
		case "max_uses":
			c.MaxUses, err = d.Int()
		case "max_uses_per_user":
			c.MaxUsesPerUser, err = d.Int()
		case "auto_apply":
			c.AutoApply, err = d.Bool()
		case "auto_apply_priority":
			c.AutoApplyPriority, err = d.Int()
		case "affiliate_id":
			c.Affiliate.ID, err = d.Str()
		case "affiliate_email":
			c.Affiliate.Email, err = d.Str()
		case "affiliate_username":
			c.Affiliate.Username, err = d.Str()
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return coupon.Coupon{}, err
	}
	c.Code = strings.TrimSpace(c.Code)
	if err := validateRecord(c); err != nil {
		return coupon.Coupon{}, err
	}
	return c, nil
}

func validateRecord(c coupon.Coupon) error {
	switch {
	case c.Code == "":
		return errors.New("code is required")
	case c.DiscountType != coupon.DiscountPercentage && c.DiscountType != coupon.DiscountFixed:
		return errors.Errorf("unsupported type %q", c.DiscountType)
	case c.Value.IsNegative():
		return errors.New("value must not be negative")
	case c.DiscountType == coupon.DiscountPercentage && c.Value.GreaterThan(decimal.NewFromInt(100)):
		return errors.New("percentage must not exceed 100")
	case c.ValidTo != nil && c.ValidTo.Before(c.ValidFrom):
		return errors.New("valid_to is before valid_from")
	}
	return nil
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	if d.Next() == jx.String {
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	}
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	s, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, s)
}
