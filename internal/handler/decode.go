package handler

import (
	"io"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/checkout"
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// decodeBody decodes a JSON object from r, dispatching each field to fn.
// Decoding errors are wrapped in errMalformedJSON; body size errors pass
// through unchanged.
func decodeBody(r io.Reader, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if err := jx.DecodeBytes(data).Obj(fn); err != nil {
		return errors.Wrapf(errMalformedJSON, "%v", err)
	}
	return nil
}

// decodeDecimal accepts a JSON number or numeric string.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(strings.TrimSpace(s))
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.Errorf("expected number, got %s", d.Next())
	}
}

// decodeInt64 accepts a JSON integer or an integer string.
func decodeInt64(d *jx.Decoder) (int64, error) {
	v, err := decodeDecimal(d)
	if err != nil {
		return 0, err
	}
	if !v.IsInteger() {
		return 0, errors.Errorf("expected integer, got %s", v)
	}
	return v.IntPart(), nil
}

func decodeStringMap(d *jx.Decoder) (map[string]string, error) {
	m := map[string]string{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch d.Next() {
		case jx.String:
			v, err := d.Str()
			m[key] = v
			return err
		default:
			raw, err := d.Raw()
			m[key] = raw.String()
			return err
		}
	})
	return m, err
}

func decodeAddOns(d *jx.Decoder) ([]pricing.AddOn, error) {
	var addOns []pricing.AddOn
	err := d.Arr(func(d *jx.Decoder) error {
		var a pricing.AddOn
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				a.ID, err = d.Str()
			case "percentage":
				a.Percentage, err = decodeDecimal(d)
			case "metadata":
				a.Metadata, err = decodeStringMap(d)
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		addOns = append(addOns, a)
		return nil
	})
	return addOns, err
}

func decodeAddress(d *jx.Decoder) (purchase.Address, error) {
	var a purchase.Address
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "line1", "address_1":
			a.Line1, err = d.Str()
		case "line2", "address_2":
			a.Line2, err = d.Str()
		case "city":
			a.City, err = d.Str()
		case "state":
			a.State, err = d.Str()
		case "postcode":
			a.Postcode, err = d.Str()
		case "country":
			a.Country, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return a, err
}

func decodeCustomer(d *jx.Decoder) (purchase.Customer, error) {
	var c purchase.Customer
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "first_name":
			c.FirstName, err = d.Str()
		case "last_name":
			c.LastName, err = d.Str()
		case "email":
			c.Email, err = d.Str()
		case "phone":
			c.Phone, err = d.Str()
		case "address":
			c.Address, err = decodeAddress(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return c, err
}

func decodeSessionRequest(r io.Reader) (checkout.SessionRequest, error) {
	var req checkout.SessionRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "program_id":
			req.ProgramID, err = decodeInt64(d)
		case "account_size":
			req.AccountSize, err = d.Str()
		case "tier_id":
			req.TierID, err = d.Str()
		case "platform_id":
			req.PlatformID, err = d.Str()
		case "variant":
			var v string
			v, err = d.Str()
			req.Variant = pricing.Variant(v)
		case "reset_subtype":
			var v string
			v, err = d.Str()
			req.ResetSubtype = pricing.ResetSubtype(v)
		case "add_ons":
			req.AddOns, err = decodeAddOns(d)
		case "coupon_code":
			req.CouponCode, err = d.Str()
		case "customer":
			req.Customer, err = decodeCustomer(d)
		case "payment_method":
			req.PaymentMethod, err = d.Str()
		case "account_ref":
			req.ExternalAccountRef, err = d.Str()
		case "referral":
			req.ReferralCode, err = d.Str()
		case "client_total":
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			total := money.RoundHalfUp(v)
			req.ClientTotal = &total
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeOpenSessionRequest(r io.Reader) (checkout.OpenSessionRequest, error) {
	var req checkout.OpenSessionRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "payment_method":
			req.PaymentMethod, err = d.Str()
		case "client_total":
			var v decimal.Decimal
			v, err = decodeDecimal(d)
			total := money.RoundHalfUp(v)
			req.ClientTotal = &total
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

func decodeUpdateRequest(r io.Reader) (checkout.UpdateRequest, error) {
	var req checkout.UpdateRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		switch key {
		case "add_ons":
			addOns, err := decodeAddOns(d)
			req.AddOns = addOns
			return err
		case "coupon_code":
			if d.Next() == jx.Null {
				req.CouponCode = nil
				return d.Null()
			}
			code, err := d.Str()
			req.CouponCode = &code
			return err
		default:
			return d.Skip()
		}
	})
	return req, err
}

func decodeExternalOrderRequest(r io.Reader) (checkout.ExternalOrderRequest, error) {
	var req checkout.ExternalOrderRequest
	err := decodeBody(r, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "billing", "customer":
			req.Customer, err = decodeCustomer(d)
		case "product_id":
			req.ProductID, err = decodeInt64(d)
		case "account_ref":
			req.AccountRef, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}
