package handler

import (
	"github.com/go-faster/jx"

	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/pkg/money"
)

func encodeAmount(e *jx.Encoder, name string, a money.Amount) {
	e.Field(name, func(e *jx.Encoder) { e.Int64(int64(a)) })
}

func encodeStr(e *jx.Encoder, name, v string) {
	e.Field(name, func(e *jx.Encoder) { e.Str(v) })
}

func encodePurchaseRef(e *jx.Encoder, p *purchase.Purchase) {
	e.Obj(func(e *jx.Encoder) {
		encodeStr(e, "id", p.ID.String())
		encodeStr(e, "status", string(p.Status))
		e.Field("order_number", func(e *jx.Encoder) { e.Int64(p.OrderNumber) })
	})
}

func encodeBreakdown(e *jx.Encoder, b *pricing.Breakdown) {
	e.Obj(func(e *jx.Encoder) {
		encodeAmount(e, "tier_price", b.TierPrice)
		encodeAmount(e, "original_price", b.OriginalPrice)
		encodeAmount(e, "applied_discount", b.AppliedDiscount)
		encodeAmount(e, "final_price", b.FinalPrice)
		encodeAmount(e, "addon_value", b.AddOnValue)
		encodeAmount(e, "total_price", b.TotalPrice)
		if b.Coupon != nil {
			encodeStr(e, "coupon_code", b.Coupon.Code)
			e.Field("coupon_auto_applied", func(e *jx.Encoder) { e.Bool(b.Coupon.AutoApplied) })
		}
	})
}

// encodePurchase writes the public view of a purchase. Customer PII is
// limited to the email.
func encodePurchase(e *jx.Encoder, p *purchase.Purchase) {
	e.Obj(func(e *jx.Encoder) {
		encodeStr(e, "id", p.ID.String())
		e.Field("order_number", func(e *jx.Encoder) { e.Int64(p.OrderNumber) })
		encodeStr(e, "status", string(p.Status))
		e.Field("program_id", func(e *jx.Encoder) { e.Int64(p.ProgramID) })
		encodeStr(e, "account_size", p.AccountSize)
		encodeStr(e, "variant", string(p.Variant))
		if p.ResetSubtype != "" {
			encodeStr(e, "reset_subtype", string(p.ResetSubtype))
		}
		encodeStr(e, "currency", p.Currency)
		encodeAmount(e, "base_price", p.BasePrice)
		encodeAmount(e, "final_price", p.FinalPrice)
		encodeAmount(e, "addon_value", p.AddOnValue)
		encodeAmount(e, "total_price", p.TotalPrice)
		if p.CouponCode != "" {
			encodeStr(e, "coupon_code", p.CouponCode)
		}
		e.Field("add_ons", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, a := range p.AddOns {
					e.Obj(func(e *jx.Encoder) {
						encodeStr(e, "id", a.ID)
						encodeStr(e, "percentage", a.Percentage.String())
						encodeAmount(e, "amount", a.Amount)
					})
				}
			})
		})
		encodeStr(e, "email", p.Customer.Email)
		encodeStr(e, "created_at", p.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	})
}
