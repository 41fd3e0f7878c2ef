// Package marketing publishes purchase lifecycle events to analytics and
// email-flow consumers. Delivery is best-effort.
package marketing

import (
	"context"
	"time"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/internal/domain/purchase"
)

// EventType names a tracked event.
type EventType string

const (
	EventPurchaseCompleted EventType = "purchase_completed"
	EventOrderPlaced       EventType = "order_placed"
	EventPaymentDeclined   EventType = "payment_declined"
)

// Event is a purchase lifecycle event.
type Event struct {
	Type        EventType
	PurchaseID  string
	OrderNumber int64
	Status      purchase.Status
	Email       string
	FirstName   string
	LastName    string
	Total       string
	Currency    string
	CouponCode  string
	AffiliateID string
	Variant     string
	OccurredAt  time.Time
}

// NewEvent builds an event of type t for p.
func NewEvent(t EventType, p *purchase.Purchase, at time.Time) Event {
	return Event{
		Type:        t,
		PurchaseID:  p.ID.String(),
		OrderNumber: p.OrderNumber,
		Status:      p.Status,
		Email:       p.Customer.Email,
		FirstName:   p.Customer.FirstName,
		LastName:    p.Customer.LastName,
		Total:       p.TotalPrice.String(),
		Currency:    p.Currency,
		CouponCode:  p.CouponCode,
		AffiliateID: p.Affiliate.ID,
		Variant:     string(p.Variant),
		OccurredAt:  at.UTC(),
	}
}

// Encode renders e as JSON.
func (e Event) Encode() []byte {
	var w jx.Encoder
	w.Obj(func(w *jx.Encoder) {
		w.Field("type", func(w *jx.Encoder) { w.Str(string(e.Type)) })
		w.Field("purchase_id", func(w *jx.Encoder) { w.Str(e.PurchaseID) })
		w.Field("order_number", func(w *jx.Encoder) { w.Int64(e.OrderNumber) })
		w.Field("status", func(w *jx.Encoder) { w.Str(string(e.Status)) })
		w.Field("email", func(w *jx.Encoder) { w.Str(e.Email) })
		w.Field("first_name", func(w *jx.Encoder) { w.Str(e.FirstName) })
		w.Field("last_name", func(w *jx.Encoder) { w.Str(e.LastName) })
		w.Field("total", func(w *jx.Encoder) { w.Str(e.Total) })
		w.Field("currency", func(w *jx.Encoder) { w.Str(e.Currency) })
		if e.CouponCode != "" {
			w.Field("coupon_code", func(w *jx.Encoder) { w.Str(e.CouponCode) })
		}
		if e.AffiliateID != "" {
			w.Field("affiliate_id", func(w *jx.Encoder) { w.Str(e.AffiliateID) })
		}
		w.Field("variant", func(w *jx.Encoder) { w.Str(e.Variant) })
		w.Field("occurred_at", func(w *jx.Encoder) { w.Str(e.OccurredAt.Format(time.RFC3339)) })
	})
	return w.Bytes()
}

// Tracker receives events.
type Tracker interface {
	Track(ctx context.Context, e Event) error
}

// LogTracker writes events to the context logger. It is used when no
// broker is configured.
type LogTracker struct{}

// Track implements Tracker.
func (LogTracker) Track(ctx context.Context, e Event) error {
	zctx.From(ctx).Info("Marketing event",
		zap.String("type", string(e.Type)),
		zap.String("purchase_id", e.PurchaseID),
		zap.Int64("order_number", e.OrderNumber),
	)
	return nil
}
