package marketing

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func testEvent() Event {
	p := &purchase.Purchase{
		ID:          uuid.MustParse("3e1f7f3e-8a53-4a38-9b1d-5f9a1b0b7c01"),
		OrderNumber: 10007,
		Status:      purchase.StatusCompleted,
		Variant:     pricing.VariantOriginal,
		TotalPrice:  274,
		Currency:    "USD",
		CouponCode:  "SAVE20",
		Affiliate:   coupon.Affiliate{ID: "aff-1"},
		Customer:    purchase.Customer{Email: "a@example.com", FirstName: "Ada", LastName: "L"},
	}
	return NewEvent(EventPurchaseCompleted, p, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
}

func TestEvent_Encode(t *testing.T) {
	want := `{"type":"purchase_completed","purchase_id":"3e1f7f3e-8a53-4a38-9b1d-5f9a1b0b7c01",` +
		`"order_number":10007,"status":"completed","email":"a@example.com","first_name":"Ada","last_name":"L",` +
		`"total":"274.00","currency":"USD","coupon_code":"SAVE20","affiliate_id":"aff-1",` +
		`"variant":"original","occurred_at":"2025-03-01T10:00:00Z"}`
	assert.Equal(t, want, string(testEvent().Encode()))
}

func TestKafkaTracker_Track(t *testing.T) {
	w := &recordingWriter{}
	tr := &KafkaTracker{writer: w, timeout: time.Second}

	require.NoError(t, tr.Track(context.Background(), testEvent()))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "3e1f7f3e-8a53-4a38-9b1d-5f9a1b0b7c01", string(w.msgs[0].Key))
	assert.Equal(t, "purchase_completed", string(w.msgs[0].Headers[0].Value))

	w.err = errors.New("broker down")
	err := tr.Track(context.Background(), testEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish purchase_completed")
}

func TestLogTracker(t *testing.T) {
	require.NoError(t, LogTracker{}.Track(context.Background(), testEvent()))
}
