// Package fulfillment notifies the downstream order-processing system of
// completed sales.
//
// The receiver parses the payload by key in a fixed order, so the body is
// written field by field with jx rather than through struct reflection.
package fulfillment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
)

// SignatureHeader carries the base64 HMAC-SHA256 of the body.
const SignatureHeader = "X-Fulfillment-Signature"

// Config configures the Client.
type Config struct {
	URL        string
	Secret     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client posts fulfillment notifications.
type Client struct {
	url    string
	secret string
	client *http.Client
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{url: cfg.URL, secret: cfg.Secret, client: client}
}

// Notify posts the order for p. The purchase must carry resolved
// identifiers; otherwise a mapping.ErrUnresolved error is returned without
// any call being made.
func (c *Client) Notify(ctx context.Context, p *purchase.Purchase) error {
	if !p.Resolved() {
		return errors.Wrapf(mapping.ErrUnresolved, "order %d has no product id", p.OrderNumber)
	}
	if c.url == "" {
		return errors.New("fulfillment url not configured")
	}

	body := Encode(p)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(SignatureHeader, Sign(c.secret, body))
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "post order")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Errorf("fulfillment responded %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	zctx.From(ctx).Info("Fulfillment notified",
		zap.Int64("order_number", p.OrderNumber),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// Sign returns the base64 HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Encode renders the order payload for p.
func Encode(p *purchase.Purchase) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Int64(p.OrderNumber) })
		e.Field("status", func(e *jx.Encoder) { e.Str("processing") })
		e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
		e.Field("total", func(e *jx.Encoder) { e.Str(p.TotalPrice.String()) })
		e.Field("billing", func(e *jx.Encoder) { encodeBilling(e, p.Customer) })
		e.Field("line_items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				e.Obj(func(e *jx.Encoder) {
					e.Field("product_id", func(e *jx.Encoder) { e.Int64(p.ProductID) })
					e.Field("variation_id", func(e *jx.Encoder) { e.Int64(p.VariationID) })
					e.Field("quantity", func(e *jx.Encoder) { e.Int(1) })
					e.Field("total", func(e *jx.Encoder) { e.Str(p.FinalPrice.String()) })
				})
			})
		})
		e.Field("fee_lines", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, a := range p.AddOns {
					name := a.ID
					if n := a.Metadata["name"]; n != "" {
						name = n
					}
					e.Obj(func(e *jx.Encoder) {
						e.Field("name", func(e *jx.Encoder) { e.Str(name) })
						e.Field("total", func(e *jx.Encoder) { e.Str(a.Amount.String()) })
					})
				}
			})
		})
		e.Field("meta_data", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, kv := range metaPairs(p) {
					e.Obj(func(e *jx.Encoder) {
						e.Field("key", func(e *jx.Encoder) { e.Str(kv[0]) })
						e.Field("value", func(e *jx.Encoder) { e.Str(kv[1]) })
					})
				}
			})
		})
	})
	return e.Bytes()
}

func encodeBilling(e *jx.Encoder, c purchase.Customer) {
	fields := [...][2]string{
		{"first_name", c.FirstName},
		{"last_name", c.LastName},
		{"email", c.Email},
		{"phone", c.Phone},
		{"address_1", c.Address.Line1},
		{"address_2", c.Address.Line2},
		{"city", c.Address.City},
		{"state", c.Address.State},
		{"postcode", c.Address.Postcode},
		{"country", c.Address.Country},
	}
	e.Obj(func(e *jx.Encoder) {
		for _, f := range fields {
			e.Field(f[0], func(e *jx.Encoder) { e.Str(f[1]) })
		}
	})
}

// metaPairs lists the free-form metadata sent downstream. Empty values are
// omitted.
func metaPairs(p *purchase.Purchase) [][2]string {
	addOnKeys := make([]string, 0, len(p.AddOns))
	for _, a := range p.AddOns {
		addOnKeys = append(addOnKeys, a.ID)
	}
	candidates := [][2]string{
		{"addons", strings.Join(addOnKeys, ",")},
		{"coupon_code", p.CouponCode},
		{"affiliate_id", p.Affiliate.ID},
		{"purchase_type", string(p.Variant)},
		{"reset_type", string(p.ResetSubtype)},
		{"account_ref", p.ExternalAccountRef},
		{"platform", p.PlatformID},
		{"checkout_id", p.ID.String()},
	}
	out := candidates[:0]
	for _, kv := range candidates {
		if kv[1] != "" {
			out = append(out, kv)
		}
	}
	return out
}
