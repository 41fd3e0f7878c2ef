// Package cryptopay implements the crypto invoice gateway.
package cryptopay

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/gateway"
)

// Name is the registry name of the crypto gateway.
const Name = "crypto"

// Config configures the crypto gateway.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	ReturnURL     string
	NotifyURL     string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// Gateway is the crypto invoice adapter.
type Gateway struct {
	cfg    Config
	client *http.Client
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a crypto Gateway.
func New(cfg Config) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Gateway{cfg: cfg, client: client}
}

func (g *Gateway) Name() string            { return Name }
func (g *Gateway) SignatureHeader() string { return "X-Signature" }

// VerifyCallback checks the hex HMAC-SHA256 of the raw body.
func (g *Gateway) VerifyCallback(body []byte, signature string) bool {
	return gateway.VerifyHMAC(g.cfg.WebhookSecret, body, signature)
}

type invoice struct {
	ID        string
	URL       string
	Status    string
	Reference string
	Amount    string
	Currency  string
}

func (inv *invoice) decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			inv.ID, err = d.Str()
		case "url":
			inv.URL, err = d.Str()
		case "status":
			inv.Status, err = d.Str()
		case "reference":
			inv.Reference, err = d.Str()
		case "invoice":
			err = d.Obj(func(d *jx.Decoder, key string) error {
				var err error
				switch key {
				case "amount":
					inv.Amount, err = d.Str()
				case "currency":
					inv.Currency, err = d.Str()
				default:
					err = d.Skip()
				}
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
}

// CreateSession creates an invoice for the purchase total.
func (g *Gateway) CreateSession(ctx context.Context, p *purchase.Purchase) (*gateway.Session, error) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(p.ID.String()) })
		e.Field("invoice", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("amount", func(e *jx.Encoder) { e.Str(p.TotalPrice.String()) })
				e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
			})
		})
		e.Field("customer_email", func(e *jx.Encoder) { e.Str(p.Customer.Email) })
		if g.cfg.ReturnURL != "" {
			e.Field("return_url", func(e *jx.Encoder) { e.Str(g.cfg.ReturnURL + "?order=" + url.QueryEscape(p.ID.String())) })
		}
		if g.cfg.NotifyURL != "" {
			e.Field("notify_url", func(e *jx.Encoder) { e.Str(g.cfg.NotifyURL) })
		}
	})

	var inv invoice
	if err := g.do(ctx, "create invoice", http.MethodPost, "/v3/invoices", e.Bytes(), &inv); err != nil {
		return nil, err
	}
	if inv.ID == "" {
		return nil, &gateway.Error{Provider: Name, Op: "create invoice", Err: errors.New("empty invoice id")}
	}
	return &gateway.Session{Token: inv.ID, ProviderOrderID: inv.ID, RedirectURL: inv.URL}, nil
}

// FetchAuthoritative returns the invoice status and amount reported by the
// API.
func (g *Gateway) FetchAuthoritative(ctx context.Context, invoiceID string) (*gateway.Payment, error) {
	var inv invoice
	if err := g.do(ctx, "get invoice", http.MethodGet, "/v3/invoices/"+url.PathEscape(invoiceID), nil, &inv); err != nil {
		return nil, err
	}
	pay := &gateway.Payment{Status: inv.Status, Currency: inv.Currency}
	if inv.Amount != "" {
		amount, err := decimal.NewFromString(inv.Amount)
		if err != nil {
			return nil, &gateway.Error{Provider: Name, Op: "get invoice", Err: errors.Wrap(err, "parse amount")}
		}
		pay.Amount = amount
	}
	return pay, nil
}

// ParseCallback reads the invoice notification.
func (g *Gateway) ParseCallback(body []byte) (*gateway.Callback, error) {
	var inv invoice
	if err := inv.decode(jx.DecodeBytes(body)); err != nil {
		return nil, errors.Wrap(err, "decode callback")
	}
	if inv.ID == "" || inv.Reference == "" {
		return nil, errors.New("callback missing id or reference")
	}
	return &gateway.Callback{Reference: inv.Reference, PaymentID: inv.ID, Status: inv.Status}, nil
}

// MapStatus maps invoice statuses. active, prepared and confirming are
// in-flight and never trigger fulfillment.
func (g *Gateway) MapStatus(status string) (purchase.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "paid":
		return purchase.StatusCompleted, true
	case "expired", "error":
		return purchase.StatusFailed, true
	case "active", "prepared", "confirming":
		return purchase.StatusPending, true
	default:
		return "", false
	}
}

func (g *Gateway) do(ctx context.Context, op, method, path string, body []byte, inv *invoice) error {
	var (
		req *http.Request
		err error
	)
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, bytes.NewReader(body))
	} else {
		req, err = http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, http.NoBody)
	}
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return &gateway.Error{Provider: Name, Op: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := gateway.CheckResponse(Name, op, resp); err != nil {
		return err
	}
	if err := inv.decode(jx.Decode(resp.Body, 4096)); err != nil {
		return &gateway.Error{Provider: Name, Op: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
	}
	return nil
}
