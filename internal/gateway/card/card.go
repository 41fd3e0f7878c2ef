// Package card implements the redirect-based card gateway.
//
// The provider authenticates API calls with a short-lived bearer token
// obtained through the client-credentials grant. Hosted sessions are created
// with a locked amount and currency so the payment page cannot alter them.
package card

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/gateway"
)

// Name is the registry name of the card gateway.
const Name = "card"

const (
	defaultTokenTTL = 5 * time.Minute
	tokenSkew       = 30 * time.Second
	defaultTimeout  = 15 * time.Second
)

// Config configures the card gateway.
type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	ReturnURL     string
	CancelURL     string
	Timeout       time.Duration
	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client
}

// Gateway is the card gateway adapter.
type Gateway struct {
	cfg    Config
	client *http.Client
	now    func() time.Time

	// mu guards the cached token only; fetches run outside it, one at a
	// time through fetch.
	mu        sync.Mutex
	token     string
	expiresAt time.Time
	fetch     singleflight.Group
}

var _ gateway.Gateway = (*Gateway)(nil)

// New creates a card Gateway.
func New(cfg Config) *Gateway {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Gateway{cfg: cfg, client: client, now: time.Now}
}

// Name implements gateway.Gateway.
func (g *Gateway) Name() string { return Name }

// SignatureHeader implements gateway.Gateway.
func (g *Gateway) SignatureHeader() string { return "X-Signature" }

// VerifyCallback implements gateway.Gateway.
func (g *Gateway) VerifyCallback(body []byte, signature string) bool {
	return gateway.VerifyHMAC(g.cfg.WebhookSecret, body, signature)
}

// CreateSession implements gateway.Gateway.
func (g *Gateway) CreateSession(ctx context.Context, p *purchase.Purchase) (*gateway.Session, error) {
	body := sessionRequest(p, g.cfg.ReturnURL, g.cfg.CancelURL)

	var s gateway.Session
	err := g.do(ctx, "create session", http.MethodPost, "/v1/checkout/sessions", body, func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				s.ProviderOrderID, err = d.Str()
			case "token":
				s.Token, err = d.Str()
			case "redirect_url":
				s.RedirectURL, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	if s.Token == "" {
		s.Token = s.ProviderOrderID
	}
	return &s, nil
}

// FetchAuthoritative implements gateway.Gateway. The provider reports
// amounts in cents.
func (g *Gateway) FetchAuthoritative(ctx context.Context, paymentID string) (*gateway.Payment, error) {
	var pay gateway.Payment
	err := g.do(ctx, "fetch payment", http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, func(d *jx.Decoder) error {
		return d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "status":
				pay.Status, err = d.Str()
			case "amount":
				var cents int64
				cents, err = d.Int64()
				pay.Amount = decimal.New(cents, -2)
			case "currency":
				pay.Currency, err = d.Str()
			default:
				err = d.Skip()
			}
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return &pay, nil
}

// ParseCallback implements gateway.Gateway.
func (g *Gateway) ParseCallback(body []byte) (*gateway.Callback, error) {
	var cb gateway.Callback
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "reference":
			cb.Reference, err = d.Str()
		case "payment_id":
			cb.PaymentID, err = d.Str()
		case "status":
			cb.Status, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode callback")
	}
	if cb.Reference == "" || cb.PaymentID == "" {
		return nil, errors.New("callback missing reference or payment_id")
	}
	return &cb, nil
}

// MapStatus implements gateway.Gateway.
func (g *Gateway) MapStatus(status string) (purchase.Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "APPROVED", "CAPTURED", "COMPLETED", "PAID":
		return purchase.StatusCompleted, true
	case "DECLINED", "FAILED", "ERROR", "EXPIRED":
		return purchase.StatusFailed, true
	case "CANCELLED", "CANCELED", "ABANDONED":
		return purchase.StatusCancelled, true
	case "CREATED", "PENDING", "PROCESSING", "AUTHORIZED":
		return purchase.StatusPending, true
	default:
		return "", false
	}
}

func sessionRequest(p *purchase.Purchase, returnURL, cancelURL string) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("reference", func(e *jx.Encoder) { e.Str(p.ID.String()) })
		e.Field("order_number", func(e *jx.Encoder) { e.Int64(p.OrderNumber) })
		e.Field("amount", func(e *jx.Encoder) { e.Int64(p.TotalPrice.Cents()) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
		e.Field("locked", func(e *jx.Encoder) { e.Bool(true) })
		e.Field("customer", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("email", func(e *jx.Encoder) { e.Str(p.Customer.Email) })
				e.Field("first_name", func(e *jx.Encoder) { e.Str(p.Customer.FirstName) })
				e.Field("last_name", func(e *jx.Encoder) { e.Str(p.Customer.LastName) })
			})
		})
		e.Field("return_url", func(e *jx.Encoder) { e.Str(withOrder(returnURL, p)) })
		e.Field("cancel_url", func(e *jx.Encoder) { e.Str(withOrder(cancelURL, p)) })
	})
	return e.Bytes()
}

func withOrder(raw string, p *purchase.Purchase) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set("order", p.ID.String())
	u.RawQuery = q.Encode()
	return u.String()
}

// do sends an authenticated request. A 401 discards the cached token and
// retries exactly once with a fresh one.
func (g *Gateway) do(ctx context.Context, op, method, path string, body []byte, decode func(*jx.Decoder) error) error {
	for attempt := 0; ; attempt++ {
		token, err := g.accessToken(ctx)
		if err != nil {
			return &gateway.Error{Provider: Name, Op: "authenticate", Err: err}
		}

		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := newRequest(ctx, method, g.cfg.BaseURL+path, reader)
		if err != nil {
			return errors.Wrap(err, "build request")
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return &gateway.Error{Provider: Name, Op: op, Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			zctx.From(ctx).Info("Card gateway token rejected, re-authenticating", zap.String("op", op))
			g.invalidate(token)
			continue
		}

		err = func() error {
			defer func() { _ = resp.Body.Close() }()
			if err := gateway.CheckResponse(Name, op, resp); err != nil {
				return err
			}
			if err := decode(jx.Decode(resp.Body, 4096)); err != nil {
				return &gateway.Error{Provider: Name, Op: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
			}
			return nil
		}()
		return err
	}
}

func newRequest(ctx context.Context, method, target string, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, target, http.NoBody)
	}
	return http.NewRequestWithContext(ctx, method, target, body)
}

func (g *Gateway) invalidate(token string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token == token {
		g.token = ""
		g.expiresAt = time.Time{}
	}
}

func (g *Gateway) cachedToken() (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.token != "" && g.now().Before(g.expiresAt) {
		return g.token, true
	}
	return "", false
}

// accessToken returns the cached token or authenticates. Concurrent callers
// share one token request.
func (g *Gateway) accessToken(ctx context.Context) (string, error) {
	if token, ok := g.cachedToken(); ok {
		return token, nil
	}

	fetchCtx := context.WithoutCancel(ctx)
	ch := g.fetch.DoChan("token", func() (any, error) {
		if token, ok := g.cachedToken(); ok {
			return token, nil
		}
		token, ttl, err := g.authenticate(fetchCtx)
		if err != nil {
			return "", err
		}
		g.mu.Lock()
		g.token = token
		g.expiresAt = g.now().Add(ttl)
		g.mu.Unlock()
		return token, nil
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (g *Gateway) authenticate(ctx context.Context) (string, time.Duration, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", 0, errors.Wrap(err, "token request")
	}
	defer func() { _ = resp.Body.Close() }()
	if err := gateway.CheckResponse(Name, "authenticate", resp); err != nil {
		return "", 0, err
	}

	var (
		token     string
		expiresIn int64
	)
	err = jx.Decode(resp.Body, 1024).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "access_token":
			token, err = d.Str()
		case "expires_in":
			expiresIn, err = d.Int64()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return "", 0, errors.Wrap(err, "decode token")
	}
	if token == "" {
		return "", 0, errors.New("empty access token")
	}
	return token, g.tokenTTL(token, expiresIn), nil
}

// tokenTTL prefers expires_in, then the JWT exp claim, then a default.
func (g *Gateway) tokenTTL(token string, expiresIn int64) time.Duration {
	var ttl time.Duration
	switch {
	case expiresIn > 0:
		ttl = time.Duration(expiresIn) * time.Second
	default:
		ttl = defaultTokenTTL
		claims := jwt.RegisteredClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
			ttl = claims.ExpiresAt.Sub(g.now())
		}
	}
	if ttl > 2*tokenSkew {
		ttl -= tokenSkew
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}
