// Package gateway defines the capability contract shared by payment
// providers and a registry of configured providers.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// ErrSignatureInvalid is returned when a callback fails authentication.
var ErrSignatureInvalid = errors.New("invalid webhook signature")

// Session is a hosted payment session opened for a purchase.
type Session struct {
	Token           string
	ProviderOrderID string
	RedirectURL     string
}

// Callback is the provider's claim carried by a webhook.
type Callback struct {
	// Reference is the purchase id echoed back by the provider.
	Reference string
	PaymentID string
	Status    string
}

// Payment is the provider's own record of a payment.
type Payment struct {
	Status string
	// Amount is in major currency units.
	Amount   decimal.Decimal
	Currency string
}

// Settles reports whether the payment is exactly total in currency. A
// currency the provider did not report is not compared.
func (p *Payment) Settles(total money.Amount, currency string) bool {
	if !p.Amount.Equal(total.Decimal()) {
		return false
	}
	return p.Currency == "" || strings.EqualFold(p.Currency, currency)
}

// Gateway is a payment provider.
type Gateway interface {
	Name() string
	// CreateSession opens a hosted session locked to the purchase total and
	// currency.
	CreateSession(ctx context.Context, p *purchase.Purchase) (*Session, error)
	// SignatureHeader names the request header carrying the callback
	// signature.
	SignatureHeader() string
	// VerifyCallback authenticates the raw callback body.
	VerifyCallback(body []byte, signature string) bool
	ParseCallback(body []byte) (*Callback, error)
	// FetchAuthoritative asks the provider API for the current status and
	// settled amount of a payment.
	FetchAuthoritative(ctx context.Context, paymentID string) (*Payment, error)
	// MapStatus translates a provider status. In-flight statuses map to
	// purchase.StatusPending. It reports false for unknown statuses.
	MapStatus(providerStatus string) (purchase.Status, bool)
}

// Error is an upstream provider failure.
type Error struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Provider, e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CheckResponse returns an *Error for non-2xx responses, including a prefix
// of the body.
func CheckResponse(provider, op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	var err error
	if len(snippet) > 0 {
		err = errors.New(strings.TrimSpace(string(snippet)))
	}
	return &Error{Provider: provider, Op: op, StatusCode: resp.StatusCode, Err: err}
}

// SignHMAC returns the hex HMAC-SHA256 of body.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex HMAC-SHA256 signature in constant time. An empty
// secret never verifies.
func VerifyHMAC(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Registry holds the configured gateways by name.
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry creates a Registry with the given gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.Register(g)
	}
	return r
}

// Register adds or replaces g.
func (r *Registry) Register(g Gateway) {
	r.gateways[g.Name()] = g
}

// Lookup returns the gateway registered under name.
func (r *Registry) Lookup(name string) (Gateway, bool) {
	g, ok := r.gateways[name]
	return g, ok
}

// Names returns registered gateway names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
