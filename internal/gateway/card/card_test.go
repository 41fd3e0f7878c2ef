package card

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/gateway"
)

type fakeProvider struct {
	tokens       atomic.Int32
	sessions     atomic.Int32
	rejectFirst  atomic.Bool
	rejectAlways bool
	expiresIn    string
	// tokenWait, when set, holds token requests until it is closed.
	tokenWait    chan struct{}
	tokenStarted chan struct{}

	mu       sync.Mutex
	lastBody []byte
}

func (f *fakeProvider) body() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakeProvider) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", id)
		assert.Equal(t, "secret", secret)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))

		n := f.tokens.Add(1)
		if f.tokenWait != nil {
			if n == 1 {
				close(f.tokenStarted)
			}
			<-f.tokenWait
		}
		expires := f.expiresIn
		if expires == "" {
			expires = "3600"
		}
		_, _ = io.WriteString(w, `{"access_token":"tok-`+string(rune('0'+n))+`","expires_in":`+expires+`}`)
	})
	mux.HandleFunc("POST /v1/checkout/sessions", func(w http.ResponseWriter, r *http.Request) {
		f.sessions.Add(1)
		if f.rejectAlways || (r.Header.Get("Authorization") == "Bearer tok-1" && f.rejectFirst.Load()) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		b, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastBody = b
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"id":"sess_123","token":"ct_abc","redirect_url":"https://pay.example/ct_abc","extra":{"x":1}}`)
	})
	mux.HandleFunc("GET /v1/payments/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "pay_1" {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, `{"id":"pay_1","status":"CAPTURED","amount":27400,"currency":"USD","captured_at":null}`)
	})
	return mux
}

func testPurchase() *purchase.Purchase {
	return &purchase.Purchase{
		ID:          uuid.MustParse("7f0c2a8e-7c1a-4d5e-9b58-0d6f0c7d9a11"),
		OrderNumber: 10042,
		TotalPrice:  274,
		Currency:    "USD",
		Customer:    purchase.Customer{Email: "a@example.com", FirstName: "Ada", LastName: "L"},
	}
}

func newTestGateway(t *testing.T, f *fakeProvider) *Gateway {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL:       srv.URL + "/",
		ClientID:      "client",
		ClientSecret:  "secret",
		WebhookSecret: "whsec",
		ReturnURL:     "https://shop.example/checkout/complete",
		CancelURL:     "https://shop.example/checkout/cancel?x=1",
	})
}

func TestGateway_CreateSession(t *testing.T) {
	f := &fakeProvider{}
	g := newTestGateway(t, f)

	s, err := g.CreateSession(context.Background(), testPurchase())
	require.NoError(t, err)
	assert.Equal(t, "ct_abc", s.Token)
	assert.Equal(t, "sess_123", s.ProviderOrderID)
	assert.Equal(t, "https://pay.example/ct_abc", s.RedirectURL)

	var (
		amount   int64
		locked   bool
		currency string
		ret      string
	)
	require.NoError(t, jx.DecodeBytes(f.body()).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "amount":
			amount, err = d.Int64()
		case "locked":
			locked, err = d.Bool()
		case "currency":
			currency, err = d.Str()
		case "cancel_url":
			ret, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	}))
	assert.Equal(t, int64(27400), amount)
	assert.True(t, locked)
	assert.Equal(t, "USD", currency)
	assert.Equal(t, "https://shop.example/checkout/cancel?order=7f0c2a8e-7c1a-4d5e-9b58-0d6f0c7d9a11&x=1", ret)

	// Token is cached across calls.
	_, err = g.CreateSession(context.Background(), testPurchase())
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.tokens.Load())
}

func TestGateway_ConcurrentCallersShareTokenFetch(t *testing.T) {
	f := &fakeProvider{tokenWait: make(chan struct{}), tokenStarted: make(chan struct{})}
	g := newTestGateway(t, f)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.CreateSession(ctx, testPurchase())
			errs <- err
		}()
	}
	<-f.tokenStarted

	// The token cache stays usable while the fetch is in flight.
	done := make(chan struct{})
	go func() {
		g.invalidate("stale")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("token cache locked during token fetch")
	}

	close(f.tokenWait)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), f.tokens.Load())
	assert.Equal(t, int32(callers), f.sessions.Load())
}

func TestGateway_CreateSessionReauthenticatesOnce(t *testing.T) {
	f := &fakeProvider{}
	f.rejectFirst.Store(true)
	g := newTestGateway(t, f)

	s, err := g.CreateSession(context.Background(), testPurchase())
	require.NoError(t, err)
	assert.Equal(t, "ct_abc", s.Token)
	assert.Equal(t, int32(2), f.tokens.Load())
	assert.Equal(t, int32(2), f.sessions.Load())
}

func TestGateway_CreateSessionGivesUpAfterRetry(t *testing.T) {
	f := &fakeProvider{rejectAlways: true}
	g := newTestGateway(t, f)

	_, err := g.CreateSession(context.Background(), testPurchase())
	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusUnauthorized, gwErr.StatusCode)
	assert.Equal(t, int32(2), f.sessions.Load())
}

func TestGateway_FetchAuthoritative(t *testing.T) {
	g := newTestGateway(t, &fakeProvider{})

	pay, err := g.FetchAuthoritative(context.Background(), "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "CAPTURED", pay.Status)
	assert.Equal(t, "USD", pay.Currency)
	assert.True(t, pay.Settles(274, "USD"))

	_, err = g.FetchAuthoritative(context.Background(), "pay_missing")
	var gwErr *gateway.Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusNotFound, gwErr.StatusCode)
}

func TestGateway_TokenTTL(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := New(Config{})
	g.now = func() time.Time { return now }

	assert.Equal(t, 3600*time.Second-tokenSkew, g.tokenTTL("opaque", 3600))
	assert.Equal(t, defaultTokenTTL-tokenSkew, g.tokenTTL("opaque", 0))

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute-tokenSkew, g.tokenTTL(signed, 0))
}

func TestGateway_Callback(t *testing.T) {
	g := New(Config{WebhookSecret: "whsec"})
	body := []byte(`{"reference":"7f0c2a8e-7c1a-4d5e-9b58-0d6f0c7d9a11","payment_id":"pay_1","status":"APPROVED","amount":27400}`)

	assert.True(t, g.VerifyCallback(body, gateway.SignHMAC("whsec", body)))
	assert.False(t, g.VerifyCallback(body, gateway.SignHMAC("nope", body)))

	cb, err := g.ParseCallback(body)
	require.NoError(t, err)
	assert.Equal(t, "pay_1", cb.PaymentID)
	assert.Equal(t, "APPROVED", cb.Status)

	_, err = g.ParseCallback([]byte(`{"status":"APPROVED"}`))
	require.Error(t, err)
	_, err = g.ParseCallback([]byte(`not json`))
	require.Error(t, err)
}

func TestGateway_MapStatus(t *testing.T) {
	g := New(Config{})
	tests := map[string]purchase.Status{
		"approved":   purchase.StatusCompleted,
		"CAPTURED":   purchase.StatusCompleted,
		"DECLINED":   purchase.StatusFailed,
		"expired":    purchase.StatusFailed,
		"CANCELLED":  purchase.StatusCancelled,
		"PROCESSING": purchase.StatusPending,
	}
	for in, want := range tests {
		got, ok := g.MapStatus(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := g.MapStatus("REFUNDED")
	assert.False(t, ok)
}
