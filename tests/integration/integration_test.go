//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/internal/app"
	"github.com/xenking/challenge-checkout/internal/domain/auth"
	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/internal/storage/postgres"
	"github.com/xenking/challenge-checkout/pkg/health"
	"github.com/xenking/challenge-checkout/pkg/httpmiddleware"
)

const (
	testAPIKey      = "integration-ops-key"
	testPepper      = "test-pepper-for-integration"
	cryptoSecret    = "crypto-ipn-secret"
	fulfillmentPath = "/fulfillment"
)

var (
	baseURL    string
	httpClient *http.Client
	provider   *fakeProvider
)

// Response types are defined locally to keep assertions on the wire format.

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details"`
}

type priceResponse struct {
	TierPrice       int64  `json:"tier_price"`
	OriginalPrice   int64  `json:"original_price"`
	AppliedDiscount int64  `json:"applied_discount"`
	FinalPrice      int64  `json:"final_price"`
	AddOnValue      int64  `json:"addon_value"`
	TotalPrice      int64  `json:"total_price"`
	CouponCode      string `json:"coupon_code"`
}

type purchaseRef struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	OrderNumber int64  `json:"order_number"`
}

type sessionResponse struct {
	Success      bool          `json:"success"`
	SessionToken string        `json:"session_token"`
	RedirectURL  string        `json:"redirect_url"`
	Purchase     purchaseRef   `json:"purchase"`
	Price        priceResponse `json:"price"`
}

type purchaseResponse struct {
	ID          string `json:"id"`
	OrderNumber int64  `json:"order_number"`
	Status      string `json:"status"`
	TotalPrice  int64  `json:"total_price"`
	FinalPrice  int64  `json:"final_price"`
	AddOnValue  int64  `json:"addon_value"`
	CouponCode  string `json:"coupon_code"`
	Email       string `json:"email"`
}

type updateResponse struct {
	SessionToken string           `json:"session_token"`
	Purchase     purchaseResponse `json:"purchase"`
	Price        priceResponse    `json:"price"`
}

type externalOrderResponse struct {
	OrderID     string `json:"order_id"`
	OrderNumber int64  `json:"order_number"`
	PaymentURL  string `json:"payment_url"`
}

type replayResponse struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome"`
	Status  string `json:"status"`
	Effects []struct {
		Name   string `json:"name"`
		Result string `json:"result"`
	} `json:"effects"`
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

type invoice struct {
	Status   string `json:"status"`
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// fakeProvider plays the crypto invoice API and the fulfillment endpoint.
type fakeProvider struct {
	mu        sync.Mutex
	invoices  map[string]*invoice
	nextID    int
	fulfilled [][]byte
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v3/invoices":
		var req struct {
			Reference string  `json:"reference"`
			Invoice   invoice `json:"invoice"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		p.nextID++
		id := fmt.Sprintf("inv_%d", p.nextID)
		inv := req.Invoice
		inv.Status = "active"
		p.invoices[id] = &inv
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": id, "url": "https://pay.example.com/" + id, "status": "active", "reference": req.Reference,
		})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v3/invoices/"):
		id := strings.TrimPrefix(r.URL.Path, "/v3/invoices/")
		inv, ok := p.invoices[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "status": inv.Status, "invoice": inv})
	case r.Method == http.MethodPost && r.URL.Path == fulfillmentPath:
		body, _ := io.ReadAll(r.Body)
		p.fulfilled = append(p.fulfilled, body)
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

func (p *fakeProvider) setStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invoices[id].Status = status
}

func (p *fakeProvider) invoiceAmount(id string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invoices[id].Amount
}

func (p *fakeProvider) fulfillments() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fulfilled)
}

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "checkout",
				"POSTGRES_PASSWORD": "checkout",
				"POSTGRES_DB":       "checkout",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() { _ = container.Terminate(context.Background()) }()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	pool, err := postgres.NewPool(ctx, fmt.Sprintf("postgres://checkout:checkout@%s:%s/checkout?sslmode=disable", host, port.Port()))
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}
	if err := seed(ctx, pool); err != nil {
		log.Fatalf("seed: %v", err)
	}

	provider = &fakeProvider{invoices: map[string]*invoice{}}
	upstream := httptest.NewServer(provider)
	defer upstream.Close()

	cfg := &app.Config{
		PublicBaseURL: "https://shop.example.com",
		APIKeyPepper:  testPepper,
		EffectTimeout: 5 * time.Second,
		Cache:         app.CacheConfig{CouponTTL: time.Second, ProgramTTL: time.Second},
		Crypto: app.CryptoConfig{
			BaseURL:       upstream.URL,
			APIKey:        "crypto-api-key",
			WebhookSecret: cryptoSecret,
			Timeout:       5 * time.Second,
		},
		Fulfillment: app.FulfillmentConfig{URL: upstream.URL + fulfillmentPath, Secret: "fulfill-secret", Timeout: 5 * time.Second},
	}

	lg := zap.NewNop()
	api, err := app.NewAPI(lg, cfg, pool, metricnoop.NewMeterProvider(), tracenoop.NewTracerProvider())
	if err != nil {
		log.Fatalf("new api: %v", err)
	}
	defer api.Close()

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.Start(ctx, time.Second)
	healthSvc.SetReady(true)
	defer healthSvc.Stop()

	mux := chi.NewRouter()
	mux.Get("/livez", healthSvc.LiveEndpoint)
	mux.Get("/readyz", healthSvc.ReadyEndpoint)
	mux.Mount("/", api.Router)

	find := httpmiddleware.MakeRouteFinder(api.Router)
	srv := httptest.NewServer(httpmiddleware.Wrap(mux,
		httpmiddleware.Recovery(),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.LogRequests(find),
	))
	defer srv.Close()

	baseURL = srv.URL
	httpClient = &http.Client{Timeout: 10 * time.Second}

	return m.Run()
}

// seed writes the catalog the tests price against.
func seed(ctx context.Context, pool *pgxpool.Pool) error {
	programs := postgres.NewProgramRepository(pool)
	if err := programs.Upsert(ctx, &program.Program{
		ID:       1,
		Name:     "Two-Step Evaluation",
		Category: program.CategoryEvaluation,
		Currency: "USD",
		Tiers: []program.Tier{
			{ID: "t50k", AccountSize: "50K", Price: 299, ResetFee: 249, ResetFeeFunded: 349},
			{ID: "t100k", AccountSize: "100K", Price: 499, ResetFee: 429, ResetFeeFunded: 549},
		},
	}); err != nil {
		return err
	}

	mappings := postgres.NewMappingRepository(pool)
	for _, m := range []*mapping.Mapping{
		{ProgramID: 1, TierID: "t50k", PlatformID: "mt5", ProductID: 1001, VariationID: 2002, ResetFeeProductID: 1003, ResetFeeVariationID: 2005},
		{ProgramID: 1, TierID: "t100k", PlatformID: "mt5", ProductID: 1001, VariationID: 2007, ResetFeeProductID: 1003, ResetFeeVariationID: 2008},
	} {
		if err := mappings.Upsert(ctx, m); err != nil {
			return err
		}
	}

	coupons := postgres.NewCouponRepository(pool)
	if err := coupons.UpsertMany(ctx, []coupon.Coupon{
		{
			Code:         "WELCOME10",
			DiscountType: coupon.DiscountPercentage,
			Value:        decimal.NewFromInt(10),
			Status:       coupon.StatusActive,
			ValidFrom:    time.Now().Add(-24 * time.Hour),
			Restriction:  coupon.RestrictAll,
		},
		{
			Code:         "EXPIRED",
			DiscountType: coupon.DiscountFixed,
			Value:        decimal.NewFromInt(50),
			Status:       coupon.StatusActive,
			ValidFrom:    time.Now().Add(-48 * time.Hour),
			ValidTo:      ptr(time.Now().Add(-24 * time.Hour)),
			Restriction:  coupon.RestrictAll,
		},
	}); err != nil {
		return err
	}

	keys := postgres.NewAPIKeyRepository(pool)
	authn := auth.NewAuthenticator(keys, []byte(testPepper))
	return keys.Upsert(ctx, auth.APIKeyInfo{
		ID:      "ops",
		KeyHash: authn.Hash(testAPIKey),
		Name:    "Integration ops key",
		Scopes:  []string{auth.ScopeFulfillment},
	})
}

func ptr[T any](v T) *T { return &v }

// HTTP helpers.

func doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, baseURL+path, nil)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}

	return resp
}

func doPost(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	return doPostWithHeaders(t, path, body, nil)
}

func doPostWithHeaders(t *testing.T, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var data []byte
	switch b := body.(type) {
	case nil:
	case []byte:
		data = b
	default:
		var err error
		if data, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, baseURL+path, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}

	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	return v
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
}
