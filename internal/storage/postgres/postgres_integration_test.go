//go:build integration

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/challenge-checkout/internal/domain/auth"
	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/pkg/money"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx := context.Background()

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
		fmt.Fprintf(os.Stderr, "starting postgres: %v\n", err)
		return 1
	}
	defer func() { _ = container.Terminate(ctx) }()

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "container host: %v\n", err)
		return 1
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container port: %v\n", err)
		return 1
	}

	dsn := fmt.Sprintf("postgres://checkout:checkout@%s:%s/checkout?sslmode=disable", host, port.Port())
	testPool, err = NewPool(ctx, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pool: %v\n", err)
		return 1
	}
	defer testPool.Close()

	if err := RunMigrations(ctx, testPool); err != nil {
		fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
		return 1
	}
	return m.Run()
}

func TestProgramRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewProgramRepository(testPool)

	p := &program.Program{
		ID:            1,
		Name:          "Two Step",
		Category:      program.CategoryEvaluation,
		Currency:      "USD",
		ActivationFee: 149,
		Tiers: []program.Tier{
			{ID: "t50", AccountSize: "50K", Price: 149, ResetFee: 79},
			{ID: "t100", AccountSize: "100K", Price: 249, ResetFee: 99, ResetFeeFunded: 129},
		},
	}
	require.NoError(t, repo.Upsert(ctx, p))

	got, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = repo.GetByID(ctx, 999)
	require.ErrorIs(t, err, program.ErrNotFound)
}

func TestMappingRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMappingRepository(testPool)

	m := &mapping.Mapping{
		ProgramID: 1, TierID: "t100", PlatformID: "mt5",
		ProductID: 501, VariationID: 601,
		ResetFeeProductID: 502, ResetFeeVariationID: 602,
		ResetFeeFundedProductID: 503, ResetFeeFundedVariationID: 603,
		ActivationProductID: 504,
	}
	require.NoError(t, repo.Upsert(ctx, m))

	got, err := repo.Find(ctx, 1, "t100", "mt5")
	require.NoError(t, err)
	assert.Equal(t, m, got)

	for _, productID := range []int64{501, 502, 503, 504} {
		got, err := repo.FindByProduct(ctx, productID)
		require.NoError(t, err)
		assert.Equal(t, "t100", got.TierID)
	}

	_, err = repo.Find(ctx, 1, "t100", "ctrader")
	require.ErrorIs(t, err, mapping.ErrNotFound)
	_, err = repo.FindByProduct(ctx, 9999)
	require.ErrorIs(t, err, mapping.ErrNotFound)
}

func TestCouponRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCouponRepository(testPool)
	now := time.Now().UTC().Truncate(time.Microsecond)
	past := now.Add(-24 * time.Hour)

	save := &coupon.Coupon{
		Code:         "Save10",
		DiscountType: coupon.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		Status:       coupon.StatusActive,
		ValidFrom:    past,
		Restriction:  coupon.RestrictWhitelist,
		Programs:     []int64{1, 2},
		MinPurchase:  100,
		SizeOverrides: map[string]decimal.Decimal{
			"100000": decimal.NewFromInt(15),
		},
		MaxUses:   10,
		AutoApply: true,
		Affiliate: coupon.Affiliate{ID: "aff-1"},
	}
	require.NoError(t, repo.Upsert(ctx, save))
	require.NoError(t, repo.UpsertMany(ctx, []coupon.Coupon{
		{Code: "FLAT20", DiscountType: coupon.DiscountFixed, Value: decimal.NewFromInt(20), ValidFrom: past, AutoApply: true, AutoApplyPriority: 5},
		{Code: "LATER", DiscountType: coupon.DiscountFixed, Value: decimal.NewFromInt(5), ValidFrom: now.Add(time.Hour), AutoApply: true},
	}))

	got, err := repo.FindByCode(ctx, "save10")
	require.NoError(t, err)
	assert.Equal(t, "Save10", got.Code)
	assert.True(t, got.Value.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, []int64{1, 2}, got.Programs)
	assert.Equal(t, money.Amount(100), got.MinPurchase)
	assert.True(t, got.SizeOverrides["100000"].Equal(decimal.NewFromInt(15)))
	assert.Equal(t, "aff-1", got.Affiliate.ID)
	assert.Nil(t, got.ValidTo)

	_, err = repo.FindByCode(ctx, "missing")
	require.ErrorIs(t, err, coupon.ErrNotFound)

	auto, err := repo.ListAutoApply(ctx, now)
	require.NoError(t, err)
	var codes []string
	for _, c := range auto {
		codes = append(codes, c.Code)
	}
	assert.Equal(t, []string{"Save10", "FLAT20"}, codes)
}

func newPurchase() *purchase.Purchase {
	p := &purchase.Purchase{
		ID:          uuid.New(),
		ProgramID:   1,
		TierID:      "t100",
		AccountSize: "100K",
		PlatformID:  "mt5",
		Variant:     pricing.VariantOriginal,
		Currency:    "USD",
		BasePrice:   249,
		FinalPrice:  249,
		AddOnValue:  25,
		TotalPrice:  274,
		AddOns: []purchase.AddOn{
			{ID: "profit_split", Percentage: decimal.NewFromInt(10), Amount: 25},
		},
		Status: purchase.StatusPending,
		Customer: purchase.Customer{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "ada@example.com",
			Address:   purchase.Address{City: "London", Country: "GB"},
		},
		PaymentMethod: "card",
	}
	p.Metadata = p.Mirror()
	return p
}

func TestPurchaseRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewPurchaseRepository(testPool)

	first := newPurchase()
	require.NoError(t, repo.Create(ctx, first))
	second := newPurchase()
	require.NoError(t, repo.Create(ctx, second))
	assert.GreaterOrEqual(t, first.OrderNumber, int64(10001))
	assert.Greater(t, second.OrderNumber, first.OrderNumber)

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.TotalPrice, got.TotalPrice)
	assert.Equal(t, first.Customer, got.Customer)
	require.Len(t, got.AddOns, 1)
	assert.True(t, got.AddOns[0].Percentage.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "274", got.Metadata[purchase.MirrorTotalPrice])

	byNumber, err := repo.FindByOrderNumber(ctx, first.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, first.ID, byNumber.ID)

	updated, err := repo.UpdatePending(ctx, first.ID, purchase.PricePatch{
		BasePrice: 249, FinalPrice: 224, TotalPrice: 224, CouponCode: "SAVE10",
		Metadata: purchase.Metadata{purchase.MirrorTotalPrice: "224"},
	})
	require.NoError(t, err)
	assert.Equal(t, money.Amount(224), updated.TotalPrice)
	assert.Empty(t, updated.AddOns)
	assert.Equal(t, "224", updated.Metadata[purchase.MirrorTotalPrice])
	assert.Equal(t, "249", updated.Metadata[purchase.MirrorBasePrice])
	assert.Equal(t, first.PaymentMethod, updated.PaymentMethod)

	updated, err = repo.UpdatePending(ctx, first.ID, purchase.PricePatch{
		BasePrice: 249, FinalPrice: 224, TotalPrice: 224, CouponCode: "SAVE10", PaymentMethod: "crypto",
	})
	require.NoError(t, err)
	assert.Equal(t, "crypto", updated.PaymentMethod)

	require.NoError(t, repo.SetIdentifiers(ctx, first.ID, 501, 601))
	require.NoError(t, repo.MergeMetadata(ctx, first.ID, purchase.Metadata{"gateway.provider": "card"}))

	changed, err := repo.Transition(ctx, first.ID, purchase.StatusPending, purchase.StatusCompleted,
		purchase.Metadata{"gateway.status": "CAPTURED"})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = repo.Transition(ctx, first.ID, purchase.StatusPending, purchase.StatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, purchase.StatusCompleted, got.Status)
	assert.Equal(t, int64(501), got.ProductID)
	assert.Equal(t, "card", got.Metadata["gateway.provider"])
	assert.Equal(t, "CAPTURED", got.Metadata["gateway.status"])

	_, err = repo.UpdatePending(ctx, first.ID, purchase.PricePatch{})
	require.ErrorIs(t, err, purchase.ErrInvalidState)

	counts, err := NewCouponRepository(testPool).CountRedemptions(ctx, "save10", "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, coupon.Usage{Total: 1, ByEmail: 1}, counts)
}

func TestPurchaseRepositoryNotFound(t *testing.T) {
	ctx := context.Background()
	repo := NewPurchaseRepository(testPool)
	missing := uuid.New()

	_, err := repo.Get(ctx, missing)
	require.ErrorIs(t, err, purchase.ErrNotFound)
	_, err = repo.UpdatePending(ctx, missing, purchase.PricePatch{})
	require.ErrorIs(t, err, purchase.ErrNotFound)
	_, err = repo.Transition(ctx, missing, purchase.StatusPending, purchase.StatusCompleted, nil)
	require.ErrorIs(t, err, purchase.ErrNotFound)
	require.ErrorIs(t, repo.MergeMetadata(ctx, missing, nil), purchase.ErrNotFound)
}

func TestPurchaseTransitionConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := NewPurchaseRepository(testPool)
	p := newPurchase()
	require.NoError(t, repo.Create(ctx, p))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changed, err := repo.Transition(ctx, p.ID, purchase.StatusPending, purchase.StatusCompleted, nil)
			assert.NoError(t, err)
			if changed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestAPIKeyRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewAPIKeyRepository(testPool)
	authn := auth.NewAuthenticator(repo, []byte("pepper"))

	require.NoError(t, repo.Upsert(ctx, auth.APIKeyInfo{
		ID: "ops", KeyHash: authn.Hash("secret"), Name: "operators",
		Scopes: []string{auth.ScopeFulfillment},
	}))

	info, err := authn.Authenticate(ctx, "secret", auth.ScopeFulfillment)
	require.NoError(t, err)
	assert.Equal(t, "ops", info.ID)

	_, err = repo.FindByHash(ctx, "deadbeef")
	require.ErrorIs(t, err, auth.ErrNotFound)
}
