package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/challenge-checkout/internal/domain/auth"
	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		catalogFile  string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&catalogFile, "catalog", "db/seed/catalog.yaml", "path to catalog YAML file")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or CHECKOUT_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("CHECKOUT_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, catalogFile, apiKeyPepper); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, catalogFile, pepper string) error {
	slog.Info("reading catalog file", slog.String("path", catalogFile))

	f, err := os.Open(catalogFile)
	if err != nil {
		return errors.Wrap(err, "open catalog")
	}
	defer func() { _ = f.Close() }()

	c, err := decodeCatalog(f)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedPrograms(ctx, pool, c); err != nil {
		return errors.Wrap(err, "seed programs")
	}
	if err := seedMappings(ctx, pool, c); err != nil {
		return errors.Wrap(err, "seed mappings")
	}
	if err := seedCoupons(ctx, pool, c); err != nil {
		return errors.Wrap(err, "seed coupons")
	}
	if err := seedAPIKeys(ctx, pool, c, pepper); err != nil {
		return errors.Wrap(err, "seed api keys")
	}

	return nil
}

func seedPrograms(ctx context.Context, pool *pgxpool.Pool, c *catalog) error {
	repo := postgres.NewProgramRepository(pool)
	for _, py := range c.Programs {
		p, err := py.toProgram()
		if err != nil {
			return err
		}
		if err := repo.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "upsert program %d", p.ID)
		}

		slog.Info("upserted program",
			slog.Int64("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("tiers", len(p.Tiers)),
		)
	}
	return nil
}

func seedMappings(ctx context.Context, pool *pgxpool.Pool, c *catalog) error {
	repo := postgres.NewMappingRepository(pool)
	for _, my := range c.Mappings {
		m := my.toMapping()
		if err := repo.Upsert(ctx, m); err != nil {
			return errors.Wrapf(err, "upsert mapping %d/%s/%s", m.ProgramID, m.TierID, m.PlatformID)
		}
	}

	slog.Info("upserted mappings", slog.Int("count", len(c.Mappings)))

	return nil
}

func seedCoupons(ctx context.Context, pool *pgxpool.Pool, c *catalog) error {
	coupons := make([]coupon.Coupon, 0, len(c.Coupons))
	for _, cy := range c.Coupons {
		cp, err := cy.toCoupon()
		if err != nil {
			return err
		}
		coupons = append(coupons, cp)
	}
	if len(coupons) == 0 {
		return nil
	}
	if err := postgres.NewCouponRepository(pool).UpsertMany(ctx, coupons); err != nil {
		return err
	}

	slog.Info("upserted coupons", slog.Int("count", len(coupons)))

	return nil
}

func seedAPIKeys(ctx context.Context, pool *pgxpool.Pool, c *catalog, pepper string) error {
	repo := postgres.NewAPIKeyRepository(pool)
	authn := auth.NewAuthenticator(repo, []byte(pepper))
	for _, k := range c.APIKeys {
		key := k.Key
		if key == "" {
			key = os.Getenv("CHECKOUT_SEED_API_KEY")
		}
		if key == "" {
			return errors.Errorf("api key %q has no key: set it in the catalog or CHECKOUT_SEED_API_KEY", k.ID)
		}
		if err := repo.Upsert(ctx, auth.APIKeyInfo{
			ID:      k.ID,
			KeyHash: authn.Hash(key),
			Name:    k.Name,
			Scopes:  k.Scopes,
		}); err != nil {
			return err
		}

		slog.Info("upserted API key", slog.String("id", k.ID), slog.String("name", k.Name))
	}
	return nil
}
