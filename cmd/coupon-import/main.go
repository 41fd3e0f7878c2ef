package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/storage/postgres"
)

const (
	bloomFPR      = 0.001
	batchSize     = 1000
	maxLineBytes  = 1 << 20
	progressEvery = 100_000
)

func main() {
	var (
		pattern     string
		databaseURL string
		dryRun      bool
	)

	flag.StringVar(&pattern, "files", "data/coupons-*.ndjson.gz", "glob of gzip NDJSON coupon files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.BoolVar(&dryRun, "dry-run", false, "parse and dedupe without writing")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, pattern, databaseURL, dryRun); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, pattern, databaseURL string, dryRun bool) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return errors.Wrap(err, "glob files")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %q", pattern)
	}
	sort.Strings(files)

	slog.Info("parsing coupon files", slog.Int("files", len(files)))

	parsed, err := parseFiles(ctx, files)
	if err != nil {
		return errors.Wrap(err, "parse files")
	}

	keep, dupes := dedupe(parsed)
	for _, code := range dupes {
		slog.Warn("rejected duplicate coupon code", slog.String("code", code))
	}

	slog.Info("dedupe complete",
		slog.Int("unique", len(keep)),
		slog.Int("duplicate_codes", len(dupes)),
	)

	if dryRun || len(keep) == 0 {
		return nil
	}

	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := postgres.NewCouponRepository(pool)
	for start := 0; start < len(keep); start += batchSize {
		end := min(start+batchSize, len(keep))
		if err := repo.UpsertMany(ctx, keep[start:end]); err != nil {
			return errors.Wrapf(err, "write batch at %d", start)
		}

		slog.Info("write progress", slog.Int("written", end), slog.Int("total", len(keep)))
	}

	return nil
}

// parseFiles decodes every file concurrently. Results keep file order.
func parseFiles(ctx context.Context, files []string) ([][]coupon.Coupon, error) {
	results := make([][]coupon.Coupon, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			var coupons []coupon.Coupon
			if err := streamGzFile(ctx, f, func(c coupon.Coupon) {
				coupons = append(coupons, c)
				if len(coupons)%progressEvery == 0 {
					slog.Info("parse progress", slog.String("file", f), slog.Int("records", len(coupons)))
				}
			}); err != nil {
				return err
			}

			slog.Info("parse complete", slog.String("file", f), slog.Int("records", len(coupons)))

			results[i] = coupons
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// dedupe drops every record whose code occurs more than once across all
// files, ignoring case. A bloom filter selects candidates and an exact count
// over the candidates confirms them. Duplicate codes are returned sorted.
func dedupe(files [][]coupon.Coupon) (keep []coupon.Coupon, dupes []string) {
	var total int
	for _, f := range files {
		total += len(f)
	}
	if total == 0 {
		return nil, nil
	}

	filter := bloom.NewWithEstimates(uint(total), bloomFPR)
	candidates := make(map[string]int)
	for _, f := range files {
		for _, c := range f {
			if filter.TestAndAddString(strings.ToUpper(c.Code)) {
				candidates[strings.ToUpper(c.Code)] = 0
			}
		}
	}

	for _, f := range files {
		for _, c := range f {
			key := strings.ToUpper(c.Code)
			if _, ok := candidates[key]; ok {
				candidates[key]++
			}
		}
	}

	for code, n := range candidates {
		if n > 1 {
			dupes = append(dupes, code)
		}
	}
	sort.Strings(dupes)

	keep = make([]coupon.Coupon, 0, total)
	for _, f := range files {
		for _, c := range f {
			if candidates[strings.ToUpper(c.Code)] > 1 {
				continue
			}
			keep = append(keep, c)
		}
	}
	return keep, dupes
}

// streamGzFile opens a gzip-compressed NDJSON file and calls fn for each
// record. Blank lines are skipped.
func streamGzFile(ctx context.Context, path string, fn func(c coupon.Coupon)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	var line int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++
		b := scanner.Bytes()
		if len(strings.TrimSpace(string(b))) == 0 {
			continue
		}
		c, err := decodeRecord(b)
		if err != nil {
			return errors.Wrapf(err, "%s:%d", path, line)
		}
		fn(c)
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
