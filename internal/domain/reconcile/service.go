// Package reconcile turns payment gateway webhooks into purchase status
// transitions and runs the side effects of each transition.
package reconcile

import (
	"context"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/gateway"
	"github.com/xenking/challenge-checkout/internal/marketing"
)

var (
	// ErrUnknownProvider is returned for webhooks addressed to a gateway
	// that is not configured.
	ErrUnknownProvider = errors.New("unknown payment provider")
	// ErrMalformedCallback is returned when an authenticated body cannot be
	// parsed.
	ErrMalformedCallback = errors.New("malformed callback")
)

// Metadata keys written by reconciliation.
const (
	MetaGatewayStatus    = "gateway.status"
	MetaGatewayPaymentID = "gateway.payment_id"
	MetaWebhookAnomaly   = "webhook.anomaly"
	MetaMirrorRepaired   = "mirror.repaired_from"
)

// Outcome classifies how a webhook was handled. Every outcome is
// acknowledged to the provider.
type Outcome string

const (
	OutcomeTransitioned    Outcome = "transitioned"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeAnomaly         Outcome = "anomaly"
	OutcomeInFlight        Outcome = "in_flight"
	OutcomeUnknownPurchase Outcome = "unknown_purchase"
	OutcomeUnknownStatus   Outcome = "unknown_status"
	OutcomeReplayed        Outcome = "replayed"
)

// Result describes the handling of a webhook or replay.
type Result struct {
	Outcome    Outcome
	PurchaseID uuid.UUID
	Status     purchase.Status
	Effects    []EffectResult
}

// Failed reports whether any effect failed.
func (r *Result) Failed() bool {
	for _, e := range r.Effects {
		if e.Err != nil {
			return true
		}
	}
	return false
}

// Gateways looks up a configured payment gateway.
type Gateways interface {
	Lookup(name string) (gateway.Gateway, bool)
}

// MappingResolver resolves fulfillment identifiers.
type MappingResolver interface {
	Resolve(ctx context.Context, q mapping.Query) (mapping.Identifiers, error)
}

// Notifier delivers the fulfillment notification.
type Notifier interface {
	Notify(ctx context.Context, p *purchase.Purchase) error
}

// Config holds reconciliation settings.
type Config struct {
	// EffectTimeout bounds each side effect.
	EffectTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithMeterProvider sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(s *Service) { s.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracerProvider = tp }
}

// WithClock overrides the clock used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service reconciles webhooks.
type Service struct {
	cfg       Config
	gateways  Gateways
	purchases purchase.Repository
	mappings  MappingResolver
	notifier  Notifier
	tracker   marketing.Tracker
	now       func() time.Time

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	webhooks       metric.Int64Counter
	mismatches     metric.Int64Counter
	effects        metric.Int64Counter
}

// NewService creates a reconciliation Service.
func NewService(
	cfg Config,
	gateways Gateways,
	purchases purchase.Repository,
	mappings MappingResolver,
	notifier Notifier,
	tracker marketing.Tracker,
	opts ...Option,
) (*Service, error) {
	if cfg.EffectTimeout == 0 {
		cfg.EffectTimeout = 10 * time.Second
	}
	s := &Service{
		cfg:            cfg,
		gateways:       gateways,
		purchases:      purchases,
		mappings:       mappings,
		notifier:       notifier,
		tracker:        tracker,
		now:            time.Now,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	const scope = "github.com/xenking/challenge-checkout/internal/domain/reconcile"
	s.tracer = s.tracerProvider.Tracer(scope)
	meter := s.meterProvider.Meter(scope)

	var err error
	if s.webhooks, err = meter.Int64Counter("checkout.webhooks",
		metric.WithDescription("Payment webhooks by provider and outcome"),
	); err != nil {
		return nil, errors.Wrap(err, "create webhooks counter")
	}
	if s.mismatches, err = meter.Int64Counter("checkout.price_mismatch",
		metric.WithDescription("Completed purchases whose mirrored price drifted"),
	); err != nil {
		return nil, errors.Wrap(err, "create price mismatch counter")
	}
	if s.effects, err = meter.Int64Counter("checkout.effects",
		metric.WithDescription("Post-transition side effects by name and result"),
	); err != nil {
		return nil, errors.Wrap(err, "create effects counter")
	}
	return s, nil
}

// HandleWebhook authenticates, verifies and applies a provider webhook.
//
// A nil error means the webhook may be acknowledged, including duplicates,
// anomalies and references to unknown purchases. Errors are returned only
// for authentication, parse, provider and storage failures.
func (s *Service) HandleWebhook(ctx context.Context, provider string, body []byte, signature string) (_ *Result, rerr error) {
	ctx, span := s.tracer.Start(ctx, "reconcile.HandleWebhook",
		trace.WithAttributes(attribute.String("provider", provider)),
	)
	var res *Result
	defer func() {
		outcome := "error"
		if res != nil {
			outcome = string(res.Outcome)
		}
		if rerr != nil {
			span.RecordError(rerr)
			span.SetStatus(codes.Error, rerr.Error())
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		s.webhooks.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		))
		span.End()
	}()

	gw, ok := s.gateways.Lookup(provider)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProvider, "provider %q", provider)
	}
	if !gw.VerifyCallback(body, signature) {
		return nil, gateway.ErrSignatureInvalid
	}
	cb, err := gw.ParseCallback(body)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCallback, err.Error())
	}

	lg := zctx.From(ctx).With(
		zap.String("provider", provider),
		zap.String("reference", cb.Reference),
		zap.String("payment_id", cb.PaymentID),
	)

	pay, err := gw.FetchAuthoritative(ctx, cb.PaymentID)
	if err != nil {
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) {
			err = &gateway.Error{Provider: provider, Op: "fetch status", Err: err}
		}
		return nil, err
	}
	authoritative := pay.Status
	if !strings.EqualFold(authoritative, cb.Status) {
		lg.Warn("Webhook status disagrees with provider, using provider status",
			zap.String("claimed", cb.Status),
			zap.String("authoritative", authoritative),
		)
	}

	target, known := gw.MapStatus(authoritative)
	if !known {
		lg.Warn("Unknown provider status, acknowledging", zap.String("status", authoritative))
		res = &Result{Outcome: OutcomeUnknownStatus}
		return res, nil
	}

	p, err := s.findPurchase(ctx, cb.Reference)
	if err != nil {
		if errors.Is(err, purchase.ErrNotFound) {
			lg.Warn("Webhook for unknown purchase, acknowledging")
			res = &Result{Outcome: OutcomeUnknownPurchase}
			return res, nil
		}
		return nil, errors.Wrap(err, "get purchase")
	}
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}
	lg = lg.With(zap.Stringer("purchase_id", p.ID), zap.Int64("order_number", p.OrderNumber))
	ctx = zctx.Base(ctx, lg)

	bookkeeping := purchase.Metadata{
		MetaGatewayStatus:    authoritative,
		MetaGatewayPaymentID: cb.PaymentID,
	}

	switch {
	case target == purchase.StatusPending:
		if p.Status == purchase.StatusPending {
			if err := s.purchases.MergeMetadata(ctx, p.ID, bookkeeping); err != nil {
				return nil, errors.Wrap(err, "store in-flight status")
			}
		}
		lg.Info("In-flight payment status recorded", zap.String("status", authoritative))
		res = &Result{Outcome: OutcomeInFlight, PurchaseID: p.ID, Status: p.Status}
		return res, nil

	case p.Status == target:
		lg.Info("Duplicate webhook ignored", zap.String("status", string(target)))
		res = &Result{Outcome: OutcomeDuplicate, PurchaseID: p.ID, Status: p.Status}
		return res, nil

	case p.Status.Terminal():
		res, err = s.anomaly(ctx, p, target, authoritative)
		return res, err

	case target == purchase.StatusCompleted && !pay.Settles(p.TotalPrice, p.Currency):
		res = s.amountMismatch(ctx, p, pay, bookkeeping)
		return res, nil
	}

	changed, err := s.purchases.Transition(ctx, p.ID, purchase.StatusPending, target, bookkeeping)
	if err != nil {
		return nil, errors.Wrap(err, "transition purchase")
	}
	if !changed {
		// A concurrent delivery won the transition.
		current, err := s.purchases.Get(ctx, p.ID)
		if err != nil {
			return nil, errors.Wrap(err, "reload purchase")
		}
		if current.Status == target {
			lg.Info("Concurrent duplicate webhook ignored")
			res = &Result{Outcome: OutcomeDuplicate, PurchaseID: p.ID, Status: current.Status}
			return res, nil
		}
		res, err = s.anomaly(ctx, current, target, authoritative)
		return res, err
	}

	p.Status = target
	for k, v := range bookkeeping {
		p.Metadata[k] = v
	}
	lg.Info("Purchase transitioned", zap.String("status", string(target)))

	results := s.apply(context.WithoutCancel(ctx), p, s.effectsFor(target))
	res = &Result{Outcome: OutcomeTransitioned, PurchaseID: p.ID, Status: target, Effects: results}
	return res, nil
}

// ReplayFulfillment re-runs mapping resolution and the fulfillment
// notification for a completed purchase.
func (s *Service) ReplayFulfillment(ctx context.Context, id uuid.UUID) (*Result, error) {
	p, err := s.purchases.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get purchase")
	}
	if p.Status != purchase.StatusCompleted {
		return nil, errors.Wrapf(purchase.ErrInvalidState, "purchase %s is %s", p.ID, p.Status)
	}
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}

	lg := zctx.From(ctx).With(zap.Stringer("purchase_id", p.ID), zap.Int64("order_number", p.OrderNumber))
	lg.Info("Replaying fulfillment")

	results := s.apply(zctx.Base(ctx, lg), p, []Effect{
		{Name: "mapping", Run: s.resolveMapping},
		{Name: "fulfillment", Run: s.notify},
	})
	return &Result{Outcome: OutcomeReplayed, PurchaseID: p.ID, Status: p.Status, Effects: results}, nil
}

func (s *Service) findPurchase(ctx context.Context, reference string) (*purchase.Purchase, error) {
	if id, err := uuid.Parse(reference); err == nil {
		return s.purchases.Get(ctx, id)
	}
	if n, err := strconv.ParseInt(reference, 10, 64); err == nil {
		return s.purchases.FindByOrderNumber(ctx, n)
	}
	return nil, purchase.ErrNotFound
}

// anomaly records a webhook that conflicts with a terminal purchase. The
// purchase status is never changed.
func (s *Service) anomaly(ctx context.Context, p *purchase.Purchase, claimed purchase.Status, providerStatus string) (*Result, error) {
	zctx.From(ctx).Warn("Webhook conflicts with terminal purchase",
		zap.String("current", string(p.Status)),
		zap.String("claimed", string(claimed)),
		zap.String("provider_status", providerStatus),
	)
	if err := s.purchases.MergeMetadata(ctx, p.ID, purchase.Metadata{
		MetaWebhookAnomaly: string(claimed) + " on " + string(p.Status),
	}); err != nil {
		zctx.From(ctx).Warn("Failed to record webhook anomaly", zap.Error(err))
	}
	return &Result{Outcome: OutcomeAnomaly, PurchaseID: p.ID, Status: p.Status}, nil
}

// amountMismatch records a payment whose settled amount differs from the
// purchase total, e.g. a session opened before the purchase was edited. The
// purchase stays pending and nothing is fulfilled.
func (s *Service) amountMismatch(ctx context.Context, p *purchase.Purchase, pay *gateway.Payment, bookkeeping purchase.Metadata) *Result {
	lg := zctx.From(ctx)
	lg.Warn("Paid amount does not match purchase total",
		zap.String("paid", pay.Amount.StringFixed(2)),
		zap.String("paid_currency", pay.Currency),
		zap.Int64("total", int64(p.TotalPrice)),
		zap.String("currency", p.Currency),
	)
	meta := maps.Clone(bookkeeping)
	meta[MetaWebhookAnomaly] = "amount mismatch: paid " + strings.TrimSpace(pay.Amount.StringFixed(2)+" "+pay.Currency) +
		", expected " + p.TotalPrice.String() + " " + p.Currency
	if err := s.purchases.MergeMetadata(ctx, p.ID, meta); err != nil {
		lg.Warn("Failed to record amount mismatch", zap.Error(err))
	}
	return &Result{Outcome: OutcomeAnomaly, PurchaseID: p.ID, Status: p.Status}
}

func (s *Service) effectsFor(status purchase.Status) []Effect {
	switch status {
	case purchase.StatusCompleted:
		return []Effect{
			{Name: "price_mirror", Run: s.checkPriceMirror},
			{Name: "mapping", Run: s.resolveMapping},
			{Name: "fulfillment", Run: s.notify},
			{Name: "marketing.purchase_completed", Run: s.track(marketing.EventPurchaseCompleted)},
			{Name: "marketing.order_placed", Run: s.track(marketing.EventOrderPlaced)},
		}
	case purchase.StatusFailed, purchase.StatusCancelled:
		return []Effect{
			{Name: "marketing.payment_declined", Run: s.track(marketing.EventPaymentDeclined)},
		}
	default:
		return nil
	}
}

// apply runs effects and records their outcomes on the purchase.
func (s *Service) apply(ctx context.Context, p *purchase.Purchase, effects []Effect) []EffectResult {
	lg := zctx.From(ctx)
	results := runEffects(ctx, p, s.cfg.EffectTimeout, effects)
	for _, r := range results {
		ok := r.Err == nil
		if !ok {
			lg.Error("Side effect failed", zap.String("effect", r.Name), zap.Error(r.Err))
		}
		s.effects.Add(ctx, 1, metric.WithAttributes(
			attribute.String("effect", r.Name),
			attribute.Bool("ok", ok),
		))
	}

	meta := effectMetadata(results)
	if err := s.purchases.MergeMetadata(ctx, p.ID, meta); err != nil {
		lg.Error("Failed to record side effect outcomes", zap.Error(err))
	}
	for k, v := range meta {
		p.Metadata[k] = v
	}
	return results
}

// checkPriceMirror compares the mirrored total with the root total and
// rewrites the mirror from the root fields on drift.
func (s *Service) checkPriceMirror(ctx context.Context, p *purchase.Purchase) error {
	mirrored, mismatch := p.MirrorMismatch()
	if !mismatch {
		return nil
	}
	s.mismatches.Add(ctx, 1)
	zctx.From(ctx).Warn("Price mirror mismatch, repairing from root fields",
		zap.String("mirrored_total", mirrored),
		zap.Int64("total", int64(p.TotalPrice)),
	)

	repair := p.Mirror()
	repair[MetaMirrorRepaired] = mirrored
	if err := s.purchases.MergeMetadata(ctx, p.ID, repair); err != nil {
		return errors.Wrap(err, "repair mirror")
	}
	for k, v := range repair {
		p.Metadata[k] = v
	}
	return nil
}

func (s *Service) resolveMapping(ctx context.Context, p *purchase.Purchase) error {
	if p.Resolved() {
		return nil
	}
	ids, err := s.mappings.Resolve(ctx, mapping.Query{
		ProgramID:    p.ProgramID,
		TierID:       p.TierID,
		AccountSize:  p.AccountSize,
		PlatformID:   p.PlatformID,
		Variant:      p.Variant,
		ResetSubtype: p.ResetSubtype,
	})
	if err != nil {
		return err
	}
	if err := s.purchases.SetIdentifiers(ctx, p.ID, ids.ProductID, ids.VariationID); err != nil {
		return errors.Wrap(err, "persist identifiers")
	}
	p.ProductID, p.VariationID = ids.ProductID, ids.VariationID
	return nil
}

func (s *Service) notify(ctx context.Context, p *purchase.Purchase) error {
	return s.notifier.Notify(ctx, p)
}

func (s *Service) track(t marketing.EventType) func(context.Context, *purchase.Purchase) error {
	return func(ctx context.Context, p *purchase.Purchase) error {
		return s.tracker.Track(ctx, marketing.NewEvent(t, p, s.now()))
	}
}
