package checkout

import (
	"context"
	"maps"
	"net/url"
	"strings"

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
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/gateway"
	"github.com/xenking/challenge-checkout/pkg/money"
)

// Config holds checkout settings.
type Config struct {
	// PublicBaseURL is the externally reachable base of this system, used to
	// build payment links for externally-initiated orders.
	PublicBaseURL string
	// AutoApplyCoupons enables auto-apply coupon selection.
	AutoApplyCoupons bool
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

// Service implements checkout operations.
type Service struct {
	cfg       Config
	calc      PriceCalculator
	purchases purchase.Repository
	mappings  MappingResolver
	gateways  Gateways

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	sessions       metric.Int64Counter
}

// NewService creates a checkout Service.
func NewService(
	cfg Config,
	calc PriceCalculator,
	purchases purchase.Repository,
	mappings MappingResolver,
	gateways Gateways,
	opts ...Option,
) (*Service, error) {
	s := &Service{
		cfg:            cfg,
		calc:           calc,
		purchases:      purchases,
		mappings:       mappings,
		gateways:       gateways,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}

	const scope = "github.com/xenking/challenge-checkout/internal/domain/checkout"
	s.tracer = s.tracerProvider.Tracer(scope)

	var err error
	s.sessions, err = s.meterProvider.Meter(scope).Int64Counter("checkout.sessions",
		metric.WithDescription("Checkout session creation attempts"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create sessions counter")
	}
	return s, nil
}

// CreateSession prices the request, creates a pending purchase and opens a
// hosted payment session for it.
func (s *Service) CreateSession(ctx context.Context, req SessionRequest) (_ *SessionResult, rerr error) {
	req.normalize()

	ctx, span := s.tracer.Start(ctx, "checkout.CreateSession",
		trace.WithAttributes(
			attribute.Int64("program_id", req.ProgramID),
			attribute.String("variant", string(req.Variant)),
			attribute.String("payment_method", req.PaymentMethod),
		),
	)
	defer func() { s.endSession(ctx, span, req.Variant, rerr) }()

	if err := req.validate(); err != nil {
		return nil, err
	}
	gw, ok := s.gateways.Lookup(req.PaymentMethod)
	if !ok {
		return nil, invalid("payment_method", "unsupported payment method")
	}

	b, err := s.calc.Compute(ctx, pricing.Input{
		ProgramID:    req.ProgramID,
		AccountSize:  req.AccountSize,
		TierID:       req.TierID,
		Variant:      req.Variant,
		ResetSubtype: req.ResetSubtype,
		AddOns:       req.AddOns,
		CouponCode:   req.CouponCode,
		Email:        req.Customer.Email,
		AutoApply:    s.cfg.AutoApplyCoupons,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compute price")
	}

	lg := zctx.From(ctx)
	p := &purchase.Purchase{
		ID:                 newPurchaseID(),
		ProgramID:          req.ProgramID,
		PlatformID:         req.PlatformID,
		Variant:            req.Variant,
		ResetSubtype:       req.ResetSubtype,
		Status:             purchase.StatusPending,
		Customer:           req.Customer,
		PaymentMethod:      gw.Name(),
		ExternalAccountRef: strings.TrimSpace(req.ExternalAccountRef),
		Metadata:           purchase.Metadata{MetaSource: "checkout"},
	}
	if req.ReferralCode != "" {
		p.Metadata[purchase.MetaReferral] = req.ReferralCode
	}
	p.ApplyBreakdown(b)
	s.flagClientTotal(ctx, p, req.ClientTotal)

	if err := s.purchases.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create purchase")
	}
	lg = lg.With(zap.Stringer("purchase_id", p.ID), zap.Int64("order_number", p.OrderNumber))
	ctx = zctx.Base(ctx, lg)
	span.SetAttributes(attribute.Int64("order_number", p.OrderNumber))

	s.resolveMapping(ctx, p)

	session, err := s.openSession(ctx, gw, p)
	if err != nil {
		s.failSession(ctx, p, err)
		return nil, err
	}

	lg.Info("Checkout session created",
		zap.String("gateway", gw.Name()),
		zap.Int64("total", int64(p.TotalPrice)),
		zap.String("coupon", p.CouponCode),
	)
	return &SessionResult{Purchase: p, Session: session, Breakdown: b}, nil
}

// OpenSession opens a hosted payment session for an existing pending
// purchase, such as an externally-initiated order. The price is recomputed
// from reference data before the session is opened.
func (s *Service) OpenSession(ctx context.Context, id uuid.UUID, req OpenSessionRequest) (_ *SessionResult, rerr error) {
	req.PaymentMethod = strings.TrimSpace(req.PaymentMethod)

	ctx, span := s.tracer.Start(ctx, "checkout.OpenSession",
		trace.WithAttributes(
			attribute.String("purchase_id", id.String()),
			attribute.String("payment_method", req.PaymentMethod),
		),
	)
	var variant pricing.Variant
	defer func() { s.endSession(ctx, span, variant, rerr) }()

	gw, ok := s.gateways.Lookup(req.PaymentMethod)
	if !ok {
		return nil, invalid("payment_method", "unsupported payment method")
	}

	p, err := s.purchases.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get purchase")
	}
	variant = p.Variant
	if p.Status != purchase.StatusPending {
		return nil, errors.Wrapf(purchase.ErrInvalidState, "purchase %s is %s", p.ID, p.Status)
	}

	in := p.PricingInput()
	in.AutoApply = s.cfg.AutoApplyCoupons
	b, err := s.calc.Compute(ctx, in)
	if err != nil {
		return nil, errors.Wrap(err, "compute price")
	}
	p.PaymentMethod = gw.Name()
	p.ApplyBreakdown(b)

	patch := p.Patch()
	if s.flagClientTotal(ctx, p, req.ClientTotal) {
		patch.Metadata[MetaClientTotal] = p.Metadata[MetaClientTotal]
	}
	updated, err := s.purchases.UpdatePending(ctx, p.ID, patch)
	if err != nil {
		return nil, errors.Wrap(err, "update purchase")
	}
	p = updated
	if p.Metadata == nil {
		p.Metadata = purchase.Metadata{}
	}

	lg := zctx.From(ctx).With(zap.Stringer("purchase_id", p.ID), zap.Int64("order_number", p.OrderNumber))
	ctx = zctx.Base(ctx, lg)
	span.SetAttributes(attribute.Int64("order_number", p.OrderNumber))

	if !p.Resolved() {
		s.resolveMapping(ctx, p)
	}

	session, err := s.openSession(ctx, gw, p)
	if err != nil {
		s.failSession(ctx, p, err)
		return nil, err
	}

	lg.Info("Checkout session opened for existing purchase",
		zap.String("gateway", gw.Name()),
		zap.Int64("total", int64(p.TotalPrice)),
	)
	return &SessionResult{Purchase: p, Session: session, Breakdown: b}, nil
}

func (s *Service) endSession(ctx context.Context, span trace.Span, variant pricing.Variant, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.sessions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("variant", string(variant)),
		attribute.String("result", result),
	))
	span.End()
}

// flagClientTotal logs a client-displayed total that disagrees with the
// computed one and records it in p.Metadata. It reports whether it did.
func (s *Service) flagClientTotal(ctx context.Context, p *purchase.Purchase, clientTotal *money.Amount) bool {
	if clientTotal == nil || *clientTotal == p.TotalPrice {
		return false
	}
	zctx.From(ctx).Warn("Price manipulation detected",
		zap.Int64("client_total", int64(*clientTotal)),
		zap.Int64("server_total", int64(p.TotalPrice)),
		zap.Int64("program_id", p.ProgramID),
		zap.String("email", p.Customer.Email),
	)
	p.Metadata[MetaClientTotal] = money.Format(*clientTotal)
	return true
}

// openSession opens a hosted session locked to the current total of p and
// records the provider reference on the purchase.
func (s *Service) openSession(ctx context.Context, gw gateway.Gateway, p *purchase.Purchase) (*gateway.Session, error) {
	session, err := gw.CreateSession(ctx, p)
	if err != nil {
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) {
			err = &gateway.Error{Provider: gw.Name(), Op: "create session", Err: err}
		}
		return nil, err
	}

	meta := purchase.Metadata{
		MetaGatewayProvider: gw.Name(),
		MetaGatewayOrderID:  session.ProviderOrderID,
	}
	if err := s.purchases.MergeMetadata(ctx, p.ID, meta); err != nil {
		zctx.From(ctx).Warn("Failed to store gateway reference", zap.Error(err))
	}
	maps.Copy(p.Metadata, meta)
	return session, nil
}

// failSession marks p failed after a gateway error, unless the caller went
// away, in which case p stays pending for later reconciliation.
func (s *Service) failSession(ctx context.Context, p *purchase.Purchase, cause error) {
	lg := zctx.From(ctx)
	if ctx.Err() != nil {
		lg.Warn("Checkout cancelled after purchase creation, purchase left pending", zap.Error(cause))
		return
	}
	s.markFailed(context.WithoutCancel(ctx), lg, p, cause)
}

// resolveMapping persists fulfillment identifiers when they can be resolved.
// Failures are logged and flagged in metadata only.
func (s *Service) resolveMapping(ctx context.Context, p *purchase.Purchase) {
	lg := zctx.From(ctx)
	ids, err := s.mappings.Resolve(ctx, mapping.Query{
		ProgramID:    p.ProgramID,
		TierID:       p.TierID,
		AccountSize:  p.AccountSize,
		PlatformID:   p.PlatformID,
		Variant:      p.Variant,
		ResetSubtype: p.ResetSubtype,
	})
	if err != nil {
		if errors.Is(err, mapping.ErrUnresolved) {
			lg.Warn("Mapping unresolved", zap.Error(err))
			if err := s.purchases.MergeMetadata(ctx, p.ID, purchase.Metadata{MetaMappingStatus: "unresolved"}); err != nil {
				lg.Warn("Failed to flag unresolved mapping", zap.Error(err))
			}
			p.Metadata[MetaMappingStatus] = "unresolved"
			return
		}
		lg.Error("Mapping lookup failed", zap.Error(err))
		return
	}
	if err := s.purchases.SetIdentifiers(ctx, p.ID, ids.ProductID, ids.VariationID); err != nil {
		lg.Error("Failed to persist mapping", zap.Error(err))
		return
	}
	p.ProductID, p.VariationID = ids.ProductID, ids.VariationID
}

func (s *Service) markFailed(ctx context.Context, lg *zap.Logger, p *purchase.Purchase, cause error) {
	ok, err := s.purchases.Transition(ctx, p.ID, purchase.StatusPending, purchase.StatusFailed,
		purchase.Metadata{MetaGatewayError: cause.Error()})
	switch {
	case err != nil:
		lg.Error("Failed to mark purchase failed", zap.Error(err), zap.NamedError("cause", cause))
	case ok:
		p.Status = purchase.StatusFailed
		lg.Warn("Gateway session failed, purchase marked failed", zap.Error(cause))
	default:
		lg.Warn("Gateway session failed, purchase already left pending", zap.Error(cause))
	}
}

// UpdatePurchase replaces the add-ons and coupon of a pending purchase. The
// price is recomputed from reference data for the stored variant, with the
// same auto-apply rules as checkout. A hosted session opened earlier is
// locked to the old total, so a new one is opened at the new total.
func (s *Service) UpdatePurchase(ctx context.Context, id uuid.UUID, req UpdateRequest) (*UpdateResult, error) {
	for _, a := range req.AddOns {
		if a.ID == "" || a.Percentage.IsNegative() {
			return nil, invalid("add_ons", "add-on id and non-negative percentage are required")
		}
	}

	p, err := s.purchases.Get(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get purchase")
	}
	if p.Status != purchase.StatusPending {
		return nil, errors.Wrapf(purchase.ErrInvalidState, "purchase %s is %s", p.ID, p.Status)
	}

	in := p.PricingInput()
	in.AddOns = req.AddOns
	in.CouponCode = ""
	if req.CouponCode != nil {
		in.CouponCode = strings.TrimSpace(*req.CouponCode)
	}
	in.AutoApply = s.cfg.AutoApplyCoupons

	b, err := s.calc.Compute(ctx, in)
	if err != nil {
		return nil, errors.Wrap(err, "compute price")
	}
	p.ApplyBreakdown(b)

	updated, err := s.purchases.UpdatePending(ctx, p.ID, p.Patch())
	if err != nil {
		return nil, errors.Wrap(err, "update purchase")
	}
	if updated.Metadata == nil {
		updated.Metadata = purchase.Metadata{}
	}

	lg := zctx.From(ctx).With(zap.Stringer("purchase_id", p.ID), zap.Int64("order_number", p.OrderNumber))
	res := &UpdateResult{Purchase: updated, Breakdown: b}
	if updated.Metadata[MetaGatewayOrderID] != "" {
		gw, ok := s.gateways.Lookup(updated.PaymentMethod)
		if !ok {
			return nil, &gateway.Error{Provider: updated.PaymentMethod, Op: "create session", Err: errors.New("gateway not configured")}
		}
		session, err := s.openSession(zctx.Base(ctx, lg), gw, updated)
		if err != nil {
			lg.Warn("Failed to reopen payment session after update", zap.Error(err))
			return nil, err
		}
		res.Session = session
	}

	lg.Info("Purchase updated",
		zap.Int64("total", int64(b.TotalPrice)),
		zap.String("coupon", updated.CouponCode),
		zap.Bool("session_reopened", res.Session != nil),
	)
	return res, nil
}

// CreateExternalOrder creates a pending purchase for an external product id
// and returns a payment link into this system's checkout-completion page.
func (s *Service) CreateExternalOrder(ctx context.Context, req ExternalOrderRequest) (*ExternalOrderResult, error) {
	req.Customer.Email = strings.TrimSpace(req.Customer.Email)
	req.AccountRef = strings.TrimSpace(req.AccountRef)
	if req.ProductID <= 0 {
		return nil, invalid("product_id", "is required")
	}
	if err := validateCustomer(req.Customer); err != nil {
		return nil, err
	}

	match, err := s.mappings.ResolveProduct(ctx, req.ProductID)
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			return nil, invalid("product_id", "unknown product")
		}
		return nil, errors.Wrap(err, "resolve product")
	}
	if match.Variant != pricing.VariantOriginal && req.AccountRef == "" {
		return nil, invalid("account_ref", "is required for reset and activation orders")
	}

	b, err := s.calc.Compute(ctx, pricing.Input{
		ProgramID:    match.Mapping.ProgramID,
		TierID:       match.Mapping.TierID,
		Variant:      match.Variant,
		ResetSubtype: match.ResetSubtype,
		Email:        req.Customer.Email,
	})
	if err != nil {
		return nil, errors.Wrap(err, "compute price")
	}

	p := &purchase.Purchase{
		ID:                 newPurchaseID(),
		ProgramID:          match.Mapping.ProgramID,
		PlatformID:         match.Mapping.PlatformID,
		Variant:            match.Variant,
		ResetSubtype:       match.ResetSubtype,
		Status:             purchase.StatusPending,
		Customer:           req.Customer,
		ExternalAccountRef: req.AccountRef,
		ProductID:          match.Identifiers.ProductID,
		VariationID:        match.Identifiers.VariationID,
		Metadata:           purchase.Metadata{MetaSource: "external"},
	}
	p.ApplyBreakdown(b)

	if err := s.purchases.Create(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create purchase")
	}

	zctx.From(ctx).Info("External order created",
		zap.Stringer("purchase_id", p.ID),
		zap.Int64("order_number", p.OrderNumber),
		zap.Int64("product_id", req.ProductID),
	)
	return &ExternalOrderResult{Purchase: p, PaymentURL: s.paymentURL(p.ID)}, nil
}

func (s *Service) paymentURL(id uuid.UUID) string {
	return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/checkout/complete?order=" + url.QueryEscape(id.String())
}

// Get returns a purchase by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*purchase.Purchase, error) {
	return s.purchases.Get(ctx, id)
}
