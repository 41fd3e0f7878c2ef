// Package handler exposes the checkout HTTP API.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/xenking/challenge-checkout/internal/domain/auth"
	"github.com/xenking/challenge-checkout/internal/domain/checkout"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/domain/reconcile"
	"github.com/xenking/challenge-checkout/internal/gateway"
	"github.com/xenking/challenge-checkout/pkg/httpmiddleware"
)

// MaxWebhookBody bounds webhook request bodies.
const MaxWebhookBody = 1 << 20

// maxRequestBody bounds JSON API request bodies.
const maxRequestBody = 64 << 10

// ReferralCookie carries the affiliate referral code.
const ReferralCookie = "ref"

// Checkout is the customer-facing checkout service.
type Checkout interface {
	CreateSession(ctx context.Context, req checkout.SessionRequest) (*checkout.SessionResult, error)
	UpdatePurchase(ctx context.Context, id uuid.UUID, req checkout.UpdateRequest) (*checkout.UpdateResult, error)
	OpenSession(ctx context.Context, id uuid.UUID, req checkout.OpenSessionRequest) (*checkout.SessionResult, error)
	CreateExternalOrder(ctx context.Context, req checkout.ExternalOrderRequest) (*checkout.ExternalOrderResult, error)
	Get(ctx context.Context, id uuid.UUID) (*purchase.Purchase, error)
}

// Reconciler applies gateway webhooks and operator replays.
type Reconciler interface {
	HandleWebhook(ctx context.Context, provider string, body []byte, signature string) (*reconcile.Result, error)
	ReplayFulfillment(ctx context.Context, id uuid.UUID) (*reconcile.Result, error)
}

// Gateways looks up gateways to find their signature header.
type Gateways interface {
	Lookup(name string) (gateway.Gateway, bool)
}

// Authenticator verifies operator API keys.
type Authenticator interface {
	Authenticate(ctx context.Context, key, scope string) (*auth.APIKeyInfo, error)
}

// Config holds non-dependency handler settings.
type Config struct {
	// ExternalOrderOrigins are the CORS origins allowed to create external
	// orders. Empty allows every origin.
	ExternalOrderOrigins []string
}

// Handler serves the checkout API.
type Handler struct {
	cfg       Config
	checkout  Checkout
	reconcile Reconciler
	gateways  Gateways
	authn     Authenticator
}

// New constructs a Handler.
func New(cfg Config, c Checkout, r Reconciler, gateways Gateways, authn Authenticator) *Handler {
	return &Handler{
		cfg:       cfg,
		checkout:  c,
		reconcile: r,
		gateways:  gateways,
		authn:     authn,
	}
}

// Router returns the /api routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(httpmiddleware.MaxBodySize(maxRequestBody))
			r.Post("/checkout/sessions", h.CreateSession)
			r.Get("/purchases/{id}", h.GetPurchase)
			r.Post("/purchases/{id}", h.UpdatePurchase)
		})

		r.Group(func(r chi.Router) {
			r.Use(
				httpmiddleware.CORS(httpmiddleware.CORSConfig{
					AllowOrigins: h.cfg.ExternalOrderOrigins,
					AllowMethods: []string{http.MethodPost, http.MethodOptions},
					AllowHeaders: []string{"Content-Type"},
					MaxAge:       86400,
				}),
				httpmiddleware.MaxBodySize(maxRequestBody),
			)
			r.Post("/orders/external", h.CreateExternalOrder)
			r.Post("/purchases/{id}/session", h.OpenSession)
			r.Options("/orders/external", preflight)
			r.Options("/purchases/{id}/session", preflight)
		})

		r.With(httpmiddleware.MaxBodySize(MaxWebhookBody)).
			Post("/webhooks/{provider}", h.Webhook)

		r.With(h.requireAPIKey(auth.ScopeFulfillment)).
			Post("/admin/purchases/{id}/fulfillment", h.ReplayFulfillment)
	})

	return r
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func purchaseID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, &checkout.ValidationError{Field: "id", Message: "must be a UUID"}
	}
	return id, nil
}
