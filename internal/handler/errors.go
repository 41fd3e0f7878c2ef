package handler

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/challenge-checkout/internal/domain/auth"
	"github.com/xenking/challenge-checkout/internal/domain/checkout"
	"github.com/xenking/challenge-checkout/internal/domain/coupon"
	"github.com/xenking/challenge-checkout/internal/domain/mapping"
	"github.com/xenking/challenge-checkout/internal/domain/pricing"
	"github.com/xenking/challenge-checkout/internal/domain/program"
	"github.com/xenking/challenge-checkout/internal/domain/purchase"
	"github.com/xenking/challenge-checkout/internal/domain/reconcile"
	"github.com/xenking/challenge-checkout/internal/gateway"
)

// errMalformedJSON wraps request body decoding failures.
var errMalformedJSON = errors.New("malformed request body")

// apiError is the error response body.
type apiError struct {
	status  int
	message string
	details string
}

// classify maps domain errors to HTTP responses. Internal errors keep their
// text out of the response.
func classify(err error) apiError {
	var (
		validation *checkout.ValidationError
		ineligible *coupon.IneligibleError
		tier       *program.TierNotFoundError
		upstream   *gateway.Error
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		return apiError{http.StatusBadRequest, "validation failed", validation.Error()}
	case errors.As(err, &tooLarge):
		return apiError{http.StatusRequestEntityTooLarge, "request body too large", ""}
	case errors.Is(err, errMalformedJSON), errors.Is(err, pricing.ErrInvalidInput):
		return apiError{http.StatusBadRequest, "invalid request", err.Error()}
	case errors.As(err, &ineligible):
		return apiError{http.StatusUnprocessableEntity, ineligible.Message, string(ineligible.Reason)}
	case errors.As(err, &tier):
		return apiError{http.StatusUnprocessableEntity, "pricing tier not found", tier.Error()}
	case errors.Is(err, pricing.ErrPriceUnavailable):
		return apiError{http.StatusUnprocessableEntity, "price unavailable", err.Error()}
	case errors.Is(err, program.ErrNotFound):
		return apiError{http.StatusUnprocessableEntity, "program not found", ""}
	case errors.Is(err, mapping.ErrUnresolved):
		return apiError{http.StatusUnprocessableEntity, "product mapping unresolved", err.Error()}
	case errors.Is(err, purchase.ErrNotFound):
		return apiError{http.StatusNotFound, "purchase not found", ""}
	case errors.Is(err, purchase.ErrInvalidState):
		return apiError{http.StatusConflict, "purchase is not in a valid state for this operation", err.Error()}
	case errors.Is(err, gateway.ErrSignatureInvalid), errors.Is(err, auth.ErrUnauthorized):
		return apiError{http.StatusUnauthorized, "unauthorized", ""}
	case errors.Is(err, reconcile.ErrUnknownProvider):
		return apiError{http.StatusNotFound, "unknown payment provider", ""}
	case errors.Is(err, reconcile.ErrMalformedCallback):
		return apiError{http.StatusBadRequest, "malformed callback", ""}
	case errors.As(err, &upstream):
		return apiError{http.StatusBadGateway, "payment provider unavailable", upstream.Provider}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, "upstream timeout", ""}
	default:
		return apiError{http.StatusInternalServerError, "internal server error", ""}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)

	lg := zctx.From(r.Context())
	switch {
	case e.status >= http.StatusInternalServerError:
		lg.Error("Request failed", zap.Int("status", e.status), zap.Error(err))
	case e.status == http.StatusUnauthorized:
		lg.Warn("Unauthorized request", zap.Error(err))
	default:
		lg.Debug("Request rejected", zap.Int("status", e.status), zap.Error(err))
	}

	writeJSON(w, e.status, func(enc *jx.Encoder) {
		enc.Obj(func(enc *jx.Encoder) {
			enc.Field("error", func(enc *jx.Encoder) { enc.Str(e.message) })
			if e.details != "" {
				enc.Field("details", func(enc *jx.Encoder) { enc.Str(e.details) })
			}
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
