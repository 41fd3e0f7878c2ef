package handler

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/challenge-checkout/internal/domain/reconcile"
)

// Webhook handles POST /api/webhooks/{provider}. Every outcome the
// reconciler accepts is acknowledged with 200 so the provider stops
// retrying.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, r, errors.Wrap(err, "read webhook body"))
		return
	}

	var signature string
	if g, ok := h.gateways.Lookup(provider); ok {
		signature = r.Header.Get(g.SignatureHeader())
	}

	res, err := h.reconcile.HandleWebhook(r.Context(), provider, body, signature)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("received", func(e *jx.Encoder) { e.Bool(true) })
			encodeStr(e, "outcome", string(res.Outcome))
		})
	})
}

// ReplayFulfillment handles POST /api/admin/purchases/{id}/fulfillment.
// A failed effect yields 502 with the per-effect results.
func (h *Handler) ReplayFulfillment(w http.ResponseWriter, r *http.Request) {
	id, err := purchaseID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.reconcile.ReplayFulfillment(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Failed() {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, func(e *jx.Encoder) { encodeResult(e, res) })
}

func encodeResult(e *jx.Encoder, res *reconcile.Result) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("success", func(e *jx.Encoder) { e.Bool(!res.Failed()) })
		encodeStr(e, "outcome", string(res.Outcome))
		encodeStr(e, "purchase_id", res.PurchaseID.String())
		encodeStr(e, "status", string(res.Status))
		e.Field("effects", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, eff := range res.Effects {
					e.Obj(func(e *jx.Encoder) {
						encodeStr(e, "name", eff.Name)
						encodeStr(e, "result", eff.Value())
					})
				}
			})
		})
	})
}
