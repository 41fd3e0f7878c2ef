package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/challenge-checkout/internal/domain/checkout"
)

// CreateSession handles POST /api/checkout/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSessionRequest(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.ReferralCode == "" {
		if c, err := r.Cookie(ReferralCookie); err == nil {
			req.ReferralCode = c.Value
		}
	}

	res, err := h.checkout.CreateSession(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSession(w, res)
}

// OpenSession handles POST /api/purchases/{id}/session.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	id, err := purchaseID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeOpenSessionRequest(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.checkout.OpenSession(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSession(w, res)
}

func writeSession(w http.ResponseWriter, res *checkout.SessionResult) {
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
			encodeStr(e, "session_token", res.Session.Token)
			if res.Session.RedirectURL != "" {
				encodeStr(e, "redirect_url", res.Session.RedirectURL)
			}
			e.Field("purchase", func(e *jx.Encoder) { encodePurchaseRef(e, res.Purchase) })
			e.Field("price", func(e *jx.Encoder) { encodeBreakdown(e, res.Breakdown) })
		})
	})
}

// UpdatePurchase handles POST /api/purchases/{id}.
func (h *Handler) UpdatePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := purchaseID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeUpdateRequest(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.checkout.UpdatePurchase(r.Context(), id, req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
			if s := res.Session; s != nil {
				encodeStr(e, "session_token", s.Token)
				if s.RedirectURL != "" {
					encodeStr(e, "redirect_url", s.RedirectURL)
				}
			}
			e.Field("purchase", func(e *jx.Encoder) { encodePurchase(e, res.Purchase) })
			e.Field("price", func(e *jx.Encoder) { encodeBreakdown(e, res.Breakdown) })
		})
	})
}

// GetPurchase handles GET /api/purchases/{id}.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, err := purchaseID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	p, err := h.checkout.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePurchase(e, p) })
}

// CreateExternalOrder handles POST /api/orders/external.
func (h *Handler) CreateExternalOrder(w http.ResponseWriter, r *http.Request) {
	req, err := decodeExternalOrderRequest(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.checkout.CreateExternalOrder(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		e.Obj(func(e *jx.Encoder) {
			e.Field("success", func(e *jx.Encoder) { e.Bool(true) })
			encodeStr(e, "order_id", res.Purchase.ID.String())
			e.Field("order_number", func(e *jx.Encoder) { e.Int64(res.Purchase.OrderNumber) })
			encodeStr(e, "payment_url", res.PaymentURL)
		})
	})
}
