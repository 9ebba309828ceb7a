package handlers

import (
	"net/http"

	"github.com/alextreichler/tradepost/internal/identity"
)

type checkoutRequest struct {
	ProductID    string `json:"product_id"`
	ReferralCode string `json:"referral_code"`
}

// Checkout places an order. The referral code may come in the body or as
// ?ref=, the body wins.
func (a *API) Checkout(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	var req checkoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	code := req.ReferralCode
	if code == "" {
		code = r.URL.Query().Get("ref")
	}
	order, err := a.Orders.Checkout(r.Context(), p, req.ProductID, code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (a *API) ListOrders(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	views, err := a.Orders.ListForUser(r.Context(), p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) CancelOrder(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	order, err := a.Orders.Cancel(r.Context(), p, r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}
