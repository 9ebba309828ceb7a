package handlers

import (
	"net/http"

	"github.com/alextreichler/tradepost/internal/identity"
)

func (a *API) AffiliateStats(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	stats, err := a.Ledger.Stats(r.Context(), p.UserID())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
