package handlers

import (
	"net/http"

	"github.com/alextreichler/tradepost/internal/catalog"
	"github.com/alextreichler/tradepost/internal/identity"
)

type createProductRequest struct {
	StoreID string `json:"store_id"`
	catalog.ProductInput
}

func (a *API) CreateProduct(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	var req createProductRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	product, err := a.Catalog.CreateProduct(r.Context(), p, req.StoreID, req.ProductInput)
	if err != nil {
		writeError(w, r, err)
		return
	}
	// The seller sees the full pools they just uploaded.
	writeJSON(w, http.StatusCreated, product)
}

// GetProduct is public; license key pools are reduced to a count.
func (a *API) GetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.Catalog.GetProduct(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product.Redacted())
}
