package handlers

import (
	"net/http"

	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/catalog"
	"github.com/alextreichler/tradepost/internal/identity"
)

func (a *API) CreateStore(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	var in catalog.StoreInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := a.Catalog.CreateStore(r.Context(), p, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (a *API) MyStore(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	st, err := a.Catalog.GetStoreByOwner(r.Context(), p.UserID())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) UpdateStore(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	var in catalog.StoreInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	st, err := a.Catalog.UpdateStore(r.Context(), p, r.PathValue("id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// UploadBanner takes a multipart form with the image in the "image" field.
func (a *API) UploadBanner(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBannerUpload+1024)
	if err := r.ParseMultipartForm(maxBannerUpload); err != nil {
		writeError(w, r, apperr.InvalidArgument("file too large, max 10MB"))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, r, apperr.InvalidArgument("image file is required"))
		return
	}
	defer file.Close()

	st, err := a.Catalog.SetStoreBanner(r.Context(), p, r.PathValue("id"), file, header.Filename)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
