// Package handlers exposes the marketplace core as a JSON API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alextreichler/tradepost/internal/affiliate"
	"github.com/alextreichler/tradepost/internal/apperr"
	"github.com/alextreichler/tradepost/internal/catalog"
	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/orders"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
)

const (
	// SessionCookieName is the gorilla/sessions cookie carrying the session
	// token for browser clients.
	SessionCookieName = "market-session"
	sessionTokenKey   = "token"
	requestIDHeader   = "X-Request-ID"
	maxJSONBody       = 1 << 20
	maxBannerUpload   = 10 << 20 // 10MB
)

type API struct {
	Identity     *identity.Service
	Catalog      *catalog.Registry
	Orders       *orders.Service
	Ledger       *affiliate.Ledger
	SessionStore sessions.Store
}

// Routes registers every endpoint on a new mux. Registration, login and
// checkout go through limiter when it is not nil.
func (a *API) Routes(limiter *RateLimiter) *http.ServeMux {
	limit := func(h http.HandlerFunc) http.HandlerFunc {
		if limiter == nil {
			return h
		}
		return limiter.Middleware(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", limit(a.Register))
	mux.HandleFunc("POST /api/auth/login", limit(a.Login))
	mux.HandleFunc("GET /api/auth/me", a.requireAuth(a.Me))
	mux.HandleFunc("POST /api/auth/logout", a.requireAuth(a.Logout))

	mux.HandleFunc("POST /api/stores", a.requireAuth(a.CreateStore))
	mux.HandleFunc("GET /api/stores/mine", a.requireAuth(a.MyStore))
	mux.HandleFunc("PUT /api/stores/{id}", a.requireAuth(a.UpdateStore))
	mux.HandleFunc("POST /api/stores/{id}/banner", a.requireAuth(a.UploadBanner))

	mux.HandleFunc("POST /api/products", a.requireAuth(a.CreateProduct))
	mux.HandleFunc("GET /api/products/{id}", a.GetProduct)

	mux.HandleFunc("POST /api/orders", a.requireAuth(limitAuthed(limiter, a.Checkout)))
	mux.HandleFunc("GET /api/orders", a.requireAuth(a.ListOrders))
	mux.HandleFunc("POST /api/orders/{id}/cancel", a.requireAuth(a.CancelOrder))

	mux.HandleFunc("GET /api/affiliate/stats", a.requireAuth(a.AffiliateStats))
	return mux
}

// authedHandler receives the resolved caller explicitly.
type authedHandler func(w http.ResponseWriter, r *http.Request, p identity.Principal)

func limitAuthed(limiter *RateLimiter, h authedHandler) authedHandler {
	if limiter == nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request, p identity.Principal) {
		limiter.Middleware(func(w http.ResponseWriter, r *http.Request) { h(w, r, p) })(w, r)
	}
}

// requireAuth resolves the bearer token, or failing that the session
// cookie, into a Principal.
func (a *API) requireAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := requestID(w, r)
		user, err := a.Identity.Authenticate(r.Context(), a.sessionToken(r))
		if err != nil {
			if apperr.KindOf(err) == apperr.KindNotFound {
				err = apperr.Unauthenticated("session user no longer exists")
			}
			writeError(w, r, err)
			return
		}
		next(w, r, identity.Principal{User: user, RequestID: reqID, RemoteAddr: r.RemoteAddr})
	}
}

func (a *API) sessionToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if a.SessionStore == nil {
		return ""
	}
	session, err := a.SessionStore.Get(r, SessionCookieName)
	if err != nil {
		return ""
	}
	token, _ := session.Values[sessionTokenKey].(string)
	return token
}

// requestID reuses the caller's X-Request-ID or mints one, and echoes it.
func requestID(w http.ResponseWriter, r *http.Request) string {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)
	return id
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		slog.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	writeJSON(w, status, errorBody{Error: string(kind), Message: apperr.Message(err)})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.InvalidArgument("request body too large")
		}
		return apperr.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}
