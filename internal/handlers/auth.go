package handlers

import (
	"log/slog"
	"net/http"

	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/models"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	IsSeller bool   `json:"is_seller"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string             `json:"token"`
	User  models.UserSummary `json:"user"`
}

// Register creates an account. A referral code may be passed as ?ref=.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, user, err := a.Identity.Register(r.Context(), identity.RegisterInput{
		Email:        req.Email,
		Password:     req.Password,
		Name:         req.Name,
		IsSeller:     req.IsSeller,
		ReferralCode: r.URL.Query().Get("ref"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	a.saveSessionCookie(w, r, token)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, user, err := a.Identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		slog.Info("Login failed", "ip", r.RemoteAddr)
		writeError(w, r, err)
		return
	}
	a.saveSessionCookie(w, r, token)
	slog.Info("Login successful", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (a *API) Me(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	writeJSON(w, http.StatusOK, p.User.Summary())
}

func (a *API) Logout(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	if err := a.Identity.Logout(r.Context(), a.sessionToken(r)); err != nil {
		writeError(w, r, err)
		return
	}
	if a.SessionStore != nil {
		session, _ := a.SessionStore.Get(r, SessionCookieName)
		delete(session.Values, sessionTokenKey)
		session.Options.MaxAge = -1 // Expire immediately
		if err := session.Save(r, w); err != nil {
			slog.Warn("Failed to clear session cookie", "error", err)
		}
	}
	slog.Info("Logout", "user_id", p.UserID(), "request_id", p.RequestID)
	w.WriteHeader(http.StatusNoContent)
}

// saveSessionCookie stores the token in the cookie session as well, so a
// browser can stay logged in without handling the bearer token.
func (a *API) saveSessionCookie(w http.ResponseWriter, r *http.Request, token string) {
	if a.SessionStore == nil {
		return
	}
	session, _ := a.SessionStore.Get(r, SessionCookieName)
	session.Values[sessionTokenKey] = token
	if err := session.Save(r, w); err != nil {
		slog.Error("Failed to save session", "error", err)
	}
}
