package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alextreichler/tradepost/internal/affiliate"
	"github.com/alextreichler/tradepost/internal/catalog"
	"github.com/alextreichler/tradepost/internal/deliverable"
	"github.com/alextreichler/tradepost/internal/identity"
	"github.com/alextreichler/tradepost/internal/orders"
	"github.com/alextreichler/tradepost/internal/store"
	"github.com/gorilla/sessions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestAPI(t *testing.T) *API {
	t.Helper()
	repo := store.NewMemoryStore()
	verifier := &identity.ScryptVerifier{N: 1024, R: 8, P: 1, KeyLen: 32, SaltLen: 16}
	ledger := affiliate.NewLedger(repo, repo, repo)
	return &API{
		Identity:     identity.NewService(repo, repo, verifier, ledger),
		Catalog:      catalog.NewRegistry(repo, repo, t.TempDir()),
		Orders:       orders.NewService(repo, repo, deliverable.NewAllocator(repo), ledger),
		Ledger:       ledger,
		SessionStore: sessions.NewCookieStore(testKey),
	}
}

func doJSON(t *testing.T, h http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func register(t *testing.T, h http.Handler, email, ref string) authResponse {
	t.Helper()
	path := "/api/auth/register"
	if ref != "" {
		path += "?ref=" + ref
	}
	rec := doJSON(t, h, http.MethodPost, path, "", map[string]any{"email": email, "password": "pw-" + email, "name": "User " + email})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[authResponse](t, rec)
}

func TestAuthFlow(t *testing.T) {
	h := newTestAPI(t).Routes(nil)

	auth := register(t, h, "ada@example.com", "")
	assert.NotEmpty(t, auth.Token)
	assert.Equal(t, "ada@example.com", auth.User.Email)

	rec := doJSON(t, h, http.MethodGet, "/api/auth/me", auth.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, auth.User.ID, decode[map[string]any](t, rec)["id"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = doJSON(t, h, http.MethodGet, "/api/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHENTICATED", decode[errorBody](t, rec).Error)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ada@example.com", "password": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid email or password", decode[errorBody](t, rec).Message)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "ada@example.com", "password": "pw-ada@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[authResponse](t, rec)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/logout", login.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, h, http.MethodGet, "/api/auth/me", login.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]any{"email": "ada@example.com", "password": "x", "name": "Dup"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "duplicate email")

	rec = doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]any{"email": "x@example.com", "surprise": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown fields are rejected")
}

func TestSessionCookieAuthenticates(t *testing.T) {
	h := newTestAPI(t).Routes(nil)

	rec := doJSON(t, h, http.MethodPost, "/api/auth/register", "", map[string]any{"email": "c@example.com", "password": "pw", "name": "Cookie"})
	require.Equal(t, http.StatusCreated, rec.Code)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	me := httptest.NewRecorder()
	h.ServeHTTP(me, req)
	assert.Equal(t, http.StatusOK, me.Code)
}

func TestMarketplaceFlow(t *testing.T) {
	api := newTestAPI(t)
	h := api.Routes(nil)

	seller := register(t, h, "seller@example.com", "")
	affiliateUser := register(t, h, "aff@example.com", "")
	buyer := register(t, h, "buyer@example.com", affiliateUser.User.ReferralCode)
	late := register(t, h, "late@example.com", "")

	rec := doJSON(t, h, http.MethodPost, "/api/stores", seller.Token, map[string]string{"name": "Keys R Us", "category": "software"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	storeID := decode[map[string]any](t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPut, "/api/stores/"+storeID, buyer.Token, map[string]string{"name": "Mine now"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/stores/mine", seller.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/products", seller.Token, map[string]any{
		"store_id":          storeID,
		"title":             "Editor licence",
		"price":             "50",
		"kind":              "one_time",
		"affiliate_percent": 10,
		"deliverables": []map[string]any{
			{"kind": "license_keys", "details": map[string]any{"keys": []string{"KEY-1"}}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	productID := decode[map[string]any](t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodGet, "/api/products/"+productID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "KEY-1", "public product view must not leak keys")
	assert.Contains(t, rec.Body.String(), `"remaining":1`)

	rec = doJSON(t, h, http.MethodPost, "/api/orders", buyer.Token, map[string]string{"product_id": productID, "referral_code": affiliateUser.User.ReferralCode})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	order := decode[map[string]any](t, rec)
	assert.Equal(t, "50.00", order["price"])
	assert.Equal(t, "5.00", order["affiliate_commission"])
	assert.Contains(t, rec.Body.String(), `"key":"KEY-1"`)

	rec = doJSON(t, h, http.MethodPost, "/api/orders", late.Token, map[string]string{"product_id": productID})
	assert.Equal(t, http.StatusConflict, rec.Code, "sold out")
	assert.Equal(t, "RESOURCE_EXHAUSTED", decode[errorBody](t, rec).Error)

	rec = doJSON(t, h, http.MethodGet, "/api/orders", buyer.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]map[string]any](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, order["id"], list[0]["id"])

	rec = doJSON(t, h, http.MethodPost, "/api/orders/"+order["id"].(string)+"/cancel", buyer.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "one-time orders cannot be cancelled")

	rec = doJSON(t, h, http.MethodPost, "/api/orders/"+order["id"].(string)+"/cancel", late.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/affiliate/stats", affiliateUser.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[affiliate.Stats](t, rec)
	assert.Equal(t, affiliate.Stats{ReferralCount: 1, TotalEarnings: "5.00"}, stats)
}

func TestSubscriptionCancel(t *testing.T) {
	h := newTestAPI(t).Routes(nil)
	seller := register(t, h, "seller@example.com", "")
	buyer := register(t, h, "buyer@example.com", "")

	rec := doJSON(t, h, http.MethodPost, "/api/stores", seller.Token, map[string]string{"name": "Subs", "category": "saas"})
	require.Equal(t, http.StatusCreated, rec.Code)
	storeID := decode[map[string]any](t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/api/products", seller.Token, map[string]any{
		"store_id": storeID, "title": "Pro", "price": 9.99, "kind": "subscription", "billing_interval": "yearly",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	productID := decode[map[string]any](t, rec)["id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/api/orders", buyer.Token, map[string]string{"product_id": productID})
	require.Equal(t, http.StatusCreated, rec.Code)
	order := decode[map[string]any](t, rec)
	assert.NotNil(t, order["next_billing_at"])

	path := "/api/orders/" + order["id"].(string) + "/cancel"
	rec = doJSON(t, h, http.MethodPost, path, buyer.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decode[map[string]any](t, rec)
	assert.Equal(t, "cancelled", cancelled["status"])
	assert.Nil(t, cancelled["next_billing_at"])
	assert.NotNil(t, cancelled["ended_at"])

	rec = doJSON(t, h, http.MethodPost, path, buyer.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_OPERATION", decode[errorBody](t, rec).Error)
}

func TestUploadBanner(t *testing.T) {
	h := newTestAPI(t).Routes(nil)
	seller := register(t, h, "seller@example.com", "")
	rec := doJSON(t, h, http.MethodPost, "/api/stores", seller.Token, map[string]string{"name": "Pics", "category": "art"})
	require.Equal(t, http.StatusCreated, rec.Code)
	storeID := decode[map[string]any](t, rec)["id"].(string)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "banner.png")
	require.NoError(t, err)
	require.NoError(t, png.Encode(part, image.NewRGBA(image.Rect(0, 0, 40, 20))))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/stores/"+storeID+"/banner", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+seller.Token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	banner := decode[map[string]any](t, rec)["banner_image"].(string)
	assert.True(t, strings.HasPrefix(banner, "/static/uploads/"))

	req = httptest.NewRequest(http.MethodPost, "/api/stores/"+storeID+"/banner", strings.NewReader("nope"))
	req.Header.Set("Authorization", "Bearer "+seller.Token)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRateLimitedRoutes(t *testing.T) {
	limiter := NewRateLimiter(time.Minute)
	t.Cleanup(limiter.Stop)
	h := newTestAPI(t).Routes(limiter)

	body := map[string]string{"email": "a@example.com", "password": "x"}
	first := doJSON(t, h, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusBadRequest, first.Code)

	second := doJSON(t, h, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "RATE_LIMITED", decode[errorBody](t, second).Error)

	// Reads are never limited.
	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, http.MethodGet, "/api/products/none", "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
}

func TestRateLimitDoesNotThrottleRegisterThenCheckout(t *testing.T) {
	api := newTestAPI(t)
	open := api.Routes(nil)
	limiter := NewRateLimiter(2 * time.Second)
	t.Cleanup(limiter.Stop)
	limited := api.Routes(limiter)

	seller := register(t, open, "seller@example.com", "")
	rec := doJSON(t, open, http.MethodPost, "/api/stores", seller.Token, map[string]string{"name": "Shop", "category": "software"})
	require.Equal(t, http.StatusCreated, rec.Code)
	storeID := decode[map[string]any](t, rec)["id"].(string)
	rec = doJSON(t, open, http.MethodPost, "/api/products", seller.Token, map[string]any{
		"store_id": storeID, "title": "Guide", "price": "12", "kind": "one_time",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	productID := decode[map[string]any](t, rec)["id"].(string)

	buyer := register(t, limited, "buyer@example.com", "")
	rec = doJSON(t, limited, http.MethodPost, "/api/orders", buyer.Token, map[string]string{"product_id": productID})
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doJSON(t, limited, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "buyer@example.com", "password": "pw-buyer@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}
