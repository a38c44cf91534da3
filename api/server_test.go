package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/visionmarket/ledger/api"
	"github.com/visionmarket/ledger/internal/app"
	"github.com/visionmarket/ledger/internal/config"
	"github.com/visionmarket/ledger/internal/database"
)

const (
	testSecret       = "test-secret"
	testServiceToken = "svc-token"
)

type harness struct {
	t      *testing.T
	router *gin.Engine
	admin  uuid.UUID
}

func setup(t *testing.T) *harness {
	gin.SetMode(gin.TestMode)
	log := zaptest.NewLogger(t)
	db := database.NewTestDB(t)

	admin := uuid.New()
	cfg := config.Default()
	cfg.Auth.AdminIDs = []string{admin.String()}

	a, err := app.New(cfg, db, app.Deps{}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	srv := api.NewServer(log, api.Services{
		Wallets:     a.Wallets,
		Assets:      a.Assets,
		Settlement:  a.Settlement,
		Custody:     a.Custody,
		Withdrawals: a.Withdrawals,
		Dashboard:   a.Dashboard,
		Revenue:     a.Revenue,
	}, api.Options{JWTSecret: testSecret, ServiceToken: testServiceToken, DB: db})
	return &harness{t: t, router: srv.Router(), admin: admin}
}

func (h *harness) token(user uuid.UUID, admin bool) string {
	tok, err := api.IssueToken(testSecret, user, admin, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *harness) as(user uuid.UUID, admin bool, method, path string, body interface{}) *httptest.ResponseRecorder {
	return h.do(method, path, body, map[string]string{"Authorization": "Bearer " + h.token(user, admin)})
}

func (h *harness) internal(path string, body interface{}) *httptest.ResponseRecorder {
	return h.do(http.MethodPost, path, body, map[string]string{"X-Service-Token": testServiceToken})
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func data(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	d, ok := decode(t, w)["data"].(map[string]interface{})
	require.True(t, ok, w.Body.String())
	return d
}

func TestHealthCheck(t *testing.T) {
	h := setup(t)
	w := h.do(http.MethodGet, "/api/v1/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestAuthentication(t *testing.T) {
	h := setup(t)

	w := h.do(http.MethodGet, "/api/v1/wallet", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = h.do(http.MethodGet, "/api/v1/wallet", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := api.IssueToken("other-secret", uuid.New(), true, time.Hour)
	require.NoError(t, err)
	w = h.do(http.MethodGet, "/api/v1/wallet", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := api.IssueToken(testSecret, uuid.New(), false, -time.Minute)
	require.NoError(t, err)
	w = h.do(http.MethodGet, "/api/v1/wallet", nil, map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.as(uuid.New(), false, http.MethodGet, "/api/v1/wallet", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not Found", decode(t, w)["title"])

	w = h.as(uuid.New(), false, http.MethodGet, "/api/v1/admin/dashboard/pools", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(http.MethodPost, "/api/v1/internal/payments/deposit", map[string]interface{}{"event_id": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMarketplaceFlow(t *testing.T) {
	h := setup(t)
	seller, buyer := uuid.New(), uuid.New()

	w := h.internal("/api/v1/internal/assets", map[string]interface{}{
		"owner_id": seller, "game_id": "g1", "palette_id": "p1", "opening_id": "o1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assetID := data(t, w)["id"].(string)

	w = h.internal("/api/v1/internal/payments/deposit", map[string]interface{}{
		"event_id": "evt_1", "user_id": buyer, "gross": 2000,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(2000), data(t, w)["credited"])

	w = h.internal("/api/v1/internal/payments/deposit", map[string]interface{}{
		"event_id": "evt_1", "user_id": buyer, "gross": 2000,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, data(t, w)["duplicate"])

	w = h.as(seller, false, http.MethodPost, "/api/v1/listings", map[string]interface{}{"asset_id": assetID, "price": 0})
	require.Equal(t, http.StatusBadRequest, w.Code)
	problem := decode(t, w)
	assert.Equal(t, "Validation Error", problem["title"])
	assert.Contains(t, w.Body.String(), `"price"`)

	w = h.as(buyer, false, http.MethodPost, "/api/v1/listings", map[string]interface{}{"asset_id": assetID, "price": 1000})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.as(seller, false, http.MethodPost, "/api/v1/listings", map[string]interface{}{"asset_id": assetID, "price": 1000})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	listingID := data(t, w)["id"].(string)

	w = h.as(buyer, false, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase",
		map[string]interface{}{"buyer_id": uuid.New()})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.as(buyer, false, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt := data(t, w)
	assert.Equal(t, float64(50), receipt["fee"])
	assert.Equal(t, float64(950), receipt["seller_proceeds"])

	w = h.as(buyer, false, http.MethodPost, "/api/v1/listings/"+listingID+"/purchase", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))

	w = h.as(buyer, false, http.MethodGet, "/api/v1/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1000), data(t, w)["balance"])

	w = h.as(seller, false, http.MethodGet, "/api/v1/wallet/ledger?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode(t, w)
	assert.Len(t, page["data"], 2)

	w = h.as(h.admin, true, http.MethodGet, "/api/v1/admin/dashboard/pools", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["data"], 5)

	w = h.as(h.admin, true, http.MethodGet, "/api/v1/admin/wallets/"+buyer.String()+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), data(t, w)["drift"])
}

func TestWithdrawalRoutes(t *testing.T) {
	h := setup(t)
	user := uuid.New()

	w := h.internal("/api/v1/internal/payments/deposit", map[string]interface{}{
		"event_id": "evt_w", "user_id": user, "gross": 5000,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = h.as(user, false, http.MethodPost, "/api/v1/withdrawals", map[string]interface{}{"amount": 2000})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode(t, w)["detail"], "days remaining")

	w = h.as(user, false, http.MethodPost, "/api/v1/withdrawals", map[string]interface{}{"amount": -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.as(h.admin, true, http.MethodPost, "/api/v1/admin/withdrawals/not-an-id/approve", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.as(h.admin, true, http.MethodPost, "/api/v1/admin/withdrawals/"+uuid.NewString()+"/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.as(h.admin, true, http.MethodPost, "/api/v1/admin/wallets/"+user.String()+"/adjust",
		map[string]interface{}{"amount": -9000, "reason": "chargeback"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "Integrity Violation", decode(t, w)["title"])

	w = h.as(user, false, http.MethodGet, "/api/v1/wallet", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), data(t, w)["balance"])
}

func TestSubscriptionAndReclaim(t *testing.T) {
	h := setup(t)
	user := uuid.New()

	w := h.internal("/api/v1/internal/payments/subscription", map[string]interface{}{
		"event_id": "sub_1", "user_id": user, "kind": "past_due",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.internal("/api/v1/internal/payments/subscription", map[string]interface{}{
		"event_id": "sub_2", "user_id": user, "kind": "refunded",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.as(user, false, http.MethodGet, "/api/v1/custody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "grace_period", data(t, w)["subscription_status"])

	w = h.as(user, false, http.MethodPost, "/api/v1/assets/"+uuid.NewString()+"/reclaim", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
