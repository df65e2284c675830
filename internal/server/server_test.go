package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/auctionhouse/internal/auction"
	"github.com/terminal-bench/auctionhouse/internal/bidding"
	"github.com/terminal-bench/auctionhouse/internal/store"
	"github.com/terminal-bench/auctionhouse/internal/users"
	"github.com/terminal-bench/auctionhouse/pkg/locker"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemory()
	us := users.NewService(st, "test-secret")
	as := auction.NewService(st)
	bs := bidding.NewService(st, locker.NewLocal(), nil)
	return New(Config{RateLimitMax: 10000}, us, as, bs, nil, nil)
}

func do(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
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
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func registerAndLogin(t *testing.T, s *Server, username string) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/api/v1/users", "", gin.H{"username": username, "password": "s3cret-pw"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/users/login", "", gin.H{"username": username, "password": "s3cret-pw"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)["token"].(string)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)
	w := do(t, s, http.MethodGet, "/api/v1/users/me/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodGet, "/api/v1/users/me/balance", "bogus-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestBiddingFlow(t *testing.T) {
	s := newTestServer(t)
	seller := registerAndLogin(t, s, "seller")
	buyer := registerAndLogin(t, s, "buyer")

	w := do(t, s, http.MethodPost, "/api/v1/users/me/deposit", buyer, gin.H{"amount": "500.00"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodPost, "/api/v1/auctions", seller, gin.H{
		"item_id":      "item-1",
		"item_name":    "Vintage clock",
		"start_price":  "100.00",
		"min_step":     "10.00",
		"start_at":     time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
		"duration":     600,
		"total_rounds": 1, "winners_per_round": 1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	auctionID := decode(t, w)["auction"].(map[string]interface{})["id"].(string)

	// Below minimum increment.
	w = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/auctions/%s/bids", auctionID), buyer, gin.H{"amount": "105.00"})
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	// Valid bid.
	w = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/auctions/%s/bids", auctionID), buyer, gin.H{"amount": "110.00"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Beyond the buyer's balance.
	w = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/auctions/%s/bids", auctionID), buyer, gin.H{"amount": "600.00"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/api/v1/users/me/balance", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := decode(t, w)
	assert.Equal(t, "390.00", balance["available_display"])
	assert.Equal(t, "110.00", balance["locked_display"])

	w = do(t, s, http.MethodGet, fmt.Sprintf("/api/v1/auctions/%s/bids/my", auctionID), buyer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bids := decode(t, w)["bids"].([]interface{})
	assert.Len(t, bids, 1)
}

func TestCancelOnlyBySeller(t *testing.T) {
	s := newTestServer(t)
	seller := registerAndLogin(t, s, "seller")
	other := registerAndLogin(t, s, "other")

	w := do(t, s, http.MethodPost, "/api/v1/auctions", seller, gin.H{
		"item_id":      "item-1",
		"item_name":    "Vintage clock",
		"start_price":  "100.00",
		"min_step":     "10.00",
		"start_at":     time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"duration":     600,
		"total_rounds": 1, "winners_per_round": 1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	auctionID := decode(t, w)["auction"].(map[string]interface{})["id"].(string)

	w = do(t, s, http.MethodDelete, "/api/v1/auctions/"+auctionID, other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = do(t, s, http.MethodDelete, "/api/v1/auctions/"+auctionID, seller, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Already cancelled.
	w = do(t, s, http.MethodDelete, "/api/v1/auctions/"+auctionID, seller, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestDepositValidation(t *testing.T) {
	s := newTestServer(t)
	token := registerAndLogin(t, s, "grace")

	for _, amount := range []string{"0", "-5.00", "1.999", "abc"} {
		w := do(t, s, http.MethodPost, "/api/v1/users/me/deposit", token, gin.H{"amount": amount})
		assert.Equal(t, http.StatusBadRequest, w.Code, "amount %q", amount)
	}
}
