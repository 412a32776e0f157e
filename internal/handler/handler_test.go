package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/p2p-exchange/internal/custody"
	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/escrow"
	"github.com/nathanyu/p2p-exchange/internal/matching"
	"github.com/nathanyu/p2p-exchange/internal/middleware"
	"github.com/nathanyu/p2p-exchange/internal/policy"
	"github.com/nathanyu/p2p-exchange/internal/store"
)

type testServer struct {
	router *gin.Engine
	ledger *custody.Ledger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	pol := policy.Default()
	ledger := custody.NewLedger(st, nil)
	engine := matching.NewEngine(st, pol, nil, nil)
	svc := escrow.NewService(st, pol, escrow.Config{
		Timeout:    30 * time.Minute,
		QuoteAsset: "ZAR",
		FeeAccount: "fees",
		Admins:     []string{"admin"},
	})

	r := gin.New()
	r.Use(middleware.Metrics())
	NewHandler(engine, svc, ledger, nil, 10).RegisterRoutes(r)
	return &testServer{router: r, ledger: ledger}
}

func (s *testServer) do(t *testing.T, method, path, actor string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(middleware.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func (s *testServer) deposit(t *testing.T, user, asset, amount string) {
	t.Helper()
	_, err := s.ledger.Deposit(context.Background(), user, asset, decimal.RequireFromString(amount))
	require.NoError(t, err)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestRequiresActor(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.do(t, http.MethodPost, "/v1/orders", "", map[string]any{"side": "buy"})
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestOrders(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/v1/orders", "seller",
		map[string]any{"side": "sell", "asset": "BTC", "amount": "1", "price": "850000"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "insufficient_balance", body["kind"])

	s.deposit(t, "seller", "BTC", "2")
	code, body = s.do(t, http.MethodPost, "/v1/orders", "seller",
		map[string]any{"side": "sell", "asset": "BTC", "amount": "1", "price": "850000"})
	require.Equal(t, http.StatusCreated, code)
	sellID := body["order"].(map[string]any)["id"].(string)

	code, body = s.do(t, http.MethodPost, "/v1/orders", "buyer",
		map[string]any{"side": "buy", "asset": "BTC", "amount": "1", "price": "850100"})
	require.Equal(t, http.StatusCreated, code)
	trades := body["trades"].([]any)
	require.Len(t, trades, 1)
	assert.Equal(t, "850000", trades[0].(map[string]any)["price"])

	code, body = s.do(t, http.MethodGet, "/v1/orders/"+sellID, "seller", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "FILLED", body["status"])

	code, _ = s.do(t, http.MethodGet, "/v1/orders/"+sellID, "buyer", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = s.do(t, http.MethodDelete, "/v1/orders/"+sellID, "seller", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_state_transition", body["kind"])
	assert.Equal(t, "FILLED", body["current"])

	code, body = s.do(t, http.MethodGet, "/v1/users/buyer/trades", "buyer", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["trades"], 1)

	code, _ = s.do(t, http.MethodGet, "/v1/users/buyer/trades", "seller", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestOrderValidation(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/v1/orders", "buyer",
		map[string]any{"side": "buy", "asset": "BTC", "amount": "0", "price": "1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation", body["kind"])

	code, _ = s.do(t, http.MethodPost, "/v1/orders", "buyer", map[string]any{"asset": "BTC"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestOrderBook(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodGet, "/v1/orderbook/BTC", "", nil)
	assert.Equal(t, http.StatusNotFound, code)

	s.do(t, http.MethodPost, "/v1/orders", "buyer",
		map[string]any{"side": "buy", "asset": "BTC", "amount": "0.5", "price": "849000"})

	code, body := s.do(t, http.MethodGet, "/v1/orderbook/btc?depth=5", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["bids"], 1)

	code, _ = s.do(t, http.MethodGet, "/v1/orderbook/BTC?depth=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = s.do(t, http.MethodGet, "/v1/orderbook/BTC?depth=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestEscrowFlow(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "seller", "BTC", "1")
	s.deposit(t, "seller", "ZAR", "100")

	code, body := s.do(t, http.MethodPost, "/v1/listings", "seller", map[string]any{
		"type": "sell", "asset": "BTC", "crypto_amount": "0.01", "price_per_unit": "400000", "payment_method": "eft",
	})
	require.Equal(t, http.StatusCreated, code)
	listingID := body["id"].(string)

	code, body = s.do(t, http.MethodGet, "/v1/listings?asset=BTC", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, body["listings"], 1)

	code, body = s.do(t, http.MethodPost, "/v1/listings/"+listingID+"/match", "buyer", nil)
	require.Equal(t, http.StatusCreated, code)
	tradeID := body["id"].(string)
	assert.Equal(t, "pending", body["status"])

	code, _ = s.do(t, http.MethodPost, "/v1/trades/"+tradeID+"/accept", "buyer", nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, body = s.do(t, http.MethodPost, "/v1/trades/"+tradeID+"/accept", "seller", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["status"])

	code, body = s.do(t, http.MethodPost, "/v1/trades/"+tradeID+"/payment", "buyer", map[string]any{"proof": "ref-1"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "payment_submitted", body["status"])

	code, body = s.do(t, http.MethodPost, "/v1/trades/"+tradeID+"/cancel", "buyer", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "file a dispute")

	code, body = s.do(t, http.MethodPost, "/v1/trades/"+tradeID+"/release", "seller", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])

	code, body = s.do(t, http.MethodGet, "/v1/wallets/buyer", "buyer", nil)
	require.Equal(t, http.StatusOK, code)
	balances := body["balances"].([]any)
	require.Len(t, balances, 1)
	assert.Equal(t, "0.01", balances[0].(map[string]any)["trading_balance"])

	code, _ = s.do(t, http.MethodGet, "/v1/trades/"+tradeID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = s.do(t, http.MethodGet, "/v1/trades/missing", "buyer", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDisputeFlow(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "seller", "BTC", "1")
	s.deposit(t, "seller", "ZAR", "100")

	_, body := s.do(t, http.MethodPost, "/v1/listings", "seller", map[string]any{
		"type": "sell", "asset": "BTC", "crypto_amount": "0.01", "price_per_unit": "400000",
	})
	_, body = s.do(t, http.MethodPost, "/v1/listings/"+body["id"].(string)+"/match", "buyer", nil)
	tradeID := body["id"].(string)

	code, body := s.do(t, http.MethodPost, "/v1/trades/"+tradeID+"/dispute", "buyer", map[string]any{"reason": "no response"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "open", body["status"])

	code, _ = s.do(t, http.MethodPost, "/v1/admin/trades/"+tradeID+"/resolve", "buyer", map[string]any{"resolution": "release"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body = s.do(t, http.MethodPost, "/v1/admin/trades/"+tradeID+"/resolve", "admin", map[string]any{"resolution": "refund"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, string(domain.EscrowCancelled), body["status"])

	code, body = s.do(t, http.MethodGet, "/v1/trades/"+tradeID+"/dispute", "seller", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "resolved", body["status"])
}

func TestLimits(t *testing.T) {
	s := newTestServer(t)
	s.deposit(t, "seller", "ZAR", "100")

	code, body := s.do(t, http.MethodPost, "/v1/listings", "seller", map[string]any{
		"type": "sell", "asset": "BTC", "crypto_amount": "0.015", "price_per_unit": "400000",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "max_trade_amount", body["limit"])
	assert.Equal(t, "5000", body["value"])

	code, _ = s.do(t, http.MethodPut, "/v1/admin/users/seller/tier", "admin", map[string]any{"tier": "verified"})
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodPost, "/v1/listings", "seller", map[string]any{
		"type": "sell", "asset": "BTC", "crypto_amount": "0.015", "price_per_unit": "400000",
	})
	assert.Equal(t, http.StatusCreated, code)

	// The fee is locked at creation, so an unfunded creator is refused.
	code, body = s.do(t, http.MethodPost, "/v1/listings", "nofee", map[string]any{
		"type": "sell", "asset": "BTC", "crypto_amount": "0.001", "price_per_unit": "400000",
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "insufficient_balance", body["kind"])
}

func TestDeposit(t *testing.T) {
	s := newTestServer(t)

	deposit := map[string]any{"user_id": "alice", "asset": "btc", "amount": "0.5"}
	code, _ := s.do(t, http.MethodPost, "/v1/wallets/deposit", "alice", deposit)
	assert.Equal(t, http.StatusForbidden, code)

	code, body := s.do(t, http.MethodPost, "/v1/wallets/deposit", "admin", deposit)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "BTC", body["asset"])
	assert.Equal(t, "0.5", body["custody_balance"])

	code, _ = s.do(t, http.MethodGet, "/v1/wallets/alice", "bob", nil)
	assert.Equal(t, http.StatusForbidden, code)
}
