package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nathanyu/p2p-exchange/internal/custody"
	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/escrow"
	"github.com/nathanyu/p2p-exchange/internal/matching"
	"github.com/nathanyu/p2p-exchange/internal/middleware"
)

// Handler holds the HTTP handler dependencies.
type Handler struct {
	engine *matching.Engine
	escrow *escrow.Service
	ledger *custody.Ledger
	logger *slog.Logger
	depth  int
}

// NewHandler creates a new Handler. depth is the default order book depth.
func NewHandler(engine *matching.Engine, escrowSvc *escrow.Service, ledger *custody.Ledger, logger *slog.Logger, depth int) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		escrow: escrowSvc,
		ledger: ledger,
		logger: logger.With(slog.String("component", "http")),
		depth:  depth,
	}
}

// RegisterRoutes sets up the Gin routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)

	public := r.Group("/v1")
	{
		public.GET("/orderbook/:asset", h.GetOrderBook)
		public.GET("/listings", h.ListListings)
	}

	v1 := r.Group("/v1", middleware.RequireActor())
	{
		v1.POST("/orders", h.PlaceOrder)
		v1.GET("/orders/:id", h.GetOrder)
		v1.DELETE("/orders/:id", h.CancelOrder)

		v1.GET("/users/:id/orders", h.ListUserOrders)
		v1.GET("/users/:id/trades", h.ListUserTrades)
		v1.GET("/users/:id/escrow-trades", h.ListUserEscrowTrades)

		v1.POST("/listings", h.CreateListing)
		v1.DELETE("/listings/:id", h.CancelListing)
		v1.POST("/listings/:id/match", h.MatchListing)

		v1.GET("/trades/:id", h.GetTrade)
		v1.GET("/trades/:id/dispute", h.GetDispute)
		v1.POST("/trades/:id/accept", h.tradeAction(h.escrow.AcceptTrade))
		v1.POST("/trades/:id/reject", h.tradeAction(h.escrow.RejectTrade))
		v1.POST("/trades/:id/start-payment", h.tradeAction(h.escrow.StartPayment))
		v1.POST("/trades/:id/payment", h.SubmitPayment)
		v1.POST("/trades/:id/acknowledge", h.tradeAction(h.escrow.AcknowledgePayment))
		v1.POST("/trades/:id/release", h.tradeAction(h.escrow.ReleaseTrade))
		v1.POST("/trades/:id/cancel", h.tradeAction(h.escrow.CancelTrade))
		v1.POST("/trades/:id/dispute", h.FileDispute)

		v1.POST("/admin/trades/:id/resolve", h.ResolveDispute)
		v1.PUT("/admin/users/:id/tier", h.SetTier)

		v1.GET("/wallets/:user_id", h.GetWallet)
		v1.POST("/wallets/deposit", h.Deposit)
	}
}

// Health returns a health check response.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "p2p-exchange",
	})
}

// PlaceOrderRequest is the request body for placing an order.
type PlaceOrderRequest struct {
	Side      string          `json:"side" binding:"required"`
	Asset     string          `json:"asset" binding:"required"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// PlaceOrder handles POST /v1/orders.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if !h.bind(c, &req) {
		return
	}

	res, err := h.engine.PlaceOrder(c.Request.Context(), matching.PlaceOrderRequest{
		UserID:    middleware.Actor(c),
		Side:      domain.Side(strings.ToUpper(req.Side)),
		Asset:     req.Asset,
		Amount:    req.Amount,
		Price:     req.Price,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// GetOrder handles GET /v1/orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.engine.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if order.UserID != middleware.Actor(c) {
		h.writeError(c, domain.ErrUnauthorized)
		return
	}
	c.JSON(http.StatusOK, order)
}

// CancelOrder handles DELETE /v1/orders/:id.
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.engine.CancelOrder(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// GetOrderBook handles GET /v1/orderbook/:asset?depth=N.
func (h *Handler) GetOrderBook(c *gin.Context) {
	depth := h.depth
	if raw := c.Query("depth"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(c, domain.Validationf("depth must be an integer"))
			return
		}
		depth = v
	}

	snap, err := h.engine.GetOrderBook(c.Request.Context(), c.Param("asset"), depth)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// self rejects requests for another user's data.
func (h *Handler) self(c *gin.Context, userID string) bool {
	actor := middleware.Actor(c)
	if actor == userID || h.escrow.IsAdmin(actor) {
		return true
	}
	h.writeError(c, domain.ErrUnauthorized)
	return false
}

// ListUserOrders handles GET /v1/users/:id/orders.
func (h *Handler) ListUserOrders(c *gin.Context) {
	userID := c.Param("id")
	if !h.self(c, userID) {
		return
	}
	orders, err := h.engine.ListUserOrders(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// ListUserTrades handles GET /v1/users/:id/trades.
func (h *Handler) ListUserTrades(c *gin.Context) {
	userID := c.Param("id")
	if !h.self(c, userID) {
		return
	}
	trades, err := h.engine.ListUserTrades(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// ListUserEscrowTrades handles GET /v1/users/:id/escrow-trades.
func (h *Handler) ListUserEscrowTrades(c *gin.Context) {
	userID := c.Param("id")
	if !h.self(c, userID) {
		return
	}
	trades, err := h.escrow.ListUserTrades(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// CreateListingRequest is the request body for creating a listing.
type CreateListingRequest struct {
	Type          string          `json:"type" binding:"required"`
	Asset         string          `json:"asset" binding:"required"`
	CryptoAmount  decimal.Decimal `json:"crypto_amount"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	PaymentMethod string          `json:"payment_method"`
	Terms         string          `json:"terms"`
}

// CreateListing handles POST /v1/listings.
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if !h.bind(c, &req) {
		return
	}

	listing, err := h.escrow.CreateListing(c.Request.Context(), escrow.CreateListingRequest{
		CreatorID:     middleware.Actor(c),
		Type:          domain.ListingType(strings.ToLower(req.Type)),
		Asset:         req.Asset,
		CryptoAmount:  req.CryptoAmount,
		PricePerUnit:  req.PricePerUnit,
		PaymentMethod: req.PaymentMethod,
		Terms:         req.Terms,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, listing)
}

// ListListings handles GET /v1/listings?asset=BTC.
func (h *Handler) ListListings(c *gin.Context) {
	listings, err := h.escrow.ListListings(c.Request.Context(), c.Query("asset"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listings": listings})
}

// CancelListing handles DELETE /v1/listings/:id.
func (h *Handler) CancelListing(c *gin.Context) {
	listing, err := h.escrow.CancelListing(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

// MatchListing handles POST /v1/listings/:id/match.
func (h *Handler) MatchListing(c *gin.Context) {
	trade, err := h.escrow.MatchListing(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, trade)
}

// GetTrade handles GET /v1/trades/:id.
func (h *Handler) GetTrade(c *gin.Context) {
	trade, err := h.escrow.GetTrade(c.Request.Context(), c.Param("id"), middleware.Actor(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

// GetDispute handles GET /v1/trades/:id/dispute.
func (h *Handler) GetDispute(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.escrow.GetTrade(ctx, c.Param("id"), middleware.Actor(c)); err != nil {
		h.writeError(c, err)
		return
	}
	dispute, err := h.escrow.GetDispute(ctx, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, dispute)
}

type tradeTransition func(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error)

// tradeAction serves the body-less transitions under /v1/trades/:id.
func (h *Handler) tradeAction(fn tradeTransition) gin.HandlerFunc {
	return func(c *gin.Context) {
		trade, err := fn(c.Request.Context(), c.Param("id"), middleware.Actor(c))
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, trade)
	}
}

// SubmitPaymentRequest is the request body for submitting payment proof.
type SubmitPaymentRequest struct {
	Proof string `json:"proof" binding:"required"`
}

// SubmitPayment handles POST /v1/trades/:id/payment.
func (h *Handler) SubmitPayment(c *gin.Context) {
	var req SubmitPaymentRequest
	if !h.bind(c, &req) {
		return
	}
	trade, err := h.escrow.SubmitPayment(c.Request.Context(), c.Param("id"), middleware.Actor(c), req.Proof)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

// FileDisputeRequest is the request body for filing a dispute.
type FileDisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// FileDispute handles POST /v1/trades/:id/dispute.
func (h *Handler) FileDispute(c *gin.Context) {
	var req FileDisputeRequest
	if !h.bind(c, &req) {
		return
	}
	dispute, err := h.escrow.FileDispute(c.Request.Context(), c.Param("id"), middleware.Actor(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dispute)
}

// ResolveDisputeRequest is the request body for an admin dispute decision.
type ResolveDisputeRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	Note       string `json:"note"`
}

// ResolveDispute handles POST /v1/admin/trades/:id/resolve.
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if !h.bind(c, &req) {
		return
	}
	trade, err := h.escrow.ResolveDispute(c.Request.Context(), c.Param("id"), middleware.Actor(c),
		domain.Resolution(strings.ToLower(req.Resolution)), req.Note)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, trade)
}

// SetTierRequest is the request body for changing a membership tier.
type SetTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

// SetTier handles PUT /v1/admin/users/:id/tier.
func (h *Handler) SetTier(c *gin.Context) {
	var req SetTierRequest
	if !h.bind(c, &req) {
		return
	}
	tier := domain.Tier(strings.ToLower(req.Tier))
	if err := h.escrow.SetTier(c.Request.Context(), middleware.Actor(c), c.Param("id"), tier); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("id"), "tier": tier})
}

// WalletResponse is the response body for the wallet endpoint.
type WalletResponse struct {
	UserID   string           `json:"user_id"`
	Balances []domain.Balance `json:"balances"`
}

// GetWallet handles GET /v1/wallets/:user_id.
func (h *Handler) GetWallet(c *gin.Context) {
	userID := c.Param("user_id")
	if !h.self(c, userID) {
		return
	}
	balances, err := h.ledger.Wallet(c.Request.Context(), userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if balances == nil {
		balances = []domain.Balance{}
	}
	c.JSON(http.StatusOK, WalletResponse{UserID: userID, Balances: balances})
}

// DepositRequest is a confirmed external deposit.
type DepositRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// Deposit handles POST /v1/wallets/deposit. Only admins may credit wallets.
func (h *Handler) Deposit(c *gin.Context) {
	if !h.escrow.IsAdmin(middleware.Actor(c)) {
		h.writeError(c, domain.ErrUnauthorized)
		return
	}
	var req DepositRequest
	if !h.bind(c, &req) {
		return
	}
	balance, err := h.ledger.Deposit(c.Request.Context(), req.UserID, strings.ToUpper(req.Asset), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"kind":  domain.Kind(domain.ErrValidation),
		})
		return false
	}
	return true
}

// writeError maps a core error onto a status code. Internal errors get a
// generic message.
func (h *Handler) writeError(c *gin.Context, err error) {
	kind := domain.Kind(err)
	body := gin.H{"error": err.Error(), "kind": kind}

	var (
		limitErr *domain.LimitError
		transErr *domain.TransitionError
		status   int
	)
	switch {
	case errors.As(err, &limitErr):
		status = http.StatusUnprocessableEntity
		body["error"] = limitErr.Reason
		body["limit"] = limitErr.Limit
		body["value"] = limitErr.Value
	case errors.As(err, &transErr):
		status = http.StatusConflict
		body["current"] = transErr.Current
		body["required"] = transErr.Required
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInsufficientBalance):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	default:
		status = http.StatusInternalServerError
		body["error"] = "internal error"
		h.logger.ErrorContext(c.Request.Context(), "request failed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, body)
}
