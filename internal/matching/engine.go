// Package matching places, matches and cancels limit orders. The book of an
// asset is rebuilt from persisted resting orders inside the transaction that
// holds the asset lock, so several server instances can match safely against
// one database.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nathanyu/p2p-exchange/internal/custody"
	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/orderbook"
	"github.com/nathanyu/p2p-exchange/internal/policy"
	"github.com/nathanyu/p2p-exchange/internal/store"
	"github.com/nathanyu/p2p-exchange/internal/telemetry"
	"github.com/nathanyu/p2p-exchange/internal/tradefeed"
)

// Engine is the matching engine.
type Engine struct {
	store  store.Store
	policy *policy.Policy
	feed   tradefeed.Publisher
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates a matching engine. feed and logger may be nil.
func NewEngine(st store.Store, pol *policy.Policy, feed tradefeed.Publisher, logger *slog.Logger) *Engine {
	if feed == nil {
		feed = tradefeed.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		policy: pol,
		feed:   feed,
		logger: logger.With(slog.String("component", "matching")),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// PlaceOrderRequest is a new limit order.
type PlaceOrderRequest struct {
	UserID    string
	Side      domain.Side
	Asset     string
	Amount    decimal.Decimal
	Price     decimal.Decimal
	ExpiresAt *time.Time
}

func (r PlaceOrderRequest) validate(now time.Time) error {
	switch {
	case r.UserID == "":
		return domain.Validationf("user id is required")
	case !r.Side.Valid():
		return domain.Validationf("side must be BUY or SELL, got %q", r.Side)
	case r.Asset == "":
		return domain.Validationf("asset is required")
	case !r.Amount.IsPositive():
		return domain.Validationf("amount must be positive")
	case !r.Amount.Equal(r.Amount.Truncate(domain.AmountPlaces)):
		return domain.Validationf("amount has more than %d decimal places", domain.AmountPlaces)
	case !r.Price.IsPositive():
		return domain.Validationf("price must be positive")
	case !r.Price.Equal(r.Price.Truncate(domain.PricePlaces)):
		return domain.Validationf("price has more than %d decimal places", domain.PricePlaces)
	case r.ExpiresAt != nil && !r.ExpiresAt.After(now):
		return domain.Validationf("expiry must be in the future")
	}
	return nil
}

// PlaceOrderResult is the placed order with the trades it produced.
type PlaceOrderResult struct {
	Order  *domain.Order   `json:"order"`
	Trades []*domain.Trade `json:"trades"`
}

// PlaceOrder accepts an order and matches it as taker. Locking a SELL
// amount, every fill, its trade record and its ledger transfer commit
// together or not at all.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	start := time.Now()
	now := e.now()
	req.Asset = strings.ToUpper(req.Asset)

	ctx, span := telemetry.StartSpan(ctx, "matching.place_order",
		attribute.String("asset", req.Asset),
		attribute.String("side", string(req.Side)),
	)
	defer span.End()

	if err := req.validate(now); err != nil {
		telemetry.OrdersRejected.WithLabelValues(domain.Kind(err)).Inc()
		return nil, err
	}

	order := &domain.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Side:      req.Side,
		Asset:     req.Asset,
		Amount:    req.Amount,
		Price:     req.Price,
		Filled:    decimal.Zero,
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		ExpiresAt: req.ExpiresAt,
	}

	var trades []*domain.Trade
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		trades = nil
		if err := tx.LockAsset(ctx, order.Asset); err != nil {
			return err
		}
		seq, err := tx.NextSeq(ctx)
		if err != nil {
			return err
		}
		order.Seq = seq

		if order.Side == domain.SideSell {
			if err := custody.Lock(ctx, tx, order.UserID, order.Asset, order.Amount); err != nil {
				return err
			}
		}

		counters, err := tx.MatchableOrders(ctx, order.Asset, order.Side.Opposite(), order.Price, now)
		if err != nil {
			return err
		}
		book := orderbook.New(order.Asset)
		for _, c := range counters {
			book.Add(c)
		}

		for _, fill := range book.Match(order) {
			trade, err := e.settleFill(ctx, tx, order, fill, now)
			if err != nil {
				return err
			}
			trades = append(trades, trade)
		}

		return tx.SaveOrder(ctx, order)
	})

	telemetry.MatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.OrdersRejected.WithLabelValues(domain.Kind(err)).Inc()
		if errors.Is(err, domain.ErrInvariantViolation) {
			telemetry.LogInvariantViolation(ctx, e.logger, "place_order", err, slog.String("order_id", order.ID))
		}
		span.RecordError(err)
		return nil, err
	}

	telemetry.OrdersPlaced.WithLabelValues(order.Asset, string(order.Side)).Inc()
	span.SetAttributes(attribute.Int("trades", len(trades)))
	e.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", order.ID),
		slog.String("user_id", order.UserID),
		slog.String("side", string(order.Side)),
		slog.String("asset", order.Asset),
		slog.String("amount", order.Amount.String()),
		slog.String("price", order.Price.String()),
		slog.String("status", string(order.Status)),
		slog.Int("trades", len(trades)),
	)

	if len(trades) > 0 {
		events := make([]domain.Event, 0, len(trades))
		for _, t := range trades {
			telemetry.TradesExecuted.WithLabelValues(t.Asset).Inc()
			events = append(events, domain.TradeExecuted{Trade: *t})
		}
		if err := e.feed.Publish(ctx, events...); err != nil {
			e.logger.WarnContext(ctx, "trade feed publish failed", slog.String("error", err.Error()))
		}
	}

	return &PlaceOrderResult{Order: order, Trades: trades}, nil
}

// settleFill records one match and moves the crypto leg from the seller's
// locked balance to the buyer.
func (e *Engine) settleFill(ctx context.Context, tx store.Tx, taker *domain.Order, fill orderbook.Fill, now time.Time) (*domain.Trade, error) {
	maker := fill.Maker
	buy, sell := taker, maker
	if taker.Side == domain.SideSell {
		buy, sell = maker, taker
	}

	total := fill.Amount.Mul(fill.Price)
	fee, err := e.policy.Fee(total)
	if err != nil {
		return nil, err
	}

	completed := now
	trade := &domain.Trade{
		ID:           uuid.NewString(),
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		BuyerID:      buy.UserID,
		SellerID:     sell.UserID,
		MakerOrderID: maker.ID,
		Asset:        taker.Asset,
		Amount:       fill.Amount,
		Price:        fill.Price,
		TotalValue:   total,
		Fee:          fee,
		Status:       domain.TradeStatusCompleted,
		CreatedAt:    now,
		CompletedAt:  &completed,
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, err
	}

	if err := custody.Transfer(ctx, tx, sell.UserID, buy.UserID, taker.Asset, fill.Amount, custody.FromLocked); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			// A resting SELL always has its remainder locked.
			return nil, fmt.Errorf("%w: settle order %s: %v", domain.ErrInvariantViolation, sell.ID, err)
		}
		return nil, err
	}

	if err := tx.SaveOrder(ctx, maker); err != nil {
		return nil, err
	}
	return trade, nil
}

// CancelOrder cancels an open order owned by userID and releases the
// remaining locked amount of a SELL.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	ctx, span := telemetry.StartSpan(ctx, "matching.cancel_order", attribute.String("order_id", orderID))
	defer span.End()

	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	asset := order.Asset
	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		order, err = lockOrder(ctx, tx, asset, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("%w: order %s belongs to another user", domain.ErrUnauthorized, orderID)
		}
		return e.cancelLocked(ctx, tx, order)
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) {
			telemetry.LogInvariantViolation(ctx, e.logger, "cancel_order", err, slog.String("order_id", orderID))
		}
		span.RecordError(err)
		return nil, err
	}

	telemetry.OrdersCancelled.WithLabelValues(order.Asset, "user").Inc()
	e.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", order.ID),
		slog.String("user_id", userID),
		slog.String("filled", order.Filled.String()),
	)
	return order, nil
}

// lockOrder takes the asset lock and then reads the order for update, the
// same order PlaceOrder acquires them in. asset comes from an unlocked read
// made before the transaction; an order's asset never changes.
func lockOrder(ctx context.Context, tx store.Tx, asset, orderID string) (*domain.Order, error) {
	if err := tx.LockAsset(ctx, asset); err != nil {
		return nil, err
	}
	return tx.GetOrder(ctx, orderID)
}

// cancelLocked cancels an order already read for update.
func (e *Engine) cancelLocked(ctx context.Context, tx store.Tx, order *domain.Order) error {
	if !order.Open() {
		return &domain.TransitionError{
			Entity:   "order",
			ID:       order.ID,
			Current:  string(order.Status),
			Required: []string{string(domain.OrderStatusPending), string(domain.OrderStatusPartial)},
		}
	}
	if order.Side == domain.SideSell {
		if err := custody.Unlock(ctx, tx, order.UserID, order.Asset, order.Remaining()); err != nil {
			return err
		}
	}
	order.Status = domain.OrderStatusCancelled
	return tx.SaveOrder(ctx, order)
}

// ExpireOrders cancels open orders whose expiry has passed. Each order is
// re-checked and cancelled in its own transaction.
func (e *Engine) ExpireOrders(ctx context.Context) (int, error) {
	now := e.now()
	ids, err := e.store.ExpiredOrders(ctx, now, 500)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		peek, err := e.store.GetOrder(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire order %s: %w", id, err))
			continue
		}
		var asset string
		cancelled := false
		err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			order, err := lockOrder(ctx, tx, peek.Asset, id)
			if err != nil {
				return err
			}
			if !order.Open() || !order.Expired(now) {
				return nil
			}
			asset = order.Asset
			cancelled = true
			return e.cancelLocked(ctx, tx, order)
		})
		if err != nil {
			if errors.Is(err, domain.ErrInvariantViolation) {
				telemetry.LogInvariantViolation(ctx, e.logger, "expire_order", err, slog.String("order_id", id))
			}
			errs = append(errs, fmt.Errorf("expire order %s: %w", id, err))
			continue
		}
		if cancelled {
			expired++
			telemetry.OrdersCancelled.WithLabelValues(asset, "expired").Inc()
		}
	}
	return expired, errors.Join(errs...)
}

// GetOrderBook returns the top depth aggregated levels of an asset book.
func (e *Engine) GetOrderBook(ctx context.Context, asset string, depth int) (*domain.OrderBookSnapshot, error) {
	asset = strings.ToUpper(asset)
	if depth <= 0 {
		return nil, domain.Validationf("depth must be positive")
	}

	orders, err := e.store.OpenOrders(ctx, asset)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		known, err := e.store.AssetKnown(ctx, asset)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, domain.NotFoundf("no order book for asset %s", asset)
		}
	}

	now := e.now()
	book := orderbook.New(asset)
	for _, o := range orders {
		if !o.Expired(now) {
			book.Add(o)
		}
	}
	snap := book.Snapshot(depth)
	return &snap, nil
}

// GetOrder returns an order by id.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.store.GetOrder(ctx, orderID)
}

// ListUserOrders returns the orders of a user, oldest first.
func (e *Engine) ListUserOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	return e.store.ListOrdersByUser(ctx, userID)
}

// ListUserTrades returns the executions a user took part in.
func (e *Engine) ListUserTrades(ctx context.Context, userID string) ([]*domain.Trade, error) {
	return e.store.ListTradesByUser(ctx, userID)
}
