// Package store is the persistence collaborator. Every mutating operation of
// the core runs inside Store.InTx so that reads taken for update and the
// writes based on them commit or roll back together.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/p2p-exchange/internal/domain"
)

// ErrNotFound is returned by getters when no row matches.
var ErrNotFound = domain.ErrNotFound

// Store opens transactions and serves lock-free reads.
type Store interface {
	Reader

	// InTx runs fn in one transaction. A non-nil error from fn rolls back
	// every write fn made. fn must not call InTx or Reader methods.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close() error
}

// Reader serves queries outside a transaction.
type Reader interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]*domain.Order, error)
	ListTradesByUser(ctx context.Context, userID string) ([]*domain.Trade, error)
	// OpenOrders returns the resting orders of an asset.
	OpenOrders(ctx context.Context, asset string) ([]*domain.Order, error)
	// AssetKnown reports whether any order was ever placed on the asset.
	AssetKnown(ctx context.Context, asset string) (bool, error)
	GetListing(ctx context.Context, id string) (*domain.Listing, error)
	ListActiveListings(ctx context.Context, asset string) ([]*domain.Listing, error)
	GetTradeTransaction(ctx context.Context, id string) (*domain.TradeTransaction, error)
	ListTradeTransactionsByUser(ctx context.Context, userID string) ([]*domain.TradeTransaction, error)
	GetDispute(ctx context.Context, tradeID string) (*domain.Dispute, error)
	// DueForExpiry returns ids of pending or active trades whose expiry is
	// before now. Callers must re-check inside a transaction.
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ExpiredOrders returns ids of open orders whose expiry is before now.
	ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]string, error)
	Balances(ctx context.Context, userID string) ([]domain.Balance, error)
}

// Tx is the transactional view. Getters lock the rows they return until the
// transaction ends.
type Tx interface {
	// LockAsset serializes matching on one asset book.
	LockAsset(ctx context.Context, asset string) error
	// LockUser serializes limit checks for one user so concurrent
	// requests cannot each pass against the same pre-image.
	LockUser(ctx context.Context, userID string) error
	NextSeq(ctx context.Context) (uint64, error)

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	// MatchableOrders returns open, unexpired orders on side that cross
	// limitPrice, best price first, then oldest first.
	MatchableOrders(ctx context.Context, asset string, side domain.Side, limitPrice decimal.Decimal, now time.Time) ([]*domain.Order, error)
	SaveOrder(ctx context.Context, o *domain.Order) error
	InsertTrade(ctx context.Context, t *domain.Trade) error

	// GetBalance returns a zero balance when the row does not exist yet.
	GetBalance(ctx context.Context, userID, asset string) (domain.Balance, error)
	SaveBalance(ctx context.Context, b domain.Balance) error

	GetListing(ctx context.Context, id string) (*domain.Listing, error)
	SaveListing(ctx context.Context, l *domain.Listing) error
	ActiveListingCount(ctx context.Context, userID string) (int, error)

	GetTradeTransaction(ctx context.Context, id string) (*domain.TradeTransaction, error)
	SaveTradeTransaction(ctx context.Context, t *domain.TradeTransaction) error
	// WeeklyVolume sums the value of the user's escrow trades created since,
	// excluding cancelled and expired ones.
	WeeklyVolume(ctx context.Context, userID string, since time.Time) (decimal.Decimal, error)

	GetDispute(ctx context.Context, tradeID string) (*domain.Dispute, error)
	SaveDispute(ctx context.Context, d *domain.Dispute) error

	// GetTier returns basic when the user has no membership row.
	GetTier(ctx context.Context, userID string) (domain.Tier, error)
	SetTier(ctx context.Context, userID string, tier domain.Tier) error
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
