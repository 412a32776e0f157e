// Package custody keeps the per-user, per-asset balance buckets.
//
// The package-level functions operate on a store.Tx so the matching engine
// and the escrow service can compose balance moves with their own writes in
// one transaction. Ledger wraps them for callers that need a standalone
// transaction.
package custody

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/store"
)

// Source selects the sender bucket of an internal transfer.
type Source int

const (
	FromLocked Source = iota
	FromTrading
)

func (s Source) String() string {
	if s == FromTrading {
		return "trading"
	}
	return "locked"
}

func checkAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.Validationf("amount must be positive, got %s", amount)
	}
	return nil
}

// Lock moves amount from trading to locked.
func Lock(ctx context.Context, tx store.Tx, userID, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b, err := tx.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Trading.LessThan(amount) {
		return fmt.Errorf("%w: lock %s %s for %s, available %s",
			domain.ErrInsufficientBalance, amount, asset, userID, b.Trading)
	}
	b.Trading = b.Trading.Sub(amount)
	b.Locked = b.Locked.Add(amount)
	return tx.SaveBalance(ctx, b)
}

// Unlock moves amount from locked back to trading. Unlocking more than is
// locked means a caller lost track of an escrow, so it is reported as an
// invariant violation rather than a user error.
func Unlock(ctx context.Context, tx store.Tx, userID, asset string, amount decimal.Decimal) error {
	if err := checkAmount(amount); err != nil {
		return err
	}
	b, err := tx.GetBalance(ctx, userID, asset)
	if err != nil {
		return err
	}
	if b.Locked.LessThan(amount) {
		return fmt.Errorf("%w: unlock %s %s for %s, locked %s",
			domain.ErrInvariantViolation, amount, asset, userID, b.Locked)
	}
	b.Locked = b.Locked.Sub(amount)
	b.Trading = b.Trading.Add(amount)
	return tx.SaveBalance(ctx, b)
}

// Transfer debits the sender's source bucket and credits the receiver's
// trading bucket. Custody balances move with the asset.
func Transfer(ctx context.Context, tx store.Tx, fromUserID, toUserID, asset string, amount decimal.Decimal, src Source) error {
	if err := checkAmount(amount); err != nil {
		return err
	}

	from, err := tx.GetBalance(ctx, fromUserID, asset)
	if err != nil {
		return err
	}
	bucket := &from.Locked
	if src == FromTrading {
		bucket = &from.Trading
	}
	if bucket.LessThan(amount) {
		return fmt.Errorf("%w: transfer %s %s from %s %s balance %s",
			domain.ErrInsufficientBalance, amount, asset, fromUserID, src, *bucket)
	}
	if from.Custody.LessThan(amount) {
		return fmt.Errorf("%w: transfer %s %s from %s exceeds custody %s",
			domain.ErrInvariantViolation, amount, asset, fromUserID, from.Custody)
	}
	*bucket = bucket.Sub(amount)
	from.Custody = from.Custody.Sub(amount)
	if err := tx.SaveBalance(ctx, from); err != nil {
		return err
	}

	// Read the receiver after the sender is saved so a self transfer sees it.
	to, err := tx.GetBalance(ctx, toUserID, asset)
	if err != nil {
		return err
	}
	to.Trading = to.Trading.Add(amount)
	to.Custody = to.Custody.Add(amount)
	return tx.SaveBalance(ctx, to)
}

// Deposit credits a confirmed external deposit to custody and trading.
func Deposit(ctx context.Context, tx store.Tx, userID, asset string, amount decimal.Decimal) (domain.Balance, error) {
	if err := checkAmount(amount); err != nil {
		return domain.Balance{}, err
	}
	b, err := tx.GetBalance(ctx, userID, asset)
	if err != nil {
		return domain.Balance{}, err
	}
	b.Custody = b.Custody.Add(amount)
	b.Trading = b.Trading.Add(amount)
	return b, tx.SaveBalance(ctx, b)
}

// Ledger runs balance operations in their own transactions.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
}

// NewLedger creates a Ledger.
func NewLedger(st store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, logger: logger}
}

// AvailableBalance returns the trading balance.
func (l *Ledger) AvailableBalance(ctx context.Context, userID, asset string) (decimal.Decimal, error) {
	var available decimal.Decimal
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBalance(ctx, userID, asset)
		available = b.Trading
		return err
	})
	return available, err
}

// Wallet returns every balance row of a user.
func (l *Ledger) Wallet(ctx context.Context, userID string) ([]domain.Balance, error) {
	return l.store.Balances(ctx, userID)
}

// Deposit credits a user.
func (l *Ledger) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal) (domain.Balance, error) {
	var b domain.Balance
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		b, err = Deposit(ctx, tx, userID, asset, amount)
		return err
	})
	if err != nil {
		return domain.Balance{}, err
	}
	l.logger.InfoContext(ctx, "deposit credited",
		slog.String("user_id", userID), slog.String("asset", asset), slog.String("amount", amount.String()))
	return b, nil
}

// Lock runs Lock in its own transaction.
func (l *Ledger) Lock(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return Lock(ctx, tx, userID, asset, amount)
	})
}

// Unlock runs Unlock in its own transaction.
func (l *Ledger) Unlock(ctx context.Context, userID, asset string, amount decimal.Decimal) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return Unlock(ctx, tx, userID, asset, amount)
	})
}

// InternalTransfer runs Transfer in its own transaction.
func (l *Ledger) InternalTransfer(ctx context.Context, fromUserID, toUserID, asset string, amount decimal.Decimal, src Source) error {
	return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return Transfer(ctx, tx, fromUserID, toUserID, asset, amount, src)
	})
}
