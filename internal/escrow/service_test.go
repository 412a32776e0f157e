package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/p2p-exchange/internal/custody"
	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/notify"
	"github.com/nathanyu/p2p-exchange/internal/policy"
	"github.com/nathanyu/p2p-exchange/internal/store"
	"github.com/nathanyu/p2p-exchange/internal/tradefeed"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	ledger *custody.Ledger
	rec    *notify.Recorder
	feed   *tradefeed.Memory
	now    time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		rec:   notify.NewRecorder(),
		feed:  &tradefeed.Memory{},
		now:   time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}
	f.ledger = custody.NewLedger(f.store, nil)
	cfg := Config{
		Timeout:    30 * time.Minute,
		QuoteAsset: "ZAR",
		FeeAccount: "fees",
		Admins:     []string{"admin"},
	}
	opts = append([]Option{
		WithNotifier(f.rec),
		WithMessenger(f.rec),
		WithFeed(f.feed),
		WithClock(func() time.Time { return f.now }),
	}, opts...)
	f.svc = NewService(f.store, policy.Default(), cfg, opts...)

	f.deposit(t, "seller", "BTC", "1")
	f.deposit(t, "seller", "ZAR", "100")
	f.deposit(t, "buyer", "ZAR", "100")
	return f
}

func (f *fixture) deposit(t *testing.T, user, asset, amount string) {
	t.Helper()
	_, err := f.ledger.Deposit(context.Background(), user, asset, d(amount))
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, user, asset string) domain.Balance {
	t.Helper()
	balances, err := f.store.Balances(context.Background(), user)
	require.NoError(t, err)
	for _, b := range balances {
		if b.Asset == asset {
			return b
		}
	}
	return domain.Balance{UserID: user, Asset: asset}
}

func (f *fixture) listing(t *testing.T, creator string, typ domain.ListingType, amount, price string) *domain.Listing {
	t.Helper()
	l, err := f.svc.CreateListing(context.Background(), CreateListingRequest{
		CreatorID:     creator,
		Type:          typ,
		Asset:         "btc",
		CryptoAmount:  d(amount),
		PricePerUnit:  d(price),
		PaymentMethod: "eft",
	})
	require.NoError(t, err)
	return l
}

// matched returns a pending trade: seller sells 0.01 BTC at 400000 to buyer.
func (f *fixture) matched(t *testing.T) *domain.TradeTransaction {
	t.Helper()
	l := f.listing(t, "seller", domain.ListingSell, "0.01", "400000")
	trade, err := f.svc.MatchListing(context.Background(), l.ID, "buyer")
	require.NoError(t, err)
	return trade
}

// paid drives a fresh trade to payment_submitted.
func (f *fixture) paid(t *testing.T) *domain.TradeTransaction {
	t.Helper()
	ctx := context.Background()
	trade := f.matched(t)
	_, err := f.svc.AcceptTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)
	trade, err = f.svc.SubmitPayment(ctx, trade.ID, "buyer", "bank-ref-123")
	require.NoError(t, err)
	return trade
}

func (f *fixture) status(t *testing.T, tradeID string) domain.EscrowStatus {
	t.Helper()
	trade, err := f.store.GetTradeTransaction(context.Background(), tradeID)
	require.NoError(t, err)
	return trade.Status
}

func TestCreateListing(t *testing.T) {
	f := newFixture(t)

	l := f.listing(t, "seller", domain.ListingSell, "0.01", "400000")
	assert.Equal(t, "BTC", l.Asset)
	assert.Equal(t, domain.ListingActive, l.Status)
	assert.True(t, l.TotalValue.Equal(d("4000")))
	assert.True(t, l.Fee.Equal(d("20")))

	// Only the fee is locked until the listing is matched.
	assert.True(t, f.balance(t, "seller", "BTC").Locked.IsZero())
	zar := f.balance(t, "seller", "ZAR")
	assert.True(t, zar.Locked.Equal(d("20")))
	assert.True(t, zar.Trading.Equal(d("80")))

	listings, err := f.svc.ListListings(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Len(t, listings, 1)
}

func TestCreateListing_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := map[string]CreateListingRequest{
		"no creator":        {Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("1"), PricePerUnit: d("1")},
		"bad type":          {CreatorID: "u", Type: "swap", Asset: "BTC", CryptoAmount: d("1"), PricePerUnit: d("1")},
		"zero amount":       {CreatorID: "u", Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("0"), PricePerUnit: d("1")},
		"too precise":       {CreatorID: "u", Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("0.123456789"), PricePerUnit: d("1")},
		"negative price":    {CreatorID: "u", Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("1"), PricePerUnit: d("-1")},
		"price too precise": {CreatorID: "u", Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("1"), PricePerUnit: d("0.000000001")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateListing(ctx, req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestCreateListing_Limits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateListing(ctx, CreateListingRequest{
		CreatorID: "seller", Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("0.015"), PricePerUnit: d("400000"),
	})
	var limitErr *domain.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "max_trade_amount", limitErr.Limit)
	assert.Contains(t, limitErr.Reason, "R5000.00")

	for i := 0; i < 3; i++ {
		f.listing(t, "seller", domain.ListingSell, "0.001", "400000")
	}
	_, err = f.svc.CreateListing(ctx, CreateListingRequest{
		CreatorID: "seller", Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("0.001"), PricePerUnit: d("400000"),
	})
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "max_active_listings", limitErr.Limit)
}

func TestCreateListing_UnfundedFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "nofee", "BTC", "1")

	_, err := f.svc.CreateListing(ctx, CreateListingRequest{
		CreatorID: "nofee", Type: domain.ListingSell, Asset: "BTC", CryptoAmount: d("0.01"), PricePerUnit: d("400000"),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	listings, err := f.svc.ListListings(ctx, "BTC")
	require.NoError(t, err)
	assert.Empty(t, listings)
	assert.True(t, f.balance(t, "nofee", "ZAR").Locked.IsZero())
}

func TestCancelListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, "seller", domain.ListingSell, "0.01", "400000")

	_, err := f.svc.CancelListing(ctx, l.ID, "buyer")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	cancelled, err := f.svc.CancelListing(ctx, l.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.ListingCancelled, cancelled.Status)
	zar := f.balance(t, "seller", "ZAR")
	assert.True(t, zar.Locked.IsZero())
	assert.True(t, zar.Trading.Equal(d("100")))

	_, err = f.svc.MatchListing(ctx, l.ID, "buyer")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestMatchListing(t *testing.T) {
	f := newFixture(t)
	trade := f.matched(t)

	assert.Equal(t, domain.EscrowPending, trade.Status)
	assert.Equal(t, "seller", trade.SellerID)
	assert.Equal(t, "buyer", trade.BuyerID)
	assert.Equal(t, "seller", trade.CreatorID)
	assert.Equal(t, "ZAR", trade.QuoteAsset)
	assert.True(t, trade.Fee.Equal(d("20")))
	assert.Equal(t, f.now.Add(30*time.Minute), trade.ExpiresAt)

	seller := f.balance(t, "seller", "BTC")
	assert.True(t, seller.Locked.Equal(d("0.01")))
	assert.True(t, seller.Trading.Equal(d("0.99")))
	assert.True(t, f.balance(t, "seller", "ZAR").Locked.Equal(d("20")))

	listing, err := f.store.GetListing(context.Background(), trade.ListingID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingMatched, listing.Status)

	messages := map[string]string{}
	for _, n := range f.rec.Notifications(domain.EventTradeMatch) {
		messages[n.UserID] = n.Message
	}
	assert.Equal(t, map[string]string{
		"seller": "Your listing for 0.01 BTC was matched",
		"buyer":  "You matched a listing for 0.01 BTC",
	}, messages)
}

func TestMatchListing_BuyListingMessages(t *testing.T) {
	f := newFixture(t)
	l := f.listing(t, "buyer", domain.ListingBuy, "0.01", "400000")
	_, err := f.svc.MatchListing(context.Background(), l.ID, "seller")
	require.NoError(t, err)

	messages := map[string]string{}
	for _, n := range f.rec.Notifications(domain.EventTradeMatch) {
		messages[n.UserID] = n.Message
	}
	assert.Equal(t, "Your listing for 0.01 BTC was matched", messages["buyer"])
	assert.Equal(t, "You matched a listing for 0.01 BTC", messages["seller"])
}

func TestMatchListing_Guards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := f.listing(t, "seller", domain.ListingSell, "0.01", "400000")

	_, err := f.svc.MatchListing(ctx, l.ID, "seller")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.MatchListing(ctx, "missing", "buyer")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.MatchListing(ctx, l.ID, "buyer")
	require.NoError(t, err)
	_, err = f.svc.MatchListing(ctx, l.ID, "buyer2")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestMatchListing_InsufficientSellerBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "broke", "ZAR", "100")
	l := f.listing(t, "broke", domain.ListingSell, "0.01", "400000")

	_, err := f.svc.MatchListing(ctx, l.ID, "buyer")
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	// The acceptor learns the listing is unfunded, not the creator's balance.
	assert.NotContains(t, err.Error(), "available")
	assert.NotContains(t, err.Error(), "broke")
	assert.True(t, f.balance(t, "broke", "ZAR").Locked.Equal(d("20")))

	listing, err := f.store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingActive, listing.Status)
	trades, err := f.svc.ListUserTrades(ctx, "buyer")
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestMatchListing_BuyerLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.deposit(t, "seller", "BTC", "1")
	require.NoError(t, f.svc.SetTier(ctx, "admin", "seller", domain.TierVerified))

	l := f.listing(t, "seller", domain.ListingSell, "0.025", "400000")
	_, err := f.svc.MatchListing(ctx, l.ID, "buyer")

	var limitErr *domain.LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, "max_trade_amount", limitErr.Limit)
	assert.True(t, f.balance(t, "seller", "BTC").Locked.IsZero())
}

func TestMatchListing_BuyListingChargesCreator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The buying creator is at the active listing cap, including this one.
	var l *domain.Listing
	for i := 0; i < 3; i++ {
		l = f.listing(t, "buyer", domain.ListingBuy, "0.01", "400000")
	}

	assert.True(t, f.balance(t, "buyer", "ZAR").Locked.Equal(d("60")))

	trade, err := f.svc.MatchListing(ctx, l.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, "seller", trade.SellerID)
	assert.Equal(t, "buyer", trade.BuyerID)
	assert.True(t, f.balance(t, "buyer", "ZAR").Locked.Equal(d("60")))
	assert.True(t, f.balance(t, "seller", "ZAR").Locked.IsZero())

	_, err = f.svc.AcceptTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)
	_, err = f.svc.SubmitPayment(ctx, trade.ID, "buyer", "ref")
	require.NoError(t, err)
	_, err = f.svc.ReleaseTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)

	buyerZAR := f.balance(t, "buyer", "ZAR")
	assert.True(t, buyerZAR.Custody.Equal(d("80")))
	assert.True(t, buyerZAR.Locked.Equal(d("40")))
	assert.True(t, f.balance(t, "seller", "ZAR").Custody.Equal(d("100")))
	assert.True(t, f.balance(t, "fees", "ZAR").Trading.Equal(d("20")))
}

func TestTradeLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.matched(t)

	trade, err := f.svc.AcceptTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowActive, trade.Status)
	require.Len(t, f.rec.Conversations(), 1)
	assert.Equal(t, trade.ID, f.rec.Conversations()[0].TradeID)

	trade, err = f.svc.StartPayment(ctx, trade.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowPaymentPending, trade.Status)

	trade, err = f.svc.SubmitPayment(ctx, trade.ID, "buyer", "bank-ref-123")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowPaymentSubmitted, trade.Status)
	assert.Equal(t, "bank-ref-123", trade.PaymentProof)
	require.Len(t, f.rec.Notifications(domain.EventPaymentSubmitted), 1)
	assert.Equal(t, "seller", f.rec.Notifications(domain.EventPaymentSubmitted)[0].UserID)

	trade, err = f.svc.AcknowledgePayment(ctx, trade.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowInEscrow, trade.Status)

	trade, err = f.svc.ReleaseTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCompleted, trade.Status)
	require.NotNil(t, trade.CompletedAt)

	buyer := f.balance(t, "buyer", "BTC")
	assert.True(t, buyer.Trading.Equal(d("0.01")))
	assert.True(t, buyer.Custody.Equal(d("0.01")))

	seller := f.balance(t, "seller", "BTC")
	assert.True(t, seller.Locked.IsZero())
	assert.True(t, seller.Custody.Equal(d("0.99")))

	sellerZAR := f.balance(t, "seller", "ZAR")
	assert.True(t, sellerZAR.Locked.IsZero())
	assert.True(t, sellerZAR.Trading.Equal(d("80")))
	assert.True(t, f.balance(t, "fees", "ZAR").Trading.Equal(d("20")))

	released := f.rec.Notifications(domain.EventCryptoReleased)
	require.Len(t, released, 1)
	assert.Equal(t, "buyer", released[0].UserID)

	events := f.feed.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventEscrowCompleted, events[0].GetType())
}

func TestTransitionGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.matched(t)

	_, err := f.svc.AcceptTrade(ctx, trade.ID, "buyer")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.SubmitPayment(ctx, trade.ID, "buyer", "ref")
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "pending", te.Current)
	assert.Equal(t, []string{"active", "payment_pending"}, te.Required)

	_, err = f.svc.SubmitPayment(ctx, trade.ID, "buyer", "  ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.CancelTrade(ctx, trade.ID, "stranger")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	_, err = f.svc.ReleaseTrade(ctx, trade.ID, "seller")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = f.svc.AcceptTrade(ctx, "missing", "seller")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Equal(t, domain.EscrowPending, f.status(t, trade.ID))
}

func TestRejectTrade(t *testing.T) {
	f := newFixture(t)
	trade := f.matched(t)

	trade, err := f.svc.RejectTrade(context.Background(), trade.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCancelled, trade.Status)

	seller := f.balance(t, "seller", "BTC")
	assert.True(t, seller.Locked.IsZero())
	assert.True(t, seller.Trading.Equal(d("1")))
	assert.True(t, f.balance(t, "seller", "ZAR").Trading.Equal(d("100")))
}

func TestCancelTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.matched(t)
	_, err := f.svc.AcceptTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)

	trade, err = f.svc.CancelTrade(ctx, trade.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowCancelled, trade.Status)
	assert.True(t, f.balance(t, "seller", "BTC").Trading.Equal(d("1")))

	// The listing stays matched.
	listing, err := f.store.GetListing(ctx, trade.ListingID)
	require.NoError(t, err)
	assert.Equal(t, domain.ListingMatched, listing.Status)
}

func TestCancelTrade_AfterPaymentRequiresDispute(t *testing.T) {
	f := newFixture(t)
	trade := f.paid(t)

	_, err := f.svc.CancelTrade(context.Background(), trade.ID, "buyer")
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "payment_submitted", te.Current)
	assert.Contains(t, te.Error(), "file a dispute")

	assert.Equal(t, domain.EscrowPaymentSubmitted, f.status(t, trade.ID))
	assert.True(t, f.balance(t, "seller", "BTC").Locked.Equal(d("0.01")))
}

func TestExpireDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.matched(t)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.now = f.now.Add(31 * time.Minute)
	n, err = f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.EscrowExpired, f.status(t, trade.ID))

	seller := f.balance(t, "seller", "BTC")
	assert.True(t, seller.Locked.IsZero())
	assert.True(t, seller.Trading.Equal(d("1")))
	assert.True(t, f.balance(t, "seller", "ZAR").Locked.IsZero())

	// Expired is terminal.
	_, err = f.svc.AcceptTrade(ctx, trade.ID, "seller")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
}

func TestExpireDue_SkipsPaymentInFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.matched(t)
	_, err := f.svc.AcceptTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)
	_, err = f.svc.StartPayment(ctx, trade.ID, "buyer")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.EscrowPaymentPending, f.status(t, trade.ID))
}

func TestTerminalTradesRejectEveryTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	completed := f.paid(t)
	_, err := f.svc.ReleaseTrade(ctx, completed.ID, "seller")
	require.NoError(t, err)

	cancelled := f.matched(t)
	_, err = f.svc.CancelTrade(ctx, cancelled.ID, "seller")
	require.NoError(t, err)

	ops := map[string]func(id, actor string) error{
		"accept": func(id, actor string) error { _, err := f.svc.AcceptTrade(ctx, id, actor); return err },
		"reject": func(id, actor string) error { _, err := f.svc.RejectTrade(ctx, id, actor); return err },
		"start":  func(id, actor string) error { _, err := f.svc.StartPayment(ctx, id, actor); return err },
		"submit": func(id, actor string) error { _, err := f.svc.SubmitPayment(ctx, id, actor, "ref"); return err },
		"ack":    func(id, actor string) error { _, err := f.svc.AcknowledgePayment(ctx, id, actor); return err },
		"release": func(id, actor string) error {
			_, err := f.svc.ReleaseTrade(ctx, id, actor)
			return err
		},
		"cancel":  func(id, actor string) error { _, err := f.svc.CancelTrade(ctx, id, actor); return err },
		"dispute": func(id, actor string) error { _, err := f.svc.FileDispute(ctx, id, actor, "late"); return err },
		"resolve": func(id, actor string) error {
			_, err := f.svc.ResolveDispute(ctx, id, actor, domain.ResolutionRefund, "")
			return err
		},
	}

	for _, id := range []string{completed.ID, cancelled.ID} {
		for name, op := range ops {
			for _, actor := range []string{"seller", "buyer", "admin", "stranger"} {
				err := op(id, actor)
				assert.ErrorIs(t, err, domain.ErrInvalidStateTransition, "%s by %s", name, actor)
			}
		}
	}
}

func TestFileDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.paid(t)

	_, err := f.svc.FileDispute(ctx, trade.ID, "buyer", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	dispute, err := f.svc.FileDispute(ctx, trade.ID, "buyer", "seller is not responding")
	require.NoError(t, err)
	assert.Equal(t, domain.DisputeOpen, dispute.Status)
	assert.Equal(t, "buyer", dispute.FiledBy)
	assert.Equal(t, domain.EscrowDisputed, f.status(t, trade.ID))
	assert.Len(t, f.rec.Notifications(domain.EventDisputeFiled), 2)

	// Parties can no longer move a disputed trade.
	_, err = f.svc.ReleaseTrade(ctx, trade.ID, "seller")
	var te *domain.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "disputed", te.Current)
	_, err = f.svc.CancelTrade(ctx, trade.ID, "buyer")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	stored, err := f.svc.GetDispute(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, dispute.ID, stored.ID)
}

func TestResolveDispute(t *testing.T) {
	t.Run("release", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		trade := f.paid(t)
		_, err := f.svc.FileDispute(ctx, trade.ID, "buyer", "no release")
		require.NoError(t, err)

		_, err = f.svc.ResolveDispute(ctx, trade.ID, "seller", domain.ResolutionRelease, "")
		assert.ErrorIs(t, err, domain.ErrUnauthorized)

		resolved, err := f.svc.ResolveDispute(ctx, trade.ID, "admin", domain.ResolutionRelease, "bank statement checked")
		require.NoError(t, err)
		assert.Equal(t, domain.EscrowCompleted, resolved.Status)
		assert.True(t, f.balance(t, "buyer", "BTC").Trading.Equal(d("0.01")))
		assert.True(t, f.balance(t, "fees", "ZAR").Trading.Equal(d("20")))

		dispute, err := f.svc.GetDispute(ctx, trade.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DisputeResolved, dispute.Status)
		assert.Equal(t, domain.ResolutionRelease, dispute.Resolution)
		assert.Equal(t, "admin", dispute.ResolvedBy)
		require.NotNil(t, dispute.ResolvedAt)
	})

	t.Run("refund", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		trade := f.paid(t)
		_, err := f.svc.FileDispute(ctx, trade.ID, "seller", "payment never arrived")
		require.NoError(t, err)

		resolved, err := f.svc.ResolveDispute(ctx, trade.ID, "admin", domain.ResolutionRefund, "")
		require.NoError(t, err)
		assert.Equal(t, domain.EscrowCancelled, resolved.Status)
		assert.True(t, f.balance(t, "seller", "BTC").Trading.Equal(d("1")))
		assert.True(t, f.balance(t, "seller", "ZAR").Trading.Equal(d("100")))
		assert.True(t, f.balance(t, "buyer", "BTC").Custody.IsZero())
	})

	t.Run("not disputed", func(t *testing.T) {
		f := newFixture(t)
		trade := f.paid(t)
		_, err := f.svc.ResolveDispute(context.Background(), trade.ID, "admin", domain.ResolutionRelease, "")
		assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	})

	t.Run("bad resolution", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ResolveDispute(context.Background(), "any", "admin", "split", "")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestGetTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trade := f.matched(t)

	for _, actor := range []string{"seller", "buyer", "admin"} {
		got, err := f.svc.GetTrade(ctx, trade.ID, actor)
		require.NoError(t, err)
		assert.Equal(t, trade.ID, got.ID)
	}
	_, err := f.svc.GetTrade(ctx, trade.ID, "stranger")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSetTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.SetTier(ctx, "seller", "seller", domain.TierPremium), domain.ErrUnauthorized)
	assert.ErrorIs(t, f.svc.SetTier(ctx, "admin", "seller", "gold"), domain.ErrValidation)
	require.NoError(t, f.svc.SetTier(ctx, "admin", "seller", domain.TierInstitutional))

	f.deposit(t, "seller", "BTC", "100")
	f.deposit(t, "seller", "ZAR", "5000")
	l := f.listing(t, "seller", domain.ListingSell, "50", "400000")
	assert.True(t, l.Fee.Equal(d("5000")))
}

type failingNotifier struct{}

func (failingNotifier) Notify(context.Context, domain.Notification) error {
	return errors.New("push gateway down")
}

func TestNotificationFailureKeepsTransition(t *testing.T) {
	f := newFixture(t, WithNotifier(failingNotifier{}))
	ctx := context.Background()
	trade := f.matched(t)

	trade, err := f.svc.AcceptTrade(ctx, trade.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowActive, f.status(t, trade.ID))
}
