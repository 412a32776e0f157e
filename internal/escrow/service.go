// Package escrow runs P2P listings and the escrow-backed trade lifecycle.
//
// Every transition loads the trade for update and evaluates its guards in
// the same transaction that writes the new status and moves balances, so
// concurrent callers and the expiry sweeper never act on a stale status.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nathanyu/p2p-exchange/internal/custody"
	"github.com/nathanyu/p2p-exchange/internal/domain"
	"github.com/nathanyu/p2p-exchange/internal/notify"
	"github.com/nathanyu/p2p-exchange/internal/policy"
	"github.com/nathanyu/p2p-exchange/internal/store"
	"github.com/nathanyu/p2p-exchange/internal/telemetry"
	"github.com/nathanyu/p2p-exchange/internal/tradefeed"
)

const weeklyWindow = 7 * 24 * time.Hour

// Config holds the escrow settings.
type Config struct {
	// Timeout is how long a matched trade may stay pending or active.
	Timeout time.Duration
	// QuoteAsset is the currency the listing fee is charged in.
	QuoteAsset string
	// FeeAccount receives collected fees.
	FeeAccount string
	Admins     []string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    30 * time.Minute,
		QuoteAsset: "ZAR",
		FeeAccount: "platform-fees",
	}
}

// Service is the escrow state machine.
type Service struct {
	store     store.Store
	policy    *policy.Policy
	notifier  notify.Notifier
	messenger notify.Messenger
	feed      tradefeed.Publisher
	logger    *slog.Logger
	now       func() time.Time
	cfg       Config
}

// Option configures a Service.
type Option func(*Service)

func WithNotifier(n notify.Notifier) Option   { return func(s *Service) { s.notifier = n } }
func WithMessenger(m notify.Messenger) Option { return func(s *Service) { s.messenger = m } }
func WithFeed(p tradefeed.Publisher) Option   { return func(s *Service) { s.feed = p } }
func WithLogger(l *slog.Logger) Option        { return func(s *Service) { s.logger = l } }
func WithClock(now func() time.Time) Option   { return func(s *Service) { s.now = now } }

// NewService creates an escrow service. Collaborators default to no-ops.
func NewService(st store.Store, pol *policy.Policy, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:     st,
		policy:    pol,
		notifier:  notify.Nop{},
		messenger: notify.Nop{},
		feed:      tradefeed.Nop{},
		logger:    slog.Default(),
		now:       time.Now,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "escrow"))
	s.cfg.QuoteAsset = strings.ToUpper(s.cfg.QuoteAsset)
	return s
}

// IsAdmin reports whether userID may resolve disputes and manage users.
func (s *Service) IsAdmin(userID string) bool {
	return userID != "" && slices.Contains(s.cfg.Admins, userID)
}

// CreateListingRequest is a new P2P offer.
type CreateListingRequest struct {
	CreatorID     string
	Type          domain.ListingType
	Asset         string
	CryptoAmount  decimal.Decimal
	PricePerUnit  decimal.Decimal
	PaymentMethod string
	Terms         string
}

func (r CreateListingRequest) validate() error {
	switch {
	case r.CreatorID == "":
		return domain.Validationf("creator id is required")
	case r.Type != domain.ListingBuy && r.Type != domain.ListingSell:
		return domain.Validationf("listing type must be buy or sell, got %q", r.Type)
	case r.Asset == "":
		return domain.Validationf("asset is required")
	case !r.CryptoAmount.IsPositive():
		return domain.Validationf("crypto amount must be positive")
	case !r.CryptoAmount.Equal(r.CryptoAmount.Truncate(domain.AmountPlaces)):
		return domain.Validationf("crypto amount has more than %d decimal places", domain.AmountPlaces)
	case !r.PricePerUnit.IsPositive():
		return domain.Validationf("price per unit must be positive")
	case !r.PricePerUnit.Equal(r.PricePerUnit.Truncate(domain.PricePlaces)):
		return domain.Validationf("price per unit has more than %d decimal places", domain.PricePlaces)
	}
	return nil
}

// CreateListing publishes an offer after checking the creator's limits. The
// fee is computed here, frozen on the listing and locked from the creator's
// quote balance so an unfunded creator is refused before anyone can match.
func (s *Service) CreateListing(ctx context.Context, req CreateListingRequest) (*domain.Listing, error) {
	ctx, span := telemetry.StartSpan(ctx, "escrow.create_listing")
	defer span.End()

	req.Asset = strings.ToUpper(req.Asset)
	if err := req.validate(); err != nil {
		return nil, s.reject(ctx, "create_listing", err)
	}

	now := s.now()
	total := req.CryptoAmount.Mul(req.PricePerUnit).Round(domain.ValuePlaces)
	fee, err := s.policy.Fee(total)
	if err != nil {
		return nil, s.reject(ctx, "create_listing", err)
	}

	listing := &domain.Listing{
		ID:            uuid.Must(uuid.NewV7()).String(),
		CreatorID:     req.CreatorID,
		Type:          req.Type,
		Asset:         req.Asset,
		CryptoAmount:  req.CryptoAmount,
		PricePerUnit:  req.PricePerUnit,
		TotalValue:    total,
		Fee:           fee,
		PaymentMethod: req.PaymentMethod,
		Terms:         req.Terms,
		Status:        domain.ListingActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := s.checkLimits(ctx, tx, req.CreatorID, total, now, 0); err != nil {
			return err
		}
		if fee.IsPositive() {
			if err := custody.Lock(ctx, tx, req.CreatorID, s.cfg.QuoteAsset, fee); err != nil {
				return err
			}
		}
		return tx.SaveListing(ctx, listing)
	})
	if err != nil {
		return nil, s.reject(ctx, "create_listing", err)
	}

	s.logger.InfoContext(ctx, "listing created",
		slog.String("listing_id", listing.ID),
		slog.String("creator_id", listing.CreatorID),
		slog.String("type", string(listing.Type)),
		slog.String("asset", listing.Asset),
		slog.String("total_value", total.String()),
	)
	return listing, nil
}

// checkLimits runs the tier checks for userID under the user's lock, which
// is held until tx ends. exclude is subtracted from the active listing count.
func (s *Service) checkLimits(ctx context.Context, tx store.Tx, userID string, value decimal.Decimal, now time.Time, exclude int) error {
	if err := tx.LockUser(ctx, userID); err != nil {
		return err
	}
	tier, err := tx.GetTier(ctx, userID)
	if err != nil {
		return err
	}
	weekly, err := tx.WeeklyVolume(ctx, userID, now.Add(-weeklyWindow))
	if err != nil {
		return err
	}
	active, err := tx.ActiveListingCount(ctx, userID)
	if err != nil {
		return err
	}
	return s.policy.ValidateTrade(tier, value, weekly, max(active-exclude, 0)).Err()
}

// CancelListing withdraws an active listing and releases its fee.
func (s *Service) CancelListing(ctx context.Context, listingID, actorID string) (*domain.Listing, error) {
	var listing *domain.Listing
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		listing, err = tx.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if listing.CreatorID != actorID {
			return fmt.Errorf("%w: listing %s belongs to another user", domain.ErrUnauthorized, listingID)
		}
		if listing.Status != domain.ListingActive {
			return listingTransitionError(listing)
		}
		if listing.Fee.IsPositive() {
			if err := custody.Unlock(ctx, tx, listing.CreatorID, s.cfg.QuoteAsset, listing.Fee); err != nil {
				if errors.Is(err, domain.ErrInsufficientBalance) {
					return fmt.Errorf("%w: fee of listing %s: %v", domain.ErrInvariantViolation, listing.ID, err)
				}
				return err
			}
		}
		listing.Status = domain.ListingCancelled
		listing.UpdatedAt = s.now()
		return tx.SaveListing(ctx, listing)
	})
	if err != nil {
		return nil, s.reject(ctx, "cancel_listing", err)
	}
	s.logger.InfoContext(ctx, "listing cancelled", slog.String("listing_id", listingID))
	return listing, nil
}

func listingTransitionError(l *domain.Listing) error {
	return &domain.TransitionError{
		Entity:   "listing",
		ID:       l.ID,
		Current:  string(l.Status),
		Required: []string{string(domain.ListingActive)},
	}
}

// MatchListing turns an active listing into a pending escrow trade between
// its creator and acceptorID. The seller's crypto is locked in the same
// transaction; the creator's fee has been locked since the listing was created.
func (s *Service) MatchListing(ctx context.Context, listingID, acceptorID string) (*domain.TradeTransaction, error) {
	ctx, span := telemetry.StartSpan(ctx, "escrow.match_listing", attribute.String("listing_id", listingID))
	defer span.End()

	if acceptorID == "" {
		return nil, s.reject(ctx, "match_listing", domain.Validationf("acceptor id is required"))
	}

	now := s.now()
	var trade *domain.TradeTransaction
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		listing, err := tx.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if listing.CreatorID == acceptorID {
			return domain.Validationf("cannot match your own listing")
		}
		if listing.Status != domain.ListingActive {
			return listingTransitionError(listing)
		}

		sellerID, buyerID := listing.CreatorID, acceptorID
		if listing.Type == domain.ListingBuy {
			sellerID, buyerID = acceptorID, listing.CreatorID
		}

		// A buying creator's own listing is about to leave the active set.
		exclude := 0
		if buyerID == listing.CreatorID {
			exclude = 1
		}
		if err := s.checkLimits(ctx, tx, buyerID, listing.TotalValue, now, exclude); err != nil {
			return err
		}

		if err := custody.Lock(ctx, tx, sellerID, listing.Asset, listing.CryptoAmount); err != nil {
			// The acceptor must not learn the creator's balances.
			if sellerID != acceptorID && errors.Is(err, domain.ErrInsufficientBalance) {
				return fmt.Errorf("%w: listing %s is no longer funded", domain.ErrInsufficientBalance, listing.ID)
			}
			return err
		}

		trade = &domain.TradeTransaction{
			ID:           uuid.Must(uuid.NewV7()).String(),
			ListingID:    listing.ID,
			SellerID:     sellerID,
			BuyerID:      buyerID,
			CreatorID:    listing.CreatorID,
			Asset:        listing.Asset,
			QuoteAsset:   s.cfg.QuoteAsset,
			CryptoAmount: listing.CryptoAmount,
			PricePerUnit: listing.PricePerUnit,
			TotalValue:   listing.TotalValue,
			Fee:          listing.Fee,
			Status:       domain.EscrowPending,
			CreatedAt:    now,
			UpdatedAt:    now,
			ExpiresAt:    now.Add(s.cfg.Timeout),
		}
		if err := tx.SaveTradeTransaction(ctx, trade); err != nil {
			return err
		}

		listing.Status = domain.ListingMatched
		listing.UpdatedAt = now
		return tx.SaveListing(ctx, listing)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.reject(ctx, "match_listing", err)
	}

	telemetry.EscrowTransitions.WithLabelValues(string(domain.EscrowPending)).Inc()
	s.logger.InfoContext(ctx, "listing matched",
		slog.String("listing_id", listingID),
		slog.String("trade_id", trade.ID),
		slog.String("seller_id", trade.SellerID),
		slog.String("buyer_id", trade.BuyerID),
	)

	s.notify(ctx, trade, trade.CreatorID, domain.EventTradeMatch, domain.PriorityHigh,
		"Trade matched",
		fmt.Sprintf("Your listing for %s %s was matched", trade.CryptoAmount, trade.Asset))
	s.notify(ctx, trade, acceptorID, domain.EventTradeMatch, domain.PriorityHigh,
		"Trade matched",
		fmt.Sprintf("You matched a listing for %s %s", trade.CryptoAmount, trade.Asset))
	return trade, nil
}

// role names who may drive a transition.
type role int

const (
	roleSeller role = iota
	roleBuyer
	roleParty
	roleAdmin
)

// transition is one guarded status change.
type transition struct {
	op   string
	role role
	from []domain.EscrowStatus
	// hints explains a rejection from a specific status.
	hints map[domain.EscrowStatus]string
}

// apply loads the trade for update and checks, in order, that it is not
// terminal, that actorID holds the required role and that its status is one
// of t.from. fn then mutates the trade inside the same transaction.
func (s *Service) apply(ctx context.Context, tradeID, actorID string, t transition, fn func(ctx context.Context, tx store.Tx, trade *domain.TradeTransaction, now time.Time) error) (*domain.TradeTransaction, error) {
	ctx, span := telemetry.StartSpan(ctx, "escrow."+t.op, attribute.String("trade_id", tradeID))
	defer span.End()

	var (
		trade *domain.TradeTransaction
		prev  domain.EscrowStatus
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		trade, err = tx.GetTradeTransaction(ctx, tradeID)
		if err != nil {
			return err
		}
		prev = trade.Status

		frozen := trade.Status.Frozen()
		if t.role == roleAdmin {
			frozen = trade.Status.Terminal()
		}
		if frozen {
			return s.transitionError(trade, t, "trade is "+string(trade.Status))
		}
		if err := s.authorize(trade, actorID, t.role); err != nil {
			return err
		}
		if !slices.Contains(t.from, trade.Status) {
			return s.transitionError(trade, t, t.hints[trade.Status])
		}

		now := s.now()
		if err := fn(ctx, tx, trade, now); err != nil {
			return err
		}
		trade.UpdatedAt = now
		return tx.SaveTradeTransaction(ctx, trade)
	})
	if err != nil {
		span.RecordError(err)
		return nil, s.reject(ctx, t.op, err, slog.String("trade_id", tradeID))
	}

	telemetry.EscrowTransitions.WithLabelValues(string(trade.Status)).Inc()
	s.logger.InfoContext(ctx, "trade transitioned",
		slog.String("trade_id", trade.ID),
		slog.String("op", t.op),
		slog.String("actor_id", actorID),
		slog.String("from", string(prev)),
		slog.String("to", string(trade.Status)),
	)
	return trade, nil
}

func (s *Service) authorize(trade *domain.TradeTransaction, actorID string, r role) error {
	var ok bool
	switch r {
	case roleSeller:
		ok = actorID == trade.SellerID
	case roleBuyer:
		ok = actorID == trade.BuyerID
	case roleParty:
		ok = trade.IsParty(actorID)
	case roleAdmin:
		ok = s.IsAdmin(actorID)
	}
	if !ok {
		return fmt.Errorf("%w: %s may not act on trade %s", domain.ErrUnauthorized, actorID, trade.ID)
	}
	return nil
}

func (s *Service) transitionError(trade *domain.TradeTransaction, t transition, hint string) error {
	required := make([]string, len(t.from))
	for i, st := range t.from {
		required[i] = string(st)
	}
	if hint == "" && trade.Status == domain.EscrowDisputed {
		hint = "awaiting admin resolution of the dispute"
	}
	return &domain.TransitionError{
		Entity:   "trade",
		ID:       trade.ID,
		Current:  string(trade.Status),
		Required: required,
		Hint:     hint,
	}
}

// reject records a failed operation and returns err unchanged.
func (s *Service) reject(ctx context.Context, op string, err error, attrs ...any) error {
	telemetry.EscrowRejected.WithLabelValues(op, domain.Kind(err)).Inc()
	if errors.Is(err, domain.ErrInvariantViolation) {
		telemetry.LogInvariantViolation(ctx, s.logger, op, err, attrs...)
	}
	return err
}

// AcceptTrade is the seller confirming a pending trade.
func (s *Service) AcceptTrade(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error) {
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "accept",
		role: roleSeller,
		from: []domain.EscrowStatus{domain.EscrowPending},
	}, func(_ context.Context, _ store.Tx, t *domain.TradeTransaction, _ time.Time) error {
		t.Status = domain.EscrowActive
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, trade, trade.BuyerID, domain.EventStatusChange, domain.PriorityNormal,
		"Trade accepted", "The seller accepted your trade. You can now pay.")
	if err := s.messenger.CreateConversation(ctx, domain.ConversationRequest{
		TradeID:  trade.ID,
		BuyerID:  trade.BuyerID,
		SellerID: trade.SellerID,
	}); err != nil {
		s.logger.WarnContext(ctx, "conversation request failed",
			slog.String("trade_id", trade.ID), slog.String("error", err.Error()))
	}
	return trade, nil
}

// RejectTrade is the seller declining a pending trade.
func (s *Service) RejectTrade(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error) {
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "reject",
		role: roleSeller,
		from: []domain.EscrowStatus{domain.EscrowPending},
	}, func(ctx context.Context, tx store.Tx, t *domain.TradeTransaction, _ time.Time) error {
		return s.refund(ctx, tx, t, domain.EscrowCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, trade, trade.BuyerID, domain.EventStatusChange, domain.PriorityNormal,
		"Trade rejected", "The seller rejected your trade.")
	return trade, nil
}

// StartPayment is the buyer signalling that payment is under way.
func (s *Service) StartPayment(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error) {
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "start_payment",
		role: roleBuyer,
		from: []domain.EscrowStatus{domain.EscrowActive},
	}, func(_ context.Context, _ store.Tx, t *domain.TradeTransaction, _ time.Time) error {
		t.Status = domain.EscrowPaymentPending
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, trade, trade.SellerID, domain.EventStatusChange, domain.PriorityNormal,
		"Payment started", "The buyer started paying for your trade.")
	return trade, nil
}

// SubmitPayment stores the buyer's proof of payment.
func (s *Service) SubmitPayment(ctx context.Context, tradeID, actorID, proof string) (*domain.TradeTransaction, error) {
	if strings.TrimSpace(proof) == "" {
		return nil, s.reject(ctx, "submit_payment", domain.Validationf("payment proof is required"))
	}
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "submit_payment",
		role: roleBuyer,
		from: []domain.EscrowStatus{domain.EscrowActive, domain.EscrowPaymentPending},
	}, func(_ context.Context, _ store.Tx, t *domain.TradeTransaction, _ time.Time) error {
		t.Status = domain.EscrowPaymentSubmitted
		t.PaymentProof = proof
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, trade, trade.SellerID, domain.EventPaymentSubmitted, domain.PriorityHigh,
		"Payment submitted", "The buyer submitted proof of payment. Confirm receipt to release the crypto.")
	return trade, nil
}

// AcknowledgePayment is the seller confirming receipt before release.
func (s *Service) AcknowledgePayment(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error) {
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "acknowledge_payment",
		role: roleSeller,
		from: []domain.EscrowStatus{domain.EscrowPaymentSubmitted},
	}, func(_ context.Context, _ store.Tx, t *domain.TradeTransaction, _ time.Time) error {
		t.Status = domain.EscrowInEscrow
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, trade, trade.BuyerID, domain.EventStatusChange, domain.PriorityNormal,
		"Payment received", "The seller confirmed your payment.")
	return trade, nil
}

// ReleaseTrade completes the trade: the crypto goes to the buyer and the
// frozen fee to the fee account.
func (s *Service) ReleaseTrade(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error) {
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "release",
		role: roleSeller,
		from: []domain.EscrowStatus{domain.EscrowPaymentSubmitted, domain.EscrowInEscrow},
	}, s.settle)
	if err != nil {
		return nil, err
	}
	s.completed(ctx, trade)
	return trade, nil
}

// CancelTrade lets either party abandon a trade before payment is in flight.
func (s *Service) CancelTrade(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error) {
	const hint = "payment is in flight; file a dispute instead"
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "cancel",
		role: roleParty,
		from: []domain.EscrowStatus{domain.EscrowPending, domain.EscrowActive, domain.EscrowPaymentPending},
		hints: map[domain.EscrowStatus]string{
			domain.EscrowPaymentSubmitted: hint,
			domain.EscrowInEscrow:         hint,
		},
	}, func(ctx context.Context, tx store.Tx, t *domain.TradeTransaction, _ time.Time) error {
		return s.refund(ctx, tx, t, domain.EscrowCancelled)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, trade, trade.Counterparty(actorID), domain.EventStatusChange, domain.PriorityNormal,
		"Trade cancelled", "Your counterparty cancelled the trade.")
	return trade, nil
}

// FileDispute freezes the trade until an admin resolves it.
func (s *Service) FileDispute(ctx context.Context, tradeID, actorID, reason string) (*domain.Dispute, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, s.reject(ctx, "file_dispute", domain.Validationf("dispute reason is required"))
	}

	var dispute *domain.Dispute
	trade, err := s.apply(ctx, tradeID, actorID, transition{
		op:   "file_dispute",
		role: roleParty,
		from: []domain.EscrowStatus{
			domain.EscrowPending, domain.EscrowActive, domain.EscrowPaymentPending,
			domain.EscrowPaymentSubmitted, domain.EscrowInEscrow,
		},
	}, func(ctx context.Context, tx store.Tx, t *domain.TradeTransaction, now time.Time) error {
		dispute = &domain.Dispute{
			ID:        uuid.Must(uuid.NewV7()).String(),
			TradeID:   t.ID,
			FiledBy:   actorID,
			Reason:    reason,
			Status:    domain.DisputeOpen,
			CreatedAt: now,
		}
		t.Status = domain.EscrowDisputed
		return tx.SaveDispute(ctx, dispute)
	})
	if err != nil {
		return nil, err
	}

	for _, user := range []string{trade.SellerID, trade.BuyerID} {
		s.notify(ctx, trade, user, domain.EventDisputeFiled, domain.PriorityHigh,
			"Dispute filed", "A dispute was filed on your trade. An administrator will review it.")
	}
	return dispute, nil
}

// ResolveDispute is an admin decision on a disputed trade. Release completes
// the trade as if the seller had released it; refund cancels it.
func (s *Service) ResolveDispute(ctx context.Context, tradeID, adminID string, resolution domain.Resolution, note string) (*domain.TradeTransaction, error) {
	if resolution != domain.ResolutionRelease && resolution != domain.ResolutionRefund {
		return nil, s.reject(ctx, "resolve_dispute",
			domain.Validationf("resolution must be release or refund, got %q", resolution))
	}

	trade, err := s.apply(ctx, tradeID, adminID, transition{
		op:   "resolve_dispute",
		role: roleAdmin,
		from: []domain.EscrowStatus{domain.EscrowDisputed},
	}, func(ctx context.Context, tx store.Tx, t *domain.TradeTransaction, now time.Time) error {
		dispute, err := tx.GetDispute(ctx, t.ID)
		if err != nil {
			if store.IsNotFound(err) {
				return fmt.Errorf("%w: disputed trade %s has no dispute record", domain.ErrInvariantViolation, t.ID)
			}
			return err
		}
		if resolution == domain.ResolutionRelease {
			err = s.settle(ctx, tx, t, now)
		} else {
			err = s.refund(ctx, tx, t, domain.EscrowCancelled)
		}
		if err != nil {
			return err
		}
		dispute.Status = domain.DisputeResolved
		dispute.Resolution = resolution
		dispute.ResolvedBy = adminID
		dispute.Note = note
		dispute.ResolvedAt = &now
		return tx.SaveDispute(ctx, dispute)
	})
	if err != nil {
		return nil, err
	}

	if trade.Status == domain.EscrowCompleted {
		s.completed(ctx, trade)
		s.notify(ctx, trade, trade.SellerID, domain.EventStatusChange, domain.PriorityHigh,
			"Dispute resolved", "The dispute was resolved in the buyer's favour.")
	} else {
		for _, user := range []string{trade.SellerID, trade.BuyerID} {
			s.notify(ctx, trade, user, domain.EventStatusChange, domain.PriorityHigh,
				"Dispute resolved", "The dispute was resolved and the escrow returned to the seller.")
		}
	}
	return trade, nil
}

// settle moves the escrowed crypto to the buyer and the fee to the fee
// account, then marks the trade completed.
func (s *Service) settle(ctx context.Context, tx store.Tx, t *domain.TradeTransaction, now time.Time) error {
	if err := custody.Transfer(ctx, tx, t.SellerID, t.BuyerID, t.Asset, t.CryptoAmount, custody.FromLocked); err != nil {
		return escrowShortfall(t, err)
	}
	if t.Fee.IsPositive() {
		if err := custody.Transfer(ctx, tx, t.CreatorID, s.cfg.FeeAccount, t.QuoteAsset, t.Fee, custody.FromLocked); err != nil {
			return escrowShortfall(t, err)
		}
	}
	t.Status = domain.EscrowCompleted
	t.CompletedAt = &now
	return nil
}

// refund returns the escrowed crypto to the seller and the fee to the creator.
func (s *Service) refund(ctx context.Context, tx store.Tx, t *domain.TradeTransaction, to domain.EscrowStatus) error {
	if err := custody.Unlock(ctx, tx, t.SellerID, t.Asset, t.CryptoAmount); err != nil {
		return err
	}
	if t.Fee.IsPositive() {
		if err := custody.Unlock(ctx, tx, t.CreatorID, t.QuoteAsset, t.Fee); err != nil {
			return err
		}
	}
	t.Status = to
	return nil
}

// escrowShortfall reports a missing locked amount. Matching locked it, so a
// shortfall is a bug.
func escrowShortfall(t *domain.TradeTransaction, err error) error {
	if errors.Is(err, domain.ErrInsufficientBalance) {
		return fmt.Errorf("%w: escrow of trade %s: %v", domain.ErrInvariantViolation, t.ID, err)
	}
	return err
}

func (s *Service) completed(ctx context.Context, trade *domain.TradeTransaction) {
	s.notify(ctx, trade, trade.BuyerID, domain.EventCryptoReleased, domain.PriorityHigh,
		"Crypto released", fmt.Sprintf("%s %s was released to your wallet", trade.CryptoAmount, trade.Asset))
	if err := s.feed.Publish(ctx, domain.EscrowSettled{Trade: *trade}); err != nil {
		s.logger.WarnContext(ctx, "trade feed publish failed",
			slog.String("trade_id", trade.ID), slog.String("error", err.Error()))
	}
}

// ExpireDue moves pending and active trades past their expiry to expired and
// returns the escrow. Each trade is re-checked under lock in its own
// transaction, so a concurrent accept or cancel wins cleanly.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.now()
	ids, err := s.store.DueForExpiry(ctx, now, 500)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		var trade *domain.TradeTransaction
		err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			t, err := tx.GetTradeTransaction(ctx, id)
			if err != nil {
				return err
			}
			if t.Status != domain.EscrowPending && t.Status != domain.EscrowActive {
				return nil
			}
			if !now.After(t.ExpiresAt) {
				return nil
			}
			if err := s.refund(ctx, tx, t, domain.EscrowExpired); err != nil {
				return err
			}
			t.UpdatedAt = now
			trade = t
			return tx.SaveTradeTransaction(ctx, t)
		})
		if err != nil {
			s.reject(ctx, "expire", err, slog.String("trade_id", id))
			errs = append(errs, fmt.Errorf("expire trade %s: %w", id, err))
			continue
		}
		if trade == nil {
			continue
		}

		expired++
		telemetry.EscrowTransitions.WithLabelValues(string(domain.EscrowExpired)).Inc()
		s.logger.InfoContext(ctx, "trade expired", slog.String("trade_id", id))
		for _, user := range []string{trade.SellerID, trade.BuyerID} {
			s.notify(ctx, trade, user, domain.EventStatusChange, domain.PriorityNormal,
				"Trade expired", "The trade expired before it was confirmed and the escrow was returned.")
		}
	}
	return expired, errors.Join(errs...)
}

// SetTier changes a user's membership tier.
func (s *Service) SetTier(ctx context.Context, adminID, userID string, tier domain.Tier) error {
	if !s.IsAdmin(adminID) {
		return s.reject(ctx, "set_tier", fmt.Errorf("%w: %s is not an admin", domain.ErrUnauthorized, adminID))
	}
	if userID == "" {
		return s.reject(ctx, "set_tier", domain.Validationf("user id is required"))
	}
	if _, ok := s.policy.Tiers[tier]; !ok {
		return s.reject(ctx, "set_tier", domain.Validationf("unknown tier %q", tier))
	}
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetTier(ctx, userID, tier)
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "tier changed",
		slog.String("user_id", userID), slog.String("tier", string(tier)), slog.String("admin_id", adminID))
	return nil
}

// GetTrade returns a trade to one of its parties or an admin.
func (s *Service) GetTrade(ctx context.Context, tradeID, actorID string) (*domain.TradeTransaction, error) {
	trade, err := s.store.GetTradeTransaction(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(actorID) && !s.IsAdmin(actorID) {
		return nil, fmt.Errorf("%w: %s is not a party to trade %s", domain.ErrUnauthorized, actorID, tradeID)
	}
	return trade, nil
}

// GetDispute returns the dispute filed on a trade.
func (s *Service) GetDispute(ctx context.Context, tradeID string) (*domain.Dispute, error) {
	return s.store.GetDispute(ctx, tradeID)
}

// ListUserTrades returns the escrow trades a user is party to.
func (s *Service) ListUserTrades(ctx context.Context, userID string) ([]*domain.TradeTransaction, error) {
	return s.store.ListTradeTransactionsByUser(ctx, userID)
}

// ListListings returns active listings, optionally for one asset.
func (s *Service) ListListings(ctx context.Context, asset string) ([]*domain.Listing, error) {
	return s.store.ListActiveListings(ctx, strings.ToUpper(asset))
}

// notify sends one notification. Delivery failures are logged only.
func (s *Service) notify(ctx context.Context, trade *domain.TradeTransaction, userID, event string, priority domain.Priority, title, message string) {
	n := domain.Notification{
		Event:    event,
		UserID:   userID,
		TradeID:  trade.ID,
		Title:    title,
		Message:  message,
		Priority: priority,
		Metadata: map[string]string{
			"status":        string(trade.Status),
			"asset":         trade.Asset,
			"crypto_amount": trade.CryptoAmount.String(),
			"total_value":   trade.TotalValue.StringFixed(domain.ValuePlaces),
		},
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("trade_id", trade.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
