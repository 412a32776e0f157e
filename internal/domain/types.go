package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Crypto amounts carry 8 decimal places, currency values 2. Prices are
// capped at 8 so amount*price stays exact in a NUMERIC(36, 18) column.
const (
	AmountPlaces int32 = 8
	PricePlaces  int32 = 8
	ValuePlaces  int32 = 2
)

// Side represents the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the counter side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order represents a limit order in the book.
type Order struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Side      Side            `json:"side"`
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"` // quote currency per unit
	Filled    decimal.Decimal `json:"filled"`
	Status    OrderStatus     `json:"status"`
	Seq       uint64          `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

// Remaining is the unfilled part of the order.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// Open reports whether the order can still match.
func (o *Order) Open() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusPartial
}

// Expired reports whether the order carries an expiry that is before now.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// RefreshStatus derives the status from Filled. CANCELLED is left untouched.
func (o *Order) RefreshStatus() {
	if o.Status == OrderStatusCancelled {
		return
	}
	switch {
	case o.Filled.Equal(o.Amount):
		o.Status = OrderStatusFilled
	case o.Filled.IsPositive():
		o.Status = OrderStatusPartial
	default:
		o.Status = OrderStatusPending
	}
}

// TradeStatus is the status of an execution record.
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusCompleted TradeStatus = "COMPLETED"
	TradeStatusFailed    TradeStatus = "FAILED"
)

// Trade is the execution record produced by one match.
type Trade struct {
	ID           string          `json:"id"`
	BuyOrderID   string          `json:"buy_order_id"`
	SellOrderID  string          `json:"sell_order_id"`
	BuyerID      string          `json:"buyer_id"`
	SellerID     string          `json:"seller_id"`
	MakerOrderID string          `json:"maker_order_id"`
	Asset        string          `json:"asset"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	TotalValue   decimal.Decimal `json:"total_value"`
	Fee          decimal.Decimal `json:"fee"`
	Status       TradeStatus     `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ListingType is the side the listing creator takes.
type ListingType string

const (
	ListingBuy  ListingType = "buy"
	ListingSell ListingType = "sell"
)

// ListingStatus is the lifecycle state of a listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingMatched   ListingStatus = "matched"
	ListingCancelled ListingStatus = "cancelled"
)

// Listing is a P2P offer that another user can match into an escrow trade.
type Listing struct {
	ID            string          `json:"id"`
	CreatorID     string          `json:"creator_id"`
	Type          ListingType     `json:"type"`
	Asset         string          `json:"asset"`
	CryptoAmount  decimal.Decimal `json:"crypto_amount"`
	PricePerUnit  decimal.Decimal `json:"price_per_unit"`
	TotalValue    decimal.Decimal `json:"total_value"`
	Fee           decimal.Decimal `json:"fee"`
	PaymentMethod string          `json:"payment_method"`
	Terms         string          `json:"terms"`
	Status        ListingStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EscrowStatus is the state variable of a TradeTransaction.
type EscrowStatus string

const (
	EscrowPending          EscrowStatus = "pending"
	EscrowActive           EscrowStatus = "active"
	EscrowPaymentPending   EscrowStatus = "payment_pending"
	EscrowPaymentSubmitted EscrowStatus = "payment_submitted"
	EscrowInEscrow         EscrowStatus = "in_escrow"
	EscrowCompleted        EscrowStatus = "completed"
	EscrowCancelled        EscrowStatus = "cancelled"
	EscrowDisputed         EscrowStatus = "disputed"
	EscrowExpired          EscrowStatus = "expired"
)

// Terminal reports whether no transition at all may leave s.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowCompleted || s == EscrowCancelled || s == EscrowExpired
}

// Frozen reports whether buyer and seller can no longer move the trade.
// A disputed trade is frozen until an admin resolves it.
func (s EscrowStatus) Frozen() bool {
	return s.Terminal() || s == EscrowDisputed
}

// TradeTransaction is a single escrow-backed P2P trade.
type TradeTransaction struct {
	ID           string          `json:"id"`
	ListingID    string          `json:"listing_id"`
	SellerID     string          `json:"seller_id"`
	BuyerID      string          `json:"buyer_id"`
	CreatorID    string          `json:"creator_id"`
	Asset        string          `json:"asset"`
	QuoteAsset   string          `json:"quote_asset"`
	CryptoAmount decimal.Decimal `json:"crypto_amount"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	TotalValue   decimal.Decimal `json:"total_value"`
	Fee          decimal.Decimal `json:"fee"`
	Status       EscrowStatus    `json:"status"`
	PaymentProof string          `json:"payment_proof,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// IsParty reports whether userID is the buyer or the seller.
func (t *TradeTransaction) IsParty(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID
}

// Counterparty returns the other party of the trade.
func (t *TradeTransaction) Counterparty(userID string) string {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

// DisputeStatus is the state of a dispute record.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
)

// Resolution is the admin decision on a disputed trade.
type Resolution string

const (
	ResolutionRelease Resolution = "release" // crypto goes to the buyer
	ResolutionRefund  Resolution = "refund"  // crypto returns to the seller
)

// Dispute is filed by a trade party and resolved by an admin.
type Dispute struct {
	ID         string        `json:"id"`
	TradeID    string        `json:"trade_id"`
	FiledBy    string        `json:"filed_by"`
	Reason     string        `json:"reason"`
	Status     DisputeStatus `json:"status"`
	Resolution Resolution    `json:"resolution,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	Note       string        `json:"note,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Balance is one asset row of a user's custody wallet.
type Balance struct {
	UserID  string          `json:"user_id"`
	Asset   string          `json:"asset"`
	Custody decimal.Decimal `json:"custody_balance"`
	Trading decimal.Decimal `json:"trading_balance"`
	Locked  decimal.Decimal `json:"locked_balance"`
}

// Tier is a membership tier keying the limits table.
type Tier string

const (
	TierBasic         Tier = "basic"
	TierVerified      Tier = "verified"
	TierPremium       Tier = "premium"
	TierInstitutional Tier = "institutional"
)

// OrderBookSnapshot is an aggregated view of the top of a book.
type OrderBookSnapshot struct {
	Asset string       `json:"asset"`
	Bids  []PriceLevel `json:"bids"`
	Asks  []PriceLevel `json:"asks"`
}

// PriceLevel is one aggregated level of the book.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}
