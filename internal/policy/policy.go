package policy

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/nathanyu/p2p-exchange/internal/domain"
)

// Cap is an upper bound that may be unlimited.
type Cap struct {
	value     decimal.Decimal
	unlimited bool
}

// Unlimited is a cap nothing exceeds.
var Unlimited = Cap{unlimited: true}

// Limit returns a finite cap.
func Limit(v int64) Cap {
	return Cap{value: decimal.NewFromInt(v)}
}

// IsUnlimited reports whether the cap is infinite.
func (c Cap) IsUnlimited() bool { return c.unlimited }

// Value returns the finite bound. It is zero for an unlimited cap.
func (c Cap) Value() decimal.Decimal { return c.value }

// Exceeded reports whether v > cap.
func (c Cap) Exceeded(v decimal.Decimal) bool {
	return !c.unlimited && v.GreaterThan(c.value)
}

// Reached reports whether v >= cap.
func (c Cap) Reached(v decimal.Decimal) bool {
	return !c.unlimited && v.GreaterThanOrEqual(c.value)
}

func (c Cap) String() string {
	if c.unlimited {
		return "unlimited"
	}
	return c.value.String()
}

// MarshalJSON renders an unlimited cap as the string "unlimited".
func (c Cap) MarshalJSON() ([]byte, error) {
	if c.unlimited {
		return json.Marshal("unlimited")
	}
	return []byte(c.value.String()), nil
}

// Limits are the per-tier caps.
type Limits struct {
	MaxTradeAmount    Cap `json:"max_trade_amount"`
	MaxWeeklyVolume   Cap `json:"max_weekly_volume"`
	MaxActiveListings Cap `json:"max_active_listings"`
}

// DefaultTiers is the membership limits table.
var DefaultTiers = map[domain.Tier]Limits{
	domain.TierBasic: {
		MaxTradeAmount:    Limit(5_000),
		MaxWeeklyVolume:   Limit(25_000),
		MaxActiveListings: Limit(3),
	},
	domain.TierVerified: {
		MaxTradeAmount:    Limit(50_000),
		MaxWeeklyVolume:   Limit(250_000),
		MaxActiveListings: Limit(10),
	},
	domain.TierPremium: {
		MaxTradeAmount:    Limit(500_000),
		MaxWeeklyVolume:   Limit(2_500_000),
		MaxActiveListings: Limit(25),
	},
	domain.TierInstitutional: {
		MaxTradeAmount:    Unlimited,
		MaxWeeklyVolume:   Unlimited,
		MaxActiveListings: Unlimited,
	},
}

// FeeSchedule holds the platform fee constants.
type FeeSchedule struct {
	Rate decimal.Decimal
	Min  decimal.Decimal
	Max  decimal.Decimal
}

// DefaultFees charges 0.5% clamped to [2.50, 5000].
var DefaultFees = FeeSchedule{
	Rate: decimal.RequireFromString("0.005"),
	Min:  decimal.RequireFromString("2.50"),
	Max:  decimal.NewFromInt(5000),
}

// Policy bundles the fee schedule and the tier table.
type Policy struct {
	Fees  FeeSchedule
	Tiers map[domain.Tier]Limits
}

// New creates a Policy with the default tier table.
func New(fees FeeSchedule) *Policy {
	return &Policy{Fees: fees, Tiers: DefaultTiers}
}

// Default returns a Policy with the default fees and tiers.
func Default() *Policy {
	return New(DefaultFees)
}

// Fee returns clamp(value*rate, min, max) rounded to currency precision.
func (p *Policy) Fee(value decimal.Decimal) (decimal.Decimal, error) {
	if value.IsNegative() {
		return decimal.Zero, domain.Validationf("trade value must not be negative, got %s", value)
	}
	fee := value.Mul(p.Fees.Rate)
	if fee.LessThan(p.Fees.Min) {
		fee = p.Fees.Min
	}
	if fee.GreaterThan(p.Fees.Max) {
		fee = p.Fees.Max
	}
	return fee.Round(domain.ValuePlaces), nil
}

// LimitsFor returns the caps of a tier. Unknown tiers get basic limits.
func (p *Policy) LimitsFor(tier domain.Tier) Limits {
	if l, ok := p.Tiers[tier]; ok {
		return l
	}
	return p.Tiers[domain.TierBasic]
}

// Result is the outcome of ValidateTrade.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Limit   string `json:"limit,omitempty"`
	Limits  Limits `json:"limits"`
}

// Err turns a rejection into a *domain.LimitError, or nil when allowed. A
// rejection that names no limit is malformed input and maps to
// domain.ErrValidation.
func (r Result) Err() error {
	if r.Allowed {
		return nil
	}
	if r.Limit == "" {
		return domain.Validationf("%s", r.Reason)
	}
	var value string
	switch r.Limit {
	case "max_trade_amount":
		value = r.Limits.MaxTradeAmount.String()
	case "max_weekly_volume":
		value = r.Limits.MaxWeeklyVolume.String()
	case "max_active_listings":
		value = r.Limits.MaxActiveListings.String()
	}
	return &domain.LimitError{Limit: r.Limit, Value: value, Reason: r.Reason}
}

// ValidateTrade checks the single-trade cap, then the weekly volume, then the
// active listing count. The first failing check decides the reason.
func (p *Policy) ValidateTrade(tier domain.Tier, value, weeklyVolume decimal.Decimal, activeListings int) Result {
	limits := p.LimitsFor(tier)
	res := Result{Limits: limits}

	if value.IsNegative() {
		res.Reason = fmt.Sprintf("trade value R%s is negative", value.StringFixed(domain.ValuePlaces))
		return res
	}

	if limits.MaxTradeAmount.Exceeded(value) {
		res.Limit = "max_trade_amount"
		res.Reason = fmt.Sprintf("trade value R%s exceeds the %s single trade limit of R%s",
			value.StringFixed(domain.ValuePlaces), tier, limits.MaxTradeAmount.Value().StringFixed(domain.ValuePlaces))
		return res
	}

	if limits.MaxWeeklyVolume.Exceeded(weeklyVolume.Add(value)) {
		res.Limit = "max_weekly_volume"
		res.Reason = fmt.Sprintf("weekly volume R%s plus R%s would exceed the %s weekly limit of R%s",
			weeklyVolume.StringFixed(domain.ValuePlaces), value.StringFixed(domain.ValuePlaces),
			tier, limits.MaxWeeklyVolume.Value().StringFixed(domain.ValuePlaces))
		return res
	}

	if limits.MaxActiveListings.Reached(decimal.NewFromInt(int64(activeListings))) {
		res.Limit = "max_active_listings"
		res.Reason = fmt.Sprintf("%d active listings reached the %s limit of %s",
			activeListings, tier, limits.MaxActiveListings)
		return res
	}

	res.Allowed = true
	return res
}
