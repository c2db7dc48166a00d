package deal

import (
	"time"

	"github.com/ksred/otc-desk/internal/types"
	"gorm.io/gorm"
)

// Deal is the authoritative record of a quote progressing toward
// settlement. The pricing snapshot fields are frozen at creation so a
// later rule edit never changes the terms of an in-flight deal.
type Deal struct {
	gorm.Model `json:"-"`
	DealID     string `gorm:"uniqueIndex" json:"deal_id"`
	GroupID    string `gorm:"index:idx_deals_group_client" json:"group_id"`
	ClientID   string `gorm:"index:idx_deals_group_client" json:"client_id"`

	Side           string   `json:"side"`
	QuotedRate     float64  `json:"quoted_rate"`
	BaseRate       float64  `json:"base_rate"`
	LockedRate     *float64 `json:"locked_rate,omitempty"`
	AmountQuoteCcy *float64 `json:"amount_quote_ccy,omitempty"`
	AmountBaseCcy  *float64 `json:"amount_base_ccy,omitempty"`

	State        string     `gorm:"index" json:"state"`
	QuotedAt     time.Time  `json:"quoted_at"`
	LockedAt     *time.Time `json:"locked_at,omitempty"`
	TTLExpiresAt time.Time  `gorm:"column:ttl_expires_at" json:"ttl_expires_at"`
	RepromptedAt *time.Time `json:"reprompted_at,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`

	PricingSource string  `json:"pricing_source"`
	SpreadMode    string  `json:"spread_mode"`
	SellSpread    float64 `json:"sell_spread"`
	BuySpread     float64 `json:"buy_spread"`
	RuleID        *string `json:"rule_id,omitempty"`
	RuleName      *string `json:"rule_name,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DealState returns the state as its typed form.
func (d *Deal) DealState() types.DealState {
	return types.DealState(d.State)
}

// DealHistoryRecord is the immutable snapshot of a terminal deal. Written
// once at archival, never updated; the active Deal row is removed after
// the history insert succeeds.
type DealHistoryRecord struct {
	gorm.Model `json:"-"`
	DealID     string `gorm:"index" json:"deal_id"`
	GroupID    string `gorm:"index" json:"group_id"`
	ClientID   string `json:"client_id"`

	Side           string   `json:"side"`
	QuotedRate     float64  `json:"quoted_rate"`
	BaseRate       float64  `json:"base_rate"`
	LockedRate     *float64 `json:"locked_rate,omitempty"`
	AmountQuoteCcy *float64 `json:"amount_quote_ccy,omitempty"`
	AmountBaseCcy  *float64 `json:"amount_base_ccy,omitempty"`

	FinalState       string     `json:"final_state"`
	CompletionReason string     `json:"completion_reason"`
	QuotedAt         time.Time  `json:"quoted_at"`
	LockedAt         *time.Time `json:"locked_at,omitempty"`

	PricingSource string  `json:"pricing_source"`
	SpreadMode    string  `json:"spread_mode"`
	SellSpread    float64 `json:"sell_spread"`
	BuySpread     float64 `json:"buy_spread"`
	RuleID        *string `json:"rule_id,omitempty"`
	RuleName      *string `json:"rule_name,omitempty"`

	ArchivedAt time.Time `json:"archived_at"`
}

// PricingSnapshot carries the resolved rule/config values frozen onto a
// deal at creation time.
type PricingSnapshot struct {
	PricingSource string  `json:"pricing_source"`
	SpreadMode    string  `json:"spread_mode"`
	SellSpread    float64 `json:"sell_spread"`
	BuySpread     float64 `json:"buy_spread"`
	RuleID        *string `json:"rule_id,omitempty"`
	RuleName      *string `json:"rule_name,omitempty"`
}

// TransitionEvent is emitted after every successful state change for
// observability and audit. Delivery is best-effort and never blocks the
// transition that produced it.
type TransitionEvent struct {
	DealID   string          `json:"deal_id"`
	GroupID  string          `json:"group_id"`
	ClientID string          `json:"client_id"`
	From     types.DealState `json:"from"`
	To       types.DealState `json:"to"`
	Reason   string          `json:"reason,omitempty"`
	At       time.Time       `json:"at"`
}
