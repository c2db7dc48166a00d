package volatility

import (
	"time"

	"gorm.io/gorm"
)

// Escalation is the persisted audit record of a group exhausting its
// automated reprices. Written once per escalation event, never mutated;
// the dashboard lists these for operator review.
type Escalation struct {
	gorm.Model   `json:"-"`
	EscalationID string    `gorm:"uniqueIndex" json:"escalation_id"`
	GroupID      string    `gorm:"index" json:"group_id"`
	QuotedPrice  float64   `json:"quoted_price"`
	MarketPrice  float64   `json:"market_price"`
	RepriceCount int       `json:"reprice_count"`
	CreatedAt    time.Time `json:"created_at"`
}
