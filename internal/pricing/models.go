package pricing

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// PricingRule is an operator-defined schedule window that overrides the
// group's default spread configuration while active. Rules are read-mostly:
// edited rarely from the dashboard, looked up on every quote and tick.
type PricingRule struct {
	gorm.Model    `json:"-"`
	RuleID        string    `gorm:"uniqueIndex" json:"rule_id"`
	GroupID       string    `gorm:"index" json:"group_id"`
	Name          string    `json:"name"`
	Priority      int       `json:"priority"`
	ScheduleDays  string    `json:"schedule_days"` // comma-separated: mon,tue,wed,thu,fri,sat,sun
	StartTime     string    `json:"start_time"`    // HH:MM in the rule's timezone
	EndTime       string    `json:"end_time"`      // HH:MM; start > end wraps past midnight, start == end is all day
	Timezone      string    `json:"timezone"`
	PricingSource string    `json:"pricing_source"`
	SpreadMode    string    `json:"spread_mode"`
	SellSpread    float64   `json:"sell_spread"`
	BuySpread     float64   `json:"buy_spread"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Days parses ScheduleDays into weekdays. Unknown tokens are skipped.
func (r *PricingRule) Days() []time.Weekday {
	var days []time.Weekday
	for _, token := range strings.Split(r.ScheduleDays, ",") {
		if day, ok := weekdayFromToken(strings.TrimSpace(token)); ok {
			days = append(days, day)
		}
	}
	return days
}

func weekdayFromToken(token string) (time.Weekday, bool) {
	switch strings.ToLower(token) {
	case "sun":
		return time.Sunday, true
	case "mon":
		return time.Monday, true
	case "tue":
		return time.Tuesday, true
	case "wed":
		return time.Wednesday, true
	case "thu":
		return time.Thursday, true
	case "fri":
		return time.Friday, true
	case "sat":
		return time.Saturday, true
	}
	return 0, false
}

// GroupConfig holds a group's default spread settings and flow timeouts,
// used whenever no pricing rule is active.
type GroupConfig struct {
	gorm.Model           `json:"-"`
	GroupID              string    `gorm:"uniqueIndex" json:"group_id"`
	PricingSource        string    `json:"pricing_source"`
	SpreadMode           string    `json:"spread_mode"`
	SellSpread           float64   `json:"sell_spread"`
	BuySpread            float64   `json:"buy_spread"`
	QuoteTTLSeconds      int       `json:"quote_ttl_seconds"`
	DefaultSide          string    `json:"default_side"`
	DealFlowMode         string    `json:"deal_flow_mode"` // guided or direct
	AmountTimeoutSeconds int       `json:"amount_timeout_seconds"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}
