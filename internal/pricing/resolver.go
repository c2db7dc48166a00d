package pricing

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ksred/otc-desk/internal/spread"
	"github.com/ksred/otc-desk/internal/types"
	"github.com/rs/zerolog/log"
)

// Defaults applies when a group has no stored config. The breach threshold
// default of 30bps matches the desk's standing volatility policy.
type Defaults struct {
	PricingSource        string
	SpreadMode           types.SpreadMode
	SellSpread           float64
	BuySpread            float64
	QuoteTTLSeconds      int
	DefaultSide          types.Side
	AmountTimeoutSeconds int
	BreachThresholdBps   float64
}

// StandardDefaults returns the desk-wide fallback configuration.
func StandardDefaults() Defaults {
	return Defaults{
		PricingSource:        "commercial",
		SpreadMode:           types.SpreadModeBps,
		SellSpread:           0,
		BuySpread:            0,
		QuoteTTLSeconds:      120,
		DefaultSide:          types.SideClientBuys,
		AmountTimeoutSeconds: 60,
		BreachThresholdBps:   30,
	}
}

// Resolution is the pricing decision for a group at one instant: which
// source to fetch from, which spread parameters apply, and the rule that
// produced them (nil fields when falling back to the group config).
type Resolution struct {
	GroupID              string
	PricingSource        string
	Params               spread.Params
	RuleID               *string
	RuleName             *string
	QuoteTTLSeconds      int
	DefaultSide          types.Side
	AmountTimeoutSeconds int
}

// BreachThreshold derives the volatility threshold implied by the
// resolution: the resolved spread mode and value carry over directly, so
// a flat-mode group never breaches. The default bps value applies only
// when a bps resolution has no positive spread configured.
func (r *Resolution) BreachThreshold(defaultBps float64) spread.Threshold {
	switch r.Params.Mode {
	case types.SpreadModeAbsBRL:
		return spread.Threshold{Mode: types.SpreadModeAbsBRL, Value: r.Params.SellSpread}
	case types.SpreadModeFlat:
		return spread.Threshold{Mode: types.SpreadModeFlat}
	default:
		if r.Params.SellSpread > 0 {
			return spread.Threshold{Mode: types.SpreadModeBps, Value: r.Params.SellSpread}
		}
		return spread.Threshold{Mode: types.SpreadModeBps, Value: defaultBps}
	}
}

type groupSnapshot struct {
	rules  []PricingRule
	config *GroupConfig
}

// Resolver selects the pricing rule (or group default) in force for a
// group at a given instant. Rule and config reads are cached per group;
// the cache is invalidated explicitly whenever a rule or config is
// edited, and tolerates brief staleness otherwise.
type Resolver struct {
	db       *Database
	defaults Defaults

	mu    sync.RWMutex
	cache map[string]*groupSnapshot
}

func NewResolver(db *Database, defaults Defaults) *Resolver {
	return &Resolver{
		db:       db,
		defaults: defaults,
		cache:    make(map[string]*groupSnapshot),
	}
}

// Defaults exposes the desk-wide fallbacks the resolver was built with.
func (r *Resolver) Defaults() Defaults {
	return r.defaults
}

// Resolve returns the pricing decision for the group at instant now.
// The highest-priority active rule whose schedule covers now wins;
// otherwise the group config, otherwise the desk defaults.
func (r *Resolver) Resolve(groupID string, now time.Time) (*Resolution, error) {
	snapshot, err := r.snapshot(groupID)
	if err != nil {
		return nil, err
	}

	resolution := r.baseResolution(groupID, snapshot.config)

	// Rules arrive ordered by priority descending; first match wins.
	for i := range snapshot.rules {
		rule := &snapshot.rules[i]
		if !ruleMatches(rule, now) {
			continue
		}
		resolution.PricingSource = rule.PricingSource
		resolution.Params = spread.Params{
			Mode:       types.SpreadMode(rule.SpreadMode),
			SellSpread: rule.SellSpread,
			BuySpread:  rule.BuySpread,
		}
		ruleID, ruleName := rule.RuleID, rule.Name
		resolution.RuleID = &ruleID
		resolution.RuleName = &ruleName
		break
	}

	return resolution, nil
}

// InvalidateConfigCache drops the cached rules and config for one group.
// Fired on every rule or config edit.
func (r *Resolver) InvalidateConfigCache(groupID string) {
	r.mu.Lock()
	delete(r.cache, groupID)
	r.mu.Unlock()
}

// ClearConfigCache drops the whole cache.
func (r *Resolver) ClearConfigCache() {
	r.mu.Lock()
	r.cache = make(map[string]*groupSnapshot)
	r.mu.Unlock()
}

func (r *Resolver) snapshot(groupID string) (*groupSnapshot, error) {
	r.mu.RLock()
	cached, ok := r.cache[groupID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	rules, err := r.db.GetActiveRulesForGroup(groupID)
	if err != nil {
		return nil, err
	}
	config, err := r.db.GetGroupConfig(groupID)
	if err != nil {
		return nil, err
	}

	snapshot := &groupSnapshot{rules: rules, config: config}
	r.mu.Lock()
	r.cache[groupID] = snapshot
	r.mu.Unlock()
	return snapshot, nil
}

func (r *Resolver) baseResolution(groupID string, config *GroupConfig) *Resolution {
	d := r.defaults
	resolution := &Resolution{
		GroupID:       groupID,
		PricingSource: d.PricingSource,
		Params: spread.Params{
			Mode:       d.SpreadMode,
			SellSpread: d.SellSpread,
			BuySpread:  d.BuySpread,
		},
		QuoteTTLSeconds:      d.QuoteTTLSeconds,
		DefaultSide:          d.DefaultSide,
		AmountTimeoutSeconds: d.AmountTimeoutSeconds,
	}
	if config == nil {
		return resolution
	}

	if config.PricingSource != "" {
		resolution.PricingSource = config.PricingSource
	}
	if mode := types.SpreadMode(config.SpreadMode); mode.Valid() {
		resolution.Params.Mode = mode
	}
	resolution.Params.SellSpread = config.SellSpread
	resolution.Params.BuySpread = config.BuySpread
	if config.QuoteTTLSeconds > 0 {
		resolution.QuoteTTLSeconds = config.QuoteTTLSeconds
	}
	if side := types.Side(config.DefaultSide); side.Valid() {
		resolution.DefaultSide = side
	}
	if config.AmountTimeoutSeconds > 0 {
		resolution.AmountTimeoutSeconds = config.AmountTimeoutSeconds
	}
	return resolution
}

// ruleMatches reports whether the rule's schedule covers instant now,
// evaluated in the rule's timezone. A window with start > end wraps past
// midnight; start == end means all day.
func ruleMatches(rule *PricingRule, now time.Time) bool {
	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		log.Warn().
			Str("component", "pricing_resolver").
			Str("rule_id", rule.RuleID).
			Str("timezone", rule.Timezone).
			Msg("unknown timezone on rule, evaluating in UTC")
		loc = time.UTC
	}
	local := now.In(loc)

	dayMatch := false
	for _, day := range rule.Days() {
		if local.Weekday() == day {
			dayMatch = true
			break
		}
	}
	if !dayMatch {
		return false
	}

	start, okStart := minutesOfDay(rule.StartTime)
	end, okEnd := minutesOfDay(rule.EndTime)
	if !okStart || !okEnd {
		return false
	}
	current := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return true
	case start < end:
		return current >= start && current < end
	default:
		return current >= start || current < end
	}
}

func minutesOfDay(value string) (int, bool) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, false
	}
	hours, err := strconv.Atoi(parts[0])
	if err != nil || hours < 0 || hours > 23 {
		return 0, false
	}
	minutes, err := strconv.Atoi(parts[1])
	if err != nil || minutes < 0 || minutes > 59 {
		return 0, false
	}
	return hours*60 + minutes, true
}
