package volatility

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/otc-desk/internal/feed"
	"github.com/ksred/otc-desk/internal/messaging"
	"github.com/ksred/otc-desk/internal/pricing"
	"github.com/ksred/otc-desk/internal/quote"
	"github.com/ksred/otc-desk/internal/spread"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	// cancelNotice is the literal posted to a group the moment its
	// outstanding quote is voided by a breach. Clients know the text.
	cancelNotice = `"off"|`

	defaultMaxReprices = 3

	repriceFetchTimeout = 5 * time.Second
)

// Config tunes the monitor. Zero values fall back to desk defaults.
type Config struct {
	MaxReprices         int
	DefaultThresholdBps float64
}

// Monitor guards every outstanding quote against live market moves. On
// each tick it re-evaluates all pending quotes, drives the lock-protected
// reprice cycle on breach, and escalates a group once automated reprices
// are exhausted.
type Monitor struct {
	registry  *quote.Registry
	resolver  *pricing.Resolver
	fetcher   feed.PriceFetcher
	messenger messaging.Messenger
	notifier  messaging.Notifier
	db        *Database

	maxReprices         int
	defaultThresholdBps float64

	pauseMu sync.RWMutex
	paused  map[string]bool
}

func NewMonitor(gormDB *gorm.DB, registry *quote.Registry, resolver *pricing.Resolver,
	fetcher feed.PriceFetcher, messenger messaging.Messenger, notifier messaging.Notifier,
	config Config) *Monitor {

	maxReprices := config.MaxReprices
	if maxReprices <= 0 {
		maxReprices = defaultMaxReprices
	}
	thresholdBps := config.DefaultThresholdBps
	if thresholdBps <= 0 {
		thresholdBps = resolver.Defaults().BreachThresholdBps
	}

	return &Monitor{
		registry:            registry,
		resolver:            resolver,
		fetcher:             fetcher,
		messenger:           messenger,
		notifier:            notifier,
		db:                  NewDatabase(gormDB),
		maxReprices:         maxReprices,
		defaultThresholdBps: thresholdBps,
		paused:              make(map[string]bool),
	}
}

// Start subscribes the monitor to the feed and blocks until ctx is
// cancelled.
func (m *Monitor) Start(ctx context.Context, priceFeed feed.PriceFeed) {
	logger := log.With().Str("component", "volatility_monitor").Logger()
	logger.Info().
		Int("max_reprices", m.maxReprices).
		Float64("default_threshold_bps", m.defaultThresholdBps).
		Msg("starting volatility monitor")

	unsubscribe := priceFeed.Subscribe(func(tick feed.Tick) {
		m.HandleTick(ctx, tick)
	})
	defer unsubscribe()

	<-ctx.Done()
	logger.Info().Msg("shutting down volatility monitor")
}

// HandleTick evaluates every pending quote against the tick. Breached
// groups whose reprice lock is won get a reprice cycle on a separate
// goroutine, so a slow cycle for one group never delays the others;
// same-group ticks arriving mid-cycle lose the lock and are dropped.
func (m *Monitor) HandleTick(ctx context.Context, tick feed.Tick) {
	for _, q := range m.registry.GetAllActiveQuotes() {
		if q.Status != quote.StatusPending {
			continue
		}
		if m.IsGroupPaused(q.GroupID) {
			continue
		}

		resolution, threshold, err := m.thresholdFor(q.GroupID)
		if err != nil {
			log.Warn().
				Str("component", "volatility_monitor").
				Str("group_id", q.GroupID).
				Err(err).
				Msg("threshold resolution failed, skipping quote this tick")
			continue
		}

		if !spread.CheckThresholdBreach(q.QuotedPrice, tick.Price, threshold) {
			continue
		}
		if !m.registry.TryLockForReprice(q.GroupID) {
			// Another tick's cycle is mid-flight; never queue or stack.
			continue
		}

		log.Info().
			Str("component", "volatility_monitor").
			Str("group_id", q.GroupID).
			Float64("quoted_price", q.QuotedPrice).
			Float64("market_price", tick.Price).
			Str("threshold_mode", string(threshold.Mode)).
			Float64("threshold_value", threshold.Value).
			Msg("quote breached, starting reprice cycle")

		go m.repriceCycle(ctx, q.GroupID, tick.Price, resolution)
	}
}

// repriceCycle voids the old quote, prices a fresh one with the same
// rule/config, posts it and bumps the reprice count. Any mid-cycle
// failure abandons the cycle and releases the lock without touching the
// recorded price; the next tick retries from scratch.
func (m *Monitor) repriceCycle(ctx context.Context, groupID string, marketPrice float64, resolution *pricing.Resolution) {
	logger := log.With().
		Str("component", "volatility_monitor").
		Str("group_id", groupID).
		Logger()

	if err := m.messenger.Send(groupID, cancelNotice); err != nil {
		logger.Warn().Err(err).Msg("cancel notice failed, abandoning reprice cycle")
		m.registry.UnlockAfterReprice(groupID, 0, 0)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, repriceFetchTimeout)
	basePrice, err := m.fetcher.FetchPrice(fetchCtx, resolution.PricingSource)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("price fetch failed, abandoning reprice cycle")
		m.registry.UnlockAfterReprice(groupID, 0, 0)
		return
	}

	newQuoted := spread.CalculateQuote(basePrice, resolution.Params, resolution.DefaultSide)
	if err := m.messenger.Send(groupID, quote.FormatQuoteMessage(newQuoted)); err != nil {
		logger.Warn().Err(err).Msg("requote send failed, abandoning reprice cycle")
		m.registry.UnlockAfterReprice(groupID, 0, 0)
		return
	}

	count := m.registry.IncrementRepriceCount(groupID)
	logger.Info().
		Float64("new_quoted_price", newQuoted).
		Int("reprice_count", count).
		Msg("reprice cycle complete")

	if count >= m.maxReprices {
		m.escalate(groupID, newQuoted, marketPrice, count)
	}

	m.registry.UnlockAfterReprice(groupID, newQuoted, basePrice)
}

// escalate records the group exceeding its reprice budget and pauses it.
// The pause happens only after the audit record persists: a paused group
// with no trail for the operator is worse than one that keeps alerting.
// On persistence failure the group stays unpaused and the control channel
// gets a DB-error-flavored alert instead.
func (m *Monitor) escalate(groupID string, quotedPrice, marketPrice float64, repriceCount int) {
	logger := log.With().
		Str("component", "volatility_monitor").
		Str("group_id", groupID).
		Logger()

	escalation := &Escalation{
		EscalationID: "ESC_" + uuid.New().String(),
		GroupID:      groupID,
		QuotedPrice:  quotedPrice,
		MarketPrice:  marketPrice,
		RepriceCount: repriceCount,
		CreatedAt:    time.Now(),
	}

	if err := m.db.CreateEscalation(escalation); err != nil {
		logger.Error().Err(err).Msg("escalation record failed to persist, leaving group unpaused")
		m.notifier.Notify(fmt.Sprintf(
			"[DB ERROR] volatility escalation for group %s could not be recorded (reprices=%d quoted=%.4f market=%.4f) — group NOT paused",
			groupID, repriceCount, quotedPrice, marketPrice))
		return
	}

	m.pauseGroup(groupID)
	logger.Warn().
		Str("escalation_id", escalation.EscalationID).
		Int("reprice_count", repriceCount).
		Msg("group paused after repeated volatility breaches")
	m.notifier.Notify(fmt.Sprintf(
		"volatility escalation %s: group %s paused after %d reprices (quoted=%.4f market=%.4f)",
		escalation.EscalationID, groupID, repriceCount, quotedPrice, marketPrice))
}

// IsGroupPaused reports whether automated responses for the group are
// suspended. Consulted by the routing layer before replying.
func (m *Monitor) IsGroupPaused(groupID string) bool {
	m.pauseMu.RLock()
	defer m.pauseMu.RUnlock()
	return m.paused[groupID]
}

// UnpauseGroup resumes automation for the group after operator review.
func (m *Monitor) UnpauseGroup(groupID string) {
	m.pauseMu.Lock()
	delete(m.paused, groupID)
	m.pauseMu.Unlock()

	log.Info().
		Str("component", "volatility_monitor").
		Str("group_id", groupID).
		Msg("group unpaused by operator")
}

// PausedGroups lists the currently paused groups.
func (m *Monitor) PausedGroups() []string {
	m.pauseMu.RLock()
	defer m.pauseMu.RUnlock()

	groups := make([]string, 0, len(m.paused))
	for groupID := range m.paused {
		groups = append(groups, groupID)
	}
	return groups
}

// ListEscalations returns recent escalation records for the dashboard.
func (m *Monitor) ListEscalations(groupID string, limit int) ([]Escalation, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.db.ListEscalations(groupID, limit)
}

func (m *Monitor) pauseGroup(groupID string) {
	m.pauseMu.Lock()
	m.paused[groupID] = true
	m.pauseMu.Unlock()
}

// thresholdFor resolves the group's breach threshold from the cached
// rule/config lookup.
func (m *Monitor) thresholdFor(groupID string) (*pricing.Resolution, spread.Threshold, error) {
	resolution, err := m.resolver.Resolve(groupID, time.Now())
	if err != nil {
		return nil, spread.Threshold{}, err
	}
	return resolution, resolution.BreachThreshold(m.defaultThresholdBps), nil
}
