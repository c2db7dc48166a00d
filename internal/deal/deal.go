package deal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/otc-desk/internal/spread"
	"github.com/ksred/otc-desk/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// transitionTable is the closed set of valid lifecycle moves. Terminal
// states have no outgoing transitions.
var transitionTable = map[types.DealState][]types.DealState{
	types.StateQuoted: {
		types.StateLocked, types.StateExpired, types.StateCancelled, types.StateRejected,
	},
	types.StateLocked: {
		types.StateAwaitingAmount, types.StateComputing, types.StateExpired, types.StateCancelled,
	},
	types.StateAwaitingAmount: {
		types.StateComputing, types.StateExpired, types.StateCancelled,
	},
	types.StateComputing: {
		types.StateCompleted, types.StateCancelled,
	},
	types.StateCompleted: {},
	types.StateExpired:   {},
	types.StateCancelled: {},
	types.StateRejected:  {},
}

func transitionAllowed(from, to types.DealState) bool {
	for _, allowed := range transitionTable[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

const (
	// Batch ceiling for one expiry sweep pass.
	sweepBatchSize = 200

	// Classification window for awaiting_amount deals. The sweep
	// processor re-validates candidates against the group's configured
	// amount timeout before acting; this fixed window only feeds the
	// classification query.
	repromptClassifyWindow = 30 * time.Second

	transitionEventBuffer = 256
)

// QuoteRegistry is the slice of the active-quote registry the lifecycle
// needs: voiding a group's outstanding quote once its deal moves on.
type QuoteRegistry interface {
	Clear(groupID string)
}

// Service owns the deal lifecycle: creation under the one-active-deal
// invariant, validated state transitions with optimistic concurrency,
// TTL expiry and archival to history.
type Service struct {
	db     *Database
	events chan TransitionEvent
	quotes QuoteRegistry

	// Read-through cache of the active deal per (group, client), used by
	// the routing layer's pre-flight lookups. Invalidated on every write.
	cacheMu     sync.RWMutex
	activeCache map[string]*Deal
}

// NewService creates a new deal service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:          NewDatabase(gormDB),
		events:      make(chan TransitionEvent, transitionEventBuffer),
		activeCache: make(map[string]*Deal),
	}
}

// Events exposes the stream of successful transitions. Consumers that
// fall behind lose events; delivery is best-effort by contract.
func (s *Service) Events() <-chan TransitionEvent {
	return s.events
}

// AttachQuoteRegistry wires the active-quote registry so that any
// transition out of quoted (lock, cancel, reject, expire) voids the
// group's outstanding quote and stops the monitor repricing it.
func (s *Service) AttachQuoteRegistry(quotes QuoteRegistry) {
	s.quotes = quotes
}

// CreateDealParams are the inputs for opening a deal. Snapshot carries
// the pricing rule/config values resolved at quote time.
type CreateDealParams struct {
	GroupID        string
	ClientID       string
	Side           types.Side
	QuotedRate     float64
	BaseRate       float64
	TTLSeconds     int
	AmountQuoteCcy *float64
	AmountBaseCcy  *float64
	Snapshot       PricingSnapshot
}

// CreateDeal opens a new deal in the quoted state. Fails when the client
// already has a non-terminal deal in the group; the conflicting deal's
// state is reported so the client can be told where it stands.
func (s *Service) CreateDeal(params CreateDealParams) (*Deal, error) {
	if err := validateCreate(&params); err != nil {
		return nil, err
	}

	existing, err := s.db.GetActiveDealForClient(params.GroupID, params.ClientID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &types.ActiveDealExistsError{
			DealID: existing.DealID,
			State:  existing.DealState(),
		}
	}

	now := time.Now()
	deal := &Deal{
		DealID:         "DEAL_" + uuid.New().String(),
		GroupID:        params.GroupID,
		ClientID:       params.ClientID,
		Side:           string(params.Side),
		QuotedRate:     params.QuotedRate,
		BaseRate:       params.BaseRate,
		AmountQuoteCcy: params.AmountQuoteCcy,
		AmountBaseCcy:  params.AmountBaseCcy,
		State:          string(types.StateQuoted),
		QuotedAt:       now,
		TTLExpiresAt:   now.Add(time.Duration(params.TTLSeconds) * time.Second),
		PricingSource:  params.Snapshot.PricingSource,
		SpreadMode:     params.Snapshot.SpreadMode,
		SellSpread:     params.Snapshot.SellSpread,
		BuySpread:      params.Snapshot.BuySpread,
		RuleID:         params.Snapshot.RuleID,
		RuleName:       params.Snapshot.RuleName,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.db.CreateDeal(deal); err != nil {
		return nil, err
	}

	s.invalidateActive(deal.GroupID, deal.ClientID)
	log.Info().
		Str("component", "deal_service").
		Str("deal_id", deal.DealID).
		Str("group_id", deal.GroupID).
		Str("client_id", deal.ClientID).
		Float64("quoted_rate", deal.QuotedRate).
		Time("ttl_expires_at", deal.TTLExpiresAt).
		Msg("deal created")
	return deal, nil
}

// LockDeal fixes the rate the client accepted. Optionally records amounts
// already stated and extends the TTL for the settlement phase.
func (s *Service) LockDeal(dealID, groupID string, lockedRate float64, amountQuote, amountBase *float64, ttlExtensionSeconds int) (*Deal, error) {
	if lockedRate <= 0 {
		return nil, types.NewValidationError("locked_rate", "must be positive")
	}
	if err := validateAmounts(amountQuote, amountBase); err != nil {
		return nil, err
	}
	if ttlExtensionSeconds < 0 {
		return nil, types.NewValidationError("ttl_extension_seconds", "must not be negative")
	}

	return s.applyTransition(dealID, groupID, types.StateLocked, "client locked quote",
		func(deal *Deal, updates map[string]interface{}) error {
			now := time.Now()
			updates["locked_rate"] = lockedRate
			updates["locked_at"] = now
			if amountQuote != nil {
				updates["amount_quote_ccy"] = *amountQuote
			}
			if amountBase != nil {
				updates["amount_base_ccy"] = *amountBase
			}
			if ttlExtensionSeconds > 0 {
				updates["ttl_expires_at"] = extendedTTL(deal.TTLExpiresAt, now, ttlExtensionSeconds)
			}
			return nil
		})
}

// StartAwaitingAmount parks a locked deal until the client states a
// volume.
func (s *Service) StartAwaitingAmount(dealID, groupID string) (*Deal, error) {
	return s.applyTransition(dealID, groupID, types.StateAwaitingAmount, "awaiting client amount", nil)
}

// StartComputation moves the deal into settlement computation.
func (s *Service) StartComputation(dealID, groupID string) (*Deal, error) {
	return s.applyTransition(dealID, groupID, types.StateComputing, "computing settlement", nil)
}

// CompleteDeal settles the deal. The missing amount side is derived from
// the known side and the locked rate; completion requires both amounts to
// be resolvable.
func (s *Service) CompleteDeal(dealID, groupID string, amountQuote, amountBase *float64) (*Deal, error) {
	if err := validateAmounts(amountQuote, amountBase); err != nil {
		return nil, err
	}

	return s.applyTransition(dealID, groupID, types.StateCompleted, "settlement confirmed",
		func(deal *Deal, updates map[string]interface{}) error {
			quote, base := amountQuote, amountBase
			if quote == nil {
				quote = deal.AmountQuoteCcy
			}
			if base == nil {
				base = deal.AmountBaseCcy
			}

			rate := deal.QuotedRate
			if deal.LockedRate != nil {
				rate = *deal.LockedRate
			}
			quote, base = spread.ResolveAmounts(quote, base, rate)
			if quote == nil || base == nil {
				return types.NewValidationError("amount", "no amount known for settlement")
			}

			updates["amount_quote_ccy"] = *quote
			updates["amount_base_ccy"] = *base
			return nil
		})
}

// RejectDeal records the client declining the quote.
func (s *Service) RejectDeal(dealID, groupID string) (*Deal, error) {
	return s.applyTransition(dealID, groupID, types.StateRejected, "client rejected quote", nil)
}

// CancelDeal aborts the deal with an operator- or system-supplied reason.
func (s *Service) CancelDeal(dealID, groupID, reason string) (*Deal, error) {
	return s.applyTransition(dealID, groupID, types.StateCancelled, reason,
		func(deal *Deal, updates map[string]interface{}) error {
			if reason != "" {
				updates["cancel_reason"] = reason
			}
			return nil
		})
}

// ExpireDeal marks the deal expired. Normally driven by the sweep; also
// reachable directly when the routing layer notices a dead quote.
func (s *Service) ExpireDeal(dealID, groupID string) (*Deal, error) {
	return s.applyTransition(dealID, groupID, types.StateExpired, "ttl elapsed", nil)
}

// ExtendDealTTL pushes the deal's expiry out by additionalSeconds from
// the later of the current expiry and now. Terminal deals cannot be
// extended.
func (s *Service) ExtendDealTTL(dealID, groupID string, additionalSeconds int) (*Deal, error) {
	if additionalSeconds <= 0 {
		return nil, types.NewValidationError("additional_seconds", "must be positive")
	}

	deal, err := s.db.GetDeal(dealID, groupID)
	if err != nil {
		return nil, err
	}
	if deal.DealState().Terminal() {
		return nil, types.ErrDealTerminal
	}

	now := time.Now()
	newExpiry := extendedTTL(deal.TTLExpiresAt, now, additionalSeconds)
	err = s.db.CompareStateAndUpdate(dealID, groupID, deal.DealState(), map[string]interface{}{
		"ttl_expires_at": newExpiry,
	})
	if err != nil {
		return nil, err
	}

	deal.TTLExpiresAt = newExpiry
	s.invalidateActive(groupID, deal.ClientID)
	return deal, nil
}

// SweepExpiredDeals expires every non-terminal deal whose TTL has elapsed,
// in one bounded batch. Per-row failures are logged and skipped; the
// count actually expired is returned.
func (s *Service) SweepExpiredDeals() int {
	logger := log.With().Str("component", "deal_sweep").Logger()

	deals, err := s.db.GetExpiredDeals(time.Now(), sweepBatchSize)
	if err != nil {
		logger.Error().Err(err).Msg("failed to query expired deals")
		return 0
	}

	expired := 0
	for i := range deals {
		d := &deals[i]
		if _, err := s.ExpireDeal(d.DealID, d.GroupID); err != nil {
			// ErrDealExpired means the auto-expire path already did
			// the work for us; count it.
			if errors.Is(err, types.ErrDealExpired) {
				expired++
				continue
			}
			logger.Warn().
				Err(err).
				Str("deal_id", d.DealID).
				Str("group_id", d.GroupID).
				Msg("failed to expire deal, continuing sweep")
			continue
		}
		expired++
	}

	if expired > 0 {
		logger.Info().Int("expired", expired).Msg("expiry sweep complete")
	}
	return expired
}

// RepromptClassification splits outstanding awaiting_amount deals into
// those due a single re-prompt and those that have already been
// re-prompted and aged out.
type RepromptClassification struct {
	NeedsReprompt []Deal
	NeedsExpiry   []Deal
}

// ClassifyAwaitingAmount classifies awaiting_amount deals by age against
// the fixed classification window. Enforcement re-validates against the
// group's configured amount timeout before sending or expiring.
func (s *Service) ClassifyAwaitingAmount(now time.Time) (*RepromptClassification, error) {
	deals, err := s.db.GetAwaitingAmountDeals()
	if err != nil {
		return nil, err
	}

	classification := &RepromptClassification{}
	for _, d := range deals {
		anchor := d.UpdatedAt
		if d.LockedAt != nil {
			anchor = *d.LockedAt
		}

		if d.RepromptedAt == nil {
			if now.Sub(anchor) >= repromptClassifyWindow {
				classification.NeedsReprompt = append(classification.NeedsReprompt, d)
			}
			continue
		}
		if now.Sub(*d.RepromptedAt) >= repromptClassifyWindow {
			classification.NeedsExpiry = append(classification.NeedsExpiry, d)
		}
	}
	return classification, nil
}

// MarkReprompted records that the single allowed re-prompt was sent.
// Idempotent: a second call is a no-op, never a second prompt.
func (s *Service) MarkReprompted(dealID, groupID string) error {
	stamped, err := s.db.MarkReprompted(dealID, groupID, time.Now())
	if err != nil {
		return err
	}
	if stamped {
		s.invalidateAll()
		return nil
	}

	// Zero rows: either already re-prompted (fine) or gone.
	if _, err := s.db.GetDeal(dealID, groupID); err != nil {
		return err
	}
	return nil
}

// ArchiveDeal copies a terminal deal into immutable history and removes
// it from the active set. History is authoritative: a failed delete after
// a successful insert is logged, not fatal — the stray row is cleaned up
// by a later access or sweep.
func (s *Service) ArchiveDeal(dealID, groupID string) (*DealHistoryRecord, error) {
	deal, err := s.db.GetDeal(dealID, groupID)
	if err != nil {
		return nil, err
	}
	if !deal.DealState().Terminal() {
		return nil, &types.InvalidTransitionError{From: deal.DealState(), To: "archived"}
	}

	record := historyFromDeal(deal)
	if err := s.db.CreateHistoryRecord(record); err != nil {
		return nil, err
	}

	if err := s.db.DeleteDeal(dealID, groupID); err != nil {
		log.Warn().
			Str("component", "deal_service").
			Str("deal_id", dealID).
			Err(err).
			Msg("history written but active row not removed")
	}

	s.invalidateActive(groupID, deal.ClientID)
	return record, nil
}

// GetDeal loads a deal scoped to its group.
func (s *Service) GetDeal(dealID, groupID string) (*Deal, error) {
	return s.db.GetDeal(dealID, groupID)
}

/// GetActiveDealForSender is the routing layer's pre-flight lookup: the
// sender's open deal in the group, if any, served from the read-through
// cache.
func (s *Service) GetActiveDealForSender(groupID, senderID string) (*Deal, error) {
	key := activeKey(groupID, senderID)
	s.cacheMu.RLock()
	cached, ok := s.activeCache[key]
	s.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	deal, err := s.db.GetActiveDealForClient(groupID, senderID)
	if err != nil {
		return nil, err
	}
	s.cacheMu.Lock()
	s.activeCache[key] = deal
	s.cacheMu.Unlock()
	return deal, nil
}

// ListActiveDeals returns the group's open deals.
func (s *Service) ListActiveDeals(groupID string) ([]Deal, error) {
	return s.db.ListActiveDeals(groupID)
}

// ListHistory returns the group's archived deals, most recent first.
func (s *Service) ListHistory(groupID string, limit int) ([]DealHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.db.ListHistory(groupID, limit)
}

// applyTransition is the shared lifecycle algorithm: load, validate the
// move against the table, short-circuit into auto-expiry when the TTL has
// elapsed, then apply a conditional update that only matches while the
// state is unchanged since the read.
func (s *Service) applyTransition(dealID, groupID string, to types.DealState, reason string, mutate func(*Deal, map[string]interface{}) error) (*Deal, error) {
	deal, err := s.db.GetDeal(dealID, groupID)
	if err != nil {
		return nil, err
	}
	from := deal.DealState()

	// Repeated attempts on an already-expired deal keep reporting
	// expiry rather than a generic invalid transition.
	if from == types.StateExpired {
		return nil, types.ErrDealExpired
	}
	if !transitionAllowed(from, to) {
		return nil, &types.InvalidTransitionError{From: from, To: to}
	}

	now := time.Now()
	if !to.Terminal() && now.After(deal.TTLExpiresAt) {
		s.autoExpire(deal)
		return nil, types.ErrDealExpired
	}

	updates := map[string]interface{}{"state": string(to)}
	if mutate != nil {
		if err := mutate(deal, updates); err != nil {
			return nil, err
		}
	}

	if err := s.db.CompareStateAndUpdate(dealID, groupID, from, updates); err != nil {
		return nil, err
	}

	if from == types.StateQuoted && s.quotes != nil {
		s.quotes.Clear(groupID)
	}
	s.invalidateActive(groupID, deal.ClientID)
	s.emit(TransitionEvent{
		DealID:   deal.DealID,
		GroupID:  deal.GroupID,
		ClientID: deal.ClientID,
		From:     from,
		To:       to,
		Reason:   reason,
		At:       now,
	})

	updated, err := s.db.GetDeal(dealID, groupID)
	if err != nil {
		// The update itself succeeded; fall back to the pre-read copy.
		deal.State = string(to)
		return deal, nil
	}
	return updated, nil
}

// autoExpire converts a transition attempt on a TTL-elapsed deal into an
// expiry. Losing the conditional update here means someone else already
// moved the deal; the caller still sees the expired error.
func (s *Service) autoExpire(deal *Deal) {
	from := deal.DealState()
	err := s.db.CompareStateAndUpdate(deal.DealID, deal.GroupID, from, map[string]interface{}{
		"state": string(types.StateExpired),
	})
	if err != nil {
		log.Warn().
			Str("component", "deal_service").
			Str("deal_id", deal.DealID).
			Err(err).
			Msg("auto-expire lost the update race")
		return
	}

	if from == types.StateQuoted && s.quotes != nil {
		s.quotes.Clear(deal.GroupID)
	}
	s.invalidateActive(deal.GroupID, deal.ClientID)
	s.emit(TransitionEvent{
		DealID:   deal.DealID,
		GroupID:  deal.GroupID,
		ClientID: deal.ClientID,
		From:     from,
		To:       types.StateExpired,
		Reason:   "ttl elapsed",
		At:       time.Now(),
	})
}

func (s *Service) emit(event TransitionEvent) {
	select {
	case s.events <- event:
	default:
		log.Warn().
			Str("component", "deal_service").
			Str("deal_id", event.DealID).
			Msg("transition event buffer full, dropping event")
	}
}

func (s *Service) invalidateActive(groupID, clientID string) {
	s.cacheMu.Lock()
	delete(s.activeCache, activeKey(groupID, clientID))
	s.cacheMu.Unlock()
}

func (s *Service) invalidateAll() {
	s.cacheMu.Lock()
	s.activeCache = make(map[string]*Deal)
	s.cacheMu.Unlock()
}

func activeKey(groupID, clientID string) string {
	return groupID + "|" + clientID
}

func extendedTTL(current time.Time, now time.Time, additionalSeconds int) time.Time {
	base := current
	if now.After(base) {
		base = now
	}
	return base.Add(time.Duration(additionalSeconds) * time.Second)
}

func historyFromDeal(deal *Deal) *DealHistoryRecord {
	return &DealHistoryRecord{
		DealID:           deal.DealID,
		GroupID:          deal.GroupID,
		ClientID:         deal.ClientID,
		Side:             deal.Side,
		QuotedRate:       deal.QuotedRate,
		BaseRate:         deal.BaseRate,
		LockedRate:       deal.LockedRate,
		AmountQuoteCcy:   deal.AmountQuoteCcy,
		AmountBaseCcy:    deal.AmountBaseCcy,
		FinalState:       deal.State,
		CompletionReason: string(completionReason(deal)),
		QuotedAt:         deal.QuotedAt,
		LockedAt:         deal.LockedAt,
		PricingSource:    deal.PricingSource,
		SpreadMode:       deal.SpreadMode,
		SellSpread:       deal.SellSpread,
		BuySpread:        deal.BuySpread,
		RuleID:           deal.RuleID,
		RuleName:         deal.RuleName,
		ArchivedAt:       time.Now(),
	}
}

// completionReason derives the archival taxonomy value from the deal's
// metadata, falling back to the terminal state itself.
func completionReason(deal *Deal) types.CompletionReason {
	switch deal.DealState() {
	case types.StateCompleted:
		return types.ReasonSettled
	case types.StateExpired:
		return types.ReasonExpired
	case types.StateRejected:
		return types.ReasonRejected
	case types.StateCancelled:
		if deal.CancelReason != nil && *deal.CancelReason != "" {
			return types.CompletionReason(fmt.Sprintf("cancelled: %s", *deal.CancelReason))
		}
		return types.ReasonCancelled
	}
	return types.CompletionReason(deal.State)
}

func validateCreate(params *CreateDealParams) error {
	if params.GroupID == "" {
		return types.NewValidationError("group_id", "must not be empty")
	}
	if params.ClientID == "" {
		return types.NewValidationError("client_id", "must not be empty")
	}
	if !params.Side.Valid() {
		return types.NewValidationError("side", "unknown side")
	}
	if params.QuotedRate <= 0 {
		return types.NewValidationError("quoted_rate", "must be positive")
	}
	if params.BaseRate <= 0 {
		return types.NewValidationError("base_rate", "must be positive")
	}
	if params.TTLSeconds <= 0 {
		return types.NewValidationError("ttl_seconds", "must be positive")
	}
	return validateAmounts(params.AmountQuoteCcy, params.AmountBaseCcy)
}

func validateAmounts(amountQuote, amountBase *float64) error {
	if amountQuote != nil && *amountQuote <= 0 {
		return types.NewValidationError("amount_quote_ccy", "must be positive")
	}
	if amountBase != nil && *amountBase <= 0 {
		return types.NewValidationError("amount_base_ccy", "must be positive")
	}
	return nil
}
