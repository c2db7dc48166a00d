package deal

import (
	"context"
	"time"

	"github.com/ksred/otc-desk/internal/messaging"
	"github.com/ksred/otc-desk/internal/pricing"
	"github.com/rs/zerolog/log"
)

const repromptText = "still there? reply with the volume to settle your locked rate"

// Processor drives the periodic maintenance passes over open deals: the
// TTL expiry sweep and the awaiting-amount re-prompt/expiry pass.
type Processor struct {
	service   *Service
	resolver  *pricing.Resolver
	messenger messaging.Messenger
	interval  time.Duration
}

func NewProcessor(service *Service, resolver *pricing.Resolver, messenger messaging.Messenger, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Processor{
		service:   service,
		resolver:  resolver,
		messenger: messenger,
		interval:  interval,
	}
}

// Start begins the maintenance loop and blocks until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "deal_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting deal processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down deal processor")
			return
		case <-ticker.C:
			p.service.SweepExpiredDeals()
			p.processAwaitingAmount()
		}
	}
}

// processAwaitingAmount re-prompts deals locked without a stated volume
// and expires those that stayed silent after the single re-prompt. The
// classification query works off a fixed window; before acting, each
// candidate is re-validated against the group's configured amount
// timeout, which may be longer.
func (p *Processor) processAwaitingAmount() {
	logger := log.With().Str("component", "deal_processor").Logger()

	now := time.Now()
	classification, err := p.service.ClassifyAwaitingAmount(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to classify awaiting-amount deals")
		return
	}

	for i := range classification.NeedsReprompt {
		d := &classification.NeedsReprompt[i]
		if !p.pastGroupTimeout(d, now) {
			continue
		}

		if err := p.messenger.Send(d.GroupID, repromptText); err != nil {
			logger.Warn().
				Err(err).
				Str("deal_id", d.DealID).
				Msg("re-prompt send failed, will retry next pass")
			continue
		}
		if err := p.service.MarkReprompted(d.DealID, d.GroupID); err != nil {
			logger.Warn().Err(err).Str("deal_id", d.DealID).Msg("failed to mark re-prompt")
		}
	}

	for i := range classification.NeedsExpiry {
		d := &classification.NeedsExpiry[i]
		if !p.pastGroupTimeout(d, now) {
			continue
		}

		if _, err := p.service.ExpireDeal(d.DealID, d.GroupID); err != nil {
			logger.Warn().Err(err).Str("deal_id", d.DealID).Msg("failed to expire silent deal")
			continue
		}
		logger.Info().
			Str("deal_id", d.DealID).
			Str("group_id", d.GroupID).
			Msg("expired deal after unanswered re-prompt")
	}
}

// pastGroupTimeout re-checks a candidate against the group's configured
// amount timeout. The anchor is the re-prompt time when one was sent,
// otherwise the lock time.
func (p *Processor) pastGroupTimeout(d *Deal, now time.Time) bool {
	resolution, err := p.resolver.Resolve(d.GroupID, now)
	if err != nil {
		log.Warn().
			Str("component", "deal_processor").
			Err(err).
			Str("group_id", d.GroupID).
			Msg("could not resolve group config, using classification result")
		return true
	}

	anchor := d.UpdatedAt
	if d.RepromptedAt != nil {
		anchor = *d.RepromptedAt
	} else if d.LockedAt != nil {
		anchor = *d.LockedAt
	}
	timeout := time.Duration(resolution.AmountTimeoutSeconds) * time.Second
	return now.Sub(anchor) >= timeout
}
