package quote

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/otc-desk/internal/feed"
	"github.com/ksred/otc-desk/internal/messaging"
	"github.com/ksred/otc-desk/internal/pricing"
	"github.com/ksred/otc-desk/internal/spread"
	"github.com/ksred/otc-desk/internal/types"
	"github.com/ksred/otc-desk/pkg/response"
	"github.com/rs/zerolog/log"
)

const (
	fetchAttempts    = 3
	fetchBackoffBase = 200 * time.Millisecond
	fetchTimeout     = 5 * time.Second
)

// FormatQuoteMessage renders a price the way it is posted to the chat
// channel. The monitor reuses this format when requoting.
func FormatQuoteMessage(price float64) string {
	return fmt.Sprintf("%.4f", price)
}

// Service issues quotes: resolves the group's pricing, fetches the base
// price with a short retry/backoff, applies the spread, records the quote
// in the registry and posts it to the group.
type Service struct {
	registry  *Registry
	resolver  *pricing.Resolver
	fetcher   feed.PriceFetcher
	messenger messaging.Messenger
}

func NewService(registry *Registry, resolver *pricing.Resolver, fetcher feed.PriceFetcher, messenger messaging.Messenger) *Service {
	return &Service{
		registry:  registry,
		resolver:  resolver,
		fetcher:   fetcher,
		messenger: messenger,
	}
}

// Registry exposes the active-quote registry shared with the monitor.
func (s *Service) Registry() *Registry {
	return s.registry
}

// IssuedQuote is the outcome of a quote request.
type IssuedQuote struct {
	GroupID     string              `json:"group_id"`
	QuotedPrice float64             `json:"quoted_price"`
	BasePrice   float64             `json:"base_price"`
	Side        types.Side          `json:"side"`
	Resolution  *pricing.Resolution `json:"-"`
}

// IssueQuote prices a request and posts the quote to the group. The new
// quote supersedes any outstanding one for the group.
func (s *Service) IssueQuote(ctx context.Context, groupID, requesterID string, side types.Side, preStatedVolume *float64) (*IssuedQuote, error) {
	if groupID == "" {
		return nil, types.NewValidationError("group_id", "must not be empty")
	}
	if preStatedVolume != nil && *preStatedVolume <= 0 {
		return nil, types.NewValidationError("pre_stated_volume", "must be positive")
	}

	resolution, err := s.resolver.Resolve(groupID, time.Now())
	if err != nil {
		return nil, err
	}
	if !side.Valid() {
		side = resolution.DefaultSide
	}

	basePrice, err := s.fetchWithRetry(ctx, resolution.PricingSource)
	if err != nil {
		return nil, err
	}

	quoted := spread.CalculateQuote(basePrice, resolution.Params, side)
	s.registry.CreateQuote(groupID, quoted, basePrice, resolution.PricingSource, requesterID, preStatedVolume)

	if err := s.messenger.Send(groupID, FormatQuoteMessage(quoted)); err != nil {
		log.Warn().
			Str("component", "quoter").
			Str("group_id", groupID).
			Err(err).
			Msg("quote computed but message send failed")
	}

	log.Info().
		Str("component", "quoter").
		Str("group_id", groupID).
		Str("source", resolution.PricingSource).
		Float64("base_price", basePrice).
		Float64("quoted_price", quoted).
		Msg("quote issued")

	return &IssuedQuote{
		GroupID:     groupID,
		QuotedPrice: quoted,
		BasePrice:   basePrice,
		Side:        side,
		Resolution:  resolution,
	}, nil
}

// fetchWithRetry is the quoting path's own retry policy; the monitor's
// reprice cycle deliberately does not retry and waits for the next tick
// instead.
func (s *Service) fetchWithRetry(ctx context.Context, source string) (float64, error) {
	var lastErr error
	backoff := fetchBackoffBase

	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		price, err := s.fetcher.FetchPrice(fetchCtx, source)
		cancel()
		if err == nil {
			return price, nil
		}
		lastErr = err
	}
	return 0, fmt.Errorf("price fetch failed after %d attempts: %w", fetchAttempts, lastErr)
}

// GinHandlers contains HTTP handlers for quote issuance and inspection
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for quote endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

type issueQuoteRequest struct {
	GroupID         string   `json:"group_id" binding:"required"`
	RequesterID     string   `json:"requester_id"`
	Side            string   `json:"side"`
	PreStatedVolume *float64 `json:"pre_stated_volume"`
}

// IssueQuoteHandler handles POST requests pricing a new quote for a group
func (h *GinHandlers) IssueQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req issueQuoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		issued, err := h.service.IssueQuote(c.Request.Context(), req.GroupID, req.RequesterID,
			types.Side(req.Side), req.PreStatedVolume)
		response.Handle(c, issued, err)
	}
}

// GetActiveQuoteHandler handles GET requests for a group's tracked quote
// URL parameter: group_id
func (h *GinHandlers) GetActiveQuoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		q := h.service.Registry().GetActiveQuote(c.Param("group_id"))
		if q == nil {
			response.NotFound(c, "No active quote for group")
			return
		}
		response.Success(c, q)
	}
}

// ListActiveQuotesHandler handles GET requests listing every tracked quote
func (h *GinHandlers) ListActiveQuotesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.service.Registry().GetAllActiveQuotes())
	}
}
