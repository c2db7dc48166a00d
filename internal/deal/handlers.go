package deal

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/otc-desk/internal/pricing"
	"github.com/ksred/otc-desk/internal/types"
	"github.com/ksred/otc-desk/pkg/response"
)

// GinHandlers contains HTTP handlers for the deal surface consumed by the
// routing layer and the dashboard.
type GinHandlers struct {
	service  *Service
	resolver *pricing.Resolver
}

// NewGinHandlers creates a new set of HTTP handlers for deal endpoints
func NewGinHandlers(service *Service, resolver *pricing.Resolver) *GinHandlers {
	return &GinHandlers{
		service:  service,
		resolver: resolver,
	}
}

type createDealRequest struct {
	GroupID        string   `json:"group_id" binding:"required"`
	ClientID       string   `json:"client_id" binding:"required"`
	Side           string   `json:"side"`
	QuotedRate     float64  `json:"quoted_rate"`
	BaseRate       float64  `json:"base_rate"`
	TTLSeconds     int      `json:"ttl_seconds"`
	AmountQuoteCcy *float64 `json:"amount_quote_ccy"`
	AmountBaseCcy  *float64 `json:"amount_base_ccy"`
}

// CreateDealHandler handles POST requests to open a deal. The pricing
// snapshot is resolved server-side at creation time; side and TTL fall
// back to the group's resolved defaults when omitted.
func (h *GinHandlers) CreateDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createDealRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		resolution, err := h.resolver.Resolve(req.GroupID, time.Now())
		if err != nil {
			response.InternalError(c, "failed to resolve pricing for group")
			return
		}

		side := types.Side(req.Side)
		if req.Side == "" {
			side = resolution.DefaultSide
		}
		ttl := req.TTLSeconds
		if ttl == 0 {
			ttl = resolution.QuoteTTLSeconds
		}

		deal, err := h.service.CreateDeal(CreateDealParams{
			GroupID:        req.GroupID,
			ClientID:       req.ClientID,
			Side:           side,
			QuotedRate:     req.QuotedRate,
			BaseRate:       req.BaseRate,
			TTLSeconds:     ttl,
			AmountQuoteCcy: req.AmountQuoteCcy,
			AmountBaseCcy:  req.AmountBaseCcy,
			Snapshot: PricingSnapshot{
				PricingSource: resolution.PricingSource,
				SpreadMode:    string(resolution.Params.Mode),
				SellSpread:    resolution.Params.SellSpread,
				BuySpread:     resolution.Params.BuySpread,
				RuleID:        resolution.RuleID,
				RuleName:      resolution.RuleName,
			},
		})
		response.Handle(c, deal, err)
	}
}

type lockDealRequest struct {
	GroupID             string   `json:"group_id" binding:"required"`
	LockedRate          float64  `json:"locked_rate"`
	AmountQuoteCcy      *float64 `json:"amount_quote_ccy"`
	AmountBaseCcy       *float64 `json:"amount_base_ccy"`
	TTLExtensionSeconds int      `json:"ttl_extension_seconds"`
}

// LockDealHandler handles POST requests locking the quoted rate
// URL parameter: deal_id
func (h *GinHandlers) LockDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lockDealRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.LockDeal(c.Param("deal_id"), req.GroupID,
			req.LockedRate, req.AmountQuoteCcy, req.AmountBaseCcy, req.TTLExtensionSeconds)
		response.Handle(c, deal, err)
	}
}

type groupScopedRequest struct {
	GroupID string `json:"group_id" binding:"required"`
}

// AwaitAmountHandler handles POST requests parking a locked deal until
// the client states a volume
// URL parameter: deal_id
func (h *GinHandlers) AwaitAmountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req groupScopedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.StartAwaitingAmount(c.Param("deal_id"), req.GroupID)
		response.Handle(c, deal, err)
	}
}

// StartComputationHandler handles POST requests moving a deal into
// settlement computation
// URL parameter: deal_id
func (h *GinHandlers) StartComputationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req groupScopedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.StartComputation(c.Param("deal_id"), req.GroupID)
		response.Handle(c, deal, err)
	}
}

type completeDealRequest struct {
	GroupID        string   `json:"group_id" binding:"required"`
	AmountQuoteCcy *float64 `json:"amount_quote_ccy"`
	AmountBaseCcy  *float64 `json:"amount_base_ccy"`
}

// CompleteDealHandler handles POST requests confirming settlement
// URL parameter: deal_id
func (h *GinHandlers) CompleteDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeDealRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.CompleteDeal(c.Param("deal_id"), req.GroupID,
			req.AmountQuoteCcy, req.AmountBaseCcy)
		response.Handle(c, deal, err)
	}
}

// RejectDealHandler handles POST requests recording a declined quote
// URL parameter: deal_id
func (h *GinHandlers) RejectDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req groupScopedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.RejectDeal(c.Param("deal_id"), req.GroupID)
		response.Handle(c, deal, err)
	}
}

type cancelDealRequest struct {
	GroupID string `json:"group_id" binding:"required"`
	Reason  string `json:"reason"`
}

// CancelDealHandler handles POST requests aborting a deal
// URL parameter: deal_id
func (h *GinHandlers) CancelDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req cancelDealRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.CancelDeal(c.Param("deal_id"), req.GroupID, req.Reason)
		response.Handle(c, deal, err)
	}
}

type extendTTLRequest struct {
	GroupID           string `json:"group_id" binding:"required"`
	AdditionalSeconds int    `json:"additional_seconds"`
}

// ExtendTTLHandler handles POST requests pushing out a deal's expiry
// URL parameter: deal_id
func (h *GinHandlers) ExtendTTLHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req extendTTLRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		deal, err := h.service.ExtendDealTTL(c.Param("deal_id"), req.GroupID, req.AdditionalSeconds)
		response.Handle(c, deal, err)
	}
}

// ArchiveDealHandler handles POST requests archiving a terminal deal to
// history
// URL parameter: deal_id
func (h *GinHandlers) ArchiveDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req groupScopedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		record, err := h.service.ArchiveDeal(c.Param("deal_id"), req.GroupID)
		response.Handle(c, record, err)
	}
}

// GetDealHandler handles GET requests for one deal
// URL parameters: deal_id; query parameter: group_id
func (h *GinHandlers) GetDealHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Query("group_id")
		if groupID == "" {
			response.BadRequest(c, "group_id query parameter is required")
			return
		}

		deal, err := h.service.GetDeal(c.Param("deal_id"), groupID)
		response.Handle(c, deal, err)
	}
}

// ListActiveDealsHandler handles GET requests listing a group's open deals
// URL parameter: group_id
func (h *GinHandlers) ListActiveDealsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deals, err := h.service.ListActiveDeals(c.Param("group_id"))
		response.Handle(c, deals, err)
	}
}

// ListHistoryHandler handles GET requests listing a group's archived deals
// URL parameter: group_id
func (h *GinHandlers) ListHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.service.ListHistory(c.Param("group_id"), 50)
		response.Handle(c, records, err)
	}
}

// ActiveDealForSenderHandler handles GET requests for the routing layer's
// pre-flight lookup of a sender's open deal
// URL parameter: group_id; query parameter: sender_id
func (h *GinHandlers) ActiveDealForSenderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		senderID := c.Query("sender_id")
		if senderID == "" {
			response.BadRequest(c, "sender_id query parameter is required")
			return
		}

		deal, err := h.service.GetActiveDealForSender(c.Param("group_id"), senderID)
		if err == nil && deal == nil {
			response.Success(c, gin.H{"active": false})
			return
		}
		response.Handle(c, deal, err)
	}
}
