package volatility

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/otc-desk/pkg/response"
)

// GinHandlers contains HTTP handlers for escalation review and the pause
// controls consumed by the routing layer and the dashboard.
type GinHandlers struct {
	monitor *Monitor
}

// NewGinHandlers creates a new set of HTTP handlers for volatility endpoints
func NewGinHandlers(monitor *Monitor) *GinHandlers {
	return &GinHandlers{
		monitor: monitor,
	}
}

// ListEscalationsHandler handles GET requests listing escalation records
// Optional query parameters: group_id, limit
func (h *GinHandlers) ListEscalationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		escalations, err := h.monitor.ListEscalations(c.Query("group_id"), limit)
		response.Handle(c, escalations, err)
	}
}

// GroupPausedHandler handles GET requests for a group's pause state
// URL parameter: group_id
func (h *GinHandlers) GroupPausedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")
		response.Success(c, gin.H{
			"group_id": groupID,
			"paused":   h.monitor.IsGroupPaused(groupID),
		})
	}
}

// UnpauseGroupHandler handles POST requests resuming a paused group
// URL parameter: group_id
func (h *GinHandlers) UnpauseGroupHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		groupID := c.Param("group_id")
		h.monitor.UnpauseGroup(groupID)
		response.Success(c, gin.H{
			"group_id": groupID,
			"paused":   false,
		})
	}
}

// ListPausedGroupsHandler handles GET requests listing paused groups
func (h *GinHandlers) ListPausedGroupsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		response.Success(c, h.monitor.PausedGroups())
	}
}
