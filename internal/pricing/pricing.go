package pricing

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/otc-desk/internal/types"
	"github.com/ksred/otc-desk/pkg/response"
	"gorm.io/gorm"
)

// Service manages pricing rules and group configs for the dashboard and
// keeps the resolver cache coherent with edits.
type Service struct {
	db       *Database
	resolver *Resolver
}

// NewService creates the pricing service and its resolver with the given
// database connection and desk defaults.
func NewService(gormDB *gorm.DB, defaults Defaults) *Service {
	db := NewDatabase(gormDB)
	return &Service{
		db:       db,
		resolver: NewResolver(db, defaults),
	}
}

// Resolver exposes the rule resolver shared with the deal engine and the
// volatility monitor.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// CreateRule persists a new pricing rule. A rule name must be unique
// within its group so operators can refer to rules unambiguously.
func (s *Service) CreateRule(rule *PricingRule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	existing, err := s.db.GetRuleByName(rule.GroupID, rule.Name)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if existing != nil {
		return types.ErrRuleNameTaken
	}

	rule.RuleID = "RULE_" + uuid.New().String()
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = time.Now()
	if err := s.db.CreateRule(rule); err != nil {
		return err
	}

	s.resolver.InvalidateConfigCache(rule.GroupID)
	return nil
}

// UpdateRule replaces an existing rule's schedule and spread settings.
func (s *Service) UpdateRule(ruleID string, updated *PricingRule) (*PricingRule, error) {
	if err := validateRule(updated); err != nil {
		return nil, err
	}

	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		return nil, err
	}

	if updated.Name != rule.Name {
		existing, err := s.db.GetRuleByName(rule.GroupID, updated.Name)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		if existing != nil {
			return nil, types.ErrRuleNameTaken
		}
	}

	rule.Name = updated.Name
	rule.Priority = updated.Priority
	rule.ScheduleDays = updated.ScheduleDays
	rule.StartTime = updated.StartTime
	rule.EndTime = updated.EndTime
	rule.Timezone = updated.Timezone
	rule.PricingSource = updated.PricingSource
	rule.SpreadMode = updated.SpreadMode
	rule.SellSpread = updated.SellSpread
	rule.BuySpread = updated.BuySpread
	rule.IsActive = updated.IsActive

	if err := s.db.UpdateRule(rule); err != nil {
		return nil, err
	}

	s.resolver.InvalidateConfigCache(rule.GroupID)
	return rule, nil
}

// DeleteRule removes a rule and refreshes the group's cached config.
func (s *Service) DeleteRule(ruleID string) error {
	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		return err
	}
	if err := s.db.DeleteRule(ruleID); err != nil {
		return err
	}
	s.resolver.InvalidateConfigCache(rule.GroupID)
	return nil
}

// ListRules returns every rule configured for a group, active or not.
func (s *Service) ListRules(groupID string) ([]PricingRule, error) {
	return s.db.GetRulesForGroup(groupID)
}

// GetGroupConfig returns the group's stored defaults, or nil when the
// group runs on desk defaults.
func (s *Service) GetGroupConfig(groupID string) (*GroupConfig, error) {
	return s.db.GetGroupConfig(groupID)
}

// SaveGroupConfig upserts the group's defaults.
func (s *Service) SaveGroupConfig(config *GroupConfig) error {
	if config.GroupID == "" {
		return types.NewValidationError("group_id", "must not be empty")
	}
	if config.SpreadMode != "" && !types.SpreadMode(config.SpreadMode).Valid() {
		return types.NewValidationError("spread_mode", "unknown mode")
	}
	if err := s.db.SaveGroupConfig(config); err != nil {
		return err
	}
	s.resolver.InvalidateConfigCache(config.GroupID)
	return nil
}

func validateRule(rule *PricingRule) error {
	if rule.GroupID == "" {
		return types.NewValidationError("group_id", "must not be empty")
	}
	if rule.Name == "" {
		return types.NewValidationError("name", "must not be empty")
	}
	if !types.SpreadMode(rule.SpreadMode).Valid() {
		return types.NewValidationError("spread_mode", "unknown mode")
	}
	if len(rule.Days()) == 0 {
		return types.NewValidationError("schedule_days", "no recognized weekdays")
	}
	if _, ok := minutesOfDay(rule.StartTime); !ok {
		return types.NewValidationError("start_time", "expected HH:MM")
	}
	if _, ok := minutesOfDay(rule.EndTime); !ok {
		return types.NewValidationError("end_time", "expected HH:MM")
	}
	if _, err := time.LoadLocation(rule.Timezone); err != nil {
		return types.NewValidationError("timezone", "unknown timezone")
	}
	return nil
}

// GinHandlers contains HTTP handlers for pricing rule management
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for pricing endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateRuleHandler handles POST requests to create pricing rules
func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule PricingRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		err := h.service.CreateRule(&rule)
		response.Handle(c, rule, err)
	}
}

// UpdateRuleHandler handles PUT requests to update a pricing rule
// URL parameter: rule_id
func (h *GinHandlers) UpdateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleID := c.Param("rule_id")

		var rule PricingRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		updated, err := h.service.UpdateRule(ruleID, &rule)
		response.Handle(c, updated, err)
	}
}

// DeleteRuleHandler handles DELETE requests for a pricing rule
// URL parameter: rule_id
func (h *GinHandlers) DeleteRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ruleID := c.Param("rule_id")
		err := h.service.DeleteRule(ruleID)
		response.Handle(c, gin.H{"rule_id": ruleID, "deleted": err == nil}, err)
	}
}

// ListRulesHandler handles GET requests listing a group's rules
// URL parameter: group_id
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := h.service.ListRules(c.Param("group_id"))
		response.Handle(c, rules, err)
	}
}

// GetGroupConfigHandler handles GET requests for a group's default config
// URL parameter: group_id
func (h *GinHandlers) GetGroupConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		config, err := h.service.GetGroupConfig(c.Param("group_id"))
		if err == nil && config == nil {
			response.NotFound(c, "Group has no stored config")
			return
		}
		response.Handle(c, config, err)
	}
}

// SaveGroupConfigHandler handles PUT requests upserting a group's config
// URL parameter: group_id
func (h *GinHandlers) SaveGroupConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var config GroupConfig
		if err := c.ShouldBindJSON(&config); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		config.GroupID = c.Param("group_id")

		err := h.service.SaveGroupConfig(&config)
		response.Handle(c, config, err)
	}
}
