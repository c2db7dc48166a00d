package pricing

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateRule(rule *PricingRule) error {
	return d.db.Create(rule).Error
}

func (d *Database) GetRule(ruleID string) (*PricingRule, error) {
	var rule PricingRule
	if err := d.db.Where("rule_id = ?", ruleID).First(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

func (d *Database) GetRuleByName(groupID, name string) (*PricingRule, error) {
	var rule PricingRule
	if err := d.db.Where("group_id = ? AND name = ?", groupID, name).First(&rule).Error; err != nil {
		return nil, err
	}
	return &rule, nil
}

func (d *Database) UpdateRule(rule *PricingRule) error {
	rule.UpdatedAt = time.Now()
	return d.db.Save(rule).Error
}

func (d *Database) DeleteRule(ruleID string) error {
	result := d.db.Where("rule_id = ?", ruleID).Delete(&PricingRule{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (d *Database) GetActiveRulesForGroup(groupID string) ([]PricingRule, error) {
	var rules []PricingRule
	if err := d.db.Where("group_id = ? AND is_active = ?", groupID, true).
		Order("priority DESC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (d *Database) GetRulesForGroup(groupID string) ([]PricingRule, error) {
	var rules []PricingRule
	if err := d.db.Where("group_id = ?", groupID).
		Order("priority DESC").
		Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

func (d *Database) GetGroupConfig(groupID string) (*GroupConfig, error) {
	var config GroupConfig
	if err := d.db.Where("group_id = ?", groupID).First(&config).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &config, nil
}

func (d *Database) SaveGroupConfig(config *GroupConfig) error {
	existing, err := d.GetGroupConfig(config.GroupID)
	if err != nil {
		return err
	}
	if existing == nil {
		config.CreatedAt = time.Now()
		config.UpdatedAt = time.Now()
		return d.db.Create(config).Error
	}
	config.ID = existing.ID
	config.CreatedAt = existing.CreatedAt
	config.UpdatedAt = time.Now()
	return d.db.Save(config).Error
}
