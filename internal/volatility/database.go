package volatility

import (
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateEscalation(escalation *Escalation) error {
	return d.db.Create(escalation).Error
}

// ListEscalations returns the most recent escalations, optionally scoped
// to one group.
func (d *Database) ListEscalations(groupID string, limit int) ([]Escalation, error) {
	query := d.db.Order("created_at DESC").Limit(limit)
	if groupID != "" {
		query = query.Where("group_id = ?", groupID)
	}

	var escalations []Escalation
	if err := query.Find(&escalations).Error; err != nil {
		return nil, err
	}
	return escalations, nil
}
