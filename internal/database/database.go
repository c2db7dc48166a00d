package database

import (
	"github.com/ksred/otc-desk/internal/database/migrations"
	"github.com/ksred/otc-desk/internal/deal"
	"github.com/ksred/otc-desk/internal/pricing"
	"github.com/ksred/otc-desk/internal/volatility"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase(path string) (*gorm.DB, error) {
	if path == "" {
		path = "otcdesk.db"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate applies the schema for every persisted model. Also used by
// tests against in-memory databases.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&deal.Deal{},
		&deal.DealHistoryRecord{},
		&pricing.PricingRule{},
		&pricing.GroupConfig{},
		&volatility.Escalation{},
	); err != nil {
		return err
	}

	return migrations.AddDealIndexes(db)
}
