package migrations

import (
	"gorm.io/gorm"
)

// AddDealIndexes creates the indexes behind the hot lifecycle queries.
// Using raw SQL for index creation to have more control over index types
func AddDealIndexes(db *gorm.DB) error {
	indexes := []string{
		// Composite index for the expiry sweep (non-terminal deals past TTL)
		`CREATE INDEX IF NOT EXISTS idx_deals_state_ttl
		 ON deals(state, ttl_expires_at)`,

		// Composite index for group-scoped active deal listings
		`CREATE INDEX IF NOT EXISTS idx_deals_group_state
		 ON deals(group_id, state)`,

		// Index for the awaiting-amount pass ordering
		`CREATE INDEX IF NOT EXISTS idx_deals_locked_at
		 ON deals(locked_at)`,

		// Composite index for history listings, most recent first
		`CREATE INDEX IF NOT EXISTS idx_deal_history_group_archived
		 ON deal_history_records(group_id, archived_at)`,

		// Index for escalation listings on the dashboard
		`CREATE INDEX IF NOT EXISTS idx_escalations_group_created
		 ON escalations(group_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
