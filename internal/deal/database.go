package deal

import (
	"errors"
	"time"

	"github.com/ksred/otc-desk/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

var terminalStates = []string{
	string(types.StateCompleted),
	string(types.StateExpired),
	string(types.StateCancelled),
	string(types.StateRejected),
}

// sweepExemptStates are the states the expiry sweep must not touch:
// terminal deals are done, and a computing deal has no valid path to
// expired, so sweeping it would only fail again next pass.
var sweepExemptStates = []string{
	string(types.StateCompleted),
	string(types.StateExpired),
	string(types.StateCancelled),
	string(types.StateRejected),
	string(types.StateComputing),
}

func (d *Database) CreateDeal(deal *Deal) error {
	return d.db.Create(deal).Error
}

// GetDeal loads a deal scoped to its group. A deal belonging to another
// group is indistinguishable from an absent one.
func (d *Database) GetDeal(dealID, groupID string) (*Deal, error) {
	var deal Deal
	err := d.db.Where("deal_id = ? AND group_id = ?", dealID, groupID).First(&deal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrDealNotFound
		}
		return nil, err
	}
	return &deal, nil
}

// GetActiveDealForClient returns the client's non-terminal deal in the
// group, or nil when the client has none.
func (d *Database) GetActiveDealForClient(groupID, clientID string) (*Deal, error) {
	var deal Deal
	err := d.db.Where("group_id = ? AND client_id = ? AND state NOT IN ?", groupID, clientID, terminalStates).
		First(&deal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &deal, nil
}

// CompareStateAndUpdate applies updates to the deal only if its state
// still equals fromState. Zero matched rows means another transition won
// the race; the caller decides how to report that.
func (d *Database) CompareStateAndUpdate(dealID, groupID string, fromState types.DealState, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := d.db.Model(&Deal{}).
		Where("deal_id = ? AND group_id = ? AND state = ?", dealID, groupID, string(fromState)).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrConcurrentModification
	}
	return nil
}

// MarkReprompted stamps reprompted_at only when it is still unset, so a
// reprompt can never be recorded twice. Returns true when this call did
// the stamping.
func (d *Database) MarkReprompted(dealID, groupID string, at time.Time) (bool, error) {
	result := d.db.Model(&Deal{}).
		Where("deal_id = ? AND group_id = ? AND state = ? AND reprompted_at IS NULL",
			dealID, groupID, string(types.StateAwaitingAmount)).
		Updates(map[string]interface{}{
			"reprompted_at": at,
			"updated_at":    time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetExpiredDeals returns up to limit expirable deals whose TTL has
// elapsed, oldest expiry first.
func (d *Database) GetExpiredDeals(now time.Time, limit int) ([]Deal, error) {
	var deals []Deal
	err := d.db.Where("state NOT IN ? AND ttl_expires_at < ?", sweepExemptStates, now).
		Order("ttl_expires_at ASC").
		Limit(limit).
		Find(&deals).Error
	if err != nil {
		return nil, err
	}
	return deals, nil
}

// GetAwaitingAmountDeals returns every deal waiting for the client to
// state a volume.
func (d *Database) GetAwaitingAmountDeals() ([]Deal, error) {
	var deals []Deal
	err := d.db.Where("state = ?", string(types.StateAwaitingAmount)).
		Order("locked_at ASC").
		Find(&deals).Error
	if err != nil {
		return nil, err
	}
	return deals, nil
}

// ListActiveDeals returns the group's non-terminal deals, newest first.
func (d *Database) ListActiveDeals(groupID string) ([]Deal, error) {
	var deals []Deal
	err := d.db.Where("group_id = ? AND state NOT IN ?", groupID, terminalStates).
		Order("created_at DESC").
		Find(&deals).Error
	if err != nil {
		return nil, err
	}
	return deals, nil
}

func (d *Database) DeleteDeal(dealID, groupID string) error {
	result := d.db.Where("deal_id = ? AND group_id = ?", dealID, groupID).Delete(&Deal{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.ErrDealNotFound
	}
	return nil
}

func (d *Database) CreateHistoryRecord(record *DealHistoryRecord) error {
	return d.db.Create(record).Error
}

// ListHistory returns the group's archived deals, most recent first.
func (d *Database) ListHistory(groupID string, limit int) ([]DealHistoryRecord, error) {
	var records []DealHistoryRecord
	err := d.db.Where("group_id = ?", groupID).
		Order("archived_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
