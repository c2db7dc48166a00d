package quote

import (
	"sync"
	"time"
)

// Status is the volatility-tracking state of an active quote.
type Status string

const (
	// StatusPending marks a quote that the monitor evaluates on every
	// tick.
	StatusPending Status = "pending"
	// StatusRepricing marks a quote whose reprice cycle is mid-flight;
	// further ticks for the group skip it.
	StatusRepricing Status = "repricing"
)

// ActiveQuote is the in-memory record of the latest quote offered to a
// group before a deal is locked. Tracking state only, never persisted.
type ActiveQuote struct {
	GroupID         string   `json:"group_id"`
	QuotedPrice     float64  `json:"quoted_price"`
	BasePrice       float64  `json:"base_price"`
	PriceSource     string   `json:"price_source"`
	Status          Status   `json:"status"`
	RepriceCount    int      `json:"reprice_count"`
	RequesterID     string   `json:"requester_id"`
	PreStatedVolume *float64 `json:"pre_stated_volume,omitempty"`

	QuotedAt time.Time `json:"quoted_at"`
}

// Registry holds at most one active quote per group. The status flag is
// the reprice lock: TryLockForReprice is the only way to move a quote
// into repricing, and it is atomic under concurrent ticks.
type Registry struct {
	mu     sync.Mutex
	quotes map[string]*ActiveQuote
	clock  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		quotes: make(map[string]*ActiveQuote),
		clock:  time.Now,
	}
}

// CreateQuote records a newly issued quote, superseding any prior quote
// for the group regardless of its status.
func (r *Registry) CreateQuote(groupID string, price, basePrice float64, priceSource, requesterID string, preStatedVolume *float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.quotes[groupID] = &ActiveQuote{
		GroupID:         groupID,
		QuotedPrice:     price,
		BasePrice:       basePrice,
		PriceSource:     priceSource,
		Status:          StatusPending,
		RequesterID:     requesterID,
		PreStatedVolume: preStatedVolume,
		QuotedAt:        r.clock(),
	}
}

// TryLockForReprice atomically moves the group's quote from pending to
// repricing. Exactly one of any number of concurrent callers wins.
func (r *Registry) TryLockForReprice(groupID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotes[groupID]
	if !ok || q.Status != StatusPending {
		return false
	}
	q.Status = StatusRepricing
	return true
}

// UnlockAfterReprice returns the quote to pending. With newPrice > 0 the
// quoted and base prices are replaced (successful cycle); with zero they
// are left alone (failed cycle, lock released best-effort).
func (r *Registry) UnlockAfterReprice(groupID string, newPrice, newBasePrice float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotes[groupID]
	if !ok {
		return
	}
	if newPrice > 0 {
		q.QuotedPrice = newPrice
		q.QuotedAt = r.clock()
	}
	if newBasePrice > 0 {
		q.BasePrice = newBasePrice
	}
	q.Status = StatusPending
}

// IncrementRepriceCount bumps and returns the group's reprice count.
// Returns 0 when the group has no active quote.
func (r *Registry) IncrementRepriceCount(groupID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotes[groupID]
	if !ok {
		return 0
	}
	q.RepriceCount++
	return q.RepriceCount
}

// GetActiveQuote returns a copy of the group's quote, or nil.
func (r *Registry) GetActiveQuote(groupID string) *ActiveQuote {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.quotes[groupID]
	if !ok {
		return nil
	}
	copied := *q
	return &copied
}

// GetAllActiveQuotes returns copies of every tracked quote.
func (r *Registry) GetAllActiveQuotes() []ActiveQuote {
	r.mu.Lock()
	defer r.mu.Unlock()

	quotes := make([]ActiveQuote, 0, len(r.quotes))
	for _, q := range r.quotes {
		quotes = append(quotes, *q)
	}
	return quotes
}

// Clear removes the group's quote; called when a deal is locked,
// cancelled or expired.
func (r *Registry) Clear(groupID string) {
	r.mu.Lock()
	delete(r.quotes, groupID)
	r.mu.Unlock()
}
