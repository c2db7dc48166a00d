package quote

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateQuoteSupersedes(t *testing.T) {
	registry := NewRegistry()

	registry.CreateQuote("group-1", 5.2763, 5.25, "commercial", "trader-a", nil)
	require.True(t, registry.TryLockForReprice("group-1"))

	// A fresh quote replaces the old one even mid-reprice, and resets
	// both status and reprice count.
	registry.CreateQuote("group-1", 5.30, 5.27, "commercial", "trader-b", nil)

	q := registry.GetActiveQuote("group-1")
	require.NotNil(t, q)
	assert.Equal(t, 5.30, q.QuotedPrice)
	assert.Equal(t, 5.27, q.BasePrice)
	assert.Equal(t, StatusPending, q.Status)
	assert.Equal(t, 0, q.RepriceCount)
	assert.Equal(t, "trader-b", q.RequesterID)
}

func TestTryLockForRepriceExactlyOneWinner(t *testing.T) {
	registry := NewRegistry()
	registry.CreateQuote("group-1", 5.2763, 5.25, "commercial", "trader-a", nil)

	const attempts = 50
	var wg sync.WaitGroup
	var winsMu sync.Mutex
	wins := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if registry.TryLockForReprice("group-1") {
				winsMu.Lock()
				wins++
				winsMu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, StatusRepricing, registry.GetActiveQuote("group-1").Status)
}

func TestTryLockForRepriceUnknownGroup(t *testing.T) {
	registry := NewRegistry()
	assert.False(t, registry.TryLockForReprice("nobody"))
}

func TestUnlockAfterRepriceSuccess(t *testing.T) {
	registry := NewRegistry()
	registry.CreateQuote("group-1", 5.2763, 5.25, "commercial", "trader-a", nil)
	require.True(t, registry.TryLockForReprice("group-1"))

	registry.UnlockAfterReprice("group-1", 5.31, 5.2835)

	q := registry.GetActiveQuote("group-1")
	require.NotNil(t, q)
	assert.Equal(t, StatusPending, q.Status)
	assert.Equal(t, 5.31, q.QuotedPrice)
	assert.Equal(t, 5.2835, q.BasePrice)
}

func TestUnlockAfterRepriceFailureKeepsPrices(t *testing.T) {
	registry := NewRegistry()
	registry.CreateQuote("group-1", 5.2763, 5.25, "commercial", "trader-a", nil)
	require.True(t, registry.TryLockForReprice("group-1"))

	// Zero price signals a failed cycle: the lock is released but the
	// quote keeps its last good prices.
	registry.UnlockAfterReprice("group-1", 0, 0)

	q := registry.GetActiveQuote("group-1")
	require.NotNil(t, q)
	assert.Equal(t, StatusPending, q.Status)
	assert.Equal(t, 5.2763, q.QuotedPrice)
	assert.Equal(t, 5.25, q.BasePrice)

	// The group is lockable again.
	assert.True(t, registry.TryLockForReprice("group-1"))
}

func TestIncrementRepriceCount(t *testing.T) {
	registry := NewRegistry()
	registry.CreateQuote("group-1", 5.2763, 5.25, "commercial", "trader-a", nil)

	assert.Equal(t, 1, registry.IncrementRepriceCount("group-1"))
	assert.Equal(t, 2, registry.IncrementRepriceCount("group-1"))
	assert.Equal(t, 0, registry.IncrementRepriceCount("missing"))
}

func TestGetActiveQuoteReturnsCopy(t *testing.T) {
	registry := NewRegistry()
	registry.CreateQuote("group-1", 5.2763, 5.25, "commercial", "trader-a", nil)

	q := registry.GetActiveQuote("group-1")
	require.NotNil(t, q)
	q.QuotedPrice = 999

	assert.Equal(t, 5.2763, registry.GetActiveQuote("group-1").QuotedPrice)
}

func TestClear(t *testing.T) {
	registry := NewRegistry()
	registry.CreateQuote("group-1", 5.2763, 5.25, "commercial", "trader-a", nil)
	registry.CreateQuote("group-2", 5.28, 5.26, "commercial", "trader-b", nil)

	registry.Clear("group-1")

	assert.Nil(t, registry.GetActiveQuote("group-1"))
	assert.Len(t, registry.GetAllActiveQuotes(), 1)
}
