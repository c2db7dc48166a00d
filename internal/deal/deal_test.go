package deal

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ksred/otc-desk/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gormDB.AutoMigrate(&Deal{}, &DealHistoryRecord{}))
	return NewService(gormDB), gormDB
}

func createTestDeal(t *testing.T, service *Service, groupID, clientID string) *Deal {
	t.Helper()
	deal, err := service.CreateDeal(CreateDealParams{
		GroupID:    groupID,
		ClientID:   clientID,
		Side:       types.SideClientBuys,
		QuotedRate: 5.2763,
		BaseRate:   5.25,
		TTLSeconds: 120,
		Snapshot: PricingSnapshot{
			PricingSource: "commercial",
			SpreadMode:    string(types.SpreadModeBps),
			SellSpread:    50,
			BuySpread:     -50,
		},
	})
	require.NoError(t, err)
	return deal
}

// backdateTTL pushes the deal's expiry into the past, bypassing the
// service so the lifecycle sees a genuinely stale deal.
func backdateTTL(t *testing.T, db *gorm.DB, dealID string) {
	t.Helper()
	err := db.Model(&Deal{}).
		Where("deal_id = ?", dealID).
		Update("ttl_expires_at", time.Now().Add(-time.Minute)).Error
	require.NoError(t, err)
}

func TestCreateDeal(t *testing.T) {
	service, _ := newTestService(t)

	deal := createTestDeal(t, service, "group-1", "client-1")

	assert.Contains(t, deal.DealID, "DEAL_")
	assert.Equal(t, types.StateQuoted, deal.DealState())
	assert.Equal(t, 5.2763, deal.QuotedRate)
	assert.Equal(t, "commercial", deal.PricingSource)
	assert.True(t, deal.TTLExpiresAt.After(time.Now().Add(110*time.Second)))
}

func TestCreateDealValidation(t *testing.T) {
	service, _ := newTestService(t)

	cases := []struct {
		name   string
		params CreateDealParams
	}{
		{"missing group", CreateDealParams{ClientID: "c", Side: types.SideClientBuys, QuotedRate: 5, BaseRate: 5, TTLSeconds: 60}},
		{"missing client", CreateDealParams{GroupID: "g", Side: types.SideClientBuys, QuotedRate: 5, BaseRate: 5, TTLSeconds: 60}},
		{"bad side", CreateDealParams{GroupID: "g", ClientID: "c", Side: "sideways", QuotedRate: 5, BaseRate: 5, TTLSeconds: 60}},
		{"zero rate", CreateDealParams{GroupID: "g", ClientID: "c", Side: types.SideClientBuys, BaseRate: 5, TTLSeconds: 60}},
		{"zero ttl", CreateDealParams{GroupID: "g", ClientID: "c", Side: types.SideClientBuys, QuotedRate: 5, BaseRate: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.CreateDeal(tc.params)
			assert.True(t, types.IsValidation(err))
		})
	}
}

func TestCreateDealOneActivePerClient(t *testing.T) {
	service, _ := newTestService(t)

	first := createTestDeal(t, service, "group-1", "client-1")

	_, err := service.CreateDeal(CreateDealParams{
		GroupID:    "group-1",
		ClientID:   "client-1",
		Side:       types.SideClientBuys,
		QuotedRate: 5.28,
		BaseRate:   5.25,
		TTLSeconds: 120,
	})
	var exists *types.ActiveDealExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, first.DealID, exists.DealID)
	assert.Equal(t, types.StateQuoted, exists.State)

	// Same client in another group is unaffected.
	createTestDeal(t, service, "group-2", "client-1")

	// Once the first deal reaches a terminal state the client can open a
	// new one.
	_, err = service.RejectDeal(first.DealID, "group-1")
	require.NoError(t, err)
	createTestDeal(t, service, "group-1", "client-1")
}

func TestFullLifecycleGuidedFlow(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	locked, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, types.StateLocked, locked.DealState())
	require.NotNil(t, locked.LockedRate)
	assert.Equal(t, 5.2763, *locked.LockedRate)
	assert.NotNil(t, locked.LockedAt)

	awaiting, err := service.StartAwaitingAmount(deal.DealID, "group-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateAwaitingAmount, awaiting.DealState())

	computing, err := service.StartComputation(deal.DealID, "group-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateComputing, computing.DealState())

	amount := 5276.3
	completed, err := service.CompleteDeal(deal.DealID, "group-1", &amount, nil)
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, completed.DealState())
	require.NotNil(t, completed.AmountQuoteCcy)
	require.NotNil(t, completed.AmountBaseCcy)
	assert.Equal(t, 5276.3, *completed.AmountQuoteCcy)
	// Base amount derived from the locked rate.
	assert.Equal(t, 1000.0, *completed.AmountBaseCcy)
}

func TestCompleteDealDerivesQuoteAmountFromBase(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	_, err := service.LockDeal(deal.DealID, "group-1", 5.25, nil, nil, 0)
	require.NoError(t, err)
	_, err = service.StartComputation(deal.DealID, "group-1")
	require.NoError(t, err)

	base := 2000.0
	completed, err := service.CompleteDeal(deal.DealID, "group-1", nil, &base)
	require.NoError(t, err)
	require.NotNil(t, completed.AmountQuoteCcy)
	assert.Equal(t, 10500.0, *completed.AmountQuoteCcy)
}

func TestCompleteDealWithoutAnyAmount(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	_, err := service.LockDeal(deal.DealID, "group-1", 5.25, nil, nil, 0)
	require.NoError(t, err)
	_, err = service.StartComputation(deal.DealID, "group-1")
	require.NoError(t, err)

	_, err = service.CompleteDeal(deal.DealID, "group-1", nil, nil)
	assert.True(t, types.IsValidation(err))
}

func TestInvalidTransitions(t *testing.T) {
	service, _ := newTestService(t)

	cases := []struct {
		name string
		run  func(dealID string) error
	}{
		{"quoted to computing", func(id string) error {
			_, err := service.StartComputation(id, "group-1")
			return err
		}},
		{"quoted to completed", func(id string) error {
			amount := 100.0
			_, err := service.CompleteDeal(id, "group-1", &amount, nil)
			return err
		}},
		{"quoted to awaiting amount", func(id string) error {
			_, err := service.StartAwaitingAmount(id, "group-1")
			return err
		}},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			deal := createTestDeal(t, service, "group-1", fmt.Sprintf("client-%d", i))
			err := tc.run(deal.DealID)
			var invalid *types.InvalidTransitionError
			assert.ErrorAs(t, err, &invalid)
		})
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[types.DealState]map[types.DealState]bool{
		types.StateQuoted: {
			types.StateLocked: true, types.StateExpired: true,
			types.StateCancelled: true, types.StateRejected: true,
		},
		types.StateLocked: {
			types.StateAwaitingAmount: true, types.StateComputing: true,
			types.StateExpired: true, types.StateCancelled: true,
		},
		types.StateAwaitingAmount: {
			types.StateComputing: true, types.StateExpired: true, types.StateCancelled: true,
		},
		types.StateComputing: {
			types.StateCompleted: true, types.StateCancelled: true,
		},
	}

	for _, from := range types.AllDealStates {
		for _, to := range types.AllDealStates {
			assert.Equal(t, allowed[from][to], transitionAllowed(from, to),
				"transition %s -> %s", from, to)
		}
		if from.Terminal() {
			assert.Empty(t, transitionTable[from], "terminal state %s must have no exits", from)
		}
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	_, err := service.RejectDeal(deal.DealID, "group-1")
	require.NoError(t, err)

	_, err = service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	var invalid *types.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)

	_, err = service.CancelDeal(deal.DealID, "group-1", "operator")
	assert.ErrorAs(t, err, &invalid)
}

func TestTTLAutoExpireOnTransition(t *testing.T) {
	service, db := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")
	backdateTTL(t, db, deal.DealID)

	// Attempting a non-terminal transition on a stale deal expires it
	// instead.
	_, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	assert.ErrorIs(t, err, types.ErrDealExpired)

	reloaded, err := service.GetDeal(deal.DealID, "group-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateExpired, reloaded.DealState())

	// Repeated attempts keep reporting expiry, not invalid transition.
	_, err = service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	assert.ErrorIs(t, err, types.ErrDealExpired)
	_, err = service.StartComputation(deal.DealID, "group-1")
	assert.ErrorIs(t, err, types.ErrDealExpired)
}

func TestTerminalTransitionAllowedPastTTL(t *testing.T) {
	service, db := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")
	backdateTTL(t, db, deal.DealID)

	// Cancelling a stale deal still works: the short-circuit only guards
	// non-terminal targets.
	cancelled, err := service.CancelDeal(deal.DealID, "group-1", "client walked away")
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, cancelled.DealState())
}

func TestExtendDealTTL(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	extended, err := service.ExtendDealTTL(deal.DealID, "group-1", 300)
	require.NoError(t, err)
	assert.True(t, extended.TTLExpiresAt.After(deal.TTLExpiresAt.Add(250*time.Second)))

	_, err = service.ExtendDealTTL(deal.DealID, "group-1", 0)
	assert.True(t, types.IsValidation(err))

	_, err = service.RejectDeal(deal.DealID, "group-1")
	require.NoError(t, err)
	_, err = service.ExtendDealTTL(deal.DealID, "group-1", 60)
	assert.ErrorIs(t, err, types.ErrDealTerminal)
}

func TestExtendDealTTLAnchorsOnNowWhenAlreadyPast(t *testing.T) {
	service, db := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")
	backdateTTL(t, db, deal.DealID)

	extended, err := service.ExtendDealTTL(deal.DealID, "group-1", 60)
	require.NoError(t, err)
	// The new expiry is measured from now, not from the stale expiry.
	assert.True(t, extended.TTLExpiresAt.After(time.Now().Add(50*time.Second)))
}

func TestSweepExpiredDeals(t *testing.T) {
	service, db := newTestService(t)

	stale1 := createTestDeal(t, service, "group-1", "client-1")
	stale2 := createTestDeal(t, service, "group-1", "client-2")
	fresh := createTestDeal(t, service, "group-1", "client-3")
	backdateTTL(t, db, stale1.DealID)
	backdateTTL(t, db, stale2.DealID)

	assert.Equal(t, 2, service.SweepExpiredDeals())

	for _, id := range []string{stale1.DealID, stale2.DealID} {
		reloaded, err := service.GetDeal(id, "group-1")
		require.NoError(t, err)
		assert.Equal(t, types.StateExpired, reloaded.DealState())
	}
	reloaded, err := service.GetDeal(fresh.DealID, "group-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateQuoted, reloaded.DealState())

	// A second sweep finds nothing left to do.
	assert.Equal(t, 0, service.SweepExpiredDeals())
}

func TestSweepSkipsComputingDeals(t *testing.T) {
	service, db := newTestService(t)

	deal := createTestDeal(t, service, "group-1", "client-1")
	_, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	require.NoError(t, err)
	_, err = service.StartComputation(deal.DealID, "group-1")
	require.NoError(t, err)
	backdateTTL(t, db, deal.DealID)

	// Computing deals cannot expire; the sweep leaves them alone instead
	// of failing the same transition every pass.
	assert.Equal(t, 0, service.SweepExpiredDeals())

	reloaded, err := service.GetDeal(deal.DealID, "group-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateComputing, reloaded.DealState())
}

func TestClassifyAwaitingAmount(t *testing.T) {
	service, db := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")
	_, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	require.NoError(t, err)
	_, err = service.StartAwaitingAmount(deal.DealID, "group-1")
	require.NoError(t, err)

	now := time.Now()

	// Inside the window: nothing due yet.
	classification, err := service.ClassifyAwaitingAmount(now)
	require.NoError(t, err)
	assert.Empty(t, classification.NeedsReprompt)
	assert.Empty(t, classification.NeedsExpiry)

	// Past the window with no reprompt recorded: due a reprompt.
	classification, err = service.ClassifyAwaitingAmount(now.Add(45 * time.Second))
	require.NoError(t, err)
	require.Len(t, classification.NeedsReprompt, 1)
	assert.Equal(t, deal.DealID, classification.NeedsReprompt[0].DealID)
	assert.Empty(t, classification.NeedsExpiry)

	require.NoError(t, service.MarkReprompted(deal.DealID, "group-1"))

	// Freshly reprompted: not yet due expiry.
	classification, err = service.ClassifyAwaitingAmount(now)
	require.NoError(t, err)
	assert.Empty(t, classification.NeedsReprompt)
	assert.Empty(t, classification.NeedsExpiry)

	// Reprompt aged out: due expiry.
	err = db.Model(&Deal{}).
		Where("deal_id = ?", deal.DealID).
		Update("reprompted_at", time.Now().Add(-time.Minute)).Error
	require.NoError(t, err)

	classification, err = service.ClassifyAwaitingAmount(time.Now())
	require.NoError(t, err)
	assert.Empty(t, classification.NeedsReprompt)
	require.Len(t, classification.NeedsExpiry, 1)
	assert.Equal(t, deal.DealID, classification.NeedsExpiry[0].DealID)
}

func TestMarkRepromptedIdempotent(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")
	_, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	require.NoError(t, err)
	_, err = service.StartAwaitingAmount(deal.DealID, "group-1")
	require.NoError(t, err)

	require.NoError(t, service.MarkReprompted(deal.DealID, "group-1"))
	first, err := service.GetDeal(deal.DealID, "group-1")
	require.NoError(t, err)
	require.NotNil(t, first.RepromptedAt)

	// The second call is a no-op; the original stamp survives.
	require.NoError(t, service.MarkReprompted(deal.DealID, "group-1"))
	second, err := service.GetDeal(deal.DealID, "group-1")
	require.NoError(t, err)
	require.NotNil(t, second.RepromptedAt)
	assert.True(t, second.RepromptedAt.Equal(*first.RepromptedAt))

	// Unknown deals surface not-found rather than silently succeeding.
	err = service.MarkReprompted("DEAL_missing", "group-1")
	assert.ErrorIs(t, err, types.ErrDealNotFound)
}

func TestArchiveDeal(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	// Archiving a live deal is refused.
	_, err := service.ArchiveDeal(deal.DealID, "group-1")
	var invalid *types.InvalidTransitionError
	assert.ErrorAs(t, err, &invalid)

	_, err = service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	require.NoError(t, err)
	_, err = service.StartComputation(deal.DealID, "group-1")
	require.NoError(t, err)
	amount := 5276.3
	_, err = service.CompleteDeal(deal.DealID, "group-1", &amount, nil)
	require.NoError(t, err)

	record, err := service.ArchiveDeal(deal.DealID, "group-1")
	require.NoError(t, err)
	assert.Equal(t, deal.DealID, record.DealID)
	assert.Equal(t, string(types.StateCompleted), record.FinalState)
	assert.Equal(t, string(types.ReasonSettled), record.CompletionReason)
	require.NotNil(t, record.LockedRate)
	assert.Equal(t, 5.2763, *record.LockedRate)

	// The active row is gone; history remains.
	_, err = service.GetDeal(deal.DealID, "group-1")
	assert.ErrorIs(t, err, types.ErrDealNotFound)

	history, err := service.ListHistory("group-1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, deal.DealID, history[0].DealID)
}

func TestArchiveCancelledDealRecordsReason(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	_, err := service.CancelDeal(deal.DealID, "group-1", "client walked away")
	require.NoError(t, err)

	record, err := service.ArchiveDeal(deal.DealID, "group-1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled: client walked away", record.CompletionReason)
}

type clearRecorder struct {
	mu      sync.Mutex
	cleared []string
}

func (r *clearRecorder) Clear(groupID string) {
	r.mu.Lock()
	r.cleared = append(r.cleared, groupID)
	r.mu.Unlock()
}

func TestTransitionOutOfQuotedClearsActiveQuote(t *testing.T) {
	service, _ := newTestService(t)
	recorder := &clearRecorder{}
	service.AttachQuoteRegistry(recorder)

	deal := createTestDeal(t, service, "group-1", "client-1")
	_, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"group-1"}, recorder.cleared)

	// Later transitions happen with no outstanding quote to void.
	_, err = service.StartComputation(deal.DealID, "group-1")
	require.NoError(t, err)
	assert.Len(t, recorder.cleared, 1)
}

func TestAutoExpireClearsActiveQuote(t *testing.T) {
	service, db := newTestService(t)
	recorder := &clearRecorder{}
	service.AttachQuoteRegistry(recorder)

	deal := createTestDeal(t, service, "group-1", "client-1")
	backdateTTL(t, db, deal.DealID)

	_, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	assert.ErrorIs(t, err, types.ErrDealExpired)
	assert.Equal(t, []string{"group-1"}, recorder.cleared)
}

func TestGetActiveDealForSenderCaching(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	active, err := service.GetActiveDealForSender("group-1", "client-1")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, deal.DealID, active.DealID)

	// The transition invalidates the cached entry.
	_, err = service.RejectDeal(deal.DealID, "group-1")
	require.NoError(t, err)

	active, err = service.GetActiveDealForSender("group-1", "client-1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestTransitionEvents(t *testing.T) {
	service, _ := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	_, err := service.LockDeal(deal.DealID, "group-1", 5.2763, nil, nil, 0)
	require.NoError(t, err)

	select {
	case event := <-service.Events():
		assert.Equal(t, deal.DealID, event.DealID)
		assert.Equal(t, types.StateQuoted, event.From)
		assert.Equal(t, types.StateLocked, event.To)
	default:
		t.Fatal("expected a transition event")
	}
}

func TestConcurrentModification(t *testing.T) {
	service, db := newTestService(t)
	deal := createTestDeal(t, service, "group-1", "client-1")

	// Another writer moves the deal between our read and update.
	database := NewDatabase(db)
	err := database.CompareStateAndUpdate(deal.DealID, "group-1", types.StateLocked, map[string]interface{}{
		"state": string(types.StateComputing),
	})
	assert.ErrorIs(t, err, types.ErrConcurrentModification)
	assert.True(t, errors.Is(err, types.ErrConcurrentModification))
}
