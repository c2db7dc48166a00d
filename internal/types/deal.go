package types

// DealState is the lifecycle state of a deal. Transitions between states
// are validated by the deal service against a closed table; states are
// never written free-form.
type DealState string

const (
	StateQuoted         DealState = "quoted"
	StateLocked         DealState = "locked"
	StateAwaitingAmount DealState = "awaiting_amount"
	StateComputing      DealState = "computing"
	StateCompleted      DealState = "completed"
	StateExpired        DealState = "expired"
	StateCancelled      DealState = "cancelled"
	StateRejected       DealState = "rejected"
)

// AllDealStates lists every state, in lifecycle order. Used by the
// transition validator and by exhaustive tests.
var AllDealStates = []DealState{
	StateQuoted,
	StateLocked,
	StateAwaitingAmount,
	StateComputing,
	StateCompleted,
	StateExpired,
	StateCancelled,
	StateRejected,
}

// Terminal reports whether no further transitions are allowed out of s.
func (s DealState) Terminal() bool {
	switch s {
	case StateCompleted, StateExpired, StateCancelled, StateRejected:
		return true
	}
	return false
}

// Valid reports whether s is a known deal state.
func (s DealState) Valid() bool {
	for _, known := range AllDealStates {
		if s == known {
			return true
		}
	}
	return false
}

// Side is the direction of a deal from the client's point of view.
type Side string

const (
	SideClientBuys  Side = "client_buys"
	SideClientSells Side = "client_sells"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideClientBuys || s == SideClientSells
}

// SpreadMode selects how a spread value is applied to a base rate and how
// the volatility threshold derived from it behaves.
type SpreadMode string

const (
	// SpreadModeBps applies the spread as basis points on the base rate.
	SpreadModeBps SpreadMode = "bps"
	// SpreadModeAbsBRL applies the spread as an absolute amount in quote
	// currency.
	SpreadModeAbsBRL SpreadMode = "abs_brl"
	// SpreadModeFlat passes the base rate through unchanged.
	SpreadModeFlat SpreadMode = "flat"
)

// Valid reports whether m is a known spread mode.
func (m SpreadMode) Valid() bool {
	return m == SpreadModeBps || m == SpreadModeAbsBRL || m == SpreadModeFlat
}

// CompletionReason classifies why a deal reached a terminal state when it
// is archived to history.
type CompletionReason string

const (
	ReasonSettled   CompletionReason = "settled"
	ReasonExpired   CompletionReason = "expired"
	ReasonCancelled CompletionReason = "cancelled"
	ReasonRejected  CompletionReason = "rejected"
)
