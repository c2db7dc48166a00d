package types

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services. Callers distinguish cases with
// errors.Is/errors.As rather than string matching.
var (
	// ErrDealNotFound covers both a genuinely absent deal and a deal
	// belonging to another group; callers cannot tell the two apart.
	ErrDealNotFound = errors.New("deal not found")

	// ErrConcurrentModification means a conditional state update matched
	// zero rows: another transition won the race.
	ErrConcurrentModification = errors.New("deal was modified concurrently")

	// ErrDealExpired is returned when a transition attempt finds the
	// deal's TTL already elapsed; the deal is auto-expired as a side
	// effect.
	ErrDealExpired = errors.New("deal has expired")

	// ErrDealTerminal rejects operations on deals in a terminal state.
	ErrDealTerminal = errors.New("deal is in a terminal state")

	// ErrGroupPaused signals that automated responses for the group are
	// suspended pending operator review.
	ErrGroupPaused = errors.New("group is paused for operator review")

	// ErrRuleNameTaken signals a duplicate pricing rule name.
	ErrRuleNameTaken = errors.New("pricing rule name already in use")
)

// ValidationError reports bad input on an operation. Never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// InvalidTransitionError reports a transition not present in the lifecycle
// table.
type InvalidTransitionError struct {
	From DealState
	To   DealState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// ActiveDealExistsError reports that a client already has a non-terminal
// deal in the group. The conflicting state is included so the routing
// layer can tell the client where their open deal stands.
type ActiveDealExistsError struct {
	DealID string
	State  DealState
}

func (e *ActiveDealExistsError) Error() string {
	return fmt.Sprintf("client already has an active deal %s in state %s", e.DealID, e.State)
}

// IsConflict reports whether err is one of the conflict-class errors that
// callers should surface to the user rather than retry.
func IsConflict(err error) bool {
	var active *ActiveDealExistsError
	var invalid *InvalidTransitionError
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrRuleNameTaken) ||
		errors.As(err, &active) ||
		errors.As(err, &invalid)
}

// IsValidation reports whether err is a bad-input error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
