package execution

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrOrderNotFound is returned for unknown order ids
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderTerminal is returned when acting on a filled, cancelled, rejected or expired order
	ErrOrderTerminal = errors.New("order is in a terminal state")
	// ErrBracketTimeout means the entry did not fill in time and no exit legs were placed
	ErrBracketTimeout = errors.New("bracket entry not filled before timeout")
	// ErrBracketEntryClosed means the entry ended without filling
	ErrBracketEntryClosed = errors.New("bracket entry closed without filling")
)

// ValidationError reports a malformed order
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// RiskRejection reports a breached risk limit
type RiskRejection struct {
	Limit  string
	Reason string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk limit %s: %s", e.Limit, e.Reason)
}

// InsufficientResourceError reports missing cash or holdings
type InsufficientResourceError struct {
	Resource string
	Need     decimal.Decimal
	Have     decimal.Decimal
}

// Shortfall is how much more of the resource the order needs.
func (e *InsufficientResourceError) Shortfall() decimal.Decimal {
	return e.Need.Sub(e.Have)
}

func (e *InsufficientResourceError) Error() string {
	return fmt.Sprintf("insufficient %s: need %s, have %s (short %s)",
		e.Resource, e.Need.StringFixed(2), e.Have.StringFixed(2), e.Shortfall().StringFixed(2))
}
