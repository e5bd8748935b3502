/**
 * @description
 * This file defines the typed errors the service layer returns to callers.
 * Handlers map these onto HTTP statuses; precondition failures carry enough
 * context (addresses, amounts) to explain the rejection without another
 * round trip to storage.
 *
 * @dependencies
 * - errors, fmt: Standard Go libraries.
 */

package app

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAddress         = errors.New("invalid address")
	ErrSelfTransferNotAllowed = errors.New("self transfer not allowed")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidSessionState    = errors.New("invalid mining session state")
	ErrLedgerCorruption       = errors.New("ledger corruption")
)

// InsufficientFundsError reports a rejected debit together with what the
// sender would have needed and what the ledger says they hold.
type InsufficientFundsError struct {
	Address   string
	Required  int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: required %d, available %d", e.Address, e.Required, e.Available)
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// LedgerCorruptionError reports a balance fold that produced a negative
// result, which no sequence of accepted operations can do.
type LedgerCorruptionError struct {
	Address string
	Balance int64
}

func (e *LedgerCorruptionError) Error() string {
	return fmt.Sprintf("ledger corruption for %s: folded balance %d is negative", e.Address, e.Balance)
}

func (e *LedgerCorruptionError) Unwrap() error {
	return ErrLedgerCorruption
}
