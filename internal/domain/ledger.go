/**
 * @description
 * This file defines the LedgerEntry model: one immutable, append-only record
 * of value movement. An account's spendable balance is always a fold over its
 * entries plus its claimed points; entries are never mutated or deleted.
 *
 * @notes
 * - EntryID doubles as the idempotency key: a retried append with the same id
 *   has effect at most once.
 * - For any given account projection, exactly one of FromAddress/ToAddress
 *   equals the owning account's address.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds.
const (
	EntryKindSend          = "SEND"
	EntryKindTaskReward    = "TASK_REWARD"
	EntryKindReferralBonus = "REFERRAL_BONUS"
	EntryKindMintDebit     = "MINT_DEBIT"
)

// Ledger entry statuses. Validation runs synchronously before an entry is
// written, so no PENDING state is ever persisted.
const (
	EntryStatusConfirmed = "CONFIRMED"
	EntryStatusFailed    = "FAILED"
)

// LedgerEntry is a single immutable ledger record.
type LedgerEntry struct {
	ID          uuid.UUID `json:"entry_id"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Amount      int64     `json:"amount"` // in micro-ARG, always positive
	Fee         int64     `json:"fee"`    // in micro-ARG, charged only to the sender
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Confirmed reports whether the entry counts toward balances.
func (e *LedgerEntry) Confirmed() bool {
	return e.Status == EntryStatusConfirmed
}
