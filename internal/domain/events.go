/**
 * @description
 * This file defines the payloads published to RabbitMQ when ledger state
 * changes. Downstream consumers (notification fan-out, analytics) receive
 * these as JSON on the ledger events exchange.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// EntryCommittedPayload is published after a ledger entry is durably stored.
type EntryCommittedPayload struct {
	EntryID     uuid.UUID `json:"entry_id"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Amount      int64     `json:"amount"`
	Fee         int64     `json:"fee"`
	Kind        string    `json:"kind"`
	CreatedAt   time.Time `json:"created_at"`
}

// MiningClaimedPayload is published when a mining session is settled.
type MiningClaimedPayload struct {
	AccountID string `json:"account_id"`
	Address   string `json:"address"`
	Claimed   int64  `json:"claimed"`
}

// TaskCompletedPayload is published on the first completion of a task.
type TaskCompletedPayload struct {
	AccountID string `json:"account_id"`
	TaskID    string `json:"task_id"`
	Reward    int64  `json:"reward"`
}

// ReferralBonusPayload is published when a counted referral credits the
// referrer.
type ReferralBonusPayload struct {
	ReferrerID string `json:"referrer_id"`
	RefereeID  string `json:"referee_id"`
	Bonus      int64  `json:"bonus"`
}

// MintCompletedPayload is published when an account acquires the mint asset.
type MintCompletedPayload struct {
	AccountID string `json:"account_id"`
	Address   string `json:"address"`
	Cost      int64  `json:"cost"`
}
