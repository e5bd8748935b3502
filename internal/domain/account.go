/**
 * @description
 * This file defines the core domain models for the ledger-service. The Account
 * aggregate is the single authoritative record of one operator's balance,
 * mining session, task history and referral standing; every mutation flows
 * through the application service, never through ad hoc field writes.
 *
 * @notes
 * - Amounts are stored as `int64` in micro-ARG (1 ARG = 1,000,000 µARG), which
 *   avoids floating-point inaccuracies with monetary data.
 * - Account carries a `Version` counter used for optimistic concurrency: every
 *   persisted mutation must name the version it read, so two concurrent
 *   writers cannot both act on a stale balance.
 */

package domain

import "time"

// MicroARG is the number of micro-ARG units in one ARG.
const MicroARG int64 = 1_000_000

// MiningSession marks an open-ended accrual window on an account. It is the
// only mutable non-monotonic account field and is cleared when the session's
// pending points are claimed.
type MiningSession struct {
	StartedAt time.Time `json:"started_at"`
}

// Account is the ledger-engine's record of one user.
//
// Invariants:
//   - ClaimedPoints >= 0 at all times.
//   - CompletedTaskIDs only ever grows.
//   - ReferralCount never exceeds the referral cap.
//   - OwnsMintAsset transitions false -> true exactly once.
type Account struct {
	ID               string         `json:"id"`
	Address          string         `json:"address"`
	ClaimedPoints    int64          `json:"claimed_points"` // in micro-ARG
	MiningSession    *MiningSession `json:"mining_session,omitempty"`
	CompletedTaskIDs []string       `json:"completed_task_ids"`
	ReferralCount    int            `json:"referral_count"`
	ReferredBy       *string        `json:"referred_by,omitempty"`
	OwnsMintAsset    bool           `json:"owns_mint_asset"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// MiningActive reports whether the account has an open mining session.
func (a *Account) MiningActive() bool {
	return a.MiningSession != nil
}

// HasCompletedTask reports whether the given task id has already been rewarded.
func (a *Account) HasCompletedTask(taskID string) bool {
	for _, id := range a.CompletedTaskIDs {
		if id == taskID {
			return true
		}
	}
	return false
}

// NetworkStats captures the aggregate counters surfaced on the dashboard.
type NetworkStats struct {
	TotalAccounts  int64 `json:"total_accounts"`
	TotalClaimed   int64 `json:"total_claimed"` // in micro-ARG
	ActiveSessions int64 `json:"active_sessions"`
}
