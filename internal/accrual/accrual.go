/**
 * @description
 * This package computes pending mining yield for active sessions. Yield is a
 * pure function of the session start time, the evaluation time, and the
 * account's effective accrual rate; the engine holds no state and touches no
 * storage, so the same inputs always produce the same pending balance.
 *
 * Key behaviors:
 * - The effective rate is the base rate plus a per-referral boost, with the
 *   referral contribution capped at MaxReferrals.
 * - Sessions stop accruing after MaxSessionDuration; elapsed time is clamped,
 *   never rejected, so a stale session settles at exactly the 24h ceiling.
 * - Evaluation times before the session start clamp to zero rather than
 *   producing negative yield (clock skew tolerance).
 *
 * All amounts are int64 micro-ARG; the seconds-based integer math is exact
 * for every rate expressible in whole micro-ARG per hour.
 */

package accrual

import (
	"time"

	"github.com/argus-labs/ledger-service/internal/domain"
)

const (
	// BaseRatePerHour is the accrual rate of an account with no referrals,
	// in micro-ARG per hour (0.06 ARG/hr).
	BaseRatePerHour int64 = 60_000

	// ReferralBoostPerHour is the additional accrual per counted referral,
	// in micro-ARG per hour (0.1 ARG/hr).
	ReferralBoostPerHour int64 = 100_000

	// MaxReferrals caps how many referrals contribute to the rate.
	MaxReferrals = 20

	// MaxSessionDuration is the point past which a session accrues nothing
	// further and must be claimed and restarted.
	MaxSessionDuration = 24 * time.Hour
)

// RatePerHour returns the effective accrual rate in micro-ARG per hour for an
// account with the given referral count. Counts beyond MaxReferrals add
// nothing; negative counts are treated as zero.
func RatePerHour(referralCount int) int64 {
	if referralCount < 0 {
		referralCount = 0
	}
	if referralCount > MaxReferrals {
		referralCount = MaxReferrals
	}
	return BaseRatePerHour + int64(referralCount)*ReferralBoostPerHour
}

// PendingPoints returns the micro-ARG accrued by a session started at
// startedAt when evaluated at now, at ratePerHour micro-ARG per hour.
// Elapsed time is clamped to [0, MaxSessionDuration].
func PendingPoints(startedAt, now time.Time, ratePerHour int64) int64 {
	elapsed := now.Sub(startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > MaxSessionDuration {
		elapsed = MaxSessionDuration
	}
	seconds := int64(elapsed / time.Second)
	return seconds * ratePerHour / 3600
}

// PendingFor evaluates the pending yield of an account's active session at
// now. Accounts without an active session accrue nothing.
func PendingFor(acct *domain.Account, now time.Time) int64 {
	if acct == nil || !acct.MiningActive() {
		return 0
	}
	return PendingPoints(acct.MiningSession.StartedAt, now, RatePerHour(acct.ReferralCount))
}

// Expired reports whether a session started at startedAt has reached the
// accrual ceiling as of now.
func Expired(startedAt, now time.Time) bool {
	return now.Sub(startedAt) >= MaxSessionDuration
}
