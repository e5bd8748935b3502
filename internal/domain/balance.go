/**
 * @description
 * This file holds the balance fold: the pure function that derives an
 * address's spendable balance from its claimed points and its ledger
 * history. Every balance shown or checked anywhere in the service comes
 * from this fold (or from SQL that mirrors it exactly), so the ledger
 * stays the single source of truth.
 */

package domain

// SpendableBalance folds a ledger history into the address's spendable
// balance. Only CONFIRMED entries count. Incoming SEND entries credit the
// balance; every outgoing entry debits its amount plus fee. TASK_REWARD and
// REFERRAL_BONUS entries are audit records whose credit already lives in
// claimed points, so they add nothing here.
//
// The fold is a sum, so it is independent of entry order.
func SpendableBalance(claimedPoints int64, addr string, entries []LedgerEntry) int64 {
	balance := claimedPoints
	for _, e := range entries {
		if !e.Confirmed() {
			continue
		}
		if e.ToAddress == addr && e.Kind == EntryKindSend {
			balance += e.Amount
		}
		if e.FromAddress == addr {
			balance -= e.Amount + e.Fee
		}
	}
	return balance
}
