/**
 * @description
 * This file defines the `Repository` interface, the contract for all data
 * access performed by the ledger service. Business logic depends on this
 * interface rather than on PostgreSQL directly, which keeps the app layer
 * testable against an in-memory fake.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/argus-labs/ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Migrate creates the schema if it does not exist. Safe to call on every
	// startup.
	Migrate(ctx context.Context) error

	// Account methods
	GetAccount(ctx context.Context, accountID string) (*domain.Account, error)
	GetAccountByAddress(ctx context.Context, addr string) (*domain.Account, error)
	CreateAccount(ctx context.Context, acct *domain.Account) error
	// UpdateAccount persists the account's mutable fields only if the stored
	// version still equals expectedVersion, bumping the version on success.
	// Returns ErrVersionConflict when a concurrent writer got there first.
	UpdateAccount(ctx context.Context, acct *domain.Account, expectedVersion int64) error

	// CompleteTaskAtomic records a task completion and credits the reward in
	// one guarded statement. Returns false (and no error) when the task was
	// already recorded for the account.
	CompleteTaskAtomic(ctx context.Context, accountID, taskID string, reward int64) (bool, error)

	// GrantReferralAtomic increments the referrer's counted referrals and
	// credits the bonus, but only while the count is below countCap. Returns
	// false (and no error) when the cap has been reached.
	GrantReferralAtomic(ctx context.Context, referrerID string, bonus int64, countCap int) (bool, error)

	// CountReferees returns how many accounts name the given account as their
	// referrer, capped or not.
	CountReferees(ctx context.Context, referrerID string) (int64, error)

	// Ledger methods
	// AppendEntry inserts a single ledger entry. A replayed entry id yields
	// ErrDuplicateEntry and leaves the ledger untouched.
	AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error
	// AppendTransferEntry inserts an outgoing entry for the sender inside one
	// transaction that locks the sender row, re-checks spendable funds, and
	// bumps the account version. Returns ErrInsufficientFunds when the locked
	// re-check fails and ErrDuplicateEntry on entry id replay.
	AppendTransferEntry(ctx context.Context, senderAccountID string, entry *domain.LedgerEntry) error
	// MintAtomic inserts the mint debit entry and sets the one-way ownership
	// flag in a single transaction, re-checking spendable funds under the
	// account lock. Returns false (and no error) when the account already owns
	// the asset, so a retried mint never charges twice.
	MintAtomic(ctx context.Context, accountID string, entry *domain.LedgerEntry) (bool, error)
	// GetEntry returns the entry with the given id, or ErrEntryNotFound.
	GetEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error)
	// EntriesFor returns entries touching the address as sender or recipient,
	// ordered oldest first with entry id as the tiebreak. A zero since returns
	// the full history; limit <= 0 means no limit.
	EntriesFor(ctx context.Context, addr string, since time.Time, limit int) ([]domain.LedgerEntry, error)

	// NetworkStats reports aggregate counters across all accounts.
	NetworkStats(ctx context.Context) (*domain.NetworkStats, error)
}
