/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL for the accounts and ledger_entries
 * tables, including the guarded single-statement updates used for idempotent
 * rewards and the locked transfer transaction that prevents overdrafts under
 * concurrency.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/google/uuid: Ledger entry ids.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argus-labs/ledger-service/internal/domain"
)

var (
	ErrAccountNotFound   = errors.New("account not found")
	ErrAccountExists     = errors.New("account already exists")
	ErrDuplicateEntry    = errors.New("duplicate ledger entry")
	ErrEntryNotFound     = errors.New("ledger entry not found")
	ErrVersionConflict   = errors.New("account version conflict")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}


// storeErr wraps a driver failure so callers can match the taxonomy's
// backend-failure sentinel while keeping the underlying cause in the message.
func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// Migrate creates the accounts and ledger_entries tables if they do not
// exist. It runs on every startup and is a no-op on an initialized database.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id                 TEXT PRIMARY KEY,
			address            TEXT NOT NULL UNIQUE,
			claimed_points     BIGINT NOT NULL DEFAULT 0,
			mining_started_at  TIMESTAMPTZ,
			completed_task_ids TEXT[] NOT NULL DEFAULT '{}',
			referral_count     INT NOT NULL DEFAULT 0,
			referred_by        TEXT,
			owns_mint_asset    BOOLEAN NOT NULL DEFAULT FALSE,
			version            BIGINT NOT NULL DEFAULT 1,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id           UUID PRIMARY KEY,
			from_address TEXT NOT NULL,
			to_address   TEXT NOT NULL,
			amount       BIGINT NOT NULL,
			fee          BIGINT NOT NULL DEFAULT 0,
			kind         TEXT NOT NULL,
			status       TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_from_address ON ledger_entries (from_address, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_to_address ON ledger_entries (to_address, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_referred_by ON accounts (referred_by)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

const accountColumns = `id, address, claimed_points, mining_started_at, completed_task_ids,
	referral_count, referred_by, owns_mint_asset, version, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acct domain.Account
	var miningStartedAt *time.Time
	err := row.Scan(
		&acct.ID,
		&acct.Address,
		&acct.ClaimedPoints,
		&miningStartedAt,
		&acct.CompletedTaskIDs,
		&acct.ReferralCount,
		&acct.ReferredBy,
		&acct.OwnsMintAsset,
		&acct.Version,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, storeErr(err)
	}
	if miningStartedAt != nil {
		acct.MiningSession = &domain.MiningSession{StartedAt: *miningStartedAt}
	}
	return &acct, nil
}

// GetAccount retrieves an account by its internal id.
func (r *PostgresRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// GetAccountByAddress retrieves an account by its external address.
func (r *PostgresRepository) GetAccountByAddress(ctx context.Context, addr string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE address = $1`
	return scanAccount(r.db.QueryRow(ctx, query, addr))
}

// CreateAccount inserts a new account row. Both the id and the derived
// address are unique; a conflict on either yields ErrAccountExists.
func (r *PostgresRepository) CreateAccount(ctx context.Context, acct *domain.Account) error {
	query := `
		INSERT INTO accounts (id, address, claimed_points, mining_started_at, completed_task_ids,
			referral_count, referred_by, owns_mint_asset, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`
	_, err := r.db.Exec(ctx, query,
		acct.ID,
		acct.Address,
		acct.ClaimedPoints,
		miningStartedAt(acct),
		acct.CompletedTaskIDs,
		acct.ReferralCount,
		acct.ReferredBy,
		acct.OwnsMintAsset,
		acct.Version,
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return ErrAccountExists
		}
		return storeErr(err)
	}
	return nil
}

// UpdateAccount persists the account's mutable fields guarded by the version
// column. The WHERE clause makes the write a compare-and-swap: zero rows
// affected means another writer bumped the version first.
func (r *PostgresRepository) UpdateAccount(ctx context.Context, acct *domain.Account, expectedVersion int64) error {
	query := `
		UPDATE accounts
		SET claimed_points = $1,
			mining_started_at = $2,
			completed_task_ids = $3,
			referral_count = $4,
			owns_mint_asset = $5,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $6 AND version = $7
	`
	result, err := r.db.Exec(ctx, query,
		acct.ClaimedPoints,
		miningStartedAt(acct),
		acct.CompletedTaskIDs,
		acct.ReferralCount,
		acct.OwnsMintAsset,
		acct.ID,
		expectedVersion,
	)
	if err != nil {
		return storeErr(err)
	}
	if result.RowsAffected() == 0 {
		// Distinguish a missing account from a lost race.
		var exists bool
		if probeErr := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", acct.ID).Scan(&exists); probeErr != nil {
			return storeErr(probeErr)
		}
		if !exists {
			return ErrAccountNotFound
		}
		return ErrVersionConflict
	}
	acct.Version = expectedVersion + 1
	return nil
}

// CompleteTaskAtomic records a task completion and credits the reward in a
// single guarded statement, so a replayed request cannot double-credit.
func (r *PostgresRepository) CompleteTaskAtomic(ctx context.Context, accountID, taskID string, reward int64) (bool, error) {
	query := `
		UPDATE accounts
		SET completed_task_ids = array_append(completed_task_ids, $2),
			claimed_points = claimed_points + $3,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND NOT ($2 = ANY(completed_task_ids))
	`
	result, err := r.db.Exec(ctx, query, accountID, taskID, reward)
	if err != nil {
		return false, storeErr(err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return false, storeErr(err)
	}
	if !exists {
		return false, ErrAccountNotFound
	}
	return false, nil
}

// GrantReferralAtomic increments the referrer's counted referrals and credits
// the bonus while the count is below countCap. At or above the cap the
// statement matches no rows and the grant is reported as not applied.
func (r *PostgresRepository) GrantReferralAtomic(ctx context.Context, referrerID string, bonus int64, countCap int) (bool, error) {
	query := `
		UPDATE accounts
		SET referral_count = referral_count + 1,
			claimed_points = claimed_points + $2,
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND referral_count < $3
	`
	result, err := r.db.Exec(ctx, query, referrerID, bonus, countCap)
	if err != nil {
		return false, storeErr(err)
	}
	if result.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", referrerID).Scan(&exists); err != nil {
		return false, storeErr(err)
	}
	if !exists {
		return false, ErrAccountNotFound
	}
	return false, nil
}

// CountReferees returns how many accounts were referred by the given account.
func (r *PostgresRepository) CountReferees(ctx context.Context, referrerID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM accounts WHERE referred_by = $1", referrerID).Scan(&count)
	if err != nil {
		return 0, storeErr(err)
	}
	return count, nil
}

// AppendEntry inserts a single ledger entry. The primary key makes replays
// of the same entry id a detectable no-op.
func (r *PostgresRepository) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	query := `
		INSERT INTO ledger_entries (id, from_address, to_address, amount, fee, kind, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.FromAddress,
		entry.ToAddress,
		entry.Amount,
		entry.Fee,
		entry.Kind,
		entry.Status,
		entry.CreatedAt,
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return ErrDuplicateEntry
		}
		return storeErr(err)
	}
	return nil
}

// AppendTransferEntry inserts an outgoing entry for the sender inside one
// transaction. The sender row is locked with FOR UPDATE, the spendable
// balance is re-derived under the lock with the same fold the app layer uses,
// and the account version is bumped so concurrent CAS writers observe the
// transfer. This closes the race window between a balance check and the
// entry insert.
func (r *PostgresRepository) AppendTransferEntry(ctx context.Context, senderAccountID string, entry *domain.LedgerEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return storeErr(err)
	}
	defer tx.Rollback(ctx)

	var claimedPoints int64
	var senderAddr string
	err = tx.QueryRow(ctx,
		"SELECT claimed_points, address FROM accounts WHERE id = $1 FOR UPDATE",
		senderAccountID,
	).Scan(&claimedPoints, &senderAddr)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrAccountNotFound
		}
		return storeErr(err)
	}

	// Same fold as domain.SpendableBalance: claimed points, plus confirmed
	// incoming sends, minus amount and fee of every confirmed outgoing entry.
	// Reward entries are audit records; their credit already lives in
	// claimed_points.
	var incoming, outgoing int64
	err = tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE to_address = $1 AND kind = $2), 0),
			COALESCE(SUM(amount + fee) FILTER (WHERE from_address = $1), 0)
		FROM ledger_entries
		WHERE status = $3 AND (to_address = $1 OR from_address = $1)
	`, senderAddr, domain.EntryKindSend, domain.EntryStatusConfirmed).Scan(&incoming, &outgoing)
	if err != nil {
		return storeErr(err)
	}

	available := claimedPoints + incoming - outgoing
	if available < entry.Amount+entry.Fee {
		return ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, from_address, to_address, amount, fee, kind, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.ID,
		entry.FromAddress,
		entry.ToAddress,
		entry.Amount,
		entry.Fee,
		entry.Kind,
		entry.Status,
		entry.CreatedAt,
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return ErrDuplicateEntry
		}
		return storeErr(err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE accounts SET version = version + 1, updated_at = NOW() WHERE id = $1",
		senderAccountID,
	)
	if err != nil {
		return storeErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr(err)
	}
	return nil
}

// MintAtomic debits the mint cost and flips owns_mint_asset in one
// transaction. The account row is locked, funds are re-checked with the same
// fold as AppendTransferEntry, and both writes commit together so a failed
// attempt leaves no partial state behind. An account that already owns the
// asset is reported as not applied.
func (r *PostgresRepository) MintAtomic(ctx context.Context, accountID string, entry *domain.LedgerEntry) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, storeErr(err)
	}
	defer tx.Rollback(ctx)

	var claimedPoints int64
	var addr string
	var owns bool
	err = tx.QueryRow(ctx,
		"SELECT claimed_points, address, owns_mint_asset FROM accounts WHERE id = $1 FOR UPDATE",
		accountID,
	).Scan(&claimedPoints, &addr, &owns)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, ErrAccountNotFound
		}
		return false, storeErr(err)
	}
	if owns {
		return false, nil
	}

	var incoming, outgoing int64
	err = tx.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE to_address = $1 AND kind = $2), 0),
			COALESCE(SUM(amount + fee) FILTER (WHERE from_address = $1), 0)
		FROM ledger_entries
		WHERE status = $3 AND (to_address = $1 OR from_address = $1)
	`, addr, domain.EntryKindSend, domain.EntryStatusConfirmed).Scan(&incoming, &outgoing)
	if err != nil {
		return false, storeErr(err)
	}
	if claimedPoints+incoming-outgoing < entry.Amount+entry.Fee {
		return false, ErrInsufficientFunds
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, from_address, to_address, amount, fee, kind, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		entry.ID,
		entry.FromAddress,
		entry.ToAddress,
		entry.Amount,
		entry.Fee,
		entry.Kind,
		entry.Status,
		entry.CreatedAt,
	)
	if err != nil {
		if pgErr, ok := err.(*pgconn.PgError); ok && pgErr.Code == "23505" {
			return false, ErrDuplicateEntry
		}
		return false, storeErr(err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE accounts SET owns_mint_asset = TRUE, version = version + 1, updated_at = NOW() WHERE id = $1",
		accountID,
	)
	if err != nil {
		return false, storeErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, storeErr(err)
	}
	return true, nil
}

// GetEntry returns the entry with the given id.
func (r *PostgresRepository) GetEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := r.db.QueryRow(ctx, `
		SELECT id, from_address, to_address, amount, fee, kind, status, created_at
		FROM ledger_entries
		WHERE id = $1
	`, id).Scan(&e.ID, &e.FromAddress, &e.ToAddress, &e.Amount, &e.Fee, &e.Kind, &e.Status, &e.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrEntryNotFound
		}
		return nil, storeErr(err)
	}
	return &e, nil
}

// EntriesFor returns every entry touching the address, oldest first. Entries
// sharing a timestamp are ordered by entry id so the feed is stable across
// reads.
func (r *PostgresRepository) EntriesFor(ctx context.Context, addr string, since time.Time, limit int) ([]domain.LedgerEntry, error) {
	query := `
		SELECT id, from_address, to_address, amount, fee, kind, status, created_at
		FROM ledger_entries
		WHERE (from_address = $1 OR to_address = $1) AND created_at >= $2
		ORDER BY created_at ASC, id ASC
	`
	args := []any{addr, since}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.FromAddress, &e.ToAddress, &e.Amount, &e.Fee, &e.Kind, &e.Status, &e.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return entries, nil
}

// NetworkStats reports aggregate counters across all accounts.
func (r *PostgresRepository) NetworkStats(ctx context.Context) (*domain.NetworkStats, error) {
	var stats domain.NetworkStats
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(claimed_points), 0),
			COUNT(*) FILTER (WHERE mining_started_at IS NOT NULL)
		FROM accounts
	`).Scan(&stats.TotalAccounts, &stats.TotalClaimed, &stats.ActiveSessions)
	if err != nil {
		return nil, storeErr(err)
	}
	return &stats, nil
}

func miningStartedAt(acct *domain.Account) *time.Time {
	if acct.MiningSession == nil {
		return nil
	}
	t := acct.MiningSession.StartedAt
	return &t
}
