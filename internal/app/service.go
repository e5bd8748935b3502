/**
 * @description
 * This file contains the core business logic for the ledger service. The
 * `Service` struct orchestrates every account and ledger mutation,
 * coordinating between the database repository and the message broker.
 *
 * Key features:
 * - Implements the main use cases: registration, mining sessions, task
 *   rewards, referral bonuses, transfers, and credential minting.
 * - Serializes per-account mutations with optimistic concurrency (version
 *   compare-and-swap) so concurrent claims and spends never overcommit.
 * - Derives every balance from the ledger fold; a negative fold is surfaced
 *   as corruption, never clamped.
 * - Publishes events to RabbitMQ for asynchronous processing by other services.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For entry idempotency keys.
 * - internal/accrual, internal/address, internal/domain, internal/store:
 *   Accrual math, address derivation, domain models, and data access.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/argus-labs/ledger-service/internal/accrual"
	"github.com/argus-labs/ledger-service/internal/address"
	"github.com/argus-labs/ledger-service/internal/domain"
	"github.com/argus-labs/ledger-service/internal/store"
	"github.com/argus-labs/ledger-service/pkg/rabbitmq"
)

const (
	// SignupBonusPoints is credited to claimed points on registration (5 ARG).
	SignupBonusPoints int64 = 5 * domain.MicroARG

	// ReferralBonusPoints is the fixed credit per counted referral (0.5 ARG).
	ReferralBonusPoints int64 = domain.MicroARG / 2

	// casRetryLimit bounds how often a lost version race is retried before
	// the conflict is returned to the caller.
	casRetryLimit = 3
)

// Service provides the core business logic for the ledger.
type Service struct {
	repo          store.Repository
	eventProducer rabbitmq.Publisher
	transferFee   int64
	mintCost      int64
	now           func() time.Time
}

// NewService creates a new ledger service instance. transferFee and mintCost
// are in micro-ARG.
func NewService(repo store.Repository, producer rabbitmq.Publisher, transferFee, mintCost int64) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
		transferFee:   transferFee,
		mintCost:      mintCost,
		now:           time.Now,
	}
}

// TransferFee returns the configured per-transfer fee in micro-ARG.
func (s *Service) TransferFee() int64 {
	return s.transferFee
}

// RegisterAccount creates an account for the given id, derives its address,
// credits the signup bonus, and links the optional referrer. A valid referrer
// address always records the relationship; the referrer's count and bonus
// apply only while the referrer is under the referral cap.
func (s *Service) RegisterAccount(ctx context.Context, accountID, referrerAddr string) (*domain.Account, error) {
	if existing, err := s.repo.GetAccount(ctx, accountID); err == nil {
		log.Printf("level=info component=service msg=\"register replay\" account_id=%s", accountID)
		return existing, store.ErrAccountExists
	} else if !errors.Is(err, store.ErrAccountNotFound) {
		return nil, fmt.Errorf("failed to check existing account: %w", err)
	}

	var referrer *domain.Account
	if referrerAddr != "" {
		if !address.IsValid(referrerAddr) {
			return nil, fmt.Errorf("%w: referrer %q", ErrInvalidAddress, referrerAddr)
		}
		found, err := s.repo.GetAccountByAddress(ctx, referrerAddr)
		if err != nil {
			if errors.Is(err, store.ErrAccountNotFound) {
				return nil, fmt.Errorf("%w: referrer %q not registered", ErrInvalidAddress, referrerAddr)
			}
			return nil, fmt.Errorf("failed to look up referrer: %w", err)
		}
		referrer = found
	}

	acct := &domain.Account{
		ID:               accountID,
		Address:          address.Derive(accountID),
		ClaimedPoints:    SignupBonusPoints,
		CompletedTaskIDs: []string{},
		Version:          1,
	}
	if referrer != nil {
		if referrer.ID == accountID {
			return nil, fmt.Errorf("%w: cannot refer yourself", ErrSelfTransferNotAllowed)
		}
		acct.ReferredBy = &referrer.ID
	}

	if err := s.repo.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"account registered\" account_id=%s address=%s", accountID, acct.Address)

	if referrer != nil {
		if err := s.grantReferralBonus(ctx, referrer, acct.ID); err != nil {
			// The account exists and the relationship is recorded; the bonus
			// is recoverable later via SyncReferralStats.
			log.Printf("level=warn component=service msg=\"referral bonus failed\" referrer_id=%s referee_id=%s err=%v", referrer.ID, acct.ID, err)
		}
	}

	return acct, nil
}

// Account returns the account for the given id.
func (s *Service) Account(ctx context.Context, accountID string) (*domain.Account, error) {
	return s.repo.GetAccount(ctx, accountID)
}

// AccountByAddress returns the account owning the given address.
func (s *Service) AccountByAddress(ctx context.Context, addr string) (*domain.Account, error) {
	if !address.IsValid(addr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	return s.repo.GetAccountByAddress(ctx, addr)
}

// StartMining opens a mining session. Starting while a session is already
// open (even one past the accrual ceiling) is an invalid transition; the
// open session must be claimed first.
func (s *Service) StartMining(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := s.mutateAccount(ctx, accountID, func(acct *domain.Account) error {
		if acct.MiningActive() {
			return fmt.Errorf("%w: session already active since %s", ErrInvalidSessionState, acct.MiningSession.StartedAt.Format(time.RFC3339))
		}
		acct.MiningSession = &domain.MiningSession{StartedAt: s.now().UTC()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Printf("level=info component=service msg=\"mining started\" account_id=%s", accountID)
	return acct, nil
}

// ClaimMining settles the open session: pending yield is computed at call
// time, added to claimed points, and the session cleared. The yield is newly
// minted rather than moved between accounts, so no ledger entry is written.
func (s *Service) ClaimMining(ctx context.Context, accountID string) (int64, error) {
	var claimed int64
	acct, err := s.mutateAccount(ctx, accountID, func(acct *domain.Account) error {
		if !acct.MiningActive() {
			return fmt.Errorf("%w: no active session", ErrInvalidSessionState)
		}
		now := s.now().UTC()
		if accrual.Expired(acct.MiningSession.StartedAt, now) {
			log.Printf("level=info component=service msg=\"session past accrual ceiling\" account_id=%s started_at=%s", acct.ID, acct.MiningSession.StartedAt.Format(time.RFC3339))
		}
		claimed = accrual.PendingFor(acct, now)
		acct.ClaimedPoints += claimed
		acct.MiningSession = nil
		return nil
	})
	if err != nil {
		return 0, err
	}
	log.Printf("level=info component=service msg=\"mining claimed\" account_id=%s claimed=%d", accountID, claimed)

	if s.eventProducer != nil {
		s.eventProducer.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingKeyMiningClaimed, domain.MiningClaimedPayload{
			AccountID: acct.ID,
			Address:   acct.Address,
			Claimed:   claimed,
		})
	}
	return claimed, nil
}

// PendingPoints returns the unclaimed yield of the account's open session at
// call time, or zero when no session is open.
func (s *Service) PendingPoints(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return accrual.PendingFor(acct, s.now().UTC()), nil
}

// CompleteTask credits the reward for a task exactly once. A repeat
// completion of the same task id succeeds without any state change.
func (s *Service) CompleteTask(ctx context.Context, accountID, taskID string, reward int64) error {
	if taskID == "" {
		return fmt.Errorf("%w: empty task id", ErrInvalidAmount)
	}
	if reward < 0 {
		return fmt.Errorf("%w: negative reward %d", ErrInvalidAmount, reward)
	}

	applied, err := s.repo.CompleteTaskAtomic(ctx, accountID, taskID, reward)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=info component=service msg=\"task completion replay\" account_id=%s task_id=%s", accountID, taskID)
		return nil
	}
	log.Printf("level=info component=service msg=\"task completed\" account_id=%s task_id=%s reward=%d", accountID, taskID, reward)

	s.appendAuditEntry(ctx, accountID, domain.EntryKindTaskReward, reward)

	if s.eventProducer != nil {
		s.eventProducer.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingKeyTaskCompleted, domain.TaskCompletedPayload{
			AccountID: accountID,
			TaskID:    taskID,
			Reward:    reward,
		})
	}
	return nil
}

// GrantReferralBonus applies the referral reward to the referrer on behalf
// of the given referee. Past the cap the call succeeds without crediting:
// the product caps rewards, not relationships.
func (s *Service) GrantReferralBonus(ctx context.Context, referrerID, refereeID string) error {
	referrer, err := s.repo.GetAccount(ctx, referrerID)
	if err != nil {
		return err
	}
	return s.grantReferralBonus(ctx, referrer, refereeID)
}

func (s *Service) grantReferralBonus(ctx context.Context, referrer *domain.Account, refereeID string) error {
	applied, err := s.repo.GrantReferralAtomic(ctx, referrer.ID, ReferralBonusPoints, accrual.MaxReferrals)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("level=info component=service msg=\"referral cap reached\" referrer_id=%s referee_id=%s", referrer.ID, refereeID)
		return nil
	}
	log.Printf("level=info component=service msg=\"referral bonus granted\" referrer_id=%s referee_id=%s bonus=%d", referrer.ID, refereeID, ReferralBonusPoints)

	s.appendAuditEntry(ctx, referrer.ID, domain.EntryKindReferralBonus, ReferralBonusPoints)

	if s.eventProducer != nil {
		s.eventProducer.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingKeyReferralBonus, domain.ReferralBonusPayload{
			ReferrerID: referrer.ID,
			RefereeID:  refereeID,
			Bonus:      ReferralBonusPoints,
		})
	}
	return nil
}

// SyncReferralStats back-fills referral credit for an account whose counted
// referrals lag behind its actual referees (e.g. a bonus write that failed
// after registration). The count never exceeds the cap.
func (s *Service) SyncReferralStats(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	referees, err := s.repo.CountReferees(ctx, accountID)
	if err != nil {
		return nil, err
	}
	target := referees
	if target > accrual.MaxReferrals {
		target = accrual.MaxReferrals
	}

	missing := target - int64(acct.ReferralCount)
	for i := int64(0); i < missing; i++ {
		applied, err := s.repo.GrantReferralAtomic(ctx, accountID, ReferralBonusPoints, accrual.MaxReferrals)
		if err != nil {
			return nil, err
		}
		if !applied {
			break
		}
		s.appendAuditEntry(ctx, accountID, domain.EntryKindReferralBonus, ReferralBonusPoints)
	}
	if missing > 0 {
		log.Printf("level=info component=service msg=\"referral stats synced\" account_id=%s backfilled=%d", accountID, missing)
	}

	return s.repo.GetAccount(ctx, accountID)
}

// Transfer validates and commits a send from the account to the destination
// address. Preconditions are checked in order with the first failure winning;
// on any failure no entry is written. entryID is the caller's idempotency
// key: retrying a timed-out transfer with the same key is safe and reports
// success if the original write landed.
func (s *Service) Transfer(ctx context.Context, senderAccountID, toAddr string, amount int64, entryID uuid.UUID) (*domain.LedgerEntry, error) {
	sender, err := s.repo.GetAccount(ctx, senderAccountID)
	if err != nil {
		return nil, err
	}

	if !address.IsValid(toAddr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, toAddr)
	}
	if toAddr == sender.Address {
		return nil, fmt.Errorf("%w: %s", ErrSelfTransferNotAllowed, toAddr)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	available, err := s.spendableBalance(ctx, sender)
	if err != nil {
		return nil, err
	}
	required := amount + s.transferFee
	if available < required {
		return nil, &InsufficientFundsError{Address: sender.Address, Required: required, Available: available}
	}

	entry := &domain.LedgerEntry{
		ID:          entryID,
		FromAddress: sender.Address,
		ToAddress:   toAddr,
		Amount:      amount,
		Fee:         s.transferFee,
		Kind:        domain.EntryKindSend,
		Status:      domain.EntryStatusConfirmed,
		CreatedAt:   s.now().UTC(),
	}

	if err := s.repo.AppendTransferEntry(ctx, sender.ID, entry); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateEntry):
			// The original attempt landed; the retry is a success. Report the
			// committed entry, not the retry's parameters.
			committed, lookupErr := s.repo.GetEntry(ctx, entryID)
			if lookupErr != nil {
				return nil, lookupErr
			}
			log.Printf("level=info component=service msg=\"transfer replay\" entry_id=%s", entryID)
			return committed, nil
		case errors.Is(err, store.ErrInsufficientFunds):
			// Lost the race against a concurrent debit between the fold
			// above and the locked re-check.
			return nil, &InsufficientFundsError{Address: sender.Address, Required: required, Available: available}
		default:
			return nil, err
		}
	}
	log.Printf("level=info component=service msg=\"transfer committed\" entry_id=%s from=%s to=%s amount=%d fee=%d", entryID, sender.Address, toAddr, amount, s.transferFee)

	s.publishEntryCommitted(ctx, entry)
	return entry, nil
}

// MintCredential debits the mint cost to the network treasury and flips the
// one-way ownership flag. An account that already owns the asset is not
// charged again.
func (s *Service) MintCredential(ctx context.Context, accountID string) (*domain.Account, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.OwnsMintAsset {
		log.Printf("level=info component=service msg=\"mint replay\" account_id=%s", accountID)
		return acct, nil
	}

	available, err := s.spendableBalance(ctx, acct)
	if err != nil {
		return nil, err
	}
	if available < s.mintCost {
		return nil, &InsufficientFundsError{Address: acct.Address, Required: s.mintCost, Available: available}
	}

	entry := &domain.LedgerEntry{
		ID:          uuid.New(),
		FromAddress: acct.Address,
		ToAddress:   address.Treasury(),
		Amount:      s.mintCost,
		Fee:         0,
		Kind:        domain.EntryKindMintDebit,
		Status:      domain.EntryStatusConfirmed,
		CreatedAt:   s.now().UTC(),
	}
	// The debit and the ownership flag commit in one store transaction: a
	// failed attempt leaves no partial state, so a bare retry cannot be
	// charged twice.
	applied, err := s.repo.MintAtomic(ctx, accountID, entry)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			return nil, &InsufficientFundsError{Address: acct.Address, Required: s.mintCost, Available: available}
		}
		return nil, err
	}
	if !applied {
		// Lost the race against a concurrent mint of the same credential.
		log.Printf("level=info component=service msg=\"mint replay\" account_id=%s", accountID)
		return s.repo.GetAccount(ctx, accountID)
	}
	log.Printf("level=info component=service msg=\"credential minted\" account_id=%s cost=%d", accountID, s.mintCost)

	s.publishEntryCommitted(ctx, entry)
	if s.eventProducer != nil {
		s.eventProducer.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingKeyMintCompleted, domain.MintCompletedPayload{
			AccountID: acct.ID,
			Address:   acct.Address,
			Cost:      s.mintCost,
		})
	}
	return s.repo.GetAccount(ctx, accountID)
}

// SpendableBalance folds the account's ledger history into its spendable
// balance.
func (s *Service) SpendableBalance(ctx context.Context, accountID string) (int64, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return s.spendableBalance(ctx, acct)
}

func (s *Service) spendableBalance(ctx context.Context, acct *domain.Account) (int64, error) {
	entries, err := s.repo.EntriesFor(ctx, acct.Address, time.Time{}, 0)
	if err != nil {
		return 0, err
	}
	balance := domain.SpendableBalance(acct.ClaimedPoints, acct.Address, entries)
	if balance < 0 {
		return 0, &LedgerCorruptionError{Address: acct.Address, Balance: balance}
	}
	return balance, nil
}

// EntryHistory returns the account's ledger feed, oldest first. A zero since
// returns the full history; limit <= 0 means no limit.
func (s *Service) EntryHistory(ctx context.Context, accountID string, since time.Time, limit int) ([]domain.LedgerEntry, error) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.repo.EntriesFor(ctx, acct.Address, since, limit)
}

// Stats reports aggregate network counters.
func (s *Service) Stats(ctx context.Context) (*domain.NetworkStats, error) {
	return s.repo.NetworkStats(ctx)
}

// mutateAccount applies mutate to a fresh read of the account and persists
// it with a version compare-and-swap, retrying a bounded number of times
// when a concurrent writer wins the race.
func (s *Service) mutateAccount(ctx context.Context, accountID string, mutate func(*domain.Account) error) (*domain.Account, error) {
	var lastErr error
	for attempt := 0; attempt < casRetryLimit; attempt++ {
		acct, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if err := mutate(acct); err != nil {
			return nil, err
		}
		if err := s.repo.UpdateAccount(ctx, acct, acct.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return acct, nil
	}
	return nil, fmt.Errorf("account %s: %w after %d attempts", accountID, lastErr, casRetryLimit)
}

// appendAuditEntry records a treasury-sourced audit entry for a reward that
// was credited to claimed points. The fold excludes these kinds, so a failed
// audit write never affects balances; it is logged and dropped.
func (s *Service) appendAuditEntry(ctx context.Context, accountID, kind string, amount int64) {
	acct, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		log.Printf("level=warn component=service msg=\"audit entry skipped\" account_id=%s kind=%s err=%v", accountID, kind, err)
		return
	}
	entry := &domain.LedgerEntry{
		ID:          uuid.New(),
		FromAddress: address.Treasury(),
		ToAddress:   acct.Address,
		Amount:      amount,
		Fee:         0,
		Kind:        kind,
		Status:      domain.EntryStatusConfirmed,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.AppendEntry(ctx, entry); err != nil {
		log.Printf("level=warn component=service msg=\"audit entry append failed\" account_id=%s kind=%s err=%v", accountID, kind, err)
		return
	}
	s.publishEntryCommitted(ctx, entry)
}

func (s *Service) publishEntryCommitted(ctx context.Context, entry *domain.LedgerEntry) {
	if s.eventProducer == nil {
		return
	}
	s.eventProducer.Publish(ctx, rabbitmq.LedgerEventsExchange, rabbitmq.RoutingKeyEntryCommitted, domain.EntryCommittedPayload{
		EntryID:     entry.ID,
		FromAddress: entry.FromAddress,
		ToAddress:   entry.ToAddress,
		Amount:      entry.Amount,
		Fee:         entry.Fee,
		Kind:        entry.Kind,
		CreatedAt:   entry.CreatedAt,
	})
}
