package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/argus-labs/ledger-service/internal/accrual"
	"github.com/argus-labs/ledger-service/internal/address"
	"github.com/argus-labs/ledger-service/internal/domain"
	"github.com/argus-labs/ledger-service/internal/store"
)

// fakeRepo is an in-memory store.Repository with the same concurrency
// contract as the PostgreSQL implementation: version CAS on account writes,
// id dedup on entries, and a funds re-check inside AppendTransferEntry.
type fakeRepo struct {
	mu       sync.Mutex
	accounts map[string]*domain.Account
	entries  []domain.LedgerEntry
	entryIDs map[uuid.UUID]bool

	// conflictUpdates makes the next N UpdateAccount calls lose the race.
	conflictUpdates int

	// failMints makes the next N MintAtomic calls fail before writing
	// anything, like a rolled-back transaction.
	failMints int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		accounts: make(map[string]*domain.Account),
		entryIDs: make(map[uuid.UUID]bool),
	}
}

func copyAccount(acct *domain.Account) *domain.Account {
	cp := *acct
	cp.CompletedTaskIDs = append([]string(nil), acct.CompletedTaskIDs...)
	if acct.MiningSession != nil {
		session := *acct.MiningSession
		cp.MiningSession = &session
	}
	if acct.ReferredBy != nil {
		referrer := *acct.ReferredBy
		cp.ReferredBy = &referrer
	}
	return &cp
}

func (r *fakeRepo) Migrate(ctx context.Context) error { return nil }

func (r *fakeRepo) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return copyAccount(acct), nil
}

func (r *fakeRepo) GetAccountByAddress(ctx context.Context, addr string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, acct := range r.accounts {
		if acct.Address == addr {
			return copyAccount(acct), nil
		}
	}
	return nil, store.ErrAccountNotFound
}

func (r *fakeRepo) CreateAccount(ctx context.Context, acct *domain.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.accounts[acct.ID]; ok {
		return store.ErrAccountExists
	}
	for _, existing := range r.accounts {
		if existing.Address == acct.Address {
			return store.ErrAccountExists
		}
	}
	r.accounts[acct.ID] = copyAccount(acct)
	return nil
}

func (r *fakeRepo) UpdateAccount(ctx context.Context, acct *domain.Account, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.accounts[acct.ID]
	if !ok {
		return store.ErrAccountNotFound
	}
	if r.conflictUpdates > 0 {
		r.conflictUpdates--
		stored.Version++
		return store.ErrVersionConflict
	}
	if stored.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	cp := copyAccount(acct)
	cp.Version = expectedVersion + 1
	r.accounts[acct.ID] = cp
	acct.Version = cp.Version
	return nil
}

func (r *fakeRepo) CompleteTaskAtomic(ctx context.Context, accountID, taskID string, reward int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[accountID]
	if !ok {
		return false, store.ErrAccountNotFound
	}
	for _, done := range acct.CompletedTaskIDs {
		if done == taskID {
			return false, nil
		}
	}
	acct.CompletedTaskIDs = append(acct.CompletedTaskIDs, taskID)
	acct.ClaimedPoints += reward
	acct.Version++
	return true, nil
}

func (r *fakeRepo) GrantReferralAtomic(ctx context.Context, referrerID string, bonus int64, countCap int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[referrerID]
	if !ok {
		return false, store.ErrAccountNotFound
	}
	if acct.ReferralCount >= countCap {
		return false, nil
	}
	acct.ReferralCount++
	acct.ClaimedPoints += bonus
	acct.Version++
	return true, nil
}

func (r *fakeRepo) CountReferees(ctx context.Context, referrerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, acct := range r.accounts {
		if acct.ReferredBy != nil && *acct.ReferredBy == referrerID {
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) AppendEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(entry)
}

func (r *fakeRepo) appendLocked(entry *domain.LedgerEntry) error {
	if r.entryIDs[entry.ID] {
		return store.ErrDuplicateEntry
	}
	r.entryIDs[entry.ID] = true
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *fakeRepo) AppendTransferEntry(ctx context.Context, senderAccountID string, entry *domain.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[senderAccountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	available := domain.SpendableBalance(acct.ClaimedPoints, acct.Address, r.entries)
	if available < entry.Amount+entry.Fee {
		return store.ErrInsufficientFunds
	}
	if err := r.appendLocked(entry); err != nil {
		return err
	}
	acct.Version++
	return nil
}

func (r *fakeRepo) MintAtomic(ctx context.Context, accountID string, entry *domain.LedgerEntry) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMints > 0 {
		r.failMints--
		return false, store.ErrStoreUnavailable
	}
	acct, ok := r.accounts[accountID]
	if !ok {
		return false, store.ErrAccountNotFound
	}
	if acct.OwnsMintAsset {
		return false, nil
	}
	available := domain.SpendableBalance(acct.ClaimedPoints, acct.Address, r.entries)
	if available < entry.Amount+entry.Fee {
		return false, store.ErrInsufficientFunds
	}
	if err := r.appendLocked(entry); err != nil {
		return false, err
	}
	acct.OwnsMintAsset = true
	acct.Version++
	return true, nil
}

func (r *fakeRepo) GetEntry(ctx context.Context, id uuid.UUID) (*domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.ID == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, store.ErrEntryNotFound
}

func (r *fakeRepo) EntriesFor(ctx context.Context, addr string, since time.Time, limit int) ([]domain.LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range r.entries {
		if e.FromAddress != addr && e.ToAddress != addr {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) NetworkStats(ctx context.Context) (*domain.NetworkStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := &domain.NetworkStats{}
	for _, acct := range r.accounts {
		stats.TotalAccounts++
		stats.TotalClaimed += acct.ClaimedPoints
		if acct.MiningSession != nil {
			stats.ActiveSessions++
		}
	}
	return stats, nil
}

// capturingPublisher records published routing keys.
type capturingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *capturingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	return nil
}

func (p *capturingPublisher) Close() {}

const (
	testTransferFee = 1_000
	testMintCost    = 100 * domain.MicroARG
)

func newTestService(repo *fakeRepo) (*Service, *capturingPublisher) {
	pub := &capturingPublisher{}
	svc := NewService(repo, pub, testTransferFee, testMintCost)
	return svc, pub
}

func TestRegisterAccountCreditsSignupBonus(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	acct, err := svc.RegisterAccount(ctx, "user-1", "")
	if err != nil {
		t.Fatalf("RegisterAccount failed: %v", err)
	}
	if acct.ClaimedPoints != SignupBonusPoints {
		t.Fatalf("claimed points = %d, want %d", acct.ClaimedPoints, SignupBonusPoints)
	}
	if acct.Address != address.Derive("user-1") {
		t.Fatalf("address = %q, want derived address", acct.Address)
	}

	if _, err := svc.RegisterAccount(ctx, "user-1", ""); !errors.Is(err, store.ErrAccountExists) {
		t.Fatalf("replayed registration: err = %v, want ErrAccountExists", err)
	}
}

func TestRegisterAccountWithReferrer(t *testing.T) {
	repo := newFakeRepo()
	svc, pub := newTestService(repo)
	ctx := context.Background()

	referrer, err := svc.RegisterAccount(ctx, "referrer", "")
	if err != nil {
		t.Fatalf("register referrer: %v", err)
	}

	referee, err := svc.RegisterAccount(ctx, "referee", referrer.Address)
	if err != nil {
		t.Fatalf("register referee: %v", err)
	}
	if referee.ReferredBy == nil || *referee.ReferredBy != "referrer" {
		t.Fatalf("referred_by = %v, want referrer", referee.ReferredBy)
	}

	updated, err := svc.Account(ctx, "referrer")
	if err != nil {
		t.Fatalf("load referrer: %v", err)
	}
	if updated.ReferralCount != 1 {
		t.Fatalf("referral count = %d, want 1", updated.ReferralCount)
	}
	if updated.ClaimedPoints != SignupBonusPoints+ReferralBonusPoints {
		t.Fatalf("referrer claimed = %d, want %d", updated.ClaimedPoints, SignupBonusPoints+ReferralBonusPoints)
	}

	found := false
	for _, key := range pub.keys {
		if key == "referral.bonus.granted" {
			found = true
		}
	}
	if !found {
		t.Fatal("referral bonus event not published")
	}
}

func TestRegisterAccountRejectsBadReferrer(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "user-1", "not-an-address"); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("malformed referrer: err = %v, want ErrInvalidAddress", err)
	}
	if _, err := svc.RegisterAccount(ctx, "user-1", address.Derive("ghost")); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("unregistered referrer: err = %v, want ErrInvalidAddress", err)
	}
}

func TestReferralBonusCapsAtMaxReferrals(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	referrer, err := svc.RegisterAccount(ctx, "referrer", "")
	if err != nil {
		t.Fatalf("register referrer: %v", err)
	}

	for i := 0; i < accrual.MaxReferrals+5; i++ {
		id := "referee-" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		if _, err := svc.RegisterAccount(ctx, id, referrer.Address); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	updated, err := svc.Account(ctx, "referrer")
	if err != nil {
		t.Fatalf("load referrer: %v", err)
	}
	if updated.ReferralCount != accrual.MaxReferrals {
		t.Fatalf("referral count = %d, want %d", updated.ReferralCount, accrual.MaxReferrals)
	}
	wantClaimed := SignupBonusPoints + int64(accrual.MaxReferrals)*ReferralBonusPoints
	if updated.ClaimedPoints != wantClaimed {
		t.Fatalf("claimed = %d, want %d", updated.ClaimedPoints, wantClaimed)
	}

	// Over-cap referees still carry the relationship.
	count, err := repo.CountReferees(ctx, "referrer")
	if err != nil {
		t.Fatalf("count referees: %v", err)
	}
	if count != int64(accrual.MaxReferrals+5) {
		t.Fatalf("referees = %d, want %d", count, accrual.MaxReferrals+5)
	}
}

func TestMiningSessionLifecycle(t *testing.T) {
	repo := newFakeRepo()
	svc, pub := newTestService(repo)
	ctx := context.Background()

	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	if _, err := svc.RegisterAccount(ctx, "miner", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	// Claim with no session is an invalid transition.
	if _, err := svc.ClaimMining(ctx, "miner"); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("claim without session: err = %v, want ErrInvalidSessionState", err)
	}

	if _, err := svc.StartMining(ctx, "miner"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// Starting again while active is rejected.
	if _, err := svc.StartMining(ctx, "miner"); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("double start: err = %v, want ErrInvalidSessionState", err)
	}

	svc.now = func() time.Time { return start.Add(2 * time.Hour) }

	pending, err := svc.PendingPoints(ctx, "miner")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	wantPending := 2 * accrual.BaseRatePerHour
	if pending != wantPending {
		t.Fatalf("pending = %d, want %d", pending, wantPending)
	}

	claimed, err := svc.ClaimMining(ctx, "miner")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != wantPending {
		t.Fatalf("claimed = %d, want %d", claimed, wantPending)
	}

	acct, err := svc.Account(ctx, "miner")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if acct.MiningActive() {
		t.Fatal("session still active after claim")
	}
	if acct.ClaimedPoints != SignupBonusPoints+wantPending {
		t.Fatalf("claimed points = %d, want %d", acct.ClaimedPoints, SignupBonusPoints+wantPending)
	}

	// No ledger entry for the mint-like claim; it is off-ledger accrual.
	entries, err := svc.EntryHistory(ctx, "miner", time.Time{}, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("claim wrote %d ledger entries, want 0", len(entries))
	}

	found := false
	for _, key := range pub.keys {
		if key == "mining.claimed" {
			found = true
		}
	}
	if !found {
		t.Fatal("mining claimed event not published")
	}
}

func TestClaimClampsAtSessionCeiling(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	start := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }

	if _, err := svc.RegisterAccount(ctx, "miner", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.StartMining(ctx, "miner"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Three days later, only the 24h ceiling pays out.
	svc.now = func() time.Time { return start.Add(72 * time.Hour) }
	claimed, err := svc.ClaimMining(ctx, "miner")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	want := 24 * accrual.BaseRatePerHour
	if claimed != want {
		t.Fatalf("claimed = %d, want %d", claimed, want)
	}
}

func TestCompleteTaskIsIdempotent(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "user-1", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	const reward = 10 * domain.MicroARG
	if err := svc.CompleteTask(ctx, "user-1", "t1", reward); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := svc.CompleteTask(ctx, "user-1", "t1", reward); err != nil {
		t.Fatalf("replayed completion: %v", err)
	}

	acct, err := svc.Account(ctx, "user-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if acct.ClaimedPoints != SignupBonusPoints+reward {
		t.Fatalf("claimed = %d, want %d (single credit)", acct.ClaimedPoints, SignupBonusPoints+reward)
	}
	occurrences := 0
	for _, id := range acct.CompletedTaskIDs {
		if id == "t1" {
			occurrences++
		}
	}
	if occurrences != 1 {
		t.Fatalf("task id recorded %d times, want 1", occurrences)
	}

	// The reward's audit entry must not inflate the spendable balance.
	balance, err := svc.SpendableBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != SignupBonusPoints+reward {
		t.Fatalf("spendable = %d, want %d", balance, SignupBonusPoints+reward)
	}
}

func TestTransferPreconditionOrder(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	sender, err := svc.RegisterAccount(ctx, "sender", "")
	if err != nil {
		t.Fatalf("register sender: %v", err)
	}
	if _, err := svc.RegisterAccount(ctx, "receiver", ""); err != nil {
		t.Fatalf("register receiver: %v", err)
	}
	receiverAddr := address.Derive("receiver")

	cases := []struct {
		name    string
		to      string
		amount  int64
		wantErr error
	}{
		{name: "invalid address wins first", to: "bogus", amount: -5, wantErr: ErrInvalidAddress},
		{name: "self transfer", to: sender.Address, amount: 100, wantErr: ErrSelfTransferNotAllowed},
		{name: "zero amount", to: receiverAddr, amount: 0, wantErr: ErrInvalidAmount},
		{name: "negative amount", to: receiverAddr, amount: -1, wantErr: ErrInvalidAmount},
		{name: "insufficient funds", to: receiverAddr, amount: SignupBonusPoints * 10, wantErr: ErrInsufficientFunds},
	}
	for _, tc := range cases {
		_, err := svc.Transfer(ctx, "sender", tc.to, tc.amount, uuid.New())
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.wantErr)
		}
	}

	// No partial effects: nothing was written for any failure.
	entries, err := svc.EntryHistory(ctx, "sender", time.Time{}, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed transfers wrote %d entries, want 0", len(entries))
	}
}

func TestTransferMovesFundsAndCollectsFee(t *testing.T) {
	repo := newFakeRepo()
	svc, pub := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "sender", ""); err != nil {
		t.Fatalf("register sender: %v", err)
	}
	if _, err := svc.RegisterAccount(ctx, "receiver", ""); err != nil {
		t.Fatalf("register receiver: %v", err)
	}
	receiverAddr := address.Derive("receiver")

	const amount = 2 * domain.MicroARG
	entry, err := svc.Transfer(ctx, "sender", receiverAddr, amount, uuid.New())
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if entry.Fee != testTransferFee {
		t.Fatalf("fee = %d, want %d", entry.Fee, testTransferFee)
	}

	senderBalance, err := svc.SpendableBalance(ctx, "sender")
	if err != nil {
		t.Fatalf("sender balance: %v", err)
	}
	if want := SignupBonusPoints - amount - testTransferFee; senderBalance != want {
		t.Fatalf("sender balance = %d, want %d", senderBalance, want)
	}

	receiverBalance, err := svc.SpendableBalance(ctx, "receiver")
	if err != nil {
		t.Fatalf("receiver balance: %v", err)
	}
	if want := SignupBonusPoints + amount; receiverBalance != want {
		t.Fatalf("receiver balance = %d, want %d (fee stays with network)", receiverBalance, want)
	}

	found := false
	for _, key := range pub.keys {
		if key == "ledger.entry.committed" {
			found = true
		}
	}
	if !found {
		t.Fatal("entry committed event not published")
	}
}

func TestTransferReplaySameIdempotencyKey(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "sender", ""); err != nil {
		t.Fatalf("register sender: %v", err)
	}
	if _, err := svc.RegisterAccount(ctx, "receiver", ""); err != nil {
		t.Fatalf("register receiver: %v", err)
	}
	receiverAddr := address.Derive("receiver")

	key := uuid.New()
	if _, err := svc.Transfer(ctx, "sender", receiverAddr, 2*domain.MicroARG, key); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	replayed, err := svc.Transfer(ctx, "sender", receiverAddr, 2*domain.MicroARG, key)
	if err != nil {
		t.Fatalf("retry with same key: %v", err)
	}
	if replayed.Amount != 2*domain.MicroARG {
		t.Fatalf("replay amount = %d, want %d", replayed.Amount, 2*domain.MicroARG)
	}

	// A retry that drifted from the original parameters still reports what
	// actually committed.
	drifted, err := svc.Transfer(ctx, "sender", receiverAddr, domain.MicroARG, key)
	if err != nil {
		t.Fatalf("drifted retry: %v", err)
	}
	if drifted.Amount != 2*domain.MicroARG {
		t.Fatalf("drifted retry amount = %d, want committed %d", drifted.Amount, 2*domain.MicroARG)
	}

	entries, err := svc.EntryHistory(ctx, "sender", time.Time{}, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("retry duplicated the entry: %d entries, want 1", len(entries))
	}
}

func TestInsufficientFundsErrorCarriesContext(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	sender, err := svc.RegisterAccount(ctx, "sender", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.RegisterAccount(ctx, "receiver", ""); err != nil {
		t.Fatalf("register receiver: %v", err)
	}

	_, err = svc.Transfer(ctx, "sender", address.Derive("receiver"), SignupBonusPoints, uuid.New())
	var insufficient *InsufficientFundsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("err = %v, want InsufficientFundsError", err)
	}
	if insufficient.Address != sender.Address {
		t.Fatalf("error address = %q, want %q", insufficient.Address, sender.Address)
	}
	if insufficient.Required != SignupBonusPoints+testTransferFee {
		t.Fatalf("required = %d, want %d", insufficient.Required, SignupBonusPoints+testTransferFee)
	}
	if insufficient.Available != SignupBonusPoints {
		t.Fatalf("available = %d, want %d", insufficient.Available, SignupBonusPoints)
	}
}

func TestMutateAccountRetriesVersionConflicts(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "miner", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	repo.conflictUpdates = 2
	if _, err := svc.StartMining(ctx, "miner"); err != nil {
		t.Fatalf("start under contention: %v", err)
	}

	repo.conflictUpdates = casRetryLimit
	if _, err := svc.ClaimMining(ctx, "miner"); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("exhausted retries: err = %v, want ErrVersionConflict", err)
	}
}

func TestMintCredential(t *testing.T) {
	repo := newFakeRepo()
	svc, pub := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "poor", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.MintCredential(ctx, "poor"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("underfunded mint: err = %v, want ErrInsufficientFunds", err)
	}

	if _, err := svc.RegisterAccount(ctx, "rich", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Fund the account past the mint cost via a claimed session.
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return start }
	rich, err := svc.Account(ctx, "rich")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	repo.mu.Lock()
	repo.accounts[rich.ID].ClaimedPoints = testMintCost + SignupBonusPoints
	repo.mu.Unlock()

	minted, err := svc.MintCredential(ctx, "rich")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !minted.OwnsMintAsset {
		t.Fatal("mint asset flag not set")
	}

	balance, err := svc.SpendableBalance(ctx, "rich")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != SignupBonusPoints {
		t.Fatalf("post-mint balance = %d, want %d", balance, SignupBonusPoints)
	}

	// A replayed mint does not charge again.
	if _, err := svc.MintCredential(ctx, "rich"); err != nil {
		t.Fatalf("replayed mint: %v", err)
	}
	balance, err = svc.SpendableBalance(ctx, "rich")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != SignupBonusPoints {
		t.Fatalf("replayed mint changed balance to %d", balance)
	}

	found := false
	for _, key := range pub.keys {
		if key == "mint.completed" {
			found = true
		}
	}
	if !found {
		t.Fatal("mint completed event not published")
	}
}

func TestMintChargesOnceAcrossRetries(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	if _, err := svc.RegisterAccount(ctx, "minter", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	repo.mu.Lock()
	repo.accounts["minter"].ClaimedPoints = testMintCost + SignupBonusPoints
	repo.mu.Unlock()

	// The first attempt dies in the store; the debit and the flag roll back
	// together, so nothing is charged.
	repo.failMints = 1
	if _, err := svc.MintCredential(ctx, "minter"); !errors.Is(err, store.ErrStoreUnavailable) {
		t.Fatalf("failed mint: err = %v, want ErrStoreUnavailable", err)
	}
	balance, err := svc.SpendableBalance(ctx, "minter")
	if err != nil {
		t.Fatalf("balance after failure: %v", err)
	}
	if balance != testMintCost+SignupBonusPoints {
		t.Fatalf("failed mint charged the account: balance = %d, want %d", balance, testMintCost+SignupBonusPoints)
	}

	// A bare retry mints the credential and charges exactly once.
	minted, err := svc.MintCredential(ctx, "minter")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if !minted.OwnsMintAsset {
		t.Fatal("mint asset flag not set after retry")
	}
	balance, err = svc.SpendableBalance(ctx, "minter")
	if err != nil {
		t.Fatalf("balance after retry: %v", err)
	}
	if balance != SignupBonusPoints {
		t.Fatalf("balance = %d, want %d (single charge)", balance, SignupBonusPoints)
	}
	entries, err := svc.EntryHistory(ctx, "minter", time.Time{}, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	debits := 0
	for _, e := range entries {
		if e.Kind == domain.EntryKindMintDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Fatalf("mint debit entries = %d, want 1", debits)
	}
}

func TestSpendableBalanceDetectsCorruption(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	acct, err := svc.RegisterAccount(ctx, "victim", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Inject an outgoing entry that no accepted operation could have
	// produced.
	repo.mu.Lock()
	repo.entries = append(repo.entries, domain.LedgerEntry{
		ID:          uuid.New(),
		FromAddress: acct.Address,
		ToAddress:   address.Derive("elsewhere"),
		Amount:      SignupBonusPoints * 100,
		Kind:        domain.EntryKindSend,
		Status:      domain.EntryStatusConfirmed,
		CreatedAt:   time.Now().UTC(),
	})
	repo.mu.Unlock()

	_, err = svc.SpendableBalance(ctx, "victim")
	var corruption *LedgerCorruptionError
	if !errors.As(err, &corruption) {
		t.Fatalf("err = %v, want LedgerCorruptionError", err)
	}
	if !errors.Is(err, ErrLedgerCorruption) {
		t.Fatalf("corruption error does not unwrap to sentinel: %v", err)
	}
}

func TestSyncReferralStatsBackfills(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	referrer, err := svc.RegisterAccount(ctx, "referrer", "")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// Simulate referees whose registration-time bonus write was lost: the
	// relationship exists but the count was never incremented.
	for i := 0; i < 3; i++ {
		id := "ref-" + string(rune('a'+i))
		acct := &domain.Account{
			ID:               id,
			Address:          address.Derive(id),
			ClaimedPoints:    SignupBonusPoints,
			CompletedTaskIDs: []string{},
			ReferredBy:       &referrer.ID,
			Version:          1,
		}
		if err := repo.CreateAccount(ctx, acct); err != nil {
			t.Fatalf("seed referee: %v", err)
		}
	}

	synced, err := svc.SyncReferralStats(ctx, "referrer")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if synced.ReferralCount != 3 {
		t.Fatalf("count after sync = %d, want 3", synced.ReferralCount)
	}
	wantClaimed := SignupBonusPoints + 3*ReferralBonusPoints
	if synced.ClaimedPoints != wantClaimed {
		t.Fatalf("claimed after sync = %d, want %d", synced.ClaimedPoints, wantClaimed)
	}

	// A second sync is a no-op.
	again, err := svc.SyncReferralStats(ctx, "referrer")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if again.ClaimedPoints != wantClaimed || again.ReferralCount != 3 {
		t.Fatalf("second sync changed state: count=%d claimed=%d", again.ReferralCount, again.ClaimedPoints)
	}
}

func TestStats(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := svc.RegisterAccount(ctx, id, ""); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if _, err := svc.StartMining(ctx, "a"); err != nil {
		t.Fatalf("start: %v", err)
	}

	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalAccounts != 3 {
		t.Fatalf("accounts = %d, want 3", stats.TotalAccounts)
	}
	if stats.ActiveSessions != 1 {
		t.Fatalf("active sessions = %d, want 1", stats.ActiveSessions)
	}
	if stats.TotalClaimed != 3*SignupBonusPoints {
		t.Fatalf("total claimed = %d, want %d", stats.TotalClaimed, 3*SignupBonusPoints)
	}
}
