/**
 * @description
 * This file contains the HTTP handlers for the ledger service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/argus-labs/ledger-service/internal/app"
	"github.com/argus-labs/ledger-service/internal/domain"
	"github.com/argus-labs/ledger-service/internal/store"
)

// LedgerHandlers holds the application service that handlers will use.
type LedgerHandlers struct {
	service     *app.Service
	rateLimiter *app.RedisRateLimiter

	claimLimitPerMinute    int
	transferLimitPerMinute int
}

// NewLedgerHandlers creates a new instance of LedgerHandlers. rateLimiter may
// be nil, in which case no per-account throttling is applied.
func NewLedgerHandlers(service *app.Service, rateLimiter *app.RedisRateLimiter, claimLimitPerMinute, transferLimitPerMinute int) *LedgerHandlers {
	return &LedgerHandlers{
		service:                service,
		rateLimiter:            rateLimiter,
		claimLimitPerMinute:    claimLimitPerMinute,
		transferLimitPerMinute: transferLimitPerMinute,
	}
}

type accountResponse struct {
	AccountID        string     `json:"account_id"`
	Address          string     `json:"address"`
	ClaimedPoints    int64      `json:"claimed_points"`
	MiningActive     bool       `json:"mining_active"`
	MiningStartedAt  *time.Time `json:"mining_started_at,omitempty"`
	CompletedTaskIDs []string   `json:"completed_task_ids"`
	ReferralCount    int        `json:"referral_count"`
	ReferredBy       *string    `json:"referred_by,omitempty"`
	OwnsMintAsset    bool       `json:"owns_mint_asset"`
	CreatedAt        time.Time  `json:"created_at"`
}

func buildAccountResponse(acct *domain.Account) accountResponse {
	resp := accountResponse{
		AccountID:        acct.ID,
		Address:          acct.Address,
		ClaimedPoints:    acct.ClaimedPoints,
		MiningActive:     acct.MiningActive(),
		CompletedTaskIDs: acct.CompletedTaskIDs,
		ReferralCount:    acct.ReferralCount,
		ReferredBy:       acct.ReferredBy,
		OwnsMintAsset:    acct.OwnsMintAsset,
		CreatedAt:        acct.CreatedAt,
	}
	if acct.MiningSession != nil {
		startedAt := acct.MiningSession.StartedAt
		resp.MiningStartedAt = &startedAt
	}
	return resp
}

type entryResponse struct {
	EntryID     string    `json:"entry_id"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Amount      int64     `json:"amount"`
	Fee         int64     `json:"fee"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func buildEntryResponse(e domain.LedgerEntry) entryResponse {
	return entryResponse{
		EntryID:     e.ID.String(),
		FromAddress: e.FromAddress,
		ToAddress:   e.ToAddress,
		Amount:      e.Amount,
		Fee:         e.Fee,
		Kind:        e.Kind,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
	}
}

// RegisterAccountHandler creates the ledger account for the authenticated
// subject, crediting the signup bonus and linking an optional referrer.
func (h *LedgerHandlers) RegisterAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	var req struct {
		ReferrerAddress string `json:"referrer_address"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			log.Printf("level=warn component=api endpoint=register outcome=reject reason=invalid_json err=%v", err)
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}
	}

	acct, err := h.service.RegisterAccount(r.Context(), accountID, req.ReferrerAddress)
	if err != nil {
		if errors.Is(err, store.ErrAccountExists) {
			// Replayed registration returns the existing account.
			h.writeJSON(w, http.StatusOK, buildAccountResponse(acct))
			return
		}
		if errors.Is(err, app.ErrInvalidAddress) || errors.Is(err, app.ErrSelfTransferNotAllowed) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("level=error component=api endpoint=register account_id=%s err=%v", accountID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	h.writeJSON(w, http.StatusCreated, buildAccountResponse(acct))
}

// GetAccountHandler returns the authenticated account's state.
func (h *LedgerHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	acct, err := h.service.Account(r.Context(), accountID)
	if err != nil {
		h.writeRepoError(w, accountID, "get_account", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAccountResponse(acct))
}

// GetAddressHandler returns the authenticated account's external address.
func (h *LedgerHandlers) GetAddressHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	acct, err := h.service.Account(r.Context(), accountID)
	if err != nil {
		h.writeRepoError(w, accountID, "get_address", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"address": acct.Address})
}

// GetBalanceHandler folds the ledger into the account's spendable balance
// and includes the pending yield of any open mining session.
func (h *LedgerHandlers) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	balance, err := h.service.SpendableBalance(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, app.ErrLedgerCorruption) {
			log.Printf("level=error component=api endpoint=balance account_id=%s err=%v", accountID, err)
			h.writeError(w, http.StatusInternalServerError, "Ledger inconsistency detected")
			return
		}
		h.writeRepoError(w, accountID, "balance", err)
		return
	}

	pending, err := h.service.PendingPoints(r.Context(), accountID)
	if err != nil {
		h.writeRepoError(w, accountID, "balance", err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int64{
		"spendable": balance,
		"pending":   pending,
	})
}

// ListEntriesHandler returns the account's ledger feed, oldest first.
// Optional query params: since (RFC 3339) and limit.
func (h *LedgerHandlers) ListEntriesHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	entries, err := h.service.EntryHistory(r.Context(), accountID, since, limit)
	if err != nil {
		h.writeRepoError(w, accountID, "list_entries", err)
		return
	}

	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, buildEntryResponse(e))
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": out})
}

// StartMiningHandler opens a mining session for the account.
func (h *LedgerHandlers) StartMiningHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	acct, err := h.service.StartMining(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, app.ErrInvalidSessionState) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeRepoError(w, accountID, "start_mining", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAccountResponse(acct))
}

// ClaimMiningHandler settles the open mining session into claimed points.
func (h *LedgerHandlers) ClaimMiningHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}
	if !h.allowRate(w, r, app.RateLimitScopeClaim, accountID, h.claimLimitPerMinute) {
		return
	}

	claimed, err := h.service.ClaimMining(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, app.ErrInvalidSessionState) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.writeRepoError(w, accountID, "claim_mining", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"claimed": claimed})
}

// CompleteTaskHandler credits the reward for a task exactly once.
func (h *LedgerHandlers) CompleteTaskHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}
	taskID := chi.URLParam(r, "taskID")

	var req struct {
		Reward int64 `json:"reward"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=complete_task outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if err := h.service.CompleteTask(r.Context(), accountID, taskID, req.Reward); err != nil {
		if errors.Is(err, app.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeRepoError(w, accountID, "complete_task", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// TransferHandler validates and commits a send to another address. Clients
// may pass an entry_id to make retries of a timed-out request safe.
func (h *LedgerHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}
	if !h.allowRate(w, r, app.RateLimitScopeTransfer, accountID, h.transferLimitPerMinute) {
		return
	}

	var req struct {
		ToAddress string `json:"to_address"`
		Amount    int64  `json:"amount"`
		EntryID   string `json:"entry_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	entryID := uuid.New()
	if req.EntryID != "" {
		parsed, err := uuid.Parse(req.EntryID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "entry_id must be a UUID")
			return
		}
		entryID = parsed
	}

	entry, err := h.service.Transfer(r.Context(), accountID, req.ToAddress, req.Amount, entryID)
	if err != nil {
		log.Printf("level=warn component=api endpoint=transfer outcome=failed account_id=%s err=%v", accountID, err)
		switch {
		case errors.Is(err, app.ErrInsufficientFunds):
			h.writeError(w, http.StatusPaymentRequired, err.Error())
		case errors.Is(err, app.ErrInvalidAddress),
			errors.Is(err, app.ErrSelfTransferNotAllowed),
			errors.Is(err, app.ErrInvalidAmount):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrLedgerCorruption):
			h.writeError(w, http.StatusInternalServerError, "Ledger inconsistency detected")
		case errors.Is(err, store.ErrAccountNotFound):
			h.writeError(w, http.StatusNotFound, "Account not found")
		case errors.Is(err, store.ErrStoreUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable")
		default:
			h.writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, buildEntryResponse(*entry))
}

// MintHandler debits the mint cost and flips the one-way ownership flag.
func (h *LedgerHandlers) MintHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	acct, err := h.service.MintCredential(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, app.ErrInsufficientFunds) {
			h.writeError(w, http.StatusPaymentRequired, err.Error())
			return
		}
		h.writeRepoError(w, accountID, "mint", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAccountResponse(acct))
}

// SyncReferralsHandler back-fills referral credit that registration failed
// to apply.
func (h *LedgerHandlers) SyncReferralsHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := GetAccountID(r.Context())
	if !ok {
		http.Error(w, "Could not get account ID from context", http.StatusInternalServerError)
		return
	}

	acct, err := h.service.SyncReferralStats(r.Context(), accountID)
	if err != nil {
		h.writeRepoError(w, accountID, "sync_referrals", err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildAccountResponse(acct))
}

// StatsHandler reports aggregate network counters. It requires no auth.
func (h *LedgerHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=stats err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// allowRate consumes one token from the account's rate limit for the scope.
// A Redis failure fails open: the operation proceeds.
func (h *LedgerHandlers) allowRate(w http.ResponseWriter, r *http.Request, scope, accountID string, limitPerMinute int) bool {
	if h.rateLimiter == nil || limitPerMinute <= 0 {
		return true
	}
	count, retryAfter, err := h.rateLimiter.ConsumeRateLimit(r.Context(), scope, accountID, limitPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=api msg=\"rate limiter unavailable\" scope=%s err=%v", scope, err)
		return true
	}
	if count > limitPerMinute {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.writeError(w, http.StatusTooManyRequests, "Rate limit exceeded")
		return false
	}
	return true
}

func (h *LedgerHandlers) writeRepoError(w http.ResponseWriter, accountID, endpoint string, err error) {
	if errors.Is(err, store.ErrAccountNotFound) {
		h.writeError(w, http.StatusNotFound, "Account not found")
		return
	}
	log.Printf("level=error component=api endpoint=%s account_id=%s err=%v", endpoint, accountID, err)
	if errors.Is(err, store.ErrStoreUnavailable) {
		h.writeError(w, http.StatusServiceUnavailable, "Storage temporarily unavailable")
		return
	}
	h.writeError(w, http.StatusInternalServerError, "Internal server error")
}

// writeJSON is a helper for writing JSON responses.
func (h *LedgerHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *LedgerHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
