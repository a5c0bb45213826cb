/*
handlers.go - HTTP request handlers for the token ledger API

PURPOSE:
  Implements all REST API endpoints. Handlers are thin: they decode the
  request, call the ledger service, and map the typed result or failure
  onto an HTTP response. No business rule lives here.

ENDPOINTS:
  Health:
    GET  /healthz                              - Liveness plus store ping

  Catalog:
    GET  /api/items                            - Active items (?all=true for every item)

  Students (X-User-ID must match {userID}):
    POST /api/users/{userID}/purchases         - Attempt a purchase
    GET  /api/users/{userID}/transactions      - Recent history (?limit=N)
    GET  /api/users/{userID}/wallet            - Current balance

  Admin (X-Role: admin):
    POST /api/admin/items                      - Create or update an item
    POST /api/admin/wallets                    - Open a wallet (required under the strict policy)
    POST /api/admin/credits                    - Credit a wallet
    POST /api/admin/refunds                    - Refund, optionally restocking an item
    POST /api/admin/penalties                  - Deduct from a wallet
    GET  /api/admin/audit                      - Latest balance audit (?fresh=true to rerun)

  Scenarios (X-Role: admin, only mounted when Handler.Scenarios is set):
    GET  /api/scenarios                        - List demo scenarios
    GET  /api/scenarios/current                - Currently loaded scenario
    POST /api/scenarios/load                   - Load a scenario
    POST /api/scenarios/reset                  - Wipe all data

ARCHITECTURE:
  Handler holds the ledger service and the store behind it. The service owns
  atomicity, locking and retries; the store is only touched directly for
  health checks and scenario resets.

REQUEST FLOW (purchase):
  1. Decode PurchaseRequest (idempotency key from body or Idempotency-Key header)
  2. Service.Purchase runs one atomic unit (lock item, lock wallet, debit,
     decrement stock, append ledger row)
  3. Map the receipt to ReceiptDTO, or the failure to a status code

ERROR HANDLING:
  Every failure body is {"error", "reason", "details"}. The status code comes
  from ledger.ReasonOf:
  - item_not_found, account_not_found -> 404
  - out_of_stock                      -> 409
  - insufficient_balance              -> 422
  - invalid_request                   -> 400
  - storage_failure                   -> 503 with Retry-After
  - invariant_violation               -> 500

SEE ALSO:
  - server.go: Route definitions
  - dto.go: Request/response types
  - ledger/errors.go: Failure reasons
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/warp/token-ledger/ledger"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	Service   *ledger.Service
	Store     ledger.Store
	Scheduler *AuditScheduler

	// Scenarios mounts the demo scenario routes. They wipe the store, so
	// they are off unless the deployment opts in.
	Scenarios bool

	logger *zap.Logger

	mu              sync.RWMutex
	currentScenario string
}

// NewHandler creates a new handler for svc.
func NewHandler(svc *ledger.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Service: svc,
		Store:   svc.Store(),
		logger:  logger,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// Healthz reports whether the store answers.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// CATALOG
// =============================================================================

// ListItems returns the catalog. Inactive items are hidden unless ?all=true.
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))

	items, err := h.Service.Items(r.Context(), !all)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to list items", err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTOs(items))
}

// SaveItem creates or updates an item.
func (h *Handler) SaveItem(w http.ResponseWriter, r *http.Request) {
	var req SaveItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	saved, err := h.Service.SaveItem(r.Context(), ledger.InventoryItem{
		ID:            ledger.ItemID(req.ID),
		Name:          req.Name,
		Description:   req.Description,
		Price:         req.Price,
		StockQuantity: req.StockQuantity,
		Category:      req.Category,
		IsActive:      active,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Failed to save item", err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(saved))
}

// =============================================================================
// STUDENT ENDPOINTS
// =============================================================================

// Purchase attempts to buy one unit of an item for the user in the path.
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ItemID == "" {
		writeError(w, http.StatusBadRequest, "item_id is required", nil)
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	var opts []ledger.PurchaseOption
	if key != "" {
		opts = append(opts, ledger.WithIdempotencyKey(key))
	}

	receipt, err := h.Service.Purchase(r.Context(), userID, ledger.ItemID(req.ItemID), opts...)
	if err != nil {
		h.writeLedgerError(w, r, "Purchase failed", err)
		return
	}

	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toReceiptDTO(receipt))
}

// GetTransactions returns the user's most recent ledger rows, newest first.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	limit := ledger.DefaultHistoryLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	txs, err := h.Service.RecentTransactions(r.Context(), userID, limit)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get transactions", err)
		return
	}

	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, toTransactionDTO(tx, userID))
	}
	writeJSON(w, http.StatusOK, TransactionsResponse{
		UserID:       string(userID),
		Limit:        clampLimit(limit),
		Transactions: dtos,
	})
}

// GetWallet returns the user's committed balance.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "userID"))

	account, err := h.Service.Wallet(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, "Failed to get wallet", err)
		return
	}
	writeJSON(w, http.StatusOK, toWalletDTO(account))
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

// OpenWallet provisions a zero-balance wallet. 201 when created, 200 when
// it already existed.
func (h *Handler) OpenWallet(w http.ResponseWriter, r *http.Request) {
	var req OpenWalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	account, created, err := h.Service.OpenWallet(r.Context(), ledger.UserID(req.UserID))
	if err != nil {
		h.writeLedgerError(w, r, "Failed to open wallet", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, toWalletDTO(account))
}

// CreateCredit grants tokens to a user.
func (h *Handler) CreateCredit(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, ledger.TxCredit)
}

// CreateRefund returns tokens to a user, optionally restocking an item.
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, ledger.TxRefund)
}

// CreatePenalty deducts tokens from a user. It never overdraws.
func (h *Handler) CreatePenalty(w http.ResponseWriter, r *http.Request) {
	h.adjust(w, r, ledger.TxPenalty)
}

func (h *Handler) adjust(w http.ResponseWriter, r *http.Request, typ ledger.TransactionType) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}
	result, err := h.Service.Adjust(r.Context(), ledger.Adjustment{
		UserID:         ledger.UserID(req.UserID),
		Type:           typ,
		Amount:         req.Amount,
		Description:    req.Description,
		RestockItemID:  ledger.ItemID(req.RestockItemID),
		IdempotencyKey: key,
	})
	if err != nil {
		h.writeLedgerError(w, r, "Adjustment failed", err)
		return
	}

	writeJSON(w, http.StatusCreated, AdjustmentDTO{
		Transaction: toTransactionDTO(result.Transaction, ledger.UserID(req.UserID)),
		Balance:     result.Balance,
	})
}

// GetAudit returns the scheduler's latest report. It runs a fresh audit when
// no scheduler is attached, none has completed yet, or ?fresh=true.
func (h *Handler) GetAudit(w http.ResponseWriter, r *http.Request) {
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))

	if !fresh && h.Scheduler != nil {
		if report, ok := h.Scheduler.Latest(); ok {
			writeJSON(w, http.StatusOK, toAuditReportDTO(report))
			return
		}
	}

	report, err := h.Service.Audit(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, "Audit failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps a ledger failure onto its status code and reason.
// Server-side failures are logged in full; the client only gets a generic
// detail so driver and constraint text stays internal.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, message string, err error) {
	reason := ledger.ReasonOf(err)
	status := statusFor(reason)

	resp := ErrorResponse{Error: message, Reason: string(reason), Details: err.Error()}
	var shortage *ledger.InsufficientBalanceError
	if errors.As(err, &shortage) {
		resp.Details = shortage.Error()
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		resp.Details = "temporary storage failure, retry the request"
	case http.StatusInternalServerError:
		resp.Details = "internal ledger error"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("reason", string(reason)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func statusFor(reason ledger.FailureReason) int {
	switch reason {
	case ledger.ReasonItemNotFound, ledger.ReasonAccountNotFound:
		return http.StatusNotFound
	case ledger.ReasonOutOfStock:
		return http.StatusConflict
	case ledger.ReasonInsufficientBalance:
		return http.StatusUnprocessableEntity
	case ledger.ReasonInvalidRequest:
		return http.StatusBadRequest
	case ledger.ReasonInvariantViolation:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return ledger.DefaultHistoryLimit
	case limit > ledger.MaxHistoryLimit:
		return ledger.MaxHistoryLimit
	}
	return limit
}
