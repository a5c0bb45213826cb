/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the ledger model from the external API contract. Amounts are always
  decimal strings ("10.00"); ledger.Money marshals itself that way.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Purchase:
    PurchaseRequest, ReceiptDTO

  Wallet / history:
    WalletDTO, TransactionDTO

  Catalog:
    ItemDTO, SaveItemRequest

  Admin:
    OpenWalletRequest, AdjustmentRequest, AdjustmentDTO, AuditReportDTO

  Scenarios:
    ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done by the ledger service, not in DTOs. DTOs are pure data
  carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// PURCHASE
// =============================================================================

// PurchaseRequest is the body of POST /api/users/{userID}/purchases.
type PurchaseRequest struct {
	ItemID         string `json:"item_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// ReceiptDTO is returned by a successful purchase.
type ReceiptDTO struct {
	Transaction    TransactionDTO `json:"transaction"`
	Item           ItemDTO        `json:"item"`
	Balance        ledger.Money   `json:"balance"`
	Replayed       bool           `json:"replayed"`
	AccountCreated bool           `json:"account_created,omitempty"`
}

// =============================================================================
// WALLET / HISTORY
// =============================================================================

// WalletDTO represents a user's wallet.
type WalletDTO struct {
	UserID      string       `json:"user_id"`
	Balance     ledger.Money `json:"balance"`
	LastUpdated *time.Time   `json:"last_updated,omitempty"`
}

// TransactionDTO represents one ledger row. Direction is relative to the
// user whose history was requested.
type TransactionDTO struct {
	ID             string       `json:"id"`
	Type           string       `json:"type"`
	Amount         ledger.Money `json:"amount"`
	Sender         *string      `json:"sender,omitempty"`
	Receiver       *string      `json:"receiver,omitempty"`
	Direction      string       `json:"direction,omitempty"` // "in" or "out"
	Description    string       `json:"description,omitempty"`
	ItemID         string       `json:"item_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

// TransactionsResponse wraps a user's recent history.
type TransactionsResponse struct {
	UserID       string           `json:"user_id"`
	Limit        int              `json:"limit"`
	Transactions []TransactionDTO `json:"transactions"`
}

// =============================================================================
// CATALOG
// =============================================================================

// ItemDTO represents an inventory item.
type ItemDTO struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	Price         ledger.Money `json:"price"`
	StockQuantity int          `json:"stock_quantity"`
	Category      string       `json:"category,omitempty"`
	IsActive      bool         `json:"is_active"`
	CreatedAt     time.Time    `json:"created_at"`
}

// SaveItemRequest creates or updates an item. IsActive defaults to true.
type SaveItemRequest struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description"`
	Price         ledger.Money `json:"price"`
	StockQuantity int          `json:"stock_quantity"`
	Category      string       `json:"category"`
	IsActive      *bool        `json:"is_active,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

// OpenWalletRequest is the body of POST /api/admin/wallets.
type OpenWalletRequest struct {
	UserID string `json:"user_id"`
}

// AdjustmentRequest is the body of the credit, refund and penalty endpoints.
// RestockItemID is only honored by refunds.
type AdjustmentRequest struct {
	UserID         string       `json:"user_id"`
	Amount         ledger.Money `json:"amount"`
	Description    string       `json:"description"`
	RestockItemID  string       `json:"restock_item_id,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// AdjustmentDTO is returned by the admin mutations.
type AdjustmentDTO struct {
	Transaction TransactionDTO `json:"transaction"`
	Balance     ledger.Money   `json:"balance"`
}

// DiscrepancyDTO is one account whose balance disagrees with the ledger.
type DiscrepancyDTO struct {
	UserID   string       `json:"user_id"`
	Balance  ledger.Money `json:"balance"`
	Expected ledger.Money `json:"expected"`
	Delta    ledger.Money `json:"delta"`
}

// AuditReportDTO is returned by GET /api/admin/audit.
type AuditReportDTO struct {
	CheckedAt     time.Time        `json:"checked_at"`
	Accounts      int              `json:"accounts"`
	Clean         bool             `json:"clean"`
	Discrepancies []DiscrepancyDTO `json:"discrepancies"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toItemDTO(item ledger.InventoryItem) ItemDTO {
	return ItemDTO{
		ID:            string(item.ID),
		Name:          item.Name,
		Description:   item.Description,
		Price:         item.Price,
		StockQuantity: item.StockQuantity,
		Category:      item.Category,
		IsActive:      item.IsActive,
		CreatedAt:     item.CreatedAt,
	}
}

func toItemDTOs(items []ledger.InventoryItem) []ItemDTO {
	dtos := make([]ItemDTO, 0, len(items))
	for _, item := range items {
		dtos = append(dtos, toItemDTO(item))
	}
	return dtos
}

// toTransactionDTO renders tx. viewer may be empty for admin views.
func toTransactionDTO(tx ledger.Transaction, viewer ledger.UserID) TransactionDTO {
	dto := TransactionDTO{
		ID:             string(tx.ID),
		Type:           string(tx.Type),
		Amount:         tx.Amount,
		Sender:         userStr(tx.Sender),
		Receiver:       userStr(tx.Receiver),
		Description:    tx.Description,
		ItemID:         string(tx.ItemID),
		IdempotencyKey: tx.IdempotencyKey,
		Timestamp:      tx.Timestamp,
	}
	if viewer != "" {
		switch {
		case tx.Receiver != nil && *tx.Receiver == viewer:
			dto.Direction = "in"
		case tx.Sender != nil && *tx.Sender == viewer:
			dto.Direction = "out"
		}
	}
	return dto
}

func toReceiptDTO(r *ledger.Receipt) ReceiptDTO {
	var user ledger.UserID
	if r.Transaction.Sender != nil {
		user = *r.Transaction.Sender
	}
	return ReceiptDTO{
		Transaction:    toTransactionDTO(r.Transaction, user),
		Item:           toItemDTO(r.Item),
		Balance:        r.Balance,
		Replayed:       r.Replayed,
		AccountCreated: r.AccountCreated,
	}
}

func toWalletDTO(a ledger.Account) WalletDTO {
	dto := WalletDTO{UserID: string(a.UserID), Balance: a.Balance}
	if !a.LastUpdated.IsZero() {
		t := a.LastUpdated
		dto.LastUpdated = &t
	}
	return dto
}

func toAuditReportDTO(r ledger.AuditReport) AuditReportDTO {
	dto := AuditReportDTO{
		CheckedAt:     r.CheckedAt,
		Accounts:      r.Accounts,
		Clean:         r.Clean(),
		Discrepancies: make([]DiscrepancyDTO, 0, len(r.Discrepancies)),
	}
	for _, d := range r.Discrepancies {
		dto.Discrepancies = append(dto.Discrepancies, DiscrepancyDTO{
			UserID:   string(d.UserID),
			Balance:  d.Balance,
			Expected: d.Expected,
			Delta:    d.Delta(),
		})
	}
	return dto
}

func userStr(u *ledger.UserID) *string {
	if u == nil {
		return nil
	}
	s := string(*u)
	return &s
}
