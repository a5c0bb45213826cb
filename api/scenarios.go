/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the store with a campus shop
	catalog, funded wallets and some history. Every scenario goes through
	the ledger service, so each balance it creates is backed by ledger rows
	and a fresh audit comes back clean.

AVAILABLE SCENARIOS:

	campus-shop:    Stocked catalog, three funded students, a few purchases
	last-unit:      One notebook left, two students who can both afford it
	tight-budget:   A student one token short, an inactive item, a sold-out item
	penalty-refund: Credits, a penalty, and a refund that restocks the item

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Provision items via Service.SaveItem
 3. Open and fund wallets via Service.OpenWallet and Service.Credit
 4. Optionally run purchases, penalties and refunds

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "last-unit"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx)
 3. Add it to the loaders map

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Shared helpers
  - ledger/service.go: Operations used to build the data
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/token-ledger/ledger"
)

// =============================================================================
// SCENARIO CATALOG
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "campus-shop",
		Name:        "Campus Shop",
		Description: "Stocked catalog, three funded students (alice, bob, carol) and a few purchases",
	},
	{
		ID:          "last-unit",
		Name:        "Last Unit",
		Description: "One notebook left in stock; alice and bob can both afford it. Only one purchase can win",
	},
	{
		ID:          "tight-budget",
		Name:        "Tight Budget",
		Description: "dave is 0.01 short of a hoodie; one item is retired and one is sold out",
	},
	{
		ID:          "penalty-refund",
		Name:        "Penalty and Refund",
		Description: "erin is penalized for a late return, then refunded for a returned item that goes back into stock",
	},
}

func (h *Handler) loaders() map[string]func(context.Context) error {
	return map[string]func(context.Context) error{
		"campus-shop":    h.loadCampusShopScenario,
		"last-unit":      h.loadLastUnitScenario,
		"tight-budget":   h.loadTightBudgetScenario,
		"penalty-refund": h.loadPenaltyRefundScenario,
	}
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	current := h.currentScenario
	h.mu.RUnlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	load, ok := h.loaders()[req.ScenarioID]
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("no scenario %q", req.ScenarioID))
		return
	}

	ctx := r.Context()
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""

	if err := load(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.logger.Info("scenario loaded", zap.String("scenario", req.ScenarioID))

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset store", err)
		return
	}
	h.currentScenario = ""
	h.logger.Info("store reset")

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

// campusCatalog is the shared item set. Prices in tokens.
func campusCatalog() []ledger.InventoryItem {
	return []ledger.InventoryItem{
		{ID: "notebook", Name: "Notebook", Description: "A5 ruled, 120 pages", Price: ledger.MustMoney("10.00"), StockQuantity: 5, Category: "stationery", IsActive: true},
		{ID: "pen-set", Name: "Pen Set", Description: "Four gel pens", Price: ledger.MustMoney("4.50"), StockQuantity: 20, Category: "stationery", IsActive: true},
		{ID: "mug", Name: "Campus Mug", Price: ledger.MustMoney("12.00"), StockQuantity: 8, Category: "merch", IsActive: true},
		{ID: "hoodie", Name: "Campus Hoodie", Description: "Navy, embroidered logo", Price: ledger.MustMoney("45.00"), StockQuantity: 4, Category: "merch", IsActive: true},
		{ID: "coffee", Name: "Coffee Voucher", Price: ledger.MustMoney("2.25"), StockQuantity: 100, Category: "food", IsActive: true},
	}
}

func (h *Handler) saveItems(ctx context.Context, items []ledger.InventoryItem) error {
	for _, item := range items {
		if _, err := h.Service.SaveItem(ctx, item); err != nil {
			return fmt.Errorf("save item %s: %w", item.ID, err)
		}
	}
	return nil
}

func (h *Handler) fund(ctx context.Context, wallets map[ledger.UserID]string) error {
	for user, amount := range wallets {
		if _, _, err := h.Service.OpenWallet(ctx, user); err != nil {
			return fmt.Errorf("open wallet %s: %w", user, err)
		}
		if _, err := h.Service.Credit(ctx, user, ledger.MustMoney(amount), "Semester allowance"); err != nil {
			return fmt.Errorf("credit %s: %w", user, err)
		}
	}
	return nil
}

func (h *Handler) buy(ctx context.Context, user ledger.UserID, items ...ledger.ItemID) error {
	for _, item := range items {
		if _, err := h.Service.Purchase(ctx, user, item); err != nil {
			return fmt.Errorf("%s buys %s: %w", user, item, err)
		}
	}
	return nil
}

func (h *Handler) loadCampusShopScenario(ctx context.Context) error {
	if err := h.saveItems(ctx, campusCatalog()); err != nil {
		return err
	}
	if err := h.fund(ctx, map[ledger.UserID]string{"alice": "100.00", "bob": "50.00", "carol": "25.00"}); err != nil {
		return err
	}
	if err := h.buy(ctx, "alice", "notebook", "coffee", "coffee"); err != nil {
		return err
	}
	return h.buy(ctx, "bob", "pen-set")
}

func (h *Handler) loadLastUnitScenario(ctx context.Context) error {
	catalog := campusCatalog()
	catalog[0].StockQuantity = 1
	if err := h.saveItems(ctx, catalog); err != nil {
		return err
	}
	return h.fund(ctx, map[ledger.UserID]string{"alice": "10.00", "bob": "15.00"})
}

func (h *Handler) loadTightBudgetScenario(ctx context.Context) error {
	catalog := campusCatalog()
	catalog = append(catalog,
		ledger.InventoryItem{ID: "scarf", Name: "Campus Scarf", Price: ledger.MustMoney("18.00"), StockQuantity: 6, Category: "merch", IsActive: false},
		ledger.InventoryItem{ID: "usb-drive", Name: "USB Drive", Price: ledger.MustMoney("8.00"), StockQuantity: 0, Category: "electronics", IsActive: true},
	)
	if err := h.saveItems(ctx, catalog); err != nil {
		return err
	}
	return h.fund(ctx, map[ledger.UserID]string{"dave": "44.99"})
}

func (h *Handler) loadPenaltyRefundScenario(ctx context.Context) error {
	if err := h.saveItems(ctx, campusCatalog()); err != nil {
		return err
	}
	if err := h.fund(ctx, map[ledger.UserID]string{"erin": "60.00"}); err != nil {
		return err
	}
	if err := h.buy(ctx, "erin", "hoodie"); err != nil {
		return err
	}
	if _, err := h.Service.Penalize(ctx, "erin", ledger.MustMoney("5.00"), "Late library return"); err != nil {
		return fmt.Errorf("penalize erin: %w", err)
	}
	_, err := h.Service.Refund(ctx, ledger.RefundRequest{
		UserID:        "erin",
		Amount:        ledger.MustMoney("45.00"),
		Description:   "Returned hoodie (wrong size)",
		RestockItemID: "hoodie",
	})
	if err != nil {
		return fmt.Errorf("refund erin: %w", err)
	}
	return nil
}
