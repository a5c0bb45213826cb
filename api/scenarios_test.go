/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Items are provisioned with the right stock
	- Wallets hold the expected balances
	- Every balance is backed by ledger rows (audit is clean)

These tests run on an in-memory SQLite store, so they double as
integration tests for the HTTP layer on a real database.
*/
package api

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/token-ledger/ledger/ledgertest"
	"github.com/warp/token-ledger/store/sqlite"
)

func newSQLiteAPI(t *testing.T) *testAPI {
	t.Helper()
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := ledgertest.NewService(st)
	h := NewHandler(svc, nil)
	h.Scenarios = true
	return &testAPI{router: NewRouter(h, nil), handler: h, svc: svc}
}

func loadScenario(t *testing.T, api *testAPI, id string) {
	t.Helper()
	rec := api.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id}, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func balance(t *testing.T, api *testAPI, user string) string {
	t.Helper()
	rec := api.do(t, http.MethodGet, "/api/users/"+user+"/wallet", nil, asUser(user))
	require.Equal(t, http.StatusOK, rec.Code)
	return decode[WalletDTO](t, rec).Balance.String()
}

func assertAuditClean(t *testing.T, api *testAPI) {
	t.Helper()
	rec := api.do(t, http.MethodGet, "/api/admin/audit?fresh=true", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[AuditReportDTO](t, rec).Clean)
}

func TestScenario_CampusShop(t *testing.T) {
	// GIVEN: The campus-shop scenario
	// WHEN: Loading it
	// THEN: Balances reflect the scripted purchases and the audit is clean

	api := newSQLiteAPI(t)
	loadScenario(t, api, "campus-shop")

	assert.Equal(t, "85.50", balance(t, api, "alice"))
	assert.Equal(t, "45.50", balance(t, api, "bob"))
	assert.Equal(t, "25.00", balance(t, api, "carol"))

	rec := api.do(t, http.MethodGet, "/api/users/alice/transactions", nil, asUser("alice"))
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[TransactionsResponse](t, rec).Transactions
	require.Len(t, history, 4)
	assert.Equal(t, "coffee", history[0].ItemID)
	assert.Equal(t, "CREDIT", history[3].Type)

	rec = api.do(t, http.MethodGet, "/api/scenarios/current", nil, asAdmin)
	assert.Equal(t, "campus-shop", decode[ScenarioDTO](t, rec).ID)

	assertAuditClean(t, api)
}

func TestScenario_LastUnit_ExactlyOneWinner(t *testing.T) {
	// GIVEN: One notebook left; alice and bob can both afford it
	// WHEN: Both buy at the same time over HTTP
	// THEN: One 201 and one 409; stock ends at zero

	api := newSQLiteAPI(t)
	loadScenario(t, api, "last-unit")

	codes := make(chan int, 2)
	var wg sync.WaitGroup
	for _, user := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(user string) {
			defer wg.Done()
			rec := api.do(t, http.MethodPost, "/api/users/"+user+"/purchases", PurchaseRequest{ItemID: "notebook"}, asUser(user))
			codes <- rec.Code
		}(user)
	}
	wg.Wait()
	close(codes)

	got := map[int]int{}
	for c := range codes {
		got[c]++
	}
	assert.Equal(t, map[int]int{http.StatusCreated: 1, http.StatusConflict: 1}, got)

	item, err := api.svc.Item(context.Background(), "notebook")
	require.NoError(t, err)
	assert.Equal(t, 0, item.StockQuantity)
	assertAuditClean(t, api)
}

func TestScenario_TightBudget(t *testing.T) {
	api := newSQLiteAPI(t)
	loadScenario(t, api, "tight-budget")

	rec := api.do(t, http.MethodPost, "/api/users/dave/purchases", PurchaseRequest{ItemID: "hoodie"}, asUser("dave"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/users/dave/purchases", PurchaseRequest{ItemID: "scarf"}, asUser("dave"))
	assert.Equal(t, http.StatusConflict, rec.Code, "inactive items cannot be bought")
	rec = api.do(t, http.MethodPost, "/api/users/dave/purchases", PurchaseRequest{ItemID: "usb-drive"}, asUser("dave"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, "44.99", balance(t, api, "dave"))
}

func TestScenario_PenaltyRefund(t *testing.T) {
	api := newSQLiteAPI(t)
	loadScenario(t, api, "penalty-refund")

	// 60 - 45 - 5 + 45
	assert.Equal(t, "55.00", balance(t, api, "erin"))

	item, err := api.svc.Item(context.Background(), "hoodie")
	require.NoError(t, err)
	assert.Equal(t, 4, item.StockQuantity, "refund put the hoodie back")
	assertAuditClean(t, api)
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	api := newSQLiteAPI(t)
	loadScenario(t, api, "campus-shop")
	loadScenario(t, api, "tight-budget")

	assert.Equal(t, "0.00", balance(t, api, "alice"), "alice is gone after the reset")

	rec := api.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, asAdmin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/scenarios/reset", nil, asAdmin)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/items?all=true", nil, nil)
	assert.Empty(t, decode[[]ItemDTO](t, rec))
	rec = api.do(t, http.MethodGet, "/api/scenarios", nil, asAdmin)
	assert.Len(t, decode[[]ScenarioDTO](t, rec), len(scenarios))
}
