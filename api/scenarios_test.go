/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Loads each scenario over HTTP and checks the seeded state:
	- Accounts are created, the first one primary
	- Periods and pockets are funded from the accounts
	- Balances match the scenario's movements
*/
package api_test

import (
	"net/http"
	"testing"

	"github.com/ffs/balance-engine/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadScenario(t *testing.T, a *testAPI, id string) api.ScenarioLoadedDTO {
	t.Helper()
	status, raw := a.call(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": id})
	require.Equal(t, http.StatusOK, status, string(raw))
	return decodeAs[api.ScenarioLoadedDTO](t, raw)
}

func accountNamed(t *testing.T, accounts []api.AccountDTO, name string) api.AccountDTO {
	t.Helper()
	for _, a := range accounts {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("no account named %q", name)
	return api.AccountDTO{}
}

func TestScenario_List(t *testing.T) {
	a := newAPI(t)
	status, raw := a.call(http.MethodGet, "/api/scenarios", nil)
	require.Equal(t, http.StatusOK, status)

	var ids []string
	for _, s := range decodeAs[[]api.ScenarioDTO](t, raw) {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"monthly-budget", "pockets", "multi-currency"}, ids)
}

func TestScenario_MonthlyBudget(t *testing.T) {
	// GIVEN: an empty ledger
	a := newAPI(t)

	// WHEN
	loaded := loadScenario(t, a, "monthly-budget")

	// THEN: salary minus the period funding stays in the bank
	require.Len(t, loaded.Accounts, 2)
	bank := accountNamed(t, loaded.Accounts, "Bancolombia")
	wallet := accountNamed(t, loaded.Accounts, "Wallet")
	assert.True(t, bank.IsPrimary)
	assert.True(t, bank.Balances["COP"].Equal(dec("3600000")))
	assert.True(t, wallet.Balances["COP"].Equal(dec("774500")))

	status, raw := a.call(http.MethodGet, "/api/periods?status=active", nil)
	require.Equal(t, http.StatusOK, status)
	periods := decodeAs[[]api.PeriodDTO](t, raw)
	require.Len(t, periods, 1)
	assert.True(t, periods[0].SpentAmount.Equal(dec("125500")))
	assert.True(t, periods[0].DailyAmount.Equal(dec("60000")))
}

func TestScenario_Pockets(t *testing.T) {
	a := newAPI(t)
	loadScenario(t, a, "pockets")

	status, raw := a.call(http.MethodGet, "/api/pockets", nil)
	require.Equal(t, http.StatusOK, status)
	pockets := decodeAs[[]api.PocketDTO](t, raw)
	require.Len(t, pockets, 4)

	byName := map[string]api.PocketDTO{}
	for _, p := range pockets {
		byName[p.Name] = p
	}
	assert.True(t, byName["Emergency fund"].CurrentBalance.Equal(dec("750000")))
	require.NotNil(t, byName["Groceries"].SpentAmount)
	assert.True(t, byName["Groceries"].SpentAmount.Equal(dec("73400")))
	assert.Equal(t, 1, byName["Laptop"].InstallmentCurrent)
	assert.True(t, byName["Laptop"].CurrentBalance.Equal(dec("350000")))

	status, raw = a.call(http.MethodGet, "/api/pockets/"+byName["Bills"].ID+"/fixed-expenses/status", nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	paid := map[string]bool{}
	for _, st := range decodeAs[[]api.FixedExpenseStatusDTO](t, raw) {
		paid[st.Item.Name] = st.Paid
	}
	assert.Equal(t, map[string]bool{"Rent": true, "Internet": false, "Phone": false}, paid)
}

func TestScenario_MultiCurrency(t *testing.T) {
	a := newAPI(t)
	loaded := loadScenario(t, a, "multi-currency")

	savings := accountNamed(t, loaded.Accounts, "Dollar savings")
	assert.True(t, savings.Balances["USD"].Equal(dec("1230.01")))
	assert.True(t, savings.Balances["COP"].Equal(dec("400000")))

	// 1230.01 USD at 4100 plus 400000 COP
	status, raw := a.call(http.MethodGet, "/api/accounts/"+savings.ID+"/balance?display=COP", nil)
	require.Equal(t, http.StatusOK, status, string(raw))
	view := decodeAs[api.BalanceDTO](t, raw)
	require.NotNil(t, view.Display)
	assert.True(t, view.Display.Total.Equal(dec("5443041")), view.Display.Total.String())
}

func TestScenario_Refusals(t *testing.T) {
	a := newAPI(t)

	status, raw := a.call(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "lottery-win"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation", decodeAs[api.ErrorResponse](t, raw).Code)

	// A ledger with data is left alone.
	a.createAccount("Bank", "COP")
	status, raw = a.call(http.MethodPost, "/api/scenarios/load", map[string]string{"scenario_id": "pockets"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "invalid_state", decodeAs[api.ErrorResponse](t, raw).Code)
}
