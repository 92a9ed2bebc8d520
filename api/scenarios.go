/*
scenarios.go - Demo scenario loaders for development and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the caller's ledger with
	realistic data. Each scenario goes through the same services as the
	public endpoints, so every seeded balance obeys the engine's rules.

AVAILABLE SCENARIOS:

	monthly-budget:  Bank + wallet, salary, a funded spending period
	pockets:         Savings goal, groceries window, fixed bills, a debt
	multi-currency:  COP and USD accounts with a display rate

HOW SCENARIOS WORK:
 1. Refuse if the caller already has accounts
 2. Create accounts (the first one becomes primary)
 3. Record income
 4. Create periods and pockets, funded from the accounts
 5. Add a few expenses so summaries have something to show

USAGE VIA API:

	GET  /api/scenarios
	POST /api/scenarios/load
	{"scenario_id": "monthly-budget"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' with ID, name, description and loader

NOTE:

	Loading is not one transaction. A failure halfway leaves what was
	already created; the error names the step that failed.

SEE ALSO:
  - account/, period/, pocket/: the services used here
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/ffs/balance-engine/account"
	"github.com/ffs/balance-engine/fx"
	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/period"
	"github.com/ffs/balance-engine/pocket"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	load func(ctx context.Context, h *Handler, owner ledger.OwnerID) error
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "monthly-budget",
			Name:        "Monthly Budget",
			Description: "Salary in the bank, 20% moved to a wallet for a 15-day spending period",
			Category:    "periods",
		},
		load: loadMonthlyBudget,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "pockets",
			Name:        "Pockets",
			Description: "Emergency fund, a groceries window, fixed bills and a laptop on installments",
			Category:    "pockets",
		},
		load: loadPockets,
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "multi-currency",
			Name:        "Multi-Currency",
			Description: "COP checking plus USD savings, with a USD to COP display rate",
			Category:    "fx",
		},
		load: loadMultiCurrency,
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]ScenarioDTO, len(scenarios))
	for i, s := range scenarios {
		out[i] = s.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, out)
}

// LoadScenario seeds a predefined scenario for the caller.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	owner := ownerFrom(ctx)

	var found *scenario
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			found = &scenarios[i]
			break
		}
	}
	if found == nil {
		h.fail(w, r, ledger.Invalid("scenario_id", fmt.Sprintf("unknown scenario %q", req.ScenarioID)))
		return
	}

	existing, err := h.Accounts.List(ctx, owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(existing) > 0 {
		h.fail(w, r, &ledger.InvalidStateError{
			Kind: "owner", ID: string(owner), Status: "has_accounts", Operation: "load_scenario",
			Reason: "scenarios only load into an empty ledger",
		})
		return
	}

	if err := found.load(ctx, h, owner); err != nil {
		h.fail(w, r, fmt.Errorf("load scenario %s: %w", found.ID, err))
		return
	}
	h.Logger.Info("scenario loaded", "scenario", found.ID, "owner", owner)

	accounts, err := h.Accounts.List(ctx, owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := ScenarioLoadedDTO{Status: "loaded", Scenario: found.ID, Accounts: make([]AccountDTO, len(accounts))}
	for i, a := range accounts {
		out.Accounts[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func loadMonthlyBudget(ctx context.Context, h *Handler, owner ledger.OwnerID) error {
	bank, err := h.Accounts.Create(ctx, account.CreateInput{Owner: owner, Name: "Bancolombia", Currencies: []string{"COP"}})
	if err != nil {
		return fmt.Errorf("bank account: %w", err)
	}
	wallet, err := h.Accounts.Create(ctx, account.CreateInput{Owner: owner, Name: "Wallet", Currencies: []string{"COP"}})
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	salary := decimal.NewFromInt(4_500_000)
	if _, err := h.Accounts.Income(ctx, account.MovementInput{
		Owner: owner, AccountID: bank.ID, Amount: salary, Currency: "COP", Description: "Salary",
	}); err != nil {
		return fmt.Errorf("salary: %w", err)
	}

	// 20% of the salary over 15 days
	created, err := h.Periods.Create(ctx, period.CreateInput{
		Owner:      owner,
		AccountID:  wallet.ID,
		Name:       "First half",
		Percentage: decimal.NewFromInt(20),
		Days:       15,
		BaseAmount: salary,
		Transfer:   &period.Funding{SourceAccountID: bank.ID},
	})
	if err != nil {
		return fmt.Errorf("period: %w", err)
	}

	for _, e := range []struct {
		desc   string
		amount int64
	}{
		{"Groceries", 85_000},
		{"Bus card top-up", 12_000},
		{"Lunch", 28_500},
	} {
		if _, err := h.Accounts.Expense(ctx, account.ExpenseInput{
			MovementInput: account.MovementInput{
				Owner: owner, AccountID: wallet.ID, Amount: decimal.NewFromInt(e.amount), Currency: "COP", Description: e.desc,
			},
			PeriodID: created.Period.ID,
		}); err != nil {
			return fmt.Errorf("expense %q: %w", e.desc, err)
		}
	}
	return nil
}

func loadPockets(ctx context.Context, h *Handler, owner ledger.OwnerID) error {
	bank, err := h.Accounts.Create(ctx, account.CreateInput{Owner: owner, Name: "Checking", Currencies: []string{"COP"}})
	if err != nil {
		return fmt.Errorf("checking account: %w", err)
	}
	if _, err := h.Accounts.Income(ctx, account.MovementInput{
		Owner: owner, AccountID: bank.ID, Amount: decimal.NewFromInt(6_000_000), Currency: "COP", Description: "Salary",
	}); err != nil {
		return fmt.Errorf("salary: %w", err)
	}
	today := h.Engine.Today()

	if _, err := h.Pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, AccountID: bank.ID, Type: ledger.PocketSaving, Name: "Emergency fund", Emoji: "🛟",
		TargetAmount: decimal.NewFromInt(10_000_000), InitialFunding: decimal.NewFromInt(750_000),
	}); err != nil {
		return fmt.Errorf("saving pocket: %w", err)
	}

	groceries, err := h.Pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, AccountID: bank.ID, Type: ledger.PocketExpense, Subtype: ledger.SubtypePeriod,
		Name: "Groceries", Emoji: "🛒", AllocatedAmount: decimal.NewFromInt(600_000), Days: 30,
	})
	if err != nil {
		return fmt.Errorf("groceries pocket: %w", err)
	}
	if _, err := h.Pockets.RecordExpense(ctx, pocket.ExpenseInput{
		Owner: owner, PocketID: groceries.Pocket.ID, Amount: decimal.NewFromInt(73_400), Description: "Market",
	}); err != nil {
		return fmt.Errorf("groceries expense: %w", err)
	}

	bills, err := h.Pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, AccountID: bank.ID, Type: ledger.PocketExpense, Subtype: ledger.SubtypeFixed,
		Name: "Bills", Emoji: "🧾", InitialFunding: decimal.NewFromInt(1_500_000),
	})
	if err != nil {
		return fmt.Errorf("bills pocket: %w", err)
	}
	var rent ledger.FixedExpenseItem
	for _, it := range []struct {
		name   string
		amount int64
		due    int
	}{
		{"Rent", 1_200_000, 5},
		{"Internet", 95_000, 20},
		{"Phone", 45_000, 31},
	} {
		item, err := h.Pockets.AddFixedExpense(ctx, pocket.FixedExpenseInput{
			Owner: owner, PocketID: bills.Pocket.ID, Name: it.name, Amount: decimal.NewFromInt(it.amount), DueDay: it.due,
		})
		if err != nil {
			return fmt.Errorf("fixed expense %q: %w", it.name, err)
		}
		if rent.ID == "" {
			rent = item
		}
	}
	if _, err := h.Pockets.PayFixedExpense(ctx, pocket.PayFixedInput{Owner: owner, ItemID: rent.ID}); err != nil {
		return fmt.Errorf("pay rent: %w", err)
	}

	laptop, err := h.Pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, AccountID: bank.ID, Type: ledger.PocketDebt, Name: "Laptop", Emoji: "💻",
		InstallmentAmount: decimal.NewFromInt(350_000), InstallmentsTotal: 12,
		InterestRate: decimal.RequireFromString("1.9"), NextPayment: today,
		InitialFunding: decimal.NewFromInt(700_000),
	})
	if err != nil {
		return fmt.Errorf("debt pocket: %w", err)
	}
	if _, err := h.Pockets.PayInstallment(ctx, owner, laptop.Pocket.ID); err != nil {
		return fmt.Errorf("first installment: %w", err)
	}
	return nil
}

func loadMultiCurrency(ctx context.Context, h *Handler, owner ledger.OwnerID) error {
	checking, err := h.Accounts.Create(ctx, account.CreateInput{Owner: owner, Name: "Checking", Currencies: []string{"COP"}})
	if err != nil {
		return fmt.Errorf("checking account: %w", err)
	}
	savings, err := h.Accounts.Create(ctx, account.CreateInput{Owner: owner, Name: "Dollar savings", Currencies: []string{"USD", "COP"}})
	if err != nil {
		return fmt.Errorf("savings account: %w", err)
	}

	for _, in := range []account.MovementInput{
		{Owner: owner, AccountID: checking.ID, Amount: decimal.NewFromInt(3_200_000), Currency: "COP", Description: "Salary"},
		{Owner: owner, AccountID: savings.ID, Amount: decimal.NewFromInt(1_250), Currency: "USD", Description: "Freelance invoice"},
		{Owner: owner, AccountID: savings.ID, Amount: decimal.NewFromInt(400_000), Currency: "COP", Description: "Cash deposit"},
	} {
		if _, err := h.Accounts.Income(ctx, in); err != nil {
			return fmt.Errorf("income %q: %w", in.Description, err)
		}
	}
	if _, err := h.Accounts.Expense(ctx, account.ExpenseInput{MovementInput: account.MovementInput{
		Owner: owner, AccountID: savings.ID, Amount: decimal.RequireFromString("19.99"), Currency: "USD", Description: "Software subscription",
	}}); err != nil {
		return fmt.Errorf("usd expense: %w", err)
	}

	if h.Rates == nil {
		return nil
	}
	rate := fx.Rate{From: "USD", To: "COP", Rate: decimal.NewFromInt(4_100), Date: h.Engine.Today()}
	if err := h.Rates.UpsertRate(ctx, rate); err != nil {
		return fmt.Errorf("usd rate: %w", err)
	}
	return nil
}
