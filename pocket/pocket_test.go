package pocket_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ffs/balance-engine/account"
	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/ledger/store"
	"github.com/ffs/balance-engine/pocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FIXTURE
// =============================================================================

const owner ledger.OwnerID = "owner-1"

var today = ledger.NewDate(2025, time.March, 3)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	mem     *store.Memory
	pockets *pocket.Service
	bank    ledger.Account
	savings ledger.Account
}

func setup(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	mem := store.NewMemory()
	base := []engine.Option{
		engine.WithClock(func() time.Time { return today.Time().Add(12 * time.Hour) }),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	e := engine.New(mem, append(base, opts...)...)
	accounts := &account.Service{Engine: e}
	f := &fixture{mem: mem, pockets: &pocket.Service{Engine: e}}

	var err error
	f.bank, err = accounts.Create(ctx, account.CreateInput{Owner: owner, Name: "Bank", Currencies: []string{"COP"}})
	require.NoError(t, err)
	f.savings, err = accounts.Create(ctx, account.CreateInput{Owner: owner, Name: "Savings", Currencies: []string{"COP"}})
	require.NoError(t, err)
	_, err = accounts.Income(ctx, account.MovementInput{Owner: owner, AccountID: f.bank.ID, Amount: dec("5000"), Currency: "COP"})
	require.NoError(t, err)
	return f
}

func (f *fixture) balance(t *testing.T, id ledger.AccountID) decimal.Decimal {
	t.Helper()
	a, err := f.mem.Account(context.Background(), id)
	require.NoError(t, err)
	return a.Balance("COP")
}

func (f *fixture) pocketMovements(t *testing.T, id ledger.PocketID, types ...ledger.MovementType) []ledger.Movement {
	t.Helper()
	ms, err := f.mem.Movements(context.Background(), ledger.MovementFilter{Owner: owner, PocketID: id, Types: types})
	require.NoError(t, err)
	return ms
}

func (f *fixture) periodPocket(t *testing.T, allocated string, days int) ledger.Pocket {
	t.Helper()
	created, err := f.pockets.Create(context.Background(), pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketExpense, Subtype: ledger.SubtypePeriod,
		Name: "Groceries", Emoji: "🛒", AllocatedAmount: dec(allocated), Days: days,
	})
	require.NoError(t, err)
	return created.Pocket
}

func (f *fixture) recurrentPocket(t *testing.T, funding string) ledger.Pocket {
	t.Helper()
	created, err := f.pockets.Create(context.Background(), pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketExpense, Subtype: ledger.SubtypeRecurrent,
		Name: "Transport", InitialFunding: dec(funding),
	})
	require.NoError(t, err)
	return created.Pocket
}

func (f *fixture) spend(t *testing.T, id ledger.PocketID, amount string) {
	t.Helper()
	_, err := f.pockets.RecordExpense(context.Background(), pocket.ExpenseInput{Owner: owner, PocketID: id, Amount: dec(amount)})
	require.NoError(t, err)
}

// =============================================================================
// CREATE
// =============================================================================

func TestCreate_PeriodPocketIsFundedFromLinkedAccount(t *testing.T) {
	f := setup(t)

	pk := f.periodPocket(t, "500", 10)

	assert.Equal(t, ledger.PocketActive, pk.Status)
	assert.True(t, pk.CurrentBalance.Equal(dec("500")))
	assert.True(t, pk.AllocatedAmount.Equal(dec("500")))
	assert.True(t, pk.DailyAllowance.Equal(dec("50")))
	require.NotNil(t, pk.EndsAt)
	assert.Equal(t, ledger.NewDate(2025, time.March, 12), *pk.EndsAt)
	assert.True(t, f.balance(t, f.bank.ID).Equal(dec("4500")))
	assert.Len(t, f.pocketMovements(t, pk.ID, ledger.MovementTransfer), 1)
}

func TestCreate_ExplicitWindow(t *testing.T) {
	f := setup(t)

	created, err := f.pockets.Create(context.Background(), pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketExpense, Subtype: ledger.SubtypeShared,
		Name: "Trip", AllocatedAmount: dec("300"),
		StartsAt: ledger.NewDate(2025, time.March, 10), EndsAt: ledger.NewDate(2025, time.March, 12),
	})
	require.NoError(t, err)
	assert.True(t, created.Pocket.DailyAllowance.Equal(dec("100")))
}

func TestCreate_Validation(t *testing.T) {
	f := setup(t)
	cases := map[string]pocket.CreateInput{
		"unknown type":            {Owner: owner, Name: "x", Type: "loan"},
		"expense without subtype": {Owner: owner, Name: "x", Type: ledger.PocketExpense, AccountID: f.bank.ID},
		"expense without account": {Owner: owner, Name: "x", Type: ledger.PocketExpense, Subtype: ledger.SubtypeRecurrent},
		"period without window":   {Owner: owner, Name: "x", Type: ledger.PocketExpense, Subtype: ledger.SubtypePeriod, AccountID: f.bank.ID, AllocatedAmount: dec("10")},
		"period too long":         {Owner: owner, Name: "x", Type: ledger.PocketExpense, Subtype: ledger.SubtypePeriod, AccountID: f.bank.ID, AllocatedAmount: dec("10"), Days: 121},
		"recurrent with window":   {Owner: owner, Name: "x", Type: ledger.PocketExpense, Subtype: ledger.SubtypeRecurrent, AccountID: f.bank.ID, Days: 5},
		"saving with subtype":     {Owner: owner, Name: "x", Type: ledger.PocketSaving, Subtype: ledger.SubtypeFixed, Currency: "COP"},
		"pure saving no currency": {Owner: owner, Name: "x", Type: ledger.PocketSaving},
		"debt without schedule":   {Owner: owner, Name: "x", Type: ledger.PocketDebt, AccountID: f.bank.ID},
		"debt negative interest": {Owner: owner, Name: "x", Type: ledger.PocketDebt, AccountID: f.bank.ID,
			InstallmentAmount: dec("10"), InstallmentsTotal: 2, InterestRate: dec("-1"), NextPayment: today},
		"no name": {Owner: owner, Type: ledger.PocketSaving, Currency: "COP"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.pockets.Create(context.Background(), in)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestCreate_FundingShortfallWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	_, err := f.pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketExpense, Subtype: ledger.SubtypePeriod,
		Name: "Too much", AllocatedAmount: dec("6000"), Days: 30,
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	all, err := f.pockets.List(ctx, owner, pocket.ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreate_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	in := pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketExpense, Subtype: ledger.SubtypeRecurrent,
		Name: "Transport", InitialFunding: dec("100"), IdempotencyKey: "transport",
	}

	first, err := f.pockets.Create(ctx, in)
	require.NoError(t, err)
	second, err := f.pockets.Create(ctx, in)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Pocket.ID, second.Pocket.ID)
	assert.True(t, f.balance(t, f.bank.ID).Equal(dec("4900")))
}

// =============================================================================
// EXPENSES
// =============================================================================

func TestRecordExpense(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.periodPocket(t, "500", 10)

	eff, err := f.pockets.RecordExpense(ctx, pocket.ExpenseInput{Owner: owner, PocketID: pk.ID, Amount: dec("120.25"), Description: "market"})
	require.NoError(t, err)
	assert.True(t, eff.Pocket.CurrentBalance.Equal(dec("379.75")))
	assert.True(t, eff.Pocket.SpentAmount.Equal(dec("120.25")))
	assert.True(t, f.balance(t, f.bank.ID).Equal(dec("4500")), "pocket expenses do not touch the account")

	_, err = f.pockets.RecordExpense(ctx, pocket.ExpenseInput{Owner: owner, PocketID: pk.ID, Amount: dec("400")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance, "period pockets never overdraw")
}

func TestRecordExpense_OnlyOnExpensePockets(t *testing.T) {
	f := setup(t)
	created, err := f.pockets.Create(context.Background(), pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketSaving, Name: "Emergency", InitialFunding: dec("100"),
	})
	require.NoError(t, err)

	_, err = f.pockets.RecordExpense(context.Background(), pocket.ExpenseInput{Owner: owner, PocketID: created.Pocket.ID, Amount: dec("10")})
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestRecordExpense_RecurrentOverdraftFollowsPolicy(t *testing.T) {
	f := setup(t, engine.WithOverdraft(engine.OverdraftPolicy{Recurrent: true}))
	pk := f.recurrentPocket(t, "50")

	eff, err := f.pockets.RecordExpense(context.Background(), pocket.ExpenseInput{Owner: owner, PocketID: pk.ID, Amount: dec("80")})
	require.NoError(t, err)
	assert.True(t, eff.Pocket.CurrentBalance.Equal(dec("-30")))
}

func TestFundAndWithdraw(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.recurrentPocket(t, "100")

	eff, err := f.pockets.Fund(ctx, pocket.FundInput{Owner: owner, PocketID: pk.ID, Amount: dec("50")})
	require.NoError(t, err)
	assert.True(t, eff.Pocket.CurrentBalance.Equal(dec("150")))
	assert.True(t, eff.Pocket.AllocatedAmount.Equal(dec("150")))

	_, err = f.pockets.Fund(ctx, pocket.FundInput{Owner: owner, PocketID: pk.ID, Amount: dec("99999")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	eff, err = f.pockets.Withdraw(ctx, pocket.WithdrawInput{Owner: owner, PocketID: pk.ID, Amount: dec("40"), TargetAccountID: f.savings.ID})
	require.NoError(t, err)
	assert.True(t, eff.Pocket.CurrentBalance.Equal(dec("110")))
	assert.True(t, eff.Pocket.AllocatedAmount.Equal(dec("110")), "a withdrawal gives back allocation")
	assert.Equal(t, ledger.PocketActive, eff.Pocket.Status)
	assert.True(t, f.balance(t, f.savings.ID).Equal(dec("40")))

	_, err = f.pockets.Withdraw(ctx, pocket.WithdrawInput{Owner: owner, PocketID: pk.ID, Amount: dec("111")})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

// =============================================================================
// CLOSE
// =============================================================================

func TestClose_PeriodPocketReturnsUnspentAllocation(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.periodPocket(t, "500", 10)
	f.spend(t, pk.ID, "320")

	closed, err := f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID})
	require.NoError(t, err)

	require.NotNil(t, closed.Return)
	assert.True(t, closed.Return.Amount.Equal(dec("180")))
	assert.True(t, closed.Pocket.CurrentBalance.IsZero())
	assert.Equal(t, ledger.PocketCancelled, closed.Pocket.Status)
	assert.NotNil(t, closed.Pocket.ClosedAt)
	assert.Len(t, f.pocketMovements(t, pk.ID, ledger.MovementPocketReturn), 1)
	assert.True(t, f.balance(t, f.bank.ID).Equal(dec("4680")))

	_, err = f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID})
	assert.ErrorIs(t, err, ledger.ErrInvalidState)

	_, err = f.pockets.Fund(ctx, pocket.FundInput{Owner: owner, PocketID: pk.ID, Amount: dec("1")})
	assert.ErrorIs(t, err, ledger.ErrInvalidState, "a cancelled pocket is never resurrected")
}

func TestClose_AfterPartialWithdraw(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.periodPocket(t, "500", 10)

	// GIVEN: 50 taken back out of the pocket
	eff, err := f.pockets.Withdraw(ctx, pocket.WithdrawInput{Owner: owner, PocketID: pk.ID, Amount: dec("50")})
	require.NoError(t, err)
	assert.True(t, eff.Pocket.CurrentBalance.Equal(dec("450")))
	assert.True(t, eff.Pocket.AllocatedAmount.Equal(dec("450")))
	f.spend(t, pk.ID, "100")

	// WHEN
	closed, err := f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID})

	// THEN: what is left goes back and the pocket ends empty
	require.NoError(t, err)
	require.NotNil(t, closed.Return)
	assert.True(t, closed.Return.Amount.Equal(dec("350")))
	assert.True(t, closed.Pocket.CurrentBalance.IsZero())
	assert.Equal(t, ledger.PocketCancelled, closed.Pocket.Status)
	assert.True(t, f.balance(t, f.bank.ID).Equal(dec("4900")))
}

func TestClose_WithdrawThenRefundThenClose(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.periodPocket(t, "500", 10)

	_, err := f.pockets.Withdraw(ctx, pocket.WithdrawInput{Owner: owner, PocketID: pk.ID, Amount: dec("50")})
	require.NoError(t, err)
	eff, err := f.pockets.Fund(ctx, pocket.FundInput{Owner: owner, PocketID: pk.ID, Amount: dec("50")})
	require.NoError(t, err)
	assert.True(t, eff.Pocket.CurrentBalance.Equal(dec("500")))
	assert.True(t, eff.Pocket.AllocatedAmount.Equal(dec("500")))

	closed, err := f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID})
	require.NoError(t, err)
	assert.True(t, closed.Return.Amount.Equal(dec("500")))
	assert.True(t, f.balance(t, f.bank.ID).Equal(dec("5000")))
}

func TestReturnableAmount_NeverExceedsBalance(t *testing.T) {
	pk := ledger.Pocket{
		Type: ledger.PocketExpense, Subtype: ledger.SubtypeShared,
		AllocatedAmount: dec("500"), SpentAmount: dec("100"), CurrentBalance: dec("250"),
	}
	assert.True(t, pocket.ReturnableAmount(pk).Equal(dec("250")))

	pk.CurrentBalance = dec("-20")
	assert.True(t, pocket.ReturnableAmount(pk).IsZero())
}

func TestClose_ReturnToOtherAccount(t *testing.T) {
	f := setup(t)
	pk := f.periodPocket(t, "500", 10)

	closed, err := f.pockets.Close(context.Background(), pocket.CloseInput{Owner: owner, PocketID: pk.ID, TargetAccountID: f.savings.ID})
	require.NoError(t, err)
	assert.Equal(t, f.savings.ID, closed.Return.AccountID)
	assert.True(t, f.balance(t, f.savings.ID).Equal(dec("500")))
}

func TestClose_RecurrentWithBalanceMustBeEmptiedFirst(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.recurrentPocket(t, "100")

	// WHEN: closing with money still inside
	_, err := f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID})

	// THEN: nothing happens
	require.ErrorIs(t, err, ledger.ErrInvalidState)
	got, err := f.pockets.Get(ctx, owner, pk.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PocketActive, got.Status)

	// WHEN: the balance is withdrawn first
	_, err = f.pockets.Withdraw(ctx, pocket.WithdrawInput{Owner: owner, PocketID: pk.ID, Amount: dec("100")})
	require.NoError(t, err)
	closed, err := f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID})

	// THEN: close succeeds without another movement
	require.NoError(t, err)
	assert.Nil(t, closed.Return)
	assert.Equal(t, ledger.PocketCancelled, closed.Pocket.Status)
}

func TestClose_FailedReturnLeavesPocketUnchanged(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.periodPocket(t, "500", 10)

	_, err := f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID, TargetAccountID: "missing"})
	require.ErrorIs(t, err, ledger.ErrNotFound)

	got, err := f.pockets.Get(ctx, owner, pk.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.PocketActive, got.Status)
	assert.True(t, got.CurrentBalance.Equal(dec("500")))
	assert.Empty(t, f.pocketMovements(t, pk.ID, ledger.MovementPocketReturn))
}

func TestClose_PureSavingNeedsTarget(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	created, err := f.pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, Type: ledger.PocketSaving, Name: "House", Currency: "cop", TargetAmount: dec("100000"),
		InitialFunding: dec("700"), FundingAccountID: f.bank.ID,
	})
	require.NoError(t, err)
	pk := created.Pocket
	assert.Empty(t, pk.AccountID)
	assert.True(t, pk.CurrentBalance.Equal(dec("700")))
	assert.True(t, pk.AllocatedAmount.IsZero(), "only expense pockets track allocation")

	_, err = f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID})
	require.ErrorIs(t, err, ledger.ErrValidation)

	closed, err := f.pockets.Close(ctx, pocket.CloseInput{Owner: owner, PocketID: pk.ID, TargetAccountID: f.savings.ID})
	require.NoError(t, err)
	assert.True(t, closed.Return.Amount.Equal(dec("700")))
	assert.True(t, f.balance(t, f.savings.ID).Equal(dec("700")))
}

// =============================================================================
// DEBT
// =============================================================================

func TestPayInstallment(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	created, err := f.pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketDebt, Name: "Laptop",
		InstallmentAmount: dec("250"), InstallmentsTotal: 2, InterestRate: dec("1.5"),
		NextPayment: ledger.NewDate(2025, time.March, 15), InitialFunding: dec("600"),
	})
	require.NoError(t, err)
	id := created.Pocket.ID

	first, err := f.pockets.PayInstallment(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Pocket.InstallmentCurrent)
	assert.Equal(t, ledger.NewDate(2025, time.April, 15), *first.Pocket.NextPayment)
	assert.True(t, first.Pocket.CurrentBalance.Equal(dec("350")))
	assert.Equal(t, "installment 1/2 of Laptop", first.Movement.Description)

	second, err := f.pockets.PayInstallment(ctx, owner, id)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Pocket.InstallmentCurrent)

	_, err = f.pockets.PayInstallment(ctx, owner, id)
	assert.ErrorIs(t, err, ledger.ErrInvalidState)
}

func TestPayInstallment_UnderfundedDebt(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	created, err := f.pockets.Create(ctx, pocket.CreateInput{
		Owner: owner, AccountID: f.bank.ID, Type: ledger.PocketDebt, Name: "Card",
		InstallmentAmount: dec("250"), InstallmentsTotal: 3, NextPayment: today,
	})
	require.NoError(t, err)

	_, err = f.pockets.PayInstallment(ctx, owner, created.Pocket.ID)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	got, err := f.pockets.Get(ctx, owner, created.Pocket.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.InstallmentCurrent)
	assert.Equal(t, today, *got.NextPayment)
}

// =============================================================================
// SUMMARY
// =============================================================================

func TestSummary(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	pk := f.periodPocket(t, "500", 10)
	f.spend(t, pk.ID, "30")

	s, err := f.pockets.Summary(ctx, owner, pk.ID, today.AddDays(1))
	require.NoError(t, err)
	require.NotNil(t, s.Snapshot)
	assert.True(t, s.Snapshot.Accumulated.Equal(dec("70")))
	assert.Len(t, s.Projection, 9)

	rec := f.recurrentPocket(t, "10")
	s, err = f.pockets.Summary(ctx, owner, rec.ID, ledger.Date{})
	require.NoError(t, err)
	assert.Nil(t, s.Snapshot)
}
