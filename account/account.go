/*
Package account covers account creation and the plain money movements on
accounts: income, expense and account-to-account transfer.

PURPOSE:
  Accounts hold one balance per configured currency. Every balance change
  goes through the engine; this package only shapes the request.

PRIMARY ACCOUNT:
  Each owner has at most one primary account. The first account an owner
  creates becomes primary. Creating another with IsPrimary demotes the
  previous one in the same transaction. Refunds default to the primary.

SEE ALSO:
  - engine/apply.go: the effects of income, expense and transfer
  - fx/fx.go: display-only conversion used by Balance
*/
package account

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/fx"
	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

const createOperation = "create_account"

type Service struct {
	Engine *engine.Engine
	Rates  fx.RateSource // optional; nil means no conversions
}

// =============================================================================
// CREATE
// =============================================================================

type CreateInput struct {
	Owner          ledger.OwnerID
	Name           string
	Currencies     []string
	IsPrimary      bool
	IdempotencyKey string
}

func (in CreateInput) validate() ([]ledger.Currency, error) {
	if in.Owner == "" {
		return nil, ledger.Invalid("owner", "required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return nil, ledger.Invalid("name", "required")
	}
	if len(in.Currencies) == 0 {
		return nil, ledger.Invalid("currencies", "at least one currency is required")
	}
	seen := make(map[ledger.Currency]bool, len(in.Currencies))
	out := make([]ledger.Currency, 0, len(in.Currencies))
	for _, raw := range in.Currencies {
		c := ledger.NormalizeCurrency(raw)
		if !validCurrency(c) {
			return nil, ledger.Invalid("currencies", fmt.Sprintf("%q is not a 3-letter currency code", raw))
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func validCurrency(c ledger.Currency) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// Create opens an account with zero balances in each currency.
func (s *Service) Create(ctx context.Context, in CreateInput) (ledger.Account, error) {
	currencies, err := in.validate()
	if err != nil {
		return ledger.Account{}, err
	}

	var created ledger.Account
	err = s.Engine.Atomic(ctx, createOperation, func(u *engine.Unit) error {
		if id, found, err := u.Recall(ctx, in.Owner, in.IdempotencyKey, createOperation); err != nil {
			return err
		} else if found {
			created, err = engine.OwnedAccount(ctx, u.Tx(), in.Owner, ledger.AccountID(id))
			return err
		}

		existing, err := u.Tx().Accounts(ctx, in.Owner)
		if err != nil {
			return err
		}
		primary := in.IsPrimary || len(existing) == 0
		if primary {
			for _, a := range existing {
				if !a.IsPrimary {
					continue
				}
				a.IsPrimary = false
				if _, err := u.UpdateAccount(ctx, a); err != nil {
					return fmt.Errorf("demote primary account %s: %w", a.ID, err)
				}
			}
		}

		balances := make(map[ledger.Currency]decimal.Decimal, len(currencies))
		for _, c := range currencies {
			balances[c] = decimal.Zero
		}
		created, err = u.InsertAccount(ctx, ledger.Account{
			ID:         ledger.AccountID(u.NewID()),
			Owner:      in.Owner,
			Name:       strings.TrimSpace(in.Name),
			Currencies: currencies,
			Balances:   balances,
			IsPrimary:  primary,
			CreatedAt:  u.Now(),
		})
		if err != nil {
			return err
		}
		return u.Remember(ctx, in.Owner, in.IdempotencyKey, createOperation, string(created.ID))
	})
	return created, err
}

// =============================================================================
// MOVEMENTS
// =============================================================================

// MovementInput is the common shape of income and expense requests.
type MovementInput struct {
	Owner          ledger.OwnerID
	AccountID      ledger.AccountID
	Amount         decimal.Decimal
	Currency       string
	Description    string
	OccurredAt     time.Time // zero means now
	IdempotencyKey string
}

func (in MovementInput) movement(t ledger.MovementType) ledger.Movement {
	return ledger.Movement{
		Owner:          in.Owner,
		Type:           t,
		Amount:         in.Amount,
		Currency:       ledger.NormalizeCurrency(in.Currency),
		AccountID:      in.AccountID,
		Description:    in.Description,
		OccurredAt:     in.OccurredAt,
		IdempotencyKey: in.IdempotencyKey,
	}
}

func (s *Service) Income(ctx context.Context, in MovementInput) (engine.Effect, error) {
	return s.Engine.ApplyMovement(ctx, in.movement(ledger.MovementIncome))
}

type ExpenseInput struct {
	MovementInput
	// PeriodID optionally charges the expense against an active period
	// funded from the same account.
	PeriodID ledger.PeriodID
}

func (s *Service) Expense(ctx context.Context, in ExpenseInput) (engine.Effect, error) {
	m := in.movement(ledger.MovementExpense)
	m.PeriodID = in.PeriodID
	return s.Engine.ApplyMovement(ctx, m)
}

type TransferInput struct {
	MovementInput
	ToAccountID ledger.AccountID
}

// Transfer moves money between two accounts of the same owner in one currency.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (engine.Effect, error) {
	if in.ToAccountID == "" {
		return engine.Effect{}, ledger.Invalid("to_account_id", "required")
	}
	m := in.movement(ledger.MovementTransfer)
	m.CounterpartyID = in.ToAccountID
	return s.Engine.ApplyMovement(ctx, m)
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, owner ledger.OwnerID, id ledger.AccountID) (ledger.Account, error) {
	return engine.OwnedAccount(ctx, s.Engine.Reader(), owner, id)
}

func (s *Service) List(ctx context.Context, owner ledger.OwnerID) ([]ledger.Account, error) {
	return s.Engine.Reader().Accounts(ctx, owner)
}

// Movements lists the owner's ledger. The filter's Owner is always replaced;
// referenced aggregates must belong to owner.
func (s *Service) Movements(ctx context.Context, owner ledger.OwnerID, f ledger.MovementFilter) ([]ledger.Movement, error) {
	r := s.Engine.Reader()
	if f.AccountID != "" {
		if _, err := engine.OwnedAccount(ctx, r, owner, f.AccountID); err != nil {
			return nil, err
		}
	}
	if f.PeriodID != "" {
		if _, err := engine.OwnedPeriod(ctx, r, owner, f.PeriodID); err != nil {
			return nil, err
		}
	}
	if f.PocketID != "" {
		if _, err := engine.OwnedPocket(ctx, r, owner, f.PocketID); err != nil {
			return nil, err
		}
	}
	f.Owner = owner
	return r.Movements(ctx, f)
}

// BalanceView is an account's native balances plus an optional converted
// view. Display values are informational; the ledger never stores them.
type BalanceView struct {
	Account ledger.Account
	Native  map[ledger.Currency]decimal.Decimal
	Display *fx.Display
}

// Balance returns native balances and, when display is set, their
// conversion into display using the rates in effect today.
func (s *Service) Balance(ctx context.Context, owner ledger.OwnerID, id ledger.AccountID, display string) (BalanceView, error) {
	acc, err := s.Get(ctx, owner, id)
	if err != nil {
		return BalanceView{}, err
	}
	view := BalanceView{Account: acc, Native: acc.Balances}
	if display == "" {
		return view, nil
	}

	target := ledger.NormalizeCurrency(display)
	if !validCurrency(target) {
		return BalanceView{}, ledger.Invalid("display_currency", fmt.Sprintf("%q is not a 3-letter currency code", display))
	}
	d, err := fx.DisplayBalances(ctx, s.Rates, s.Engine.Today(), acc.Balances, target)
	if err != nil {
		return BalanceView{}, err
	}
	view.Display = &d
	return view, nil
}
