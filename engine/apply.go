package engine

import (
	"context"
	"fmt"

	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

const movementOperation = "movement"

// =============================================================================
// EFFECTS TABLE
// =============================================================================
//
//	type            account          counterparty  period            pocket
//	income          +amount          -             not allowed       not allowed
//	expense         -amount          -             spent += amount   not allowed
//	transfer        -amount          +amount       annotation only   current += amount
//	                                                                 (expense: allocated += amount)
//	pocket_expense  none             -             not allowed       current -= amount
//	                                                                 (expense: spent += amount)
//	pocket_return   +amount          -             not allowed       current -= amount
//	                                                                 (expense: allocated -= amount)
//	fixed_expense   -amount if no    -             not allowed       current -= amount
//	                pocket                                           spent += amount
//
// A transfer names exactly one destination: CounterpartyID or PocketID.

// Apply validates m against the state visible in this unit's transaction and
// writes the movement together with every aggregate it implies.
func (u *Unit) Apply(ctx context.Context, m ledger.Movement) (Effect, error) {
	m.Currency = ledger.NormalizeCurrency(string(m.Currency))
	if err := validateShape(m); err != nil {
		return Effect{}, err
	}

	if m.IdempotencyKey != "" {
		id, found, err := u.Recall(ctx, m.Owner, m.IdempotencyKey, movementOperation)
		if err != nil {
			return Effect{}, err
		}
		if found {
			return u.replay(ctx, m.Owner, ledger.MovementID(id))
		}
	}

	if m.ID == "" {
		m.ID = ledger.MovementID(u.NewID())
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = u.now
	}
	m.CreatedAt = u.now

	plan, err := u.plan(ctx, m)
	if err != nil {
		return Effect{}, err
	}
	return u.commit(ctx, m, plan)
}

// validateShape checks everything that doesn't need the store.
func validateShape(m ledger.Movement) error {
	if m.Owner == "" {
		return ledger.Invalid("owner", "required")
	}
	if !m.Type.Valid() {
		return ledger.Invalid("type", fmt.Sprintf("unknown movement type %q", m.Type))
	}
	if !m.Amount.IsPositive() {
		return ledger.Invalid("amount", "must be greater than zero")
	}
	if m.Currency == "" {
		return ledger.Invalid("currency", "required")
	}
	if m.AccountID == "" {
		return ledger.Invalid("account_id", "required")
	}
	if m.PeriodID != "" && m.PocketID != "" {
		return ledger.Invalid("period_id", "a movement references a period or a pocket, not both")
	}

	switch m.Type {
	case ledger.MovementIncome:
		if m.PeriodID != "" || m.PocketID != "" || m.CounterpartyID != "" || m.FixedExpenseID != "" {
			return ledger.Invalid("type", "income takes only an account")
		}
	case ledger.MovementExpense:
		if m.PocketID != "" || m.CounterpartyID != "" || m.FixedExpenseID != "" {
			return ledger.Invalid("type", "expense takes an account and optionally a period")
		}
	case ledger.MovementTransfer:
		if (m.CounterpartyID == "") == (m.PocketID == "") {
			return ledger.Invalid("counterparty_id", "transfer needs exactly one destination: an account or a pocket")
		}
		if m.CounterpartyID == m.AccountID {
			return ledger.Invalid("counterparty_id", "cannot transfer to the same account")
		}
		if m.FixedExpenseID != "" {
			return ledger.Invalid("fixed_expense_id", "not allowed on transfer")
		}
	case ledger.MovementPocketExpense, ledger.MovementPocketReturn:
		if m.PocketID == "" {
			return ledger.Invalid("pocket_id", "required for "+string(m.Type))
		}
		if m.PeriodID != "" || m.CounterpartyID != "" || m.FixedExpenseID != "" {
			return ledger.Invalid("type", string(m.Type)+" takes only an account and a pocket")
		}
	case ledger.MovementFixedExpense:
		if m.FixedExpenseID == "" {
			return ledger.Invalid("fixed_expense_id", "required for fixed_expense")
		}
		if m.PeriodID != "" || m.CounterpartyID != "" {
			return ledger.Invalid("type", "fixed_expense takes an account, an item and optionally its pocket")
		}
	}
	return nil
}

// plan is the validated set of new aggregate values. Nothing has been
// written when plan returns.
type plan struct {
	account      ledger.Account
	accountDelta decimal.Decimal // zero for pocket-sourced movements
	counterparty *ledger.Account
	period       *ledger.Period
	periodDirty  bool
	pocket       *ledger.Pocket
	pocketDirty  bool
}

func (u *Unit) plan(ctx context.Context, m ledger.Movement) (*plan, error) {
	acc, err := OwnedAccount(ctx, u.tx, m.Owner, m.AccountID)
	if err != nil {
		return nil, err
	}
	if !acc.Holds(m.Currency) {
		return nil, ledger.Invalid("currency", fmt.Sprintf("account %s does not hold %s", acc.ID, m.Currency))
	}
	p := &plan{account: acc, accountDelta: decimal.Zero}

	if m.PeriodID != "" {
		per, err := OwnedPeriod(ctx, u.tx, m.Owner, m.PeriodID)
		if err != nil {
			return nil, err
		}
		p.period = &per
	}
	if m.PocketID != "" {
		pk, err := OwnedPocket(ctx, u.tx, m.Owner, m.PocketID)
		if err != nil {
			return nil, err
		}
		if pk.Status != ledger.PocketActive {
			return nil, &ledger.InvalidStateError{Kind: "pocket", ID: string(pk.ID), Status: string(pk.Status), Operation: "apply " + string(m.Type) + " to"}
		}
		if pk.Currency != m.Currency {
			return nil, ledger.Invalid("currency", fmt.Sprintf("pocket %s is in %s", pk.ID, pk.Currency))
		}
		p.pocket = &pk
	}

	switch m.Type {
	case ledger.MovementIncome:
		p.accountDelta = m.Amount

	case ledger.MovementExpense:
		if err := p.debit(m.Amount, m.Currency); err != nil {
			return nil, err
		}
		if p.period != nil {
			if err := planPeriodSpend(p.period, m); err != nil {
				return nil, err
			}
			p.periodDirty = true
		}

	case ledger.MovementTransfer:
		if err := p.debit(m.Amount, m.Currency); err != nil {
			return nil, err
		}
		if m.CounterpartyID != "" {
			cp, err := OwnedAccount(ctx, u.tx, m.Owner, m.CounterpartyID)
			if err != nil {
				return nil, err
			}
			if !cp.Holds(m.Currency) {
				return nil, ledger.Invalid("currency", fmt.Sprintf("account %s does not hold %s", cp.ID, m.Currency))
			}
			cp.Balances[m.Currency] = cp.Balance(m.Currency).Add(m.Amount)
			p.counterparty = &cp
		} else {
			p.pocket.CurrentBalance = p.pocket.CurrentBalance.Add(m.Amount)
			if p.pocket.TracksSpend() {
				p.pocket.AllocatedAmount = p.pocket.AllocatedAmount.Add(m.Amount)
			}
			p.pocketDirty = true
		}

	case ledger.MovementPocketExpense:
		pk := p.pocket
		if err := requireLinkedAccount(pk, m); err != nil {
			return nil, err
		}
		if pk.CurrentBalance.LessThan(m.Amount) && !u.engine.overdraft.Allows(*pk) {
			return nil, insufficient("pocket", string(pk.ID), m.Currency, pk.CurrentBalance, m.Amount)
		}
		pk.CurrentBalance = pk.CurrentBalance.Sub(m.Amount)
		if pk.TracksSpend() {
			pk.SpentAmount = pk.SpentAmount.Add(m.Amount)
		}
		p.pocketDirty = true

	case ledger.MovementPocketReturn:
		pk := p.pocket
		if pk.CurrentBalance.LessThan(m.Amount) {
			return nil, insufficient("pocket", string(pk.ID), m.Currency, pk.CurrentBalance, m.Amount)
		}
		pk.CurrentBalance = pk.CurrentBalance.Sub(m.Amount)
		if pk.TracksSpend() {
			pk.AllocatedAmount = pk.AllocatedAmount.Sub(m.Amount)
		}
		p.accountDelta = m.Amount
		p.pocketDirty = true

	case ledger.MovementFixedExpense:
		item, err := OwnedFixedExpense(ctx, u.tx, m.Owner, m.FixedExpenseID)
		if err != nil {
			return nil, err
		}
		if item.Currency != m.Currency {
			return nil, ledger.Invalid("currency", fmt.Sprintf("fixed expense %s is in %s", item.ID, item.Currency))
		}
		if p.pocket == nil {
			if err := p.debit(m.Amount, m.Currency); err != nil {
				return nil, err
			}
			break
		}
		pk := p.pocket
		if pk.ID != item.PocketID {
			return nil, ledger.Invalid("pocket_id", fmt.Sprintf("fixed expense %s belongs to pocket %s", item.ID, item.PocketID))
		}
		if err := requireLinkedAccount(pk, m); err != nil {
			return nil, err
		}
		if pk.CurrentBalance.LessThan(m.Amount) && !u.engine.overdraft.Allows(*pk) {
			return nil, insufficient("pocket", string(pk.ID), m.Currency, pk.CurrentBalance, m.Amount)
		}
		pk.CurrentBalance = pk.CurrentBalance.Sub(m.Amount)
		if pk.TracksSpend() {
			pk.SpentAmount = pk.SpentAmount.Add(m.Amount)
		}
		p.pocketDirty = true
	}

	return p, nil
}

func (p *plan) debit(amount decimal.Decimal, c ledger.Currency) error {
	available := p.account.Balance(c)
	if available.LessThan(amount) {
		return insufficient("account", string(p.account.ID), c, available, amount)
	}
	p.accountDelta = amount.Neg()
	return nil
}

func planPeriodSpend(per *ledger.Period, m ledger.Movement) error {
	if per.Status != ledger.PeriodActive {
		return &ledger.InvalidStateError{Kind: "period", ID: string(per.ID), Status: string(per.Status), Operation: "spend against"}
	}
	if per.AccountID != m.AccountID {
		return ledger.Invalid("account_id", fmt.Sprintf("period %s is funded from account %s", per.ID, per.AccountID))
	}
	if per.Currency != m.Currency {
		return ledger.Invalid("currency", fmt.Sprintf("period %s is in %s", per.ID, per.Currency))
	}
	remaining := per.Remaining()
	if remaining.LessThan(m.Amount) {
		return insufficient("period", string(per.ID), m.Currency, remaining, m.Amount)
	}
	per.SpentAmount = per.SpentAmount.Add(m.Amount)
	return nil
}

func requireLinkedAccount(pk *ledger.Pocket, m ledger.Movement) error {
	if pk.AccountID == "" {
		return ledger.Invalid("pocket_id", fmt.Sprintf("pocket %s has no linked account", pk.ID))
	}
	if pk.AccountID != m.AccountID {
		return ledger.Invalid("account_id", fmt.Sprintf("pocket %s is linked to account %s", pk.ID, pk.AccountID))
	}
	return nil
}

func insufficient(scope, id string, c ledger.Currency, available, requested decimal.Decimal) error {
	return &ledger.InsufficientBalanceError{Scope: scope, ID: id, Currency: c, Available: available, Requested: requested}
}

// commit writes the movement and the planned aggregates.
func (u *Unit) commit(ctx context.Context, m ledger.Movement, p *plan) (Effect, error) {
	if err := u.tx.AppendMovement(ctx, m); err != nil {
		return Effect{}, err
	}
	if err := u.Remember(ctx, m.Owner, m.IdempotencyKey, movementOperation, string(m.ID)); err != nil {
		return Effect{}, err
	}

	eff := Effect{Movement: m}
	u.touch(m.Owner)
	u.change.Movements = append(u.change.Movements, m.ID)

	if !p.accountDelta.IsZero() {
		acc := p.account
		acc.Balances[m.Currency] = acc.Balance(m.Currency).Add(p.accountDelta)
		if acc.Balance(m.Currency).IsNegative() {
			return Effect{}, &ledger.InconsistencyError{Kind: "account", ID: string(acc.ID), Detail: "balance would go negative"}
		}
		if err := u.tx.UpdateAccount(ctx, acc); err != nil {
			return Effect{}, err
		}
		acc.Version++
		eff.Account = &acc
		u.touchAccount(acc.ID)
	} else {
		acc := p.account
		eff.Account = &acc
	}

	if p.counterparty != nil {
		cp := *p.counterparty
		if err := u.tx.UpdateAccount(ctx, cp); err != nil {
			return Effect{}, err
		}
		cp.Version++
		eff.Counterparty = &cp
		u.touchAccount(cp.ID)
	}

	if p.period != nil {
		per := *p.period
		if p.periodDirty {
			if err := u.tx.UpdatePeriod(ctx, per); err != nil {
				return Effect{}, err
			}
			per.Version++
			u.touchPeriod(per.ID)
		}
		eff.Period = &per
	}

	if p.pocket != nil {
		pk := *p.pocket
		if p.pocketDirty {
			if err := u.tx.UpdatePocket(ctx, pk); err != nil {
				return Effect{}, err
			}
			pk.Version++
			u.touchPocket(pk.ID)
		}
		eff.Pocket = &pk
	}

	return eff, nil
}

// replay returns the stored movement for a repeated idempotency key, with the
// aggregates as they are now.
func (u *Unit) replay(ctx context.Context, owner ledger.OwnerID, id ledger.MovementID) (Effect, error) {
	m, err := u.tx.Movement(ctx, id)
	if err != nil {
		return Effect{}, err
	}
	if m.Owner != owner {
		return Effect{}, ledger.NotFound("movement", string(id))
	}
	eff := Effect{Movement: m, Replayed: true}
	if acc, err := u.tx.Account(ctx, m.AccountID); err == nil {
		eff.Account = &acc
	}
	if m.PocketID != "" {
		if pk, err := u.tx.Pocket(ctx, m.PocketID); err == nil {
			eff.Pocket = &pk
		}
	}
	if m.PeriodID != "" {
		if per, err := u.tx.Period(ctx, m.PeriodID); err == nil {
			eff.Period = &per
		}
	}
	return eff, nil
}
