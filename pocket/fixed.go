package pocket

import (
	"context"
	"fmt"
	"strings"

	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// FIXED EXPENSE ITEMS - recurring bills paid from a fixed pocket
// =============================================================================
//
// An item has no stored "paid" flag. Whether it is paid for a month is
// derived from the fixed_expense movements of that month that reference the
// item. Rows written before the reference existed can only be matched by the
// item name appearing in the description; such matches are reported with
// LegacyMatch so callers can show them as uncertain.

type FixedExpenseInput struct {
	Owner    ledger.OwnerID
	PocketID ledger.PocketID
	Name     string
	Amount   decimal.Decimal
	DueDay   int // 1-31; clamped to the month's last day
}

func (s *Service) AddFixedExpense(ctx context.Context, in FixedExpenseInput) (ledger.FixedExpenseItem, error) {
	if strings.TrimSpace(in.Name) == "" {
		return ledger.FixedExpenseItem{}, ledger.Invalid("name", "required")
	}
	if !in.Amount.IsPositive() {
		return ledger.FixedExpenseItem{}, ledger.Invalid("amount", "must be greater than zero")
	}
	if in.DueDay < 1 || in.DueDay > 31 {
		return ledger.FixedExpenseItem{}, ledger.Invalid("due_day", "must be between 1 and 31")
	}

	var item ledger.FixedExpenseItem
	err := s.Engine.Atomic(ctx, "add_fixed_expense", func(u *engine.Unit) error {
		pk, err := engine.OwnedPocket(ctx, u.Tx(), in.Owner, in.PocketID)
		if err != nil {
			return err
		}
		if pk.Type != ledger.PocketExpense || pk.Subtype != ledger.SubtypeFixed {
			return ledger.Invalid("pocket_id", fmt.Sprintf("pocket %s is not a fixed expense pocket", pk.ID))
		}
		if pk.Status != ledger.PocketActive {
			return &ledger.InvalidStateError{Kind: "pocket", ID: string(pk.ID), Status: string(pk.Status), Operation: "add a fixed expense to"}
		}
		item = ledger.FixedExpenseItem{
			ID:        ledger.FixedExpenseID(u.NewID()),
			PocketID:  pk.ID,
			Owner:     in.Owner,
			Name:      strings.TrimSpace(in.Name),
			Amount:    in.Amount,
			Currency:  pk.Currency,
			DueDay:    in.DueDay,
			CreatedAt: u.Now(),
		}
		return u.InsertFixedExpense(ctx, item)
	})
	return item, err
}

func (s *Service) ListFixedExpenses(ctx context.Context, owner ledger.OwnerID, pocketID ledger.PocketID) ([]ledger.FixedExpenseItem, error) {
	r := s.Engine.Reader()
	if _, err := engine.OwnedPocket(ctx, r, owner, pocketID); err != nil {
		return nil, err
	}
	return r.FixedExpenses(ctx, pocketID)
}

type PayFixedInput struct {
	Owner  ledger.OwnerID
	ItemID ledger.FixedExpenseID
	// AccountID pays straight from an account instead of the item's pocket.
	AccountID ledger.AccountID
	// Amount defaults to the item amount.
	Amount         decimal.Decimal
	IdempotencyKey string
}

// PayFixedExpense records a fixed_expense movement that references the item.
func (s *Service) PayFixedExpense(ctx context.Context, in PayFixedInput) (engine.Effect, error) {
	var eff engine.Effect
	err := s.Engine.Atomic(ctx, "pay_fixed_expense", func(u *engine.Unit) error {
		item, err := engine.OwnedFixedExpense(ctx, u.Tx(), in.Owner, in.ItemID)
		if err != nil {
			return err
		}
		amount := in.Amount
		if amount.IsZero() {
			amount = item.Amount
		}

		m := ledger.Movement{
			Owner:          in.Owner,
			Type:           ledger.MovementFixedExpense,
			Amount:         amount,
			Currency:       item.Currency,
			AccountID:      in.AccountID,
			FixedExpenseID: item.ID,
			Description:    item.Name,
			IdempotencyKey: in.IdempotencyKey,
		}
		if in.AccountID == "" {
			pk, err := engine.OwnedPocket(ctx, u.Tx(), in.Owner, item.PocketID)
			if err != nil {
				return err
			}
			m.AccountID = pk.AccountID
			m.PocketID = pk.ID
		}
		eff, err = u.Apply(ctx, m)
		return err
	})
	return eff, err
}

// ItemStatus is the paid state of one item for one month.
type ItemStatus struct {
	Item    ledger.FixedExpenseItem
	DueDate ledger.Date
	Paid    bool
	PaidBy  ledger.MovementID
	// LegacyMatch is set when Paid rests on a description match only.
	LegacyMatch bool
	Overdue     bool
}

// FixedExpenseStatus reports, for every item of a pocket, whether it was
// paid in the month containing month. today decides Overdue.
func (s *Service) FixedExpenseStatus(ctx context.Context, owner ledger.OwnerID, pocketID ledger.PocketID, month, today ledger.Date) ([]ItemStatus, error) {
	items, err := s.ListFixedExpenses(ctx, owner, pocketID)
	if err != nil {
		return nil, err
	}
	if today.IsZero() {
		today = s.Engine.Today()
	}
	if month.IsZero() {
		month = today
	}

	first := ledger.StartOfMonth(month.Year(), month.Month())
	from, to := first.Time(), first.AddMonths(1).Time()
	movements, err := s.Engine.Reader().Movements(ctx, ledger.MovementFilter{
		Owner: owner,
		Types: []ledger.MovementType{ledger.MovementFixedExpense, ledger.MovementPocketExpense, ledger.MovementExpense},
		From:  &from,
		To:    &to,
	})
	if err != nil {
		return nil, err
	}

	out := make([]ItemStatus, 0, len(items))
	for _, item := range items {
		st := ItemStatus{Item: item, DueDate: dueDate(first, item.DueDay)}
		if id, ok := directPayment(item, movements); ok {
			st.Paid, st.PaidBy = true, id
		} else if id, ok := legacyPayment(item, movements); ok {
			st.Paid, st.PaidBy, st.LegacyMatch = true, id, true
		}
		st.Overdue = !st.Paid && today.After(st.DueDate)
		out = append(out, st)
	}
	return out, nil
}

func dueDate(first ledger.Date, day int) ledger.Date {
	last := ledger.EndOfMonth(first.Year(), first.Month())
	if day > last.Day() {
		return last
	}
	return ledger.NewDate(first.Year(), first.Month(), day)
}

func directPayment(item ledger.FixedExpenseItem, ms []ledger.Movement) (ledger.MovementID, bool) {
	for _, m := range ms {
		if m.FixedExpenseID == item.ID {
			return m.ID, true
		}
	}
	return "", false
}

// legacyPayment matches unreferenced movements of the item's pocket by name.
func legacyPayment(item ledger.FixedExpenseItem, ms []ledger.Movement) (ledger.MovementID, bool) {
	name := strings.ToLower(item.Name)
	for _, m := range ms {
		if m.FixedExpenseID != "" || m.Currency != item.Currency {
			continue
		}
		if m.PocketID != "" && m.PocketID != item.PocketID {
			continue
		}
		if strings.Contains(strings.ToLower(m.Description), name) {
			return m.ID, true
		}
	}
	return "", false
}
