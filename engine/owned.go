package engine

import (
	"context"

	"github.com/ffs/balance-engine/ledger"
)

// Owned* load an aggregate and hide it unless it belongs to owner. Another
// owner's record is reported as not found, never as forbidden.

func OwnedAccount(ctx context.Context, r ledger.Reader, owner ledger.OwnerID, id ledger.AccountID) (ledger.Account, error) {
	a, err := r.Account(ctx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	if a.Owner != owner {
		return ledger.Account{}, ledger.NotFound("account", string(id))
	}
	return a, nil
}

func OwnedPeriod(ctx context.Context, r ledger.Reader, owner ledger.OwnerID, id ledger.PeriodID) (ledger.Period, error) {
	p, err := r.Period(ctx, id)
	if err != nil {
		return ledger.Period{}, err
	}
	if p.Owner != owner {
		return ledger.Period{}, ledger.NotFound("period", string(id))
	}
	return p, nil
}

func OwnedPocket(ctx context.Context, r ledger.Reader, owner ledger.OwnerID, id ledger.PocketID) (ledger.Pocket, error) {
	p, err := r.Pocket(ctx, id)
	if err != nil {
		return ledger.Pocket{}, err
	}
	if p.Owner != owner {
		return ledger.Pocket{}, ledger.NotFound("pocket", string(id))
	}
	return p, nil
}

func OwnedFixedExpense(ctx context.Context, r ledger.Reader, owner ledger.OwnerID, id ledger.FixedExpenseID) (ledger.FixedExpenseItem, error) {
	item, err := r.FixedExpense(ctx, id)
	if err != nil {
		return ledger.FixedExpenseItem{}, err
	}
	if item.Owner != owner {
		return ledger.FixedExpenseItem{}, ledger.NotFound("fixed_expense", string(id))
	}
	return item, nil
}

// PrimaryAccount returns the owner's primary account.
func PrimaryAccount(ctx context.Context, r ledger.Reader, owner ledger.OwnerID) (ledger.Account, error) {
	accounts, err := r.Accounts(ctx, owner)
	if err != nil {
		return ledger.Account{}, err
	}
	for _, a := range accounts {
		if a.IsPrimary {
			return a, nil
		}
	}
	return ledger.Account{}, ledger.NotFound("primary account for owner", string(owner))
}
