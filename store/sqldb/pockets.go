package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/ffs/balance-engine/ledger"
)

// =============================================================================
// POCKETS
// =============================================================================

func (s *Store) Pocket(ctx context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Pocket(ctx, id)
}

func (s *Store) Pockets(ctx context.Context, f ledger.PocketFilter) ([]ledger.Pocket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Pockets(ctx, f)
}

const pocketColumns = `id, owner_id, account_id, type, subtype, name, emoji, currency, current_balance,
	target_amount, allocated_amount, spent_amount, starts_at, ends_at, daily_allowance,
	installment_amount, installments_total, installment_current, interest_rate, next_payment,
	status, created_at, closed_at, version`

func (c *conn) Pocket(ctx context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	row := c.queryRow(ctx, `SELECT `+pocketColumns+` FROM pockets WHERE id = ?`+c.lockClause(), id)
	p, err := scanPocket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Pocket{}, ledger.NotFound("pocket", string(id))
	}
	if err != nil {
		return ledger.Pocket{}, mapError("load pocket", err)
	}
	return p, nil
}

func (c *conn) Pockets(ctx context.Context, f ledger.PocketFilter) ([]ledger.Pocket, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.Owner)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + pocketColumns + ` FROM pockets`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query pockets", err)
	}
	defer rows.Close()

	var pockets []ledger.Pocket
	for rows.Next() {
		p, err := scanPocket(rows)
		if err != nil {
			return nil, mapError("scan pocket", err)
		}
		pockets = append(pockets, p)
	}
	return pockets, mapError("query pockets", rows.Err())
}

func scanPocket(row rowScanner) (ledger.Pocket, error) {
	var (
		p                                       ledger.Pocket
		accountID                               sql.NullString
		current, target, allocated, spent       string
		daily, installment, interest, created   string
		startsAt, endsAt, nextPayment, closedAt sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Owner, &accountID, &p.Type, &p.Subtype, &p.Name, &p.Emoji, &p.Currency, &current,
		&target, &allocated, &spent, &startsAt, &endsAt, &daily,
		&installment, &p.InstallmentsTotal, &p.InstallmentCurrent, &interest, &nextPayment,
		&p.Status, &created, &closedAt, &p.Version,
	)
	if err != nil {
		return ledger.Pocket{}, err
	}
	p.AccountID = ledger.AccountID(accountID.String)
	p.CurrentBalance = ledger.MustParseDecimal(current)
	p.TargetAmount = ledger.MustParseDecimal(target)
	p.AllocatedAmount = ledger.MustParseDecimal(allocated)
	p.SpentAmount = ledger.MustParseDecimal(spent)
	p.StartsAt = scanNullDate(startsAt)
	p.EndsAt = scanNullDate(endsAt)
	p.DailyAllowance = ledger.MustParseDecimal(daily)
	p.InstallmentAmount = ledger.MustParseDecimal(installment)
	p.InterestRate = ledger.MustParseDecimal(interest)
	p.NextPayment = scanNullDate(nextPayment)
	p.CreatedAt = parseTime(created)
	p.ClosedAt = scanNullTime(closedAt)
	return p, nil
}

func (c *conn) InsertPocket(ctx context.Context, p ledger.Pocket) error {
	_, err := c.exec(ctx, `INSERT INTO pockets (`+pocketColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		p.ID, p.Owner, nullString(string(p.AccountID)), p.Type, p.Subtype, p.Name, p.Emoji, p.Currency,
		p.CurrentBalance.String(), p.TargetAmount.String(), p.AllocatedAmount.String(), p.SpentAmount.String(),
		nullDate(p.StartsAt), nullDate(p.EndsAt), p.DailyAllowance.String(),
		p.InstallmentAmount.String(), p.InstallmentsTotal, p.InstallmentCurrent, p.InterestRate.String(),
		nullDate(p.NextPayment), p.Status, formatTime(p.CreatedAt), nullTime(p.ClosedAt),
	)
	if err != nil {
		err = mapError("insert pocket", err)
		if errors.Is(err, errUniqueViolation) {
			return ledger.Invalid("id", "pocket already exists")
		}
		return err
	}
	return nil
}

func (c *conn) UpdatePocket(ctx context.Context, p ledger.Pocket) error {
	return c.versionedUpdate(ctx, "pockets", "pocket", string(p.ID),
		`UPDATE pockets SET name = ?, emoji = ?, current_balance = ?, target_amount = ?,
			allocated_amount = ?, spent_amount = ?, starts_at = ?, ends_at = ?, daily_allowance = ?,
			installment_current = ?, next_payment = ?, status = ?, closed_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		p.Name, p.Emoji, p.CurrentBalance.String(), p.TargetAmount.String(),
		p.AllocatedAmount.String(), p.SpentAmount.String(), nullDate(p.StartsAt), nullDate(p.EndsAt),
		p.DailyAllowance.String(), p.InstallmentCurrent, nullDate(p.NextPayment), p.Status,
		nullTime(p.ClosedAt), p.ID, p.Version,
	)
}

// =============================================================================
// FIXED EXPENSE ITEMS
// =============================================================================

func (s *Store) FixedExpense(ctx context.Context, id ledger.FixedExpenseID) (ledger.FixedExpenseItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().FixedExpense(ctx, id)
}

func (s *Store) FixedExpenses(ctx context.Context, pocketID ledger.PocketID) ([]ledger.FixedExpenseItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().FixedExpenses(ctx, pocketID)
}

const fixedExpenseColumns = `id, pocket_id, owner_id, name, amount, currency, due_day, created_at`

func (c *conn) FixedExpense(ctx context.Context, id ledger.FixedExpenseID) (ledger.FixedExpenseItem, error) {
	row := c.queryRow(ctx, `SELECT `+fixedExpenseColumns+` FROM fixed_expenses WHERE id = ?`, id)
	item, err := scanFixedExpense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.FixedExpenseItem{}, ledger.NotFound("fixed_expense", string(id))
	}
	if err != nil {
		return ledger.FixedExpenseItem{}, mapError("load fixed expense", err)
	}
	return item, nil
}

func (c *conn) FixedExpenses(ctx context.Context, pocketID ledger.PocketID) ([]ledger.FixedExpenseItem, error) {
	rows, err := c.query(ctx, `SELECT `+fixedExpenseColumns+` FROM fixed_expenses
		WHERE pocket_id = ? ORDER BY due_day ASC, name ASC`, pocketID)
	if err != nil {
		return nil, mapError("query fixed expenses", err)
	}
	defer rows.Close()

	var items []ledger.FixedExpenseItem
	for rows.Next() {
		item, err := scanFixedExpense(rows)
		if err != nil {
			return nil, mapError("scan fixed expense", err)
		}
		items = append(items, item)
	}
	return items, mapError("query fixed expenses", rows.Err())
}

func scanFixedExpense(row rowScanner) (ledger.FixedExpenseItem, error) {
	var (
		item              ledger.FixedExpenseItem
		amount, createdAt string
	)
	err := row.Scan(&item.ID, &item.PocketID, &item.Owner, &item.Name, &amount, &item.Currency, &item.DueDay, &createdAt)
	if err != nil {
		return ledger.FixedExpenseItem{}, err
	}
	item.Amount = ledger.MustParseDecimal(amount)
	item.CreatedAt = parseTime(createdAt)
	return item, nil
}

func (c *conn) InsertFixedExpense(ctx context.Context, item ledger.FixedExpenseItem) error {
	_, err := c.exec(ctx, `INSERT INTO fixed_expenses (`+fixedExpenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.PocketID, item.Owner, item.Name, item.Amount.String(), item.Currency, item.DueDay,
		formatTime(item.CreatedAt))
	if err != nil {
		err = mapError("insert fixed expense", err)
		if errors.Is(err, errUniqueViolation) {
			return ledger.Invalid("id", "fixed expense already exists")
		}
		return err
	}
	return nil
}
