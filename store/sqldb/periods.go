package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/ffs/balance-engine/ledger"
)

// =============================================================================
// PERIODS
// =============================================================================

func (s *Store) Period(ctx context.Context, id ledger.PeriodID) (ledger.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Period(ctx, id)
}

func (s *Store) Periods(ctx context.Context, f ledger.PeriodFilter) ([]ledger.Period, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Periods(ctx, f)
}

const periodColumns = `id, owner_id, account_id, name, percentage, days, allocated_amount, spent_amount,
	daily_amount, currency, starts_at, ends_at, status, created_at, finished_at, version`

func (c *conn) Period(ctx context.Context, id ledger.PeriodID) (ledger.Period, error) {
	row := c.queryRow(ctx, `SELECT `+periodColumns+` FROM periods WHERE id = ?`+c.lockClause(), id)
	p, err := scanPeriod(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Period{}, ledger.NotFound("period", string(id))
	}
	if err != nil {
		return ledger.Period{}, mapError("load period", err)
	}
	return p, nil
}

func (c *conn) Periods(ctx context.Context, f ledger.PeriodFilter) ([]ledger.Period, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.Owner)
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.EndsBefore != nil {
		where = append(where, "ends_at < ?")
		args = append(args, formatDate(*f.EndsBefore))
	}

	query := `SELECT ` + periodColumns + ` FROM periods`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY starts_at DESC, created_at DESC"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query periods", err)
	}
	defer rows.Close()

	var periods []ledger.Period
	for rows.Next() {
		p, err := scanPeriod(rows)
		if err != nil {
			return nil, mapError("scan period", err)
		}
		periods = append(periods, p)
	}
	return periods, mapError("query periods", rows.Err())
}

func scanPeriod(row rowScanner) (ledger.Period, error) {
	var (
		p                                ledger.Period
		percentage, allocated, spent     string
		daily, startsAt, endsAt, created string
		finishedAt                       sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.Owner, &p.AccountID, &p.Name, &percentage, &p.Days, &allocated, &spent,
		&daily, &p.Currency, &startsAt, &endsAt, &p.Status, &created, &finishedAt, &p.Version,
	)
	if err != nil {
		return ledger.Period{}, err
	}
	p.Percentage = ledger.MustParseDecimal(percentage)
	p.AllocatedAmount = ledger.MustParseDecimal(allocated)
	p.SpentAmount = ledger.MustParseDecimal(spent)
	p.DailyAmount = ledger.MustParseDecimal(daily)
	p.StartsAt = parseDate(startsAt)
	p.EndsAt = parseDate(endsAt)
	p.CreatedAt = parseTime(created)
	p.FinishedAt = scanNullTime(finishedAt)
	return p, nil
}

func (c *conn) InsertPeriod(ctx context.Context, p ledger.Period) error {
	_, err := c.exec(ctx, `INSERT INTO periods (`+periodColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		p.ID, p.Owner, p.AccountID, p.Name, p.Percentage.String(), p.Days,
		p.AllocatedAmount.String(), p.SpentAmount.String(), p.DailyAmount.String(), p.Currency,
		formatDate(p.StartsAt), formatDate(p.EndsAt), p.Status, formatTime(p.CreatedAt), nullTime(p.FinishedAt),
	)
	if err != nil {
		err = mapError("insert period", err)
		if errors.Is(err, errUniqueViolation) {
			return ledger.Invalid("id", "period already exists")
		}
		return err
	}
	return nil
}

func (c *conn) UpdatePeriod(ctx context.Context, p ledger.Period) error {
	return c.versionedUpdate(ctx, "periods", "period", string(p.ID),
		`UPDATE periods SET name = ?, allocated_amount = ?, spent_amount = ?, daily_amount = ?,
			status = ?, finished_at = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		p.Name, p.AllocatedAmount.String(), p.SpentAmount.String(), p.DailyAmount.String(),
		p.Status, nullTime(p.FinishedAt), p.ID, p.Version,
	)
}
