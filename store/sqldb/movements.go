package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/ffs/balance-engine/ledger"
)

// =============================================================================
// MOVEMENTS (append-only)
// =============================================================================

func (s *Store) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Movement(ctx, id)
}

func (s *Store) Movements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Movements(ctx, f)
}

const movementColumns = `id, owner_id, type, amount, currency, account_id, counterparty_id, period_id,
	pocket_id, fixed_expense_id, occurred_at, description, idempotency_key, created_at`

func (c *conn) AppendMovement(ctx context.Context, m ledger.Movement) error {
	_, err := c.exec(ctx, `INSERT INTO movements (`+movementColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Owner, m.Type, m.Amount.String(), m.Currency, m.AccountID,
		nullString(string(m.CounterpartyID)),
		nullString(string(m.PeriodID)),
		nullString(string(m.PocketID)),
		nullString(string(m.FixedExpenseID)),
		formatTime(m.OccurredAt), m.Description,
		nullString(m.IdempotencyKey),
		formatTime(m.CreatedAt),
	)
	if err != nil {
		err = mapError("append movement", err)
		if errors.Is(err, errUniqueViolation) {
			if m.IdempotencyKey != "" {
				return ledger.ErrDuplicateIdempotencyKey
			}
			return ledger.Invalid("id", "movement already exists")
		}
		return err
	}
	return nil
}

func (c *conn) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	row := c.queryRow(ctx, `SELECT `+movementColumns+` FROM movements WHERE id = ?`, id)
	m, err := scanMovement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Movement{}, ledger.NotFound("movement", string(id))
	}
	if err != nil {
		return ledger.Movement{}, mapError("load movement", err)
	}
	return m, nil
}

func (c *conn) Movements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, vals ...any) {
		where = append(where, clause)
		args = append(args, vals...)
	}

	if f.Owner != "" {
		add("owner_id = ?", f.Owner)
	}
	if f.AccountID != "" {
		add("(account_id = ? OR counterparty_id = ?)", f.AccountID, f.AccountID)
	}
	if f.PeriodID != "" {
		add("period_id = ?", f.PeriodID)
	}
	if f.PocketID != "" {
		add("pocket_id = ?", f.PocketID)
	}
	if f.FixedExpenseID != "" {
		add("fixed_expense_id = ?", f.FixedExpenseID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, t := range f.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, "type IN ("+strings.Join(marks, ", ")+")")
	}
	if f.From != nil {
		add("occurred_at >= ?", formatTime(*f.From))
	}
	if f.To != nil {
		add("occurred_at < ?", formatTime(*f.To))
	}

	query := `SELECT ` + movementColumns + ` FROM movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	// With a limit we want the most recent N, still returned oldest first.
	if f.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY occurred_at DESC, created_at DESC LIMIT ?) recent
			ORDER BY occurred_at ASC, created_at ASC`
		args = append(args, f.Limit)
	} else {
		query += " ORDER BY occurred_at ASC, created_at ASC"
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query movements", err)
	}
	defer rows.Close()

	var movements []ledger.Movement
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, mapError("scan movement", err)
		}
		movements = append(movements, m)
	}
	return movements, mapError("query movements", rows.Err())
}

func scanMovement(row rowScanner) (ledger.Movement, error) {
	var (
		m              ledger.Movement
		amount         string
		counterparty   sql.NullString
		periodID       sql.NullString
		pocketID       sql.NullString
		fixedExpenseID sql.NullString
		occurredAt     string
		idempotencyKey sql.NullString
		createdAt      string
	)
	err := row.Scan(
		&m.ID, &m.Owner, &m.Type, &amount, &m.Currency, &m.AccountID,
		&counterparty, &periodID, &pocketID, &fixedExpenseID,
		&occurredAt, &m.Description, &idempotencyKey, &createdAt,
	)
	if err != nil {
		return ledger.Movement{}, err
	}

	m.Amount = ledger.MustParseDecimal(amount)
	m.CounterpartyID = ledger.AccountID(counterparty.String)
	m.PeriodID = ledger.PeriodID(periodID.String)
	m.PocketID = ledger.PocketID(pocketID.String)
	m.FixedExpenseID = ledger.FixedExpenseID(fixedExpenseID.String)
	m.OccurredAt = parseTime(occurredAt)
	m.IdempotencyKey = idempotencyKey.String
	m.CreatedAt = parseTime(createdAt)
	return m, nil
}
