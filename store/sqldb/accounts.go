package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Account(ctx, id)
}

func (s *Store) Accounts(ctx context.Context, owner ledger.OwnerID) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Accounts(ctx, owner)
}

const accountColumns = `id, owner_id, name, currencies, is_primary, version, created_at`

func (c *conn) Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	row := c.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`+c.lockClause(), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.NotFound("account", string(id))
	}
	if err != nil {
		return ledger.Account{}, mapError("load account", err)
	}
	if a.Balances, err = c.balances(ctx, a.ID); err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

func (c *conn) Accounts(ctx context.Context, owner ledger.OwnerID) ([]ledger.Account, error) {
	rows, err := c.query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = ?
		ORDER BY is_primary DESC, created_at ASC`, owner)
	if err != nil {
		return nil, mapError("list accounts", err)
	}
	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			rows.Close()
			return nil, mapError("scan account", err)
		}
		accounts = append(accounts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("list accounts", err)
	}

	// Balances are loaded after the cursor is closed: SQLite runs on a
	// single connection.
	for i := range accounts {
		if accounts[i].Balances, err = c.balances(ctx, accounts[i].ID); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		a          ledger.Account
		currencies string
		createdAt  string
	)
	if err := row.Scan(&a.ID, &a.Owner, &a.Name, &currencies, &a.IsPrimary, &a.Version, &createdAt); err != nil {
		return ledger.Account{}, err
	}
	for _, c := range strings.Split(currencies, ",") {
		if c != "" {
			a.Currencies = append(a.Currencies, ledger.Currency(c))
		}
	}
	a.CreatedAt = parseTime(createdAt)
	return a, nil
}

func (c *conn) balances(ctx context.Context, id ledger.AccountID) (map[ledger.Currency]decimal.Decimal, error) {
	rows, err := c.query(ctx, `SELECT currency, balance FROM account_balances WHERE account_id = ?`, id)
	if err != nil {
		return nil, mapError("load balances", err)
	}
	defer rows.Close()

	out := make(map[ledger.Currency]decimal.Decimal)
	for rows.Next() {
		var currency, balance string
		if err := rows.Scan(&currency, &balance); err != nil {
			return nil, mapError("scan balance", err)
		}
		out[ledger.Currency(currency)] = ledger.MustParseDecimal(balance)
	}
	return out, mapError("load balances", rows.Err())
}

func joinCurrencies(cs []ledger.Currency) string {
	parts := make([]string, len(cs))
	for i, c := range cs {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func (c *conn) InsertAccount(ctx context.Context, a ledger.Account) error {
	_, err := c.exec(ctx, `INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, 1, ?)`,
		a.ID, a.Owner, a.Name, joinCurrencies(a.Currencies), a.IsPrimary, formatTime(a.CreatedAt))
	if err != nil {
		err = mapError("insert account", err)
		if errors.Is(err, errUniqueViolation) {
			return ledger.Invalid("id", "account already exists")
		}
		return err
	}
	return c.writeBalances(ctx, a)
}

func (c *conn) UpdateAccount(ctx context.Context, a ledger.Account) error {
	err := c.versionedUpdate(ctx, "accounts", "account", string(a.ID),
		`UPDATE accounts SET name = ?, currencies = ?, is_primary = ?, version = version + 1
		 WHERE id = ? AND version = ?`,
		a.Name, joinCurrencies(a.Currencies), a.IsPrimary, a.ID, a.Version)
	if err != nil {
		return err
	}
	return c.writeBalances(ctx, a)
}

func (c *conn) writeBalances(ctx context.Context, a ledger.Account) error {
	for currency, balance := range a.Balances {
		_, err := c.exec(ctx, `INSERT INTO account_balances (account_id, currency, balance) VALUES (?, ?, ?)
			ON CONFLICT (account_id, currency) DO UPDATE SET balance = excluded.balance`,
			a.ID, currency, balance.String())
		if err != nil {
			return mapError("write balance", err)
		}
	}
	return nil
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func (s *Store) Idempotency(ctx context.Context, owner ledger.OwnerID, key string) (ledger.IdempotencyRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reader().Idempotency(ctx, owner, key)
}

func (c *conn) Idempotency(ctx context.Context, owner ledger.OwnerID, key string) (ledger.IdempotencyRecord, bool, error) {
	rec := ledger.IdempotencyRecord{Owner: owner, Key: key}
	var createdAt string
	err := c.queryRow(ctx, `SELECT operation, resource_id, created_at FROM idempotency_keys
		WHERE owner_id = ? AND idem_key = ?`, owner, key).Scan(&rec.Operation, &rec.ResourceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return ledger.IdempotencyRecord{}, false, mapError("load idempotency key", err)
	}
	rec.CreatedAt = parseTime(createdAt)
	return rec, true, nil
}

func (c *conn) SaveIdempotency(ctx context.Context, rec ledger.IdempotencyRecord) error {
	_, err := c.exec(ctx, `INSERT INTO idempotency_keys (owner_id, idem_key, operation, resource_id, created_at)
		VALUES (?, ?, ?, ?, ?)`, rec.Owner, rec.Key, rec.Operation, rec.ResourceID, formatTime(rec.CreatedAt))
	if err != nil {
		err = mapError("save idempotency key", err)
		if errors.Is(err, errUniqueViolation) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return err
	}
	return nil
}
