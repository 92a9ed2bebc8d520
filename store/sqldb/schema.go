package sqldb

import (
	"context"
	"fmt"
)

// schema is portable between SQLite and PostgreSQL: TEXT for decimals, dates
// and timestamps, BIGINT versions, partial unique indexes for optional keys.
var schema = []string{
	// Accounts
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		currencies TEXT NOT NULL,
		is_primary BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_accounts_owner ON accounts(owner_id)`,

	`CREATE TABLE IF NOT EXISTS account_balances (
		account_id TEXT NOT NULL REFERENCES accounts(id),
		currency TEXT NOT NULL,
		balance TEXT NOT NULL,
		PRIMARY KEY (account_id, currency)
	)`,

	// Movements (append-only ledger)
	`CREATE TABLE IF NOT EXISTS movements (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		account_id TEXT NOT NULL,
		counterparty_id TEXT,
		period_id TEXT,
		pocket_id TEXT,
		fixed_expense_id TEXT,
		occurred_at TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_movements_idempotency
		ON movements(owner_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_movements_owner_occurred
		ON movements(owner_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_account
		ON movements(account_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS idx_movements_period
		ON movements(period_id) WHERE period_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_movements_pocket
		ON movements(pocket_id) WHERE pocket_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_movements_fixed_expense
		ON movements(fixed_expense_id) WHERE fixed_expense_id IS NOT NULL`,

	// Periods
	`CREATE TABLE IF NOT EXISTS periods (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		name TEXT NOT NULL,
		percentage TEXT NOT NULL,
		days INTEGER NOT NULL,
		allocated_amount TEXT NOT NULL,
		spent_amount TEXT NOT NULL,
		daily_amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		starts_at TEXT NOT NULL,
		ends_at TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		finished_at TEXT,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_periods_owner_status ON periods(owner_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_periods_status_ends ON periods(status, ends_at)`,

	// Pockets
	`CREATE TABLE IF NOT EXISTS pockets (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		account_id TEXT,
		type TEXT NOT NULL,
		subtype TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		emoji TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		target_amount TEXT NOT NULL DEFAULT '0',
		allocated_amount TEXT NOT NULL DEFAULT '0',
		spent_amount TEXT NOT NULL DEFAULT '0',
		starts_at TEXT,
		ends_at TEXT,
		daily_allowance TEXT NOT NULL DEFAULT '0',
		installment_amount TEXT NOT NULL DEFAULT '0',
		installments_total INTEGER NOT NULL DEFAULT 0,
		installment_current INTEGER NOT NULL DEFAULT 0,
		interest_rate TEXT NOT NULL DEFAULT '0',
		next_payment TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		closed_at TEXT,
		version BIGINT NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pockets_owner ON pockets(owner_id, status)`,

	// Fixed expense items
	`CREATE TABLE IF NOT EXISTS fixed_expenses (
		id TEXT PRIMARY KEY,
		pocket_id TEXT NOT NULL REFERENCES pockets(id),
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		due_day INTEGER NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_fixed_expenses_pocket ON fixed_expenses(pocket_id)`,

	// Idempotency keys for composite operations
	`CREATE TABLE IF NOT EXISTS idempotency_keys (
		owner_id TEXT NOT NULL,
		idem_key TEXT NOT NULL,
		operation TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (owner_id, idem_key)
	)`,

	// Exchange rates (display-only conversion)
	`CREATE TABLE IF NOT EXISTS exchange_rates (
		from_currency TEXT NOT NULL,
		to_currency TEXT NOT NULL,
		rate_date TEXT NOT NULL,
		rate TEXT NOT NULL,
		PRIMARY KEY (from_currency, to_currency, rate_date)
	)`,
}

// migrate creates the database schema. Statements run one by one so the
// same list works with drivers that reject multi-statement Exec.
func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
