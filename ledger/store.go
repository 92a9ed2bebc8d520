/*
store.go - Persistence interfaces for accounts, movements, periods and pockets

PURPOSE:
  Defines the boundary between the accounting rules and the database.
  Implementations: ledger/store (in-memory, tests and dev) and store/sqldb
  (SQLite and Postgres).

KEY INTERFACES:
  Reader: point lookups and filtered queries
  Writer: inserts, versioned updates, movement append
  Tx:     Reader + Writer bound to one transaction
  Store:  Reader outside a transaction + WithTx

APPEND-ONLY CONTRACT:
  Movements have AppendMovement and nothing else. No update, no delete.
  Periods and pockets are never deleted either; they end in a terminal status.

CONCURRENCY CONTRACT:
  WithTx runs fn serializably with respect to every other WithTx touching the
  same rows. Reads of a single Account/Period/Pocket inside a Tx lock the row
  where the backend supports it. Update* takes the record with the version
  it was read at; if the stored version moved on the update fails with
  ErrConcurrencyConflict and the stored version is otherwise incremented.

ERRORS:
  Missing rows come back as *NotFoundError. Unique violations on idempotency
  keys come back as ErrDuplicateIdempotencyKey.

SEE ALSO:
  - ledger/store/memory.go
  - store/sqldb/sqldb.go
*/
package ledger

import "context"

// =============================================================================
// READER
// =============================================================================

type Reader interface {
	Account(ctx context.Context, id AccountID) (Account, error)
	Accounts(ctx context.Context, owner OwnerID) ([]Account, error)

	Movement(ctx context.Context, id MovementID) (Movement, error)
	// Movements returns matches ordered by OccurredAt then CreatedAt.
	Movements(ctx context.Context, f MovementFilter) ([]Movement, error)

	Period(ctx context.Context, id PeriodID) (Period, error)
	Periods(ctx context.Context, f PeriodFilter) ([]Period, error)

	Pocket(ctx context.Context, id PocketID) (Pocket, error)
	Pockets(ctx context.Context, f PocketFilter) ([]Pocket, error)

	FixedExpense(ctx context.Context, id FixedExpenseID) (FixedExpenseItem, error)
	FixedExpenses(ctx context.Context, pocketID PocketID) ([]FixedExpenseItem, error)

	// Idempotency returns the record for (owner, key) if one exists.
	Idempotency(ctx context.Context, owner OwnerID, key string) (IdempotencyRecord, bool, error)
}

// =============================================================================
// WRITER
// =============================================================================

type Writer interface {
	InsertAccount(ctx context.Context, a Account) error
	UpdateAccount(ctx context.Context, a Account) error

	// AppendMovement is the ONLY write on the movement log.
	AppendMovement(ctx context.Context, m Movement) error

	InsertPeriod(ctx context.Context, p Period) error
	UpdatePeriod(ctx context.Context, p Period) error

	InsertPocket(ctx context.Context, p Pocket) error
	UpdatePocket(ctx context.Context, p Pocket) error

	InsertFixedExpense(ctx context.Context, item FixedExpenseItem) error

	SaveIdempotency(ctx context.Context, rec IdempotencyRecord) error
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

type Tx interface {
	Reader
	Writer
}

// Store is the persistence collaborator.
type Store interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
