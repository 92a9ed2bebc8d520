package sqldb

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/ffs/balance-engine/ledger"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
)

// =============================================================================
// DIALECT HELPERS (no database needed)
// =============================================================================

func TestRebind(t *testing.T) {
	query := "UPDATE pockets SET current_balance = ?, version = version + 1 WHERE id = ? AND version = ?"

	pg := &conn{dialect: Postgres}
	assert.Equal(t,
		"UPDATE pockets SET current_balance = $1, version = version + 1 WHERE id = $2 AND version = $3",
		pg.rebind(query))
	assert.Equal(t, "SELECT 1", pg.rebind("SELECT 1"))

	lite := &conn{dialect: SQLite}
	assert.Equal(t, query, lite.rebind(query), "SQLite keeps ? placeholders")
}

func TestLockClause(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		inTx    bool
		want    string
	}{
		{"postgres in transaction", Postgres, true, " FOR UPDATE"},
		{"postgres outside transaction", Postgres, false, ""},
		{"sqlite in transaction", SQLite, true, ""},
		{"sqlite outside transaction", SQLite, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &conn{dialect: tt.dialect, inTx: tt.inTx}
			assert.Equal(t, tt.want, c.lockClause())
		})
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		conflict bool
		unique   bool
	}{
		{"postgres serialization failure", &pgconn.PgError{Code: "40001"}, true, false},
		{"postgres deadlock", &pgconn.PgError{Code: "40P01"}, true, false},
		{"postgres unique violation", &pgconn.PgError{Code: "23505"}, false, true},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true, false},
		{"sqlite locked", sqlite3.Error{Code: sqlite3.ErrLocked}, true, false},
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, false, true},
		{"wrapped postgres conflict", fmt.Errorf("exec: %w", &pgconn.PgError{Code: "40001"}), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapError("update pocket", tt.err)
			assert.Equal(t, tt.conflict, errors.Is(err, ledger.ErrConcurrencyConflict))
			assert.Equal(t, tt.conflict, ledger.IsRetryable(err))
			assert.Equal(t, tt.unique, errors.Is(err, errUniqueViolation))
			assert.Contains(t, err.Error(), "update pocket")
		})
	}
}

func TestMapError_OtherFailuresAreDependencyErrors(t *testing.T) {
	err := mapError("insert movement", &pgconn.PgError{Code: "08006"})
	assert.ErrorIs(t, err, ledger.ErrDependency)
	assert.Equal(t, "dependency", ledger.Code(err))

	assert.Nil(t, mapError("noop", nil))
	assert.ErrorIs(t, mapError("query", context.Canceled), context.Canceled)
	assert.NotErrorIs(t, mapError("query", context.Canceled), ledger.ErrDependency)
}
