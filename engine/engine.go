/*
Package engine is the reconciliation engine: the single source of truth for
balances.

PURPOSE:
  Every balance-affecting change in the system is a ledger.Movement applied
  here. Lifecycle managers (period, pocket, account) decide WHAT should
  happen; the engine checks that it may happen and writes it.

KEY CONCEPTS:
  ApplyMovement: one movement, one transaction
  Atomic:        a composite intent (e.g. "finish period + refund") in one
                 transaction, expressed against a *Unit
  Unit.Apply:    the ONLY code path that changes account balances, period
                 spent_amount, pocket current_balance/spent_amount, and expense
                 pocket allocated_amount
  Unit.Update*:  lifecycle updates (status, dates, counters); refuses to
                 touch balance fields

GUARANTEES:
  1. Validation precedes mutation. A failure anywhere rolls back everything.
  2. No overdraft. Account debits and pocket debits are checked against the
     balance read inside the same transaction (see OverdraftPolicy for the
     configurable pocket exceptions).
  3. Conflicts (ledger.ErrConcurrencyConflict) re-run the whole unit, up to
     MaxRetries extra attempts. Logical failures are never retried.
  4. After commit, one notify.Change is published. Notification failures
     cannot undo or fail a commit.

IDEMPOTENCY:
  A movement with an IdempotencyKey is remembered under operation "movement".
  Replaying the key returns the original movement with Replayed=true.
  Composite operations use Unit.Recall / Unit.Remember with their own
  operation name; reusing a key for another operation fails with
  ledger.ErrDuplicateIdempotencyKey.

SEE ALSO:
  - apply.go: per-type movement rules
  - ledger/store.go: transaction contract
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/notify"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DefaultMaxRetries = 3

// OverdraftPolicy lists the pocket kinds allowed to go below zero on a
// pocket_expense. Period and fixed pockets never may.
type OverdraftPolicy struct {
	Recurrent bool
	Shared    bool
}

func (p OverdraftPolicy) Allows(pk ledger.Pocket) bool {
	if pk.Type != ledger.PocketExpense {
		return false
	}
	switch pk.Subtype {
	case ledger.SubtypeRecurrent:
		return p.Recurrent
	case ledger.SubtypeShared:
		return p.Shared
	}
	return false
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	store      ledger.Store
	notifier   notify.Notifier
	clock      ledger.Clock
	newID      func() string
	logger     *slog.Logger
	maxRetries int
	overdraft  OverdraftPolicy
}

type Option func(*Engine)

func WithNotifier(n notify.Notifier) Option { return func(e *Engine) { e.notifier = n } }
func WithClock(c ledger.Clock) Option       { return func(e *Engine) { e.clock = c } }
func WithLogger(l *slog.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithIDs(f func() string) Option        { return func(e *Engine) { e.newID = f } }
func WithMaxRetries(n int) Option           { return func(e *Engine) { e.maxRetries = n } }
func WithOverdraft(p OverdraftPolicy) Option {
	return func(e *Engine) { e.overdraft = p }
}

func New(store ledger.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		notifier:   notify.Nop{},
		clock:      ledger.SystemClock,
		newID:      uuid.NewString,
		logger:     slog.Default(),
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxRetries < 0 {
		e.maxRetries = 0
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Reader gives lifecycle managers read access outside a transaction.
func (e *Engine) Reader() ledger.Reader { return e.store }

func (e *Engine) Now() time.Time    { return e.clock().UTC() }
func (e *Engine) Today() ledger.Date { return ledger.Today(e.clock) }
func (e *Engine) NewID() string      { return e.newID() }

// Effect is the outcome of one applied movement: the movement as stored and
// the aggregates it changed, at their new versions.
type Effect struct {
	Movement     ledger.Movement
	Account      *ledger.Account
	Counterparty *ledger.Account
	Period       *ledger.Period
	Pocket       *ledger.Pocket
	// Replayed is true when the idempotency key matched an earlier movement;
	// nothing was written.
	Replayed bool
}

// ApplyMovement validates and applies a single movement atomically.
func (e *Engine) ApplyMovement(ctx context.Context, m ledger.Movement) (Effect, error) {
	var eff Effect
	err := e.Atomic(ctx, "apply_"+string(m.Type), func(u *Unit) error {
		var err error
		eff, err = u.Apply(ctx, m)
		return err
	})
	return eff, err
}

// Atomic runs fn inside one store transaction, retrying the whole of fn on a
// concurrency conflict. fn must not keep state across attempts other than
// through its return values.
func (e *Engine) Atomic(ctx context.Context, operation string, fn func(u *Unit) error) error {
	var (
		u       *Unit
		err     error
		attempt int
	)
	for attempt = 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.logger.Warn("retrying after concurrency conflict",
				"operation", operation, "attempt", attempt, "error", err)
			if werr := backoff(ctx, attempt); werr != nil {
				return werr
			}
		}

		u = &Unit{engine: e, now: e.Now(), change: notify.Change{Operation: operation}}
		err = e.store.WithTx(ctx, func(tx ledger.Tx) error {
			u.tx = tx
			return fn(u)
		})
		if err == nil || !errors.Is(err, ledger.ErrConcurrencyConflict) {
			break
		}
	}

	if err != nil {
		if errors.Is(err, ledger.ErrConcurrencyConflict) {
			return fmt.Errorf("%s: gave up after %d attempts: %w", operation, attempt, err)
		}
		if ledger.IsClientError(err) {
			e.logger.Debug("operation rejected", "operation", operation, "error", err)
		} else {
			e.logger.Error("operation failed", "operation", operation, "error", err)
		}
		return err
	}

	e.publish(u.change)
	return nil
}

func backoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(time.Duration(attempt*attempt) * 5 * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) publish(c notify.Change) {
	if c.Owner == "" {
		return
	}
	c.OccurredAt = e.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("notifier panicked", "operation", c.Operation, "panic", r)
		}
	}()
	e.notifier.Publish(c)
}

// =============================================================================
// UNIT - one transaction's worth of work
// =============================================================================

// Unit is handed to Atomic callbacks. It is only valid inside the callback.
type Unit struct {
	engine *Engine
	tx     ledger.Tx
	now    time.Time
	change notify.Change
}

// Tx exposes read access to the transaction. Reads of a single aggregate
// lock its row where the backend supports it.
func (u *Unit) Tx() ledger.Reader { return u.tx }

// Now is fixed for the lifetime of the unit so every record it writes
// shares one timestamp.
func (u *Unit) Now() time.Time    { return u.now }
func (u *Unit) Today() ledger.Date { return ledger.DateOf(u.now) }
func (u *Unit) NewID() string      { return u.engine.newID() }

func (u *Unit) Overdraft() OverdraftPolicy { return u.engine.overdraft }

// Recall looks up an idempotency key. found is false for a fresh key.
func (u *Unit) Recall(ctx context.Context, owner ledger.OwnerID, key, operation string) (resourceID string, found bool, err error) {
	if key == "" {
		return "", false, nil
	}
	rec, ok, err := u.tx.Idempotency(ctx, owner, key)
	if err != nil || !ok {
		return "", false, err
	}
	if rec.Operation != operation {
		return "", false, fmt.Errorf("key %q was used for %s: %w", key, rec.Operation, ledger.ErrDuplicateIdempotencyKey)
	}
	return rec.ResourceID, true, nil
}

// Remember records key -> resourceID in the same transaction as the work.
func (u *Unit) Remember(ctx context.Context, owner ledger.OwnerID, key, operation, resourceID string) error {
	if key == "" {
		return nil
	}
	return u.tx.SaveIdempotency(ctx, ledger.IdempotencyRecord{
		Owner:      owner,
		Key:        key,
		Operation:  operation,
		ResourceID: resourceID,
		CreatedAt:  u.now,
	})
}

func (u *Unit) touch(owner ledger.OwnerID) {
	u.change.Owner = owner
}

func (u *Unit) touchAccount(id ledger.AccountID) {
	for _, a := range u.change.Accounts {
		if a == id {
			return
		}
	}
	u.change.Accounts = append(u.change.Accounts, id)
}

func (u *Unit) touchPeriod(id ledger.PeriodID) {
	for _, p := range u.change.Periods {
		if p == id {
			return
		}
	}
	u.change.Periods = append(u.change.Periods, id)
}

func (u *Unit) touchPocket(id ledger.PocketID) {
	for _, p := range u.change.Pockets {
		if p == id {
			return
		}
	}
	u.change.Pockets = append(u.change.Pockets, id)
}

// =============================================================================
// LIFECYCLE WRITES
// =============================================================================

func (u *Unit) InsertAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	for c, b := range a.Balances {
		if !b.IsZero() {
			return ledger.Account{}, ledger.Invalid("balances", fmt.Sprintf("new account must start at zero (%s)", c))
		}
	}
	if err := u.tx.InsertAccount(ctx, a); err != nil {
		return ledger.Account{}, err
	}
	a.Version = 1
	u.touch(a.Owner)
	u.touchAccount(a.ID)
	return a, nil
}

// UpdateAccount writes non-balance fields. Balances must match what is stored.
func (u *Unit) UpdateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	cur, err := u.tx.Account(ctx, a.ID)
	if err != nil {
		return ledger.Account{}, err
	}
	for _, c := range unionCurrencies(cur.Balances, a.Balances) {
		if !cur.Balance(c).Equal(a.Balance(c)) {
			return ledger.Account{}, balanceGuard("account", string(a.ID))
		}
	}
	if err := u.tx.UpdateAccount(ctx, a); err != nil {
		return ledger.Account{}, err
	}
	a.Version++
	u.touch(a.Owner)
	u.touchAccount(a.ID)
	return a, nil
}

func (u *Unit) InsertPeriod(ctx context.Context, p ledger.Period) (ledger.Period, error) {
	if !p.SpentAmount.IsZero() {
		return ledger.Period{}, ledger.Invalid("spent_amount", "new period must start at zero")
	}
	if err := u.tx.InsertPeriod(ctx, p); err != nil {
		return ledger.Period{}, err
	}
	p.Version = 1
	u.touch(p.Owner)
	u.touchPeriod(p.ID)
	return p, nil
}

func (u *Unit) UpdatePeriod(ctx context.Context, p ledger.Period) (ledger.Period, error) {
	cur, err := u.tx.Period(ctx, p.ID)
	if err != nil {
		return ledger.Period{}, err
	}
	if !cur.SpentAmount.Equal(p.SpentAmount) {
		return ledger.Period{}, balanceGuard("period", string(p.ID))
	}
	if err := u.tx.UpdatePeriod(ctx, p); err != nil {
		return ledger.Period{}, err
	}
	p.Version++
	u.touch(p.Owner)
	u.touchPeriod(p.ID)
	return p, nil
}

func (u *Unit) InsertPocket(ctx context.Context, p ledger.Pocket) (ledger.Pocket, error) {
	if !p.CurrentBalance.IsZero() || !p.SpentAmount.IsZero() || !p.AllocatedAmount.IsZero() {
		return ledger.Pocket{}, ledger.Invalid("current_balance", "new pocket must start empty; fund it with a transfer")
	}
	if err := u.tx.InsertPocket(ctx, p); err != nil {
		return ledger.Pocket{}, err
	}
	p.Version = 1
	u.touch(p.Owner)
	u.touchPocket(p.ID)
	return p, nil
}

func (u *Unit) UpdatePocket(ctx context.Context, p ledger.Pocket) (ledger.Pocket, error) {
	cur, err := u.tx.Pocket(ctx, p.ID)
	if err != nil {
		return ledger.Pocket{}, err
	}
	if !cur.CurrentBalance.Equal(p.CurrentBalance) ||
		!cur.SpentAmount.Equal(p.SpentAmount) ||
		!cur.AllocatedAmount.Equal(p.AllocatedAmount) {
		return ledger.Pocket{}, balanceGuard("pocket", string(p.ID))
	}
	if err := u.tx.UpdatePocket(ctx, p); err != nil {
		return ledger.Pocket{}, err
	}
	p.Version++
	u.touch(p.Owner)
	u.touchPocket(p.ID)
	return p, nil
}

func (u *Unit) InsertFixedExpense(ctx context.Context, item ledger.FixedExpenseItem) error {
	if err := u.tx.InsertFixedExpense(ctx, item); err != nil {
		return err
	}
	u.touch(item.Owner)
	u.touchPocket(item.PocketID)
	return nil
}

func balanceGuard(kind, id string) error {
	return &ledger.InconsistencyError{Kind: kind, ID: id, Detail: "balance fields may only change through a movement"}
}

func unionCurrencies(a, b map[ledger.Currency]decimal.Decimal) []ledger.Currency {
	seen := make(map[ledger.Currency]bool, len(a)+len(b))
	var out []ledger.Currency
	for c := range a {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for c := range b {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
