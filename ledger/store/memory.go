// Package store provides an in-memory ledger.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ffs/balance-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store. WithTx holds the write lock for the whole
// callback, so transactions are fully serialized; a failed callback restores
// the snapshot taken before it ran.
type Memory struct {
	mu sync.RWMutex
	s  *state
}

type state struct {
	accounts     map[ledger.AccountID]ledger.Account
	movements    []ledger.Movement
	movementByID map[ledger.MovementID]int
	movementKeys map[ownerKey]bool
	periods      map[ledger.PeriodID]ledger.Period
	pockets      map[ledger.PocketID]ledger.Pocket
	fixed        map[ledger.FixedExpenseID]ledger.FixedExpenseItem
	idempotency  map[ownerKey]ledger.IdempotencyRecord
}

type ownerKey struct {
	Owner ledger.OwnerID
	Key   string
}

var _ ledger.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{s: newState()}
}

func newState() *state {
	return &state{
		accounts:     make(map[ledger.AccountID]ledger.Account),
		movementByID: make(map[ledger.MovementID]int),
		movementKeys: make(map[ownerKey]bool),
		periods:      make(map[ledger.PeriodID]ledger.Period),
		pockets:      make(map[ledger.PocketID]ledger.Pocket),
		fixed:        make(map[ledger.FixedExpenseID]ledger.FixedExpenseItem),
		idempotency:  make(map[ownerKey]ledger.IdempotencyRecord),
	}
}

// WithTx executes fn within a transaction.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&memoryTx{s: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	// A caller that gave up mid-transaction gets nothing committed.
	if err := ctx.Err(); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.accounts {
		out.accounts[k] = v.Clone()
	}
	out.movements = append([]ledger.Movement(nil), s.movements...)
	for k, v := range s.movementByID {
		out.movementByID[k] = v
	}
	for k, v := range s.movementKeys {
		out.movementKeys[k] = v
	}
	for k, v := range s.periods {
		out.periods[k] = v
	}
	for k, v := range s.pockets {
		out.pockets[k] = v
	}
	for k, v := range s.fixed {
		out.fixed[k] = v
	}
	for k, v := range s.idempotency {
		out.idempotency[k] = v
	}
	return out
}

// =============================================================================
// READS OUTSIDE A TRANSACTION
// =============================================================================

func (m *Memory) Account(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.account(id)
}

func (m *Memory) Accounts(ctx context.Context, owner ledger.OwnerID) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.accountsOf(owner), nil
}

func (m *Memory) Movement(ctx context.Context, id ledger.MovementID) (ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.movement(id)
}

func (m *Memory) Movements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findMovements(f), nil
}

func (m *Memory) Period(ctx context.Context, id ledger.PeriodID) (ledger.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.period(id)
}

func (m *Memory) Periods(ctx context.Context, f ledger.PeriodFilter) ([]ledger.Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findPeriods(f), nil
}

func (m *Memory) Pocket(ctx context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.pocket(id)
}

func (m *Memory) Pockets(ctx context.Context, f ledger.PocketFilter) ([]ledger.Pocket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.findPockets(f), nil
}

func (m *Memory) FixedExpense(ctx context.Context, id ledger.FixedExpenseID) (ledger.FixedExpenseItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.fixedExpense(id)
}

func (m *Memory) FixedExpenses(ctx context.Context, pocketID ledger.PocketID) ([]ledger.FixedExpenseItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s.fixedExpensesOf(pocketID), nil
}

func (m *Memory) Idempotency(ctx context.Context, owner ledger.OwnerID, key string) (ledger.IdempotencyRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.s.idempotency[ownerKey{owner, key}]
	return rec, ok, nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// memoryTx runs under Memory.mu held for writing, so it touches state directly.
type memoryTx struct {
	s *state
}

func (tx *memoryTx) Account(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	return tx.s.account(id)
}

func (tx *memoryTx) Accounts(_ context.Context, owner ledger.OwnerID) ([]ledger.Account, error) {
	return tx.s.accountsOf(owner), nil
}

func (tx *memoryTx) Movement(_ context.Context, id ledger.MovementID) (ledger.Movement, error) {
	return tx.s.movement(id)
}

func (tx *memoryTx) Movements(_ context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	return tx.s.findMovements(f), nil
}

func (tx *memoryTx) Period(_ context.Context, id ledger.PeriodID) (ledger.Period, error) {
	return tx.s.period(id)
}

func (tx *memoryTx) Periods(_ context.Context, f ledger.PeriodFilter) ([]ledger.Period, error) {
	return tx.s.findPeriods(f), nil
}

func (tx *memoryTx) Pocket(_ context.Context, id ledger.PocketID) (ledger.Pocket, error) {
	return tx.s.pocket(id)
}

func (tx *memoryTx) Pockets(_ context.Context, f ledger.PocketFilter) ([]ledger.Pocket, error) {
	return tx.s.findPockets(f), nil
}

func (tx *memoryTx) FixedExpense(_ context.Context, id ledger.FixedExpenseID) (ledger.FixedExpenseItem, error) {
	return tx.s.fixedExpense(id)
}

func (tx *memoryTx) FixedExpenses(_ context.Context, pocketID ledger.PocketID) ([]ledger.FixedExpenseItem, error) {
	return tx.s.fixedExpensesOf(pocketID), nil
}

func (tx *memoryTx) Idempotency(_ context.Context, owner ledger.OwnerID, key string) (ledger.IdempotencyRecord, bool, error) {
	rec, ok := tx.s.idempotency[ownerKey{owner, key}]
	return rec, ok, nil
}

func (tx *memoryTx) InsertAccount(_ context.Context, a ledger.Account) error {
	if _, exists := tx.s.accounts[a.ID]; exists {
		return ledger.Invalid("id", "account already exists")
	}
	a = a.Clone()
	a.Version = 1
	tx.s.accounts[a.ID] = a
	return nil
}

func (tx *memoryTx) UpdateAccount(_ context.Context, a ledger.Account) error {
	current, ok := tx.s.accounts[a.ID]
	if !ok {
		return ledger.NotFound("account", string(a.ID))
	}
	if current.Version != a.Version {
		return ledger.ErrConcurrencyConflict
	}
	a = a.Clone()
	a.Version++
	tx.s.accounts[a.ID] = a
	return nil
}

func (tx *memoryTx) AppendMovement(_ context.Context, mv ledger.Movement) error {
	if _, exists := tx.s.movementByID[mv.ID]; exists {
		return ledger.Invalid("id", "movement already exists")
	}
	if mv.IdempotencyKey != "" {
		k := ownerKey{mv.Owner, mv.IdempotencyKey}
		if tx.s.movementKeys[k] {
			return ledger.ErrDuplicateIdempotencyKey
		}
		tx.s.movementKeys[k] = true
	}
	tx.s.movementByID[mv.ID] = len(tx.s.movements)
	tx.s.movements = append(tx.s.movements, mv)
	return nil
}

func (tx *memoryTx) InsertPeriod(_ context.Context, p ledger.Period) error {
	if _, exists := tx.s.periods[p.ID]; exists {
		return ledger.Invalid("id", "period already exists")
	}
	p.Version = 1
	tx.s.periods[p.ID] = p
	return nil
}

func (tx *memoryTx) UpdatePeriod(_ context.Context, p ledger.Period) error {
	current, ok := tx.s.periods[p.ID]
	if !ok {
		return ledger.NotFound("period", string(p.ID))
	}
	if current.Version != p.Version {
		return ledger.ErrConcurrencyConflict
	}
	p.Version++
	tx.s.periods[p.ID] = p
	return nil
}

func (tx *memoryTx) InsertPocket(_ context.Context, p ledger.Pocket) error {
	if _, exists := tx.s.pockets[p.ID]; exists {
		return ledger.Invalid("id", "pocket already exists")
	}
	p.Version = 1
	tx.s.pockets[p.ID] = p
	return nil
}

func (tx *memoryTx) UpdatePocket(_ context.Context, p ledger.Pocket) error {
	current, ok := tx.s.pockets[p.ID]
	if !ok {
		return ledger.NotFound("pocket", string(p.ID))
	}
	if current.Version != p.Version {
		return ledger.ErrConcurrencyConflict
	}
	p.Version++
	tx.s.pockets[p.ID] = p
	return nil
}

func (tx *memoryTx) InsertFixedExpense(_ context.Context, item ledger.FixedExpenseItem) error {
	if _, exists := tx.s.fixed[item.ID]; exists {
		return ledger.Invalid("id", "fixed expense already exists")
	}
	tx.s.fixed[item.ID] = item
	return nil
}

func (tx *memoryTx) SaveIdempotency(_ context.Context, rec ledger.IdempotencyRecord) error {
	k := ownerKey{rec.Owner, rec.Key}
	if _, exists := tx.s.idempotency[k]; exists {
		return ledger.ErrDuplicateIdempotencyKey
	}
	tx.s.idempotency[k] = rec
	return nil
}

// =============================================================================
// UNLOCKED HELPERS
// =============================================================================

func (s *state) account(id ledger.AccountID) (ledger.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.NotFound("account", string(id))
	}
	return a.Clone(), nil
}

func (s *state) accountsOf(owner ledger.OwnerID) []ledger.Account {
	var result []ledger.Account
	for _, a := range s.accounts {
		if a.Owner == owner {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IsPrimary != result[j].IsPrimary {
			return result[i].IsPrimary
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *state) movement(id ledger.MovementID) (ledger.Movement, error) {
	i, ok := s.movementByID[id]
	if !ok {
		return ledger.Movement{}, ledger.NotFound("movement", string(id))
	}
	return s.movements[i], nil
}

func (s *state) findMovements(f ledger.MovementFilter) []ledger.Movement {
	var result []ledger.Movement
	for _, mv := range s.movements {
		if matchMovement(mv, f) {
			result = append(result, mv)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

func matchMovement(mv ledger.Movement, f ledger.MovementFilter) bool {
	if f.Owner != "" && mv.Owner != f.Owner {
		return false
	}
	if f.AccountID != "" && mv.AccountID != f.AccountID && mv.CounterpartyID != f.AccountID {
		return false
	}
	if f.PeriodID != "" && mv.PeriodID != f.PeriodID {
		return false
	}
	if f.PocketID != "" && mv.PocketID != f.PocketID {
		return false
	}
	if f.FixedExpenseID != "" && mv.FixedExpenseID != f.FixedExpenseID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if mv.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && mv.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !mv.OccurredAt.Before(*f.To) {
		return false
	}
	return true
}

func (s *state) period(id ledger.PeriodID) (ledger.Period, error) {
	p, ok := s.periods[id]
	if !ok {
		return ledger.Period{}, ledger.NotFound("period", string(id))
	}
	return p, nil
}

func (s *state) findPeriods(f ledger.PeriodFilter) []ledger.Period {
	var result []ledger.Period
	for _, p := range s.periods {
		if f.Owner != "" && p.Owner != f.Owner {
			continue
		}
		if f.AccountID != "" && p.AccountID != f.AccountID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, p.Status) {
			continue
		}
		if f.EndsBefore != nil && !p.EndsAt.Before(*f.EndsBefore) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartsAt.Equal(result[j].StartsAt) {
			return result[i].StartsAt.After(result[j].StartsAt)
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func containsStatus[S comparable](list []S, s S) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *state) pocket(id ledger.PocketID) (ledger.Pocket, error) {
	p, ok := s.pockets[id]
	if !ok {
		return ledger.Pocket{}, ledger.NotFound("pocket", string(id))
	}
	return p, nil
}

func (s *state) findPockets(f ledger.PocketFilter) []ledger.Pocket {
	var result []ledger.Pocket
	for _, p := range s.pockets {
		if f.Owner != "" && p.Owner != f.Owner {
			continue
		}
		if f.Type != "" && p.Type != f.Type {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, p.Status) {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (s *state) fixedExpense(id ledger.FixedExpenseID) (ledger.FixedExpenseItem, error) {
	item, ok := s.fixed[id]
	if !ok {
		return ledger.FixedExpenseItem{}, ledger.NotFound("fixed_expense", string(id))
	}
	return item, nil
}

func (s *state) fixedExpensesOf(pocketID ledger.PocketID) []ledger.FixedExpenseItem {
	var result []ledger.FixedExpenseItem
	for _, item := range s.fixed {
		if item.PocketID == pocketID {
			result = append(result, item)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].DueDay != result[j].DueDay {
			return result[i].DueDay < result[j].DueDay
		}
		return result[i].Name < result[j].Name
	})
	return result
}
