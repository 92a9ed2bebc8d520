/*
Package ledger provides the core types of the balance accounting engine.

PURPOSE:
  This package holds the records every other package talks about: accounts
  with per-currency balances, the append-only movement log, periods, pockets
  and fixed expense items. It also defines the persistence contract (store.go)
  and the error taxonomy (errors.go). It contains no business rules beyond
  small helpers on the records themselves.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: a decimal amount in one currency
  - Account: balances per currency, mutated only by the reconciliation engine
  - Movement: an immutable ledger entry (amount always positive)
  - Period: a time-boxed allocation against one account
  - Pocket: a purpose-bound sub-balance (saving, expense, debt)
  - FixedExpenseItem: a recurring bill attached to a pocket

DESIGN PRINCIPLES:
  1. Immutability: Movements are never modified, only offset
  2. Precision: decimal.Decimal everywhere, rounded to cents where a rule says so
  3. Type Safety: distinct ID types so an account id can't be passed as a pocket id
  4. Optimistic concurrency: every aggregate row carries a Version

SEE ALSO:
  - store.go: persistence interfaces
  - errors.go: error taxonomy
  - engine/engine.go: the only writer of balance fields
*/
package ledger

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type OwnerID string
type AccountID string
type MovementID string
type PeriodID string
type PocketID string
type FixedExpenseID string

// Currency is an upper-case ISO 4217 code.
type Currency string

func NormalizeCurrency(s string) Currency {
	return Currency(strings.ToUpper(strings.TrimSpace(s)))
}

// =============================================================================
// MONEY
// =============================================================================

type Money struct {
	Amount   decimal.Decimal
	Currency Currency
}

func NewMoney(amount decimal.Decimal, currency Currency) Money {
	return Money{Amount: amount, Currency: currency}
}

func (m Money) Add(d decimal.Decimal) Money { return Money{Amount: m.Amount.Add(d), Currency: m.Currency} }
func (m Money) Sub(d decimal.Decimal) Money { return Money{Amount: m.Amount.Sub(d), Currency: m.Currency} }
func (m Money) IsZero() bool                { return m.Amount.IsZero() }
func (m Money) IsNegative() bool            { return m.Amount.IsNegative() }
func (m Money) String() string              { return m.Amount.StringFixed(2) + " " + string(m.Currency) }

// Round2 rounds half away from zero to cents.
func Round2(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// MustParseDecimal parses s or returns zero. Only for trusted, stored values.
func MustParseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// =============================================================================
// ACCOUNT
// =============================================================================

type Account struct {
	ID         AccountID
	Owner      OwnerID
	Name       string
	Currencies []Currency
	Balances   map[Currency]decimal.Decimal
	IsPrimary  bool
	Version    int64
	CreatedAt  time.Time
}

// Holds reports whether the account is configured for the currency.
func (a Account) Holds(c Currency) bool {
	for _, held := range a.Currencies {
		if held == c {
			return true
		}
	}
	return false
}

func (a Account) Balance(c Currency) decimal.Decimal {
	if b, ok := a.Balances[c]; ok {
		return b
	}
	return decimal.Zero
}

// Clone returns a copy that shares no maps or slices with a.
func (a Account) Clone() Account {
	out := a
	out.Currencies = append([]Currency(nil), a.Currencies...)
	out.Balances = make(map[Currency]decimal.Decimal, len(a.Balances))
	for c, b := range a.Balances {
		out.Balances[c] = b
	}
	return out
}

// =============================================================================
// MOVEMENT - Immutable ledger entry
// =============================================================================

type MovementType string

const (
	MovementIncome        MovementType = "income"         // Money entering an account
	MovementExpense       MovementType = "expense"        // Money leaving an account, optionally against a period
	MovementTransfer      MovementType = "transfer"       // Account to account, or account into a pocket
	MovementPocketExpense MovementType = "pocket_expense" // Spend out of a pocket
	MovementPocketReturn  MovementType = "pocket_return"  // Pocket money going back to an account
	MovementFixedExpense  MovementType = "fixed_expense"  // Payment of a FixedExpenseItem
)

var movementTypes = map[MovementType]bool{
	MovementIncome:        true,
	MovementExpense:       true,
	MovementTransfer:      true,
	MovementPocketExpense: true,
	MovementPocketReturn:  true,
	MovementFixedExpense:  true,
}

func (t MovementType) Valid() bool { return movementTypes[t] }

// Movement is one balance-affecting event. Amount is always positive; the
// direction is implied by Type. A movement references at most one of
// PeriodID / PocketID in addition to its account.
type Movement struct {
	ID             MovementID
	Owner          OwnerID
	Type           MovementType
	Amount         decimal.Decimal
	Currency       Currency
	AccountID      AccountID
	CounterpartyID AccountID // transfer destination account
	PeriodID       PeriodID
	PocketID       PocketID
	FixedExpenseID FixedExpenseID
	OccurredAt     time.Time
	Description    string
	IdempotencyKey string
	CreatedAt      time.Time
}

// =============================================================================
// PERIOD - Time-boxed allocation against one account
// =============================================================================

type PeriodStatus string

const (
	PeriodDraft     PeriodStatus = "draft"
	PeriodActive    PeriodStatus = "active"
	PeriodFinished  PeriodStatus = "finished"
	PeriodCancelled PeriodStatus = "cancelled"
)

func (s PeriodStatus) IsTerminal() bool {
	return s == PeriodFinished || s == PeriodCancelled
}

// CanTransitionTo encodes draft -> active -> finished, and draft|active -> cancelled.
func (s PeriodStatus) CanTransitionTo(next PeriodStatus) bool {
	switch next {
	case PeriodActive:
		return s == PeriodDraft
	case PeriodFinished:
		return s == PeriodActive
	case PeriodCancelled:
		return s == PeriodDraft || s == PeriodActive
	}
	return false
}

type Period struct {
	ID              PeriodID
	Owner           OwnerID
	AccountID       AccountID
	Name            string
	Percentage      decimal.Decimal
	Days            int
	AllocatedAmount decimal.Decimal
	SpentAmount     decimal.Decimal
	DailyAmount     decimal.Decimal
	Currency        Currency
	StartsAt        Date
	EndsAt          Date
	Status          PeriodStatus
	CreatedAt       time.Time
	FinishedAt      *time.Time
	Version         int64
}

// Remaining is allocated - spent, unclamped.
func (p Period) Remaining() decimal.Decimal {
	return p.AllocatedAmount.Sub(p.SpentAmount)
}

// =============================================================================
// POCKET - Purpose-bound sub-balance
// =============================================================================

type PocketType string

const (
	PocketSaving  PocketType = "saving"
	PocketExpense PocketType = "expense"
	PocketDebt    PocketType = "debt"
)

type PocketSubtype string

const (
	SubtypeNone      PocketSubtype = ""
	SubtypePeriod    PocketSubtype = "period"
	SubtypeRecurrent PocketSubtype = "recurrent"
	SubtypeFixed     PocketSubtype = "fixed"
	SubtypeShared    PocketSubtype = "shared"
)

func (s PocketSubtype) Valid() bool {
	switch s {
	case SubtypePeriod, SubtypeRecurrent, SubtypeFixed, SubtypeShared:
		return true
	}
	return false
}

type PocketStatus string

const (
	PocketActive    PocketStatus = "active"
	PocketCancelled PocketStatus = "cancelled"
)

type Pocket struct {
	ID             PocketID
	Owner          OwnerID
	AccountID      AccountID // empty for pure savings
	Type           PocketType
	Subtype        PocketSubtype
	Name           string
	Emoji          string
	Currency       Currency
	CurrentBalance decimal.Decimal

	// saving
	TargetAmount decimal.Decimal

	// expense
	AllocatedAmount decimal.Decimal
	SpentAmount     decimal.Decimal
	StartsAt        *Date
	EndsAt          *Date
	DailyAllowance  decimal.Decimal

	// debt
	InstallmentAmount  decimal.Decimal
	InstallmentsTotal  int
	InstallmentCurrent int
	InterestRate       decimal.Decimal
	NextPayment        *Date

	Status    PocketStatus
	CreatedAt time.Time
	ClosedAt  *time.Time
	Version   int64
}

// TracksSpend is true for pockets whose spent_amount is maintained.
func (p Pocket) TracksSpend() bool { return p.Type == PocketExpense }

// =============================================================================
// FIXED EXPENSE ITEM - Recurring bill definition
// =============================================================================

// FixedExpenseItem has no paid flag: paid state is derived per month from
// fixed_expense movements.
type FixedExpenseItem struct {
	ID        FixedExpenseID
	PocketID  PocketID
	Owner     OwnerID
	Name      string
	Amount    decimal.Decimal
	Currency  Currency
	DueDay    int
	CreatedAt time.Time
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

// IdempotencyRecord remembers which resource a client-supplied key produced.
type IdempotencyRecord struct {
	Owner      OwnerID
	Key        string
	Operation  string
	ResourceID string
	CreatedAt  time.Time
}

// =============================================================================
// QUERY FILTERS
// =============================================================================

type MovementFilter struct {
	Owner          OwnerID
	AccountID      AccountID
	PeriodID       PeriodID
	PocketID       PocketID
	FixedExpenseID FixedExpenseID
	Types          []MovementType
	From           *time.Time // inclusive
	To             *time.Time // exclusive
	Limit          int
}

// PeriodFilter with an empty Owner matches every owner; only background
// jobs should do that.
type PeriodFilter struct {
	Owner      OwnerID
	AccountID  AccountID
	Statuses   []PeriodStatus
	EndsBefore *Date
}

type PocketFilter struct {
	Owner    OwnerID
	Type     PocketType
	Statuses []PocketStatus
}
