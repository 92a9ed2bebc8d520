/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Domain types in
  ledger carry no JSON tags; everything on the wire goes through here.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are shopspring decimals. They are written as JSON strings
  ("1234.50") and accepted as strings or numbers.

VALIDATION:
  Validation is done by the services, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/ffs/balance-engine/account"
	"github.com/ffs/balance-engine/allocation"
	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/fx"
	"github.com/ffs/balance-engine/ledger"
	"github.com/ffs/balance-engine/period"
	"github.com/ffs/balance-engine/pocket"
	"github.com/shopspring/decimal"
)

// =============================================================================
// ACCOUNTS
// =============================================================================

type AccountDTO struct {
	ID         string                     `json:"id"`
	Name       string                     `json:"name"`
	Currencies []string                   `json:"currencies"`
	Balances   map[string]decimal.Decimal `json:"balances"`
	IsPrimary  bool                       `json:"is_primary"`
	Version    int64                      `json:"version"`
	CreatedAt  time.Time                  `json:"created_at"`
}

type CreateAccountRequest struct {
	Name       string   `json:"name"`
	Currencies []string `json:"currencies"`
	IsPrimary  bool     `json:"is_primary"`
}

// BalanceDTO is an account's native balances plus an optional display view.
type BalanceDTO struct {
	AccountID string                     `json:"account_id"`
	Native    map[string]decimal.Decimal `json:"native"`
	Display   *DisplayDTO                `json:"display,omitempty"`
}

type DisplayDTO struct {
	Currency  string                     `json:"currency"`
	Total     decimal.Decimal            `json:"total"`
	Converted map[string]decimal.Decimal `json:"converted"`
	Missing   []string                   `json:"missing,omitempty"`
}

// AccountMovementRequest is the body of income, expense and transfer calls.
type AccountMovementRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	OccurredAt  *time.Time      `json:"occurred_at,omitempty"`
	PeriodID    string          `json:"period_id,omitempty"`     // expense only
	ToAccountID string          `json:"to_account_id,omitempty"` // transfer only
}

// =============================================================================
// MOVEMENTS
// =============================================================================

type MovementDTO struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	AccountID      string          `json:"account_id"`
	CounterpartyID string          `json:"counterparty_id,omitempty"`
	PeriodID       string          `json:"period_id,omitempty"`
	PocketID       string          `json:"pocket_id,omitempty"`
	FixedExpenseID string          `json:"fixed_expense_id,omitempty"`
	Description    string          `json:"description,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ApplyMovementRequest is a raw movement for POST /api/movements.
type ApplyMovementRequest struct {
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	AccountID      string          `json:"account_id"`
	CounterpartyID string          `json:"counterparty_id,omitempty"`
	PeriodID       string          `json:"period_id,omitempty"`
	PocketID       string          `json:"pocket_id,omitempty"`
	FixedExpenseID string          `json:"fixed_expense_id,omitempty"`
	Description    string          `json:"description,omitempty"`
	OccurredAt     *time.Time      `json:"occurred_at,omitempty"`
}

// EffectDTO is what a balance-affecting call returns: the movement and every
// aggregate it changed.
type EffectDTO struct {
	Movement     MovementDTO `json:"movement"`
	Account      *AccountDTO `json:"account,omitempty"`
	Counterparty *AccountDTO `json:"counterparty,omitempty"`
	Period       *PeriodDTO  `json:"period,omitempty"`
	Pocket       *PocketDTO  `json:"pocket,omitempty"`
	Replayed     bool        `json:"replayed"`
}

// =============================================================================
// PERIODS
// =============================================================================

type PeriodDTO struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	Name            string          `json:"name"`
	Percentage      decimal.Decimal `json:"percentage"`
	Days            int             `json:"days"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	SpentAmount     decimal.Decimal `json:"spent_amount"`
	Remaining       decimal.Decimal `json:"remaining"`
	DailyAmount     decimal.Decimal `json:"daily_amount"`
	Currency        string          `json:"currency"`
	StartsAt        ledger.Date     `json:"starts_at"`
	EndsAt          ledger.Date     `json:"ends_at"`
	Status          string          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Version         int64           `json:"version"`
}

type CreatePeriodRequest struct {
	AccountID       string          `json:"account_id"`
	Name            string          `json:"name"`
	Percentage      decimal.Decimal `json:"percentage"`
	Days            int             `json:"days"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	BaseAmount      decimal.Decimal `json:"base_amount"`
	Currency        string          `json:"currency,omitempty"`
	StartsAt        *ledger.Date    `json:"starts_at,omitempty"`
	Status          string          `json:"status,omitempty"`
	Transfer        *struct {
		SourceAccountID string `json:"source_account_id"`
	} `json:"transfer,omitempty"`
}

// PeriodCreatedDTO carries the funding transfer when one was made.
type PeriodCreatedDTO struct {
	PeriodDTO
	Transfer *MovementDTO `json:"transfer,omitempty"`
	Replayed bool         `json:"replayed"`
}

type ClosePeriodRequest struct {
	Refund          bool   `json:"refund"`
	RefundAccountID string `json:"refund_account_id,omitempty"`
}

type PeriodClosedDTO struct {
	PeriodDTO
	Refund *MovementDTO `json:"refund,omitempty"`
}

type PeriodSummaryDTO struct {
	Period     PeriodDTO               `json:"period"`
	Snapshot   allocation.Snapshot     `json:"snapshot"`
	Projection []allocation.Projection `json:"projection"`
}

// =============================================================================
// POCKETS
// =============================================================================

type PocketDTO struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id,omitempty"`
	Type           string          `json:"type"`
	Subtype        string          `json:"subtype,omitempty"`
	Name           string          `json:"name"`
	Emoji          string          `json:"emoji,omitempty"`
	Currency       string          `json:"currency"`
	CurrentBalance decimal.Decimal `json:"current_balance"`

	TargetAmount *decimal.Decimal `json:"target_amount,omitempty"`

	AllocatedAmount *decimal.Decimal `json:"allocated_amount,omitempty"`
	SpentAmount     *decimal.Decimal `json:"spent_amount,omitempty"`
	StartsAt        *ledger.Date     `json:"starts_at,omitempty"`
	EndsAt          *ledger.Date     `json:"ends_at,omitempty"`
	DailyAllowance  *decimal.Decimal `json:"daily_allowance,omitempty"`

	InstallmentAmount  *decimal.Decimal `json:"installment_amount,omitempty"`
	InstallmentsTotal  int              `json:"installments_total,omitempty"`
	InstallmentCurrent int              `json:"installment_current,omitempty"`
	InterestRate       *decimal.Decimal `json:"interest_rate,omitempty"`
	NextPayment        *ledger.Date     `json:"next_payment,omitempty"`

	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	Version   int64      `json:"version"`
}

type CreatePocketRequest struct {
	AccountID string `json:"account_id,omitempty"`
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	Name      string `json:"name"`
	Emoji     string `json:"emoji,omitempty"`
	Currency  string `json:"currency,omitempty"`

	TargetAmount decimal.Decimal `json:"target_amount"`

	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
	Days            int             `json:"days,omitempty"`
	StartsAt        *ledger.Date    `json:"starts_at,omitempty"`
	EndsAt          *ledger.Date    `json:"ends_at,omitempty"`

	InstallmentAmount decimal.Decimal `json:"installment_amount"`
	InstallmentsTotal int             `json:"installments_total,omitempty"`
	InterestRate      decimal.Decimal `json:"interest_rate"`
	NextPayment       *ledger.Date    `json:"next_payment,omitempty"`

	InitialFunding   decimal.Decimal `json:"initial_funding"`
	FundingAccountID string          `json:"funding_account_id,omitempty"`
}

type PocketCreatedDTO struct {
	PocketDTO
	Funding  *MovementDTO `json:"funding,omitempty"`
	Replayed bool         `json:"replayed"`
}

// PocketMovementRequest is the body of fund, expense and withdraw calls.
type PocketMovementRequest struct {
	Amount          decimal.Decimal `json:"amount"`
	Description     string          `json:"description,omitempty"`
	SourceAccountID string          `json:"source_account_id,omitempty"` // fund only
	TargetAccountID string          `json:"target_account_id,omitempty"` // withdraw only
}

type ClosePocketRequest struct {
	TargetAccountID string `json:"target_account_id,omitempty"`
}

type PocketClosedDTO struct {
	PocketDTO
	Return *MovementDTO `json:"return,omitempty"`
}

type InstallmentDTO struct {
	Pocket   PocketDTO   `json:"pocket"`
	Movement MovementDTO `json:"movement"`
}

type PocketSummaryDTO struct {
	Pocket     PocketDTO               `json:"pocket"`
	Snapshot   *allocation.Snapshot    `json:"snapshot,omitempty"`
	Projection []allocation.Projection `json:"projection,omitempty"`
}

// =============================================================================
// FIXED EXPENSES
// =============================================================================

type FixedExpenseDTO struct {
	ID        string          `json:"id"`
	PocketID  string          `json:"pocket_id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	DueDay    int             `json:"due_day"`
	CreatedAt time.Time       `json:"created_at"`
}

type CreateFixedExpenseRequest struct {
	Name   string          `json:"name"`
	Amount decimal.Decimal `json:"amount"`
	DueDay int             `json:"due_day"`
}

type PayFixedExpenseRequest struct {
	AccountID string          `json:"account_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
}

type FixedExpenseStatusDTO struct {
	Item        FixedExpenseDTO `json:"item"`
	DueDate     ledger.Date     `json:"due_date"`
	Paid        bool            `json:"paid"`
	PaidBy      string          `json:"paid_by,omitempty"`
	LegacyMatch bool            `json:"legacy_match,omitempty"`
	Overdue     bool            `json:"overdue"`
}

// =============================================================================
// RATES
// =============================================================================

type RateDTO struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
	Date ledger.Date     `json:"date"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type ScenarioLoadedDTO struct {
	Status   string       `json:"status"`
	Scenario string       `json:"scenario"`
	Accounts []AccountDTO `json:"accounts"`
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Details   any    `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	cs := make([]string, len(a.Currencies))
	for i, c := range a.Currencies {
		cs[i] = string(c)
	}
	return AccountDTO{
		ID:         string(a.ID),
		Name:       a.Name,
		Currencies: cs,
		Balances:   currencyMap(a.Balances),
		IsPrimary:  a.IsPrimary,
		Version:    a.Version,
		CreatedAt:  a.CreatedAt,
	}
}

func currencyMap(m map[ledger.Currency]decimal.Decimal) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(m))
	for c, v := range m {
		out[string(c)] = v
	}
	return out
}

func toBalanceDTO(v account.BalanceView) BalanceDTO {
	out := BalanceDTO{AccountID: string(v.Account.ID), Native: currencyMap(v.Native)}
	if v.Display != nil {
		out.Display = toDisplayDTO(*v.Display)
	}
	return out
}

func toDisplayDTO(d fx.Display) *DisplayDTO {
	missing := make([]string, len(d.Missing))
	for i, c := range d.Missing {
		missing[i] = string(c)
	}
	return &DisplayDTO{
		Currency:  string(d.Currency),
		Total:     d.Total,
		Converted: currencyMap(d.Converted),
		Missing:   missing,
	}
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{
		ID:             string(m.ID),
		Type:           string(m.Type),
		Amount:         m.Amount,
		Currency:       string(m.Currency),
		AccountID:      string(m.AccountID),
		CounterpartyID: string(m.CounterpartyID),
		PeriodID:       string(m.PeriodID),
		PocketID:       string(m.PocketID),
		FixedExpenseID: string(m.FixedExpenseID),
		Description:    m.Description,
		OccurredAt:     m.OccurredAt,
		CreatedAt:      m.CreatedAt,
	}
}

func toMovementDTOs(ms []ledger.Movement) []MovementDTO {
	out := make([]MovementDTO, len(ms))
	for i, m := range ms {
		out[i] = toMovementDTO(m)
	}
	return out
}

func optionalMovement(m *ledger.Movement) *MovementDTO {
	if m == nil {
		return nil
	}
	dto := toMovementDTO(*m)
	return &dto
}

func toEffectDTO(e engine.Effect) EffectDTO {
	out := EffectDTO{Movement: toMovementDTO(e.Movement), Replayed: e.Replayed}
	if e.Account != nil {
		a := toAccountDTO(*e.Account)
		out.Account = &a
	}
	if e.Counterparty != nil {
		c := toAccountDTO(*e.Counterparty)
		out.Counterparty = &c
	}
	if e.Period != nil {
		p := toPeriodDTO(*e.Period)
		out.Period = &p
	}
	if e.Pocket != nil {
		pk := toPocketDTO(*e.Pocket)
		out.Pocket = &pk
	}
	return out
}

func toPeriodDTO(p ledger.Period) PeriodDTO {
	return PeriodDTO{
		ID:              string(p.ID),
		AccountID:       string(p.AccountID),
		Name:            p.Name,
		Percentage:      p.Percentage,
		Days:            p.Days,
		AllocatedAmount: p.AllocatedAmount,
		SpentAmount:     p.SpentAmount,
		Remaining:       p.Remaining(),
		DailyAmount:     p.DailyAmount,
		Currency:        string(p.Currency),
		StartsAt:        p.StartsAt,
		EndsAt:          p.EndsAt,
		Status:          string(p.Status),
		CreatedAt:       p.CreatedAt,
		FinishedAt:      p.FinishedAt,
		Version:         p.Version,
	}
}

func toPeriodDTOs(ps []ledger.Period) []PeriodDTO {
	out := make([]PeriodDTO, len(ps))
	for i, p := range ps {
		out[i] = toPeriodDTO(p)
	}
	return out
}

func toPeriodSummaryDTO(s period.Summary) PeriodSummaryDTO {
	proj := s.Projection
	if proj == nil {
		proj = []allocation.Projection{}
	}
	return PeriodSummaryDTO{Period: toPeriodDTO(s.Period), Snapshot: s.Snapshot, Projection: proj}
}

// decPtr hides zero values of kind-specific fields.
func decPtr(d decimal.Decimal, show bool) *decimal.Decimal {
	if !show {
		return nil
	}
	return &d
}

func toPocketDTO(p ledger.Pocket) PocketDTO {
	expense := p.Type == ledger.PocketExpense
	debt := p.Type == ledger.PocketDebt
	return PocketDTO{
		ID:                 string(p.ID),
		AccountID:          string(p.AccountID),
		Type:               string(p.Type),
		Subtype:            string(p.Subtype),
		Name:               p.Name,
		Emoji:              p.Emoji,
		Currency:           string(p.Currency),
		CurrentBalance:     p.CurrentBalance,
		TargetAmount:       decPtr(p.TargetAmount, p.Type == ledger.PocketSaving && !p.TargetAmount.IsZero()),
		AllocatedAmount:    decPtr(p.AllocatedAmount, expense),
		SpentAmount:        decPtr(p.SpentAmount, expense),
		StartsAt:           p.StartsAt,
		EndsAt:             p.EndsAt,
		DailyAllowance:     decPtr(p.DailyAllowance, expense && p.StartsAt != nil),
		InstallmentAmount:  decPtr(p.InstallmentAmount, debt),
		InstallmentsTotal:  p.InstallmentsTotal,
		InstallmentCurrent: p.InstallmentCurrent,
		InterestRate:       decPtr(p.InterestRate, debt),
		NextPayment:        p.NextPayment,
		Status:             string(p.Status),
		CreatedAt:          p.CreatedAt,
		ClosedAt:           p.ClosedAt,
		Version:            p.Version,
	}
}

func toPocketDTOs(ps []ledger.Pocket) []PocketDTO {
	out := make([]PocketDTO, len(ps))
	for i, p := range ps {
		out[i] = toPocketDTO(p)
	}
	return out
}

func toPocketSummaryDTO(s pocket.Summary) PocketSummaryDTO {
	return PocketSummaryDTO{Pocket: toPocketDTO(s.Pocket), Snapshot: s.Snapshot, Projection: s.Projection}
}

func toFixedExpenseDTO(item ledger.FixedExpenseItem) FixedExpenseDTO {
	return FixedExpenseDTO{
		ID:        string(item.ID),
		PocketID:  string(item.PocketID),
		Name:      item.Name,
		Amount:    item.Amount,
		Currency:  string(item.Currency),
		DueDay:    item.DueDay,
		CreatedAt: item.CreatedAt,
	}
}

func toFixedExpenseStatusDTO(st pocket.ItemStatus) FixedExpenseStatusDTO {
	return FixedExpenseStatusDTO{
		Item:        toFixedExpenseDTO(st.Item),
		DueDate:     st.DueDate,
		Paid:        st.Paid,
		PaidBy:      string(st.PaidBy),
		LegacyMatch: st.LegacyMatch,
		Overdue:     st.Overdue,
	}
}

func toRateDTO(r fx.Rate) RateDTO {
	return RateDTO{From: string(r.From), To: string(r.To), Rate: r.Rate, Date: r.Date}
}
