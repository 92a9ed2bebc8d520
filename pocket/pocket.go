/*
Package pocket manages purpose-bound sub-balances: savings, expense pockets
and debts.

PURPOSE:
  A pocket holds money set aside from an account. Funding is a transfer into
  the pocket; spending is a pocket_expense; giving money back is a
  pocket_return. The current balance therefore always equals the net of the
  movements that reference the pocket.

POCKET KINDS:
  saving                 target_amount (optional); may have no linked account
  expense / period       allocated over a date window, daily allowance
  expense / shared       like period; overdraft configurable
  expense / recurrent    refilled by hand; overdraft configurable
  expense / fixed        pays FixedExpenseItems (see fixed.go)
  debt                   installment schedule paid from the pocket

CLOSING:
  Close returns what the kind says is returnable (saving: everything;
  period/shared: allocated - spent; others: nothing) and cancels the pocket
  in one transaction. The pocket must end at exactly zero; anything else is
  reported as InvalidState and nothing is written.

SEE ALSO:
  - engine/apply.go: effects of transfer, pocket_expense, pocket_return
  - fixed.go: fixed expense items and paid-state derivation
*/
package pocket

import (
	"context"
	"fmt"
	"strings"

	"github.com/ffs/balance-engine/allocation"
	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

const createOperation = "create_pocket"

type Service struct {
	Engine *engine.Engine
}

// =============================================================================
// CREATE
// =============================================================================

type CreateInput struct {
	Owner     ledger.OwnerID
	AccountID ledger.AccountID // linked account; optional for savings
	Type      ledger.PocketType
	Subtype   ledger.PocketSubtype
	Name      string
	Emoji     string
	Currency  string // defaults to the linked account's only currency

	// saving
	TargetAmount decimal.Decimal

	// expense period/shared: AllocatedAmount over Days from StartsAt, or
	// over StartsAt..EndsAt.
	AllocatedAmount decimal.Decimal
	Days            int
	StartsAt        ledger.Date
	EndsAt          ledger.Date

	// debt
	InstallmentAmount decimal.Decimal
	InstallmentsTotal int
	InterestRate      decimal.Decimal
	NextPayment       ledger.Date

	// InitialFunding is moved in at creation for kinds without an allocation.
	InitialFunding decimal.Decimal
	// FundingAccountID is the source of AllocatedAmount or InitialFunding;
	// defaults to the linked account.
	FundingAccountID ledger.AccountID

	IdempotencyKey string
}

func (in CreateInput) validate() error {
	if in.Owner == "" {
		return ledger.Invalid("owner", "required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return ledger.Invalid("name", "required")
	}
	if in.InitialFunding.IsNegative() {
		return ledger.Invalid("initial_funding", "must not be negative")
	}

	switch in.Type {
	case ledger.PocketSaving:
		if in.Subtype != ledger.SubtypeNone {
			return ledger.Invalid("subtype", "only expense pockets have a subtype")
		}
		if in.TargetAmount.IsNegative() {
			return ledger.Invalid("target_amount", "must not be negative")
		}

	case ledger.PocketExpense:
		if !in.Subtype.Valid() {
			return ledger.Invalid("subtype", fmt.Sprintf("expense pockets need a subtype (period, recurrent, fixed, shared), got %q", in.Subtype))
		}
		if in.AccountID == "" {
			return ledger.Invalid("account_id", "expense pockets must be linked to an account")
		}
		if isAllocated(in.Subtype) {
			if in.AllocatedAmount.IsNegative() {
				return &ledger.ValidationError{Field: "allocated_amount", Reason: "must not be negative", Cause: ledger.ErrInvalidAllocation}
			}
			if !in.InitialFunding.IsZero() {
				return ledger.Invalid("initial_funding", "period and shared pockets are funded by allocated_amount")
			}
			if in.Days == 0 && in.EndsAt.IsZero() {
				return ledger.Invalid("days", "days or ends_at is required")
			}
		} else if !in.AllocatedAmount.IsZero() || in.Days != 0 || !in.EndsAt.IsZero() {
			return ledger.Invalid("allocated_amount", string(in.Subtype)+" pockets have no allocation window")
		}

	case ledger.PocketDebt:
		if in.Subtype != ledger.SubtypeNone {
			return ledger.Invalid("subtype", "only expense pockets have a subtype")
		}
		if in.AccountID == "" {
			return ledger.Invalid("account_id", "debt pockets must be linked to an account")
		}
		if !in.InstallmentAmount.IsPositive() {
			return ledger.Invalid("installment_amount", "must be greater than zero")
		}
		if in.InstallmentsTotal < 1 {
			return ledger.Invalid("installments_total", "must be at least 1")
		}
		if in.InterestRate.IsNegative() {
			return ledger.Invalid("interest_rate", "must not be negative")
		}
		if in.NextPayment.IsZero() {
			return ledger.Invalid("next_payment", "required")
		}

	default:
		return ledger.Invalid("type", fmt.Sprintf("unknown pocket type %q", in.Type))
	}
	return nil
}

func isAllocated(s ledger.PocketSubtype) bool {
	return s == ledger.SubtypePeriod || s == ledger.SubtypeShared
}

// window resolves the allocation window of a period/shared pocket.
func (in CreateInput) window(today ledger.Date) (start, end ledger.Date, days int, err error) {
	start = in.StartsAt
	if start.IsZero() {
		start = today
	}
	if !in.EndsAt.IsZero() {
		if in.EndsAt.Before(start) {
			return start, end, 0, ledger.Invalid("ends_at", "must not be before starts_at")
		}
		days = ledger.DaysBetween(start, in.EndsAt) + 1
		if in.Days != 0 && in.Days != days {
			return start, end, 0, ledger.Invalid("days", fmt.Sprintf("%d days does not match %s..%s", in.Days, start, in.EndsAt))
		}
	} else {
		days = in.Days
	}
	if err := allocation.ValidateDays(days); err != nil {
		return start, end, 0, err
	}
	return start, allocation.EndsAt(start, days), days, nil
}

// Created is a new (or replayed) pocket plus its funding movement, if any.
type Created struct {
	Pocket   ledger.Pocket
	Funding  *ledger.Movement
	Replayed bool
}

// Create stores a pocket and, when an allocation or initial funding is
// given, funds it from the funding account in the same transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (Created, error) {
	if err := in.validate(); err != nil {
		return Created{}, err
	}

	var out Created
	err := s.Engine.Atomic(ctx, createOperation, func(u *engine.Unit) error {
		out = Created{}
		if id, found, err := u.Recall(ctx, in.Owner, in.IdempotencyKey, createOperation); err != nil {
			return err
		} else if found {
			out.Replayed = true
			out.Pocket, err = engine.OwnedPocket(ctx, u.Tx(), in.Owner, ledger.PocketID(id))
			return err
		}

		pk := ledger.Pocket{
			ID:                ledger.PocketID(u.NewID()),
			Owner:             in.Owner,
			AccountID:         in.AccountID,
			Type:              in.Type,
			Subtype:           in.Subtype,
			Name:              strings.TrimSpace(in.Name),
			Emoji:             in.Emoji,
			TargetAmount:      in.TargetAmount,
			InstallmentAmount: in.InstallmentAmount,
			InstallmentsTotal: in.InstallmentsTotal,
			InterestRate:      in.InterestRate,
			Status:            ledger.PocketActive,
			CreatedAt:         u.Now(),
		}
		if in.Type == ledger.PocketDebt {
			next := in.NextPayment
			pk.NextPayment = &next
		}

		currency, err := resolveCurrency(ctx, u.Tx(), in)
		if err != nil {
			return err
		}
		pk.Currency = currency

		funding := in.InitialFunding
		if in.Type == ledger.PocketExpense && isAllocated(in.Subtype) {
			start, end, days, err := in.window(u.Today())
			if err != nil {
				return err
			}
			daily, err := allocation.DailyAmount(in.AllocatedAmount, days)
			if err != nil {
				return err
			}
			pk.StartsAt, pk.EndsAt, pk.DailyAllowance = &start, &end, daily
			funding = in.AllocatedAmount
		}

		if pk, err = u.InsertPocket(ctx, pk); err != nil {
			return err
		}
		out.Pocket = pk

		if funding.IsPositive() {
			source := in.FundingAccountID
			if source == "" {
				source = in.AccountID
			}
			if source == "" {
				return ledger.Invalid("funding_account_id", "required to fund a pocket without a linked account")
			}
			eff, err := u.Apply(ctx, ledger.Movement{
				Owner:       in.Owner,
				Type:        ledger.MovementTransfer,
				Amount:      funding,
				Currency:    pk.Currency,
				AccountID:   source,
				PocketID:    pk.ID,
				Description: "funding for pocket " + pk.Name,
			})
			if err != nil {
				return fmt.Errorf("fund pocket: %w", err)
			}
			out.Pocket = *eff.Pocket
			out.Funding = &eff.Movement
		}

		return u.Remember(ctx, in.Owner, in.IdempotencyKey, createOperation, string(pk.ID))
	})
	return out, err
}

func resolveCurrency(ctx context.Context, r ledger.Reader, in CreateInput) (ledger.Currency, error) {
	requested := ledger.NormalizeCurrency(in.Currency)
	if in.AccountID == "" {
		if requested == "" {
			return "", ledger.Invalid("currency", "required for a pocket without a linked account")
		}
		return requested, nil
	}

	acc, err := engine.OwnedAccount(ctx, r, in.Owner, in.AccountID)
	if err != nil {
		return "", err
	}
	if requested == "" {
		if len(acc.Currencies) != 1 {
			return "", ledger.Invalid("currency", fmt.Sprintf("account %s holds several currencies; pick one", acc.ID))
		}
		return acc.Currencies[0], nil
	}
	if !acc.Holds(requested) {
		return "", ledger.Invalid("currency", fmt.Sprintf("account %s does not hold %s", acc.ID, requested))
	}
	return requested, nil
}

// =============================================================================
// FUND / SPEND / WITHDRAW
// =============================================================================

type FundInput struct {
	Owner           ledger.OwnerID
	PocketID        ledger.PocketID
	Amount          decimal.Decimal
	SourceAccountID ledger.AccountID // defaults to the linked account
	Description     string
	IdempotencyKey  string
}

// Fund transfers money from an account into the pocket.
func (s *Service) Fund(ctx context.Context, in FundInput) (engine.Effect, error) {
	var eff engine.Effect
	err := s.Engine.Atomic(ctx, "fund_pocket", func(u *engine.Unit) error {
		pk, err := engine.OwnedPocket(ctx, u.Tx(), in.Owner, in.PocketID)
		if err != nil {
			return err
		}
		source := in.SourceAccountID
		if source == "" {
			source = pk.AccountID
		}
		if source == "" {
			return ledger.Invalid("source_account_id", "required for a pocket without a linked account")
		}
		eff, err = u.Apply(ctx, ledger.Movement{
			Owner:          in.Owner,
			Type:           ledger.MovementTransfer,
			Amount:         in.Amount,
			Currency:       pk.Currency,
			AccountID:      source,
			PocketID:       pk.ID,
			Description:    describe(in.Description, "funding for pocket "+pk.Name),
			IdempotencyKey: in.IdempotencyKey,
		})
		return err
	})
	return eff, err
}

type ExpenseInput struct {
	Owner          ledger.OwnerID
	PocketID       ledger.PocketID
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// RecordExpense spends from an active expense pocket. Whether the pocket may
// go below zero is the engine's OverdraftPolicy.
func (s *Service) RecordExpense(ctx context.Context, in ExpenseInput) (engine.Effect, error) {
	var eff engine.Effect
	err := s.Engine.Atomic(ctx, "pocket_expense", func(u *engine.Unit) error {
		pk, err := engine.OwnedPocket(ctx, u.Tx(), in.Owner, in.PocketID)
		if err != nil {
			return err
		}
		if pk.Type != ledger.PocketExpense {
			return ledger.Invalid("pocket_id", fmt.Sprintf("pocket %s is a %s pocket; expenses go to expense pockets", pk.ID, pk.Type))
		}
		eff, err = u.Apply(ctx, ledger.Movement{
			Owner:          in.Owner,
			Type:           ledger.MovementPocketExpense,
			Amount:         in.Amount,
			Currency:       pk.Currency,
			AccountID:      pk.AccountID,
			PocketID:       pk.ID,
			Description:    in.Description,
			IdempotencyKey: in.IdempotencyKey,
		})
		return err
	})
	return eff, err
}

type WithdrawInput struct {
	Owner           ledger.OwnerID
	PocketID        ledger.PocketID
	Amount          decimal.Decimal
	TargetAccountID ledger.AccountID // defaults to the linked account
	Description     string
	IdempotencyKey  string
}

// Withdraw returns part of a pocket's balance to an account and leaves the
// pocket active.
func (s *Service) Withdraw(ctx context.Context, in WithdrawInput) (engine.Effect, error) {
	var eff engine.Effect
	err := s.Engine.Atomic(ctx, "withdraw_pocket", func(u *engine.Unit) error {
		pk, err := engine.OwnedPocket(ctx, u.Tx(), in.Owner, in.PocketID)
		if err != nil {
			return err
		}
		target, err := returnTarget(pk, in.TargetAccountID)
		if err != nil {
			return err
		}
		eff, err = u.Apply(ctx, ledger.Movement{
			Owner:          in.Owner,
			Type:           ledger.MovementPocketReturn,
			Amount:         in.Amount,
			Currency:       pk.Currency,
			AccountID:      target,
			PocketID:       pk.ID,
			Description:    describe(in.Description, "withdrawal from pocket "+pk.Name),
			IdempotencyKey: in.IdempotencyKey,
		})
		return err
	})
	return eff, err
}

func returnTarget(pk ledger.Pocket, requested ledger.AccountID) (ledger.AccountID, error) {
	if requested != "" {
		return requested, nil
	}
	if pk.AccountID == "" {
		return "", ledger.Invalid("target_account_id", "required for a pocket without a linked account")
	}
	return pk.AccountID, nil
}

func describe(given, fallback string) string {
	if strings.TrimSpace(given) != "" {
		return given
	}
	return fallback
}

// =============================================================================
// CLOSE
// =============================================================================

type CloseInput struct {
	Owner           ledger.OwnerID
	PocketID        ledger.PocketID
	TargetAccountID ledger.AccountID // defaults to the linked account
}

type Closed struct {
	Pocket ledger.Pocket
	Return *ledger.Movement
}

// ReturnableAmount is what closing pk gives back automatically. For period
// and shared pockets it is the unspent allocation, never more than the
// pocket holds.
func ReturnableAmount(pk ledger.Pocket) decimal.Decimal {
	switch {
	case pk.Type == ledger.PocketSaving:
		return decimal.Max(pk.CurrentBalance, decimal.Zero)
	case pk.Type == ledger.PocketExpense && isAllocated(pk.Subtype):
		unspent := decimal.Min(pk.AllocatedAmount.Sub(pk.SpentAmount), pk.CurrentBalance)
		return decimal.Max(unspent, decimal.Zero)
	}
	return decimal.Zero
}

// Close returns the returnable amount and cancels the pocket atomically.
//
// Only saving, period and shared pockets return money on their own.
// Recurrent, fixed and debt pockets must already be empty: a leftover
// balance is refused with ErrInvalidState, so nothing disappears without a
// movement. Use Withdraw to empty them first.
func (s *Service) Close(ctx context.Context, in CloseInput) (Closed, error) {
	var out Closed
	err := s.Engine.Atomic(ctx, "close_pocket", func(u *engine.Unit) error {
		out = Closed{}
		pk, err := engine.OwnedPocket(ctx, u.Tx(), in.Owner, in.PocketID)
		if err != nil {
			return err
		}
		if pk.Status != ledger.PocketActive {
			return &ledger.InvalidStateError{Kind: "pocket", ID: string(pk.ID), Status: string(pk.Status), Operation: "close"}
		}

		if amount := ReturnableAmount(pk); amount.IsPositive() {
			target, err := returnTarget(pk, in.TargetAccountID)
			if err != nil {
				return err
			}
			eff, err := u.Apply(ctx, ledger.Movement{
				Owner:       pk.Owner,
				Type:        ledger.MovementPocketReturn,
				Amount:      amount,
				Currency:    pk.Currency,
				AccountID:   target,
				PocketID:    pk.ID,
				Description: "closing pocket " + pk.Name,
			})
			if err != nil {
				return fmt.Errorf("return pocket balance: %w", err)
			}
			out.Return = &eff.Movement
			pk = *eff.Pocket
		}

		if !pk.CurrentBalance.IsZero() {
			return &ledger.InvalidStateError{
				Kind: "pocket", ID: string(pk.ID), Status: string(pk.Status), Operation: "close",
				Reason: fmt.Sprintf("balance of %s %s would remain; withdraw it first", pk.CurrentBalance.StringFixed(2), pk.Currency),
			}
		}

		now := u.Now()
		pk.Status = ledger.PocketCancelled
		pk.ClosedAt = &now
		out.Pocket, err = u.UpdatePocket(ctx, pk)
		return err
	})
	return out, err
}

// =============================================================================
// DEBT INSTALLMENTS
// =============================================================================

type Installment struct {
	Pocket   ledger.Pocket
	Movement ledger.Movement
}

// PayInstallment pays the next installment of a debt pocket from its
// balance and moves next_payment one month ahead.
func (s *Service) PayInstallment(ctx context.Context, owner ledger.OwnerID, id ledger.PocketID) (Installment, error) {
	var out Installment
	err := s.Engine.Atomic(ctx, "pay_installment", func(u *engine.Unit) error {
		pk, err := engine.OwnedPocket(ctx, u.Tx(), owner, id)
		if err != nil {
			return err
		}
		if pk.Type != ledger.PocketDebt {
			return ledger.Invalid("pocket_id", fmt.Sprintf("pocket %s is not a debt", pk.ID))
		}
		if pk.InstallmentCurrent >= pk.InstallmentsTotal {
			return &ledger.InvalidStateError{
				Kind: "pocket", ID: string(pk.ID), Status: string(pk.Status), Operation: "pay installment on",
				Reason: fmt.Sprintf("all %d installments are paid", pk.InstallmentsTotal),
			}
		}

		number := pk.InstallmentCurrent + 1
		eff, err := u.Apply(ctx, ledger.Movement{
			Owner:       owner,
			Type:        ledger.MovementPocketExpense,
			Amount:      pk.InstallmentAmount,
			Currency:    pk.Currency,
			AccountID:   pk.AccountID,
			PocketID:    pk.ID,
			Description: fmt.Sprintf("installment %d/%d of %s", number, pk.InstallmentsTotal, pk.Name),
		})
		if err != nil {
			return err
		}

		pk = *eff.Pocket
		pk.InstallmentCurrent = number
		if pk.NextPayment != nil {
			next := pk.NextPayment.AddMonths(1)
			pk.NextPayment = &next
		}
		if pk, err = u.UpdatePocket(ctx, pk); err != nil {
			return err
		}
		out = Installment{Pocket: pk, Movement: eff.Movement}
		return nil
	})
	return out, err
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, owner ledger.OwnerID, id ledger.PocketID) (ledger.Pocket, error) {
	return engine.OwnedPocket(ctx, s.Engine.Reader(), owner, id)
}

type ListFilter struct {
	Type     ledger.PocketType
	Statuses []ledger.PocketStatus
}

func (s *Service) List(ctx context.Context, owner ledger.OwnerID, f ListFilter) ([]ledger.Pocket, error) {
	if owner == "" {
		return nil, ledger.Invalid("owner", "required")
	}
	return s.Engine.Reader().Pockets(ctx, ledger.PocketFilter{Owner: owner, Type: f.Type, Statuses: f.Statuses})
}

// Summary is the allocation view of a dated expense pocket.
type Summary struct {
	Pocket     ledger.Pocket
	Snapshot   *allocation.Snapshot
	Projection []allocation.Projection
}

// Summary describes id on today (zero means the engine's today). Pockets
// without an allocation window get no snapshot.
func (s *Service) Summary(ctx context.Context, owner ledger.OwnerID, id ledger.PocketID, today ledger.Date) (Summary, error) {
	pk, err := s.Get(ctx, owner, id)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{Pocket: pk}
	if pk.StartsAt == nil || pk.EndsAt == nil {
		return out, nil
	}
	if today.IsZero() {
		today = s.Engine.Today()
	}
	snap := allocation.Snap(*pk.StartsAt, *pk.EndsAt, today, pk.AllocatedAmount, pk.SpentAmount, pk.DailyAllowance)
	out.Snapshot = &snap
	out.Projection = allocation.Collect(allocation.ProjectionSeries(*pk.StartsAt, *pk.EndsAt, today, pk.DailyAllowance, pk.SpentAmount))
	return out, nil
}
