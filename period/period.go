/*
Package period manages time-boxed allocations against an account.

PURPOSE:
  A period earmarks an amount of one account's money for a number of days
  and tracks how much of it was spent. The daily amount and end date are
  derived at creation and never recomputed.

LIFECYCLE:
  draft -> active -> finished
  draft | active -> cancelled

  Finishing or cancelling an active period may refund what is left to
  another account. The refund and the status change commit together or not
  at all.

INVARIANTS:
  - 0 <= spent_amount <= allocated_amount (spent only moves through engine)
  - ends_at = starts_at + days - 1
  - daily_amount = round(allocated_amount / days, 2)

SEE ALSO:
  - allocation/allocation.go: the arithmetic
  - engine/apply.go: expense against a period
  - api/scheduler.go: ExpireDue on an interval
*/
package period

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ffs/balance-engine/allocation"
	"github.com/ffs/balance-engine/engine"
	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

const createOperation = "create_period"

type Service struct {
	Engine *engine.Engine
}

// =============================================================================
// CREATE
// =============================================================================

// Funding moves the allocated amount into the period's account when the
// period is created.
type Funding struct {
	SourceAccountID ledger.AccountID
}

type CreateInput struct {
	Owner           ledger.OwnerID
	AccountID       ledger.AccountID
	Name            string
	Percentage      decimal.Decimal
	Days            int
	AllocatedAmount decimal.Decimal
	// BaseAmount, when AllocatedAmount is zero, sets the allocation to
	// Percentage of BaseAmount (typically the income being budgeted).
	BaseAmount decimal.Decimal
	// Currency defaults to the account's only currency.
	Currency string
	// StartsAt defaults to today.
	StartsAt ledger.Date
	// Status is draft or active; empty means active.
	Status         ledger.PeriodStatus
	Transfer       *Funding
	IdempotencyKey string
}

func (in *CreateInput) validate() error {
	if in.Owner == "" {
		return ledger.Invalid("owner", "required")
	}
	if in.AccountID == "" {
		return ledger.Invalid("account_id", "required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return ledger.Invalid("name", "required")
	}
	if err := allocation.ValidatePercentage(in.Percentage); err != nil {
		return err
	}
	if err := allocation.ValidateDays(in.Days); err != nil {
		return err
	}
	if in.AllocatedAmount.IsNegative() {
		return &ledger.ValidationError{Field: "allocated_amount", Reason: "must not be negative", Cause: ledger.ErrInvalidAllocation}
	}
	if in.BaseAmount.IsNegative() {
		return &ledger.ValidationError{Field: "base_amount", Reason: "must not be negative", Cause: ledger.ErrInvalidAllocation}
	}
	if in.AllocatedAmount.IsZero() && in.BaseAmount.IsPositive() {
		in.AllocatedAmount = allocation.AmountFromPercentage(in.BaseAmount, in.Percentage)
	}
	switch in.Status {
	case "":
		in.Status = ledger.PeriodActive
	case ledger.PeriodDraft, ledger.PeriodActive:
	default:
		return ledger.Invalid("status", fmt.Sprintf("a period is created as draft or active, not %q", in.Status))
	}
	if in.Transfer != nil {
		if in.Status != ledger.PeriodActive {
			return ledger.Invalid("transfer", "only an active period can be funded at creation")
		}
		if in.Transfer.SourceAccountID == "" {
			return ledger.Invalid("transfer.source_account_id", "required")
		}
		if in.Transfer.SourceAccountID == in.AccountID {
			return ledger.Invalid("transfer.source_account_id", "must differ from the period account")
		}
	}
	return nil
}

// Created is a new (or replayed) period plus the funding movement, if any.
type Created struct {
	Period   ledger.Period
	Transfer *ledger.Movement
	Replayed bool
}

// Create validates and stores a period. With a Transfer, the allocated
// amount is moved from the source account in the same transaction; a short
// source balance rejects the whole creation.
func (s *Service) Create(ctx context.Context, in CreateInput) (Created, error) {
	if err := in.validate(); err != nil {
		return Created{}, err
	}
	daily, err := allocation.DailyAmount(in.AllocatedAmount, in.Days)
	if err != nil {
		return Created{}, err
	}

	var out Created
	err = s.Engine.Atomic(ctx, createOperation, func(u *engine.Unit) error {
		out = Created{}
		if id, found, err := u.Recall(ctx, in.Owner, in.IdempotencyKey, createOperation); err != nil {
			return err
		} else if found {
			out.Replayed = true
			out.Period, err = engine.OwnedPeriod(ctx, u.Tx(), in.Owner, ledger.PeriodID(id))
			return err
		}

		acc, err := engine.OwnedAccount(ctx, u.Tx(), in.Owner, in.AccountID)
		if err != nil {
			return err
		}
		currency, err := periodCurrency(acc, in.Currency)
		if err != nil {
			return err
		}

		start := in.StartsAt
		if start.IsZero() {
			start = u.Today()
		}
		p, err := u.InsertPeriod(ctx, ledger.Period{
			ID:              ledger.PeriodID(u.NewID()),
			Owner:           in.Owner,
			AccountID:       acc.ID,
			Name:            strings.TrimSpace(in.Name),
			Percentage:      in.Percentage,
			Days:            in.Days,
			AllocatedAmount: in.AllocatedAmount,
			SpentAmount:     decimal.Zero,
			DailyAmount:     daily,
			Currency:        currency,
			StartsAt:        start,
			EndsAt:          allocation.EndsAt(start, in.Days),
			Status:          in.Status,
			CreatedAt:       u.Now(),
		})
		if err != nil {
			return err
		}
		out.Period = p

		if in.Transfer != nil && in.AllocatedAmount.IsPositive() {
			eff, err := u.Apply(ctx, ledger.Movement{
				Owner:          in.Owner,
				Type:           ledger.MovementTransfer,
				Amount:         in.AllocatedAmount,
				Currency:       currency,
				AccountID:      in.Transfer.SourceAccountID,
				CounterpartyID: acc.ID,
				PeriodID:       p.ID,
				Description:    "funding for period " + p.Name,
			})
			if err != nil {
				return fmt.Errorf("fund period: %w", err)
			}
			out.Transfer = &eff.Movement
		}

		return u.Remember(ctx, in.Owner, in.IdempotencyKey, createOperation, string(p.ID))
	})
	return out, err
}

func periodCurrency(acc ledger.Account, requested string) (ledger.Currency, error) {
	if requested == "" {
		if len(acc.Currencies) != 1 {
			return "", ledger.Invalid("currency", fmt.Sprintf("account %s holds several currencies; pick one", acc.ID))
		}
		return acc.Currencies[0], nil
	}
	c := ledger.NormalizeCurrency(requested)
	if !acc.Holds(c) {
		return "", ledger.Invalid("currency", fmt.Sprintf("account %s does not hold %s", acc.ID, c))
	}
	return c, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

func (s *Service) Activate(ctx context.Context, owner ledger.OwnerID, id ledger.PeriodID) (ledger.Period, error) {
	var out ledger.Period
	err := s.Engine.Atomic(ctx, "activate_period", func(u *engine.Unit) error {
		p, err := engine.OwnedPeriod(ctx, u.Tx(), owner, id)
		if err != nil {
			return err
		}
		if !p.Status.CanTransitionTo(ledger.PeriodActive) {
			return transitionError(p, "activate")
		}
		p.Status = ledger.PeriodActive
		out, err = u.UpdatePeriod(ctx, p)
		return err
	})
	return out, err
}

type CloseInput struct {
	Owner    ledger.OwnerID
	PeriodID ledger.PeriodID
	Refund   bool
	// RefundAccountID defaults to the owner's primary account. It must not
	// be the period's own account.
	RefundAccountID ledger.AccountID
}

// Closed is the terminal period and the refund movement, if one was made.
type Closed struct {
	Period ledger.Period
	Refund *ledger.Movement
}

// Finish moves an active period to finished, refunding what is left when asked.
func (s *Service) Finish(ctx context.Context, in CloseInput) (Closed, error) {
	return s.close(ctx, "finish_period", ledger.PeriodFinished, in)
}

// Cancel ends a draft or active period. A draft period never refunds: it
// was never funded through the ledger.
func (s *Service) Cancel(ctx context.Context, in CloseInput) (Closed, error) {
	return s.close(ctx, "cancel_period", ledger.PeriodCancelled, in)
}

func (s *Service) close(ctx context.Context, operation string, to ledger.PeriodStatus, in CloseInput) (Closed, error) {
	var out Closed
	err := s.Engine.Atomic(ctx, operation, func(u *engine.Unit) error {
		out = Closed{}
		p, err := engine.OwnedPeriod(ctx, u.Tx(), in.Owner, in.PeriodID)
		if err != nil {
			return err
		}
		if !p.Status.CanTransitionTo(to) {
			return transitionError(p, strings.TrimSuffix(operation, "_period"))
		}

		remaining, err := allocation.Remaining(p.AllocatedAmount, p.SpentAmount)
		if err != nil {
			return &ledger.InconsistencyError{Kind: "period", ID: string(p.ID), Detail: err.Error()}
		}

		if in.Refund && p.Status == ledger.PeriodActive && remaining.IsPositive() {
			target, err := refundAccount(ctx, u.Tx(), p, in.RefundAccountID)
			if err != nil {
				return err
			}
			eff, err := u.Apply(ctx, ledger.Movement{
				Owner:          p.Owner,
				Type:           ledger.MovementTransfer,
				Amount:         remaining,
				Currency:       p.Currency,
				AccountID:      p.AccountID,
				CounterpartyID: target.ID,
				PeriodID:       p.ID,
				Description:    "refund of period " + p.Name,
			})
			if err != nil {
				return fmt.Errorf("refund period %s: %w", p.ID, err)
			}
			out.Refund = &eff.Movement
		}

		now := u.Now()
		p.Status = to
		p.FinishedAt = &now
		out.Period, err = u.UpdatePeriod(ctx, p)
		return err
	})
	return out, err
}

func refundAccount(ctx context.Context, r ledger.Reader, p ledger.Period, requested ledger.AccountID) (ledger.Account, error) {
	var (
		acc ledger.Account
		err error
	)
	if requested != "" {
		acc, err = engine.OwnedAccount(ctx, r, p.Owner, requested)
	} else {
		acc, err = engine.PrimaryAccount(ctx, r, p.Owner)
	}
	if err != nil {
		return ledger.Account{}, err
	}
	if acc.ID == p.AccountID {
		return ledger.Account{}, ledger.Invalid("refund_account_id", "refund account must differ from the period account")
	}
	return acc, nil
}

func transitionError(p ledger.Period, op string) error {
	return &ledger.InvalidStateError{Kind: "period", ID: string(p.ID), Status: string(p.Status), Operation: op}
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, owner ledger.OwnerID, id ledger.PeriodID) (ledger.Period, error) {
	return engine.OwnedPeriod(ctx, s.Engine.Reader(), owner, id)
}

type ListFilter struct {
	AccountID ledger.AccountID
	Statuses  []ledger.PeriodStatus
}

func (s *Service) List(ctx context.Context, owner ledger.OwnerID, f ListFilter) ([]ledger.Period, error) {
	if owner == "" {
		return nil, ledger.Invalid("owner", "required")
	}
	return s.Engine.Reader().Periods(ctx, ledger.PeriodFilter{
		Owner:     owner,
		AccountID: f.AccountID,
		Statuses:  f.Statuses,
	})
}

// Summary is a period with its "safe to spend" view and the day-by-day
// projection from today to the end of the period.
type Summary struct {
	Period     ledger.Period
	Snapshot   allocation.Snapshot
	Projection []allocation.Projection
}

// Summary describes id as seen on today (zero means the engine's today).
func (s *Service) Summary(ctx context.Context, owner ledger.OwnerID, id ledger.PeriodID, today ledger.Date) (Summary, error) {
	p, err := s.Get(ctx, owner, id)
	if err != nil {
		return Summary{}, err
	}
	if today.IsZero() {
		today = s.Engine.Today()
	}
	return Summary{
		Period:     p,
		Snapshot:   allocation.Snap(p.StartsAt, p.EndsAt, today, p.AllocatedAmount, p.SpentAmount, p.DailyAmount),
		Projection: allocation.Collect(allocation.ProjectionSeries(p.StartsAt, p.EndsAt, today, p.DailyAmount, p.SpentAmount)),
	}, nil
}

// =============================================================================
// EXPIRY
// =============================================================================

// ExpiryReport lists what one ExpireDue sweep did.
type ExpiryReport struct {
	Finished []ledger.PeriodID
	Refunded []ledger.PeriodID
	// Unrefunded periods were finished without a refund because the period
	// account no longer held the remaining balance.
	Unrefunded []ledger.PeriodID
	Failed     map[ledger.PeriodID]error
}

// ExpireDue finishes every active period, across owners, whose ends_at is
// before today. With refund, what is left goes to the owner's primary
// account when that exists and differs from the period account; otherwise
// the period is finished without a refund. A refund the period account can
// no longer cover is dropped and the period is finished anyway, listed under
// Unrefunded. One failure doesn't stop the sweep.
func (s *Service) ExpireDue(ctx context.Context, today ledger.Date, refund bool) (ExpiryReport, error) {
	r := s.Engine.Reader()
	due, err := r.Periods(ctx, ledger.PeriodFilter{
		Statuses:   []ledger.PeriodStatus{ledger.PeriodActive},
		EndsBefore: &today,
	})
	if err != nil {
		return ExpiryReport{}, err
	}

	report := ExpiryReport{Failed: map[ledger.PeriodID]error{}}
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		in := CloseInput{Owner: p.Owner, PeriodID: p.ID}
		if refund {
			if primary, err := engine.PrimaryAccount(ctx, r, p.Owner); err == nil && primary.ID != p.AccountID {
				in.Refund = true
				in.RefundAccountID = primary.ID
			}
		}
		closed, err := s.Finish(ctx, in)
		if err != nil && in.Refund && errors.Is(err, ledger.ErrInsufficientBalance) {
			in.Refund, in.RefundAccountID = false, ""
			if closed, err = s.Finish(ctx, in); err == nil {
				report.Unrefunded = append(report.Unrefunded, p.ID)
			}
		}
		if err != nil {
			report.Failed[p.ID] = err
			continue
		}
		report.Finished = append(report.Finished, p.ID)
		if closed.Refund != nil {
			report.Refunded = append(report.Refunded, p.ID)
		}
	}
	return report, nil
}
