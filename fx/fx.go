/*
Package fx converts balances into a display currency.

PURPOSE:
  Accounts hold native balances per currency and those are never converted
  in storage. When a client wants "everything in EUR" we convert on read,
  rounded to cents, and label the result as display-only.

KEY CONCEPTS:
  Rate:       1 unit of From = Rate units of To, valid from Date onwards
  RateSource: read-only lookup of the rates in effect on a day
  Table:      in-memory RateSource for dev and tests (store/sqldb has the durable one)

CONVERSION ORDER:
  1. same currency
  2. direct rate From->To
  3. inverse rate To->From
  4. one hop through any currency both sides have a rate for

SEE ALSO:
  - store/sqldb/rates.go
  - account/account.go: Balance uses Display
*/
package fx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

var ErrRateUnavailable = errors.New("exchange rate unavailable")

type Rate struct {
	From ledger.Currency
	To   ledger.Currency
	Rate decimal.Decimal
	Date ledger.Date
}

func (r Rate) Validate() error {
	if r.From == "" || r.To == "" {
		return ledger.Invalid("currency", "from and to are required")
	}
	if r.From == r.To {
		return ledger.Invalid("currency", "from and to must differ")
	}
	if !r.Rate.IsPositive() {
		return ledger.Invalid("rate", "must be positive")
	}
	if r.Date.IsZero() {
		return ledger.Invalid("date", "required")
	}
	return nil
}

// RateSource returns, for every pair it knows, the latest rate dated on or
// before day.
type RateSource interface {
	RatesOn(ctx context.Context, day ledger.Date) ([]Rate, error)
}

// RateWriter is implemented by sources that accept admin updates.
type RateWriter interface {
	UpsertRate(ctx context.Context, r Rate) error
}

// =============================================================================
// CONVERSION
// =============================================================================

// Convert converts amount using rates and rounds to cents.
func Convert(amount decimal.Decimal, from, to ledger.Currency, rates []Rate) (decimal.Decimal, error) {
	if from == to {
		return amount, nil
	}
	if f, ok := factor(from, to, rates); ok {
		return ledger.Round2(amount.Mul(f)), nil
	}

	for _, pivot := range currencies(rates) {
		if pivot == from || pivot == to {
			continue
		}
		a, ok := factor(from, pivot, rates)
		if !ok {
			continue
		}
		b, ok := factor(pivot, to, rates)
		if !ok {
			continue
		}
		return ledger.Round2(amount.Mul(a).Mul(b)), nil
	}
	return decimal.Zero, fmt.Errorf("%s->%s: %w", from, to, ErrRateUnavailable)
}

func factor(from, to ledger.Currency, rates []Rate) (decimal.Decimal, bool) {
	for _, r := range rates {
		if r.From == from && r.To == to {
			return r.Rate, true
		}
	}
	for _, r := range rates {
		if r.From == to && r.To == from && !r.Rate.IsZero() {
			return decimal.NewFromInt(1).DivRound(r.Rate, 12), true
		}
	}
	return decimal.Zero, false
}

func currencies(rates []Rate) []ledger.Currency {
	seen := map[ledger.Currency]bool{}
	var out []ledger.Currency
	for _, r := range rates {
		for _, c := range []ledger.Currency{r.From, r.To} {
			if !seen[c] {
				seen[c] = true
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Display is a converted view of native balances.
type Display struct {
	Currency ledger.Currency
	Total    decimal.Decimal
	// Converted holds each native balance expressed in Currency.
	Converted map[ledger.Currency]decimal.Decimal
	// Missing lists native currencies with no usable rate; they are left out of Total.
	Missing []ledger.Currency
}

// DisplayBalances converts every native balance into target.
func DisplayBalances(ctx context.Context, src RateSource, day ledger.Date, balances map[ledger.Currency]decimal.Decimal, target ledger.Currency) (Display, error) {
	out := Display{
		Currency:  target,
		Total:     decimal.Zero,
		Converted: make(map[ledger.Currency]decimal.Decimal, len(balances)),
	}

	var rates []Rate
	if src != nil {
		var err error
		rates, err = src.RatesOn(ctx, day)
		if err != nil {
			return Display{}, &ledger.DependencyError{Op: "load exchange rates", Err: err}
		}
	}

	natives := make([]ledger.Currency, 0, len(balances))
	for c := range balances {
		natives = append(natives, c)
	}
	sort.Slice(natives, func(i, j int) bool { return natives[i] < natives[j] })

	for _, c := range natives {
		v, err := Convert(balances[c], c, target, rates)
		if err != nil {
			out.Missing = append(out.Missing, c)
			continue
		}
		out.Converted[c] = v
		out.Total = out.Total.Add(v)
	}
	return out, nil
}

// =============================================================================
// IN-MEMORY TABLE
// =============================================================================

type Table struct {
	mu    sync.RWMutex
	rates []Rate
}

var (
	_ RateSource = (*Table)(nil)
	_ RateWriter = (*Table)(nil)
)

func NewTable(rates ...Rate) *Table {
	t := &Table{}
	for _, r := range rates {
		_ = t.UpsertRate(context.Background(), r)
	}
	return t
}

func (t *Table) UpsertRate(_ context.Context, r Rate) error {
	if err := r.Validate(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.rates {
		if existing.From == r.From && existing.To == r.To && existing.Date.Equal(r.Date) {
			t.rates[i] = r
			return nil
		}
	}
	t.rates = append(t.rates, r)
	return nil
}

func (t *Table) RatesOn(_ context.Context, day ledger.Date) ([]Rate, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Latest(t.rates, day), nil
}

// Latest keeps, per (From, To) pair, the newest rate dated on or before day.
func Latest(rates []Rate, day ledger.Date) []Rate {
	type pair struct{ from, to ledger.Currency }
	best := map[pair]Rate{}
	for _, r := range rates {
		if r.Date.After(day) {
			continue
		}
		k := pair{r.From, r.To}
		if cur, ok := best[k]; !ok || r.Date.After(cur.Date) {
			best[k] = r
		}
	}
	out := make([]Rate, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}
