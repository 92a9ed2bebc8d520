package sqldb

import (
	"context"

	"github.com/ffs/balance-engine/fx"
	"github.com/ffs/balance-engine/ledger"
)

// =============================================================================
// EXCHANGE RATES (fx.RateSource / fx.RateWriter)
// =============================================================================

var (
	_ fx.RateSource = (*Store)(nil)
	_ fx.RateWriter = (*Store)(nil)
)

func (s *Store) UpsertRate(ctx context.Context, r fx.Rate) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.reader()
	_, err := c.exec(ctx, `INSERT INTO exchange_rates (from_currency, to_currency, rate_date, rate)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (from_currency, to_currency, rate_date) DO UPDATE SET rate = excluded.rate`,
		r.From, r.To, formatDate(r.Date), r.Rate.String())
	return mapError("upsert exchange rate", err)
}

func (s *Store) RatesOn(ctx context.Context, day ledger.Date) ([]fx.Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := s.reader()
	rows, err := c.query(ctx, `SELECT from_currency, to_currency, rate_date, rate FROM exchange_rates
		WHERE rate_date <= ?`, formatDate(day))
	if err != nil {
		return nil, mapError("query exchange rates", err)
	}
	defer rows.Close()

	var all []fx.Rate
	for rows.Next() {
		var (
			r          fx.Rate
			date, rate string
		)
		if err := rows.Scan(&r.From, &r.To, &date, &rate); err != nil {
			return nil, mapError("scan exchange rate", err)
		}
		r.Date = parseDate(date)
		r.Rate = ledger.MustParseDecimal(rate)
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("query exchange rates", err)
	}
	return fx.Latest(all, day), nil
}
