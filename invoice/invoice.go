/*
Package invoice turns a photo of a receipt into a draft expense.

PURPOSE:
  A user photographs a receipt; an AI model guesses vendor, date, total and
  currency. Those guesses are untrusted strings. Normalize parses them into
  a Draft whose every field stays editable, and lists what it could not
  read. Nothing here touches the ledger: the client confirms the draft and
  records an ordinary expense.

KEY TYPES:
  Extractor:  image bytes + mime type -> Extraction (raw strings)
  Extraction: what the model returned, verbatim
  Draft:      parsed, user-correctable values plus Issues

SEE ALSO:
  - image.go: decode, downscale and re-encode before upload
  - gemini.go: Extractor backed by the Gemini API
*/
package invoice

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ffs/balance-engine/ledger"
	"github.com/shopspring/decimal"
)

// Extractor reads a receipt image.
type Extractor interface {
	Extract(ctx context.Context, image []byte, mimeType string) (Extraction, error)
}

// Extraction holds the model's answer as returned. Fields may be empty or
// garbage.
type Extraction struct {
	Vendor      string     `json:"vendor"`
	Date        string     `json:"date"`
	Total       string     `json:"total"`
	Currency    string     `json:"currency"`
	Description string     `json:"description"`
	Items       []LineItem `json:"items,omitempty"`
}

type LineItem struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
}

// =============================================================================
// DRAFT
// =============================================================================

type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Draft struct {
	Vendor      string           `json:"vendor"`
	Date        ledger.Date      `json:"date"`
	Amount      *decimal.Decimal `json:"amount"`
	Currency    ledger.Currency  `json:"currency"`
	Description string           `json:"description"`
	Items       []DraftItem      `json:"items,omitempty"`
	Issues      []Issue          `json:"issues,omitempty"`
	Raw         Extraction       `json:"raw"`
}

type DraftItem struct {
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount"`
}

func (d *Draft) flag(field, format string, args ...any) {
	d.Issues = append(d.Issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Complete reports whether the draft has everything an expense needs.
func (d Draft) Complete() bool {
	return d.Amount != nil && d.Amount.IsPositive() && d.Currency != "" && !d.Date.IsZero()
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"02.01.2006",
	"2 Jan 2006",
	"Jan 2, 2006",
}

// Normalize parses an Extraction. fallback is used when the currency is
// missing or unreadable; today bounds plausible dates.
func Normalize(ex Extraction, fallback ledger.Currency, today ledger.Date) Draft {
	d := Draft{
		Vendor:      strings.TrimSpace(ex.Vendor),
		Description: strings.TrimSpace(ex.Description),
		Raw:         ex,
	}
	if d.Vendor == "" {
		d.flag("vendor", "not found on the receipt")
	}
	if d.Description == "" {
		d.Description = d.Vendor
	}

	switch c := currencyOf(ex.Currency, ex.Total); {
	case c != "":
		d.Currency = c
	case fallback != "":
		d.Currency = fallback
		d.flag("currency", "not found; assumed %s", fallback)
	default:
		d.flag("currency", "not found")
	}

	if amt, note, err := ParseAmount(ex.Total); err != nil {
		d.flag("amount", "%v", err)
	} else {
		d.Amount = &amt
		if note != "" {
			d.flag("amount", "%s", note)
		}
		if !amt.IsPositive() {
			d.flag("amount", "must be greater than zero")
		}
	}

	if date, ok := parseDate(ex.Date); !ok {
		d.flag("date", "could not read %q; using today", ex.Date)
		d.Date = today
	} else if date.After(today) {
		d.flag("date", "%s is in the future", date)
		d.Date = date
	} else {
		d.Date = date
	}

	var sum decimal.Decimal
	for i, it := range ex.Items {
		item := DraftItem{Description: strings.TrimSpace(it.Description)}
		if amt, _, err := ParseAmount(it.Amount); err == nil {
			item.Amount = &amt
			sum = sum.Add(amt)
		} else {
			d.flag(fmt.Sprintf("items[%d].amount", i), "%v", err)
		}
		d.Items = append(d.Items, item)
	}
	if d.Amount != nil && len(d.Items) > 0 && !sum.Equal(*d.Amount) {
		d.flag("items", "line items add up to %s, total says %s", sum.StringFixed(2), d.Amount.StringFixed(2))
	}
	return d
}

func parseDate(s string) (ledger.Date, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ledger.Date{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return ledger.DateOf(t), true
		}
	}
	return ledger.Date{}, false
}

var symbols = map[string]ledger.Currency{
	"€":   "EUR",
	"£":   "GBP",
	"US$": "USD",
	"R$":  "BRL",
}

func currencyOf(code, total string) ledger.Currency {
	c := ledger.NormalizeCurrency(code)
	if len(c) == 3 && strings.Trim(string(c), "ABCDEFGHIJKLMNOPQRSTUVWXYZ") == "" {
		return c
	}
	for sym, cur := range symbols {
		if strings.Contains(code, sym) || strings.Contains(total, sym) {
			return cur
		}
	}
	// "$" alone is ambiguous (USD, COP, MXN, ...).
	return ""
}

// =============================================================================
// AMOUNTS
// =============================================================================

var nonNumeric = regexp.MustCompile(`[^0-9.,\-]`)

// ParseAmount reads amounts written with either separator convention:
// "1,234.56", "1.234,56", "45.000" (thousands), "12,5". note explains a
// guess the caller may want to show.
func ParseAmount(raw string) (amount decimal.Decimal, note string, err error) {
	s := nonNumeric.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" || s == "-" {
		return decimal.Zero, "", fmt.Errorf("no amount in %q", raw)
	}

	dots, commas := strings.Count(s, "."), strings.Count(s, ",")
	lastDot, lastComma := strings.LastIndex(s, "."), strings.LastIndex(s, ",")

	switch {
	case dots > 0 && commas > 0:
		// The later separator is the decimal one.
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case commas > 1:
		s = strings.ReplaceAll(s, ",", "")
	case dots > 1:
		s = strings.ReplaceAll(s, ".", "")
	case commas == 1:
		if len(s)-lastComma-1 == 3 {
			s = strings.Replace(s, ",", "", 1)
			note = fmt.Sprintf("read %q as a thousands separator", raw)
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case dots == 1:
		if len(s)-lastDot-1 == 3 {
			s = strings.Replace(s, ".", "", 1)
			note = fmt.Sprintf("read %q as a thousands separator", raw)
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("unreadable amount %q", raw)
	}
	return ledger.Round2(d), note, nil
}
