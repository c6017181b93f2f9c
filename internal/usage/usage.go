// Package usage converts metered model usage into ledger credits.
//
// The translator is the only place fractional credit math happens. Its
// result is rounded to four decimal places here and rounded up to a whole
// credit by the ledger when the hold is captured.
package usage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Places is the precision of a translated credit amount.
const Places = 4

// ErrUnknownResourceClass is returned for a resource class with no rate.
// Unknown classes never price at zero.
var ErrUnknownResourceClass = errors.New("usage: unknown resource class")

// ErrNegativeUsage is returned for a record with a negative token count.
var ErrNegativeUsage = errors.New("usage: negative token count")

// Record is the metered consumption of one model call.
type Record struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// IsZero reports whether the call consumed nothing.
func (r Record) IsZero() bool {
	return r.InputTokens == 0 && r.OutputTokens == 0
}

// Rate is the price of one token in credits.
type Rate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// RateTable maps a resource class (model name) to its rate.
type RateTable map[string]Rate

// Classes returns the configured resource classes in sorted order.
func (t RateTable) Classes() []string {
	out := make([]string, 0, len(t))
	for class := range t {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// Validate rejects empty class names and negative rates.
func (t RateTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("usage: rate table: at least one resource class is required")
	}
	for class, r := range t {
		if class == "" {
			return fmt.Errorf("usage: rate table: resource class name is required")
		}
		if r.Input.IsNegative() || r.Output.IsNegative() {
			return fmt.Errorf("usage: rate table: %s: rates must not be negative", class)
		}
	}
	return nil
}

// Translator prices usage records against a rate table.
type Translator struct {
	rates RateTable
}

// NewTranslator creates a Translator over rates.
func NewTranslator(rates RateTable) *Translator {
	return &Translator{rates: rates}
}

// Credits returns round(input × inRate + output × outRate, 4).
func (t *Translator) Credits(r Record, class string) (decimal.Decimal, error) {
	rate, ok := t.rates[class]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownResourceClass, class)
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return decimal.Zero, fmt.Errorf("%w for %s", ErrNegativeUsage, class)
	}
	in := decimal.NewFromInt(r.InputTokens).Mul(rate.Input)
	out := decimal.NewFromInt(r.OutputTokens).Mul(rate.Output)
	return in.Add(out).Round(Places), nil
}

// Rate returns the rate configured for class.
func (t *Translator) Rate(class string) (Rate, bool) {
	r, ok := t.rates[class]
	return r, ok
}
