// Package wallet implements the Wallet Adapter: a monetary view over the
// credit ledger at micro-cent precision (1 cent = 1,000,000 micro-cents),
// stored under the reserved credit.WalletKey key.
package wallet

import (
	"context"
	"fmt"
	"math"

	"github.com/nimbuscredit/ledger/credit"
	"github.com/nimbuscredit/ledger/types"
)

// MicroCentsPerCent is the scale factor between the ledger's integer units
// (micro-cents) and the caller-facing "cents" unit.
const MicroCentsPerCent = 1_000_000

// Service is the Wallet Adapter.
type Service struct {
	credits *credit.Service
}

// New creates a Wallet Adapter backed by the given Credits API.
func New(credits *credit.Service) *Service {
	return &Service{credits: credits}
}

// centsToMicroCents converts a (possibly fractional) cents amount to the
// integer micro-cent unit the ledger stores, rounding to the nearest unit.
func centsToMicroCents(cents float64) int64 {
	return int64(math.Round(cents * MicroCentsPerCent))
}

func microCentsToCents(microCents int64) float64 {
	return float64(microCents) / MicroCentsPerCent
}

// Add grants cents worth of balance to userID's wallet. currency is
// enforced against any existing wallet currency for this user.
func (s *Service) Add(ctx context.Context, userID string, cents float64, currency string, meta credit.Meta) (Balance, error) {
	meta.Currency = currency
	delta := centsToMicroCents(cents)
	res, err := s.credits.Grant(ctx, userID, credit.WalletKey, delta, meta)
	if err != nil {
		return Balance{}, err
	}
	return newBalance(res.Balance, currency), nil
}

// Consume subtracts cents worth of balance from userID's wallet. May drive
// the balance negative.
func (s *Service) Consume(ctx context.Context, userID string, cents float64, currency string, meta credit.Meta) (Balance, error) {
	meta.Currency = currency
	delta := centsToMicroCents(cents)
	res, err := s.credits.Consume(ctx, userID, credit.WalletKey, delta, meta)
	if err != nil {
		return Balance{}, err
	}
	return newBalance(res.Balance, currency), nil
}

// Balance is the caller-facing view of a wallet balance.
type Balance struct {
	Cents     float64 `json:"cents"`
	Currency  string  `json:"currency"`
	Formatted string  `json:"formatted"`
}

func newBalance(microCents int64, currency string) Balance {
	cents := microCentsToCents(microCents)
	return Balance{Cents: cents, Currency: currency, Formatted: FormatBalance(cents, currency)}
}

// GetBalance returns the wallet balance for userID, or nil if the user has
// no wallet balance row yet.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Balance, error) {
	row, err := s.credits.GetBalance(ctx, userID, credit.WalletKey)
	if err != nil {
		return nil, err
	}
	// A zero balance with no currency on record is indistinguishable from
	// "never written"; callers that need the distinction should consult
	// the history instead.
	if row == 0 {
		hist, err := s.credits.GetHistory(ctx, userID, credit.HistoryOpts{Key: credit.WalletKey, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(hist) == 0 {
			return nil, nil //nolint:nilnil // no wallet balance row has ever been written for this user
		}
		b := newBalance(row, hist[0].Currency)
		return &b, nil
	}

	hist, err := s.credits.GetHistory(ctx, userID, credit.HistoryOpts{Key: credit.WalletKey, Limit: 1})
	if err != nil {
		return nil, err
	}
	currency := ""
	if len(hist) > 0 {
		currency = hist[0].Currency
	}
	b := newBalance(row, currency)
	return &b, nil
}

// HistoryEntry is the caller-facing rendering of a wallet ledger entry.
// The ledger's "grant" transaction type renders here as "add".
type HistoryEntry struct {
	Type              string  `json:"type"` // add | consume | revoke | adjust
	Cents             float64 `json:"cents"`
	BalanceAfterCents float64 `json:"balance_after_cents"`
	Currency          string  `json:"currency"`
	Description       string  `json:"description,omitempty"`
}

// GetHistory returns userID's wallet history, paginated.
func (s *Service) GetHistory(ctx context.Context, userID string, limit, offset int) ([]HistoryEntry, error) {
	entries, err := s.credits.GetHistory(ctx, userID, credit.HistoryOpts{Key: credit.WalletKey, Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	result := make([]HistoryEntry, len(entries))
	for i, e := range entries {
		t := string(e.Type)
		if e.Type == credit.TxGrant {
			t = "add"
		}
		result[i] = HistoryEntry{
			Type:              t,
			Cents:             microCentsToCents(e.Amount),
			BalanceAfterCents: microCentsToCents(e.BalanceAfter),
			Currency:          e.Currency,
			Description:       e.Description,
		}
	}
	return result, nil
}

// FormatBalance renders a cents amount in currency using the same currency
// symbol and decimal-place tables as types.Money, so a wallet balance and a
// catalog price print with the same conventions. Unlike types.Money.String,
// which only ever has integer minor units, a wallet balance can carry
// sub-cent precision (converted down from micro-cents), so formatFixed
// grows past the currency's normal decimal count rather than truncating it.
func FormatBalance(cents float64, currency string) string {
	negative := cents < 0
	abs := cents
	if negative {
		abs = -abs
	}

	symbol := types.CurrencySymbol(currency)
	var body string
	if decimals := types.CurrencyDecimals(currency); decimals == 0 {
		body = symbol + formatFloor(abs)
	} else {
		body = symbol + formatFixed(abs/100, decimals)
	}

	if negative {
		return "−" + body
	}
	return body
}

func formatFloor(v float64) string {
	return fmt.Sprintf("%d", int64(math.Floor(v)))
}

// formatFixed renders v with exactly decimals places, but extends the
// precision when the value carries sub-unit fractional precision beyond
// what `decimals` would show (e.g. a balance of 1.5 cents in USD renders
// as "$0.015", not "$0.02").
func formatFixed(v float64, decimals int) string {
	scaled := v * math.Pow10(decimals)
	if math.Abs(scaled-math.Round(scaled)) < 1e-9 {
		return fmt.Sprintf("%.*f", decimals, v)
	}
	// Sub-unit precision present: grow decimals until the value round-trips
	// within float precision, capped well above any realistic micro-cent input.
	for extra := decimals + 1; extra <= 6; extra++ {
		s := fmt.Sprintf("%.*f", extra, v)
		if parsedRoundTrips(s, v) {
			return s
		}
	}
	return fmt.Sprintf("%.6f", v)
}

func parsedRoundTrips(s string, v float64) bool {
	var parsed float64
	if _, err := fmt.Sscanf(s, "%f", &parsed); err != nil {
		return false
	}
	return math.Abs(parsed-v) < 1e-9
}
