// Package pricing converts between satoshis and token base units.
package pricing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

var ErrUnsupportedToken = errors.New("unsupported token")

// Oracle prices tokens against BTC.
type Oracle interface {
	IsSupported(token string) bool
	// SatsToToken converts sats into token base units, rounding down. With
	// roundUp set it rounds up instead.
	SatsToToken(token string, sats uint64, roundUp bool) (*big.Int, error)
	// TokenToSats converts token base units into sats, rounding down.
	TokenToSats(token string, amount *big.Int) (uint64, error)
}

// Rate is the fixed price of one token.
type Rate struct {
	Symbol   string
	Decimals uint8
	// PerBTC is how many whole tokens one BTC buys.
	PerBTC decimal.Decimal
}

// FixedRate is an Oracle with static per-token rates.
type FixedRate struct {
	mu    sync.RWMutex
	rates map[string]Rate
}

// NewFixedRate returns an empty oracle.
func NewFixedRate() *FixedRate {
	return &FixedRate{rates: make(map[string]Rate)}
}

func normalize(token string) string {
	return strings.ToLower(token)
}

// SetRate registers or replaces the rate of a token address. perBTC is a
// decimal string.
func (f *FixedRate) SetRate(token, symbol string, decimals uint8, perBTC string) error {
	rate, err := decimal.NewFromString(perBTC)
	if err != nil {
		return fmt.Errorf("invalid price for %s: %w", symbol, err)
	}
	if !rate.IsPositive() {
		return fmt.Errorf("price for %s must be positive", symbol)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates[normalize(token)] = Rate{Symbol: symbol, Decimals: decimals, PerBTC: rate}
	return nil
}

// Rates returns a copy of the rate table keyed by token.
func (f *FixedRate) Rates() map[string]Rate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Rate, len(f.rates))
	for k, v := range f.rates {
		out[k] = v
	}
	return out
}

func (f *FixedRate) rate(token string) (Rate, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.rates[normalize(token)]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnsupportedToken, token)
	}
	return r, nil
}

// IsSupported implements Oracle.
func (f *FixedRate) IsSupported(token string) bool {
	_, err := f.rate(token)
	return err == nil
}

// baseUnitsPerSat is PerBTC * 10^decimals / 10^8.
func (r Rate) baseUnitsPerSat() decimal.Decimal {
	return r.PerBTC.Shift(int32(r.Decimals)).Div(decimal.NewFromInt(helpers.SatsPerBTC))
}

// SatsToToken implements Oracle.
func (f *FixedRate) SatsToToken(token string, sats uint64, roundUp bool) (*big.Int, error) {
	r, err := f.rate(token)
	if err != nil {
		return nil, err
	}
	v := decimal.NewFromBigInt(new(big.Int).SetUint64(sats), 0).Mul(r.baseUnitsPerSat())
	if roundUp {
		v = v.Ceil()
	} else {
		v = v.Floor()
	}
	return v.BigInt(), nil
}

// TokenToSats implements Oracle.
func (f *FixedRate) TokenToSats(token string, amount *big.Int) (uint64, error) {
	r, err := f.rate(token)
	if err != nil {
		return 0, err
	}
	if amount == nil || amount.Sign() < 0 {
		return 0, fmt.Errorf("invalid token amount")
	}
	// sats = amount * 10^8 / (PerBTC * 10^decimals)
	v := decimal.NewFromBigInt(amount, 0).
		Mul(decimal.NewFromInt(helpers.SatsPerBTC)).
		DivRound(r.PerBTC.Shift(int32(r.Decimals)), 16).
		Floor()
	if !v.BigInt().IsUint64() {
		return 0, fmt.Errorf("token amount out of range")
	}
	return v.BigInt().Uint64(), nil
}
