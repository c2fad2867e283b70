package config

import (
	"errors"
	"fmt"
	"time"
)

// SwapsConfig holds the parameters of the four swap handlers.
type SwapsConfig struct {
	Common    SwapParams      `yaml:"common"`
	ToBtc     ToBtcConfig     `yaml:"tobtc"`
	FromBtc   FromBtcConfig   `yaml:"frombtc"`
	ToBtcLn   ToBtcLnConfig   `yaml:"tobtcln"`
	FromBtcLn FromBtcLnConfig `yaml:"frombtcln"`
}

// SwapParams are shared by every handler.
type SwapParams struct {
	// GracePeriod is the slack kept between our last action and an escrow
	// expiry.
	GracePeriod time.Duration `yaml:"grace_period"`
	// BitcoinBlocktime is the assumed average bitcoin block interval.
	BitcoinBlocktime time.Duration `yaml:"bitcoin_blocktime"`
	// SafetyFactor scales every block-count-to-time conversion.
	SafetyFactor uint64 `yaml:"safety_factor"`
	// AuthTimeout is how long a signed authorization stays valid.
	AuthTimeout time.Duration `yaml:"auth_timeout"`
	// LockTimeout bounds how long a swap stays locked for one irreversible
	// action.
	LockTimeout time.Duration `yaml:"lock_timeout"`
	// Workers bounds the per-scan watchdog concurrency.
	Workers int `yaml:"workers"`
	// RPCTimeout bounds each call made while processing one swap.
	RPCTimeout time.Duration `yaml:"rpc_timeout"`
}

// Limits bound the amount of a swap and define its fee.
type Limits struct {
	Enabled bool   `yaml:"enabled"`
	Min     uint64 `yaml:"min"`
	Max     uint64 `yaml:"max"`
	BaseFee uint64 `yaml:"base_fee"`
	// FeePPM is the proportional fee in parts per million.
	FeePPM uint64 `yaml:"fee_ppm"`
}

// ToBtcConfig configures on-chain BTC payouts.
type ToBtcConfig struct {
	Limits           `yaml:",inline"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	SendSafetyFactor uint64        `yaml:"send_safety_factor"`
	// MinEndCltv is the block margin kept after the payout confirmed.
	MinEndCltv uint64 `yaml:"min_end_cltv"`
	// NetworkFeeMultiplierPPM scales the estimated network fee when quoting.
	NetworkFeeMultiplierPPM uint64 `yaml:"network_fee_multiplier_ppm"`
	MaxConfirmations        uint64 `yaml:"max_confirmations"`
	MaxConfTarget           uint64 `yaml:"max_conf_target"`
	// MinNonceAge is how far in the past the nonce-derived locktime must be.
	MinNonceAge time.Duration `yaml:"min_nonce_age"`
}

// FromBtcConfig configures on-chain BTC deposits.
type FromBtcConfig struct {
	Limits           `yaml:",inline"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	// CsvDelta is the deposit window in blocks.
	CsvDelta      uint64 `yaml:"csv_delta"`
	Confirmations uint16 `yaml:"confirmations"`
}

// ToBtcLnConfig configures Lightning payouts.
type ToBtcLnConfig struct {
	Limits           `yaml:",inline"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	// MinCltv is the minimum block margin an invoice must leave us.
	MinCltv uint64 `yaml:"min_cltv"`
}

// FromBtcLnConfig configures Lightning deposits.
type FromBtcLnConfig struct {
	Limits           `yaml:",inline"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	// MinCltv is the final CLTV delta requested on hold invoices.
	MinCltv       uint64        `yaml:"min_cltv"`
	InvoiceExpiry time.Duration `yaml:"invoice_expiry"`
}

// DefaultSwapsConfig returns conservative mainnet parameters.
func DefaultSwapsConfig() SwapsConfig {
	limits := Limits{Enabled: true, Min: 10_000, Max: 10_000_000, BaseFee: 600, FeePPM: 3000}
	return SwapsConfig{
		Common: SwapParams{
			GracePeriod:      time.Hour,
			BitcoinBlocktime: 10 * time.Minute,
			SafetyFactor:     2,
			AuthTimeout:      10 * time.Minute,
			LockTimeout:      2 * time.Minute,
			Workers:          4,
			RPCTimeout:       30 * time.Second,
		},
		ToBtc: ToBtcConfig{
			Limits:                  limits,
			WatchdogInterval:        time.Minute,
			SendSafetyFactor:        2,
			MinEndCltv:              10,
			NetworkFeeMultiplierPPM: 1_250_000,
			MaxConfirmations:        6,
			MaxConfTarget:           12,
			MinNonceAge:             time.Hour,
		},
		FromBtc: FromBtcConfig{
			Limits:           limits,
			WatchdogInterval: 5 * time.Minute,
			CsvDelta:         72,
			Confirmations:    2,
		},
		ToBtcLn: ToBtcLnConfig{
			Limits:           limits,
			WatchdogInterval: time.Minute,
			MinCltv:          10,
		},
		FromBtcLn: FromBtcLnConfig{
			Limits:           limits,
			WatchdogInterval: time.Minute,
			MinCltv:          144,
			InvoiceExpiry:    time.Hour,
		},
	}
}

// Validate checks the swap parameters.
func (s SwapsConfig) Validate() error {
	c := s.Common
	if c.SafetyFactor == 0 {
		return errors.New("swaps.common.safety_factor must be positive")
	}
	if c.BitcoinBlocktime < time.Second {
		return errors.New("swaps.common.bitcoin_blocktime must be at least 1s")
	}
	if c.Workers <= 0 {
		return errors.New("swaps.common.workers must be positive")
	}
	for name, l := range map[string]Limits{
		"tobtc":     s.ToBtc.Limits,
		"frombtc":   s.FromBtc.Limits,
		"tobtcln":   s.ToBtcLn.Limits,
		"frombtcln": s.FromBtcLn.Limits,
	} {
		if l.Enabled && l.Min > l.Max {
			return fmt.Errorf("swaps.%s: min %d exceeds max %d", name, l.Min, l.Max)
		}
	}
	if s.FromBtc.CsvDelta > 0xFFFF {
		return fmt.Errorf("swaps.frombtc.csv_delta %d out of range", s.FromBtc.CsvDelta)
	}
	return nil
}
