// Package swap holds what the four swap handlers share: the swap record and
// its lock guard, the record store, the watchdog, response codes and fees.
package swap

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/nonce"
	"github.com/klingon-exchange/klingon-lp/internal/pricing"
	"github.com/klingon-exchange/klingon-lp/internal/storage"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

// Handler is one swap direction.
type Handler interface {
	Direction() Direction
	// Init loads persisted swaps and subscribes to chain events.
	Init(ctx context.Context) error
	// StartWatchdog runs the periodic re-scan until ctx is canceled.
	StartWatchdog(ctx context.Context)
	// ProcessEvents handles an ordered batch of chain events. Redelivery of
	// a batch is harmless.
	ProcessEvents(ctx context.Context, events []contract.Event) error
	RegisterRoutes(rg *gin.RouterGroup)
	// Info describes the handler for the info endpoint.
	Info() map[string]string
}

// Deps are the capabilities shared by every handler.
type Deps struct {
	Contract contract.SwapContract
	Events   contract.ChainEvents
	Nonces   *nonce.Counters
	KV       storage.KV
	Oracle   pricing.Oracle
	Notifier Notifier
	Params   config.SwapParams
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Clock returns the current time.
func (d *Deps) Clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RPCContext derives the context for one swap's external calls.
func (d *Deps) RPCContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Params.RPCTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Params.RPCTimeout)
}

// Acquire takes b's lock guard for the configured lock timeout.
func (d *Deps) Acquire(b *Base) (release func(), ok bool) {
	return b.Guard.Acquire(d.Clock(), d.Params.LockTimeout)
}

// BlocksToDuration converts a bitcoin block count to time.
func (d *Deps) BlocksToDuration(blocks uint64) time.Duration {
	return time.Duration(blocks) * d.Params.BitcoinBlocktime
}

// AuthExpiry returns the unix expiry of an authorization issued now.
func (d *Deps) AuthExpiry() uint64 {
	return uint64(d.Clock().Add(d.Params.AuthTimeout).Unix())
}

// CheckAmount validates amount against the direction's limits.
func CheckAmount(l config.Limits, amount uint64) error {
	if !l.Enabled {
		return Reject(CodeUnsupported, "swap direction disabled")
	}
	if amount < l.Min {
		return Reject(CodeAmountTooLow, "amount too low").WithData(
			"min", helpers.FormatUint(l.Min), "max", helpers.FormatUint(l.Max))
	}
	if amount > l.Max {
		return Reject(CodeAmountTooHigh, "amount too high").WithData(
			"min", helpers.FormatUint(l.Min), "max", helpers.FormatUint(l.Max))
	}
	return nil
}

// SwapFee is BaseFee plus FeePPM of amount.
func SwapFee(l config.Limits, amount uint64) uint64 {
	return l.BaseFee + helpers.ApplyPPM(amount, l.FeePPM)
}

// CheckToken rejects tokens the oracle cannot price.
func CheckToken(oracle pricing.Oracle, c contract.SwapContract, token string) (contract.Account, error) {
	acct, err := c.ParseAccount(token)
	if err != nil {
		return nil, Reject(CodeInvalidRequest, "invalid token")
	}
	if !oracle.IsSupported(acct.String()) {
		return nil, Reject(CodeUnsupported, "unsupported token")
	}
	return acct, nil
}

// LimitsInfo renders limits for Handler.Info.
func LimitsInfo(l config.Limits) map[string]string {
	return map[string]string{
		"enabled": fmt.Sprint(l.Enabled),
		"min":     helpers.FormatUint(l.Min),
		"max":     helpers.FormatUint(l.Max),
		"baseFee": helpers.FormatUint(l.BaseFee),
		"feePPM":  helpers.FormatUint(l.FeePPM),
	}
}
