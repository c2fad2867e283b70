// Package swaptest provides in-memory capabilities for handler tests.
package swaptest

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/nonce"
	"github.com/klingon-exchange/klingon-lp/internal/pricing"
	"github.com/klingon-exchange/klingon-lp/internal/storage"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
)

const (
	// Token is priced 1:1 with satoshis.
	Token = "0x3333333333333333333333333333333333333333"
	// Counterparty is the other side of every test swap.
	Counterparty = "0x2222222222222222222222222222222222222222"
	// LP is the node's own account.
	LP = "0x1111111111111111111111111111111111111111"
)

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(t time.Time) *Clock { return &Clock{now: t} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Env bundles the shared fakes of one test.
type Env struct {
	KV       storage.KV
	Contract *Contract
	Events   *Events
	Clock    *Clock
	Deps     *swap.Deps
}

// NewEnv opens a bolt store in a temp dir and wires the fakes.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	kv, err := storage.OpenBolt(filepath.Join(t.TempDir(), "lp.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kv.Close() })

	nonces, err := nonce.Load(kv)
	if err != nil {
		t.Fatal(err)
	}
	oracle := pricing.NewFixedRate()
	if err := oracle.SetRate(Token, "TBTC", 8, "1"); err != nil {
		t.Fatal(err)
	}

	env := &Env{
		KV:       kv,
		Contract: NewContract(),
		Events:   &Events{},
		Clock:    NewClock(time.Unix(1_700_000_000, 0)),
	}
	env.Deps = &swap.Deps{
		Contract: env.Contract,
		Events:   env.Events,
		Nonces:   nonces,
		KV:       kv,
		Oracle:   oracle,
		Notifier: swap.NopNotifier{},
		Params: config.SwapParams{
			GracePeriod:      time.Hour,
			BitcoinBlocktime: 10 * time.Minute,
			SafetyFactor:     2,
			AuthTimeout:      10 * time.Minute,
			LockTimeout:      2 * time.Minute,
			Workers:          2,
			RPCTimeout:       5 * time.Second,
		},
		Now: env.Clock.Now,
	}
	return env
}

// Limits accepts 1,000 to 10,000,000 sats with a flat 500 sat fee.
func Limits() config.Limits {
	return config.Limits{Enabled: true, Min: 1_000, Max: 10_000_000, BaseFee: 500}
}

// Events is a ChainEvents the test drives by hand.
type Events struct {
	mu        sync.Mutex
	listeners []contract.Listener
}

func (e *Events) Subscribe(l contract.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Emit delivers one batch to every listener.
func (e *Events) Emit(ctx context.Context, events ...contract.Event) error {
	e.mu.Lock()
	ls := append([]contract.Listener(nil), e.listeners...)
	e.mu.Unlock()
	for _, l := range ls {
		if err := l(ctx, events); err != nil {
			return err
		}
	}
	return nil
}

// Contract is an in-memory SwapContract. The node's account is LP.
type Contract struct {
	mu        sync.Mutex
	us        common.Address
	committed map[[32]byte]contract.Escrow
	balance   *big.Int

	Claims     []ClaimCall
	Refunds    [][32]byte
	ClaimErr   error
	RefundErr  error
	LastNonces []uint64
}

// ClaimCall records a claim.
type ClaimCall struct {
	PaymentHash [32]byte
	Secret      [32]byte
	TxData      *contract.TxClaimData
}

var _ contract.SwapContract = (*Contract)(nil)

func NewContract() *Contract {
	return &Contract{
		us:        common.HexToAddress(LP),
		committed: make(map[[32]byte]contract.Escrow),
		balance:   big.NewInt(1_000_000_000),
	}
}

// Commit marks e as initialized on-chain and returns the matching event.
func (c *Contract) Commit(e contract.Escrow, nonce uint64) *contract.InitializeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	hash := e.Terms().PaymentHash
	c.committed[hash] = e
	return &contract.InitializeEvent{PaymentHash: hash, Nonce: nonce, Data: e}
}

// Remove drops a committed escrow as a claim or refund would.
func (c *Contract) Remove(hash [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.committed, hash)
}

// SetBalance sets the vault balance of every token.
func (c *Contract) SetBalance(v int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balance = big.NewInt(v)
}

func (c *Contract) Address() contract.Account { return contract.Account(c.us.Bytes()) }

func (c *Contract) ParseAccount(s string) (contract.Account, error) {
	if !common.IsHexAddress(s) {
		return nil, contract.ErrInvalidAccount
	}
	return contract.Account(common.HexToAddress(s).Bytes()), nil
}

func (c *Contract) IsValidAddress(s string) bool { return common.IsHexAddress(s) }

func (c *Contract) CreateSwapData(p *contract.EscrowParams) (contract.Escrow, error) {
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, errors.New("escrow amount must be positive")
	}
	return &contract.EVMEscrow{
		Offerer:       common.BytesToAddress(p.Offerer),
		Claimer:       common.BytesToAddress(p.Claimer),
		Token:         common.BytesToAddress(p.Token),
		Amount:        new(big.Int).Set(p.Amount),
		PaymentHash:   p.PaymentHash,
		Expiry:        p.Expiry,
		Nonce:         p.Nonce,
		Confirmations: p.Confirmations,
		Kind:          p.Kind,
		PayIn:         p.PayIn,
		PayOut:        p.PayOut,
	}, nil
}

func (c *Contract) auth(prefix string, nonce uint64, e contract.Escrow, timeout uint64) (*contract.Authorization, error) {
	if _, err := contract.AuthorizationMessage(prefix, nonce, e, timeout); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.LastNonces = append(c.LastNonces, nonce)
	c.mu.Unlock()
	return &contract.Authorization{Prefix: prefix, Nonce: nonce, Timeout: timeout, Signature: []byte{0x01}}, nil
}

func (c *Contract) GetInitSignature(e contract.Escrow, nonceCounter, timeout uint64) (*contract.Authorization, error) {
	return c.auth(contract.PrefixInitialize, nonceCounter+1, e, timeout)
}

func (c *Contract) GetClaimInitSignature(e contract.Escrow, nonceCounter, timeout uint64) (*contract.Authorization, error) {
	return c.auth(contract.PrefixClaimInitialize, nonceCounter+1, e, timeout)
}

func (c *Contract) GetRefundSignature(e contract.Escrow, timeout uint64) (*contract.Authorization, error) {
	return c.auth(contract.PrefixRefund, e.Terms().Nonce, e, timeout)
}

func (c *Contract) IsCommited(_ context.Context, e contract.Escrow) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	got, ok := c.committed[e.Terms().PaymentHash]
	return ok && got.Equal(e), nil
}

func (c *Contract) GetCommitedData(_ context.Context, hash [32]byte) (contract.Escrow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.committed[hash], nil
}

func (c *Contract) ClaimWithSecret(_ context.Context, e contract.Escrow, secret [32]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ClaimErr != nil {
		return c.ClaimErr
	}
	hash := e.Terms().PaymentHash
	c.Claims = append(c.Claims, ClaimCall{PaymentHash: hash, Secret: secret})
	delete(c.committed, hash)
	return nil
}

func (c *Contract) ClaimWithTxData(_ context.Context, e contract.Escrow, data *contract.TxClaimData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ClaimErr != nil {
		return c.ClaimErr
	}
	hash := e.Terms().PaymentHash
	c.Claims = append(c.Claims, ClaimCall{PaymentHash: hash, TxData: data})
	delete(c.committed, hash)
	return nil
}

func (c *Contract) Refund(_ context.Context, e contract.Escrow) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RefundErr != nil {
		return c.RefundErr
	}
	hash := e.Terms().PaymentHash
	c.Refunds = append(c.Refunds, hash)
	delete(c.committed, hash)
	return nil
}

func (c *Contract) GetBalance(context.Context, contract.Account) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balance), nil
}

func (c *Contract) AreWeOfferer(e contract.Escrow) bool {
	return e.Terms().Offerer.Equal(c.Address())
}

func (c *Contract) AreWeClaimer(e contract.Escrow) bool {
	return e.Terms().Claimer.Equal(c.Address())
}

// ClaimCount returns how many claims were made.
func (c *Contract) ClaimCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Claims)
}

// RefundCount returns how many refunds were made.
func (c *Contract) RefundCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Refunds)
}
