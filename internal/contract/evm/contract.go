// Package evm implements the swap contract capabilities on an EVM chain:
// escrow reads and writes, authorization signing, the header relay and the
// contract event poller.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

var (
	ErrNotEVMEscrow = errors.New("escrow is not an EVM escrow")
	ErrReverted     = errors.New("transaction reverted")
)

// Backend is the chain access the adapter needs; *ethclient.Client
// satisfies it.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config configures the swap contract client.
type Config struct {
	Address common.Address
	ChainID *big.Int
	// GasTip is the priority fee per gas in wei; nil lets the node suggest.
	GasTip *big.Int
}

// SwapContract implements contract.SwapContract against the EVM escrow
// contract.
type SwapContract struct {
	backend Backend
	bound   *bind.BoundContract
	abi     *abi.ABI
	address common.Address
	chainID *big.Int
	gasTip  *big.Int
	key     *ecdsa.PrivateKey
	ourAddr common.Address
	log     *logging.Logger
}

var _ contract.SwapContract = (*SwapContract)(nil)

// Dial connects to an RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	return client, nil
}

// NewSwapContract binds the escrow contract at cfg.Address.
func NewSwapContract(backend Backend, cfg *Config, key *ecdsa.PrivateKey) (*SwapContract, error) {
	parsed, err := SwapMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse swap ABI: %w", err)
	}
	if cfg.ChainID == nil {
		return nil, fmt.Errorf("chain id required")
	}

	return &SwapContract{
		backend: backend,
		bound:   bind.NewBoundContract(cfg.Address, *parsed, backend, backend, backend),
		abi:     parsed,
		address: cfg.Address,
		chainID: cfg.ChainID,
		gasTip:  cfg.GasTip,
		key:     key,
		ourAddr: crypto.PubkeyToAddress(key.PublicKey),
		log:     logging.GetDefault().Component("evm"),
	}, nil
}

// ContractAddress returns the escrow contract address.
func (c *SwapContract) ContractAddress() common.Address {
	return c.address
}

// =============================================================================
// Accounts
// =============================================================================

// Address implements contract.SwapContract.
func (c *SwapContract) Address() contract.Account {
	return contract.Account(c.ourAddr.Bytes())
}

// IsValidAddress implements contract.SwapContract.
func (c *SwapContract) IsValidAddress(s string) bool {
	return common.IsHexAddress(s)
}

// ParseAccount implements contract.SwapContract.
func (c *SwapContract) ParseAccount(s string) (contract.Account, error) {
	if !common.IsHexAddress(s) {
		return nil, fmt.Errorf("%w: %q", contract.ErrInvalidAccount, s)
	}
	return contract.Account(common.HexToAddress(s).Bytes()), nil
}

func toAddress(a contract.Account) (common.Address, error) {
	if len(a) != common.AddressLength {
		return common.Address{}, fmt.Errorf("%w: length %d", contract.ErrInvalidAccount, len(a))
	}
	return common.BytesToAddress(a), nil
}

func asEVM(e contract.Escrow) (*contract.EVMEscrow, error) {
	v, ok := contract.Unwrap(e).(*contract.EVMEscrow)
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %T", ErrNotEVMEscrow, e)
	}
	return v, nil
}

// AreWeOfferer implements contract.SwapContract.
func (c *SwapContract) AreWeOfferer(e contract.Escrow) bool {
	v, err := asEVM(e)
	return err == nil && v.Offerer == c.ourAddr
}

// AreWeClaimer implements contract.SwapContract.
func (c *SwapContract) AreWeClaimer(e contract.Escrow) bool {
	v, err := asEVM(e)
	return err == nil && v.Claimer == c.ourAddr
}

// CreateSwapData implements contract.SwapContract.
func (c *SwapContract) CreateSwapData(p *contract.EscrowParams) (contract.Escrow, error) {
	offerer, err := toAddress(p.Offerer)
	if err != nil {
		return nil, fmt.Errorf("offerer: %w", err)
	}
	claimer, err := toAddress(p.Claimer)
	if err != nil {
		return nil, fmt.Errorf("claimer: %w", err)
	}
	token, err := toAddress(p.Token)
	if err != nil {
		return nil, fmt.Errorf("token: %w", err)
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("escrow amount must be positive")
	}
	if p.Kind > contract.KindChainNonced {
		return nil, fmt.Errorf("unknown escrow kind %d", p.Kind)
	}

	return &contract.EVMEscrow{
		Offerer:       offerer,
		Claimer:       claimer,
		Token:         token,
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

// =============================================================================
// Authorizations
// =============================================================================

func (c *SwapContract) sign(prefix string, nonce uint64, e contract.Escrow, timeout uint64) (*contract.Authorization, error) {
	if _, err := asEVM(e); err != nil {
		return nil, err
	}
	msg, err := contract.AuthorizationMessage(prefix, nonce, e, timeout)
	if err != nil {
		return nil, err
	}
	sig, err := SignMessage(c.key, msg)
	if err != nil {
		return nil, err
	}
	return &contract.Authorization{
		Prefix:    prefix,
		Nonce:     nonce,
		Timeout:   timeout,
		Signature: sig,
	}, nil
}

// GetInitSignature implements contract.SwapContract.
func (c *SwapContract) GetInitSignature(e contract.Escrow, nonceCounter, timeout uint64) (*contract.Authorization, error) {
	return c.sign(contract.PrefixInitialize, nonceCounter+1, e, timeout)
}

// GetClaimInitSignature implements contract.SwapContract.
func (c *SwapContract) GetClaimInitSignature(e contract.Escrow, nonceCounter, timeout uint64) (*contract.Authorization, error) {
	return c.sign(contract.PrefixClaimInitialize, nonceCounter+1, e, timeout)
}

// GetRefundSignature implements contract.SwapContract.
func (c *SwapContract) GetRefundSignature(e contract.Escrow, timeout uint64) (*contract.Authorization, error) {
	return c.sign(contract.PrefixRefund, e.Terms().Nonce, e, timeout)
}

// SignMessage signs keccak256(msg) and returns r || s || v with v in {0, 1}.
func SignMessage(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(crypto.Keccak256(msg), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign authorization: %w", err)
	}
	return sig, nil
}

// RecoverSigner returns the address that produced sig over msg.
func RecoverSigner(msg, sig []byte) (common.Address, error) {
	pub, err := crypto.SigToPub(crypto.Keccak256(msg), sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// =============================================================================
// View Functions
// =============================================================================

func (c *SwapContract) getEscrow(ctx context.Context, paymentHash [32]byte) (*contract.EVMEscrow, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "getEscrow", paymentHash); err != nil {
		return nil, fmt.Errorf("failed to get escrow: %w", err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getEscrow returned %d values", len(out))
	}
	t := *abi.ConvertType(out[0], new(escrowTuple)).(*escrowTuple)
	if t.Offerer == (common.Address{}) {
		return nil, nil
	}
	return fromTuple(t), nil
}

// GetCommitedData implements contract.SwapContract.
func (c *SwapContract) GetCommitedData(ctx context.Context, paymentHash [32]byte) (contract.Escrow, error) {
	e, err := c.getEscrow(ctx, paymentHash)
	if err != nil || e == nil {
		return nil, err
	}
	return e, nil
}

// IsCommited implements contract.SwapContract.
func (c *SwapContract) IsCommited(ctx context.Context, e contract.Escrow) (bool, error) {
	want, err := asEVM(e)
	if err != nil {
		return false, err
	}
	got, err := c.getEscrow(ctx, want.PaymentHash)
	if err != nil {
		return false, err
	}
	return got != nil && got.Equal(want), nil
}

// GetBalance implements contract.SwapContract.
func (c *SwapContract) GetBalance(ctx context.Context, token contract.Account) (*big.Int, error) {
	addr, err := toAddress(token)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", c.ourAddr, addr); err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// =============================================================================
// Claim and Refund
// =============================================================================

// ClaimWithSecret implements contract.SwapContract.
func (c *SwapContract) ClaimWithSecret(ctx context.Context, e contract.Escrow, secret [32]byte) error {
	v, err := asEVM(e)
	if err != nil {
		return err
	}
	return c.transact(ctx, "claimWithSecret", toTuple(v), secret)
}

// ClaimWithTxData implements contract.SwapContract.
func (c *SwapContract) ClaimWithTxData(ctx context.Context, e contract.Escrow, data *contract.TxClaimData) error {
	v, err := asEVM(e)
	if err != nil {
		return err
	}
	if data == nil || data.Proof == nil || data.Header == nil {
		return fmt.Errorf("incomplete tx claim data")
	}

	proof := make([][32]byte, len(data.Proof.Siblings))
	for i, h := range data.Proof.Siblings {
		proof[i] = h
	}
	return c.transact(ctx, "claimWithTxData", toTuple(v),
		data.Header.Serialize(),
		data.RawTx,
		data.Vout,
		uint32(data.Proof.Position),
		proof,
	)
}

// Refund implements contract.SwapContract.
func (c *SwapContract) Refund(ctx context.Context, e contract.Escrow) error {
	v, err := asEVM(e)
	if err != nil {
		return err
	}
	return c.transact(ctx, "refund", toTuple(v))
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (c *SwapContract) transact(ctx context.Context, method string, params ...interface{}) error {
	auth, err := c.newTransactor(ctx)
	if err != nil {
		return err
	}

	tx, err := c.bound.Transact(auth, method, params...)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	c.log.Info("Sent transaction", "method", method, "tx", tx.Hash().Hex())

	receipt, err := bind.WaitMined(ctx, c.backend, tx)
	if err != nil {
		return fmt.Errorf("failed waiting for %s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: %s %s", ErrReverted, method, tx.Hash().Hex())
	}
	return nil
}

func (c *SwapContract) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	if c.gasTip != nil {
		auth.GasTipCap = new(big.Int).Set(c.gasTip)
	}
	return auth, nil
}

// eventID returns the topic of a named event.
func eventID(a *abi.ABI, name string) (common.Hash, error) {
	ev, ok := a.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("event %s not in ABI", name)
	}
	return ev.ID, nil
}

// filterLogs runs one eth_getLogs query over [from, to].
func filterLogs(ctx context.Context, f bind.ContractFilterer, addr common.Address, from, to uint64, topics [][]common.Hash) ([]types.Log, error) {
	return f.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{addr},
		Topics:    topics,
	})
}

// GweiToWei converts a gwei amount to wei.
func GweiToWei(gwei uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(gwei), big.NewInt(1_000_000_000))
}
