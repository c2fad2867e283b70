// Package node assembles the LP node: it connects the bitcoin, Lightning
// and smart-contract backends, builds the four swap handlers on top of them
// and serves them over REST.
package node

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/config"
	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/internal/contract/evm"
	"github.com/klingon-exchange/klingon-lp/internal/keys"
	"github.com/klingon-exchange/klingon-lp/internal/lightning"
	"github.com/klingon-exchange/klingon-lp/internal/lightning/lnd"
	"github.com/klingon-exchange/klingon-lp/internal/nonce"
	"github.com/klingon-exchange/klingon-lp/internal/pricing"
	"github.com/klingon-exchange/klingon-lp/internal/rest"
	"github.com/klingon-exchange/klingon-lp/internal/spv"
	"github.com/klingon-exchange/klingon-lp/internal/storage"
	"github.com/klingon-exchange/klingon-lp/internal/swap"
	"github.com/klingon-exchange/klingon-lp/internal/swap/frombtc"
	"github.com/klingon-exchange/klingon-lp/internal/swap/frombtcln"
	"github.com/klingon-exchange/klingon-lp/internal/swap/tobtc"
	"github.com/klingon-exchange/klingon-lp/internal/swap/tobtcln"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// Backends are the external capabilities the handlers run on.
type Backends struct {
	KV        storage.KV
	Contract  contract.SwapContract
	Events    contract.ChainEvents
	Relay     spv.Relay
	Chain     bitcoin.ChainSource
	Wallet    bitcoin.Wallet
	Lightning lightning.Client

	// RunEvents drives Events until ctx is canceled; nil if Events is
	// pushed by someone else.
	RunEvents func(ctx context.Context)
	// Close releases the connections; may be nil.
	Close func() error
}

// Node is a running LP node.
type Node struct {
	cfg      *config.Config
	backends *Backends
	deps     *swap.Deps
	oracle   *pricing.FixedRate
	hub      *rest.Hub
	rest     *rest.Server
	handlers []swap.Handler
	log      *logging.Logger

	startTime time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Dial connects every backend named in cfg. password unlocks an encrypted
// seed file.
func Dial(ctx context.Context, cfg *config.Config, password string) (*Backends, error) {
	params, err := cfg.Network.Params()
	if err != nil {
		return nil, err
	}

	kv, err := storage.Open(&storage.Config{DataDir: cfg.Storage.DataDir, Backend: cfg.Storage.Backend})
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	closers := []func() error{kv.Close}
	closeAll := func() error {
		var first error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	fail := func(err error) (*Backends, error) {
		closeAll()
		return nil, err
	}

	mnemonic, err := keys.ReadSeedFile(config.ResolvePath(cfg.Storage.DataDir, cfg.Chain.MnemonicFile), password)
	if err != nil {
		return fail(err)
	}
	keyring, err := keys.FromMnemonic(mnemonic, "", params)
	if err != nil {
		return fail(err)
	}
	key, err := keyring.EVMKey(cfg.Chain.AccountIndex)
	if err != nil {
		return fail(err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.Timeout)
	defer cancel()
	eth, err := evm.Dial(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() error { eth.Close(); return nil })

	c, err := evm.NewSwapContract(eth, &evm.Config{
		Address: common.HexToAddress(cfg.Chain.SwapContract),
		ChainID: new(big.Int).SetUint64(cfg.Chain.ChainID),
		GasTip:  gasTip(cfg.Chain.GasTipGwei),
	}, key)
	if err != nil {
		return fail(err)
	}
	poller, err := evm.NewPoller(eth, common.HexToAddress(cfg.Chain.SwapContract), kv, evm.PollerConfig{
		Interval:      cfg.Chain.PollInterval,
		PageSize:      cfg.Chain.LogPageSize,
		StartBlock:    cfg.Chain.StartBlock,
		Confirmations: cfg.Chain.Confirmations,
	})
	if err != nil {
		return fail(err)
	}
	relay, err := evm.NewRelay(eth, common.HexToAddress(cfg.Chain.RelayContract), cfg.Chain.StartBlock, cfg.Chain.LogPageSize)
	if err != nil {
		return fail(err)
	}

	ln, err := lnd.Dial(&lnd.Config{
		Host:           cfg.LND.Host,
		TLSCertPath:    config.ExpandPath(cfg.LND.TLSCertPath),
		MacaroonPath:   config.ExpandPath(cfg.LND.MacaroonPath),
		PaymentTimeout: cfg.LND.Timeout,
	}, params)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, ln.Close)

	if err := ln.Ping(dialCtx); err != nil {
		return fail(fmt.Errorf("lnd: %w", err))
	}

	btc := bitcoin.NewRPCClient(cfg.Bitcoind.URL, cfg.Bitcoind.User, cfg.Bitcoind.Password, cfg.Bitcoind.Timeout)
	if err := btc.Ping(dialCtx); err != nil {
		return fail(fmt.Errorf("bitcoind: %w", err))
	}

	return &Backends{
		KV:        kv,
		Contract:  c,
		Events:    poller,
		Relay:     relay,
		Chain:     btc,
		Wallet:    ln,
		Lightning: ln,
		RunEvents: poller.Run,
		Close:     closeAll,
	}, nil
}

func gasTip(gwei uint64) *big.Int {
	if gwei == 0 {
		return nil
	}
	return evm.GweiToWei(gwei)
}

// New builds the node on top of b. Nothing runs until Start.
func New(cfg *config.Config, b *Backends) (*Node, error) {
	params, err := cfg.Network.Params()
	if err != nil {
		return nil, err
	}

	oracle := pricing.NewFixedRate()
	for symbol, t := range cfg.Pricing.Tokens {
		if err := oracle.SetRate(t.Address, symbol, t.Decimals, t.PricePerBTC); err != nil {
			return nil, fmt.Errorf("pricing.tokens.%s: %w", symbol, err)
		}
	}

	nonces, err := nonce.Load(b.KV)
	if err != nil {
		return nil, err
	}

	hub := rest.NewHub()
	deps := &swap.Deps{
		Contract: b.Contract,
		Events:   b.Events,
		Nonces:   nonces,
		KV:       b.KV,
		Oracle:   oracle,
		Notifier: hub,
		Params:   cfg.Swaps.Common,
	}

	n := &Node{
		cfg:      cfg,
		backends: b,
		deps:     deps,
		oracle:   oracle,
		hub:      hub,
		log:      logging.GetDefault().Component("node"),
	}
	n.handlers = []swap.Handler{
		tobtc.New(deps, cfg.Swaps.ToBtc, tobtc.Bitcoin{
			Chain:  b.Chain,
			Wallet: b.Wallet,
			Relay:  b.Relay,
			Params: params,
		}),
		frombtc.New(deps, cfg.Swaps.FromBtc, b.Wallet, params),
		tobtcln.New(deps, cfg.Swaps.ToBtcLn, b.Lightning),
		frombtcln.New(deps, cfg.Swaps.FromBtcLn, b.Lightning),
	}

	routes := make([]rest.Routes, 0, len(n.handlers))
	for _, h := range n.handlers {
		routes = append(routes, h)
	}
	n.rest = rest.NewServer(hub, n.Info, routes...)
	return n, nil
}

// Handlers returns the swap handlers in registration order.
func (n *Node) Handlers() []swap.Handler {
	return n.handlers
}

// Start loads every handler's swaps, starts the event source, the
// watchdogs and the REST server.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.startTime = time.Now()

	for _, h := range n.handlers {
		if err := h.Init(ctx); err != nil {
			n.cancel()
			return fmt.Errorf("failed to init %s handler: %w", h.Direction(), err)
		}
	}

	n.goRun(func() { n.hub.Run(ctx) })
	if n.backends.RunEvents != nil {
		n.goRun(func() { n.backends.RunEvents(ctx) })
	}
	for _, h := range n.handlers {
		h := h
		n.goRun(func() { h.StartWatchdog(ctx) })
	}

	if err := n.rest.Start(n.cfg.REST.Listen); err != nil {
		n.cancel()
		n.wg.Wait()
		return err
	}

	n.log.Info("Node started", "network", n.cfg.Network, "address", n.deps.Contract.Address().String())
	return nil
}

func (n *Node) goRun(fn func()) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		fn()
	}()
}

// Stop shuts the REST server down, waits for the background loops and
// closes the backends.
func (n *Node) Stop() error {
	if err := n.rest.Stop(); err != nil {
		n.log.Warn("REST shutdown failed", "error", err)
	}
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.backends.Close != nil {
		if err := n.backends.Close(); err != nil {
			return fmt.Errorf("failed to close backends: %w", err)
		}
	}
	n.log.Info("Node stopped")
	return nil
}

// Addr is the REST listen address once started.
func (n *Node) Addr() string {
	return n.rest.Addr()
}
