package swaptest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingon-lp/internal/bitcoin"
	"github.com/klingon-exchange/klingon-lp/internal/spv"
)

// Chain is an in-memory bitcoin chain. Blocks are built from real headers so
// relay lookups by block hash work.
type Chain struct {
	mu      sync.Mutex
	height  int64
	prev    chainhash.Hash
	txs     map[string]*wire.MsgTx
	blockOf map[string]string
	blocks  map[string]*bitcoin.Block
	headers map[string]spv.BlockHeader
	// Lookups counts GetTransaction calls.
	Lookups int
}

var _ bitcoin.ChainSource = (*Chain)(nil)

func NewChain(height int64) *Chain {
	return &Chain{
		height:  height,
		txs:     make(map[string]*wire.MsgTx),
		blockOf: make(map[string]string),
		blocks:  make(map[string]*bitcoin.Block),
		headers: make(map[string]spv.BlockHeader),
	}
}

// AddToMempool makes tx visible as unconfirmed.
func (c *Chain) AddToMempool(tx *wire.MsgTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[tx.TxHash().String()] = tx
}

// Mine puts the given mempool transactions into a new block on top of the
// chain, after a synthetic coinbase, and returns its header.
func (c *Chain) Mine(txids ...string) spv.BlockHeader {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.height++
	coinbase := chainhash.DoubleHashH([]byte(fmt.Sprintf("coinbase %d", c.height)))
	leaves := []chainhash.Hash{coinbase}
	ids := []string{coinbase.String()}
	for _, id := range txids {
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			panic(err)
		}
		leaves = append(leaves, *h)
		ids = append(ids, id)
	}
	root, _ := spv.MerkleRoot(leaves)

	header := spv.BlockHeader{
		Version:       0x20000000,
		PrevBlockHash: c.prev,
		MerkleRoot:    root,
		Timestamp:     uint32(1_700_000_000 + c.height*600),
		Bits:          0x207fffff,
	}
	hash := header.BlockHash()
	c.prev = hash

	c.blocks[hash.String()] = &bitcoin.Block{
		Hash:       hash.String(),
		Height:     c.height,
		MerkleRoot: root.String(),
		Time:       int64(header.Timestamp),
		TxIDs:      ids,
	}
	c.headers[hash.String()] = header
	for _, id := range txids {
		c.blockOf[id] = hash.String()
	}
	return header
}

// MineEmpty extends the chain by n blocks.
func (c *Chain) MineEmpty(n int) {
	for i := 0; i < n; i++ {
		c.Mine()
	}
}

func (c *Chain) GetBlock(_ context.Context, blockHash string) (*bitcoin.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.blocks[blockHash]
	if !ok {
		return nil, bitcoin.ErrBlockNotFound
	}
	cp := *b
	return &cp, nil
}

func (c *Chain) GetTransaction(_ context.Context, txID string) (*bitcoin.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Lookups++
	tx, ok := c.txs[txID]
	if !ok {
		return nil, bitcoin.ErrTxNotFound
	}
	out := &bitcoin.Transaction{TxID: txID, Tx: tx.Copy()}
	if bh, ok := c.blockOf[txID]; ok {
		out.BlockHash = bh
		out.Confirmations = c.height - c.blocks[bh].Height + 1
	}
	return out, nil
}

func (c *Chain) GetBlockHeight(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height, nil
}

// Wallet is an in-memory bitcoin.Wallet with a single large UTXO per
// funding.
type Wallet struct {
	mu     sync.Mutex
	params *chaincfg.Params
	next   byte
	chain  *Chain

	// FeeSat and SatPerVbyte are returned by EstimateFee.
	FeeSat      int64
	SatPerVbyte uint64
	// FundFee is the fee paid by every funded PSBT.
	FundFee int64

	Fundings   int
	Released   []bitcoin.OutputLock
	Published  []*wire.MsgTx
	PublishErr error
	// PublishErrAfter is returned after the transaction was broadcast, the
	// way a node reports a lost reply or an already-known transaction.
	PublishErrAfter error
}

var _ bitcoin.Wallet = (*Wallet)(nil)

// NewWallet returns a wallet whose published transactions land in chain's
// mempool. chain may be nil.
func NewWallet(params *chaincfg.Params, chain *Chain) *Wallet {
	return &Wallet{params: params, chain: chain, FeeSat: 1_000, SatPerVbyte: 5, FundFee: 800}
}

func (w *Wallet) address() (btcutil.Address, error) {
	w.next++
	var program [20]byte
	program[0] = 0xAA
	program[19] = w.next
	return btcutil.NewAddressWitnessPubKeyHash(program[:], w.params)
}

func (w *Wallet) NewAddress(context.Context) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	addr, err := w.address()
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

func (w *Wallet) EstimateFee(context.Context, []byte, int64, uint32) (int64, uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.FeeSat, w.SatPerVbyte, nil
}

func (w *Wallet) FundPsbt(_ context.Context, outputs []*wire.TxOut, _ uint64) (*bitcoin.FundedPsbt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Fundings++

	change, err := w.address()
	if err != nil {
		return nil, err
	}
	changeScript, err := txscript.PayToAddrScript(change)
	if err != nil {
		return nil, err
	}

	const changeValue = 50_000
	var total int64
	tx := wire.NewMsgTx(2)
	op := wire.OutPoint{Hash: chainhash.HashH([]byte{byte(w.Fundings)}), Index: 0}
	tx.AddTxIn(wire.NewTxIn(&op, nil, nil))
	for _, out := range outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
		total += out.Value
	}
	tx.AddTxOut(wire.NewTxOut(changeValue, changeScript))

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	packet.Inputs[0].WitnessUtxo = wire.NewTxOut(total+changeValue+w.FundFee, changeScript)

	return &bitcoin.FundedPsbt{
		Packet:      packet,
		ChangeIndex: int32(len(outputs)),
		Locks:       []bitcoin.OutputLock{{ID: [32]byte{1}, Outpoint: op}},
	}, nil
}

func (w *Wallet) FinalizePsbt(_ context.Context, packet *psbt.Packet) (*wire.MsgTx, error) {
	if packet == nil || packet.UnsignedTx == nil {
		return nil, errors.New("empty psbt")
	}
	tx := packet.UnsignedTx.Copy()
	for _, in := range tx.TxIn {
		in.Witness = wire.TxWitness{[]byte{0x30}, []byte{0x02}}
	}
	return tx, nil
}

func (w *Wallet) ReleaseOutputs(_ context.Context, locks []bitcoin.OutputLock) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Released = append(w.Released, locks...)
	return nil
}

func (w *Wallet) PublishTransaction(_ context.Context, tx *wire.MsgTx) error {
	w.mu.Lock()
	if w.PublishErr != nil {
		err := w.PublishErr
		w.mu.Unlock()
		return err
	}
	w.Published = append(w.Published, tx.Copy())
	after := w.PublishErrAfter
	w.mu.Unlock()
	if w.chain != nil {
		w.chain.AddToMempool(tx)
	}
	return after
}

// PublishCount returns how many transactions were broadcast.
func (w *Wallet) PublishCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.Published)
}

// Relay is an in-memory header relay holding every accepted header.
type Relay struct {
	mu      sync.Mutex
	synced  uint32
	headers []spv.CommittedHeader
}

var _ spv.Relay = (*Relay)(nil)

// Store accepts header at height and advances the synced height.
func (r *Relay) Store(header spv.BlockHeader, height uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers = append(r.headers, spv.CommittedHeader{Header: header, BlockHeight: height})
	if height > r.synced {
		r.synced = height
	}
}

// SetSynced overrides the synced height.
func (r *Relay) SetSynced(h uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = h
}

func (r *Relay) SyncedHeight(context.Context) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.synced, nil
}

func (r *Relay) IsCommitted(_ context.Context, height uint32, commitHash [32]byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.headers {
		if r.headers[i].BlockHeight == height && r.headers[i].CommitHash() == commitHash {
			return true, nil
		}
	}
	return false, nil
}

func (r *Relay) StoredHeaders(context.Context, chainhash.Hash, uint64) (*spv.HeaderPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	page := &spv.HeaderPage{Done: true}
	for i := len(r.headers) - 1; i >= 0; i-- {
		page.Headers = append(page.Headers, r.headers[i])
	}
	return page, nil
}
