package swap

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-lp/internal/contract"
	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

// Hash is a 32-byte payment hash or secret, hex encoded in JSON.
type Hash [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	if len(b) != 64 {
		return fmt.Errorf("hash must be 64 hex characters, got %d", len(b))
	}
	_, err := hex.Decode(h[:], b)
	return err
}

// ParseHash decodes a hex payment hash, with or without 0x prefix.
func ParseHash(s string) (Hash, error) {
	h, err := helpers.DecodeHash32(s)
	return Hash(h), err
}

// Direction identifies which handler owns a swap.
type Direction string

const (
	DirectionToBtc     Direction = "tobtc"
	DirectionFromBtc   Direction = "frombtc"
	DirectionToBtcLn   Direction = "tobtcln"
	DirectionFromBtcLn Direction = "frombtcln"
)

// Bucket is the storage bucket holding this direction's records.
func (d Direction) Bucket() string {
	return "swaps_" + string(d)
}

// State is a direction-specific swap state.
type State int

// Record is implemented by every direction's swap type through the
// embedded Base.
type Record interface {
	Common() *Base
}

// Base holds the fields every swap record has. Handlers hold the record
// mutex while reading or changing a record.
type Base struct {
	mu      sync.Mutex
	removed bool

	PaymentHash   Hash          `json:"paymentHash"`
	Direction     Direction     `json:"direction"`
	State         State         `json:"state,string"`
	BtcIdentifier string        `json:"btcIdentifier"`
	Amount        uint64        `json:"amount,string"`
	SwapFee       uint64        `json:"swapFee,string"`
	NetworkFee    uint64        `json:"networkFee,string"`
	Escrow        contract.Data `json:"escrow"`
	Secret        *Hash         `json:"secret,omitempty"`
	TxID          string        `json:"txId,omitempty"`
	CreatedAt     int64         `json:"createdAt,string"`
	// AuthExpiry is when the last issued authorization stops being valid.
	AuthExpiry int64     `json:"authExpiry,string"`
	Guard      LockGuard `json:"lock"`
}

// Init sets the common fields of a new record.
func (b *Base) Init(dir Direction, hash Hash, state State, now time.Time) {
	b.PaymentHash = hash
	b.Direction = dir
	b.State = state
	b.CreatedAt = now.Unix()
}

func (b *Base) Common() *Base { return b }

func (b *Base) Lock()         { b.mu.Lock() }
func (b *Base) Unlock()       { b.mu.Unlock() }
func (b *Base) TryLock() bool { return b.mu.TryLock() }

// SetSecret records the revealed secret once; later calls are ignored.
func (b *Base) SetSecret(secret [32]byte) {
	if b.Secret != nil {
		return
	}
	s := Hash(secret)
	b.Secret = &s
}

// SetTxID records the payout transaction id once.
func (b *Base) SetTxID(txid string) error {
	if b.TxID != "" && b.TxID != txid {
		return fmt.Errorf("txid already set to %s", b.TxID)
	}
	b.TxID = txid
	return nil
}

// EscrowExpired reports whether the committed escrow expired at now.
func (b *Base) EscrowExpired(now time.Time) bool {
	if b.Escrow.Escrow == nil {
		return false
	}
	return uint64(now.Unix()) >= b.Escrow.Terms().Expiry
}

// AuthExpired reports whether the issued authorization is no longer usable.
func (b *Base) AuthExpired(now time.Time) bool {
	return now.Unix() >= b.AuthExpiry
}
