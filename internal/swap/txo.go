package swap

import (
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

// TxoHash identifies an on-chain BTC payment:
// sha256(u64le(nonce) ‖ u64le(amount) ‖ outputScript).
func TxoHash(nonce, amount uint64, outputScript []byte) Hash {
	msg := make([]byte, 0, 16+len(outputScript))
	msg = helpers.AppendU64LE(msg, nonce)
	msg = helpers.AppendU64LE(msg, amount)
	msg = append(msg, outputScript...)
	return sha256.Sum256(msg)
}

// OutputScript decodes a bitcoin address for params and returns its
// output script.
func OutputScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, Reject(CodeInvalidRequest, "invalid bitcoin address")
	}
	if !addr.IsForNet(params) {
		return nil, Reject(CodeInvalidRequest, "address is for another network")
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, Reject(CodeInvalidRequest, "unsupported address type")
	}
	return script, nil
}
