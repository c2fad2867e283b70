package htlc

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

type testSigner struct {
	keys map[uint32]*btcec.PrivateKey
}

func newTestSigner() *testSigner {
	s := &testSigner{keys: map[uint32]*btcec.PrivateKey{}}
	for i := uint32(0); i < 2; i++ {
		seed := sha256.Sum256([]byte{byte(i), 'k'})
		priv, _ := btcec.PrivKeyFromBytes(seed[:])
		s.keys[i] = priv
	}
	return s
}

func (s *testSigner) PubKey(i uint32) (*btcec.PublicKey, error) {
	k, ok := s.keys[i]
	if !ok {
		return nil, errors.New("unknown key")
	}
	return k.PubKey(), nil
}

func (s *testSigner) SignDigest(i uint32, digest []byte) ([]byte, error) {
	return ecdsa.Sign(s.keys[i], digest).Serialize(), nil
}

const (
	ourIdx = 0
	cpIdx  = 1
)

func buildTestScript(t *testing.T, s *testSigner, csvDelta int64, preimage []byte) *Script {
	t.Helper()
	hash := sha256.Sum256(preimage)
	ours, _ := s.PubKey(ourIdx)
	theirs, _ := s.PubKey(cpIdx)
	script, err := BuildScript(csvDelta, hash[:], ours, theirs, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("BuildScript() error = %v", err)
	}
	return script
}

func TestBuildScriptDeterministic(t *testing.T) {
	s := newTestSigner()
	preimage := bytes.Repeat([]byte{7}, 32)

	a := buildTestScript(t, s, 144, preimage)
	b := buildTestScript(t, s, 144, preimage)
	if !bytes.Equal(a.Script, b.Script) || a.Address != b.Address {
		t.Fatal("BuildScript is not deterministic")
	}

	addr, err := btcutil.DecodeAddress(a.Address, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("DecodeAddress() error = %v", err)
	}
	want := sha256.Sum256(a.Script)
	if !bytes.Equal(addr.ScriptAddress(), want[:]) {
		t.Errorf("address program %x, want %x", addr.ScriptAddress(), want)
	}
	if !bytes.Equal(a.PkScript()[2:], want[:]) {
		t.Errorf("pkScript does not commit to the script hash")
	}
}

func TestBuildScriptRejects(t *testing.T) {
	key := bytes.Repeat([]byte{2}, 33)
	hash := make([]byte, 32)

	tests := []struct {
		name    string
		csv     int64
		hash    []byte
		ourKey  []byte
		wantErr error
	}{
		{"negative csv", -1, hash, key, ErrNegativeCsvDelta},
		{"csv too large", MaxCsvDelta + 1, hash, key, ErrCsvDeltaTooLarge},
		{"short hash", 10, hash[:31], key, nil},
		{"uncompressed key", 10, hash, make([]byte, 65), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildScriptBytes(tt.csv, tt.hash, tt.ourKey, key)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseScriptRoundTrip(t *testing.T) {
	s := newTestSigner()
	for _, csv := range []int64{0, 5, 16, 17, 144, 0x7fff, 0x8000, MaxCsvDelta} {
		script := buildTestScript(t, s, csv, []byte("preimage"))

		gotCsv, hash, ours, theirs, err := ParseScript(script.Script)
		if err != nil {
			t.Fatalf("csv %d: ParseScript() error = %v", csv, err)
		}
		if gotCsv != csv {
			t.Errorf("csv = %d, want %d", gotCsv, csv)
		}
		if !bytes.Equal(hash, script.PaymentHash) || !bytes.Equal(ours, script.OurKey) || !bytes.Equal(theirs, script.CounterpartyKey) {
			t.Errorf("csv %d: parsed fields differ", csv)
		}
	}

	if _, _, _, _, err := ParseScript([]byte{txscript.OP_TRUE}); err == nil {
		t.Error("ParseScript accepted a non-HTLC script")
	}
}

// execute runs the btcd script engine over input 0 of tx.
func execute(t *testing.T, tx *wire.MsgTx, script *Script, value int64) error {
	t.Helper()
	pkScript := script.PkScript()
	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, value)
	hashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(pkScript, tx, 0, txscript.StandardVerifyFlags, nil, hashes, value, fetcher)
	if err != nil {
		return err
	}
	return vm.Execute()
}

func TestSpendBranches(t *testing.T) {
	s := newTestSigner()
	preimage := bytes.Repeat([]byte{0xaa}, 32)
	const csv = 144
	const value = 100_000
	script := buildTestScript(t, s, csv, preimage)

	prev := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}
	dest := []byte{txscript.OP_0, txscript.OP_DATA_20}
	dest = append(dest, make([]byte, 20)...)

	build := func(branch Branch) *wire.MsgTx {
		tx, err := BuildSpendTx(&SpendParams{
			PrevOut:      prev,
			Value:        value,
			Script:       script.Script,
			DestPkScript: dest,
			Fee:          500,
			Branch:       branch,
			CsvDelta:     csv,
		})
		if err != nil {
			t.Fatalf("BuildSpendTx() error = %v", err)
		}
		return tx
	}
	sign := func(tx *wire.MsgTx, idx uint32) []byte {
		sig, err := Sign(s, idx, tx, script.Script, value)
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		return sig
	}

	t.Run("cooperative", func(t *testing.T) {
		tx := build(BranchCooperative)
		tx.TxIn[0].Witness = CooperativeWitness(sign(tx, ourIdx), sign(tx, cpIdx), script.Script)
		if err := execute(t, tx, script, value); err != nil {
			t.Fatalf("cooperative spend rejected: %v", err)
		}
	})

	t.Run("hash", func(t *testing.T) {
		tx := build(BranchHash)
		tx.TxIn[0].Witness = HashWitness(sign(tx, ourIdx), preimage, script.Script)
		if err := execute(t, tx, script, value); err != nil {
			t.Fatalf("hash spend rejected: %v", err)
		}
	})

	t.Run("hash wrong preimage", func(t *testing.T) {
		tx := build(BranchHash)
		tx.TxIn[0].Witness = HashWitness(sign(tx, ourIdx), bytes.Repeat([]byte{0xbb}, 32), script.Script)
		if err := execute(t, tx, script, value); err == nil {
			t.Fatal("spend with wrong preimage accepted")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		tx := build(BranchTimeout)
		if tx.TxIn[0].Sequence != csv {
			t.Fatalf("sequence = %d, want %d", tx.TxIn[0].Sequence, csv)
		}
		tx.TxIn[0].Witness = TimeoutWitness(sign(tx, cpIdx), script.Script)
		if err := execute(t, tx, script, value); err != nil {
			t.Fatalf("timeout spend rejected: %v", err)
		}
	})

	t.Run("timeout too early", func(t *testing.T) {
		tx := build(BranchTimeout)
		tx.TxIn[0].Sequence = csv - 1
		tx.TxIn[0].Witness = TimeoutWitness(sign(tx, cpIdx), script.Script)
		if err := execute(t, tx, script, value); err == nil {
			t.Fatal("timeout spend before csv accepted")
		}
	})
}

func TestBuildSpendTxLayout(t *testing.T) {
	tx, err := BuildSpendTx(&SpendParams{
		Value:        1000,
		Script:       []byte{txscript.OP_TRUE},
		DestPkScript: []byte{txscript.OP_TRUE},
		Fee:          100,
	})
	if err != nil {
		t.Fatal(err)
	}
	if tx.Version != 2 || tx.LockTime != 0 || len(tx.TxIn) != 1 || len(tx.TxOut) != 1 {
		t.Errorf("unexpected layout: version %d locktime %d ins %d outs %d", tx.Version, tx.LockTime, len(tx.TxIn), len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 900 {
		t.Errorf("output value = %d, want 900", tx.TxOut[0].Value)
	}

	if _, err := BuildSpendTx(&SpendParams{Value: 100, Script: []byte{1}, Fee: 100}); err == nil {
		t.Error("fee equal to value should fail")
	}
}
