// Package keys derives the node's signing keys from a BIP39 seed: the EVM
// account that signs authorizations and contract calls, and the bitcoin keys
// used by the HTLC script path.
package keys

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

// BIP44 purposes and coin types.
const (
	PurposeBIP44 = 44
	PurposeBIP84 = 84

	CoinTypeBitcoin = 0
	CoinTypeTestnet = 1
	CoinTypeEther   = 60
)

// Keyring derives keys below a BIP32 master key.
type Keyring struct {
	master *hdkeychain.ExtendedKey
	params *chaincfg.Params

	mu    sync.Mutex
	cache map[[5]uint32]*btcec.PrivateKey
}

// GenerateMnemonic returns a new 24-word mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks the word list and checksum of a mnemonic.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// FromMnemonic builds a keyring from a mnemonic and optional passphrase.
func FromMnemonic(mnemonic, passphrase string, params *chaincfg.Params) (*Keyring, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return FromSeed(bip39.NewSeed(mnemonic, passphrase), params)
}

// FromSeed builds a keyring from a raw BIP32 seed.
func FromSeed(seed []byte, params *chaincfg.Params) (*Keyring, error) {
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Keyring{
		master: master,
		params: params,
		cache:  make(map[[5]uint32]*btcec.PrivateKey),
	}, nil
}

// DeriveKey derives m/purpose'/coin'/account'/change/index.
func (k *Keyring) DeriveKey(purpose, coinType, account, change, index uint32) (*btcec.PrivateKey, error) {
	path := [5]uint32{purpose, coinType, account, change, index}

	k.mu.Lock()
	defer k.mu.Unlock()

	if key, ok := k.cache[path]; ok {
		return key, nil
	}

	key := k.master
	steps := []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + account,
		change,
		index,
	}
	for i, step := range steps {
		next, err := key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive level %d: %w", i, err)
		}
		key = next
	}

	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	k.cache[path] = priv
	return priv, nil
}

// EVMKey returns the account key at m/44'/60'/account'/0/0.
func (k *Keyring) EVMKey(account uint32) (*ecdsa.PrivateKey, error) {
	priv, err := k.DeriveKey(PurposeBIP44, CoinTypeEther, account, 0, 0)
	if err != nil {
		return nil, err
	}
	return priv.ToECDSA(), nil
}

// EVMAddress returns the address of the account key.
func (k *Keyring) EVMAddress(account uint32) (common.Address, error) {
	key, err := k.EVMKey(account)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func (k *Keyring) bitcoinCoinType() uint32 {
	if k.params.Net == chaincfg.MainNetParams.Net {
		return CoinTypeBitcoin
	}
	return CoinTypeTestnet
}

// HTLCSigner returns a signer over m/84'/coin'/account'/0/index.
func (k *Keyring) HTLCSigner(account uint32) *HTLCSigner {
	return &HTLCSigner{keyring: k, account: account}
}

// HTLCSigner signs HTLC spends with keys selected by derivation index.
type HTLCSigner struct {
	keyring *Keyring
	account uint32
}

func (s *HTLCSigner) key(index uint32) (*btcec.PrivateKey, error) {
	return s.keyring.DeriveKey(PurposeBIP84, s.keyring.bitcoinCoinType(), s.account, 0, index)
}

// PubKey returns the public key at index.
func (s *HTLCSigner) PubKey(index uint32) (*btcec.PublicKey, error) {
	priv, err := s.key(index)
	if err != nil {
		return nil, err
	}
	return priv.PubKey(), nil
}

// SignDigest signs a sighash with the key at index and returns DER bytes.
func (s *HTLCSigner) SignDigest(index uint32, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	priv, err := s.key(index)
	if err != nil {
		return nil, err
	}
	return btcecdsa.Sign(priv, digest).Serialize(), nil
}
