package config

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// NetworkType is the bitcoin network the node runs against.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
	Regtest NetworkType = "regtest"
)

// Params returns the btcd chain parameters for the network.
func (n NetworkType) Params() (*chaincfg.Params, error) {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams, nil
	case Testnet:
		return &chaincfg.TestNet3Params, nil
	case Regtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}
