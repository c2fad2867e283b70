package node

import (
	"context"
	"time"

	"github.com/klingon-exchange/klingon-lp/pkg/helpers"
)

// TokenInfo is one entry of the served price table.
type TokenInfo struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	PerBTC   string `json:"perBtc"`
}

// Info is the node description served at GET /info.
type Info struct {
	Address  string                       `json:"address"`
	Network  string                       `json:"network"`
	Uptime   string                       `json:"uptime"`
	Clients  int                          `json:"clients"`
	Nonces   map[string]string            `json:"nonces"`
	Tokens   map[string]TokenInfo         `json:"tokens"`
	Services map[string]map[string]string `json:"services"`
}

// Info describes the node and every handler it serves.
func (n *Node) Info(_ context.Context) (interface{}, error) {
	info := &Info{
		Address: n.deps.Contract.Address().String(),
		Network: string(n.cfg.Network),
		Clients: n.hub.ClientCount(),
		Nonces: map[string]string{
			"init":  helpers.FormatUint(n.deps.Nonces.InitNonce()),
			"claim": helpers.FormatUint(n.deps.Nonces.ClaimNonce()),
		},
		Tokens:   make(map[string]TokenInfo),
		Services: make(map[string]map[string]string, len(n.handlers)),
	}
	if !n.startTime.IsZero() {
		info.Uptime = time.Since(n.startTime).Truncate(time.Second).String()
	}
	for token, r := range n.oracle.Rates() {
		info.Tokens[token] = TokenInfo{Symbol: r.Symbol, Decimals: r.Decimals, PerBTC: r.PerBTC.String()}
	}
	for _, h := range n.handlers {
		info.Services[string(h.Direction())] = h.Info()
	}
	return info, nil
}
