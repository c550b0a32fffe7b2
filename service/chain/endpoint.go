package chain

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strings"
)

// Endpoint is one configured RPC URL together with the network it is expected
// to serve. The chain id is trusted as configured and never auto-detected.
type Endpoint struct {
	URL     string
	ChainID *big.Int
}

// Label returns a metrics- and log-safe name for the endpoint. Paths and
// query strings are dropped because providers embed API keys there.
func (e Endpoint) Label() string {
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}

// Pool is the ordered list of endpoints. Earlier entries are preferred.
type Pool []Endpoint

// NewPool builds a pool from raw URLs, all bound to the same chain id.
func NewPool(urls []string, chainID *big.Int) (Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("chain: endpoint pool is empty")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, errors.New("chain: chain id must be positive")
	}
	pool := make(Pool, 0, len(urls))
	for _, raw := range urls {
		raw = strings.TrimSpace(raw)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("chain: malformed endpoint %q", raw)
		}
		pool = append(pool, Endpoint{URL: raw, ChainID: new(big.Int).Set(chainID)})
	}
	return pool, nil
}

// Labels returns the log-safe names of every endpoint in order.
func (p Pool) Labels() []string {
	labels := make([]string, len(p))
	for i, ep := range p {
		labels[i] = ep.Label()
	}
	return labels
}
