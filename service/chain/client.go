package chain

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/treasurer/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPCClient is the subset of *ethclient.Client the service relies on.
// Keeping it narrow lets tests substitute an in-memory fake.
type RPCClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	Close()
}

var _ RPCClient = (*ethclient.Client)(nil)

// ProbeFunc establishes a client for an endpoint and proves it can serve a
// read. It must return a nil client whenever it returns an error.
type ProbeFunc func(ctx context.Context, ep Endpoint) (RPCClient, error)

// DialProbe dials the endpoint and issues a block-number read as the liveness check.
func DialProbe(ctx context.Context, ep Endpoint) (RPCClient, error) {
	client, err := ethclient.DialContext(ctx, ep.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Label(), err)
	}
	if _, err := client.BlockNumber(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("block number from %s: %w", ep.Label(), err)
	}
	return client, nil
}

// instrumentedClient records a metric for every RPC it forwards.
type instrumentedClient struct {
	RPCClient
	endpoint string
	metrics  *metrics.Metrics
}

func instrument(client RPCClient, endpoint string, m *metrics.Metrics) RPCClient {
	if m == nil {
		return client
	}
	return &instrumentedClient{RPCClient: client, endpoint: endpoint, metrics: m}
}

func (c *instrumentedClient) record(method string, start time.Time, err error) {
	c.metrics.RecordRPCCall(method, c.endpoint, time.Since(start).Seconds(), err)
}

func (c *instrumentedClient) BlockNumber(ctx context.Context) (uint64, error) {
	start := time.Now()
	n, err := c.RPCClient.BlockNumber(ctx)
	c.record("eth_blockNumber", start, err)
	return n, err
}

func (c *instrumentedClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	start := time.Now()
	bal, err := c.RPCClient.BalanceAt(ctx, account, blockNumber)
	c.record("eth_getBalance", start, err)
	return bal, err
}

func (c *instrumentedClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	start := time.Now()
	nonce, err := c.RPCClient.PendingNonceAt(ctx, account)
	c.record("eth_getTransactionCount", start, err)
	return nonce, err
}

func (c *instrumentedClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	tip, err := c.RPCClient.SuggestGasTipCap(ctx)
	c.record("eth_maxPriorityFeePerGas", start, err)
	return tip, err
}

func (c *instrumentedClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	start := time.Now()
	head, err := c.RPCClient.HeaderByNumber(ctx, number)
	c.record("eth_getBlockByNumber", start, err)
	return head, err
}

func (c *instrumentedClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	start := time.Now()
	err := c.RPCClient.SendTransaction(ctx, tx)
	c.record("eth_sendRawTransaction", start, err)
	return err
}

func (c *instrumentedClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	start := time.Now()
	receipt, err := c.RPCClient.TransactionReceipt(ctx, txHash)
	c.record("eth_getTransactionReceipt", start, err)
	return receipt, err
}
