package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

var (
	// ErrNoSigner is returned when a write is attempted on a read-only connection.
	ErrNoSigner = errors.New("chain: no signing key configured")
	// ErrTxNotFound is returned when the chain has no receipt for a hash.
	ErrTxNotFound = errors.New("chain: transaction not found")
	// ErrReverted is returned when a mined transaction has a failed status.
	ErrReverted = errors.New("chain: transaction reverted")
)

// Connection is a live, probed binding to one endpoint. It is only ever
// constructed after a successful probe and is shared read-only by callers.
type Connection struct {
	endpoint Endpoint
	client   RPCClient
	signer   *Signer
	logger   *slog.Logger
}

func newConnection(ep Endpoint, client RPCClient, signer *Signer, logger *slog.Logger) *Connection {
	return &Connection{
		endpoint: ep,
		client:   client,
		signer:   signer,
		logger:   logger.With("endpoint", ep.Label()),
	}
}

func (c *Connection) Endpoint() Endpoint {
	return c.endpoint
}

func (c *Connection) Client() RPCClient {
	return c.client
}

// CanSign reports whether this connection can submit transfers.
func (c *Connection) CanSign() bool {
	return c.signer != nil
}

// Address returns the signing address, if any.
func (c *Connection) Address() (common.Address, bool) {
	if c.signer == nil {
		return common.Address{}, false
	}
	return c.signer.Address(), true
}

// Transfer signs and submits a plain value transfer. It returns as soon as the
// node accepts the transaction; use WaitForReceipt to observe inclusion.
func (c *Connection) Transfer(ctx context.Context, to common.Address, amountWei *big.Int) (common.Hash, error) {
	if c.signer == nil {
		return common.Hash{}, ErrNoSigner
	}
	from := c.signer.Address()

	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get nonce: %w", err)
	}

	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas tip: %w", err)
	}

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("get latest header: %w", err)
	}

	// Fee cap leaves room for two consecutive base fee increases.
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.endpoint.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       params.TxGas,
		To:        &to,
		Value:     amountWei,
	})

	signed, err := c.signer.SignTx(tx, c.endpoint.ChainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}

	// The hash is returned with a send error: the node may have accepted the
	// transaction before the call failed.
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), fmt.Errorf("send transaction: %w", err)
	}

	c.logger.InfoContext(ctx, "transaction submitted",
		"tx_hash", signed.Hash().Hex(),
		"from", from.Hex(),
		"to", to.Hex(),
		"value_wei", amountWei.String(),
		"nonce", nonce,
	)

	return signed.Hash(), nil
}

// Receipt looks up a receipt once. A missing receipt yields ErrTxNotFound.
func (c *Connection) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	return receipt, nil
}

// WaitForReceipt polls until the transaction is mined or ctx ends. Transient
// lookup errors are logged and retried. A reverted receipt is returned along
// with ErrReverted.
func (c *Connection) WaitForReceipt(ctx context.Context, hash common.Hash, pollInterval time.Duration) (*types.Receipt, error) {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		receipt, err := c.Receipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, ErrReverted
			}
			return receipt, nil
		case errors.Is(err, ErrTxNotFound):
			lastErr = nil
		default:
			lastErr = err
			c.logger.DebugContext(ctx, "receipt lookup failed, retrying",
				"tx_hash", hash.Hex(),
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("wait for receipt: %w (last error: %v)", ctx.Err(), lastErr)
			}
			return nil, fmt.Errorf("wait for receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Connection) close() {
	c.client.Close()
}
