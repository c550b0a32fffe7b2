package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockClient is an in-memory RPCClient for tests.
type MockClient struct {
	mu sync.Mutex

	height   uint64
	balances map[common.Address]*big.Int
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction
	closed   bool

	nonce   uint64
	tip     *big.Int
	baseFee *big.Int

	// autoMine stores a receipt for every accepted transaction.
	autoMine     bool
	revertOnMine bool
	blockErr     error
	balanceErr   error
	sendErr      error
	postSendErr  error
	receiptErr   error
}

// NewMockClient returns a client at height 1 with modest fee values.
func NewMockClient() *MockClient {
	return &MockClient{
		height:   1,
		balances: make(map[common.Address]*big.Int),
		receipts: make(map[common.Hash]*types.Receipt),
		tip:      big.NewInt(1_000_000_000),
		baseFee:  big.NewInt(10_000_000_000),
	}
}

func (m *MockClient) SetBalance(addr common.Address, wei *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[addr] = new(big.Int).Set(wei)
}

func (m *MockClient) SetAutoMine(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoMine = enabled
}

// SetRevertOnMine makes auto-mined receipts carry a failed status.
func (m *MockClient) SetRevertOnMine(revert bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revertOnMine = revert
}

func (m *MockClient) SetBlockNumberError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockErr = err
}

func (m *MockClient) SetBalanceError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceErr = err
}

func (m *MockClient) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// SetSendErrorAfterBroadcast accepts transactions as usual but reports err
// to the caller, like a node that answers after the request deadline.
func (m *MockClient) SetSendErrorAfterBroadcast(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postSendErr = err
}

func (m *MockClient) SetReceiptError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiptErr = err
}

// Mine stores a receipt for hash at the next height.
func (m *MockClient) Mine(hash common.Hash, status uint64) *types.Receipt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mineLocked(hash, status)
}

func (m *MockClient) mineLocked(hash common.Hash, status uint64) *types.Receipt {
	m.height++
	receipt := &types.Receipt{
		Status:      status,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(m.height),
		GasUsed:     21000,
	}
	m.receipts[hash] = receipt
	return receipt
}

func (m *MockClient) SentTransactions() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Transaction, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockClient) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockErr != nil {
		return 0, m.blockErr
	}
	return m.height, nil
}

func (m *MockClient) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	if bal, ok := m.balances[account]; ok {
		return new(big.Int).Set(bal), nil
	}
	return new(big.Int), nil
}

func (m *MockClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonce, nil
}

func (m *MockClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.tip), nil
}

func (m *MockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(m.height),
		BaseFee: new(big.Int).Set(m.baseFee),
	}, nil
}

func (m *MockClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, tx)
	m.nonce++
	if m.autoMine {
		status := types.ReceiptStatusSuccessful
		if m.revertOnMine {
			status = types.ReceiptStatusFailed
		}
		m.mineLocked(tx.Hash(), status)
	}
	return m.postSendErr
}

func (m *MockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiptErr != nil {
		return nil, m.receiptErr
	}
	if receipt, ok := m.receipts[txHash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}

func (m *MockClient) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
