package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var destination = common.HexToAddress("0x4024Fd78E2AD5532FBF3ec2B3eC83870FAe45fC7")

func testSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	return NewSigner(key)
}

func testConnection(t *testing.T, client *MockClient, signer *Signer) *Connection {
	t.Helper()
	pool := testPool(t, "a.example")
	return newConnection(pool[0], client, signer, testLogger())
}

func TestConnection_Transfer(t *testing.T) {
	client := NewMockClient()
	signer := testSigner(t)
	conn := testConnection(t, client, signer)

	value := big.NewInt(7_000_000_000_000_000)
	hash, err := conn.Transfer(context.Background(), destination, value)
	require.NoError(t, err)

	sent := client.SentTransactions()
	require.Len(t, sent, 1)
	tx := sent[0]

	assert.Equal(t, hash, tx.Hash())
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, value, tx.Value())
	assert.Equal(t, &destination, tx.To())
	assert.Equal(t, uint64(21000), tx.Gas())
	assert.Equal(t, big.NewInt(1), tx.ChainId())
	// tip 1 gwei + 2 * base fee 10 gwei
	assert.Equal(t, big.NewInt(21_000_000_000), tx.GasFeeCap())

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), from)
}

func TestConnection_TransferWithoutSigner(t *testing.T) {
	client := NewMockClient()
	conn := testConnection(t, client, nil)

	_, err := conn.Transfer(context.Background(), destination, big.NewInt(1))
	require.ErrorIs(t, err, ErrNoSigner)
	assert.Empty(t, client.SentTransactions())
}

func TestConnection_TransferSendError(t *testing.T) {
	client := NewMockClient()
	client.SetSendError(errors.New("insufficient funds for gas * price + value"))
	conn := testConnection(t, client, testSigner(t))

	_, err := conn.Transfer(context.Background(), destination, big.NewInt(1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestConnection_TransferDeadlineAfterBroadcast(t *testing.T) {
	client := NewMockClient()
	client.SetSendErrorAfterBroadcast(context.DeadlineExceeded)
	conn := testConnection(t, client, testSigner(t))

	hash, err := conn.Transfer(context.Background(), destination, big.NewInt(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	sent := client.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].Hash(), hash)
}

func TestConnection_WaitForReceipt(t *testing.T) {
	t.Run("already mined", func(t *testing.T) {
		client := NewMockClient()
		client.SetAutoMine(true)
		conn := testConnection(t, client, testSigner(t))

		hash, err := conn.Transfer(context.Background(), destination, big.NewInt(1))
		require.NoError(t, err)

		receipt, err := conn.WaitForReceipt(context.Background(), hash, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, hash, receipt.TxHash)
		assert.Equal(t, int64(2), receipt.BlockNumber.Int64())
	})

	t.Run("mined while polling", func(t *testing.T) {
		client := NewMockClient()
		conn := testConnection(t, client, testSigner(t))
		hash := common.HexToHash("0xabc")

		go func() {
			time.Sleep(20 * time.Millisecond)
			client.Mine(hash, types.ReceiptStatusSuccessful)
		}()

		receipt, err := conn.WaitForReceipt(context.Background(), hash, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, hash, receipt.TxHash)
	})

	t.Run("reverted", func(t *testing.T) {
		client := NewMockClient()
		conn := testConnection(t, client, testSigner(t))
		hash := common.HexToHash("0xdef")
		client.Mine(hash, types.ReceiptStatusFailed)

		receipt, err := conn.WaitForReceipt(context.Background(), hash, time.Millisecond)
		require.ErrorIs(t, err, ErrReverted)
		assert.NotNil(t, receipt)
	})

	t.Run("never mined", func(t *testing.T) {
		client := NewMockClient()
		conn := testConnection(t, client, testSigner(t))

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		_, err := conn.WaitForReceipt(ctx, common.HexToHash("0x1"), 5*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("transient errors keep polling", func(t *testing.T) {
		client := NewMockClient()
		client.SetReceiptError(errors.New("502 bad gateway"))
		conn := testConnection(t, client, testSigner(t))
		hash := common.HexToHash("0x2")

		go func() {
			time.Sleep(20 * time.Millisecond)
			client.SetReceiptError(nil)
			client.Mine(hash, types.ReceiptStatusSuccessful)
		}()

		receipt, err := conn.WaitForReceipt(context.Background(), hash, 5*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, hash, receipt.TxHash)
	})
}

func TestConnection_Receipt(t *testing.T) {
	client := NewMockClient()
	conn := testConnection(t, client, nil)

	_, err := conn.Receipt(context.Background(), common.HexToHash("0x99"))
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestAccountService_Balance(t *testing.T) {
	svc := NewAccountService(testLogger(), nil)
	addr := common.HexToAddress("0x0fF31D4cdCE8B3f7929c04EbD4cd852608DC09f4")

	client := NewMockClient()
	client.SetBalance(addr, big.NewInt(42))
	conn := testConnection(t, client, nil)

	assert.Equal(t, big.NewInt(42), svc.Balance(context.Background(), conn, addr))

	client.SetBalanceError(errors.New("rate limited"))
	assert.Equal(t, 0, svc.Balance(context.Background(), conn, addr).Sign(), "errors read as zero")

	assert.Equal(t, 0, svc.Balance(context.Background(), nil, addr).Sign(), "no connection reads as zero")
}

func TestUnitConversion(t *testing.T) {
	tests := []struct {
		eth string
		wei string
	}{
		{"1", "1000000000000000000"},
		{"0.007", "7000000000000000"},
		{"0.000000000000000001", "1"},
		{"0.0000000000000000019", "1"},
		{"0.0000000000000000009", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.eth, func(t *testing.T) {
			wei := ETHToWei(decimal.RequireFromString(tt.eth))
			assert.Equal(t, tt.wei, wei.String())
		})
	}

	assert.True(t, WeiToETH(big.NewInt(3_000_000_000_000_000)).Equal(decimal.RequireFromString("0.003")))
	assert.True(t, WeiToETH(nil).IsZero())
}
