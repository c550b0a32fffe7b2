package db

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordParams(hash string) RecordTransferParams {
	return RecordTransferParams{
		TxHash:      hash,
		Kind:        "withdrawal",
		FromAddress: "0x0fF31D4cdCE8B3f7929c04EbD4cd852608DC09f4",
		ToAddress:   "0x4024Fd78E2AD5532FBF3ec2B3eC83870FAe45fC7",
		AmountWei:   big.NewInt(7_000_000_000_000_000),
		AmountUSD:   decimal.RequireFromString("24.15"),
		Endpoint:    "eth.llamarpc.com",
	}
}

func TestRecordTransfer(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	params := recordParams("0xaaa")

	transfer, err := store.RecordTransfer(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, params.TxHash, transfer.TxHash)
	assert.Equal(t, StatusPending, transfer.Status)
	assert.Equal(t, params.AmountWei, transfer.AmountWei)
	assert.True(t, params.AmountUSD.Equal(transfer.AmountUSD))
	assert.Nil(t, transfer.BlockNumber)
	assert.Nil(t, transfer.Error)
	assert.WithinDuration(t, time.Now(), transfer.CreatedAt, 5*time.Second)

	_, err = store.RecordTransfer(ctx, params)
	assert.Error(t, err, "duplicate hash must be rejected")
}

func TestUpdateTransferStatus(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	_, err := store.RecordTransfer(ctx, recordParams("0xbbb"))
	require.NoError(t, err)

	block := uint64(19_000_000)
	updated, err := store.UpdateTransferStatus(ctx, UpdateTransferStatusParams{
		TxHash:      "0xbbb",
		Status:      StatusConfirmed,
		BlockNumber: &block,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
	require.NotNil(t, updated.BlockNumber)
	assert.Equal(t, block, *updated.BlockNumber)

	_, err = store.UpdateTransferStatus(ctx, UpdateTransferStatusParams{TxHash: "0xmissing", Status: StatusFailed})
	assert.ErrorIs(t, err, ErrTransferNotFound)
}

func TestGetAndListTransfers(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	for _, hash := range []string{"0x01", "0x02", "0x03"} {
		_, err := store.RecordTransfer(ctx, recordParams(hash))
		require.NoError(t, err)
	}
	reason := "reverted"
	_, err := store.UpdateTransferStatus(ctx, UpdateTransferStatusParams{TxHash: "0x02", Status: StatusFailed, Error: &reason})
	require.NoError(t, err)

	got, err := store.GetTransfer(ctx, "0x02")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, reason, *got.Error)

	_, err = store.GetTransfer(ctx, "0xnope")
	assert.ErrorIs(t, err, ErrTransferNotFound)

	all, err := store.ListTransfers(ctx, ListTransfersParams{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	failed, err := store.ListTransfers(ctx, ListTransfersParams{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "0x02", failed[0].TxHash)

	page, err := store.ListTransfers(ctx, ListTransfersParams{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
}
