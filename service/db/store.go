package db

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/treasurer/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ErrTransferNotFound is returned when no journal row matches a hash.
var ErrTransferNotFound = errors.New("db: transfer not found")

// Transfer statuses.
const (
	StatusPending   = "pending"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// Store provides database operations for the transfer journal.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Transfer is one on-chain transfer submitted by the service.
type Transfer struct {
	TxHash      string
	Kind        string
	FromAddress string
	ToAddress   string
	AmountWei   *big.Int
	AmountUSD   decimal.Decimal
	Status      string
	BlockNumber *uint64
	Error       *string
	Endpoint    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RecordTransferParams contains the parameters for journaling a submission.
type RecordTransferParams struct {
	TxHash      string
	Kind        string
	FromAddress string
	ToAddress   string
	AmountWei   *big.Int
	AmountUSD   decimal.Decimal
	Endpoint    string
}

// UpdateTransferStatusParams contains the outcome of a submitted transfer.
type UpdateTransferStatusParams struct {
	TxHash      string
	Status      string
	BlockNumber *uint64
	Error       *string
}

// ListTransfersParams contains filter and pagination parameters.
type ListTransfersParams struct {
	Status string
	Limit  int32
	Offset int32
}

const transferColumns = `tx_hash, kind, from_address, to_address, amount_wei::text, amount_usd::text,
	status, block_number, error, endpoint, created_at, updated_at`

// RecordTransfer inserts a pending journal row for a submitted transaction.
func (s *Store) RecordTransfer(ctx context.Context, params RecordTransferParams) (*Transfer, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO transfers (tx_hash, kind, from_address, to_address, amount_wei, amount_usd, status, endpoint)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7, $8)
		RETURNING `+transferColumns,
		params.TxHash,
		params.Kind,
		params.FromAddress,
		params.ToAddress,
		params.AmountWei.String(),
		params.AmountUSD.String(),
		StatusPending,
		params.Endpoint,
	)
	transfer, err := scanTransfer(row)
	s.metrics.RecordDBQuery("insert", "transfers", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	return transfer, nil
}

// UpdateTransferStatus records the final outcome of a transfer.
func (s *Store) UpdateTransferStatus(ctx context.Context, params UpdateTransferStatusParams) (*Transfer, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		UPDATE transfers
		SET status = $2, block_number = $3, error = $4, updated_at = now()
		WHERE tx_hash = $1
		RETURNING `+transferColumns,
		params.TxHash,
		params.Status,
		pgint8FromUint64Ptr(params.BlockNumber),
		pgtextFromStringPtr(params.Error),
	)
	transfer, err := scanTransfer(row)
	s.metrics.RecordDBQuery("update", "transfers", time.Since(start).Seconds(), err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update transfer: %w", err)
	}
	return transfer, nil
}

// GetTransfer retrieves a journal row by transaction hash.
func (s *Store) GetTransfer(ctx context.Context, txHash string) (*Transfer, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE tx_hash = $1`, txHash)
	transfer, err := scanTransfer(row)
	s.metrics.RecordDBQuery("select", "transfers", time.Since(start).Seconds(), err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transfer: %w", err)
	}
	return transfer, nil
}

// ListTransfers returns journal rows, newest first.
func (s *Store) ListTransfers(ctx context.Context, params ListTransfersParams) ([]*Transfer, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}

	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT `+transferColumns+` FROM transfers
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		params.Status, params.Limit, params.Offset,
	)
	if err != nil {
		s.metrics.RecordDBQuery("select", "transfers", time.Since(start).Seconds(), err)
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			s.metrics.RecordDBQuery("select", "transfers", time.Since(start).Seconds(), err)
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, transfer)
	}
	err = rows.Err()
	s.metrics.RecordDBQuery("select", "transfers", time.Since(start).Seconds(), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	return transfers, nil
}

// Helper functions for type conversions

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var (
		t           Transfer
		amountWei   string
		amountUSD   string
		blockNumber pgtype.Int8
		errText     pgtype.Text
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)
	err := row.Scan(
		&t.TxHash,
		&t.Kind,
		&t.FromAddress,
		&t.ToAddress,
		&amountWei,
		&amountUSD,
		&t.Status,
		&blockNumber,
		&errText,
		&t.Endpoint,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	wei, ok := new(big.Int).SetString(amountWei, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount_wei %q", amountWei)
	}
	t.AmountWei = wei

	usd, err := decimal.NewFromString(amountUSD)
	if err != nil {
		return nil, fmt.Errorf("invalid amount_usd %q: %w", amountUSD, err)
	}
	t.AmountUSD = usd

	t.BlockNumber = uint64PtrFromPgint8(blockNumber)
	t.Error = stringPtrFromPgtext(errText)
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return &t, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func pgint8FromUint64Ptr(n *uint64) pgtype.Int8 {
	if n == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(*n), Valid: true}
}

func uint64PtrFromPgint8(n pgtype.Int8) *uint64 {
	if !n.Valid {
		return nil
	}
	v := uint64(n.Int64)
	return &v
}
