package chain

import (
	"context"
	"errors"
	"log/slog"
	"math/big"

	"github.com/brojonat/treasurer/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// AccountService reads account state. It is fail-closed: any failure is
// reported as a zero balance so callers never overestimate what they can spend.
type AccountService struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewAccountService(logger *slog.Logger, m *metrics.Metrics) *AccountService {
	return &AccountService{logger: logger, metrics: m}
}

// ErrNoConnection is returned by TryBalance when called without a connection.
var ErrNoConnection = errors.New("chain: no connection")

// Balance returns the latest balance of addr in wei, or zero on any error.
func (s *AccountService) Balance(ctx context.Context, conn *Connection, addr common.Address) *big.Int {
	bal, err := s.TryBalance(ctx, conn, addr)
	if err != nil {
		return new(big.Int)
	}
	return bal
}

// TryBalance is Balance for callers that must tell a failed read apart from
// an empty account.
func (s *AccountService) TryBalance(ctx context.Context, conn *Connection, addr common.Address) (*big.Int, error) {
	if conn == nil {
		s.logger.WarnContext(ctx, "balance requested without a connection", "address", addr.Hex())
		return nil, ErrNoConnection
	}

	bal, err := conn.Client().BalanceAt(ctx, addr, nil)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to read balance",
			"address", addr.Hex(),
			"endpoint", conn.Endpoint().Label(),
			"error", err,
		)
		return nil, err
	}
	if bal == nil {
		bal = new(big.Int)
	}

	eth, _ := WeiToETH(bal).Float64()
	s.metrics.SetTreasuryBalance(eth)
	return bal, nil
}

const weiDecimals = 18

// WeiToETH converts wei to an exact ETH decimal.
func WeiToETH(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -weiDecimals)
}

// ETHToWei converts ETH to wei, truncating toward zero below one wei.
func ETHToWei(eth decimal.Decimal) *big.Int {
	return eth.Shift(weiDecimals).BigInt()
}
