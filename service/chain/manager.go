package chain

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brojonat/treasurer/service/metrics"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"
)

const sweepKey = "sweep"

// Manager owns the process-wide chain connection. The first caller triggers
// a sweep of the pool; concurrent callers share that sweep; later callers get
// the cached connection without I/O.
type Manager struct {
	pool         Pool
	probe        ProbeFunc
	probeTimeout time.Duration
	signer       *Signer
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu    sync.RWMutex
	conn  *Connection
	group singleflight.Group

	sweeps atomic.Int64
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithProbe replaces the default dial-and-read probe.
func WithProbe(probe ProbeFunc) ManagerOption {
	return func(m *Manager) {
		m.probe = probe
	}
}

// WithProbeTimeout bounds each endpoint probe.
func WithProbeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithSigner attaches the treasury signing identity to every connection.
func WithSigner(s *Signer) ManagerOption {
	return func(m *Manager) {
		m.signer = s
	}
}

// WithMetrics enables probe, sweep and RPC metrics.
func WithMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// NewManager creates a manager over pool. No I/O happens until Acquire.
func NewManager(pool Pool, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		pool:         pool,
		probe:        DialProbe,
		probeTimeout: 6 * time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pool returns the configured endpoint pool.
func (m *Manager) Pool() Pool {
	return m.pool
}

// Current returns the cached connection, or nil. It never performs I/O.
func (m *Manager) Current() *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn
}

// SignerAddress returns the signing address whether or not a connection is
// live.
func (m *Manager) SignerAddress() (common.Address, bool) {
	if m.signer == nil {
		return common.Address{}, false
	}
	return m.signer.Address(), true
}

// Sweeps returns how many pool sweeps have run.
func (m *Manager) Sweeps() int64 {
	return m.sweeps.Load()
}

// Acquire returns the cached connection or sweeps the pool for one. The sweep
// itself is detached from ctx so that one impatient caller cannot abort it for
// everyone waiting on it; ctx only bounds how long this caller waits.
func (m *Manager) Acquire(ctx context.Context) (*Connection, error) {
	if conn := m.Current(); conn != nil {
		return conn, nil
	}

	sweepCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(sweepKey, func() (any, error) {
		if conn := m.Current(); conn != nil {
			return conn, nil
		}
		return m.sweep(sweepCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	}
}

func (m *Manager) sweep(ctx context.Context) (*Connection, error) {
	m.sweeps.Add(1)
	start := time.Now()

	ep, client, err := SelectEndpoint(ctx, m.pool, m.instrumentedProbe, m.probeTimeout, m.logger)
	m.metrics.RecordSweep(err)
	if err != nil {
		m.logger.ErrorContext(ctx, "no live endpoint in pool",
			"pool_size", len(m.pool),
			"duration", time.Since(start),
			"error", err,
		)
		return nil, err
	}

	conn := newConnection(ep, instrument(client, ep.Label(), m.metrics), m.signer, m.logger)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.metrics.SetConnectionUp(true)

	m.logger.InfoContext(ctx, "chain connection established",
		"endpoint", ep.Label(),
		"chain_id", ep.ChainID.String(),
		"can_sign", conn.CanSign(),
		"duration", time.Since(start),
	)
	return conn, nil
}

func (m *Manager) instrumentedProbe(ctx context.Context, ep Endpoint) (RPCClient, error) {
	start := time.Now()
	client, err := m.probe(ctx, ep)
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.RecordProbe(ep.Label(), status, time.Since(start).Seconds())
	return client, err
}

// Connect is the bounded startup retry around Acquire. It gives up after
// attempts sweeps, waiting backoff between them.
func (m *Manager) Connect(ctx context.Context, attempts int, backoff time.Duration) (*Connection, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := m.Acquire(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		m.logger.WarnContext(ctx, "chain connection attempt failed",
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// Invalidate drops the cached connection and closes its client. The next
// Acquire sweeps the pool again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	m.metrics.SetConnectionUp(false)
	if conn != nil {
		conn.close()
		m.logger.Info("chain connection invalidated", "endpoint", conn.Endpoint().Label())
	}
}

// Close releases the cached connection, if any.
func (m *Manager) Close() {
	m.Invalidate()
}
