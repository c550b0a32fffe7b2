package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/treasurer/service/metrics"
)

func TestManager_ConcurrentAcquireSharesOneSweep(t *testing.T) {
	pool := testPool(t, "a.example", "b.example")
	client := NewMockClient()

	var probes atomic.Int32
	probe := func(ctx context.Context, ep Endpoint) (RPCClient, error) {
		probes.Add(1)
		time.Sleep(50 * time.Millisecond)
		return client, nil
	}

	mgr := NewManager(pool, testLogger(), WithProbe(probe))

	const callers = 20
	conns := make([]*Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := mgr.Acquire(context.Background())
			assert.NoError(t, err)
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), mgr.Sweeps())
	assert.Equal(t, int32(1), probes.Load())
	for _, conn := range conns {
		assert.Same(t, conns[0], conn)
	}
}

func TestManager_CachedConnectionSkipsIO(t *testing.T) {
	pool := testPool(t, "a.example")
	rec := newProbeRecorder()
	rec.succeed("a.example", NewMockClient())

	mgr := NewManager(pool, testLogger(), WithProbe(rec.probe))
	assert.Nil(t, mgr.Current())

	first, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	second, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, mgr.Current())
	assert.Len(t, rec.Calls(), 1)
	assert.Equal(t, int64(1), mgr.Sweeps())
}

func TestManager_FailedSweepIsNotCached(t *testing.T) {
	pool := testPool(t, "a.example")
	rec := newProbeRecorder()
	rec.fail("a.example", errors.New("down"))

	mgr := NewManager(pool, testLogger(), WithProbe(rec.probe))

	_, err := mgr.Acquire(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoLiveEndpoint))
	assert.Nil(t, mgr.Current())

	rec.succeed("a.example", NewMockClient())
	conn, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, int64(2), mgr.Sweeps())
}

func TestManager_CallerDeadlineDoesNotAbortSweep(t *testing.T) {
	pool := testPool(t, "a.example")
	release := make(chan struct{})
	probe := func(ctx context.Context, ep Endpoint) (RPCClient, error) {
		<-release
		return NewMockClient(), nil
	}

	mgr := NewManager(pool, testLogger(), WithProbe(probe), WithProbeTimeout(5*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := mgr.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	assert.Eventually(t, func() bool { return mgr.Current() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), mgr.Sweeps())
}

func TestManager_ConnectRetriesThenGivesUp(t *testing.T) {
	pool := testPool(t, "a.example", "b.example")
	rec := newProbeRecorder()
	rec.fail("a.example", errors.New("down"))
	rec.fail("b.example", errors.New("down"))

	mgr := NewManager(pool, testLogger(), WithProbe(rec.probe))

	_, err := mgr.Connect(context.Background(), 3, time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoLiveEndpoint))
	assert.Equal(t, int64(3), mgr.Sweeps())
	assert.Len(t, rec.Calls(), 6)
}

func TestManager_ConnectStopsOnSuccess(t *testing.T) {
	pool := testPool(t, "a.example")
	var attempts atomic.Int32
	probe := func(ctx context.Context, ep Endpoint) (RPCClient, error) {
		if attempts.Add(1) < 2 {
			return nil, errors.New("warming up")
		}
		return NewMockClient(), nil
	}

	mgr := NewManager(pool, testLogger(), WithProbe(probe))
	conn, err := mgr.Connect(context.Background(), 5, time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestManager_InvalidateClosesAndResweeps(t *testing.T) {
	pool := testPool(t, "a.example")
	first := NewMockClient()
	second := NewMockClient()
	clients := []*MockClient{first, second}
	var idx atomic.Int32
	probe := func(ctx context.Context, ep Endpoint) (RPCClient, error) {
		return clients[idx.Add(1)-1], nil
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	mgr := NewManager(pool, testLogger(), WithProbe(probe), WithMetrics(m))

	_, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	mgr.Invalidate()
	assert.Nil(t, mgr.Current())
	assert.True(t, first.Closed())

	conn, err := mgr.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.False(t, second.Closed())
	assert.Equal(t, int64(2), mgr.Sweeps())

	assert.Equal(t, 2.0, gatheredValue(t, reg, "chain_endpoint_probes_total"))
	assert.Equal(t, 2.0, gatheredValue(t, reg, "chain_connection_sweeps_total"))
	assert.Equal(t, 1.0, gatheredValue(t, reg, "chain_connection_up"))
}

// gatheredValue sums every series of a counter or gauge family.
func gatheredValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return total
}

func TestManager_SignerAttached(t *testing.T) {
	pool := testPool(t, "a.example")
	rec := newProbeRecorder()
	rec.succeed("a.example", NewMockClient())

	signer := testSigner(t)
	mgr := NewManager(pool, testLogger(), WithProbe(rec.probe), WithSigner(signer))
	conn, err := mgr.Acquire(context.Background())
	require.NoError(t, err)

	assert.True(t, conn.CanSign())
	addr, ok := conn.Address()
	assert.True(t, ok)
	assert.Equal(t, signer.Address(), addr)

	readOnly := NewManager(pool, testLogger(), WithProbe(rec.probe), WithSigner(NewSigner(nil)))
	conn, err = readOnly.Acquire(context.Background())
	require.NoError(t, err)
	assert.False(t, conn.CanSign())
	_, ok = readOnly.SignerAddress()
	assert.False(t, ok)
}

func TestManager_SignerAddressWithoutConnection(t *testing.T) {
	pool := testPool(t, "a.example")
	rec := newProbeRecorder()

	signer := testSigner(t)
	mgr := NewManager(pool, testLogger(), WithProbe(rec.probe), WithSigner(signer))
	_, err := mgr.Acquire(context.Background())
	require.Error(t, err)

	addr, ok := mgr.SignerAddress()
	assert.True(t, ok)
	assert.Equal(t, signer.Address(), addr)
}
