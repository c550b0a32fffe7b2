package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	// ErrNoLiveEndpoint is matched by every *ConnectionError.
	ErrNoLiveEndpoint = errors.New("chain: no live endpoint")
	// ErrProbeTimeout marks a probe that did not finish within its budget.
	ErrProbeTimeout = errors.New("chain: probe timed out")
)

// EndpointFailure records why a single endpoint was rejected.
type EndpointFailure struct {
	Endpoint string
	Err      error
}

// ConnectionError is returned when a sweep of the pool found no live endpoint.
type ConnectionError struct {
	Failures []EndpointFailure
	// Cause is set when the sweep was cut short by its context.
	Cause error
}

func (e *ConnectionError) Error() string {
	if len(e.Failures) == 0 && e.Cause == nil {
		return "chain: no live endpoint: pool is empty"
	}
	parts := make([]string, 0, len(e.Failures)+1)
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Endpoint, f.Err))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("aborted: %v", e.Cause))
	}
	return "chain: no live endpoint (" + strings.Join(parts, "; ") + ")"
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrNoLiveEndpoint
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// SelectEndpoint walks the pool in order and returns the first endpoint whose
// probe succeeds within timeout. Later endpoints are never probed once one
// succeeds. The function keeps no state between calls.
func SelectEndpoint(ctx context.Context, pool Pool, probe ProbeFunc, timeout time.Duration, logger *slog.Logger) (Endpoint, RPCClient, error) {
	connErr := &ConnectionError{}

	for i, ep := range pool {
		if err := ctx.Err(); err != nil {
			connErr.Cause = err
			return Endpoint{}, nil, connErr
		}

		client, err := probeWithTimeout(ctx, ep, probe, timeout)
		if err == nil {
			logger.Info("endpoint selected",
				"endpoint", ep.Label(),
				"position", i+1,
				"pool_size", len(pool),
			)
			return ep, client, nil
		}

		logger.Warn("endpoint probe failed",
			"endpoint", ep.Label(),
			"position", i+1,
			"error", err,
		)
		connErr.Failures = append(connErr.Failures, EndpointFailure{Endpoint: ep.Label(), Err: err})
	}

	if err := ctx.Err(); err != nil {
		connErr.Cause = err
	}
	return Endpoint{}, nil, connErr
}

type probeResult struct {
	client RPCClient
	err    error
}

// probeWithTimeout races probe against the timeout. A probe that finishes
// after losing the race has its client closed in the background.
func probeWithTimeout(ctx context.Context, ep Endpoint, probe ProbeFunc, timeout time.Duration) (RPCClient, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan probeResult, 1)
	go func() {
		client, err := probe(probeCtx, ep)
		done <- probeResult{client: client, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if res.client != nil {
				res.client.Close()
			}
			if ctx.Err() == nil && errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", ErrProbeTimeout, timeout, res.err)
			}
			return nil, res.err
		}
		if res.client == nil {
			return nil, errors.New("probe returned no client")
		}
		return res.client, nil
	case <-probeCtx.Done():
		go func() {
			if res := <-done; res.client != nil {
				res.client.Close()
			}
		}()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w after %s", ErrProbeTimeout, timeout)
	}
}
