package chain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/middlemark/escrowd/internal/circuitbreaker"
)

var rpcFailoversTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "chain",
	Name:      "rpc_failovers_total",
	Help:      "RPC endpoint failovers by chain id and endpoint.",
}, []string{"chain", "endpoint"})

func init() {
	prometheus.MustRegister(rpcFailoversTotal)
}

// failoverError marks an endpoint as having not answered (transport
// failure, timeout, or RPC-level error). The pool advances to the next
// endpoint; any other error is treated as the chain's answer.
type failoverError struct{ err error }

func (e *failoverError) Error() string { return e.err.Error() }
func (e *failoverError) Unwrap() error { return e.err }

// failover wraps err so the endpoint pool tries the next endpoint.
func failover(err error) error { return &failoverError{err: err} }

// endpointPool rotates through an ordered list of RPC endpoints with a
// per-endpoint circuit breaker. A healthy endpoint stays preferred until
// it fails; exhausting the list yields ErrUnavailable, never a verdict
// about the transaction.
type endpointPool struct {
	chainID   string
	endpoints []string
	breaker   *circuitbreaker.Breaker

	mu  sync.Mutex
	cur int
}

func newEndpointPool(chainID string, endpoints []string) (*endpointPool, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("chain %s: at least one rpc endpoint required", chainID)
	}
	return &endpointPool{
		chainID:   chainID,
		endpoints: endpoints,
		breaker:   circuitbreaker.New(3, 30*time.Second),
	}, nil
}

// do runs fn against endpoints in preference order until one answers.
// fn signals "try the next endpoint" by returning failover(err); any
// other return value, nil or not, is the answer.
func (p *endpointPool) do(fn func(endpoint string) error) error {
	p.mu.Lock()
	start := p.cur
	p.mu.Unlock()

	n := len(p.endpoints)
	var lastErr error
	tried := 0

	for k := 0; k < n; k++ {
		i := (start + k) % n
		ep := p.endpoints[i]
		if !p.breaker.Allow(ep) {
			continue
		}
		tried++

		err := fn(ep)
		var fe *failoverError
		if errors.As(err, &fe) {
			p.breaker.RecordFailure(ep)
			rpcFailoversTotal.WithLabelValues(p.chainID, ep).Inc()
			lastErr = fe.err
			continue
		}

		p.breaker.RecordSuccess(ep)
		p.mu.Lock()
		p.cur = i
		p.mu.Unlock()
		return err
	}

	if lastErr != nil {
		return fmt.Errorf("%w (chain %s, %d endpoints tried): %v", ErrUnavailable, p.chainID, tried, lastErr)
	}
	return fmt.Errorf("%w (chain %s: all endpoints circuit-open)", ErrUnavailable, p.chainID)
}
