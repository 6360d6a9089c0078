// Package proxy selects egress proxies for fetches and retires unhealthy
// ones over time.
package proxy

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
)

// ErrNoProxies is returned when the pool has no active proxy to offer.
var ErrNoProxies = errors.New("proxy: no active proxies available")

// Pool picks proxies for individual requests. Selection pulls the least
// recently used candidates and picks one at random so that concurrent
// workers spread across the pool instead of stampeding the same endpoint.
type Pool struct {
	store         catalog.ProxyStore
	clock         catalog.Clock
	logger        *zap.Logger
	candidatePool int

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPool constructs a Pool drawing from up to candidatePool idle proxies
// per pick.
func NewPool(store catalog.ProxyStore, clock catalog.Clock, logger *zap.Logger, candidatePool int) *Pool {
	if candidatePool <= 0 {
		candidatePool = 50
	}
	return &Pool{
		store:         store,
		clock:         clock,
		logger:        logger,
		candidatePool: candidatePool,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Pick returns one active proxy and immediately stamps it as used so a
// concurrent pick is unlikely to land on the same endpoint.
func (p *Pool) Pick(ctx context.Context) (catalog.Proxy, error) {
	candidates, err := p.store.SelectIdle(ctx, p.candidatePool)
	if err != nil {
		return catalog.Proxy{}, err
	}
	if len(candidates) == 0 {
		return catalog.Proxy{}, ErrNoProxies
	}

	p.mu.Lock()
	chosen := candidates[p.rnd.Intn(len(candidates))]
	p.mu.Unlock()

	if err := p.store.MarkUsed(ctx, chosen.ID, p.clock.Now()); err != nil {
		p.logger.Warn("failed to mark proxy used",
			zap.Int64("proxy_id", chosen.ID),
			zap.Error(err),
		)
	}
	return chosen, nil
}

// Report records the outcome of a request made through the proxy.
func (p *Pool) Report(ctx context.Context, proxyID int64, success bool, httpStatus int) {
	if err := p.store.RecordResult(ctx, proxyID, success, httpStatus); err != nil {
		p.logger.Warn("failed to record proxy result",
			zap.Int64("proxy_id", proxyID),
			zap.Error(err),
		)
	}
}

// Sweeper periodically deactivates proxies whose failure count has
// overtaken their success count.
type Sweeper struct {
	store       catalog.ProxyStore
	logger      *zap.Logger
	minRequests int64
	interval    time.Duration
}

// NewSweeper constructs a health sweeper. Proxies with fewer than
// minRequests total requests are never judged.
func NewSweeper(store catalog.ProxyStore, logger *zap.Logger, minRequests int64, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:       store,
		logger:      logger,
		minRequests: minRequests,
		interval:    interval,
	}
}

// Run sweeps on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single health pass.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	n, err := s.store.DeactivateUnhealthy(ctx, s.minRequests)
	if err != nil {
		s.logger.Error("proxy health sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.ObserveProxiesDeactivated(n)
		s.logger.Info("deactivated unhealthy proxies", zap.Int64("count", n))
	}
}
