package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/clock/system"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
	"github.com/pricepulse/catalog-crawler/internal/storage/memory"
)

func TestPoolPickMarksUsed(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProxyStore()
	id := store.AddProxy(catalog.Proxy{Address: "10.0.0.1", Port: 3128, Active: true})

	pool := NewPool(store, system.New(), zap.NewNop(), 50)

	picked, err := pool.Pick(ctx)
	require.NoError(t, err)
	require.Equal(t, id, picked.ID)

	p, ok := store.Proxy(id)
	require.True(t, ok)
	require.NotNil(t, p.LastUsedAt)
}

func TestPoolPickEmpty(t *testing.T) {
	pool := NewPool(memory.NewProxyStore(), system.New(), zap.NewNop(), 50)

	_, err := pool.Pick(context.Background())
	require.ErrorIs(t, err, ErrNoProxies)
}

func TestPoolReportUpdatesCounters(t *testing.T) {
	ctx := context.Background()
	store := memory.NewProxyStore()
	id := store.AddProxy(catalog.Proxy{Address: "10.0.0.1", Port: 3128, Active: true})

	pool := NewPool(store, system.New(), zap.NewNop(), 50)
	pool.Report(ctx, id, true, 200)
	pool.Report(ctx, id, false, 403)

	p, _ := store.Proxy(id)
	require.Equal(t, int64(2), p.TotalRequests)
	require.Equal(t, int64(1), p.SuccessCount)
	require.Equal(t, int64(1), p.FailureCount)
	require.Equal(t, 403, p.LastStatus)
}

func TestSweeperDeactivates(t *testing.T) {
	metrics.Init()
	ctx := context.Background()
	store := memory.NewProxyStore()
	flaky := store.AddProxy(catalog.Proxy{Address: "10.0.0.1", Port: 3128, Active: true})
	for i := 0; i < 15; i++ {
		require.NoError(t, store.RecordResult(ctx, flaky, false, 503))
	}
	for i := 0; i < 6; i++ {
		require.NoError(t, store.RecordResult(ctx, flaky, true, 200))
	}

	sweeper := NewSweeper(store, zap.NewNop(), 20, time.Minute)
	sweeper.SweepOnce(ctx)

	p, _ := store.Proxy(flaky)
	require.False(t, p.Active)
}
