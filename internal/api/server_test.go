package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
	"github.com/pricepulse/catalog-crawler/internal/clock/system"
	"github.com/pricepulse/catalog-crawler/internal/config"
	"github.com/pricepulse/catalog-crawler/internal/metrics"
	pendingmem "github.com/pricepulse/catalog-crawler/internal/pending/memory"
	"github.com/pricepulse/catalog-crawler/internal/run"
	"github.com/pricepulse/catalog-crawler/internal/storage/memory"
)

type nopProducer struct{}

func (nopProducer) EnqueueRootDiscovery(context.Context, int64, int64) error { return nil }
func (nopProducer) EnqueueRootDiscoveryIn(context.Context, int64, int64, time.Duration) error {
	return nil
}
func (nopProducer) EnqueueReconciliation(context.Context, int64, int64) error { return nil }

type fakeInspector struct {
	infos map[string]*asynq.QueueInfo
}

func (f *fakeInspector) GetQueueInfo(qname string) (*asynq.QueueInfo, error) {
	info, ok := f.infos[qname]
	if !ok {
		return nil, fmt.Errorf("queue %q does not exist", qname)
	}
	return info, nil
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *memory.RunStore) {
	t.Helper()
	metrics.Init()

	runStore := memory.NewRunStore()
	runStore.AddContext(catalog.MerchantContext{
		ID: 7, MerchantID: 1, MerchantName: "Mercado Azul",
		WebsiteBaseURL: "https://mercadoazul.example", Active: true,
	})
	store := memory.NewCatalogStore()

	runSvc := run.NewService(run.Deps{
		Runs:           runStore,
		Contexts:       runStore,
		Categories:     store,
		Discoveries:    store,
		Fetches:        memory.NewFetchStore(),
		Tracker:        pendingmem.New(),
		Producer:       nopProducer{},
		Clock:          system.New(),
		Logger:         zap.NewNop(),
		ScraperVersion: "1.0.0",
	})

	inspector := &fakeInspector{infos: map[string]*asynq.QueueInfo{
		"category-crawl": {Queue: "category-crawl", Pending: 4, Active: 2},
		"product-fetch":  {Queue: "product-fetch", Pending: 37, Active: 20},
	}}
	return NewServer(runSvc, inspector, nil, zap.NewNop(), cfg), runStore
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateRun(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 7})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created catalog.CrawlRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, int64(7), created.ContextID)
	require.Equal(t, catalog.RunStatusRunning, created.Status)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateRunConflict(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 7})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 7})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateRunValidation(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 7, "run_type": "inventory"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 999})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartAndGetRun(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 7})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created catalog.CrawlRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, srv, http.MethodPost, fmt.Sprintf("/v1/runs/%d/start", created.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/runs/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/runs/424242", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/v1/runs/not-a-number", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunProgress(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 7, "start": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created catalog.CrawlRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = doJSON(t, srv, http.MethodGet, fmt.Sprintf("/v1/runs/%d/progress", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var progress catalog.RunProgress
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &progress))
	require.Equal(t, created.ID, progress.RunID)
	require.Equal(t, catalog.RunStatusRunning, progress.Status)
}

func TestListContextRuns(t *testing.T) {
	srv, runStore := newTestServer(t, config.Config{})
	ctx := context.Background()

	first, err := runStore.CreateRun(ctx, 7, catalog.RunTypeCatalog, nil, "1.0.0")
	require.NoError(t, err)
	require.NoError(t, runStore.FinishRun(ctx, first.ID, catalog.RunStatusSucceeded, ""))
	_, err = runStore.CreateRun(ctx, 7, catalog.RunTypeCatalog, nil, "1.0.0")
	require.NoError(t, err)

	rec := doJSON(t, srv, http.MethodGet, "/v1/contexts/7/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []catalog.CrawlRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)

	rec = doJSON(t, srv, http.MethodGet, "/v1/contexts/7/runs?limit=0", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueStats(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, srv, http.MethodGet, "/v1/queues/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []queueStats `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 4)

	byName := make(map[string]queueStats)
	for _, q := range body.Queues {
		byName[q.Queue] = q
	}
	require.Equal(t, 37, byName["product-fetch"].Pending)
	// Queues with no traffic yet report zeros instead of erroring.
	require.Contains(t, byName, "catalog-run")
	require.Zero(t, byName["catalog-run"].Pending)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, config.Config{})

	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIKeyGuardsV1Only(t *testing.T) {
	cfg := config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "sekrit"
	srv, _ := newTestServer(t, cfg)

	rec := doJSON(t, srv, http.MethodPost, "/v1/runs", map[string]any{"context_id": 7})
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(`{"context_id":7}`))
	req.Header.Set("X-API-Key", "sekrit")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code)

	// Health stays open for probes.
	rec = doJSON(t, srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
