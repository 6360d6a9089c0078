package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/pricepulse/catalog-crawler/internal/queue"
)

// Servers runs one asynq server per queue so each stage keeps its own
// concurrency and retry policy.
type Servers struct {
	servers []*asynq.Server
	muxes   []*asynq.ServeMux
	logger  *zap.Logger
}

// ExtraHandler mounts an additional task type on one queue's mux, e.g.
// the scheduler's periodic sweep.
type ExtraHandler struct {
	Queue    string
	TaskType string
	Handler  func(context.Context, *asynq.Task) error
}

// NewServers builds the per-queue servers over the shared Redis
// connection.
func NewServers(opt asynq.RedisConnOpt, h *Handlers, defs []queue.Definition, logger *zap.Logger, extras ...ExtraHandler) (*Servers, error) {
	s := &Servers{logger: logger}
	for _, def := range defs {
		handler, err := handlerFor(h, def.TaskType)
		if err != nil {
			return nil, err
		}

		cfg := asynq.Config{
			Concurrency: def.Concurrency,
			Queues:      map[string]int{def.Name: 1},
			Logger:      &asynqZapLogger{sugar: logger.Named("asynq." + def.Name).Sugar()},
		}
		if def.RetryBase > 0 {
			cfg.RetryDelayFunc = queue.Backoff(def.RetryBase, def.RetryMax)
		}

		srv := asynq.NewServer(opt, cfg)
		mux := asynq.NewServeMux()
		mux.HandleFunc(def.TaskType, handler)
		for _, extra := range extras {
			if extra.Queue == def.Name {
				mux.HandleFunc(extra.TaskType, extra.Handler)
			}
		}

		s.servers = append(s.servers, srv)
		s.muxes = append(s.muxes, mux)
	}
	return s, nil
}

func handlerFor(h *Handlers, taskType string) (func(context.Context, *asynq.Task) error, error) {
	switch taskType {
	case queue.TypeRootDiscovery:
		return h.HandleRootDiscovery, nil
	case queue.TypeCategoryCrawl:
		return h.HandleCategoryCrawl, nil
	case queue.TypeProductFetch:
		return h.HandleProductFetch, nil
	case queue.TypeReconcile:
		return h.HandleReconcile, nil
	default:
		return nil, fmt.Errorf("no handler for task type %q", taskType)
	}
}

// Start launches all servers. On any start failure the already started
// ones are shut down.
func (s *Servers) Start() error {
	for i, srv := range s.servers {
		if err := srv.Start(s.muxes[i]); err != nil {
			for j := 0; j < i; j++ {
				s.servers[j].Shutdown()
			}
			return fmt.Errorf("start queue server: %w", err)
		}
	}
	s.logger.Info("queue servers started", zap.Int("count", len(s.servers)))
	return nil
}

// Shutdown stops all servers, waiting for in-flight jobs.
func (s *Servers) Shutdown() {
	for _, srv := range s.servers {
		srv.Shutdown()
	}
	s.logger.Info("queue servers stopped")
}

// asynqZapLogger adapts zap to asynq.Logger.
type asynqZapLogger struct {
	sugar *zap.SugaredLogger
}

func (l *asynqZapLogger) Debug(args ...interface{}) { l.sugar.Debug(args...) }
func (l *asynqZapLogger) Info(args ...interface{})  { l.sugar.Info(args...) }
func (l *asynqZapLogger) Warn(args ...interface{})  { l.sugar.Warn(args...) }
func (l *asynqZapLogger) Error(args ...interface{}) { l.sugar.Error(args...) }
func (l *asynqZapLogger) Fatal(args ...interface{}) { l.sugar.Fatal(args...) }
