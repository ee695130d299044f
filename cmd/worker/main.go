// Command worker consumes batch jobs from the configured broker, runs each one
// in a sandboxed container and publishes the result.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/dontdude/goxec-engine/internal/config"
	"github.com/dontdude/goxec-engine/internal/domain"
	"github.com/dontdude/goxec-engine/internal/executor"
	"github.com/dontdude/goxec-engine/internal/language"
	"github.com/dontdude/goxec-engine/internal/logger"
	"github.com/dontdude/goxec-engine/internal/platform/docker"
	"github.com/dontdude/goxec-engine/internal/platform/metrics"
	"github.com/dontdude/goxec-engine/internal/platform/queue"
	"github.com/dontdude/goxec-engine/internal/worker"
	"github.com/dontdude/goxec-engine/internal/workspace"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			metrics.NewCollector,
			language.NewDefaultRegistry,
			newDockerClient,
			newBroker,
			newEngine,
			newWorker,
		),

		fx.Invoke(
			pullImages,
			serveMetrics,
			startWorker,
		),

		// Cold image pulls can take minutes.
		fx.StartTimeout(10*time.Minute),

		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),
	)

	app.Run()
}

func newDockerClient(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (*docker.Client, error) {
	cli, err := docker.NewClient(cfg.Sandbox.MaxEngineCalls, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return cli.Close() },
	})
	return cli, nil
}

func newBroker(lc fx.Lifecycle, cfg *config.Config, log *slog.Logger) (domain.Broker, error) {
	b, err := queue.NewFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return b.Close() },
	})
	return b, nil
}

func newEngine(cfg *config.Config, reg *language.Registry, cli *docker.Client, m *metrics.Collector, log *slog.Logger) *executor.Engine {
	return executor.New(
		reg,
		workspace.NewManager(cfg.Sandbox.WorkspaceDir, log),
		cli,
		log,
		executor.WithTimeLimit(cfg.Sandbox.TimeLimit),
		executor.WithStopGrace(cfg.Sandbox.StopGrace),
		executor.WithMetrics(m),
	)
}

func newWorker(b domain.Broker, e *executor.Engine, m *metrics.Collector, log *slog.Logger) *worker.Worker {
	return worker.New(b, b, e, m, log)
}

func pullImages(lc fx.Lifecycle, cfg *config.Config, cli *docker.Client, reg *language.Registry) {
	if !cfg.Sandbox.PullImages {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return cli.PullImages(ctx, reg.Images())
		},
	})
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, m *metrics.Collector, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("Metrics listening", "addr", srv.Addr)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Metrics server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func startWorker(lc fx.Lifecycle, w *worker.Worker) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// The start context expires once startup completes; the loop outlives it.
			w.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			w.Stop()
			return nil
		},
	})
}
