// Command server accepts job submissions, forwards queued results over
// WebSocket and hosts interactive sandbox sessions.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

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
	"github.com/dontdude/goxec-engine/internal/platform/web"
	"github.com/dontdude/goxec-engine/internal/session"
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
			newSessions,
			web.NewHub,
			newRateLimiter,
			newServer,
		),

		fx.Invoke(
			forwardResults,
			serveHTTP,
		),

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

func newSessions(e *executor.Engine, log *slog.Logger) *session.Handler {
	return session.NewHandler(e, log)
}

func newRateLimiter(lc fx.Lifecycle, cfg *config.Config) *web.RateLimiter {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return web.NewRateLimiter(ctx, cfg.Server.Rate, cfg.Server.Burst)
}

func newServer(b domain.Broker, sessions *session.Handler, hub *web.Hub, rl *web.RateLimiter, m *metrics.Collector, log *slog.Logger) *web.Server {
	return web.NewServer(b, b, sessions, hub, rl, m, log)
}

// forwardResults subscribes to finished results and hands them to the hub.
func forwardResults(lc fx.Lifecycle, b domain.Broker, hub *web.Hub) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			results, err := b.SubscribeResults(ctx)
			if err != nil {
				return err
			}
			go func() {
				defer close(done)
				hub.Run(ctx, results)
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}

func serveHTTP(lc fx.Lifecycle, cfg *config.Config, s *web.Server, log *slog.Logger) {
	srv := &http.Server{Addr: cfg.Server.Addr, Handler: s.Routes()}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			log.Info("API Server starting", "addr", srv.Addr)
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
