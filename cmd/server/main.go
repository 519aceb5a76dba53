// Package main is the entry point for the shellbox terminal gateway.
package main

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/shellbox/config"
	"github.com/isdmx/shellbox/gateway"
	"github.com/isdmx/shellbox/logger"
	"github.com/isdmx/shellbox/mcpserver"
	"github.com/isdmx/shellbox/metrics"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Prometheus collectors on a dedicated registry
			metrics.New,

			// Sandbox provider based on config
			sandbox.NewProvider,

			// Session bookkeeping and lifecycle
			func() *session.Registry { return session.NewRegistry() },
			session.NewManager,
			session.NewReaper,

			// Terminal gateway
			gateway.New,

			// Operator tools
			mcpserver.New,
		),

		fx.Invoke(
			registerProvider,
			registerGateway,
			registerReaper,
			registerAdmin,
		),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

// registerProvider checks the engine and removes leftovers of a previous
// run on start, if enabled, and releases the provider on stop.
func registerProvider(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, provider sandbox.Provider, manager *session.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sandbox.CheckReachable(ctx, provider); err != nil {
				return err
			}
			if !cfg.Sandbox.CleanupOrphans {
				return nil
			}
			removed, err := manager.CleanupOrphans(ctx)
			if err != nil {
				log.Warn("orphan cleanup failed", zap.Error(err))
				return nil
			}
			log.Info("orphan cleanup finished", zap.Int("removed", removed))
			return nil
		},
		OnStop: func(context.Context) error {
			return provider.Close()
		},
	})
}

func registerGateway(lc fx.Lifecycle, server *gateway.Server) {
	lc.Append(fx.Hook{
		OnStart: server.Start,
		OnStop:  server.Stop,
	})
}

func registerReaper(lc fx.Lifecycle, reaper *session.Reaper) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			reaper.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			reaper.Stop()
			return nil
		},
	})
}

// registerAdmin starts the operator tool transport selected by admin.transport
func registerAdmin(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	var serve func() error
	switch cfg.Admin.Transport {
	case "stdio":
		serve = server.ServeStdio
	case "http":
		serve = server.ServeHTTP
	default:
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("operator tools stopped", zap.String("transport", cfg.Admin.Transport), zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
}
