package main

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codepad/api"
	"github.com/isdmx/codepad/audit"
	"github.com/isdmx/codepad/config"
	"github.com/isdmx/codepad/engine"
	"github.com/isdmx/codepad/logger"
	"github.com/isdmx/codepad/mcpserver"
	"github.com/isdmx/codepad/sandbox"
	"github.com/isdmx/codepad/toolchain"
	"github.com/isdmx/codepad/workspace"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Isolation backend based on config
			sandbox.NewBackend,

			// Pipeline collaborators
			newToolchainManager,
			newWorkspaceManager,
			newAuditLogger,
			newEngine,

			// Transports
			newMCPServer,
			newAPIServer,
		),

		// Start the configured transport
		fx.Invoke(registerLifecycle),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	// Start the application
	app.Run()
}

func newToolchainManager(log *zap.Logger, cfg *config.Config) *toolchain.Manager {
	builder := toolchain.NewSourceBuilder(log, cfg.Toolchain)
	return toolchain.NewManager(log, cfg.Toolchain, cfg.GetBootstrapTimeout(), builder)
}

func newWorkspaceManager(log *zap.Logger, cfg *config.Config, backend sandbox.Backend) (*workspace.Manager, error) {
	mode, err := cfg.WorkspaceMode()
	if err != nil {
		return nil, err
	}

	var opts []workspace.Option
	if reclaimer, ok := backend.(sandbox.WorkspaceReclaimer); ok {
		opts = append(opts, workspace.WithReclaimer(reclaimer.ReclaimWorkspace))
	}
	return workspace.NewManager(log, cfg.Workspace.Root, mode, opts...), nil
}

func newAuditLogger(lc fx.Lifecycle, log *zap.Logger, cfg *config.Config) (audit.Logger, error) {
	if !cfg.Audit.Enabled {
		return audit.Nop{}, nil
	}

	store, err := audit.Open(log, cfg.Audit.Path)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return store.Close()
		},
	})
	return store, nil
}

func newEngine(log *zap.Logger, cfg *config.Config, backend sandbox.Backend, tc *toolchain.Manager, workspaces *workspace.Manager, auditLog audit.Logger) *engine.Engine {
	return engine.New(log, engine.SettingsFromConfig(cfg), backend, tc, workspaces, engine.WithAuditLogger(auditLog))
}

func newMCPServer(cfg *config.Config, log *zap.Logger, eng *engine.Engine) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, eng)
}

func newAPIServer(cfg *config.Config, log *zap.Logger, eng *engine.Engine, tc *toolchain.Manager, mcp *mcpserver.MCPServer) *api.Server {
	return api.New(cfg, log, eng, tc, api.WithMCPHandler(mcp.HTTPHandler()))
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, eng *engine.Engine, mcp *mcpserver.MCPServer, server *api.Server) {
	warmCtx, cancelWarm := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.Server.WarmOnStart {
				go warmToolchain(warmCtx, log, eng)
			}

			switch cfg.Server.Transport {
			case "stdio":
				go func() {
					if err := mcp.ServeStdio(); err != nil {
						log.Error("stdio server stopped", zap.Error(err))
					}
					_ = shutdowner.Shutdown()
				}()
			case "http":
				go func() {
					if err := server.Start(); err != nil {
						log.Error("http server stopped", zap.Error(err))
						_ = shutdowner.Shutdown(fx.ExitCode(1))
					}
				}()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelWarm()
			if cfg.Server.Transport == "http" {
				return server.Stop(ctx)
			}
			return nil
		},
	})
}

// warmToolchain bootstraps the compiler so the first request does not pay for it
func warmToolchain(ctx context.Context, log *zap.Logger, eng *engine.Engine) {
	start := time.Now()
	if err := eng.EnsureToolchainReady(ctx); err != nil {
		log.Warn("toolchain warm-up failed; requests will retry", zap.Error(err))
		return
	}
	log.Info("toolchain ready", zap.Duration("duration", time.Since(start)))
}
