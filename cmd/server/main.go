package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tenseijs/tensei-sub000/internal/auth"
	"github.com/tenseijs/tensei-sub000/internal/blog"
	"github.com/tenseijs/tensei-sub000/internal/config"
	"github.com/tenseijs/tensei-sub000/internal/engine"
	"github.com/tenseijs/tensei-sub000/internal/instrument"
	"github.com/tenseijs/tensei-sub000/internal/logging"
	"github.com/tenseijs/tensei-sub000/internal/metadata"
	"github.com/tenseijs/tensei-sub000/internal/store"
	"github.com/tenseijs/tensei-sub000/internal/store/redisstore"
	"github.com/tenseijs/tensei-sub000/internal/store/sqlstore"
)

func main() {
	root := &cobra.Command{
		Use:           "server",
		Short:         "Resource manager API server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or extend tables for every declared resource",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()
			return app.migrate(cmd.Context())
		},
	}
}

// application holds what both commands need.
type application struct {
	cfg     *config.Config
	log     *zap.Logger
	reg     *metadata.Registry
	adapter store.Adapter
}

func bootstrap(ctx context.Context) (*application, error) {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	// 2. Logger
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	log.Info("config loaded", zap.Int("port", cfg.Server.Port), zap.String("driver", cfg.Database.Driver))

	// 3. Registry: Go declarations first, YAML resources fill the gaps
	resources := append(blog.Resources(), auth.RefreshTokenResource())
	if cfg.Resources.File != "" {
		extra, err := metadata.LoadFile(cfg.Resources.File)
		if err != nil {
			return nil, err
		}
		resources = metadata.Merge(resources, extra)
	}
	reg, err := metadata.NewRegistry(resources...)
	if err != nil {
		return nil, fmt.Errorf("build registry: %w", err)
	}
	log.Info("registry ready", zap.Int("resources", len(reg.All())))

	// 4. Storage
	adapter, err := openAdapter(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage connected", zap.String("driver", cfg.Database.Driver))

	return &application{cfg: cfg, log: log, reg: reg, adapter: adapter}, nil
}

func openAdapter(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Adapter, error) {
	switch cfg.Database.Driver {
	case "redis":
		return redisstore.Open(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, log)
	default:
		return sqlstore.Open(ctx, cfg.Database, log)
	}
}

// migrate is a no-op for the document store, which has no schema.
func (a *application) migrate(ctx context.Context) error {
	sa, ok := a.adapter.(*sqlstore.Adapter)
	if !ok {
		a.log.Info("storage has no schema, nothing to migrate")
		return nil
	}
	if err := sqlstore.NewMigrator(sa, a.reg).MigrateAll(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.log.Info("schema up to date", zap.Int("resources", len(a.reg.All())))
	return nil
}

func (a *application) close() {
	if err := a.adapter.Close(); err != nil {
		a.log.Warn("close storage", zap.Error(err))
	}
	_ = a.log.Sync()
}

func serve(ctx context.Context) error {
	app, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer app.close()
	log := app.log

	// 5. Schema
	if err := app.migrate(ctx); err != nil {
		return err
	}

	// 6. Create Fiber app
	server := fiber.New(fiber.Config{
		ErrorHandler:          engine.ErrorHandler(log),
		DisableStartupMessage: true,
	})
	server.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	server.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 7. Instrumentation
	if app.cfg.Instrumentation.Enabled {
		buffer := instrument.NewEventBuffer(log, app.cfg.Instrumentation.BufferSize,
			time.Duration(app.cfg.Instrumentation.FlushIntervalMs)*time.Millisecond)
		defer buffer.Stop()
		server.Use(instrument.Middleware(buffer))
	}

	// 8. Health check
	server.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 9. Auth routes (before the resource routes, no auth required)
	tokens := auth.NewTokens(app.cfg.JWTSecret)
	authHandler := auth.NewHandler(app.reg, app.adapter, tokens, "User", log)
	auth.RegisterRoutes(server, authHandler, auth.Middleware(tokens, true))

	// 10. Admin-only schema sync
	server.Post("/api/_migrate", auth.Middleware(tokens, true), auth.RequireAdmin(), func(c *fiber.Ctx) error {
		if err := app.migrate(c.UserContext()); err != nil {
			return err
		}
		return c.JSON(fiber.Map{"message": "Schema up to date"})
	})

	// 11. Resource routes; anonymous callers reach the authorizer as a nil principal
	authz := &engine.RoleAuthorizer{Policies: blog.Policies()}
	resourceHandler := engine.NewHandler(app.reg, app.adapter, authz, log)
	engine.RegisterResourceRoutes(server, resourceHandler, auth.Middleware(tokens, false))

	// 12. Start server
	addr := fmt.Sprintf(":%d", app.cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", addr))
		errCh <- server.Listen(addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info("shutting down")
		return server.ShutdownWithTimeout(10 * time.Second)
	}
}
