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
	"go.uber.org/zap"

	"rocket-dataservice/internal/admin"
	"rocket-dataservice/internal/auth"
	"rocket-dataservice/internal/config"
	"rocket-dataservice/internal/engine"
	"rocket-dataservice/internal/instrument"
	"rocket-dataservice/internal/logging"
	"rocket-dataservice/internal/logic"
	"rocket-dataservice/internal/metadata"
	"rocket-dataservice/internal/permission"
	"rocket-dataservice/internal/repository"
	"rocket-dataservice/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 2. Logger
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log.Info("config loaded",
		zap.Int("port", cfg.Server.Port),
		zap.String("driver", cfg.Database.Driver),
		zap.String("database", cfg.Database.Name))

	// 3. Connect to database and bootstrap system tables
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	if err := db.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap system tables: %w", err)
	}

	// 4. Metadata: system tables, then the schema file
	load := func(ctx context.Context) (*metadata.Registry, error) {
		reg, _, err := loadRegistry(ctx, db, cfg.Schema.Path, log)
		return reg, err
	}
	reg, schema, err := loadRegistry(ctx, db, cfg.Schema.Path, log)
	if err != nil {
		return err
	}

	// 5. Migrate tables and seed access
	migrator := store.NewMigrator(db, log)
	if err := migrator.MigrateAll(ctx, reg); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if schema != nil && (len(schema.Grants) > 0 || len(schema.Members) > 0) {
		if err := db.SeedAccess(ctx, schema.Grants, schema.Members, log); err != nil {
			return fmt.Errorf("seed access: %w", err)
		}
	}

	// 6. Permission resolver
	cache := permission.NewMemoryCache(cfg.Permissions.CacheTTL, cfg.Permissions.CacheCleanupInterval)
	resolver := permission.NewResolver(permission.NewSQLSource(db), cache, cfg.Permissions.TeamBatchSize, log)
	resolver.SetCacheEnabled(ctx, cfg.Permissions.CacheEnabled)

	// 7. Business logic
	logicReg := engine.NewLogicRegistry()
	logic.RegisterRules(reg, logicReg)
	logicReg.RegisterBulk(logic.NewBulkAudit(log))

	// 8. Data service
	opts := engine.OptionsFromConfig(cfg.Engine)
	if cfg.Instrumentation.Enabled {
		inst, err := instrument.NewInstrumenter(log)
		if err != nil {
			return fmt.Errorf("instrumentation: %w", err)
		}
		opts.Instrumenter = inst
	}
	svc, err := engine.NewService(reg, repository.NewSQL(db, reg), resolver, logicReg, log, opts)
	if err != nil {
		return err
	}

	// 9. Live settings
	cfg.Watch(func(next *config.Config, err error) {
		if err != nil {
			log.Warn("config reload rejected", zap.Error(err))
			return
		}
		resolver.SetCacheEnabled(context.Background(), next.Permissions.CacheEnabled)
		if err := svc.SetFieldRestriction(next.Engine.FieldRestrictionMode); err != nil {
			log.Warn("field restriction mode rejected", zap.Error(err))
		}
	})

	// 10. HTTP
	app := fiber.New(fiber.Config{
		ErrorHandler: engine.ErrorHandler(log),
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	authMW := auth.Authenticate(cfg.JWTSecret)
	adminMW := auth.RequireRole("admin")

	h := engine.NewHandler(svc, resolver, log)
	engine.RegisterAdminRoutes(app, h, authMW, adminMW)
	admin.RegisterAdminRoutes(app, admin.NewHandler(reg, load, migrator.MigrateAll, log), authMW, adminMW)
	engine.RegisterDataRoutes(app, h, authMW)

	// 11. Serve until signalled
	errc := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		log.Info("starting server", zap.String("addr", addr))
		errc <- app.Listen(addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	return app.ShutdownWithTimeout(10 * time.Second)
}

// loadRegistry builds a validated registry from the system tables and the
// optional schema file. The schema is returned for access seeding.
func loadRegistry(ctx context.Context, db *store.Store, schemaPath string, log *zap.Logger) (*metadata.Registry, *metadata.Schema, error) {
	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, db.DB, reg, log); err != nil {
		log.Warn("failed to load metadata from database", zap.Error(err))
	}

	var schema *metadata.Schema
	if schemaPath != "" {
		s, err := metadata.LoadFile(schemaPath)
		if err != nil {
			return nil, nil, err
		}
		if err := s.Apply(reg); err != nil {
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		schema = s
	}

	if err := reg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid metadata: %w", err)
	}
	return reg, schema, nil
}
