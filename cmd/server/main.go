package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/liamcoop/tenantrules/internal/config"
	"github.com/liamcoop/tenantrules/internal/logger"
	"github.com/liamcoop/tenantrules/multitenantengine"
	"github.com/liamcoop/tenantrules/rules"
)

// openStore connects the configured rule store. The returned closer is
// never nil.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (rules.RuleStore, func() error, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory rule store, rules will not survive a restart")
		return rules.NewInMemoryRuleStore(), func() error { return nil }, nil

	case config.DriverPostgres:
		db, err := sql.Open("postgres", cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("failed to ping database: %w", err)
		}
		return rules.NewPostgresRuleStore(db), db.Close, nil

	case config.DriverSQLite:
		db, err := rules.OpenSQLite(cfg.URL, time.Duration(cfg.BusyTimeoutMs)*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		return rules.NewSQLiteRuleStore(db), db.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func run(configPath string) error {
	loader, err := config.NewLoader(configPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := logger.Setup(ctx, cfg.Log.LoggerOptions()); err != nil {
		logger.Warn("falling back to JSON logging", "error", err)
	}

	store, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	parser, err := rules.NewParser(cfg.Rules.ParserConfig())
	if err != nil {
		return err
	}
	repo := rules.NewRepository(store, parser, cfg.Database.Timeout())
	cache := rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.Cache.TTL()})
	engine := rules.NewEngine(repo, cache)
	manager := multitenantengine.NewManager(engine)

	sweeper := rules.NewCacheSweeper(cache, cfg.Cache.SweepSchedule)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	loader.OnChange(func(c *config.Config) {
		cache.SetTTL(c.Cache.TTL())
		if lvl, err := logger.ParseLevel(c.Log.Level); err == nil {
			logger.SetLevel(lvl)
		}
		logger.Info("applied configuration change",
			"cache_ttl_seconds", c.Cache.TTLSeconds,
			"log_level", logger.LevelName(logger.GetLevel()),
		)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("config hot reload disabled", "error", err)
	} else {
		defer stopWatch()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      NewServer(manager),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			"port", cfg.Server.Port,
			"driver", cfg.Database.Driver,
			"cache_ttl_seconds", cfg.Cache.TTLSeconds,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	err := run(*configPath)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = logger.Shutdown(shutdownCtx)

	if err != nil {
		logger.Fatal("server exited with error", "error", err)
	}
}
