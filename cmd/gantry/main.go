package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gantrygw/gantry/internal/admin"
	"github.com/gantrygw/gantry/internal/config"
	"github.com/gantrygw/gantry/internal/gateway"
	"github.com/gantrygw/gantry/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/gantry.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gantry %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting gantry",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("routes", len(cfg.Routes)),
		zap.Int("upstreams", len(cfg.Upstreams)))

	engine, err := gateway.New(cfg)
	if err != nil {
		logging.Error("failed to build engine", zap.Error(err))
		os.Exit(1)
	}

	if err := engine.Watch(*configPath); err != nil {
		logging.Error("failed to watch configuration", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gateway.NewServer(engine, cfg.Server).Run(ctx)
	})

	if cfg.Admin.Enabled {
		adminSrv := &http.Server{
			Addr:    cfg.Admin.Listen,
			Handler: admin.New(engine),
		}
		g.Go(func() error {
			logging.Info("admin api listening", zap.String("addr", cfg.Admin.Listen))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return adminSrv.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil {
		logging.Error("server error", zap.Error(err))
	}
	if err := engine.Close(context.Background()); err != nil {
		logging.Warn("shutdown cleanup", zap.Error(err))
	}
}
