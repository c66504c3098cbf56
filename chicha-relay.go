// Package main runs a single-port TCP relay backed by an elastic worker pool.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/matveynator/chicha-relay/pkg/config"
	"github.com/matveynator/chicha-relay/pkg/limits"
	"github.com/matveynator/chicha-relay/pkg/logging"
	"github.com/matveynator/chicha-relay/pkg/metrics"
	"github.com/matveynator/chicha-relay/pkg/pool"
	"github.com/matveynator/chicha-relay/pkg/proxy"
	"github.com/matveynator/chicha-relay/pkg/version"
)

func main() {
	cfg, err := config.Load(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	if cfg.ShowVersion {
		fmt.Printf("chicha-relay version %s\n", version.Resolve())
		return
	}

	fmt.Println("========== CHICHA RELAY ==========")
	fmt.Printf("Listen: %s -> Backend: %s\n", cfg.ListenAddr(), cfg.BackendAddr())
	fmt.Printf("Workers: max=%d idle=%d\n", cfg.MaxWorkers, cfg.IdleWorkers)
	fmt.Printf("Log file: %s (rotation %v, max %d bytes)\n", cfg.LogFile, cfg.Rotation, cfg.MaxLogSize)
	if cfg.MetricsAddr != "" {
		fmt.Printf("Metrics: http://%s/metrics\n", cfg.MetricsAddr)
	}
	fmt.Println("==================================")

	logger, file, err := logging.SetupLogger(cfg.LogFile, cfg.LogLevel, os.Stderr)
	if err != nil {
		log.Fatalf("Error setting up logger: %v", err)
	}

	if err := run(cfg, logger, file); err != nil {
		logger.Errorf("Relay stopped: %v", err)
		os.Exit(1)
	}
	logger.Info("Shutting down")
}

// run owns every resource started after logging, so each deferred cleanup runs
// before main decides the exit code.
func run(cfg config.Config, logger *logrus.Logger, file *os.File) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if file != nil {
		rotator := logging.NewRotator(cfg.LogFile, file, logger, os.Stderr, cfg.Rotation, cfg.MaxLogSize)
		defer rotator.Close()
		go rotator.Run(ctx)
	}

	logger.Infof("Starting chicha-relay version %s", version.Resolve())

	if err := limits.SetupLimits(logger); err != nil {
		logger.Warnf("System limit tuning encountered an issue: %v", err)
	}

	m := metrics.New("chicha_relay")
	workers, err := pool.New(cfg.MaxWorkers, cfg.IdleWorkers,
		pool.WithName("relay"),
		pool.WithLogger(logger),
		pool.WithMetrics(m.Pool),
	)
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer workers.Close()

	if cfg.MetricsAddr != "" {
		handler := metrics.Handler(m.Registry, func() interface{} { return workers.Stats() })
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, handler, logger); err != nil {
				logger.Errorf("Metrics endpoint stopped: %v", err)
			}
		}()
	}

	relay := proxy.NewRelay(cfg, workers, proxy.WithLogger(logger), proxy.WithMetrics(m.Relay))
	return relay.ListenAndServe(ctx)
}
