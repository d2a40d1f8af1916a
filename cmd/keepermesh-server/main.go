// Package main provides the entry point for keepermesh-server, a
// ZooKeeper-compatible coordination service replicated with raft.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/keepermesh-go/internal/infra/confloader"
	"github.com/yndnr/keepermesh-go/internal/infra/shutdown"
	"github.com/yndnr/keepermesh-go/internal/server"
	"github.com/yndnr/keepermesh-go/internal/server/config"
	"github.com/yndnr/keepermesh-go/internal/telemetry/logger"
	"github.com/yndnr/keepermesh-go/internal/telemetry/metric"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "keepermesh-server",
		Usage:   "ZooKeeper-compatible coordination service on raft",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to configuration file",
			},
			&cli.StringFlag{
				Name:  "node-id",
				Usage: "unique node identifier",
			},
			&cli.StringFlag{
				Name:  "raft-addr",
				Usage: "raft TCP bind address",
			},
			&cli.BoolFlag{
				Name:  "bootstrap",
				Usage: "bootstrap a new single-node cluster",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})

	log.Info("starting keepermesh-server",
		"version", version,
		"commit", commit,
		"node_id", cfg.Raft.NodeID)

	metrics := metric.New()

	srv, err := server.New(cfg, log, metrics)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}
	srv.Start()

	var metricsServer *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	// Hot-reload the log level on config file changes.
	if configFile := c.String("config"); configFile != "" {
		watcher, err := confloader.NewWatcher(log)
		if err == nil {
			watcher.OnChange(func(string) {
				reloaded := config.Default()
				l := confloader.NewLoader(confloader.WithConfigFile(configFile))
				if err := l.Load(reloaded); err != nil {
					log.Warn("config reload failed", "error", err)
					return
				}
				logger.SetLevel(reloaded.Log.Level)
				log.Info("log level reloaded", "level", reloaded.Log.Level)
			})
			if err := watcher.Watch(configFile); err != nil {
				log.Warn("config watch failed", "error", err)
			} else {
				watcher.StartAsync()
				defer watcher.Stop()
			}
		}
	}

	handler := shutdown.NewHandler(30 * time.Second)
	handler.OnShutdown(func(ctx context.Context) error {
		if metricsServer != nil {
			metricsServer.Shutdown(ctx)
		}
		srv.Stop()
		return nil
	})

	log.Info("server running, press Ctrl+C to stop")
	if err := handler.Wait(); err != nil {
		return err
	}
	log.Info("server stopped gracefully")
	return nil
}

// loadConfig merges defaults, the optional config file, environment
// variables and CLI flags, in that order.
func loadConfig(c *cli.Context) (*config.ServerConfig, error) {
	cfg := config.Default()

	loader := confloader.NewLoader()
	if path := c.String("config"); path != "" {
		if err := loader.LoadFile(path); err != nil {
			return nil, err
		}
	}
	if err := loader.LoadEnv(); err != nil {
		return nil, err
	}

	flags := map[string]any{}
	if v := c.String("node-id"); v != "" {
		flags["raft.node_id"] = v
	}
	if v := c.String("raft-addr"); v != "" {
		flags["raft.addr"] = v
	}
	if c.IsSet("bootstrap") {
		flags["raft.bootstrap"] = c.Bool("bootstrap")
	}
	if len(flags) > 0 {
		if err := loader.LoadMap(flags); err != nil {
			return nil, err
		}
	}

	if err := loader.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
