// EmberDB - an in-memory key-value server speaking a RESP subset.
//
// Usage:
//
//	emberdb [flags]
//
// Flags:
//
//	--config string    Path to YAML configuration file
//	--addr string      Listen address, overrides the config file
//	--loglevel string  Log level: trace, debug, info, warn, error
//	--metrics          Enable the Prometheus endpoint
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/urfave/cli/v2"

	"github.com/emberdb/emberdb/internal/config"
	"github.com/emberdb/emberdb/internal/metrics"
	"github.com/emberdb/emberdb/internal/server"
	"github.com/emberdb/emberdb/internal/store"
	"github.com/emberdb/emberdb/internal/version"
)

func main() {
	app := &cli.App{
		Name:    "emberdb",
		Usage:   "in-memory key-value server speaking a RESP subset",
		Version: fmt.Sprintf("%s (built %s)", version.Version, version.BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML configuration file",
				EnvVars: []string{"EMBERDB_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides the config file",
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Usage: "log level: trace, debug, info, warn, error",
			},
			&cli.BoolFlag{
				Name:  "metrics",
				Usage: "enable the Prometheus endpoint",
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
	cfgPath := c.String("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("loglevel") {
		cfg.Log.Level = c.String("loglevel")
	}
	if c.IsSet("metrics") {
		cfg.Metrics.Enabled = c.Bool("metrics")
	}
	if err := config.Verify(cfg); err != nil {
		return err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "emberdb",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.Format == "json",
	})
	logger.Info("starting", "version", version.Version, "addr", cfg.Server.Addr)

	st := store.New()
	m := metrics.New(func() float64 { return float64(st.Len()) })

	srv := server.NewWithConfig(cfg.Server.Addr, st, server.Config{
		MaxClients:  cfg.Server.MaxClients,
		RateLimit:   cfg.Server.RateLimit,
		ReadTimeout: cfg.Server.ReadTimeout,
	}, logger.Named("server"), m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	// Reloading the file only adjusts the log level; listener settings
	// require a restart.
	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func() {
			reloaded, err := config.Load(cfgPath)
			if err != nil {
				logger.Warn("configuration reload failed", "error", err)
				return
			}
			if reloaded.Log.Level != cfg.Log.Level {
				logger.Info("log level changed", "from", cfg.Log.Level, "to", reloaded.Log.Level)
				logger.SetLevel(hclog.LevelFromString(reloaded.Log.Level))
				cfg.Log.Level = reloaded.Log.Level
			}
		}, logger.Named("config"))
		if err != nil {
			return fmt.Errorf("failed to watch configuration file: %w", err)
		}
		watcher.StartAsync()
		defer watcher.Stop()
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			fmt.Fprintln(w, "ok")
		})
		metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}
