package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MarcosBrendonDePaula/fluxlive/internal/config"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/logging"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/metrics"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/observability"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/registry"
	"github.com/MarcosBrendonDePaula/fluxlive/internal/runtime"
)

func serveCmd() *cobra.Command {
	var (
		addr     string
		withDemo bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the live component server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if logLevel != "" {
				cfg.Observability.Logging.Level = logLevel
			}
			if logFormat != "" {
				cfg.Observability.Logging.Format = logFormat
			}

			logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
			if path := cfg.Observability.Logging.InvokeLog; path != "" {
				if err := logging.Default().SetOutput(path); err != nil {
					return err
				}
				defer logging.Default().Close()
			}
			metrics.InitPrometheus("fluxlive", nil)

			ctx := context.Background()
			if err := observability.Init(ctx, observability.Config{
				Enabled:     cfg.Observability.Tracing.Enabled,
				Exporter:    cfg.Observability.Tracing.Exporter,
				Endpoint:    cfg.Observability.Tracing.Endpoint,
				ServiceName: cfg.Observability.Tracing.ServiceName,
				SampleRate:  cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return err
			}

			reg := registry.New()
			if withDemo {
				if err := registerDemoComponents(reg); err != nil {
					return err
				}
			}

			srv, err := runtime.New(cfg, reg)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logging.Op().Info("signal received", "signal", sig.String())
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("shutdown incomplete", "error", err)
			}
			return observability.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	cmd.Flags().BoolVar(&withDemo, "demo", true, "Register the demo components")

	return cmd
}
