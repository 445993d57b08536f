// Package main provides the processing worker host entry point. It polls
// the recording service for post-upload processing jobs across all
// configured pipelines and runs them to completion.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fairyhunter13/wildlife-processing/internal/adapter/observability"
	"github.com/fairyhunter13/wildlife-processing/internal/app"
	"github.com/fairyhunter13/wildlife-processing/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		user       string
		password   string
		api        string
	)
	cmd := &cobra.Command{
		Use:           "processor",
		Short:         "Post-upload processing worker for wildlife recordings",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if api != "" {
				conf.APIURL = config.ResolveAPIAlias(api)
			}
			if user != "" {
				conf.APIUser = user
			}
			if password != "" {
				conf.APIPassword = password
			}
			if err := conf.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), conf)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config-file", "c", "", "path to config file to use")
	cmd.Flags().StringVar(&user, "user", "", "API server user, overrides the config file")
	cmd.Flags().StringVar(&password, "password", "", "API server password, overrides the config file")
	cmd.Flags().StringVar(&api, "api", "", "API server URL or alias (prod, test, ir)")
	return cmd
}

func run(ctx context.Context, conf *config.Config) error {
	logger := observability.SetupLogger(conf)
	slog.SetDefault(logger)

	observability.InitMetrics()
	if conf.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", conf.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				slog.Error("metrics server error", slog.Any("error", err))
			}
		}()
	}

	shutdownTracer, err := observability.SetupTracing(conf)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting processing", slog.String("api", conf.APIURL))
	dispatcher, err := app.BuildDispatcher(ctx, conf, logger)
	if err != nil {
		return err
	}
	if err := dispatcher.Run(ctx); err != nil {
		return err
	}
	slog.Info("processing stopped")
	return nil
}
