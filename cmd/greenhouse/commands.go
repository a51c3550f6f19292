// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianGreenhouse/pkg/logging"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/config"
	"github.com/AleutianAI/AleutianGreenhouse/services/greenhouse/observability"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// redacted replaces secrets in `config show`.
const redacted = "********"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "greenhouse",
		Short:         "Greenhouse sensor freshness and irrigation actuation core",
		Long:          `Serves cached sensor values from a rate-limited IoT cloud and gates AI irrigation recommendations before they move a pump.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to a YAML config file (env GREENHOUSE_* overrides it)")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	return rootCmd
}

// =============================================================================
// serve
// =============================================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	var simulate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, background refresher and actuator gateway",
		Long:  `Runs until SIGINT or SIGTERM, then drains HTTP, stops the refresher, finishes in-flight pump commands and flushes history.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if simulate {
				cfg.Cloud.Mode = config.CloudModeMemory
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts.configPath)
		},
	}
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Use the in-memory cloud simulator instead of cloud.mode")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, configPath string) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	shutdownTelemetry, err := observability.Init(ctx, observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	slog.Info("Starting greenhouse",
		slog.String("version", version),
		slog.Int("port", cfg.Server.Port),
		slog.String("cloud_mode", cfg.Cloud.Mode),
		slog.Bool("storage_in_memory", cfg.Storage.InMemory),
	)

	core, err := greenhouse.NewCore(ctx, cfg, greenhouse.WithLogger(logger.Slog()))
	if err != nil {
		return fmt.Errorf("create core: %w", err)
	}

	var svcOpts []greenhouse.ServiceOption
	if configPath != "" {
		svcOpts = append(svcOpts, greenhouse.WithConfigPath(configPath))
	}
	return greenhouse.NewService(core, svcOpts...).Run(ctx)
}

func newLogger(cfg config.Config) (*logging.Logger, error) {
	level := logging.LevelInfo
	if cfg.Logging.Level != "" {
		parsed, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		level = parsed
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
	}), nil
}

// =============================================================================
// config
// =============================================================================

func newConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.Load(opts.configPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(redact(cfg))
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
	return cmd
}

// redact blanks credentials so the output is safe to paste.
func redact(cfg config.Config) config.Config {
	if cfg.Cloud.Key != "" {
		cfg.Cloud.Key = redacted
	}
	if cfg.History.Influx.Token != "" {
		cfg.History.Influx.Token = redacted
	}
	return cfg
}
