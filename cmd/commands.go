package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kristinkand/nocturne-sub010/internal/config"
	"github.com/kristinkand/nocturne-sub010/internal/gateway"
	"github.com/kristinkand/nocturne-sub010/internal/monitoring"
)

const shutdownTimeout = 30 * time.Second

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	Debug      bool
}

// newRootCommand creates the root command.
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "nocturne-compat",
		Short: "Nightscout/Nocturne compatibility proxy",
		Long: `Sends every request to both Nightscout and Nocturne, compares the two
responses, records discrepancies and returns one response to the caller.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnvFiles()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVarP(&opts.Debug, "debug", "d", false, "enable debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newValidateCommand(opts))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

// loadConfig resolves and parses the configuration.
func loadConfig(opts *rootOptions) (*config.Config, string, error) {
	data, source, err := resolveConfig(opts.ConfigPath)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadFromBytes(data)
	if err != nil {
		return nil, source, fmt.Errorf("%s: %w", source, err)
	}
	return cfg, source, nil
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var noBanner bool

	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the compatibility proxy",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !noBanner {
				printBanner()
			}
			return runServe(opts)
		},
	}
	cmd.Flags().BoolVar(&noBanner, "no-banner", false, "suppress startup banner")
	return cmd
}

func runServe(opts *rootOptions) error {
	cfg, source, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logCfg := monitoring.LoggerConfig{
		Level:  cfg.Monitoring.LogLevel,
		Format: cfg.Monitoring.LogFormat,
		Output: cfg.Monitoring.LogOutput,
	}
	if opts.Debug {
		logCfg.Level = "debug"
	}
	logger := monitoring.Global(logCfg)

	log.Info().
		Str("version", Version).
		Str("config", source).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Type).
		Bool("caching", cfg.Proxy.EnableResponseCaching).
		Bool("deduplication", cfg.Proxy.EnableRequestDeduplication).
		Msg("compatibility proxy starting")

	gw, err := gateway.New(cfg, gateway.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		return fmt.Errorf("gateway error: %w", err)
	}

	log.Info().Msg("compatibility proxy stopped")
	return nil
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without starting the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, source, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config %s is valid\n", source)
			fmt.Fprintf(out, "  nightscout: %s\n", cfg.Proxy.NightscoutURL)
			fmt.Fprintf(out, "  nocturne:   %s\n", cfg.Proxy.NocturneURL)
			fmt.Fprintf(out, "  strategy:   %s\n", cfg.Proxy.DefaultStrategy)
			fmt.Fprintf(out, "  store:      %s\n", cfg.Store.Type)
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "nocturne-compat %s\n", Version)
		},
	}
}
