// Package main implements tproxy, a translation proxy that lets Stratum V1
// mining devices work through a single Stratum V2 extended channel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bardlex/tproxy/internal/config"
	"github.com/bardlex/tproxy/pkg/log"
)

const serviceName = "tproxy"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)

	cmd := &cobra.Command{
		Use:   serviceName,
		Short: "Stratum V1 to Stratum V2 translation proxy",
		Long: `tproxy accepts Stratum V1 mining devices and forwards their work over a
single Stratum V2 extended channel to an upstream pool.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if logFormat != "" {
				cfg.Logging.Format = logFormat
			}

			logger := log.New(serviceName, version, cfg.Logging.Level, cfg.Logging.Format)

			interrupt := make(chan os.Signal, 1)
			signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(interrupt)

			return logStopped(logger, run(cmd.Context(), cfg, logger, interrupt))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the TOML configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "override logging.format (json, text)")

	cmd.AddCommand(newVersionCmd())
	return cmd
}

// logStopped reports how run ended. A clean stop is only visible at debug.
func logStopped(logger *log.Logger, err error) error {
	if err != nil {
		logger.WithError(err).Error("tproxy stopped")
		return err
	}
	logger.Debug("tproxy stopped")
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tproxy version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
		},
	}
}
