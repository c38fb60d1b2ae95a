// Package commands implements the nexora command line.
package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nexora/kit/config"
)

var (
	configPath       string
	logLevelOverride string
)

// NewRootCmd creates the nexora root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexora",
		Short: "Resilience policies for outbound calls",
		Long: `nexora binds circuit breakers, retries, timeouts, rate limiters and
bulkheads to named operations from a YAML file and serves their state.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewValidateCmd(),
		NewConfigCmd(),
		NewTokenCmd(),
		NewServeCmd(),
		NewProbeCmd(),
		NewVersionCmd(),
	)
	return cmd
}

// loadConfig reads --config, or the built-in defaults when it is unset, and
// applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefaults(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level := strings.TrimSpace(logLevelOverride); level != "" {
		cfg.Observe.Logging.Level = strings.ToLower(level)
		if err := cfg.Observe.Validate(); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	return cfg, nil
}
