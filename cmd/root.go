/*
Copyright © 2026 flyrunner authors
*/
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"flyrunner/internal/config"
	"flyrunner/internal/logging"
	"flyrunner/internal/orchestrator"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "flyrunner",
	Short: "Run Buildkite steps on ephemeral Fly.io machines",
	Long: `flyrunner is a Buildkite plugin command. It provisions one Fly machine per
build step, uploads a pipeline that runs each step on its machine and adds a
cleanup step that removes every machine and volume afterwards.

The plugin configuration is read from BUILDKITE_PLUGIN_CONFIGURATION, or from
the YAML file given with --config. FLY_API_TOKEN must be set.`,
	Run: func(cmd *cobra.Command, args []string) {
		runPlugin(cmd.Context())
	},
}

// Execute adds all child commands to the root command and runs it
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Logger().Fatal("Command failed", zap.Error(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML plugin configuration (overrides BUILDKITE_PLUGIN_CONFIGURATION)")
}

// loadConfig loads the plugin configuration, honouring --config
func loadConfig() *config.Config {
	lookup := os.LookupEnv
	if configPath != "" {
		lookup = func(key string) (string, bool) {
			if key == "CONFIG_PATH" {
				return configPath, true
			}
			return os.LookupEnv(key)
		}
	}

	cfg, err := config.LoadFromEnv(lookup)
	if err != nil {
		logging.Logger().Fatal("Failed to load configuration", zap.Error(err))
	}

	matrix, _ := cfg.MatrixValues()
	logging.Logger().Info("Configuration loaded",
		zap.String("app", cfg.Application),
		zap.String("org", cfg.Organization),
		zap.String("image", cfg.Image),
		zap.Int("matrix", len(matrix)),
		zap.Int("secrets", len(cfg.Secrets)),
		zap.Int("storage_gb", cfg.StorageGB))
	return cfg
}

func runPlugin(ctx context.Context) {
	cfg := loadConfig()
	if err := orchestrator.New(cfg, orchestrator.NewDeps(cfg)).Run(ctx); err != nil {
		logging.Logger().Fatal("Run failed", zap.String("app", cfg.Application), zap.Error(err))
	}
}
