package cmd

import (
	"os"
	"time"

	"flyrunner/internal/cleanup"
	"flyrunner/internal/config"
	"flyrunner/internal/fly"
	"flyrunner/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cleanupApp      string
	cleanupMachines []string
	cleanupVolumes  []string
	cleanupSettle   time.Duration
	cleanupAPIURL   string
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove machines and volumes through the Machines API",
	Long: `Remove the given machines, wait for the settle delay and destroy the given
volumes. Every deletion is attempted even when an earlier one fails.

Example:
  flyrunner cleanup --app buildkite-my-pipeline --machine 3d8d9e1b --volume vol_abc123`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		token := os.Getenv("FLY_API_TOKEN")
		if token == "" {
			logging.Logger().Fatal("FLY_API_TOKEN is not set")
		}
		if cleanupApp == "" {
			if name := os.Getenv("BUILDKITE_PIPELINE_NAME"); name != "" {
				cleanupApp = config.ApplicationNameFromPipelineName(name)
			} else {
				logging.Logger().Fatal("--app is required")
			}
		}

		client := fly.New(token, fly.WithAPIURL(cleanupAPIURL))
		reclaimer := cleanup.NewReclaimer(client, cleanupApp, cleanupSettle)
		if err := reclaimer.Reclaim(cmd.Context(), cleanupMachines, cleanupVolumes); err != nil {
			logging.Logger().Fatal("Cleanup incomplete", zap.String("app", cleanupApp), zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	cleanupCmd.Flags().StringVarP(&cleanupApp, "app", "a", "", "Fly application name (default derived from BUILDKITE_PIPELINE_NAME)")
	cleanupCmd.Flags().StringSliceVar(&cleanupMachines, "machine", nil, "Machine ID to remove (repeatable)")
	cleanupCmd.Flags().StringSliceVar(&cleanupVolumes, "volume", nil, "Volume ID to destroy (repeatable)")
	cleanupCmd.Flags().DurationVar(&cleanupSettle, "settle", config.DefaultSettleSeconds*time.Second, "Delay between machine removal and volume destruction")
	cleanupCmd.Flags().StringVar(&cleanupAPIURL, "api-url", config.DefaultAPIURL, "Machines API base URL")
}
