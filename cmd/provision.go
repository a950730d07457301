package cmd

import (
	"fmt"
	"time"

	"flyrunner/internal/cleanup"
	"flyrunner/internal/fly"
	"flyrunner/internal/logging"
	"flyrunner/internal/orchestrator"
	"flyrunner/internal/provisioning"
	"flyrunner/internal/state"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var provisionKeep bool

// provisionCmd represents the provision command
var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision a single machine for debugging",
	Long: `Provision one machine with the configured image, size and environment,
running the same region fallback as a real run. The machine and its volumes
are removed again unless --keep is given.

This is useful for checking image, capacity and token setup without
uploading a pipeline.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()

		client := fly.New(cfg.APIToken, fly.WithAPIURL(cfg.APIURL), fly.WithGraphQLURL(cfg.GraphQLURL))
		manifest := state.New(cfg.Application)
		provisioner := provisioning.New(client, cfg.Application,
			provisioning.WithRegions(cfg.Regions),
			provisioning.WithManifest(manifest))

		req := orchestrator.Job(cfg).Request
		logging.Logger().Info("Provisioning debug machine",
			zap.String("prefix", req.NamePrefix),
			zap.String("image", req.Image),
			zap.Int("cpus", req.CPUs),
			zap.Int("memory_mb", req.MemoryMB),
			zap.Int("storage_gb", req.StorageGB))

		res, provisionErr := provisioner.Provision(ctx, req)
		if provisionErr == nil {
			fmt.Printf("agent:    %s\nmachine:  %s\nregion:   %s\nattempts: %d\nvolumes:  %v\n",
				res.AgentName, res.MachineID, res.Region, res.Attempts, res.VolumeIDs)
		}

		if provisionKeep && provisionErr == nil {
			logging.Logger().Info("Keeping machine", zap.String("machine", res.MachineID))
			return
		}

		settle := time.Duration(cfg.SettleSeconds) * time.Second
		if err := cleanup.NewReclaimer(client, cfg.Application, settle).ReclaimManifest(ctx, manifest); err != nil {
			logging.Logger().Error("Failed to reclaim debug machine", zap.Error(err))
		}

		if provisionErr != nil {
			logging.Logger().Fatal("Failed to provision machine", zap.Error(provisionErr))
		}
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)

	provisionCmd.Flags().BoolVar(&provisionKeep, "keep", false, "Keep the machine and its volumes after provisioning")
}
