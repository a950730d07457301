package cmd

import (
	"github.com/spf13/cobra"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision machines and upload the pipeline",
	Long: `Ensure the Fly application exists, register the declared secrets, provision
one machine per build step and upload the resulting pipeline with
buildkite-agent. This is what the plugin hook runs; calling flyrunner without a
subcommand does the same.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runPlugin(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
