package cmd

import (
	"fmt"

	"flyrunner/internal/config"

	"github.com/spf13/cobra"
)

// appNameCmd represents the app-name command
var appNameCmd = &cobra.Command{
	Use:   "app-name [pipeline name]",
	Short: "Print the Fly application name derived from a pipeline name",
	Long: `Print the Fly application name used when the plugin configuration does
not name one. Application names may only contain lowercase letters, digits
and dashes.

Example:
  flyrunner app-name "I'm just a regular pipeline name"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(config.ApplicationNameFromPipelineName(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(appNameCmd)
}
