package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of a running Harborguard API",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st struct {
			OK      bool   `json:"ok"`
			Message string `json:"message"`
		}
		if err := doRequest("GET", "/healthz", nil, &st); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy: %v\n", err)
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
