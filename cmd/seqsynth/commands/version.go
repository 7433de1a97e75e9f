package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), struct {
					versionInfo
					GoVersion string `json:"go_version"`
				}{buildInfo, runtime.Version()})
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "seqsynth %s (commit: %s, built: %s, %s)\n",
				buildInfo.Version, buildInfo.Commit, buildInfo.BuildDate, runtime.Version())
			return err
		},
	}
}
