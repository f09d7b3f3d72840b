// Package support provides commands for collecting troubleshooting data.
package support

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/easmon/easmon-go/internal/conf"
	"github.com/easmon/easmon-go/internal/diagnostics"
)

// Command creates the support command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "support",
		Short: "Collect a system diagnostics dump",
		Long:  "Write a snapshot of CPU, memory and runtime state next to the configuration file for troubleshooting.",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := diagnostics.CaptureSystemInfo("manual support dump")
			if info == "" {
				return fmt.Errorf("diagnostics capture was rate limited, try again shortly")
			}
			fmt.Print(info)
			return nil
		},
	}
}
