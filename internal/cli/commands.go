package cli

import "github.com/spf13/cobra"

var defaultCommands = []func() *cobra.Command{
	NewServeCmd,
	NewInstallCmd,
	NewSweepCmd,
	NewQueueCmd,
	NewCachesCmd,
}

func RegisterSubCommands(cmd *cobra.Command) {
	for _, factory := range defaultCommands {
		cmd.AddCommand(factory())
	}
}
