package cmd

import (
	"github.com/spf13/cobra"

	"github.com/whamcloud/lmgr/internal/lmgr"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the manager",
		RunE:  runManager,
	}
	return cmd
}

func runManager(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return lmgr.Run(config)
}
