package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	commonconfig "github.com/whamcloud/lmgr/internal/common/config"
	"github.com/whamcloud/lmgr/internal/lmgr/configuration"
)

const (
	CustomConfigLocation string = "config"
	defaultConfigPath    string = "./config/lmgr"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "lmgr",
		SilenceUsage: true,
		Short:        "Lustre cluster manager",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return config, errors.WithStack(err)
	}
	_, err = commonconfig.LoadConfig(&config, defaultConfigPath, userSpecifiedConfigs)
	return config, err
}
