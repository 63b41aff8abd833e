package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/G-Research/logbuffer/internal/common"
	commonconfig "github.com/G-Research/logbuffer/internal/common/config"
	"github.com/G-Research/logbuffer/internal/logbuffer/configuration"
)

const CustomConfigLocation string = "config"

var defaultConfigPath = "./config/logbuffer"

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "logbuffer",
		Short:        "logbuffer batches log records from many producers into a durable sink",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		pruneCmd(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*configuration.LogBufferConfiguration, error) {
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(CustomConfigLocation)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var config configuration.LogBufferConfiguration
	if _, err := common.ReadConfig(&config, defaultConfigPath, userSpecifiedConfigs, cmd.Flags()); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return nil, errors.New("invalid configuration")
	}
	return &config, nil
}
