package cmd

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/logbuffer/internal/common"
	"github.com/G-Research/logbuffer/internal/logbuffer"
)

func pruneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete records older than the retention period from the configured sink and exit",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			olderThan, err := cmd.Flags().GetDuration("older-than")
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = config.Retention.Period
			}
			if olderThan <= 0 {
				return errors.New("no retention period configured and --older-than not given")
			}

			common.ConfigureCommandLineLogging()
			logStore, err := logbuffer.OpenStore(config, log.WithField("component", "store"))
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := logStore.Close(); closeErr != nil {
					err = multierror.Append(err, closeErr)
				}
			}()

			_, err = logbuffer.Prune(context.Background(), logStore, olderThan)
			return err
		},
	}
	cmd.Flags().Duration("older-than", time.Duration(0), "Prune records older than this instead of the configured retention period")
	return cmd
}
