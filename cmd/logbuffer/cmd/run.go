package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/G-Research/logbuffer/internal/common"
	"github.com/G-Research/logbuffer/internal/common/app"
	"github.com/G-Research/logbuffer/internal/logbuffer"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Buffer log records into the configured sink until SIGINT or SIGTERM is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := common.ConfigureLogger(log.StandardLogger(), config.Logging.Console()); err != nil {
				return err
			}
			return logbuffer.Run(app.CreateContextWithShutdown(), config)
		},
	}
	cmd.Flags().Uint16("httpPort", 8080, "Port serving /metrics, /health and /ingest; overrides the configured value")
	return cmd
}
