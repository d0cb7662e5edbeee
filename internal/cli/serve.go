package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshbridge/internal/app"
	"meshbridge/internal/logging"
)

func NewServeCmd(opts *Options) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.HTTP.Port = port
			}

			logging.InitLogger(cfg.Log.Level, cfg.Log.Format)

			application, err := app.NewApplication(cfg)
			if err != nil {
				return fmt.Errorf("initializing app: %w", err)
			}

			return application.Run(cmd.Context())
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (overrides config)")
	return cmd
}
