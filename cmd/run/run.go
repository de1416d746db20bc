// Package run provides the command that starts the realtime pipeline.
package run

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/lightfield/internal/analysis"
	"github.com/tphakala/lightfield/internal/conf"
)

// Command creates the run command.
func Command(ctx *conf.Context) *cobra.Command {
	var (
		streams []string
		listen  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest the configured streams until interrupted",
		Long:  "Connect every configured RTSP stream, batch frames into the segmentation model and serve the control API.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings := ctx.Settings
			for _, u := range streams {
				settings.Streams = append(settings.Streams, conf.StreamConfig{URL: u})
			}
			if cmd.Flags().Changed("listen") {
				settings.Telemetry.Enabled = true
				settings.Telemetry.Listen = listen
			}
			if err := conf.ValidateSettings(settings); err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return analysis.Realtime(runCtx, settings)
		},
	}

	cmd.Flags().StringSliceVar(&streams, "rtsp", nil, "Additional RTSP stream URL (repeatable)")
	cmd.Flags().StringVar(&listen, "listen", "", "Enable the control API on this address")
	return cmd
}
