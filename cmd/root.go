package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/lightfield/cmd/inspect"
	"github.com/tphakala/lightfield/cmd/run"
	"github.com/tphakala/lightfield/cmd/sessions"
	"github.com/tphakala/lightfield/internal/buildinfo"
	"github.com/tphakala/lightfield/internal/conf"
	"github.com/tphakala/lightfield/internal/logger"
)

// RootCommand creates and returns the root command
func RootCommand(ctx *conf.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lightfield",
		Short:         "Multi-stream RTSP ingestion with batched person segmentation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&ctx.ConfigFile, "config", "", "Path to config.yaml (default: search . and $HOME/.config/lightfield)")
	rootCmd.PersistentFlags().BoolVar(&ctx.Debug, "debug", false, "Enable debug logging")

	inspectCmd := inspect.Command()
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Get())
		},
	}

	rootCmd.AddCommand(
		run.Command(ctx),
		sessions.Command(ctx),
		inspectCmd,
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		// inspect and version work without a config file
		if cmd.Name() == inspectCmd.Name() || cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(ctx)
	}

	return rootCmd
}

// initialize loads the settings and installs the global logger.
func initialize(ctx *conf.Context) error {
	settings, err := conf.Load(viper.New(), ctx.ConfigFile)
	if err != nil {
		return err
	}
	if ctx.Debug {
		settings.Debug = true
	}
	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	cl, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.SetGlobal(cl)

	ctx.Settings = settings
	return nil
}
