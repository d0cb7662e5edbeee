package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"meshbridge/internal/config"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Options carries the persistent flags shared by every subcommand.
type Options struct {
	ConfigPath string
	Root       string
	LogLevel   string
}

func NewRootCmd() *cobra.Command {
	opts := &Options{}

	rootCmd := &cobra.Command{
		Use:           "meshbridge",
		Short:         "Bridge a phone camera to Meshroom capture projects",
		Long:          "meshbridge receives oriented captures from the mobile app, files them into Meshroom project folders and streams coverage to a live dashboard.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Version = Version

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")
	flags.StringVar(&opts.Root, "root", "", "projects root directory (overrides config)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(NewServeCmd(opts))
	rootCmd.AddCommand(NewProjectsCmd(opts))

	return rootCmd
}

// loadConfig resolves env > file > defaults, then applies command line overrides.
func (o *Options) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfigWithPrecedence(o.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if o.Root != "" {
		cfg.Storage.Root = o.Root
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, nil
}
