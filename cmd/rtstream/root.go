package main

import (
	"github.com/cyberinferno/rtstream/config"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
	server     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "rtstream",
		Short:         "Real-time sensor data ingestion",
		Long:          "rtstream reads multichannel sample blocks from a real-time acquisition server and distributes them to consumers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level")
	cmd.PersistentFlags().StringVar(&opts.server, "server", "", "override server.address")

	cmd.AddCommand(
		newStreamCmd(opts),
		newSimulateCmd(opts),
		newInfoCmd(opts),
	)

	return cmd
}

// load reads the config file and applies flag overrides.
func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}

	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.server != "" {
		cfg.Server.Address = o.server
	}

	return cfg, cfg.Validate()
}
