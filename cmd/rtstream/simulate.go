package main

import (
	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/rtserver"
	"github.com/spf13/cobra"
)

func newSimulateCmd(opts *rootOptions) *cobra.Command {
	var (
		address  string
		channels int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a simulated acquisition server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if address != "" {
				cfg.Simulator.Address = address
			}
			if channels > 0 {
				cfg.Simulator.Channels = channels
			}

			log, err := cfg.Logger("rtstream-simulator")
			if err != nil {
				return err
			}

			srv := rtserver.New(cfg.RTServer(), log)
			if err := srv.Start(); err != nil {
				return err
			}
			defer srv.Stop()

			info := srv.Info()
			log.Info("simulator listening",
				logger.F("addr", srv.Addr()),
				logger.F("channels", info.NumChannels),
				logger.F("sfreq", info.SampleFrequency),
			)

			<-cmd.Context().Done()
			log.Info("simulator shutting down", logger.F("sessions", srv.SessionCount()))
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "listen", "", "override simulator.address")
	cmd.Flags().IntVar(&channels, "channels", 0, "override simulator.channels")
	return cmd
}
