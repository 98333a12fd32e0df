package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/rtclient"
	"github.com/spf13/cobra"
)

func newInfoCmd(opts *rootOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the measurement info of the acquisition server as JSON",
		Long:  "info prints the cached measurement info for the configured producer, reading it from the acquisition server when it is not cached or --refresh is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInfo(cmd.Context(), opts, refresh, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the cached info and read it from the server")
	return cmd
}

func runInfo(ctx context.Context, opts *rootOptions, refresh bool, out io.Writer) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	log, err := cfg.Logger("rtstream")
	if err != nil {
		return err
	}

	store, closeStore, err := openInfoStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	key := cfg.Producer.ID
	if refresh {
		if err := store.Forget(ctx, key); err != nil {
			return err
		}
	}

	client := rtclient.New(cfg.RTClient(), log)
	defer func() {
		if err := client.Disconnect(); err != nil {
			log.Warn("disconnect failed", logger.Err(err))
		}
	}()

	info, err := store.LookupOrFetch(ctx, key, func(ctx context.Context) (*fiff.ChannelInfo, error) {
		if _, err := client.Connect(ctx); err != nil {
			return nil, err
		}
		return client.ReadInfo()
	})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
