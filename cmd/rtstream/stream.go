package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/metrics"
	"github.com/cyberinferno/rtstream/producer"
	"github.com/cyberinferno/rtstream/rtclient"
	"github.com/cyberinferno/rtstream/samplebuffer"
	"github.com/cyberinferno/rtstream/sink"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const consumerID sink.PluginID = "stream-monitor"

func newStreamCmd(opts *rootOptions) *cobra.Command {
	var noMeasure bool

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Connect to the acquisition server and stream sample blocks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStream(cmd.Context(), opts, !noMeasure)
		},
	}

	cmd.Flags().BoolVar(&noMeasure, "info-only", false, "fetch the measurement info but do not start measuring")
	return cmd
}

func runStream(ctx context.Context, opts *rootOptions, measure bool) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	log, err := cfg.Logger("rtstream")
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return err
	}

	store, closeStore, err := openInfoStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	pcfg := cfg.ProducerConfig()
	pcfg.Store = store
	pcfg.Metrics = m
	pcfg.Logger = log

	hub := sink.NewHub(log)
	monitor := sink.NewRegistry(consumerID, sink.RTVisualization)
	monitor.AcceptFrom(pcfg.ProducerID)
	buf := samplebuffer.New[fiff.SampleBlock](cfg.Buffer.Capacity)
	if err := monitor.Bind(pcfg.MeasurementID, buf); err != nil {
		return err
	}
	hub.Attach(monitor)

	client := rtclient.New(cfg.RTClient(), log)
	client.OnConnectionState(func(e rtclient.ConnectionStateEvent) {
		if e.Error != nil {
			log.Debug("connection state", logger.F("state", e.State.String()), logger.Err(e.Error))
		}
	})

	p := producer.New(pcfg, client, hub)
	lost := make(chan error, 1)
	p.OnError(func(err error) {
		switch {
		case errors.Is(err, producer.ErrRetriesExhausted):
			log.Error("giving up on acquisition server", logger.Err(err))
		case connectionLost(err):
			select {
			case lost <- err:
			default:
			}
		}
	})
	p.OnConnectionChanged(func(connected bool) {
		if connected {
			p.RequestMetadata()
			if measure {
				p.StartMeasuring()
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(reg), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info("serving metrics", logger.F("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		consume(gctx, log, m, monitor, buf, pcfg.MeasurementID)
		return nil
	})

	g.Go(func() error {
		defer buf.Close()
		return supervise(gctx, log, p, lost)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume drains the monitor buffer on every notification and logs progress.
func consume(ctx context.Context, log logger.Logger, m *metrics.Metrics, r *sink.Registry, buf *sink.Buffer, measurement sink.MeasurementID) {
	var blocks, samples int64
	report := time.NewTicker(5 * time.Second)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-report.C:
			log.Info("stream progress", logger.F("blocks", blocks), logger.F("samples", samples), logger.F("buffered", buf.Len()))
		case <-r.Notifications():
			for {
				block, ok := buf.TryPop()
				if !ok {
					break
				}
				blocks++
				samples += int64(block.Samples)
				log.Debug("block", logger.F("channels", block.Channels), logger.F("samples", block.Samples))
			}
			m.RecordBufferDepth(string(r.ID()), string(measurement), buf.Len())
		}
	}
}

func metricsMux(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}
