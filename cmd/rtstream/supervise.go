package main

import (
	"context"
	"errors"

	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/rtclient"
)

var errProducerExited = errors.New("producer loop exited")

// supervisedProducer is the part of *producer.Producer the stream command drives.
type supervisedProducer interface {
	Start(ctx context.Context) error
	Stop()
	Disconnect() error
	StopMeasuring()
	Done() <-chan struct{}
}

// connectionLost reports whether err leaves the data connection unusable.
func connectionLost(err error) bool {
	return errors.Is(err, rtclient.ErrClosed) ||
		errors.Is(err, rtclient.ErrReadTimeout) ||
		errors.Is(err, rtclient.ErrNotConnected)
}

// supervise runs p until ctx ends. Every error received on lost closes the
// connection and restarts the producer, which reconnects under its retry
// policy. A loop that exits on its own, e.g. after exhausting its retries,
// ends supervision with errProducerExited.
func supervise(ctx context.Context, log logger.Logger, p supervisedProducer, lost <-chan error) error {
	if err := p.Start(ctx); err != nil {
		return err
	}

	defer func() {
		// Closing the connection first unblocks a pending read so Stop can
		// join the loop.
		p.StopMeasuring()
		if err := p.Disconnect(); err != nil {
			log.Warn("disconnect failed", logger.Err(err))
		}
		p.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.Done():
			if ctx.Err() != nil {
				return nil
			}
			return errProducerExited
		case err := <-lost:
			log.Warn("data connection lost, reconnecting", logger.Err(err))
			if err := p.Disconnect(); err != nil {
				log.Warn("disconnect failed", logger.Err(err))
			}
			p.Stop()
			if err := p.Start(ctx); err != nil {
				return err
			}
		}
	}
}
