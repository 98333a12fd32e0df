// Package producer drives the ingestion loop of one acquisition source: it
// connects (retrying until stopped), fetches measurement info on request and,
// while measuring, reads sample blocks and publishes them to consumer buffers.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/infostore"
	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/metrics"
	"github.com/cyberinferno/rtstream/rtclient"
	"github.com/cyberinferno/rtstream/sink"
)

var (
	ErrAlreadyRunning   = errors.New("producer: already running")
	ErrNoChannelInfo    = errors.New("producer: no channel info")
	ErrRetriesExhausted = errors.New("producer: connect retries exhausted")
)

// StreamingClient is the data connection the producer reads from.
// *rtclient.Client implements it.
type StreamingClient interface {
	Connect(ctx context.Context) (rtclient.Session, error)
	Disconnect() error
	ReadInfo() (*fiff.ChannelInfo, error)
	ReadInfoStreaming(expectedChannels int, handle rtclient.StreamHandler) (*fiff.ChannelInfo, error)
	ReadBlock(expectedChannels int) (fiff.SampleBlock, error)
	RequestData() error
	StopData() error
}

// Publisher delivers blocks to consumers. *sink.Hub and *BufferSet implement it.
type Publisher interface {
	Publish(ctx context.Context, producer sink.PluginID, measurement sink.MeasurementID, block fiff.SampleBlock) error
	Clear(producer sink.PluginID, measurement sink.MeasurementID)
}

// Config holds the producer settings.
type Config struct {
	// ProducerID names this producer towards consumers.
	ProducerID sink.PluginID
	// MeasurementID is the measurement published blocks belong to.
	MeasurementID sink.MeasurementID
	// InfoKey is the infostore key; defaults to ProducerID.
	InfoKey string
	// RetryInterval is the pause between connection attempts.
	RetryInterval time.Duration
	// MaxRetries caps connection attempts; 0 retries until stopped.
	MaxRetries int
	// SettleDelay is waited after connecting before the first request.
	SettleDelay time.Duration
	// Store receives every fetched ChannelInfo; optional.
	Store infostore.Store
	// Metrics is optional.
	Metrics *metrics.Metrics
	// Logger is optional.
	Logger logger.Logger
}

// DefaultConfig returns a Config retrying every 100ms without limit and
// settling for one second after connecting.
func DefaultConfig(id sink.PluginID) Config {
	return Config{
		ProducerID:    id,
		MeasurementID: "raw",
		RetryInterval: 100 * time.Millisecond,
		SettleDelay:   time.Second,
	}
}

// Stats are the running sample counters of the current measurement. From and
// To are the first and last sample index of the most recent data block.
type Stats struct {
	From   int64
	To     int64
	Blocks int64
}

// Producer runs one ingestion loop. The control methods may be called from
// any goroutine.
type Producer struct {
	config    Config
	client    StreamingClient
	publisher Publisher
	log       logger.Logger

	running           atomic.Bool
	metadataRequested atomic.Bool
	measuring         atomic.Bool
	info              atomic.Pointer[fiff.ChannelInfo]
	wake              chan struct{}

	mu                  sync.Mutex
	cancel              context.CancelFunc
	done                chan struct{}
	onInfo              func(*fiff.ChannelInfo)
	onError             func(error)
	onConnectionChanged func(bool)

	statsMu sync.Mutex
	stats   Stats
}

// New creates a stopped producer reading from client and publishing to publisher.
func New(config Config, client StreamingClient, publisher Publisher) *Producer {
	if config.Logger == nil {
		config.Logger = logger.NewNopLogger()
	}
	if config.InfoKey == "" {
		config.InfoKey = string(config.ProducerID)
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 100 * time.Millisecond
	}

	return &Producer{
		config:    config,
		client:    client,
		publisher: publisher,
		log:       config.Logger.With(logger.F("component", "producer"), logger.F("producer", config.ProducerID)),
		wake:      make(chan struct{}, 1),
		stats:     Stats{To: -1},
	}
}

// OnInfo registers a handler called with every fetched ChannelInfo. Handlers
// run on the producer goroutine and must not block.
func (p *Producer) OnInfo(handler func(*fiff.ChannelInfo)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onInfo = handler
}

// OnError registers a handler called with errors the loop cannot recover
// from locally: read failures, exhausted retries and missing channel info.
func (p *Producer) OnError(handler func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = handler
}

// OnConnectionChanged registers a handler called when the data connection
// comes up or is closed through Disconnect.
func (p *Producer) OnConnectionChanged(handler func(connected bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onConnectionChanged = handler
}

// Start launches the ingestion loop. The loop ends on Stop, when ctx is done or
// when connection retries are exhausted.
func (p *Producer) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		select {
		case <-p.done:
		default:
			return ErrAlreadyRunning
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.running.Store(true)

	go p.run(ctx, done)
	p.log.Info("producer started")
	return nil
}

// Stop ends the loop and waits for it to return. The connection stays open;
// call Disconnect to close it. A read blocked on the server is not
// interrupted, so Stop returns once that read completes.
func (p *Producer) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if done == nil {
		return
	}

	p.running.Store(false)
	cancel()
	<-done
	p.log.Info("producer stopped")
}

// Done returns a channel closed once the loop started by the last Start has
// returned. It is nil before the first Start.
func (p *Producer) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Running reports whether the loop is active.
func (p *Producer) Running() bool {
	return p.running.Load()
}

// Disconnect closes the data connection.
func (p *Producer) Disconnect() error {
	err := p.client.Disconnect()
	p.config.Metrics.RecordConnected(string(p.config.ProducerID), false)
	p.emitConnectionChanged(false)
	return err
}

// RequestMetadata asks the loop to read the measurement info once.
func (p *Producer) RequestMetadata() {
	p.metadataRequested.Store(true)
	p.signal()
}

// StartMeasuring discards blocks still buffered from an earlier measurement,
// resets the counters and starts streaming.
func (p *Producer) StartMeasuring() {
	p.publisher.Clear(p.config.ProducerID, p.config.MeasurementID)

	p.statsMu.Lock()
	p.stats = Stats{To: -1}
	p.statsMu.Unlock()

	p.measuring.Store(true)
	p.signal()
}

// StopMeasuring stops publishing. A block already being read is still
// published; the server is then asked to stop and the rest of the stream is
// discarded.
func (p *Producer) StopMeasuring() {
	p.measuring.Store(false)
	p.signal()
}

// Measuring reports whether blocks are being published.
func (p *Producer) Measuring() bool {
	return p.measuring.Load()
}

// ChannelInfo returns the most recently fetched info.
func (p *Producer) ChannelInfo() (*fiff.ChannelInfo, error) {
	if info := p.info.Load(); info != nil {
		return info, nil
	}

	return nil, ErrNoChannelInfo
}

// Stats returns the sample counters of the current measurement.
func (p *Producer) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

func (p *Producer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Producer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.running.Store(false)

	if err := p.connect(ctx); err != nil {
		if ctx.Err() == nil {
			p.reportError(err)
		}
		return
	}

	if !sleep(ctx, p.config.SettleDelay) {
		return
	}

	streaming := false
	for p.running.Load() && ctx.Err() == nil {
		switch {
		case p.metadataRequested.CompareAndSwap(true, false):
			// A request arriving during the read sets the flag again and
			// triggers another fetch.
			if err := p.fetchInfo(ctx, &streaming); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.readFailed(err, &streaming)
			}

		case p.measuring.Load():
			if p.info.Load() == nil {
				if err := p.fetchInfo(ctx, &streaming); err != nil {
					p.measuring.Store(false)
					p.readFailed(fmt.Errorf("%w: %w", ErrNoChannelInfo, err), &streaming)
				}
				continue
			}

			if !streaming {
				if err := p.client.RequestData(); err != nil {
					p.readFailed(err, &streaming)
					continue
				}
				streaming = true
				p.log.Info("measurement requested")
			}

			if err := p.readBlock(ctx, &streaming); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.readFailed(err, &streaming)
			}

		case streaming:
			p.endStream(&streaming)

		default:
			select {
			case <-ctx.Done():
				return
			case <-p.wake:
			}
		}
	}
}

func (p *Producer) connect(ctx context.Context) error {
	id := string(p.config.ProducerID)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		session, err := p.client.Connect(ctx)
		if errors.Is(err, rtclient.ErrAlreadyConnected) {
			p.log.Debug("data client already connected")
			return nil
		}

		p.config.Metrics.RecordConnectAttempt(id, err == nil)
		if err == nil {
			p.log.Info("data client connected", logger.F("session", session.ID), logger.F("attempts", attempt))
			p.emitConnectionChanged(true)
			return nil
		}

		if attempt == 1 {
			p.log.Warn("data client not reachable, retrying", logger.Err(err), logger.F("interval", p.config.RetryInterval.String()))
		} else {
			p.log.Debug("connect attempt failed", logger.Err(err), logger.F("attempt", attempt))
		}

		if p.config.MaxRetries > 0 && attempt >= p.config.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}

		if !sleep(ctx, p.config.RetryInterval) {
			return ctx.Err()
		}
	}
}

// fetchInfo reads the measurement info. While streaming, blocks the server sent
// ahead of the reply are handled exactly as ReadBlock results.
func (p *Producer) fetchInfo(ctx context.Context, streaming *bool) error {
	var (
		info *fiff.ChannelInfo
		err  error
	)
	if *streaming {
		info, err = p.client.ReadInfoStreaming(p.info.Load().NumChannels, func(block fiff.SampleBlock) error {
			return p.handleBlock(ctx, block, streaming)
		})
	} else {
		info, err = p.client.ReadInfo()
	}
	if err != nil {
		return err
	}

	p.info.Store(info)
	p.config.Metrics.RecordInfoFetch(string(p.config.ProducerID))
	p.log.Info("measurement info received",
		logger.F("channels", info.NumChannels),
		logger.F("sfreq", info.SampleFrequency),
		logger.F("session", info.SessionID))

	if p.config.Store != nil {
		if err := p.config.Store.Publish(ctx, p.config.InfoKey, info); err != nil {
			p.log.Warn("failed to publish channel info", logger.Err(err), logger.F("key", p.config.InfoKey))
		}
	}

	p.mu.Lock()
	handler := p.onInfo
	p.mu.Unlock()
	if handler != nil {
		handler(info)
	}

	return nil
}

func (p *Producer) readBlock(ctx context.Context, streaming *bool) error {
	block, err := p.client.ReadBlock(p.info.Load().NumChannels)
	if err != nil {
		return err
	}

	return p.handleBlock(ctx, block, streaming)
}

func (p *Producer) handleBlock(ctx context.Context, block fiff.SampleBlock, streaming *bool) error {
	switch block.Kind {
	case fiff.BlockKindData:
		p.statsMu.Lock()
		p.stats.From = p.stats.To + 1
		p.stats.To += int64(block.Samples)
		p.stats.Blocks++
		p.statsMu.Unlock()

		if err := p.publisher.Publish(ctx, p.config.ProducerID, p.config.MeasurementID, block); err != nil {
			return err
		}
		p.config.Metrics.RecordBlock(string(p.config.ProducerID), block.Samples)

	case fiff.BlockKindEnd:
		p.measuring.Store(false)
		*streaming = false
		stats := p.Stats()
		p.log.Info("measurement ended by server", logger.F("blocks", stats.Blocks), logger.F("to", stats.To))
	}

	return nil
}

// endStream asks the server to stop and discards frames up to its block end.
func (p *Producer) endStream(streaming *bool) {
	*streaming = false

	if err := p.client.StopData(); err != nil {
		p.readFailed(err, streaming)
		return
	}

	channels := p.info.Load().NumChannels
	for {
		block, err := p.client.ReadBlock(channels)
		if err != nil && !errors.Is(err, rtclient.ErrProtocol) {
			p.readFailed(err, streaming)
			return
		}
		if block.Kind == fiff.BlockKindEnd {
			p.log.Info("measurement stopped")
			return
		}
	}
}

// readFailed records a read error. Protocol errors leave measuring as it is;
// anything else ends the measurement.
func (p *Producer) readFailed(err error, streaming *bool) {
	kind := errorKind(err)
	p.config.Metrics.RecordReadError(string(p.config.ProducerID), kind)

	if kind != "protocol" {
		p.measuring.Store(false)
		*streaming = false
	}

	p.log.Error("read failed", logger.Err(err), logger.F("kind", kind), logger.F("measuring", p.measuring.Load()))
	p.reportError(err)
}

func (p *Producer) reportError(err error) {
	p.mu.Lock()
	handler := p.onError
	p.mu.Unlock()

	if handler != nil {
		handler(err)
	}
}

func (p *Producer) emitConnectionChanged(connected bool) {
	p.mu.Lock()
	handler := p.onConnectionChanged
	p.mu.Unlock()

	if handler != nil {
		handler(connected)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, rtclient.ErrProtocol):
		return "protocol"
	case errors.Is(err, rtclient.ErrReadTimeout):
		return "timeout"
	case errors.Is(err, rtclient.ErrClosed), errors.Is(err, rtclient.ErrNotConnected):
		return "closed"
	case errors.Is(err, ErrNoChannelInfo):
		return "info"
	default:
		return "other"
	}
}

// sleep waits for d or until ctx is done and reports whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
