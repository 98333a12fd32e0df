package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/producer"
	"github.com/cyberinferno/rtstream/rtclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	mu          sync.Mutex
	done        chan struct{}
	finished    bool
	starts      int
	stops       int
	disconnects int
}

func (f *fakeProducer) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.done = make(chan struct{})
	f.finished = false
	return nil
}

func (f *fakeProducer) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.finishLocked()
}

// exit ends the loop without a Stop call.
func (f *fakeProducer) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked()
}

func (f *fakeProducer) finishLocked() {
	if f.done != nil && !f.finished {
		close(f.done)
		f.finished = true
	}
}

func (f *fakeProducer) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeProducer) StopMeasuring() {}

func (f *fakeProducer) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeProducer) counts() (starts, stops, disconnects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops, f.disconnects
}

func runSupervise(ctx context.Context, p supervisedProducer, lost <-chan error) <-chan error {
	result := make(chan error, 1)
	go func() { result <- supervise(ctx, logger.NewNopLogger(), p, lost) }()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("supervise did not return")
		return nil
	}
}

func TestSupervise(t *testing.T) {
	t.Run("lost connection reconnects", func(t *testing.T) {
		p := &fakeProducer{}
		lost := make(chan error, 1)
		ctx, cancel := context.WithCancel(context.Background())
		result := runSupervise(ctx, p, lost)

		lost <- fmt.Errorf("%w: reset", rtclient.ErrClosed)
		require.Eventually(t, func() bool {
			starts, _, _ := p.counts()
			return starts == 2
		}, 2*time.Second, 5*time.Millisecond)

		cancel()
		require.NoError(t, waitResult(t, result))
		starts, stops, disconnects := p.counts()
		assert.Equal(t, 2, starts)
		assert.Equal(t, 2, stops)
		assert.Equal(t, 2, disconnects)
	})

	t.Run("loop exiting on its own is an error", func(t *testing.T) {
		p := &fakeProducer{}
		result := runSupervise(context.Background(), p, nil)

		require.Eventually(t, func() bool {
			starts, _, _ := p.counts()
			return starts == 1
		}, 2*time.Second, 5*time.Millisecond)
		p.exit()

		assert.ErrorIs(t, waitResult(t, result), errProducerExited)
		_, _, disconnects := p.counts()
		assert.Equal(t, 1, disconnects)
	})

	t.Run("cancellation shuts down cleanly", func(t *testing.T) {
		p := &fakeProducer{}
		ctx, cancel := context.WithCancel(context.Background())
		result := runSupervise(ctx, p, nil)
		cancel()

		require.NoError(t, waitResult(t, result))
		starts, stops, _ := p.counts()
		assert.Equal(t, 1, starts)
		assert.Equal(t, 1, stops)
	})
}

func TestConnectionLost(t *testing.T) {
	cases := []struct {
		err  error
		lost bool
	}{
		{fmt.Errorf("%w: eof", rtclient.ErrClosed), true},
		{fmt.Errorf("%w: deadline", rtclient.ErrReadTimeout), true},
		{rtclient.ErrNotConnected, true},
		{fmt.Errorf("%w: %w", producer.ErrNoChannelInfo, rtclient.ErrClosed), true},
		{fmt.Errorf("%w: bad frame", rtclient.ErrProtocol), false},
		{producer.ErrRetriesExhausted, false},
		{errors.New("other"), false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.lost, connectionLost(tc.err), tc.err.Error())
	}
}
