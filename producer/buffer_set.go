package producer

import (
	"context"
	"errors"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/samplebuffer"
	"github.com/cyberinferno/rtstream/sink"
	"golang.org/x/sync/errgroup"
)

// BufferSet publishes every block into a fixed list of buffers, regardless of
// producer and measurement id. It suits a producer wired directly to its
// consumers without a sink.Hub.
type BufferSet struct {
	buffers []*sink.Buffer
}

// NewBufferSet creates a set over buffers. Nil buffers are ignored.
func NewBufferSet(buffers ...*sink.Buffer) *BufferSet {
	s := &BufferSet{}
	for _, b := range buffers {
		if b != nil {
			s.buffers = append(s.buffers, b)
		}
	}
	return s
}

// Publish pushes block into every open buffer concurrently and waits until all
// pushes are done. A push that fails cancels the others.
func (s *BufferSet) Publish(ctx context.Context, _ sink.PluginID, _ sink.MeasurementID, block fiff.SampleBlock) error {
	if len(s.buffers) == 1 {
		return push(ctx, s.buffers[0], block)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range s.buffers {
		g.Go(func() error { return push(gctx, b, block) })
	}

	return g.Wait()
}

// Clear empties every buffer.
func (s *BufferSet) Clear(sink.PluginID, sink.MeasurementID) {
	for _, b := range s.buffers {
		b.Clear()
	}
}

func push(ctx context.Context, b *sink.Buffer, block fiff.SampleBlock) error {
	if err := b.Push(ctx, block); err != nil && !errors.Is(err, samplebuffer.ErrClosed) {
		return err
	}
	return nil
}
