package sink

import (
	"context"
	"errors"
	"sync"
	"weak"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/logger"
	"github.com/cyberinferno/rtstream/samplebuffer"
	"golang.org/x/sync/errgroup"
)

// fanOutThreshold is the number of target buffers above which Publish pushes
// concurrently. Below it a sequential loop is cheaper than spawning goroutines.
const fanOutThreshold = 8

// Hub distributes blocks to attached registries. It only holds weak references:
// a registry that is no longer referenced elsewhere drops out on the next
// access.
type Hub struct {
	log logger.Logger

	mu         sync.RWMutex
	registries map[PluginID]weak.Pointer[Registry]
}

// NewHub creates an empty hub.
func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Hub{
		log:        log.With(logger.F("component", "sink")),
		registries: make(map[PluginID]weak.Pointer[Registry]),
	}
}

// Attach adds a registry, replacing any registry with the same id.
func (h *Hub) Attach(r *Registry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.registries[r.ID()] = weak.Make(r)
	h.log.Debug("consumer attached", logger.F("consumer", r.ID()), logger.F("type", r.Type().String()))
}

// Detach removes the registry with the given id.
func (h *Hub) Detach(id PluginID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.registries, id)
}

// Len returns the number of live registries.
func (h *Hub) Len() int {
	return len(h.live())
}

// Publish pushes block into the buffer every accepting registry has bound for
// measurement, then wakes those registries. It blocks while any target buffer
// is full. Buffers shared by several registries receive the block once, and
// closed buffers are skipped.
func (h *Hub) Publish(ctx context.Context, producer PluginID, measurement MeasurementID, block fiff.SampleBlock) error {
	regs, bufs := h.targets(producer, measurement)
	if len(bufs) == 0 {
		return nil
	}

	if err := pushAll(ctx, bufs, block); err != nil {
		return err
	}

	for _, r := range regs {
		r.Notify(producer)
	}

	return nil
}

// Clear empties the buffers bound for measurement by registries accepting
// producer.
func (h *Hub) Clear(producer PluginID, measurement MeasurementID) {
	_, bufs := h.targets(producer, measurement)
	for _, b := range bufs {
		b.Clear()
	}
}

// Notify wakes every registry that accepts producer.
func (h *Hub) Notify(producer PluginID) {
	for _, r := range h.live() {
		r.Notify(producer)
	}
}

func (h *Hub) targets(producer PluginID, measurement MeasurementID) ([]*Registry, []*Buffer) {
	var (
		regs []*Registry
		bufs []*Buffer
		seen = make(map[*Buffer]struct{})
	)

	for _, r := range h.live() {
		if !r.Accepts(producer) {
			continue
		}

		b, ok := r.BufferFor(measurement)
		if !ok || b.Closed() {
			continue
		}

		regs = append(regs, r)
		if _, dup := seen[b]; !dup {
			seen[b] = struct{}{}
			bufs = append(bufs, b)
		}
	}

	return regs, bufs
}

// live snapshots the attached registries and forgets collected ones.
func (h *Hub) live() []*Registry {
	h.mu.RLock()
	regs := make([]*Registry, 0, len(h.registries))
	var dead []PluginID
	for id, wp := range h.registries {
		if r := wp.Value(); r != nil {
			regs = append(regs, r)
		} else {
			dead = append(dead, id)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, id := range dead {
			if wp, ok := h.registries[id]; ok && wp.Value() == nil {
				delete(h.registries, id)
				h.log.Debug("collected consumer dropped", logger.F("consumer", id))
			}
		}
		h.mu.Unlock()
	}

	return regs
}

// pushAll pushes block into every buffer and waits for all pushes. A buffer
// closed in the meantime is not an error.
func pushAll(ctx context.Context, bufs []*Buffer, block fiff.SampleBlock) error {
	push := func(b *Buffer) error {
		if err := b.Push(ctx, block); err != nil && !errors.Is(err, samplebuffer.ErrClosed) {
			return err
		}
		return nil
	}

	if len(bufs) <= fanOutThreshold {
		for _, b := range bufs {
			if err := push(b); err != nil {
				return err
			}
		}
		return nil
	}

	var g errgroup.Group
	for _, b := range bufs {
		g.Go(func() error { return push(b) })
	}

	return g.Wait()
}
