// Package sink routes sample blocks from producers to consumers. A Registry is
// one consumer's acceptor: the producers it listens to and the buffer it reads
// each measurement from. A Hub distributes published blocks to every attached
// registry that accepts the producer.
package sink

import (
	"errors"
	"slices"

	"github.com/cyberinferno/rtstream/fiff"
	"github.com/cyberinferno/rtstream/safemap"
	"github.com/cyberinferno/rtstream/safeset"
	"github.com/cyberinferno/rtstream/samplebuffer"
)

// PluginID identifies a producing or consuming plugin.
type PluginID string

// MeasurementID identifies a measurement stream, e.g. "raw" or "filtered".
type MeasurementID string

// PluginType classifies a plugin for diagnostics.
type PluginType int

const (
	Sensor PluginType = iota
	RTAlgorithm
	RTRecord
	Alert
	RTVisualization
)

func (t PluginType) String() string {
	switch t {
	case Sensor:
		return "Sensor"
	case RTAlgorithm:
		return "RTAlgorithm"
	case RTRecord:
		return "RTRecord"
	case Alert:
		return "Alert"
	case RTVisualization:
		return "RTVisualization"
	default:
		return "Unknown"
	}
}

// Buffer is the queue a consumer reads blocks from.
type Buffer = samplebuffer.Buffer[fiff.SampleBlock]

// ErrNilBuffer is returned when binding a measurement to no buffer.
var ErrNilBuffer = errors.New("sink: nil buffer")

// Registry is the acceptor of one consumer. All methods are safe for
// concurrent use.
type Registry struct {
	id       PluginID
	typ      PluginType
	accepted *safeset.SafeSet[PluginID]
	bindings *safemap.SafeMap[MeasurementID, *Buffer]
	notify   chan struct{}
}

// NewRegistry creates an empty registry for the consumer id.
func NewRegistry(id PluginID, typ PluginType) *Registry {
	return &Registry{
		id:       id,
		typ:      typ,
		accepted: safeset.NewSafeSet[PluginID](),
		bindings: safemap.NewSafeMap[MeasurementID, *Buffer](),
		notify:   make(chan struct{}, 1),
	}
}

func (r *Registry) ID() PluginID {
	return r.id
}

func (r *Registry) Type() PluginType {
	return r.typ
}

// AcceptFrom adds a producer to the accepted set.
func (r *Registry) AcceptFrom(producer PluginID) {
	r.accepted.Add(producer)
}

// StopAccepting removes a producer from the accepted set.
func (r *Registry) StopAccepting(producer PluginID) {
	r.accepted.Remove(producer)
}

// Accepts reports whether blocks from producer are routed to this consumer.
func (r *Registry) Accepts(producer PluginID) bool {
	return r.accepted.Contains(producer)
}

// AcceptedProducers returns the accepted producer ids, sorted.
func (r *Registry) AcceptedProducers() []PluginID {
	ids := r.accepted.Values()
	slices.Sort(ids)
	return ids
}

// Bind installs or replaces the buffer for a measurement.
func (r *Registry) Bind(measurement MeasurementID, buf *Buffer) error {
	if buf == nil {
		return ErrNilBuffer
	}

	r.bindings.Store(measurement, buf)
	return nil
}

// Unbind removes the binding for a measurement and returns the previous buffer.
func (r *Registry) Unbind(measurement MeasurementID) (*Buffer, bool) {
	return r.bindings.LoadAndDelete(measurement)
}

// BufferFor returns the buffer bound to a measurement.
func (r *Registry) BufferFor(measurement MeasurementID) (*Buffer, bool) {
	return r.bindings.Load(measurement)
}

// Measurements returns the bound measurement ids, sorted.
func (r *Registry) Measurements() []MeasurementID {
	ids := r.bindings.Keys()
	slices.Sort(ids)
	return ids
}

// Notify wakes the consumer if producer is accepted and reports whether it did.
// Wake-ups coalesce: several notifications before the consumer drains the
// channel leave a single pending signal.
func (r *Registry) Notify(producer PluginID) bool {
	if !r.Accepts(producer) {
		return false
	}

	select {
	case r.notify <- struct{}{}:
	default:
	}

	return true
}

// Notifications returns the channel signalled by Notify.
func (r *Registry) Notifications() <-chan struct{} {
	return r.notify
}

// Reset drops every binding. The accepted producers are kept.
func (r *Registry) Reset() {
	r.bindings.Clear()
}
