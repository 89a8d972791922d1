package wirez

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Metric keys for Channel observability.
const (
	ChannelUpdatesTotal     = metricz.Key("channel.updates.total")
	ChannelConnectsTotal    = metricz.Key("channel.connects.total")
	ChannelDisconnectsTotal = metricz.Key("channel.disconnects.total")
	ChannelDownstreamGauge  = metricz.Key("channel.downstream")
	ChannelSinksGauge       = metricz.Key("channel.sinks")
	ChannelActiveGauge      = metricz.Key("channel.active")
)

// Hook event keys for Channel.
const (
	ChannelEventOutputChanged = hookz.Key("channel.output_changed")
	ChannelEventBypassChanged = hookz.Key("channel.bypass_changed")
)

// ChannelEvent describes a change to a channel's wiring state. Emitted via
// hookz when the aggregated output is recomputed or bypass is toggled.
type ChannelEvent struct {
	Name      Name      // Channel name
	Active    bool      // Whether an aggregated output handler is installed
	Bypassed  bool      // Whether the inline handler is bypassed
	Consumers int       // Downstream channels plus sinks feeding the aggregate
	Timestamp time.Time // When the change occurred
}

// Connection represents the link between an upstream channel and one of its
// downstream channels. The downstream side holds it to propagate input
// changes back to the producer; either side may close it to detach.
type Connection[T any] struct {
	detach  func()
	refresh func()
	mu      sync.Mutex
	closed  bool
}

// Close detaches the downstream channel from its producer and recomputes the
// producer's output. Returns ErrConnectionClosed if already closed.
func (c *Connection[T]) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.closed = true
	c.mu.Unlock()

	c.detach()
	return nil
}

// Reconnect asks the producer to recompute its aggregated output. Called by
// the downstream side whenever its effective input changes.
func (c *Connection[T]) Reconnect() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		c.refresh()
	}
}

type sinkEntry[T any] struct {
	handler T
	id      int
}

type listenerEntry[T any] struct {
	fn func(T, bool)
	id int
}

// Channel is the basic connection primitive between a single upstream
// producer and a set of downstream consumers. It tracks an inline in-process
// handler, an aggregated output handler computed from the connected
// consumers, and notifies its upstream producer whenever its effective input
// changes - the mechanism that implements bypass re-linking.
//
// A channel's effective input (see Input) is:
//   - (zero, false) while no consumer is attached (inactive)
//   - the aggregated output handler while bypassed and the input and output
//     handler types coincide - data skips the inline handler entirely
//   - (zero, false) while bypassed across differing types
//   - the inline handler otherwise
//
// All mutable fields are guarded by a single read/write lock. The channel
// never invokes handlers; it only stores and merges them.
//
// # Observability
//
// Metrics:
//   - channel.updates.total: Counter of output recomputations
//   - channel.connects.total / channel.disconnects.total: Connection churn
//   - channel.downstream / channel.sinks: Gauges of attached consumers
//   - channel.active: Gauge (1/0) of whether an output handler is installed
//
// Events (via hooks):
//   - channel.output_changed: Fired when the aggregate output is recomputed
//   - channel.bypass_changed: Fired when bypass is toggled
type Channel[In, Out any] struct {
	inline      In
	inType      *DataType[In]
	outType     *DataType[Out]
	name        Name
	passthrough bool

	mu         sync.RWMutex
	downstream []Inlet[Out]
	sinks      []sinkEntry[Out]
	listeners  []listenerEntry[Out]
	nextID     int
	output     Out
	active     bool
	bypassed   bool
	noop       func() Out
	upstream   *Connection[In]

	metrics *metricz.Registry
	hooks   *hookz.Hooks[ChannelEvent]
	clock   clockz.Clock
}

// NewChannel creates a channel with the given name, input/output data types,
// and inline handler. The channel starts inactive (no consumers) and not
// bypassed.
func NewChannel[In, Out any](name Name, inType *DataType[In], outType *DataType[Out], inline In) *Channel[In, Out] {
	metrics := metricz.New()
	metrics.Counter(ChannelUpdatesTotal)
	metrics.Counter(ChannelConnectsTotal)
	metrics.Counter(ChannelDisconnectsTotal)
	metrics.Gauge(ChannelDownstreamGauge)
	metrics.Gauge(ChannelSinksGauge)
	metrics.Gauge(ChannelActiveGauge)

	return &Channel[In, Out]{
		name:        name,
		inType:      inType,
		outType:     outType,
		inline:      inline,
		passthrough: any(inType) == any(outType),
		metrics:     metrics,
		hooks:       hookz.New[ChannelEvent](),
	}
}

// Name returns the name of this channel.
func (c *Channel[In, Out]) Name() Name {
	return c.name
}

// InputType returns the data type this channel accepts.
func (c *Channel[In, Out]) InputType() *DataType[In] {
	return c.inType
}

// OutputType returns the data type this channel produces.
func (c *Channel[In, Out]) OutputType() *DataType[Out] {
	return c.outType
}

// Input returns this channel's effective input handler. Producers call it
// when recomputing their fan-out; an inactive channel is excluded from the
// producer's aggregate.
func (c *Channel[In, Out]) Input() (In, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero In
	if !c.active {
		return zero, false
	}
	if c.bypassed {
		// Same-type channels pass their aggregated output straight
		// through; cross-type channels go dark while bypassed. Sameness
		// is DataType identity, not Go type identity: two data types
		// over the same handler type stay distinct.
		if c.passthrough {
			if in, ok := any(c.output).(In); ok {
				return in, true
			}
		}
		return zero, false
	}
	return c.inline, true
}

// Output returns the current aggregated output handler and whether one is
// installed. Stage implementations emit downstream through it.
func (c *Channel[In, Out]) Output() (Out, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.output, c.active
}

// Active reports whether an aggregated output handler is installed.
func (c *Channel[In, Out]) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Bypassed reports whether the inline handler is currently bypassed.
func (c *Channel[In, Out]) Bypassed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bypassed
}

// SetBypass toggles bypass. While bypassed, the channel's effective input is
// its aggregated output, splicing the inline handler out of the chain. The
// change always propagates upstream so producers re-link.
func (c *Channel[In, Out]) SetBypass(bypass bool) {
	c.mu.Lock()
	if c.bypassed == bypass {
		c.mu.Unlock()
		return
	}
	c.bypassed = bypass
	c.mu.Unlock()

	c.refresh()
	c.notifyUpstream()

	c.mu.RLock()
	event := ChannelEvent{
		Name:      c.name,
		Active:    c.active,
		Bypassed:  c.bypassed,
		Consumers: len(c.downstream) + len(c.sinks),
		Timestamp: c.getClock().Now(),
	}
	c.mu.RUnlock()
	_ = c.hooks.Emit(context.Background(), ChannelEventBypassChanged, event) //nolint:errcheck
}

// Connect attaches a downstream channel. The producer recomputes its output
// immediately and every time the consumer's effective input changes. Closing
// the returned connection detaches the consumer.
func (c *Channel[In, Out]) Connect(node Inlet[Out]) *Connection[Out] {
	conn := &Connection[Out]{
		refresh: c.refresh,
	}
	conn.detach = func() {
		c.mu.Lock()
		for i, d := range c.downstream {
			if d == node {
				c.downstream = slices.Delete(c.downstream, i, i+1)
				break
			}
		}
		c.mu.Unlock()
		c.metrics.Counter(ChannelDisconnectsTotal).Inc()
		c.refresh()
	}

	c.mu.Lock()
	c.downstream = append(c.downstream, node)
	c.mu.Unlock()

	node.onConnect(conn)
	c.metrics.Counter(ChannelConnectsTotal).Inc()
	c.refresh()
	return conn
}

// Sink attaches a terminal consumer for this channel's output. Unregistering
// removes it and recomputes the aggregate.
func (c *Channel[In, Out]) Sink(handler Out) Registration {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.sinks = append(c.sinks, sinkEntry[Out]{id: id, handler: handler})
	c.mu.Unlock()

	c.refresh()

	return func() {
		c.mu.Lock()
		for i, s := range c.sinks {
			if s.id == id {
				c.sinks = slices.Delete(c.sinks, i, i+1)
				break
			}
		}
		c.mu.Unlock()
		c.refresh()
	}
}

// OnUpdate registers a listener observing the aggregated output handler. The
// listener receives the new handler and whether the channel is active; it
// fires on every recomputation that changes or could change the aggregate.
func (c *Channel[In, Out]) OnUpdate(fn func(handler Out, active bool)) Registration {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, listenerEntry[Out]{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = slices.Delete(c.listeners, i, i+1)
				break
			}
		}
		c.mu.Unlock()
	}
}

// EnableKeepAlive installs a factory for no-op handlers. When the last real
// consumer detaches, a factory-made handler keeps the channel active instead
// of letting deactivation ripple upstream. The no-op is dropped as soon as a
// real consumer attaches.
func (c *Channel[In, Out]) EnableKeepAlive(factory func() Out) {
	c.mu.Lock()
	c.noop = factory
	c.mu.Unlock()
	c.refresh()
}

// DisableKeepAlive removes the no-op handler factory; the channel goes
// inactive when no real consumers remain.
func (c *Channel[In, Out]) DisableKeepAlive() {
	c.mu.Lock()
	c.noop = nil
	c.mu.Unlock()
	c.refresh()
}

// onConnect implements Inlet, recording the upstream connection so input
// changes propagate back to the producer.
func (c *Channel[In, Out]) onConnect(conn *Connection[In]) {
	c.mu.Lock()
	c.upstream = conn
	c.mu.Unlock()
}

func (c *Channel[In, Out]) notifyUpstream() {
	c.mu.RLock()
	up := c.upstream
	c.mu.RUnlock()
	if up != nil {
		up.Reconnect()
	}
}

// refresh recomputes the aggregated output handler from the effective inputs
// of downstream channels plus the sink list, then propagates the change to
// listeners and upstream. Handler gathering happens outside this channel's
// lock; downstream channels take only their own read locks.
func (c *Channel[In, Out]) refresh() {
	c.mu.RLock()
	down := slices.Clone(c.downstream)
	sinks := make([]Out, 0, len(c.sinks))
	for _, s := range c.sinks {
		sinks = append(sinks, s.handler)
	}
	noop := c.noop
	oldActive := c.active
	c.mu.RUnlock()

	handlers := make([]Out, 0, len(down)+len(sinks)+1)
	for _, d := range down {
		if h, ok := d.Input(); ok {
			handlers = append(handlers, h)
		}
	}
	handlers = append(handlers, sinks...)
	if len(handlers) == 0 && noop != nil {
		handlers = append(handlers, noop())
	}

	merged, active := c.outType.MergeHandlers(handlers)

	c.mu.Lock()
	c.output = merged
	c.active = active
	listeners := slices.Clone(c.listeners)
	bypassed := c.bypassed
	downCount := len(c.downstream)
	sinkCount := len(c.sinks)
	c.mu.Unlock()

	c.metrics.Counter(ChannelUpdatesTotal).Inc()
	c.metrics.Gauge(ChannelDownstreamGauge).Set(float64(downCount))
	c.metrics.Gauge(ChannelSinksGauge).Set(float64(sinkCount))
	if active {
		c.metrics.Gauge(ChannelActiveGauge).Set(1)
	} else {
		c.metrics.Gauge(ChannelActiveGauge).Set(0)
	}

	if active || oldActive {
		for _, l := range listeners {
			l.fn(merged, active)
		}
		_ = c.hooks.Emit(context.Background(), ChannelEventOutputChanged, ChannelEvent{ //nolint:errcheck
			Name:      c.name,
			Active:    active,
			Bypassed:  bypassed,
			Consumers: downCount + sinkCount,
			Timestamp: c.getClock().Now(),
		})
	}

	// While bypassed the output doubles as the input, so upstream must
	// re-link on any recomputation, not just activation changes.
	if active != oldActive || bypassed {
		c.notifyUpstream()
	}
}

// String renders the channel and its downstream tree, marking active
// channels with "+" and inactive ones with "-".
func (c *Channel[In, Out]) String() string {
	c.mu.RLock()
	down := slices.Clone(c.downstream)
	active := c.active
	c.mu.RUnlock()

	typ := c.inType.Name()
	if c.inType.Name() != c.outType.Name() {
		typ = fmt.Sprintf("%s=>%s", c.inType.Name(), c.outType.Name())
	}
	act := "-"
	if active {
		act = "+"
	}
	base := fmt.Sprintf("[%s%s,%s]", act, c.name, typ)

	switch len(down) {
	case 0:
		return base
	case 1:
		return fmt.Sprintf("%s->%v", base, down[0])
	default:
		parts := make([]string, len(down))
		for i, d := range down {
			parts[i] = fmt.Sprintf("%v", d)
		}
		return fmt.Sprintf("%s->{\n  %s\n}", base, strings.Join(parts, "\n  "))
	}
}

// WithClock sets a custom clock for event timestamps. Used in testing with
// clockz.NewFakeClock().
func (c *Channel[In, Out]) WithClock(clock clockz.Clock) *Channel[In, Out] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
	return c
}

func (c *Channel[In, Out]) getClock() clockz.Clock {
	if c.clock == nil {
		return clockz.RealClock
	}
	return c.clock
}

// Metrics returns the metrics registry for this channel.
func (c *Channel[In, Out]) Metrics() *metricz.Registry {
	return c.metrics
}

// OnOutputChanged registers a handler fired after the aggregate output is
// recomputed. The handler is called asynchronously.
func (c *Channel[In, Out]) OnOutputChanged(handler func(context.Context, ChannelEvent) error) error {
	_, err := c.hooks.Hook(ChannelEventOutputChanged, handler)
	return err
}

// OnBypassChanged registers a handler fired after bypass is toggled.
func (c *Channel[In, Out]) OnBypassChanged(handler func(context.Context, ChannelEvent) error) error {
	_, err := c.hooks.Hook(ChannelEventBypassChanged, handler)
	return err
}

// Close shuts down the channel's event hooks.
func (c *Channel[In, Out]) Close() error {
	c.hooks.Close()
	return nil
}
