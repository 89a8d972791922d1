package wirez

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Metric keys for Processor observability.
const (
	ProcessorEnablesTotal  = metricz.Key("processor.enables.total")
	ProcessorDisablesTotal = metricz.Key("processor.disables.total")
	ProcessorPeeksTotal    = metricz.Key("processor.peeks.total")
)

// Hook event keys for Processor.
const (
	ProcessorEventEnabled = hookz.Key("processor.enabled")
)

// ProcessorEvent describes an enable/disable transition of a stage.
type ProcessorEvent struct {
	Name      Name      // Processor name
	Enabled   bool      // New state
	Timestamp time.Time // When the transition occurred
}

// SubChannel is the type-erased face a processor keeps on its sub-channels,
// keyed by output data type name. Channel[In, Out] implements it; the
// unexported methods keep implementations inside this package.
type SubChannel interface {
	Name() Name
	SetBypass(bool)
	outputTypeName() Name
	sinkAny(handler any) (Registration, error)
}

func (c *Channel[In, Out]) outputTypeName() Name {
	return c.outType.Name()
}

// sinkAny attaches a sink handed over as any, for type-erased sub-channel
// linking. Returns ErrSinkType when the handler is not an Out.
func (c *Channel[In, Out]) sinkAny(handler any) (Registration, error) {
	h, ok := handler.(Out)
	if !ok {
		return nil, fmt.Errorf("%w: sub-channel %q expects %s, got %T",
			ErrSinkType, c.name, c.outType.Name(), handler)
	}
	return c.Sink(h), nil
}

// Processor is a named, priority-ordered transformation stage composing
// exactly one main channel plus optional sub-channels. The stage
// implementation provides the inline input handler and emits downstream
// through Output, which tracks the main channel's aggregate:
//
//	type CountStage struct {
//	    N   int64
//	    Out func() (PacketHandler, bool)
//	}
//
//	func (s *CountStage) Handle(ctx context.Context, p *Packet) error {
//	    s.N++
//	    if out, ok := s.Out(); ok {
//	        return out(ctx, p)
//	    }
//	    return nil
//	}
//
//	stage := &CountStage{}
//	proc := wirez.NewProcessor("count", 10, Packets, Packets, PacketHandler(stage.Handle))
//	stage.Out = proc.Output
//
// Disabling a processor bypasses its main channel and all sub-channels;
// see Channel.SetBypass for the re-linking mechanics.
type Processor[In, Out any] struct {
	ch *Channel[In, Out]

	mu       sync.RWMutex
	name     Name
	priority int
	subs     map[Name]SubChannel
	output   Out
	outputOK bool

	metrics *metricz.Registry
	hooks   *hookz.Hooks[ProcessorEvent]
	clock   clockz.Clock
}

// NewProcessor creates a stage with the given name, priority, data types and
// inline input handler. Lower priorities link earlier in a chain.
func NewProcessor[In, Out any](name Name, priority int, inType *DataType[In], outType *DataType[Out], inline In) *Processor[In, Out] {
	metrics := metricz.New()
	metrics.Counter(ProcessorEnablesTotal)
	metrics.Counter(ProcessorDisablesTotal)
	metrics.Counter(ProcessorPeeksTotal)

	p := &Processor[In, Out]{
		name:     name,
		priority: priority,
		ch:       NewChannel(name, inType, outType, inline),
		subs:     make(map[Name]SubChannel),
		metrics:  metrics,
		hooks:    hookz.New[ProcessorEvent](),
	}

	// Keep the cached output in step with the channel aggregate so stage
	// implementations read a current handler without touching the channel.
	p.ch.OnUpdate(func(handler Out, active bool) {
		p.mu.Lock()
		p.output = handler
		p.outputOK = active
		p.mu.Unlock()
	})

	return p
}

// Name returns the name of this processor.
func (p *Processor[In, Out]) Name() Name {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// SetName renames the processor. Returns the processor for chaining.
func (p *Processor[In, Out]) SetName(name Name) *Processor[In, Out] {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	return p
}

// Priority returns the linking priority of this stage.
func (p *Processor[In, Out]) Priority() int {
	return p.priority
}

// InputType returns the data type this stage accepts.
func (p *Processor[In, Out]) InputType() *DataType[In] {
	return p.ch.InputType()
}

// OutputType returns the data type this stage produces.
func (p *Processor[In, Out]) OutputType() *DataType[Out] {
	return p.ch.OutputType()
}

// Channel returns the stage's main channel.
func (p *Processor[In, Out]) Channel() *Channel[In, Out] {
	return p.ch
}

// Inlet returns the stage as a connectable downstream consumer.
func (p *Processor[In, Out]) Inlet() Inlet[In] {
	return p.ch
}

// Output returns the current aggregated downstream handler. Stage
// implementations emit through it; it reads (zero, false) while no consumer
// is attached.
func (p *Processor[In, Out]) Output() (Out, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.output, p.outputOK
}

// Connect attaches a downstream consumer to the stage's main channel.
func (p *Processor[In, Out]) Connect(node Inlet[Out]) *Connection[Out] {
	return p.ch.Connect(node)
}

// Enable enables or disables the stage. A no-op when the state is unchanged.
// Disabling engages bypass on the main channel and every sub-channel; the
// stage stays wired but data flows around its inline handler.
func (p *Processor[In, Out]) Enable(enable bool) {
	if p.Enabled() == enable {
		return
	}

	p.mu.RLock()
	subs := make([]SubChannel, 0, len(p.subs))
	for _, s := range p.subs {
		subs = append(subs, s)
	}
	name := p.name
	p.mu.RUnlock()

	p.ch.SetBypass(!enable)
	for _, s := range subs {
		s.SetBypass(!enable)
	}

	if enable {
		p.metrics.Counter(ProcessorEnablesTotal).Inc()
	} else {
		p.metrics.Counter(ProcessorDisablesTotal).Inc()
	}
	_ = p.hooks.Emit(context.Background(), ProcessorEventEnabled, ProcessorEvent{ //nolint:errcheck
		Name:      name,
		Enabled:   enable,
		Timestamp: p.getClock().Now(),
	})
}

// EnableFunc enables or disables the stage from a predicate, evaluated once.
func (p *Processor[In, Out]) EnableFunc(enabled func() bool) {
	p.Enable(enabled())
}

// Enabled reports whether the stage is enabled (its main channel is not
// bypassed).
func (p *Processor[In, Out]) Enabled() bool {
	return !p.ch.Bypassed()
}

// Peek taps the stage's output fan-out with an additional consumer. The tap
// participates in the aggregate like any sink.
func (p *Processor[In, Out]) Peek(out Out) Registration {
	reg := p.ch.Sink(out)
	p.metrics.Counter(ProcessorPeeksTotal).Inc()
	return reg
}

// PeekWith taps the output fan-out with a consumer bound to a user
// attachment via the output type's wrap function. Returns ErrNoWrap when the
// output type has none.
func (p *Processor[In, Out]) PeekWith(out Out, user any) (Registration, error) {
	wrapped, err := p.ch.OutputType().Wrap(out, user)
	if err != nil {
		return nil, err
	}
	return p.Peek(wrapped), nil
}

// AddSubChannel registers an auxiliary channel keyed by its output data type
// name. Sub-channels follow the stage's enable state. Returns
// ErrDuplicateSubChannel when a sub-channel of the same output type exists.
func (p *Processor[In, Out]) AddSubChannel(sub SubChannel) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := sub.outputTypeName()
	if _, ok := p.subs[key]; ok {
		return fmt.Errorf("%w: %s on processor %q", ErrDuplicateSubChannel, key, p.name)
	}
	p.subs[key] = sub
	return nil
}

// LinkSubChannel attaches a sink to the sub-channel carrying the named
// output type. The handler must be assignable to the sub-channel's output
// handler type. Returns ErrUnknownSubChannel or ErrSinkType on misuse.
func (p *Processor[In, Out]) LinkSubChannel(typeName Name, handler any) (Registration, error) {
	p.mu.RLock()
	sub, ok := p.subs[typeName]
	p.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s on processor %q", ErrUnknownSubChannel, typeName, p.name)
	}
	return sub.sinkAny(handler)
}

// SubChannelNames lists the output type names of registered sub-channels.
func (p *Processor[In, Out]) SubChannelNames() []Name {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]Name, 0, len(p.subs))
	for name := range p.subs {
		names = append(names, name)
	}
	return names
}

// WithClock sets a custom clock for event timestamps; the main channel
// shares it. Used in testing with clockz.NewFakeClock().
func (p *Processor[In, Out]) WithClock(clock clockz.Clock) *Processor[In, Out] {
	p.mu.Lock()
	p.clock = clock
	p.mu.Unlock()
	p.ch.WithClock(clock)
	return p
}

func (p *Processor[In, Out]) getClock() clockz.Clock {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.clock == nil {
		return clockz.RealClock
	}
	return p.clock
}

// Metrics returns the metrics registry for this processor.
func (p *Processor[In, Out]) Metrics() *metricz.Registry {
	return p.metrics
}

// OnEnabled registers a handler fired after every Enable call. The handler
// is called asynchronously.
func (p *Processor[In, Out]) OnEnabled(handler func(context.Context, ProcessorEvent) error) error {
	_, err := p.hooks.Hook(ProcessorEventEnabled, handler)
	return err
}

// Close shuts down the processor's hooks and its main channel.
func (p *Processor[In, Out]) Close() error {
	p.hooks.Close()
	return p.ch.Close()
}
