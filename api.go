// Package wirez provides a lightweight, type-safe library for wiring typed
// data handlers into directed processing chains and trees in Go.
//
// # Overview
//
// wirez is a plumbing library: it connects "processors" (named transformation
// stages) through "channels" (the low-level connectors), supporting fan-out to
// multiple consumers, dynamic enable/disable of stages (bypass), and
// hierarchical grouping by priority. The library never invokes the handlers it
// wires - it composes and re-links them, and the application drives data
// through the resulting handler graph.
//
// # Core Concepts
//
// A handler is an opaque value of some type T - typically a function type or a
// small interface - that consumes data. wirez treats T generically and relies
// on a DataType[T] descriptor to merge several handlers of the same type into
// one fan-out handler:
//
//	type PacketHandler func(ctx context.Context, p *Packet) error
//
//	var Packets = wirez.NewDataType("packets", 0, func(list []PacketHandler) PacketHandler {
//	    return func(ctx context.Context, p *Packet) error {
//	        for _, h := range list {
//	            if err := h(ctx, p); err != nil {
//	                return err
//	            }
//	        }
//	        return nil
//	    }
//	})
//
// Key components:
//   - Channel[In, Out]: connects one upstream producer to downstream
//     channels and terminal sinks, recomputing its aggregated output handler
//     as consumers come and go.
//   - Processor[In, Out]: a named, priority-ordered stage composing one main
//     channel plus optional sub-channels.
//   - UnaryProcessor[T]: a same-type stage whose disable splices it out of
//     the chain so its neighbors connect directly.
//   - ProcessorGroup[T] and Pipeline[In, Out]: priority-ordered containers
//     that link stages into chains at build time.
//   - Scope: a hierarchical type+name-keyed property store for passing
//     configuration down a pipeline tree.
//
// # Bypass
//
// Disabling a stage does not remove it. The stage's channel switches its
// effective input to its own aggregated output, and the change propagates
// upstream so that producers re-link to the stage's downstream consumers
// directly. Re-enabling reverses the splice. See Channel.SetBypass and
// UnaryProcessor.Enable.
//
// # Observability
//
// Components carry their own metrics (metricz), event hooks (hookz), and -
// for pipelines - trace spans (tracez). Event timestamps flow through an
// injectable clock (clockz), so tests pin time with clockz.NewFakeClock().
//
// # Quick Start
//
//	counter := &CountStage{}
//	count := wirez.NewUnaryProcessor("count", 10, Packets, counter.Handle)
//	counter.Out = count.Output
//
//	printer := &PrintStage{}
//	print := wirez.NewUnaryProcessor("print", 20, Packets, printer.Handle)
//	printer.Out = print.Output
//
//	count.Connect(print.Channel())
//	print.Peek(func(ctx context.Context, p *Packet) error {
//	    log.Printf("saw %v", p)
//	    return nil
//	})
//
//	in, ok := count.Channel().Input()
//	if ok {
//	    _ = in(ctx, packet) // drive data through the chain
//	}
//
//	count.Enable(false) // splice the counter out; print still sees packets
package wirez

import "errors"

// Name identifies channels, processors, groups and pipelines. Using the alias
// encourages storing names as constants rather than inline strings.
//
// Example:
//
//	const (
//	    DecodeName   wirez.Name = "decode"
//	    ClassifyName wirez.Name = "classify"
//	)
type Name = string

// Registration undoes a prior attach operation - a sink, a listener, a link,
// or a head input. Calling Unregister more than once is harmless.
type Registration func()

// Unregister removes whatever the registration attached. A nil registration
// is a no-op.
func (r Registration) Unregister() {
	if r != nil {
		r()
	}
}

func emptyRegistration() Registration {
	return func() {}
}

// Inlet is the upstream-facing side of a channel: what a producer needs to
// know about its downstream consumer. Channel[In, Out] implements Inlet[In].
type Inlet[T any] interface {
	// Input returns the effective input handler of the consumer, or
	// (zero, false) when the consumer is inactive and should be excluded
	// from the producer's fan-out.
	Input() (T, bool)

	// onConnect hands the consumer its upstream connection so it can
	// propagate input changes back to the producer.
	onConnect(conn *Connection[T])
}

// Misuse errors. All are returned (never panicked) and compare with
// errors.Is.
var (
	ErrConnectionClosed    = errors.New("connection already closed")
	ErrAlreadyBuilt        = errors.New("pipeline already built")
	ErrDuplicateSubChannel = errors.New("duplicate sub-channel")
	ErrUnknownSubChannel   = errors.New("sub-channel not found")
	ErrSinkType            = errors.New("sink handler type mismatch")
	ErrNoWrap              = errors.New("data type has no wrap function")
	ErrDuplicateInput      = errors.New("head input id already exists")
	ErrStageNotFound       = errors.New("stage not found")
)
