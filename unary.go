package wirez

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
)

// Metric keys for UnaryProcessor observability.
const (
	UnarySplicesTotal = metricz.Key("unary.splices.total")
	UnaryLinksGauge   = metricz.Key("unary.links")
)

// Hook event keys for UnaryProcessor.
const (
	UnaryEventSpliced = hookz.Key("unary.spliced")
)

// SpliceEvent describes a re-link of a unary stage's neighbors after an
// enable/disable transition.
type SpliceEvent struct {
	Name      Name      // Processor name
	Enabled   bool      // New state
	Links     int       // Direct links that were re-pointed
	Timestamp time.Time // When the splice occurred
}

// ProcessorLink is held by a neighbor that keeps a direct reference to a
// unary stage's effective input handler. When the stage is spliced in or out
// of the chain, every registered link is re-pointed.
type ProcessorLink[T any] interface {
	// Relink replaces the neighbor's handler reference. active is false
	// when the stage currently has no effective handler at all.
	Relink(newInput T, active bool)
}

// ProcessorLinkFunc adapts a function to the ProcessorLink interface.
type ProcessorLinkFunc[T any] func(newInput T, active bool)

// Relink implements ProcessorLink.
func (f ProcessorLinkFunc[T]) Relink(newInput T, active bool) {
	f(newInput, active)
}

// UnaryProcessor is a stage whose input and output handler types coincide,
// which makes enable/disable a pure re-wiring operation: disabling splices
// the stage out of its chain - upstream neighbors connect directly to the
// stage's downstream consumers - without removing any object; enabling
// reverses the splice.
//
// Channel-connected neighbors re-link automatically through the bypass
// propagation in Channel. Neighbors that instead hold a direct reference to
// the stage's input handler register a ProcessorLink and are re-pointed
// explicitly:
//
//	proc := wirez.NewUnaryProcessor("dedupe", 30, Packets, stage.Handle)
//	reg := proc.OnLink(wirez.ProcessorLinkFunc[PacketHandler](func(h PacketHandler, ok bool) {
//	    source.deliver = h
//	    source.live = ok
//	}))
//	defer reg.Unregister()
//
//	proc.Enable(false) // source.deliver now points past the stage
type UnaryProcessor[T any] struct {
	*Processor[T, T]

	lmu   sync.Mutex
	links []linkEntry[T]
	next  int

	umetrics *metricz.Registry
	uhooks   *hookz.Hooks[SpliceEvent]
}

type linkEntry[T any] struct {
	link ProcessorLink[T]
	id   int
}

// NewUnaryProcessor creates a same-type stage with the given name, priority
// and inline handler.
func NewUnaryProcessor[T any](name Name, priority int, typ *DataType[T], inline T) *UnaryProcessor[T] {
	metrics := metricz.New()
	metrics.Counter(UnarySplicesTotal)
	metrics.Gauge(UnaryLinksGauge)

	return &UnaryProcessor[T]{
		Processor: NewProcessor(name, priority, typ, typ, inline),
		umetrics:  metrics,
		uhooks:    hookz.New[SpliceEvent](),
	}
}

// OnLink registers a direct link to this stage's effective input. The link
// is immediately pointed at the current input, then re-pointed on every
// enable/disable transition.
func (u *UnaryProcessor[T]) OnLink(link ProcessorLink[T]) Registration {
	u.lmu.Lock()
	id := u.next
	u.next++
	u.links = append(u.links, linkEntry[T]{id: id, link: link})
	count := len(u.links)
	u.lmu.Unlock()

	u.umetrics.Gauge(UnaryLinksGauge).Set(float64(count))

	h, ok := u.Channel().Input()
	link.Relink(h, ok)

	return func() {
		u.lmu.Lock()
		for i, e := range u.links {
			if e.id == id {
				u.links = slices.Delete(u.links, i, i+1)
				break
			}
		}
		count := len(u.links)
		u.lmu.Unlock()
		u.umetrics.Gauge(UnaryLinksGauge).Set(float64(count))
	}
}

// Enable enables or disables the stage. A no-op when the state is unchanged.
// On a transition the main channel's bypass toggles, and every registered
// direct link is re-pointed: to the stage's input when enabling, to the
// stage's aggregated output when disabling - the neighbors then skip the
// stage entirely.
func (u *UnaryProcessor[T]) Enable(enable bool) {
	if u.Enabled() == enable {
		return
	}

	u.Processor.Enable(enable)

	// The channel recomputed during Enable; both branches read the same
	// handler while bypassed, but Input carries the active flag the
	// neighbors need.
	h, ok := u.Channel().Input()

	u.lmu.Lock()
	links := slices.Clone(u.links)
	u.lmu.Unlock()

	for _, e := range links {
		e.link.Relink(h, ok)
	}

	u.umetrics.Counter(UnarySplicesTotal).Inc()
	_ = u.uhooks.Emit(context.Background(), UnaryEventSpliced, SpliceEvent{ //nolint:errcheck
		Name:      u.Name(),
		Enabled:   enable,
		Links:     len(links),
		Timestamp: u.getClock().Now(),
	})
}

// EnableFunc enables or disables the stage from a predicate, evaluated once.
func (u *UnaryProcessor[T]) EnableFunc(enabled func() bool) {
	u.Enable(enabled())
}

// SpliceMetrics returns the splice metrics registry for this stage. The
// embedded processor metrics remain available via Metrics.
func (u *UnaryProcessor[T]) SpliceMetrics() *metricz.Registry {
	return u.umetrics
}

// OnSpliced registers a handler fired after every enable/disable splice. The
// handler is called asynchronously.
func (u *UnaryProcessor[T]) OnSpliced(handler func(context.Context, SpliceEvent) error) error {
	_, err := u.uhooks.Hook(UnaryEventSpliced, handler)
	return err
}

// Close shuts down the stage's hooks and underlying processor.
func (u *UnaryProcessor[T]) Close() error {
	u.uhooks.Close()
	return u.Processor.Close()
}
