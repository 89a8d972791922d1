package wirez

import (
	"slices"
	"sync"

	"github.com/zoobzio/metricz"
)

// Metric keys for ProcessorGroup observability.
const (
	GroupMembersGauge = metricz.Key("group.members")
	GroupLinksTotal   = metricz.Key("group.links.total")
)

// Stage is a same-type processing stage that can be chained inside groups
// and pipelines. UnaryProcessor[T] and same-typed Pipeline[T, T] implement
// it.
type Stage[T any] interface {
	Name() Name
	Priority() int
	Enabled() bool
	Enable(bool)
	Channel() *Channel[T, T]
}

// GroupType classifies processor groups, mirroring an enum: the ordinal
// orders groups relative to each other inside a pipeline, lower first.
type GroupType struct {
	Name    Name
	Ordinal int
}

// ProcessorGroup is an ordered container of same-type stages. Members sort
// by priority; linking chains them head to tail through their channels so
// that bypass of any member re-wires the chain dynamically.
//
// A group may carry a lead stage (the source's "group processor") that
// fronts the chain: the lead's channel connects to the first member.
type ProcessorGroup[T any] struct {
	kind GroupType

	mu      sync.RWMutex
	members []Stage[T]
	lead    Stage[T]

	metrics *metricz.Registry
}

// NewProcessorGroup creates an empty group of the given type.
func NewProcessorGroup[T any](kind GroupType) *ProcessorGroup[T] {
	metrics := metricz.New()
	metrics.Gauge(GroupMembersGauge)
	metrics.Counter(GroupLinksTotal)

	return &ProcessorGroup[T]{
		kind:    kind,
		metrics: metrics,
	}
}

// WithLead sets the stage fronting the group's chain. Returns the group for
// chaining.
func (g *ProcessorGroup[T]) WithLead(lead Stage[T]) *ProcessorGroup[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lead = lead
	return g
}

// Kind returns the group's type.
func (g *ProcessorGroup[T]) Kind() GroupType {
	return g.kind
}

// Name returns the group type's name.
func (g *ProcessorGroup[T]) Name() Name {
	return g.kind.Name
}

// Ordinal returns the group's ordering key.
func (g *ProcessorGroup[T]) Ordinal() int {
	return g.kind.Ordinal
}

// Add appends a stage to the group.
func (g *ProcessorGroup[T]) Add(stage Stage[T]) {
	g.mu.Lock()
	g.members = append(g.members, stage)
	count := len(g.members)
	g.mu.Unlock()
	g.metrics.Gauge(GroupMembersGauge).Set(float64(count))
}

// Remove drops a stage from the group. Returns ErrStageNotFound when the
// stage is not a member.
func (g *ProcessorGroup[T]) Remove(stage Stage[T]) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, m := range g.members {
		if m == stage {
			g.members = slices.Delete(g.members, i, i+1)
			g.metrics.Gauge(GroupMembersGauge).Set(float64(len(g.members)))
			return nil
		}
	}
	return ErrStageNotFound
}

// IsEmpty reports whether the group has no members.
func (g *ProcessorGroup[T]) IsEmpty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members) == 0
}

// Len returns the number of members.
func (g *ProcessorGroup[T]) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Members returns the stages sorted by priority; ties keep insertion order.
func (g *ProcessorGroup[T]) Members() []Stage[T] {
	g.mu.RLock()
	ms := slices.Clone(g.members)
	g.mu.RUnlock()

	slices.SortStableFunc(ms, func(a, b Stage[T]) int {
		return a.Priority() - b.Priority()
	})
	return ms
}

// EnabledMembers returns the enabled stages sorted by priority.
func (g *ProcessorGroup[T]) EnabledMembers() []Stage[T] {
	all := g.Members()
	enabled := make([]Stage[T], 0, len(all))
	for _, m := range all {
		if m.Enabled() {
			enabled = append(enabled, m)
		}
	}
	return enabled
}

// Head returns the entry of the group's chain: the lead stage's channel if
// one is set, otherwise the first member's. Returns false for an empty,
// lead-less group.
func (g *ProcessorGroup[T]) Head() (*Channel[T, T], bool) {
	g.mu.RLock()
	lead := g.lead
	g.mu.RUnlock()

	if lead != nil {
		return lead.Channel(), true
	}
	ms := g.Members()
	if len(ms) == 0 {
		return nil, false
	}
	return ms[0].Channel(), true
}

// Tail returns the exit of the group's chain - the last member's channel, or
// the lead's for a leadless empty group. Returns false for a fully empty
// group.
func (g *ProcessorGroup[T]) Tail() (*Channel[T, T], bool) {
	ms := g.Members()
	if len(ms) > 0 {
		return ms[len(ms)-1].Channel(), true
	}
	g.mu.RLock()
	lead := g.lead
	g.mu.RUnlock()
	if lead != nil {
		return lead.Channel(), true
	}
	return nil, false
}

// Link chains the group's members in priority order: lead (when present)
// into the first member, each member into the next. Disabled members stay in
// the chain and are skipped dynamically through channel bypass. The returned
// registration unlinks the whole chain; linking an empty group is a no-op.
func (g *ProcessorGroup[T]) Link() Registration {
	ms := g.Members()

	g.mu.RLock()
	lead := g.lead
	g.mu.RUnlock()

	if len(ms) == 0 {
		return emptyRegistration()
	}

	conns := make([]*Connection[T], 0, len(ms))
	if lead != nil {
		conns = append(conns, lead.Channel().Connect(ms[0].Channel()))
	}
	for i := 0; i < len(ms)-1; i++ {
		conns = append(conns, ms[i].Channel().Connect(ms[i+1].Channel()))
	}

	g.metrics.Counter(GroupLinksTotal).Inc()

	return func() {
		for _, conn := range conns {
			_ = conn.Close() //nolint:errcheck // idempotent unlink
		}
	}
}

// Metrics returns the metrics registry for this group.
func (g *ProcessorGroup[T]) Metrics() *metricz.Registry {
	return g.metrics
}
