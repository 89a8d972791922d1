package wirez

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for Pipeline.
const (
	// Metrics.
	PipelineInstallsTotal = metricz.Key("pipeline.installs.total")
	PipelineBuildsTotal   = metricz.Key("pipeline.builds.total")
	PipelineStagesGauge   = metricz.Key("pipeline.stages")
	PipelineGroupsGauge   = metricz.Key("pipeline.groups")

	// Spans.
	PipelineBuildSpan     = tracez.Key("pipeline.build")
	PipelineLinkGroupSpan = tracez.Key("pipeline.link_group")

	// Tags.
	PipelineTagStageCount   = tracez.Tag("pipeline.stage_count")
	PipelineTagGroupCount   = tracez.Tag("pipeline.group_count")
	PipelineTagGroupName    = tracez.Tag("pipeline.group_name")
	PipelineTagGroupMembers = tracez.Tag("pipeline.group_members")

	// Hook event keys.
	PipelineEventInstalled = hookz.Key("pipeline.installed")
	PipelineEventBuilt     = hookz.Key("pipeline.built")
)

// PipelineEvent describes an install or build transition of a pipeline.
type PipelineEvent struct {
	Name      Name      // Pipeline name
	StageName Name      // Installed stage (install events only)
	Priority  int       // Assigned priority (install events only)
	Stages    int       // Total installed stages
	Groups    int       // Resolved groups
	Timestamp time.Time // When the event occurred
}

// ProcessorFactory builds a stage for the priority the pipeline assigns.
type ProcessorFactory[T any] func(priority int) Stage[T]

// PipelineFactory builds a same-typed sub-pipeline for the priority the
// parent assigns.
type PipelineFactory[T any] func(priority int) *Pipeline[T, T]

// GroupMain is the group stages install into when no group type is given.
var GroupMain = GroupType{Name: "main", Ordinal: 0}

// Pipeline is an ordered container of processors, groups and sub-pipelines.
// It is itself a stage (it embeds a Processor and owns a main channel), so
// same-typed pipelines nest inside other pipelines.
//
// A pipeline is open while stages are being installed and closed by Build,
// which sorts its groups by ordinal, links each group's members in priority
// order, links groups to each other, and connects the pipeline's own channel
// to the head of the chain. Install, Uninstall and EnableAll return
// ErrAlreadyBuilt afterwards.
//
// Each pipeline owns a Scope; sub-pipelines get child scopes so properties
// set on a parent resolve from anywhere in the tree.
//
// # Observability
//
// Metrics:
//   - pipeline.installs.total: Counter of installed stages
//   - pipeline.builds.total: Counter of builds (0 or 1)
//   - pipeline.stages / pipeline.groups: Gauges of container sizes
//
// Traces:
//   - pipeline.build: Parent span for the build
//   - pipeline.link_group: Child span per linked group
//
// Events (via hooks):
//   - pipeline.installed: Fired per installed stage
//   - pipeline.built: Fired once when the build completes
type Pipeline[In, Out any] struct {
	*Processor[In, Out]

	pmu     sync.RWMutex
	stages  []Stage[Out]
	groups  []*ProcessorGroup[Out]
	highest int
	built   bool
	unlink  []Registration
	scope   *Scope

	pmetrics *metricz.Registry
	tracer   *tracez.Tracer
	phooks   *hookz.Hooks[PipelineEvent]
}

// NewPipeline creates an open pipeline with the given name, priority, data
// types and inline input handler, owning a fresh root scope.
func NewPipeline[In, Out any](name Name, priority int, inType *DataType[In], outType *DataType[Out], inline In) *Pipeline[In, Out] {
	metrics := metricz.New()
	metrics.Counter(PipelineInstallsTotal)
	metrics.Counter(PipelineBuildsTotal)
	metrics.Gauge(PipelineStagesGauge)
	metrics.Gauge(PipelineGroupsGauge)

	return &Pipeline[In, Out]{
		Processor: NewProcessor(name, priority, inType, outType, inline),
		scope:     NewScope(name),
		pmetrics:  metrics,
		tracer:    tracez.New(),
		phooks:    hookz.New[PipelineEvent](),
	}
}

// Scope returns the pipeline's configuration scope.
func (p *Pipeline[In, Out]) Scope() *Scope {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return p.scope
}

// Open reports whether the pipeline still accepts installs.
func (p *Pipeline[In, Out]) Open() bool {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return !p.built
}

// Group resolves the group of the given type, creating it on first use.
func (p *Pipeline[In, Out]) Group(kind GroupType) *ProcessorGroup[Out] {
	p.pmu.Lock()
	defer p.pmu.Unlock()
	return p.resolveGroup(kind)
}

func (p *Pipeline[In, Out]) resolveGroup(kind GroupType) *ProcessorGroup[Out] {
	for _, g := range p.groups {
		if g.Kind() == kind {
			return g
		}
	}
	g := NewProcessorGroup[Out](kind)
	p.groups = append(p.groups, g)
	p.pmetrics.Gauge(PipelineGroupsGauge).Set(float64(len(p.groups)))
	return g
}

// Install builds a stage with the next auto-assigned priority and adds it to
// the main group.
func (p *Pipeline[In, Out]) Install(factory ProcessorFactory[Out]) (Stage[Out], error) {
	return p.InstallIntoAt(GroupMain, p.nextPriority(), factory)
}

// InstallAt builds a stage with an explicit priority and adds it to the main
// group.
func (p *Pipeline[In, Out]) InstallAt(priority int, factory ProcessorFactory[Out]) (Stage[Out], error) {
	return p.InstallIntoAt(GroupMain, priority, factory)
}

// InstallInto builds a stage with the next auto-assigned priority and adds
// it to the group of the given type.
func (p *Pipeline[In, Out]) InstallInto(kind GroupType, factory ProcessorFactory[Out]) (Stage[Out], error) {
	return p.InstallIntoAt(kind, p.nextPriority(), factory)
}

// InstallIntoAt builds a stage with an explicit priority and adds it to the
// group of the given type. Returns ErrAlreadyBuilt after Build.
func (p *Pipeline[In, Out]) InstallIntoAt(kind GroupType, priority int, factory ProcessorFactory[Out]) (Stage[Out], error) {
	p.pmu.Lock()
	if p.built {
		p.pmu.Unlock()
		return nil, fmt.Errorf("%w: cannot install into %q", ErrAlreadyBuilt, p.Name())
	}

	stage := factory(priority)
	p.stages = append(p.stages, stage)
	if priority > p.highest {
		p.highest = priority
	}
	p.resolveGroup(kind).Add(stage)
	stages := len(p.stages)
	groups := len(p.groups)
	p.pmu.Unlock()

	p.pmetrics.Counter(PipelineInstallsTotal).Inc()
	p.pmetrics.Gauge(PipelineStagesGauge).Set(float64(stages))
	_ = p.phooks.Emit(context.Background(), PipelineEventInstalled, PipelineEvent{ //nolint:errcheck
		Name:      p.Name(),
		StageName: stage.Name(),
		Priority:  priority,
		Stages:    stages,
		Groups:    groups,
		Timestamp: p.getClock().Now(),
	})
	return stage, nil
}

// InstallPipeline builds a same-typed sub-pipeline with the next
// auto-assigned priority and installs it as a stage of the main group. The
// sub-pipeline's scope becomes a child of this pipeline's scope.
func (p *Pipeline[In, Out]) InstallPipeline(factory PipelineFactory[Out]) (*Pipeline[Out, Out], error) {
	return p.InstallPipelineAt(p.nextPriority(), factory)
}

// InstallPipelineAt is InstallPipeline with an explicit priority.
func (p *Pipeline[In, Out]) InstallPipelineAt(priority int, factory PipelineFactory[Out]) (*Pipeline[Out, Out], error) {
	sub, err := p.InstallIntoAt(GroupMain, priority, func(prio int) Stage[Out] {
		return factory(prio)
	})
	if err != nil {
		return nil, err
	}
	child := sub.(*Pipeline[Out, Out])

	p.pmu.RLock()
	parent := p.scope
	p.pmu.RUnlock()

	child.pmu.Lock()
	child.scope = NewChildScope(child.Name(), parent)
	child.pmu.Unlock()
	return child, nil
}

// nextPriority returns highest+10, leaving room for later explicit installs
// between existing stages.
func (p *Pipeline[In, Out]) nextPriority() int {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return p.highest + 10
}

// Uninstall removes a stage from the pipeline and its group. Returns
// ErrAlreadyBuilt after Build, ErrStageNotFound for foreign stages.
func (p *Pipeline[In, Out]) Uninstall(stage Stage[Out]) error {
	p.pmu.Lock()
	defer p.pmu.Unlock()

	if p.built {
		return fmt.Errorf("%w: cannot uninstall from %q", ErrAlreadyBuilt, p.Name())
	}

	found := false
	for i, s := range p.stages {
		if s == stage {
			p.stages = slices.Delete(p.stages, i, i+1)
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %q in pipeline %q", ErrStageNotFound, stage.Name(), p.Name())
	}
	for _, g := range p.groups {
		if g.Remove(stage) == nil {
			break
		}
	}
	p.pmetrics.Gauge(PipelineStagesGauge).Set(float64(len(p.stages)))
	return nil
}

// UninstallAll removes every installed stage. Returns ErrAlreadyBuilt after
// Build.
func (p *Pipeline[In, Out]) UninstallAll() error {
	p.pmu.Lock()
	defer p.pmu.Unlock()

	if p.built {
		return fmt.Errorf("%w: cannot uninstall from %q", ErrAlreadyBuilt, p.Name())
	}
	for _, g := range p.groups {
		for _, s := range p.stages {
			_ = g.Remove(s) //nolint:errcheck // stage may belong to another group
		}
	}
	p.stages = nil
	p.pmetrics.Gauge(PipelineStagesGauge).Set(0)
	return nil
}

// EnableAll enables or disables every installed stage. Allowed only while
// the pipeline is open.
func (p *Pipeline[In, Out]) EnableAll(enable bool) error {
	return p.EnableAllFunc(func() bool { return enable })
}

// EnableAllFunc enables or disables every installed stage from a predicate,
// evaluated once per stage. Allowed only while the pipeline is open.
func (p *Pipeline[In, Out]) EnableAllFunc(enabled func() bool) error {
	p.pmu.RLock()
	if p.built {
		p.pmu.RUnlock()
		return fmt.Errorf("%w: cannot bulk-enable %q", ErrAlreadyBuilt, p.Name())
	}
	stages := slices.Clone(p.stages)
	p.pmu.RUnlock()

	for _, s := range stages {
		s.Enable(enabled())
	}
	return nil
}

// Stages returns the installed stages in install order.
func (p *Pipeline[In, Out]) Stages() []Stage[Out] {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return slices.Clone(p.stages)
}

// StagesByType returns the installed stages whose input data type carries
// the given name, in install order.
func (p *Pipeline[In, Out]) StagesByType(typeName Name) []Stage[Out] {
	p.pmu.RLock()
	defer p.pmu.RUnlock()

	var out []Stage[Out]
	for _, s := range p.stages {
		if s.Channel().InputType().Name() == typeName {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of installed stages.
func (p *Pipeline[In, Out]) Len() int {
	p.pmu.RLock()
	defer p.pmu.RUnlock()
	return len(p.stages)
}

// Build closes the pipeline and links it: groups sort by ordinal, each
// group's members chain in priority order, groups link tail to head, and the
// pipeline's own channel connects to the first head. Returns ErrAlreadyBuilt
// on a second call.
func (p *Pipeline[In, Out]) Build() error {
	p.pmu.Lock()
	if p.built {
		p.pmu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyBuilt, p.Name())
	}
	p.built = true
	groups := slices.Clone(p.groups)
	stageCount := len(p.stages)
	p.pmu.Unlock()

	slices.SortStableFunc(groups, func(a, b *ProcessorGroup[Out]) int {
		return a.Ordinal() - b.Ordinal()
	})

	ctx, span := p.tracer.StartSpan(context.Background(), PipelineBuildSpan)
	span.SetTag(PipelineTagStageCount, fmt.Sprintf("%d", stageCount))
	span.SetTag(PipelineTagGroupCount, fmt.Sprintf("%d", len(groups)))
	defer span.Finish()

	var regs []Registration
	var prevTail *Channel[Out, Out]
	first := true

	for _, g := range groups {
		_, gspan := p.tracer.StartSpan(ctx, PipelineLinkGroupSpan)
		gspan.SetTag(PipelineTagGroupName, string(g.Name()))
		gspan.SetTag(PipelineTagGroupMembers, fmt.Sprintf("%d", g.Len()))

		regs = append(regs, g.Link())

		head, ok := g.Head()
		if !ok {
			gspan.Finish()
			continue
		}
		var conn *Connection[Out]
		if first {
			conn = p.Channel().Connect(head)
			first = false
		} else {
			conn = prevTail.Connect(head)
		}
		regs = append(regs, func() { _ = conn.Close() }) //nolint:errcheck

		if tail, ok := g.Tail(); ok {
			prevTail = tail
		}
		gspan.Finish()
	}

	p.pmu.Lock()
	p.unlink = regs
	p.pmu.Unlock()

	p.pmetrics.Counter(PipelineBuildsTotal).Inc()
	_ = p.phooks.Emit(context.Background(), PipelineEventBuilt, PipelineEvent{ //nolint:errcheck
		Name:      p.Name(),
		Stages:    stageCount,
		Groups:    len(groups),
		Timestamp: p.getClock().Now(),
	})
	return nil
}

// Unlink undoes the build's wiring, leaving the stages installed and the
// pipeline closed.
func (p *Pipeline[In, Out]) Unlink() {
	p.pmu.Lock()
	regs := p.unlink
	p.unlink = nil
	p.pmu.Unlock()

	for _, r := range regs {
		r.Unregister()
	}
}

// WithClock sets a custom clock for event timestamps, shared with the
// embedded processor and its channel.
func (p *Pipeline[In, Out]) WithClock(clock clockz.Clock) *Pipeline[In, Out] {
	p.Processor.WithClock(clock)
	return p
}

// PipelineMetrics returns the pipeline's own metrics registry. The embedded
// processor metrics remain available via Metrics.
func (p *Pipeline[In, Out]) PipelineMetrics() *metricz.Registry {
	return p.pmetrics
}

// Tracer returns the tracer for this pipeline.
func (p *Pipeline[In, Out]) Tracer() *tracez.Tracer {
	return p.tracer
}

// OnInstalled registers a handler fired per installed stage. The handler is
// called asynchronously.
func (p *Pipeline[In, Out]) OnInstalled(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.phooks.Hook(PipelineEventInstalled, handler)
	return err
}

// OnBuilt registers a handler fired when the build completes.
func (p *Pipeline[In, Out]) OnBuilt(handler func(context.Context, PipelineEvent) error) error {
	_, err := p.phooks.Hook(PipelineEventBuilt, handler)
	return err
}

// Close shuts down the pipeline's observability components and the embedded
// processor.
func (p *Pipeline[In, Out]) Close() error {
	if p.tracer != nil {
		p.tracer.Close()
	}
	p.phooks.Close()
	return p.Processor.Close()
}
