package wirez

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

func TestPipeline(t *testing.T) {
	notes := noteType("notes")

	stageFactory := func(name Name) ProcessorFactory[noteHandler] {
		return func(priority int) Stage[noteHandler] {
			return NewUnaryProcessor(name, priority, notes, note(name))
		}
	}

	newPipeline := func(name Name) *Pipeline[noteHandler, noteHandler] {
		return NewPipeline(name, 0, notes, notes, note(name))
	}

	t.Run("Install assigns spaced priorities", func(t *testing.T) {
		p := newPipeline("pipe")
		a, err := p.Install(stageFactory("a"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		b, err := p.Install(stageFactory("b"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Priority() != 10 || b.Priority() != 20 {
			t.Errorf("expected priorities 10 and 20, got %d and %d", a.Priority(), b.Priority())
		}

		c, err := p.InstallAt(15, stageFactory("c"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if c.Priority() != 15 {
			t.Errorf("expected explicit priority 15, got %d", c.Priority())
		}

		d, err := p.Install(stageFactory("d"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Priority() != 30 {
			t.Errorf("expected next priority 30 after highest 20, got %d", d.Priority())
		}
	})

	t.Run("Build links installed stages in priority order", func(t *testing.T) {
		p := newPipeline("pipe")
		if _, err := p.Install(stageFactory("first")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := p.Install(stageFactory("second")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last, err := p.Install(stageFactory("third"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		last.(*UnaryProcessor[noteHandler]).Peek(note("sink"))

		if !p.Open() {
			t.Fatal("expected the pipeline to be open before Build")
		}
		if err := p.Build(); err != nil {
			t.Fatalf("unexpected build error: %v", err)
		}
		if p.Open() {
			t.Error("expected the pipeline to be closed after Build")
		}

		out, ok := p.Output()
		if !ok {
			t.Fatal("expected the pipeline output to be active after Build")
		}
		r := &record{}
		out(r)
		if len(r.seen) != 1 || r.seen[0] != "first" {
			t.Errorf("expected the pipeline to feed the first stage, got %v", r.seen)
		}

		first := p.Stages()[0].(*UnaryProcessor[noteHandler])
		out, ok = first.Output()
		if !ok {
			t.Fatal("expected the first stage wired")
		}
		r = &record{}
		out(r)
		if len(r.seen) != 1 || r.seen[0] != "second" {
			t.Errorf("expected first to feed second, got %v", r.seen)
		}
	})

	t.Run("Build is one-shot and gates mutation", func(t *testing.T) {
		p := newPipeline("pipe")
		s, err := p.Install(stageFactory("only"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := p.Build(); err != nil {
			t.Fatalf("unexpected build error: %v", err)
		}

		if err := p.Build(); !errors.Is(err, ErrAlreadyBuilt) {
			t.Errorf("expected ErrAlreadyBuilt from a second Build, got %v", err)
		}
		if _, err := p.Install(stageFactory("late")); !errors.Is(err, ErrAlreadyBuilt) {
			t.Errorf("expected ErrAlreadyBuilt from Install, got %v", err)
		}
		if err := p.Uninstall(s); !errors.Is(err, ErrAlreadyBuilt) {
			t.Errorf("expected ErrAlreadyBuilt from Uninstall, got %v", err)
		}
		if err := p.EnableAll(false); !errors.Is(err, ErrAlreadyBuilt) {
			t.Errorf("expected ErrAlreadyBuilt from EnableAll, got %v", err)
		}
	})

	t.Run("groups link in ordinal order", func(t *testing.T) {
		pre := GroupType{Name: "pre", Ordinal: 0}
		post := GroupType{Name: "post", Ordinal: 1}

		p := newPipeline("pipe")
		// Install out of ordinal order on purpose.
		lastPost, err := p.InstallInto(post, stageFactory("post-stage"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		lastPre, err := p.InstallInto(pre, stageFactory("pre-stage"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		lastPost.(*UnaryProcessor[noteHandler]).Peek(note("sink"))

		if err := p.Build(); err != nil {
			t.Fatalf("unexpected build error: %v", err)
		}

		out, ok := p.Output()
		if !ok {
			t.Fatal("expected pipeline output after Build")
		}
		r := &record{}
		out(r)
		if len(r.seen) != 1 || r.seen[0] != "pre-stage" {
			t.Errorf("expected the pre group to lead, got %v", r.seen)
		}

		out, ok = lastPre.(*UnaryProcessor[noteHandler]).Output()
		if !ok {
			t.Fatal("expected the pre stage wired to the post group")
		}
		r = &record{}
		out(r)
		if len(r.seen) != 1 || r.seen[0] != "post-stage" {
			t.Errorf("expected pre to feed post, got %v", r.seen)
		}
	})

	t.Run("Uninstall removes a stage before Build", func(t *testing.T) {
		p := newPipeline("pipe")
		a, err := p.Install(stageFactory("a"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := p.Install(stageFactory("b")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := p.Uninstall(a); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Len() != 1 {
			t.Errorf("expected 1 stage after uninstall, got %d", p.Len())
		}
		if err := p.Uninstall(a); !errors.Is(err, ErrStageNotFound) {
			t.Errorf("expected ErrStageNotFound, got %v", err)
		}

		if err := p.UninstallAll(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Len() != 0 {
			t.Errorf("expected an empty pipeline, got %d stages", p.Len())
		}
	})

	t.Run("EnableAll toggles every stage", func(t *testing.T) {
		p := newPipeline("pipe")
		a, _ := p.Install(stageFactory("a"))
		b, _ := p.Install(stageFactory("b"))
		a.(*UnaryProcessor[noteHandler]).Peek(note("tap-a"))
		b.(*UnaryProcessor[noteHandler]).Peek(note("tap-b"))

		if err := p.EnableAll(false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if a.Enabled() || b.Enabled() {
			t.Error("expected all stages disabled")
		}
		if err := p.EnableAll(true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !a.Enabled() || !b.Enabled() {
			t.Error("expected all stages enabled")
		}
	})

	t.Run("StagesByType filters by input type name", func(t *testing.T) {
		p := newPipeline("pipe")
		if _, err := p.Install(stageFactory("a")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := p.StagesByType("notes"); len(got) != 1 {
			t.Errorf("expected 1 stage of type notes, got %d", len(got))
		}
		if got := p.StagesByType("frames"); len(got) != 0 {
			t.Errorf("expected no stages of type frames, got %d", len(got))
		}
	})

	t.Run("sub-pipelines inherit the scope tree", func(t *testing.T) {
		p := newPipeline("parent")
		SetProp(p.Scope(), "mtu", 1500)

		sub, err := p.InstallPipeline(func(priority int) *Pipeline[noteHandler, noteHandler] {
			return NewPipeline[noteHandler, noteHandler]("child", priority, notes, notes, note("child"))
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if sub.Scope().Parent() != p.Scope() {
			t.Fatal("expected the child scope to hang off the parent")
		}
		if v, ok := Prop[int](sub.Scope(), "mtu"); !ok || v != 1500 {
			t.Errorf("expected mtu 1500 through the parent scope, got %d (ok=%v)", v, ok)
		}
		if sub.Scope().String() != "parent/child" {
			t.Errorf("expected scope path parent/child, got %q", sub.Scope().String())
		}
	})

	t.Run("Unlink undoes the build wiring", func(t *testing.T) {
		p := newPipeline("pipe")
		s, err := p.Install(stageFactory("only"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		s.(*UnaryProcessor[noteHandler]).Peek(note("sink"))

		if err := p.Build(); err != nil {
			t.Fatalf("unexpected build error: %v", err)
		}
		if _, ok := p.Output(); !ok {
			t.Fatal("expected pipeline output after Build")
		}

		p.Unlink()
		if _, ok := p.Output(); ok {
			t.Error("expected pipeline output gone after Unlink")
		}
	})

	t.Run("metrics and events track installs and builds", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		p := newPipeline("pipe").WithClock(clock)
		defer p.Close()

		var installs atomic.Int32
		var builds atomic.Int32
		if err := p.OnInstalled(func(_ context.Context, _ PipelineEvent) error {
			installs.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("unexpected hook error: %v", err)
		}
		if err := p.OnBuilt(func(_ context.Context, ev PipelineEvent) error {
			if ev.Stages == 2 {
				builds.Add(1)
			}
			return nil
		}); err != nil {
			t.Fatalf("unexpected hook error: %v", err)
		}

		if _, err := p.Install(stageFactory("a")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := p.Install(stageFactory("b")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := p.Build(); err != nil {
			t.Fatalf("unexpected build error: %v", err)
		}

		if v := p.PipelineMetrics().Counter(PipelineInstallsTotal).Value(); v != 2 {
			t.Errorf("expected 2 installs, got %f", v)
		}
		if v := p.PipelineMetrics().Counter(PipelineBuildsTotal).Value(); v != 1 {
			t.Errorf("expected 1 build, got %f", v)
		}
		if v := p.PipelineMetrics().Gauge(PipelineStagesGauge).Value(); v != 2 {
			t.Errorf("expected stages gauge 2, got %f", v)
		}

		// Wait for async hooks
		time.Sleep(50 * time.Millisecond)

		if installs.Load() != 2 {
			t.Errorf("expected 2 install events, got %d", installs.Load())
		}
		if builds.Load() != 1 {
			t.Errorf("expected 1 build event with both stages, got %d", builds.Load())
		}
	})
}
