package wirez

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/clockz"
)

// drive invokes ch's aggregated output against a fresh record and returns
// what the consumers saw.
func drive[In any](t *testing.T, ch *Channel[In, noteHandler]) []string {
	t.Helper()
	out, ok := ch.Output()
	if !ok {
		t.Fatal("expected an active output handler")
	}
	r := &record{}
	out(r)
	return r.seen
}

func TestChannel(t *testing.T) {
	notes := noteType("notes")

	t.Run("starts inactive", func(t *testing.T) {
		ch := NewChannel("ch", notes, notes, note("ch"))
		if ch.Active() {
			t.Error("expected a fresh channel to be inactive")
		}
		if _, ok := ch.Input(); ok {
			t.Error("expected Input to report inactive")
		}
		if _, ok := ch.Output(); ok {
			t.Error("expected Output to report inactive")
		}
	})

	t.Run("sink activates and deactivates", func(t *testing.T) {
		ch := NewChannel("ch", notes, notes, note("ch"))
		reg := ch.Sink(note("sink"))

		if !ch.Active() {
			t.Fatal("expected channel to be active after Sink")
		}
		in, ok := ch.Input()
		if !ok {
			t.Fatal("expected Input to report active")
		}
		r := &record{}
		in(r)
		if len(r.seen) != 1 || r.seen[0] != "ch" {
			t.Errorf("expected Input to return the inline handler, got %v", r.seen)
		}
		if seen := drive(t, ch); len(seen) != 1 || seen[0] != "sink" {
			t.Errorf("expected output to reach the sink, got %v", seen)
		}

		reg.Unregister()
		if ch.Active() {
			t.Error("expected channel to deactivate after the sink unregisters")
		}
	})

	t.Run("fans out to multiple sinks", func(t *testing.T) {
		ch := NewChannel("ch", notes, notes, note("ch"))
		ch.Sink(note("a"))
		ch.Sink(note("b"))

		seen := drive(t, ch)
		if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
			t.Errorf("expected [a b], got %v", seen)
		}
	})

	t.Run("activity propagates upstream through Connect", func(t *testing.T) {
		up := NewChannel("up", notes, notes, note("up"))
		down := NewChannel("down", notes, notes, note("down"))

		up.Connect(down)
		if up.Active() {
			t.Fatal("expected upstream to stay inactive while downstream has no consumers")
		}

		reg := down.Sink(note("sink"))
		if !up.Active() {
			t.Fatal("expected downstream activation to ripple upstream")
		}
		if seen := drive(t, up); len(seen) != 1 || seen[0] != "down" {
			t.Errorf("expected upstream output to be downstream's inline handler, got %v", seen)
		}

		reg.Unregister()
		if up.Active() {
			t.Error("expected downstream deactivation to ripple upstream")
		}
	})

	t.Run("bypass splices the inline handler out", func(t *testing.T) {
		a := NewChannel("a", notes, notes, note("a"))
		b := NewChannel("b", notes, notes, note("b"))
		c := NewChannel("c", notes, notes, note("c"))
		a.Connect(b)
		b.Connect(c)
		c.Sink(note("sink"))

		if seen := drive(t, a); len(seen) != 1 || seen[0] != "b" {
			t.Fatalf("expected a to feed b before bypass, got %v", seen)
		}

		b.SetBypass(true)
		if !b.Bypassed() {
			t.Fatal("expected b to report bypassed")
		}
		if seen := drive(t, a); len(seen) != 1 || seen[0] != "c" {
			t.Errorf("expected a to feed c while b is bypassed, got %v", seen)
		}

		b.SetBypass(false)
		if seen := drive(t, a); len(seen) != 1 || seen[0] != "b" {
			t.Errorf("expected a to feed b again after bypass is lifted, got %v", seen)
		}
	})

	t.Run("cross-type channel goes dark while bypassed", func(t *testing.T) {
		type inHandler = func(string)
		type outHandler = func(int)
		inType := NewDataType[inHandler]("strings", 0, func(list []inHandler) inHandler {
			return func(s string) {
				for _, h := range list {
					h(s)
				}
			}
		})
		outType := NewDataType[outHandler]("ints", 1, func(list []outHandler) outHandler {
			return func(n int) {
				for _, h := range list {
					h(n)
				}
			}
		})

		ch := NewChannel("conv", inType, outType, func(string) {})
		ch.Sink(func(int) {})
		if _, ok := ch.Input(); !ok {
			t.Fatal("expected active input before bypass")
		}

		ch.SetBypass(true)
		if _, ok := ch.Input(); ok {
			t.Error("expected a bypassed cross-type channel to report inactive")
		}
	})

	t.Run("distinct data types over one handler type stay cross-type", func(t *testing.T) {
		// Sameness is DataType identity; sharing the Go handler type is
		// not enough for bypass passthrough.
		frames := noteType("frames")
		meta := noteType("meta")

		ch := NewChannel("conv", frames, meta, note("conv"))
		ch.Sink(note("sink"))
		if _, ok := ch.Input(); !ok {
			t.Fatal("expected active input before bypass")
		}

		ch.SetBypass(true)
		if _, ok := ch.Input(); ok {
			t.Error("expected a bypassed channel between distinct data types to report inactive")
		}
	})

	t.Run("connection closes once", func(t *testing.T) {
		up := NewChannel("up", notes, notes, note("up"))
		down := NewChannel("down", notes, notes, note("down"))
		down.Sink(note("sink"))

		conn := up.Connect(down)
		if !up.Active() {
			t.Fatal("expected upstream active after connect")
		}
		if err := conn.Close(); err != nil {
			t.Fatalf("unexpected error on first close: %v", err)
		}
		if up.Active() {
			t.Error("expected upstream inactive after the connection closed")
		}
		if err := conn.Close(); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("expected ErrConnectionClosed on second close, got %v", err)
		}
	})

	t.Run("keep-alive holds the channel active", func(t *testing.T) {
		ch := NewChannel("ch", notes, notes, note("ch"))
		ch.EnableKeepAlive(func() noteHandler { return note("noop") })

		if !ch.Active() {
			t.Fatal("expected keep-alive to hold the channel active")
		}
		if seen := drive(t, ch); len(seen) != 1 || seen[0] != "noop" {
			t.Errorf("expected the no-op handler, got %v", seen)
		}

		reg := ch.Sink(note("real"))
		if seen := drive(t, ch); len(seen) != 1 || seen[0] != "real" {
			t.Errorf("expected the real consumer to displace the no-op, got %v", seen)
		}

		reg.Unregister()
		if seen := drive(t, ch); len(seen) != 1 || seen[0] != "noop" {
			t.Errorf("expected the no-op back after the real consumer left, got %v", seen)
		}

		ch.DisableKeepAlive()
		if ch.Active() {
			t.Error("expected the channel to deactivate once keep-alive is disabled")
		}
	})

	t.Run("OnUpdate observes activation transitions", func(t *testing.T) {
		ch := NewChannel("ch", notes, notes, note("ch"))
		var states []bool
		ch.OnUpdate(func(_ noteHandler, active bool) {
			states = append(states, active)
		})

		reg := ch.Sink(note("sink"))
		reg.Unregister()

		if len(states) != 2 || !states[0] || states[1] {
			t.Errorf("expected [true false], got %v", states)
		}
	})

	t.Run("OnUpdate unregisters", func(t *testing.T) {
		ch := NewChannel("ch", notes, notes, note("ch"))
		calls := 0
		reg := ch.OnUpdate(func(noteHandler, bool) { calls++ })
		reg.Unregister()

		ch.Sink(note("sink"))
		if calls != 0 {
			t.Errorf("expected no calls after unregister, got %d", calls)
		}
	})

	t.Run("metrics track wiring churn", func(t *testing.T) {
		up := NewChannel("up", notes, notes, note("up"))
		down := NewChannel("down", notes, notes, note("down"))

		conn := up.Connect(down)
		up.Sink(note("sink"))

		if v := up.Metrics().Counter(ChannelConnectsTotal).Value(); v != 1 {
			t.Errorf("expected 1 connect, got %f", v)
		}
		if v := up.Metrics().Gauge(ChannelSinksGauge).Value(); v != 1 {
			t.Errorf("expected sinks gauge 1, got %f", v)
		}
		if v := up.Metrics().Gauge(ChannelActiveGauge).Value(); v != 1 {
			t.Errorf("expected active gauge 1, got %f", v)
		}

		if err := conn.Close(); err != nil {
			t.Fatalf("unexpected close error: %v", err)
		}
		if v := up.Metrics().Counter(ChannelDisconnectsTotal).Value(); v != 1 {
			t.Errorf("expected 1 disconnect, got %f", v)
		}
		if v := up.Metrics().Gauge(ChannelDownstreamGauge).Value(); v != 0 {
			t.Errorf("expected downstream gauge 0, got %f", v)
		}
	})

	t.Run("bypass event carries the fake clock's time", func(t *testing.T) {
		clock := clockz.NewFakeClock()
		ch := NewChannel("ch", notes, notes, note("ch")).WithClock(clock)
		defer ch.Close()
		ch.Sink(note("sink"))

		var events atomic.Int32
		var stamped atomic.Bool
		want := clock.Now()
		if err := ch.OnBypassChanged(func(_ context.Context, ev ChannelEvent) error {
			events.Add(1)
			stamped.Store(ev.Timestamp.Equal(want) && ev.Bypassed)
			return nil
		}); err != nil {
			t.Fatalf("unexpected hook error: %v", err)
		}

		ch.SetBypass(true)

		// Wait for async hook
		time.Sleep(50 * time.Millisecond)

		if events.Load() != 1 {
			t.Errorf("expected 1 bypass event, got %d", events.Load())
		}
		if !stamped.Load() {
			t.Error("expected the event to carry the fake clock timestamp and bypassed state")
		}
	})

	t.Run("String marks activity and chains", func(t *testing.T) {
		up := NewChannel("up", notes, notes, note("up"))
		down := NewChannel("down", notes, notes, note("down"))
		up.Connect(down)
		down.Sink(note("sink"))

		s := up.String()
		if !strings.HasPrefix(s, "[+up,notes]") {
			t.Errorf("expected active prefix [+up,notes], got %q", s)
		}
		if !strings.Contains(s, "[+down,notes]") {
			t.Errorf("expected the downstream channel in %q", s)
		}
	})
}
