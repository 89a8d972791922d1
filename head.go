package wirez

import (
	"fmt"
	"slices"
	"sync"

	"github.com/zoobzio/metricz"
)

// Observability constants for Head.
const (
	HeadInputsGauge    = metricz.Key("head.inputs")
	HeadRefreshesTotal = metricz.Key("head.refreshes.total")
)

type headEntry[T any] struct {
	id     any
	update func(T, bool)
}

// Head is the fan-in entry point of a built pipeline. External producers
// register under a unique id and receive the pipeline's current entry
// handler through an update callback, first immediately on registration and
// again on every Refresh.
//
// Head does not observe its source on its own; wire a channel's OnUpdate to
// Refresh to push changes through:
//
//	reg := stage.Channel().OnUpdate(func(T, bool) { head.Refresh() })
type Head[T any] struct {
	name   Name
	source Inlet[T]

	mu     sync.Mutex
	inputs []headEntry[T]

	metrics *metricz.Registry
}

// NewHead creates a head reading its entry handler from source.
func NewHead[T any](name Name, source Inlet[T]) *Head[T] {
	metrics := metricz.New()
	metrics.Gauge(HeadInputsGauge)
	metrics.Counter(HeadRefreshesTotal)

	return &Head[T]{
		name:    name,
		source:  source,
		metrics: metrics,
	}
}

// Name returns the head's name.
func (h *Head[T]) Name() Name {
	return h.name
}

// AddInput registers a producer under id and immediately delivers the
// current entry handler. Ids must be unique; a second registration under
// the same id returns ErrDuplicateInput.
func (h *Head[T]) AddInput(id any, update func(T, bool)) (Registration, error) {
	if update == nil {
		return emptyRegistration(), fmt.Errorf("head %q: nil update callback", h.name)
	}

	h.mu.Lock()
	for _, in := range h.inputs {
		if in.id == id {
			h.mu.Unlock()
			return emptyRegistration(), fmt.Errorf("%w: %v on head %q", ErrDuplicateInput, id, h.name)
		}
	}
	h.inputs = append(h.inputs, headEntry[T]{id: id, update: update})
	h.metrics.Gauge(HeadInputsGauge).Set(float64(len(h.inputs)))
	h.mu.Unlock()

	update(h.source.Input())

	return Registration(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, in := range h.inputs {
			if in.id == id {
				h.inputs = slices.Delete(h.inputs, i, i+1)
				break
			}
		}
		h.metrics.Gauge(HeadInputsGauge).Set(float64(len(h.inputs)))
	}), nil
}

// Refresh re-reads the entry handler and broadcasts it to every registered
// input.
func (h *Head[T]) Refresh() {
	h.mu.Lock()
	entries := make([]headEntry[T], len(h.inputs))
	copy(entries, h.inputs)
	h.mu.Unlock()

	handler, active := h.source.Input()
	for _, in := range entries {
		in.update(handler, active)
	}
	h.metrics.Counter(HeadRefreshesTotal).Inc()
}

// Inputs returns the registered input ids in registration order.
func (h *Head[T]) Inputs() []any {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]any, len(h.inputs))
	for i, in := range h.inputs {
		ids[i] = in.id
	}
	return ids
}

// Metrics returns the head's metrics registry.
func (h *Head[T]) Metrics() *metricz.Registry {
	return h.metrics
}
