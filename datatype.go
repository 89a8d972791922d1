package wirez

// DataType describes a handler type T: a name for diagnostics, an ordinal
// that drives priority ordering of groups keyed to it, and the type-specific
// logic for merging several handlers into one fan-out handler.
//
// The merge function is the heart of fan-out synthesis. Given two or more
// handlers it must return a single handler that dispatches to all of them.
// Channels call MergeHandlers every time their consumer set changes; a
// consumer set of exactly one is returned as-is so the common single-consumer
// chain pays no dispatch overhead.
//
// An optional wrap function attaches an opaque per-consumer value to a
// handler, used by Processor.PeekWith to hand a user attachment to a tap.
//
// Example:
//
//	type FrameHandler func(ctx context.Context, f *Frame) error
//
//	var Frames = wirez.NewDataType("frames", 1, func(list []FrameHandler) FrameHandler {
//	    return func(ctx context.Context, f *Frame) error {
//	        for _, h := range list {
//	            if err := h(ctx, f); err != nil {
//	                return err
//	            }
//	        }
//	        return nil
//	    }
//	})
type DataType[T any] struct {
	merge   func([]T) T
	wrap    func(T, any) T
	name    Name
	ordinal int
}

// NewDataType creates a descriptor for handler type T. The ordinal orders
// groups and types relative to each other (lower runs earlier); the merge
// function combines two or more handlers into one.
func NewDataType[T any](name Name, ordinal int, merge func([]T) T) *DataType[T] {
	return &DataType[T]{
		name:    name,
		ordinal: ordinal,
		merge:   merge,
	}
}

// WithWrap registers a wrap function used by PeekWith to bind a per-consumer
// attachment to a handler. Returns the data type for chaining.
func (d *DataType[T]) WithWrap(wrap func(handler T, user any) T) *DataType[T] {
	d.wrap = wrap
	return d
}

// Name returns the diagnostic name of this data type.
func (d *DataType[T]) Name() Name {
	return d.name
}

// Ordinal returns the ordering key of this data type.
func (d *DataType[T]) Ordinal() int {
	return d.ordinal
}

// Is reports whether other is the same data type descriptor.
func (d *DataType[T]) Is(other *DataType[T]) bool {
	return d == other
}

// MergeHandlers synthesizes a single fan-out handler from the given list.
// An empty list yields (zero, false) - the inactive state. A single handler
// is returned unchanged. Two or more are merged with the registered merge
// function, which is never handed an empty or singleton list.
func (d *DataType[T]) MergeHandlers(list []T) (T, bool) {
	switch len(list) {
	case 0:
		var zero T
		return zero, false
	case 1:
		return list[0], true
	default:
		return d.merge(list), true
	}
}

// Wrap binds the user attachment to the handler with the registered wrap
// function. Returns ErrNoWrap if the data type was built without one.
func (d *DataType[T]) Wrap(handler T, user any) (T, error) {
	if d.wrap == nil {
		var zero T
		return zero, ErrNoWrap
	}
	return d.wrap(handler, user), nil
}
