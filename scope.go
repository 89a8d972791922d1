package wirez

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"unicode"
)

// propKey identifies a property by name and concrete Go type, so values of
// different types may share a name without colliding.
type propKey struct {
	name string
	typ  reflect.Type
}

// Scope is a hierarchical property bag attached to a pipeline. Lookups that
// miss fall through to the parent scope, so a property set on a parent
// pipeline resolves from every sub-pipeline below it.
//
// Properties are read and written through the package-level generic
// functions SetProp, Prop and PropOf; methods cannot introduce type
// parameters of their own.
type Scope struct {
	name   string
	parent *Scope

	mu    sync.RWMutex
	props map[propKey]any
}

// NewScope creates a root scope.
func NewScope(name Name) *Scope {
	return &Scope{
		name:  name,
		props: make(map[propKey]any),
	}
}

// NewChildScope creates a scope whose lookups fall through to parent.
func NewChildScope(name Name, parent *Scope) *Scope {
	return &Scope{
		name:   name,
		parent: parent,
		props:  make(map[propKey]any),
	}
}

// Name returns the scope's own name.
func (s *Scope) Name() Name {
	return s.name
}

// Parent returns the parent scope, nil for a root.
func (s *Scope) Parent() *Scope {
	return s.parent
}

// Path returns the component names from the root down to this scope.
func (s *Scope) Path() []string {
	if s.parent == nil {
		return []string{s.name}
	}
	return append(s.parent.Path(), s.name)
}

// String renders the scope path slash-joined, root first.
func (s *Scope) String() string {
	return strings.Join(s.Path(), "/")
}

// SetProp stores a value under the given name in this scope, shadowing any
// same-named, same-typed property of a parent.
func SetProp[T any](s *Scope, name string, value T) {
	key := propKey{name: name, typ: reflect.TypeOf((*T)(nil)).Elem()}
	s.mu.Lock()
	s.props[key] = value
	s.mu.Unlock()
}

// Prop looks up a property by name and type, walking up through parent
// scopes until a match is found.
func Prop[T any](s *Scope, name string) (T, bool) {
	key := propKey{name: name, typ: reflect.TypeOf((*T)(nil)).Elem()}
	for cur := s; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		v, ok := cur.props[key]
		cur.mu.RUnlock()
		if ok {
			return v.(T), true
		}
	}
	var zero T
	return zero, false
}

// PropOf looks up the property registered under the empty name for type T.
// It suits singleton per-type configuration where a name adds nothing.
func PropOf[T any](s *Scope) (T, bool) {
	return Prop[T](s, "")
}

// ClearProp removes a property from this scope only; parents are untouched.
// It reports whether the property existed.
func ClearProp[T any](s *Scope, name string) bool {
	key := propKey{name: name, typ: reflect.TypeOf((*T)(nil)).Elem()}
	s.mu.Lock()
	_, ok := s.props[key]
	delete(s.props, key)
	s.mu.Unlock()
	return ok
}

// ParsePath splits a slash-separated scope path into its components. All
// whitespace is removed before splitting; empty paths and blank components
// are rejected.
func ParsePath(path string) ([]string, error) {
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, path)
	if stripped == "" {
		return nil, fmt.Errorf("empty scope path")
	}
	parts := strings.Split(stripped, "/")
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("blank component in scope path %q", path)
		}
	}
	return parts, nil
}
