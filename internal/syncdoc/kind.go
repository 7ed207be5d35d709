// Package syncdoc synchronizes small per-room JSON documents between the two
// participants. Each document kind declares which fields belong to which role
// and how shared fields merge; writers can only ever change what they own.
package syncdoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
)

var (
	// ErrUnknownDocument indicates a document name no kind is registered for.
	ErrUnknownDocument = errors.New("syncdoc: unknown document")
	// ErrInvalidDocument indicates a payload that does not decode into its kind.
	ErrInvalidDocument = errors.New("syncdoc: invalid document")
	// ErrDuplicateKind indicates a second registration under the same name.
	ErrDuplicateKind = errors.New("syncdoc: duplicate kind")
)

// Kind describes one document type.
type Kind[T any] struct {
	// Empty returns the document used before anything was written.
	Empty func() T
	// Merge folds incoming, written by author, into base. It must take only
	// author-owned fields from incoming and join shared fields monotonically,
	// so that merging the same document twice is a no-op.
	Merge func(base, incoming T, author sessions.Role) T
	// Completed reports whether the document satisfies its room's goal.
	// The time argument lets timed documents compare against the wall clock.
	Completed func(doc T, now time.Time) bool
}

// codec is the untyped view of a Kind kept in the registry.
type codec struct {
	name      string
	empty     func() json.RawMessage
	merge     func(base, incoming json.RawMessage, author sessions.Role) (json.RawMessage, error)
	completed func(doc json.RawMessage, now time.Time) (bool, error)
}

// Registry maps document names to kinds.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]codec
}

func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]codec)}
}

// Register adds kind under name.
func Register[T any](registry *Registry, name string, kind Kind[T]) error {
	if name == "" || kind.Empty == nil || kind.Merge == nil {
		return fmt.Errorf("%w: %q is incomplete", ErrInvalidDocument, name)
	}
	entry := codec{
		name: name,
		empty: func() json.RawMessage {
			encoded, _ := json.Marshal(kind.Empty())
			return encoded
		},
		merge: func(base, incoming json.RawMessage, author sessions.Role) (json.RawMessage, error) {
			baseDoc, err := Decode(base, kind)
			if err != nil {
				return nil, err
			}
			incomingDoc, err := Decode(incoming, kind)
			if err != nil {
				return nil, err
			}
			return json.Marshal(kind.Merge(baseDoc, incomingDoc, author))
		},
		completed: func(doc json.RawMessage, now time.Time) (bool, error) {
			if kind.Completed == nil {
				return false, nil
			}
			decoded, err := Decode(doc, kind)
			if err != nil {
				return false, err
			}
			return kind.Completed(decoded, now), nil
		},
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, exists := registry.codecs[name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateKind, name)
	}
	registry.codecs[name] = entry
	return nil
}

// MustRegister is Register for package-level wiring; it panics on error.
func MustRegister[T any](registry *Registry, name string, kind Kind[T]) {
	if err := Register(registry, name, kind); err != nil {
		panic(err)
	}
}

// Decode reads raw into a document of kind, starting from the kind's empty
// value so fields absent from raw keep their defaults.
func Decode[T any](raw json.RawMessage, kind Kind[T]) (T, error) {
	doc := kind.Empty()
	if len(raw) == 0 || string(raw) == "null" {
		return doc, nil
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		var zero T
		return zero, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc, nil
}

// Names lists the registered document names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Merge folds incoming into base using the kind registered under name.
func (r *Registry) Merge(name string, base, incoming json.RawMessage, author sessions.Role) (json.RawMessage, error) {
	entry, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	if len(base) == 0 {
		base = entry.empty()
	}
	return entry.merge(base, incoming, author)
}

// Completed evaluates the completion predicate of the kind registered under name.
func (r *Registry) Completed(name string, doc json.RawMessage, now time.Time) (bool, error) {
	entry, err := r.lookup(name)
	if err != nil {
		return false, err
	}
	return entry.completed(doc, now)
}

// Empty returns the encoded empty document for name.
func (r *Registry) Empty(name string) (json.RawMessage, error) {
	entry, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return entry.empty(), nil
}

func (r *Registry) lookup(name string) (codec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.codecs[name]
	if !ok {
		return codec{}, fmt.Errorf("%w: %q", ErrUnknownDocument, name)
	}
	return entry, nil
}
