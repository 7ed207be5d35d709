package syncdoc

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
)

// Replica is one participant's local copy of a document.
type Replica[T any] struct {
	mu       sync.Mutex
	kind     Kind[T]
	self     sessions.Role
	doc      T
	onChange func(T)
}

func NewReplica[T any](kind Kind[T], self sessions.Role, onChange func(T)) *Replica[T] {
	return &Replica[T]{kind: kind, self: self, doc: kind.Empty(), onChange: onChange}
}

func (r *Replica[T]) Doc() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc
}

func (r *Replica[T]) Self() sessions.Role {
	return r.self
}

// Local applies an edit made by this participant and returns the document to
// send. Fields the participant does not own are discarded by the merge.
func (r *Replica[T]) Local(edit func(doc T) T) T {
	r.mu.Lock()
	edited := edit(r.doc)
	r.doc = r.kind.Merge(r.doc, edited, r.self)
	doc := r.doc
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(doc)
	}
	return doc
}

// ApplyRemote folds a document received from the partner or the store.
// Only the partner's fields and shared fields are taken from it.
func (r *Replica[T]) ApplyRemote(remote T) T {
	r.mu.Lock()
	r.doc = r.kind.Merge(r.doc, remote, r.self.Other())
	doc := r.doc
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(doc)
	}
	return doc
}

// ApplyRemoteRaw decodes and folds a remote document.
func (r *Replica[T]) ApplyRemoteRaw(raw json.RawMessage) (T, error) {
	remote, err := Decode(raw, r.kind)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.ApplyRemote(remote), nil
}

// Reset installs a stored document wholesale, own fields included. A
// participant resuming after a reload starts from here, otherwise its next
// Local edit would send empty own fields and overwrite what it wrote before.
func (r *Replica[T]) Reset(stored T) T {
	r.mu.Lock()
	r.doc = stored
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(stored)
	}
	return stored
}

// ResetRaw decodes and installs a stored document.
func (r *Replica[T]) ResetRaw(raw json.RawMessage) (T, error) {
	stored, err := Decode(raw, r.kind)
	if err != nil {
		var zero T
		return zero, err
	}
	return r.Reset(stored), nil
}

// Once is an already-fired flag for side effects that must run at most once
// per participant, such as a completion write.
type Once struct {
	fired atomic.Bool
}

// Fire reports true exactly once.
func (o *Once) Fire() bool {
	return o.fired.CompareAndSwap(false, true)
}

func (o *Once) Fired() bool {
	return o.fired.Load()
}

// Guard rejects overlapping calls from the same participant.
type Guard struct {
	busy atomic.Bool
}

// Enter returns a release function when no call is in flight.
func (g *Guard) Enter() (func(), bool) {
	if !g.busy.CompareAndSwap(false, true) {
		return nil, false
	}
	return func() { g.busy.Store(false) }, true
}
