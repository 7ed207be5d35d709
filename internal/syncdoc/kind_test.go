package syncdoc

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
)

type noteDoc struct {
	Notes sessions.Pair[string] `json:"notes"`
	Seen  bool                  `json:"seen"`
}

var noteKind = Kind[noteDoc]{
	Empty: func() noteDoc { return noteDoc{} },
	Merge: func(base, incoming noteDoc, author sessions.Role) noteDoc {
		return noteDoc{
			Notes: OwnedPair(base.Notes, incoming.Notes, author),
			Seen:  Or(base.Seen, incoming.Seen),
		}
	},
	Completed: func(doc noteDoc, _ time.Time) bool {
		return doc.Notes.Both(func(note string) bool { return note != "" })
	},
}

func newNoteRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := Register(registry, "notes", noteKind); err != nil {
		t.Fatalf("register: %v", err)
	}
	return registry
}

func TestRegistryMergeKeepsPartnerFields(t *testing.T) {
	registry := newNoteRegistry(t)

	base, _ := json.Marshal(noteDoc{Notes: sessions.PairOf("from a", "")})
	incoming, _ := json.Marshal(noteDoc{Notes: sessions.PairOf("overwritten by b", "from b")})

	merged, err := registry.Merge("notes", base, incoming, sessions.PartnerB)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	var doc noteDoc
	if err := json.Unmarshal(merged, &doc); err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if doc.Notes.Get(sessions.PartnerA) != "from a" {
		t.Fatalf("expected partner_a note to survive, got %q", doc.Notes.Get(sessions.PartnerA))
	}
	if doc.Notes.Get(sessions.PartnerB) != "from b" {
		t.Fatalf("expected partner_b note to be written, got %q", doc.Notes.Get(sessions.PartnerB))
	}

	complete, err := registry.Completed("notes", merged, time.Now())
	if err != nil || !complete {
		t.Fatalf("expected merged notes to be complete, got %v (%v)", complete, err)
	}
}

func TestRegistryMergeIsIdempotent(t *testing.T) {
	registry := newNoteRegistry(t)
	incoming, _ := json.Marshal(noteDoc{Notes: sessions.PairOf("hi", ""), Seen: true})

	once, err := registry.Merge("notes", nil, incoming, sessions.PartnerA)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	twice, err := registry.Merge("notes", once, incoming, sessions.PartnerA)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if string(once) != string(twice) {
		t.Fatalf("expected idempotent merge, got %s then %s", once, twice)
	}
}

func TestRegistryRejectsUnknownAndDuplicate(t *testing.T) {
	registry := newNoteRegistry(t)
	if _, err := registry.Merge("missing", nil, nil, sessions.PartnerA); !errors.Is(err, ErrUnknownDocument) {
		t.Fatalf("expected ErrUnknownDocument, got %v", err)
	}
	if err := Register(registry, "notes", noteKind); !errors.Is(err, ErrDuplicateKind) {
		t.Fatalf("expected ErrDuplicateKind, got %v", err)
	}
	if _, err := registry.Merge("notes", nil, json.RawMessage(`{"notes":"bad"}`), sessions.PartnerA); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}

func TestMergeHelpers(t *testing.T) {
	if Max(3, 1) != 3 || Max(1, 3) != 3 {
		t.Fatalf("max should keep the larger value")
	}
	early := time.Date(2026, 2, 14, 19, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)
	if got := FirstWriter(&late, &early); !got.Equal(early) {
		t.Fatalf("expected earliest timestamp, got %v", got)
	}
	if got := FirstWriter(nil, &late); got != &late {
		t.Fatalf("expected non-nil timestamp to win over nil")
	}
	progress := MaxMap(map[string]float64{"a": 40}, map[string]float64{"a": 20, "b": 10})
	if progress["a"] != 40 || progress["b"] != 10 {
		t.Fatalf("unexpected max map %v", progress)
	}
	flags := OrMap(map[string]bool{"a": true}, map[string]bool{"a": false, "b": true})
	if !flags["a"] || !flags["b"] {
		t.Fatalf("unexpected or map %v", flags)
	}
	ids := Union([]string{"c", "a"}, []string{"b", "a"})
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" {
		t.Fatalf("unexpected union %v", ids)
	}
}

func TestReplicaAppliesOnlyOwnedFields(t *testing.T) {
	var changes int
	replica := NewReplica(noteKind, sessions.PartnerA, func(noteDoc) { changes++ })

	sent := replica.Local(func(doc noteDoc) noteDoc {
		doc.Notes.Set(sessions.PartnerA, "mine")
		doc.Notes.Set(sessions.PartnerB, "not mine")
		return doc
	})
	if sent.Notes.Theirs(sessions.PartnerA) != "" {
		t.Fatalf("local edit must not write the partner's field, got %q", sent.Notes.Theirs(sessions.PartnerA))
	}

	remote := noteDoc{Notes: sessions.PairOf("stale echo", "theirs"), Seen: true}
	doc := replica.ApplyRemote(remote)
	if doc.Notes.Mine(sessions.PartnerA) != "mine" {
		t.Fatalf("remote echo must not clobber own field, got %q", doc.Notes.Mine(sessions.PartnerA))
	}
	if doc.Notes.Theirs(sessions.PartnerA) != "theirs" || !doc.Seen {
		t.Fatalf("expected partner field and shared flag from remote, got %+v", doc)
	}
	if changes != 2 {
		t.Fatalf("expected 2 change notifications, got %d", changes)
	}

	if _, err := replica.ApplyRemoteRaw(json.RawMessage(`{"notes":["x","again"]}`)); err != nil {
		t.Fatalf("apply raw: %v", err)
	}
	if replica.Doc().Notes.Theirs(sessions.PartnerA) != "again" {
		t.Fatalf("expected raw remote to apply")
	}
}

func TestReplicaResetKeepsOwnStoredFields(t *testing.T) {
	replica := NewReplica(noteKind, sessions.PartnerA, nil)
	if _, err := replica.ResetRaw(json.RawMessage(`{"notes":["written before reload","theirs"],"seen":true}`)); err != nil {
		t.Fatalf("reset raw: %v", err)
	}
	if replica.Doc().Notes.Mine(sessions.PartnerA) != "written before reload" {
		t.Fatalf("expected own stored field after reset, got %+v", replica.Doc())
	}

	sent := replica.Local(func(doc noteDoc) noteDoc {
		doc.Notes.Set(sessions.PartnerA, doc.Notes.Mine(sessions.PartnerA)+", edited")
		return doc
	})
	if sent.Notes.Mine(sessions.PartnerA) != "written before reload, edited" {
		t.Fatalf("expected the edit to build on the stored field, got %q", sent.Notes.Mine(sessions.PartnerA))
	}
	if sent.Notes.Theirs(sessions.PartnerA) != "theirs" || !sent.Seen {
		t.Fatalf("expected partner and shared fields kept, got %+v", sent)
	}

	if _, err := replica.ResetRaw(json.RawMessage(`{"notes":`)); err == nil {
		t.Fatalf("expected a decode error for a truncated document")
	}
}

func TestOnceAndGuard(t *testing.T) {
	var once Once
	if !once.Fire() {
		t.Fatalf("first fire should succeed")
	}
	if once.Fire() || !once.Fired() {
		t.Fatalf("second fire should be refused")
	}

	var guard Guard
	release, ok := guard.Enter()
	if !ok {
		t.Fatalf("expected first enter to succeed")
	}
	if _, again := guard.Enter(); again {
		t.Fatalf("overlapping enter should be refused")
	}
	release()
	if _, ok := guard.Enter(); !ok {
		t.Fatalf("enter after release should succeed")
	}
}
