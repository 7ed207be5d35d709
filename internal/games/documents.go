// Package games defines the synchronized documents of each room and the
// completion rule of each, tuned by the content catalog.
package games

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
)

const (
	DocDoor        = "door"
	DocWordsLetter = "words_letter"

	FirstDay = 0
	LastDay  = 7
)

// BedroomDay names the document of a week day.
func BedroomDay(day int) string {
	return fmt.Sprintf("bedroom_day_%d", day)
}

// ValidDay reports whether day is within the week.
func ValidDay(day int) bool {
	return day >= FirstDay && day <= LastDay
}

type DoorDoc struct {
	Inputs sessions.Pair[string] `json:"inputs"`
}

type RosesDoc struct {
	Notes sessions.Pair[[]string] `json:"notes"`
}

type ProposalDoc struct {
	Question string `json:"question"`
	Revealed bool   `json:"revealed"`
	Accepted bool   `json:"accepted"`
}

type ChocolateDoc struct {
	DarkMemory string                `json:"dark_memory"`
	MilkMemory string                `json:"milk_memory"`
	Dates      sessions.Pair[string] `json:"dates"`
	Matched    bool                  `json:"matched"`
}

type TeddyDoc struct {
	syncdoc.TracingState
}

type PromiseDoc struct {
	Hands    sessions.Pair[float64] `json:"hands"`
	Promises sessions.Pair[string]  `json:"promises"`
	Locked   bool                   `json:"locked"`
}

type HugDoc struct {
	ShownAt *time.Time `json:"shown_at"`
	Done    bool       `json:"done"`
}

type KissDoc struct {
	Cameras sessions.Pair[bool] `json:"cameras"`
	Kisses  sessions.Pair[bool] `json:"kisses"`
}

type FinaleDoc struct {
	Finished bool `json:"finished"`
}

// NewRegistry registers every persisted document kind.
func NewRegistry(cat *catalog.Catalog) (*syncdoc.Registry, error) {
	registry := syncdoc.NewRegistry()
	registrations := []func() error{
		func() error { return syncdoc.Register(registry, DocDoor, DoorKind(cat.Door.Key)) },
		func() error { return syncdoc.Register(registry, BedroomDay(0), RosesKind(cat.Week.RoseNotesPerPartner)) },
		func() error { return syncdoc.Register(registry, BedroomDay(1), ProposalKind()) },
		func() error { return syncdoc.Register(registry, BedroomDay(2), ChocolateKind(cat)) },
		func() error { return syncdoc.Register(registry, BedroomDay(3), TeddyKind()) },
		func() error { return syncdoc.Register(registry, BedroomDay(4), PromiseKind(cat.Week.Promise)) },
		func() error { return syncdoc.Register(registry, BedroomDay(5), HugKind(cat.Week.HugDuration)) },
		func() error { return syncdoc.Register(registry, BedroomDay(6), KissKind()) },
		func() error { return syncdoc.Register(registry, BedroomDay(7), FinaleKind()) },
		func() error { return syncdoc.Register(registry, DocWordsLetter, WordsKind()) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// DoorMatches reports whether an answer equals the door key, ignoring case and surrounding space.
func DoorMatches(key, answer string) bool {
	return strings.EqualFold(strings.TrimSpace(key), strings.TrimSpace(answer))
}

func DoorKind(key string) syncdoc.Kind[DoorDoc] {
	return syncdoc.Kind[DoorDoc]{
		Empty: func() DoorDoc { return DoorDoc{} },
		Merge: func(base, incoming DoorDoc, author sessions.Role) DoorDoc {
			return DoorDoc{Inputs: syncdoc.OwnedPair(base.Inputs, incoming.Inputs, author)}
		},
		Completed: func(doc DoorDoc, _ time.Time) bool {
			return doc.Inputs.Both(func(input string) bool { return DoorMatches(key, input) })
		},
	}
}

func RosesKind(perPartner int) syncdoc.Kind[RosesDoc] {
	return syncdoc.Kind[RosesDoc]{
		Empty: func() RosesDoc { return RosesDoc{Notes: sessions.PairOf([]string{}, []string{})} },
		Merge: func(base, incoming RosesDoc, author sessions.Role) RosesDoc {
			merged := RosesDoc{Notes: syncdoc.OwnedPair(base.Notes, incoming.Notes, author)}
			for _, role := range []sessions.Role{sessions.PartnerA, sessions.PartnerB} {
				if merged.Notes.Get(role) == nil {
					merged.Notes.Set(role, []string{})
				}
			}
			return merged
		},
		Completed: func(doc RosesDoc, _ time.Time) bool {
			return doc.Notes.Both(func(notes []string) bool { return len(notes) >= perPartner })
		},
	}
}

// The proposal is written by partner_a and revealed and accepted by partner_b.
func ProposalKind() syncdoc.Kind[ProposalDoc] {
	return syncdoc.Kind[ProposalDoc]{
		Empty: func() ProposalDoc { return ProposalDoc{} },
		Merge: func(base, incoming ProposalDoc, author sessions.Role) ProposalDoc {
			merged := base
			merged.Question = syncdoc.Owned(sessions.PartnerA, author, base.Question, incoming.Question)
			if author == sessions.PartnerB {
				merged.Revealed = syncdoc.Or(base.Revealed, incoming.Revealed)
				merged.Accepted = syncdoc.Or(base.Accepted, incoming.Accepted)
			}
			return merged
		},
		Completed: func(doc ProposalDoc, _ time.Time) bool {
			return doc.Accepted
		},
	}
}

func ChocolateKind(cat *catalog.Catalog) syncdoc.Kind[ChocolateDoc] {
	return syncdoc.Kind[ChocolateDoc]{
		Empty: func() ChocolateDoc { return ChocolateDoc{} },
		Merge: func(base, incoming ChocolateDoc, author sessions.Role) ChocolateDoc {
			merged := ChocolateDoc{
				DarkMemory: syncdoc.Owned(sessions.PartnerA, author, base.DarkMemory, incoming.DarkMemory),
				MilkMemory: syncdoc.Owned(sessions.PartnerB, author, base.MilkMemory, incoming.MilkMemory),
				Dates:      syncdoc.OwnedPair(base.Dates, incoming.Dates, author),
			}
			dateA, dateB := merged.Dates.Get(sessions.PartnerA), merged.Dates.Get(sessions.PartnerB)
			merged.Matched = strings.TrimSpace(merged.DarkMemory) != "" &&
				strings.TrimSpace(merged.MilkMemory) != "" &&
				dateA != "" && dateA == dateB && cat.IsChocolateDate(dateA)
			return merged
		},
		Completed: func(doc ChocolateDoc, _ time.Time) bool {
			return doc.Matched
		},
	}
}

// TeddyTracer drives the day 3 stitch along the catalog path.
func TeddyTracer(cat *catalog.Catalog) (syncdoc.Tracer, error) {
	path, err := syncdoc.ParsePath(cat.Week.Teddy.Path)
	if err != nil {
		return syncdoc.Tracer{}, fmt.Errorf("teddy path: %w", err)
	}
	return syncdoc.Tracer{
		Path:   path,
		Radius: cat.Week.Teddy.TargetRadius,
		Rate:   cat.Week.Teddy.RepairRatePerSecond,
	}, nil
}

func TeddyKind() syncdoc.Kind[TeddyDoc] {
	return syncdoc.Kind[TeddyDoc]{
		Empty: func() TeddyDoc { return TeddyDoc{} },
		Merge: func(base, incoming TeddyDoc, author sessions.Role) TeddyDoc {
			return TeddyDoc{TracingState: syncdoc.MergeTracing(base.TracingState, incoming.TracingState, author)}
		},
		Completed: func(doc TeddyDoc, _ time.Time) bool {
			return doc.Finished()
		},
	}
}

// PromiseLocked reports whether both hands meet near the center.
func PromiseLocked(tuning catalog.PromiseContent, hands sessions.Pair[float64]) bool {
	a, b := hands.Get(sessions.PartnerA), hands.Get(sessions.PartnerB)
	return abs(a-b) <= tuning.LockDistance && abs((a+b)/2) <= tuning.LockCenter
}

func PromiseKind(tuning catalog.PromiseContent) syncdoc.Kind[PromiseDoc] {
	clampHand := func(value float64) float64 {
		return min(tuning.HandMax, max(tuning.HandMin, value))
	}
	return syncdoc.Kind[PromiseDoc]{
		Empty: func() PromiseDoc {
			return PromiseDoc{Hands: sessions.PairOf(tuning.HandADefault, tuning.HandBDefault), Promises: sessions.PairOf("", "")}
		},
		Merge: func(base, incoming PromiseDoc, author sessions.Role) PromiseDoc {
			merged := PromiseDoc{
				Hands:    syncdoc.OwnedPair(base.Hands, incoming.Hands, author),
				Promises: syncdoc.OwnedPair(base.Promises, incoming.Promises, author),
			}
			merged.Hands.Set(author, clampHand(merged.Hands.Get(author)))
			merged.Locked = syncdoc.Or(base.Locked, PromiseLocked(tuning, merged.Hands))
			return merged
		},
		Completed: func(doc PromiseDoc, _ time.Time) bool {
			return doc.Locked && doc.Promises.Both(func(promise string) bool { return strings.TrimSpace(promise) != "" })
		},
	}
}

// HugElapsed reports whether the hug has been shown for at least duration.
func HugElapsed(doc HugDoc, duration time.Duration, now time.Time) bool {
	return doc.ShownAt != nil && now.Sub(*doc.ShownAt) >= duration
}

func HugKind(duration time.Duration) syncdoc.Kind[HugDoc] {
	return syncdoc.Kind[HugDoc]{
		Empty: func() HugDoc { return HugDoc{} },
		Merge: func(base, incoming HugDoc, _ sessions.Role) HugDoc {
			return HugDoc{
				ShownAt: syncdoc.FirstWriter(base.ShownAt, incoming.ShownAt),
				Done:    syncdoc.Or(base.Done, incoming.Done),
			}
		},
		Completed: func(doc HugDoc, now time.Time) bool {
			return doc.Done && HugElapsed(doc, duration, now)
		},
	}
}

func KissKind() syncdoc.Kind[KissDoc] {
	return syncdoc.Kind[KissDoc]{
		Empty: func() KissDoc { return KissDoc{} },
		Merge: func(base, incoming KissDoc, author sessions.Role) KissDoc {
			merged := KissDoc{
				Cameras: syncdoc.OwnedPair(base.Cameras, incoming.Cameras, author),
				Kisses:  syncdoc.OwnedPair(base.Kisses, incoming.Kisses, author),
			}
			merged.Kisses.Set(author, syncdoc.Or(base.Kisses.Get(author), merged.Kisses.Get(author)))
			return merged
		},
		Completed: func(doc KissDoc, _ time.Time) bool {
			return doc.Kisses.Both(func(kissed bool) bool { return kissed })
		},
	}
}

func FinaleKind() syncdoc.Kind[FinaleDoc] {
	return syncdoc.Kind[FinaleDoc]{
		Empty: func() FinaleDoc { return FinaleDoc{} },
		Merge: func(base, incoming FinaleDoc, _ sessions.Role) FinaleDoc {
			return FinaleDoc{Finished: syncdoc.Or(base.Finished, incoming.Finished)}
		},
		Completed: func(doc FinaleDoc, _ time.Time) bool {
			return doc.Finished
		},
	}
}

func abs(value float64) float64 {
	if value < 0 {
		return -value
	}
	return value
}
