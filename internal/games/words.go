package games

import (
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
)

// WordsDoc holds the two sealed letters of the words room. Letters freeze
// once revealed.
type WordsDoc struct {
	Letters   sessions.Pair[string] `json:"letters"`
	StartedAt *time.Time            `json:"started_at"`
	Revealed  bool                  `json:"revealed"`
}

// Remaining is the countdown left before the letters reveal. Every client
// computes it from the shared start time and its own wall clock.
func (d WordsDoc) Remaining(window time.Duration, now time.Time) time.Duration {
	if d.StartedAt == nil {
		return window
	}
	left := d.StartedAt.Add(window).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// ShouldReveal reports whether a client observing now must write the reveal.
// Once any client did, later observers have nothing to write.
func (d WordsDoc) ShouldReveal(window time.Duration, now time.Time) bool {
	return !d.Revealed && d.StartedAt != nil && d.Remaining(window, now) == 0
}

func WordsKind() syncdoc.Kind[WordsDoc] {
	return syncdoc.Kind[WordsDoc]{
		Empty: func() WordsDoc { return WordsDoc{} },
		Merge: func(base, incoming WordsDoc, author sessions.Role) WordsDoc {
			merged := WordsDoc{
				Letters:   base.Letters,
				StartedAt: syncdoc.FirstWriter(base.StartedAt, incoming.StartedAt),
				Revealed:  syncdoc.Or(base.Revealed, incoming.Revealed),
			}
			if !base.Revealed {
				merged.Letters = syncdoc.OwnedPair(base.Letters, incoming.Letters, author)
			}
			return merged
		},
		Completed: func(doc WordsDoc, _ time.Time) bool {
			return doc.Revealed
		},
	}
}
