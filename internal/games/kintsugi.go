package games

import (
	"fmt"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
)

// KintsugiEvent is the broadcast event carrying KintsugiState.
const KintsugiEvent = "kintsugi_state"

// KintsugiState is broadcast on every change; it is never persisted.
type KintsugiState struct {
	Sender        sessions.Role                 `json:"sender"`
	SelectedCrack string                        `json:"selected_crack,omitempty"`
	Cursors       sessions.Pair[*syncdoc.Point] `json:"cursors"`
	Holding       sessions.Pair[bool]           `json:"holding"`
	Progress      map[string]float64            `json:"progress"`
	Completed     map[string]bool               `json:"completed"`
}

// MergeKintsugi folds a received payload into the local state. The sender's
// cursor and holding flag are taken; progress and completion only grow.
func MergeKintsugi(local, received KintsugiState) KintsugiState {
	author := received.Sender
	merged := KintsugiState{
		Sender:        local.Sender,
		SelectedCrack: local.SelectedCrack,
		Cursors:       syncdoc.OwnedPair(local.Cursors, received.Cursors, author),
		Holding:       syncdoc.OwnedPair(local.Holding, received.Holding, author),
		Progress:      syncdoc.MaxMap(local.Progress, received.Progress),
		Completed:     syncdoc.OrMap(local.Completed, received.Completed),
	}
	if received.SelectedCrack != "" {
		merged.SelectedCrack = received.SelectedCrack
	}
	return merged
}

// Kintsugi steps the repair of the selected crack.
type Kintsugi struct {
	cracks  []catalog.Crack
	tracers map[string]syncdoc.Tracer
}

func NewKintsugi(cat *catalog.Catalog) (*Kintsugi, error) {
	tracers := make(map[string]syncdoc.Tracer, len(cat.Kintsugi.Cracks))
	for _, crack := range cat.Kintsugi.Cracks {
		path, err := syncdoc.ParsePath(crack.Path)
		if err != nil {
			return nil, fmt.Errorf("crack %s: %w", crack.ID, err)
		}
		tracers[crack.ID] = syncdoc.Tracer{
			Path:   path,
			Radius: cat.Kintsugi.TargetRadius,
			Rate:   cat.Kintsugi.RepairRatePerSecond,
		}
	}
	return &Kintsugi{cracks: cat.Kintsugi.Cracks, tracers: tracers}, nil
}

// NewState returns a zeroed state for sender.
func (k *Kintsugi) NewState(sender sessions.Role) KintsugiState {
	state := KintsugiState{
		Sender:    sender,
		Progress:  make(map[string]float64, len(k.cracks)),
		Completed: make(map[string]bool, len(k.cracks)),
	}
	for _, crack := range k.cracks {
		state.Progress[crack.ID] = 0
		state.Completed[crack.ID] = false
	}
	return state
}

// Select picks a crack to repair; unknown or already repaired cracks are ignored.
func (k *Kintsugi) Select(state KintsugiState, crackID string) (KintsugiState, bool) {
	if _, ok := k.tracers[crackID]; !ok || state.Completed[crackID] {
		return state, false
	}
	state.SelectedCrack = crackID
	return state, true
}

// Target is the point both partners have to hold on the selected crack.
func (k *Kintsugi) Target(state KintsugiState) (syncdoc.Point, bool) {
	tracer, ok := k.tracers[state.SelectedCrack]
	if !ok {
		return syncdoc.Point{}, false
	}
	return tracer.Target(k.tracing(state)), true
}

// Step advances the selected crack and reports whether it just completed.
func (k *Kintsugi) Step(state KintsugiState, elapsed time.Duration) (KintsugiState, bool) {
	tracer, ok := k.tracers[state.SelectedCrack]
	if !ok || state.Completed[state.SelectedCrack] {
		return state, false
	}
	next := tracer.Step(k.tracing(state), elapsed)
	state.Progress = syncdoc.MaxMap(state.Progress, map[string]float64{state.SelectedCrack: next.Progress})
	if !next.Finished() {
		return state, false
	}
	state.Completed = syncdoc.OrMap(state.Completed, map[string]bool{state.SelectedCrack: true})
	return state, true
}

// AllRepaired reports whether every catalog crack is complete.
func (k *Kintsugi) AllRepaired(state KintsugiState) bool {
	for _, crack := range k.cracks {
		if !state.Completed[crack.ID] {
			return false
		}
	}
	return true
}

// Overall is the mean repair progress across cracks, 0..100.
func (k *Kintsugi) Overall(state KintsugiState) float64 {
	if len(k.cracks) == 0 {
		return 0
	}
	var total float64
	for _, crack := range k.cracks {
		total += math.Min(syncdoc.MaxProgress, state.Progress[crack.ID])
	}
	return total / float64(len(k.cracks))
}

func (k *Kintsugi) tracing(state KintsugiState) syncdoc.TracingState {
	return syncdoc.TracingState{
		Progress: state.Progress[state.SelectedCrack],
		Cursors:  state.Cursors,
		Holding:  state.Holding,
	}
}
