package games

import (
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/catalog"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
)

func TestKintsugiRepairRequiresBothPartners(t *testing.T) {
	cat := catalog.MustDefault()
	board, err := NewKintsugi(cat)
	if err != nil {
		t.Fatalf("failed to build kintsugi: %v", err)
	}
	crack := cat.Kintsugi.Cracks[0]

	state := board.NewState(sessions.PartnerA)
	state, ok := board.Select(state, crack.ID)
	if !ok {
		t.Fatalf("expected crack %s to be selectable", crack.ID)
	}
	if _, ok := board.Select(state, "no-such-crack"); ok {
		t.Fatalf("unknown crack must not be selectable")
	}

	target, ok := board.Target(state)
	if !ok {
		t.Fatalf("expected a target for the selected crack")
	}
	state.Cursors = sessions.PairOf(&target, &target)
	state.Holding = sessions.PairOf(true, false)
	state, _ = board.Step(state, time.Second)
	if state.Progress[crack.ID] != 0 {
		t.Fatalf("one holder must not repair, got %v", state.Progress[crack.ID])
	}

	state.Holding = sessions.PairOf(true, true)
	state, done := board.Step(state, time.Second)
	if done || state.Progress[crack.ID] != cat.Kintsugi.RepairRatePerSecond {
		t.Fatalf("expected %v progress after one second, got %v", cat.Kintsugi.RepairRatePerSecond, state.Progress[crack.ID])
	}

	state.Progress[crack.ID] = 99.5
	target, _ = board.Target(state)
	state.Cursors = sessions.PairOf(&target, &target)
	state, done = board.Step(state, time.Second)
	if !done || !state.Completed[crack.ID] {
		t.Fatalf("crack should complete at 100, got %v", state.Progress[crack.ID])
	}
	if board.AllRepaired(state) {
		t.Fatalf("other cracks are still broken")
	}
}

func TestMergeKintsugiTakesSenderFieldsOnly(t *testing.T) {
	board, err := NewKintsugi(catalog.MustDefault())
	if err != nil {
		t.Fatalf("failed to build kintsugi: %v", err)
	}
	mine := &syncdoc.Point{X: 1, Y: 1}
	theirs := &syncdoc.Point{X: 9, Y: 9}

	local := board.NewState(sessions.PartnerA)
	local.Cursors.Set(sessions.PartnerA, mine)
	local.Progress["silence"] = 60
	local.Completed["long-nights"] = true

	received := board.NewState(sessions.PartnerB)
	received.SelectedCrack = "silence"
	received.Cursors = sessions.PairOf(theirs, theirs)
	received.Holding.Set(sessions.PartnerB, true)
	received.Progress["silence"] = 40
	received.Progress["missed-dates"] = 20

	merged := MergeKintsugi(local, received)
	if merged.Sender != sessions.PartnerA {
		t.Fatalf("merged state must stay ours")
	}
	if merged.Cursors.Get(sessions.PartnerA) != mine || merged.Cursors.Get(sessions.PartnerB) != theirs {
		t.Fatalf("unexpected cursors after merge")
	}
	if !merged.Holding.Get(sessions.PartnerB) || merged.Holding.Get(sessions.PartnerA) {
		t.Fatalf("unexpected holding flags %+v", merged.Holding)
	}
	if merged.Progress["silence"] != 60 || merged.Progress["missed-dates"] != 20 {
		t.Fatalf("progress must join by max, got %v", merged.Progress)
	}
	if !merged.Completed["long-nights"] || merged.SelectedCrack != "silence" {
		t.Fatalf("unexpected merged state %+v", merged)
	}
	if overall := board.Overall(merged); overall != 80.0/3 {
		t.Fatalf("unexpected overall progress %v", overall)
	}
}

func TestTeddyTracerUsesCatalogTuning(t *testing.T) {
	cat := catalog.MustDefault()
	tracer, err := TeddyTracer(cat)
	if err != nil {
		t.Fatalf("teddy tracer: %v", err)
	}
	if tracer.Rate != 30 || tracer.Radius != 20 || tracer.Path.Length() <= 0 {
		t.Fatalf("unexpected teddy tracer %+v", tracer)
	}
}
