package client

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
)

func TestSessionFollowerPollsUntilPartnerJoins(t *testing.T) {
	c, _ := newBackend(t)
	ctx := context.Background()
	hostSeat, err := c.CreateSession(ctx, "Ada")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	host := c.Participant(hostSeat)

	updates := make(chan sessions.Session, 8)
	follower := host.FollowSession(func(session sessions.Session) { updates <- session }, 20*time.Millisecond)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- follower.Run(runCtx) }()

	if _, err := c.JoinSession(ctx, hostSeat.Session.RoomCode, "Grace"); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	for {
		session := waitFor(t, updates, "polled session")
		if session.HasPartner() {
			break
		}
	}
	cancel()
	if err := waitFor(t, done, "follower exit"); err == nil {
		t.Fatalf("expected the follower to report the cancellation")
	}
	if !follower.Current().HasPartner() {
		t.Fatalf("expected the partner in the current snapshot")
	}
}

func sessionChange(t *testing.T, session sessions.Session) realtime.Change {
	t.Helper()
	change, err := realtime.NewChange(realtime.Topic{Table: realtime.TableSessions, Key: session.ID}, realtime.EventUpdate, session, time.Now())
	if err != nil {
		t.Fatalf("failed to build change: %v", err)
	}
	return change
}

func TestSessionFollowerHandleChangeFiltersAndKeepsLatest(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	participant := c.Participant(Seat{Session: sessions.Session{ID: "s-1", CurrentPhase: sessions.PhaseWaiting}})
	follower := participant.FollowSession(nil, 0)

	follower.HandleChange(sessionChange(t, sessions.Session{ID: "s-2", CurrentPhase: sessions.PhaseDoor}))
	follower.HandleChange(realtime.Change{Table: realtime.TableStars, New: []byte(`{}`)})
	if len(follower.push) != 0 {
		t.Fatalf("expected foreign and non-session changes to be ignored")
	}

	for i := 0; i < pushBuffer+3; i++ {
		follower.HandleChange(sessionChange(t, sessions.Session{ID: "s-1", CurrentPhase: sessions.PhaseDoor, LoveMeter: i}))
	}
	if len(follower.push) != pushBuffer {
		t.Fatalf("expected a full buffer, got %d", len(follower.push))
	}
	var last sessions.Session
	for len(follower.push) > 0 {
		last = <-follower.push
	}
	if last.LoveMeter != pushBuffer+2 {
		t.Fatalf("expected the newest snapshot to survive, got love %d", last.LoveMeter)
	}
}

func TestProgressFollowerIgnoresDocumentsAndReplays(t *testing.T) {
	c, err := New("http://127.0.0.1:1")
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	calls := 0
	follower := c.Participant(Seat{Session: sessions.Session{ID: "s-1"}}).FollowProgress(func([]sessions.Phase) { calls++ })

	entryChange := func(entry progress.Entry) realtime.Change {
		change, err := realtime.NewChange(realtime.Topic{Table: realtime.TableRoomProgress, Key: "s-1"}, realtime.EventInsert, entry, time.Now())
		if err != nil {
			t.Fatalf("failed to build change: %v", err)
		}
		return change
	}

	follower.HandleChange(entryChange(progress.Entry{SessionID: "s-1", RoomName: "door", Completed: true}))
	follower.HandleChange(entryChange(progress.Entry{SessionID: "s-1", RoomName: "kintsugi", Completed: false}))
	follower.HandleChange(entryChange(progress.Entry{SessionID: "s-1", RoomName: "library", Completed: true}))
	follower.HandleChange(entryChange(progress.Entry{SessionID: "s-1", RoomName: "library", Completed: true}))

	if calls != 1 {
		t.Fatalf("expected exactly one notification, got %d", calls)
	}
	completed := follower.Completed()
	if len(completed) != 1 || completed[0] != sessions.PhaseLibrary {
		t.Fatalf("unexpected completed rooms %v", completed)
	}
}
