package realtime

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMemoryPresence(t *testing.T) *Presence {
	t.Helper()
	presence, err := NewPresence(PresenceConfig{Registry: NewMemoryRegistry()})
	if err != nil {
		t.Fatalf("failed to construct presence: %v", err)
	}
	return presence
}

func waitForEvent(t *testing.T, stream <-chan PresenceEvent, kind PresenceKind) PresenceEvent {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case event := <-stream:
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestPresenceTrackAndLeave(t *testing.T) {
	presence := newMemoryPresence(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := ChannelName("session-1", "week")
	events, cleanup := presence.Subscribe(ctx, channel)
	defer cleanup()

	_, leaveA, err := presence.Track(ctx, channel, "partner_a", map[string]string{"name": "Ada"})
	if err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	join := waitForEvent(t, events, PresenceJoin)
	if join.Member == nil || join.Member.Key != "partner_a" || join.Member.Meta["name"] != "Ada" {
		t.Fatalf("unexpected join event %#v", join)
	}

	members, err := presence.Snapshot(ctx, channel)
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if PartnerOnline(members, "partner_b") {
		t.Fatalf("did not expect partner_b online")
	}

	_, leaveB, err := presence.Track(ctx, channel, "partner_b", map[string]string{"name": "Grace"})
	if err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	sync := waitForEvent(t, events, PresenceSync)
	for len(sync.Members) < 2 {
		sync = waitForEvent(t, events, PresenceSync)
	}
	if !PartnerOnline(sync.Members, "partner_a") || !PartnerOnline(sync.Members, "partner_b") {
		t.Fatalf("expected both partners online, got %#v", sync.Members)
	}

	leaveB()
	leaveB()
	leave := waitForEvent(t, events, PresenceLeave)
	if leave.Member == nil || leave.Member.Key != "partner_b" {
		t.Fatalf("unexpected leave event %#v", leave)
	}
	if PartnerOnline(leave.Members, "partner_b") {
		t.Fatalf("expected partner_b offline after leave")
	}
	leaveA()
}

func TestPresenceLeavesWhenContextEnds(t *testing.T) {
	presence := newMemoryPresence(t)
	channel := ChannelName("session-1", "week")

	trackCtx, trackCancel := context.WithCancel(context.Background())
	if _, _, err := presence.Track(trackCtx, channel, "partner_a", nil); err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	trackCancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		members, err := presence.Snapshot(context.Background(), channel)
		if err != nil {
			t.Fatalf("unexpected snapshot error: %v", err)
		}
		if len(members) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected member to leave after context cancellation")
}

func TestPresenceRejectsMissingKey(t *testing.T) {
	presence := newMemoryPresence(t)
	if _, _, err := presence.Track(context.Background(), "session-1:week", "", nil); err == nil {
		t.Fatalf("expected error for missing key")
	}
}

func TestRedisRegistryExpiresStaleMembers(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()

	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer rdb.Close()

	now := time.Date(2026, 2, 14, 20, 0, 0, 0, time.UTC)
	registry, err := NewRedisRegistry(rdb, 30*time.Second, func() time.Time { return now })
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	ctx := context.Background()
	channel := "session-1:week"

	if err := registry.Add(ctx, channel, Member{Ref: "ref-a", Key: "partner_a", JoinedAt: now}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	if err := registry.Add(ctx, channel, Member{Ref: "ref-b", Key: "partner_b", JoinedAt: now}); err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}

	now = now.Add(20 * time.Second)
	if err := registry.Refresh(ctx, channel, "ref-a"); err != nil {
		t.Fatalf("unexpected refresh error: %v", err)
	}

	now = now.Add(15 * time.Second)
	members, err := registry.List(ctx, channel)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(members) != 1 || members[0].Key != "partner_a" {
		t.Fatalf("expected only the refreshed member, got %#v", members)
	}

	if err := registry.Remove(ctx, channel, "ref-a"); err != nil {
		t.Fatalf("unexpected remove error: %v", err)
	}
	members, err = registry.List(ctx, channel)
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected empty channel, got %#v", members)
	}
}

func TestPresenceOverRedisRegistry(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer server.Close()
	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer rdb.Close()

	registry, err := NewRedisRegistry(rdb, 3*time.Second, nil)
	if err != nil {
		t.Fatalf("unexpected registry error: %v", err)
	}
	presence, err := NewPresence(PresenceConfig{Registry: registry, Heartbeat: registry.HeartbeatInterval()})
	if err != nil {
		t.Fatalf("failed to construct presence: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, leave, err := presence.Track(ctx, "session-2:week", "partner_b", map[string]string{"name": "Grace"})
	if err != nil {
		t.Fatalf("unexpected track error: %v", err)
	}
	defer leave()

	members, err := presence.Snapshot(ctx, "session-2:week")
	if err != nil {
		t.Fatalf("unexpected snapshot error: %v", err)
	}
	if !PartnerOnline(members, "partner_b") || members[0].Meta["name"] != "Grace" {
		t.Fatalf("unexpected members %#v", members)
	}
}
