package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PresenceKind enumerates presence notifications.
type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

var (
	errMissingRegistry = errors.New("presence registry is required")
	errMissingChannel  = errors.New("presence channel is required")
	errMissingKey      = errors.New("presence key is required")
)

// Member is one tracked connection. Several members may share a key.
type Member struct {
	Ref      string            `json:"ref"`
	Key      string            `json:"key"`
	Meta     map[string]string `json:"meta,omitempty"`
	JoinedAt time.Time         `json:"joined_at"`
}

// PresenceEvent notifies subscribers of membership changes on a channel.
type PresenceEvent struct {
	Channel string       `json:"channel"`
	Kind    PresenceKind `json:"kind"`
	Member  *Member      `json:"member,omitempty"`
	Members []Member     `json:"members"`
}

// Registry stores channel membership.
type Registry interface {
	Add(ctx context.Context, channel string, member Member) error
	Remove(ctx context.Context, channel, ref string) error
	Refresh(ctx context.Context, channel, ref string) error
	List(ctx context.Context, channel string) ([]Member, error)
}

// PresenceConfig wires a Presence tracker.
type PresenceConfig struct {
	Registry  Registry
	Heartbeat time.Duration
	Clock     func() time.Time
	Observer  Observer
	Logger    *zap.Logger
}

// Presence tracks which participants are connected to which channel.
// It is advisory only and never gates writes.
type Presence struct {
	registry  Registry
	events    *hub[PresenceEvent]
	heartbeat time.Duration
	clock     func() time.Time
	observer  Observer
	logger    *zap.Logger
}

func NewPresence(cfg PresenceConfig) (*Presence, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{
		registry:  cfg.Registry,
		events:    newHub[PresenceEvent](defaultSubscriberBuffer),
		heartbeat: cfg.Heartbeat,
		clock:     clock,
		observer:  observer,
		logger:    logger,
	}, nil
}

// Track announces a member under key on channel. The returned leave function
// and ctx cancellation both untrack it; calling leave twice is harmless.
func (p *Presence) Track(ctx context.Context, channel, key string, meta map[string]string) (Member, func(), error) {
	if channel == "" {
		return Member{}, nil, errMissingChannel
	}
	if key == "" {
		return Member{}, nil, errMissingKey
	}
	ref, err := uuid.NewV7()
	if err != nil {
		return Member{}, nil, err
	}
	member := Member{
		Ref:      ref.String(),
		Key:      key,
		Meta:     copyMeta(meta),
		JoinedAt: p.clock().UTC(),
	}
	if err := p.registry.Add(ctx, channel, member); err != nil {
		return Member{}, nil, err
	}
	p.notify(ctx, channel, PresenceJoin, &member)

	trackCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	leave := func() {
		once.Do(func() {
			cancel()
			removeCtx, removeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer removeCancel()
			if err := p.registry.Remove(removeCtx, channel, member.Ref); err != nil {
				p.logger.Warn("presence remove failed",
					zap.String("channel", channel),
					zap.String("ref", member.Ref),
					zap.Error(err))
			}
			p.notify(removeCtx, channel, PresenceLeave, &member)
		})
	}

	go p.keepAlive(trackCtx, channel, member.Ref, leave)
	return member, leave, nil
}

// Subscribe streams presence events for channel.
func (p *Presence) Subscribe(ctx context.Context, channel string) (<-chan PresenceEvent, func()) {
	return p.events.subscribe(ctx, channel)
}

// Snapshot returns the current members of channel ordered by join time.
func (p *Presence) Snapshot(ctx context.Context, channel string) ([]Member, error) {
	members, err := p.registry.List(ctx, channel)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].Ref < members[j].Ref
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

// PartnerOnline reports whether any member carries partnerKey.
func PartnerOnline(members []Member, partnerKey string) bool {
	for _, member := range members {
		if member.Key == partnerKey {
			return true
		}
	}
	return false
}

func (p *Presence) keepAlive(ctx context.Context, channel, ref string, leave func()) {
	if p.heartbeat <= 0 {
		<-ctx.Done()
		leave()
		return
	}
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			leave()
			return
		case <-ticker.C:
			if err := p.registry.Refresh(ctx, channel, ref); err != nil && ctx.Err() == nil {
				p.logger.Warn("presence refresh failed",
					zap.String("channel", channel),
					zap.String("ref", ref),
					zap.Error(err))
			}
		}
	}
}

func (p *Presence) notify(ctx context.Context, channel string, kind PresenceKind, member *Member) {
	members, err := p.Snapshot(ctx, channel)
	if err != nil {
		p.logger.Warn("presence snapshot failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	p.observer.PresenceChanged(channel, len(members))
	p.events.publish(channel, PresenceEvent{Channel: channel, Kind: kind, Member: member, Members: members})
	p.events.publish(channel, PresenceEvent{Channel: channel, Kind: PresenceSync, Members: members})
}

func copyMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for key, value := range meta {
		out[key] = value
	}
	return out
}

// MemoryRegistry keeps membership in process memory.
type MemoryRegistry struct {
	mu       sync.Mutex
	channels map[string]map[string]Member
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{channels: make(map[string]map[string]Member)}
}

func (r *MemoryRegistry) Add(_ context.Context, channel string, member Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channel]; !ok {
		r.channels[channel] = make(map[string]Member)
	}
	r.channels[channel][member.Ref] = member
	return nil
}

func (r *MemoryRegistry) Remove(_ context.Context, channel, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.channels[channel]
	delete(members, ref)
	if len(members) == 0 {
		delete(r.channels, channel)
	}
	return nil
}

func (r *MemoryRegistry) Refresh(context.Context, string, string) error {
	return nil
}

func (r *MemoryRegistry) List(_ context.Context, channel string) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]Member, 0, len(r.channels[channel]))
	for _, member := range r.channels[channel] {
		members = append(members, member)
	}
	return members, nil
}
