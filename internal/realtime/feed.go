package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType mirrors the row-level operation that produced a change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

const (
	TableSessions     = "sessions"
	TableRoomProgress = "room_progress"
	TableRooms        = "rooms"
	TableMessages     = "messages"
	TableStars        = "stars"
	TableCapsules     = "capsules"
)

// Topic addresses a stream of row changes: a table filtered by the key column
// (session id for session-scoped tables, room id for week rooms).
type Topic struct {
	Table string
	Key   string
}

func (t Topic) String() string {
	if t.Table == "" || t.Key == "" {
		return ""
	}
	return t.Table + "/" + t.Key
}

// SessionTopics lists every session-scoped topic for the given session id.
func SessionTopics(sessionID string) []Topic {
	tables := []string{TableSessions, TableRoomProgress, TableMessages, TableStars, TableCapsules}
	topics := make([]Topic, 0, len(tables))
	for _, table := range tables {
		topics = append(topics, Topic{Table: table, Key: sessionID})
	}
	return topics
}

// Change is a single row event delivered to subscribers.
type Change struct {
	Topic     Topic           `json:"-"`
	Table     string          `json:"table"`
	EventType EventType       `json:"eventType"`
	New       json.RawMessage `json:"new"`
	Timestamp time.Time       `json:"commit_timestamp"`
}

// NewChange encodes row as the payload of a change event.
func NewChange(topic Topic, eventType EventType, row any, timestamp time.Time) (Change, error) {
	encoded, err := json.Marshal(row)
	if err != nil {
		return Change{}, fmt.Errorf("encode %s row: %w", topic.Table, err)
	}
	return Change{
		Topic:     topic,
		Table:     topic.Table,
		EventType: eventType,
		New:       encoded,
		Timestamp: timestamp.UTC(),
	}, nil
}

// Publisher accepts row changes after the underlying write committed.
type Publisher interface {
	Publish(change Change)
}

// Feed is the in-process change feed.
type Feed struct {
	hub      *hub[Change]
	observer Observer
}

// NewFeed constructs a feed reporting to observer (nil disables reporting).
func NewFeed(observer Observer) *Feed {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Feed{hub: newHub[Change](defaultSubscriberBuffer), observer: observer}
}

// Subscribe registers one stream receiving changes from all of the given topics.
func (f *Feed) Subscribe(ctx context.Context, topics ...Topic) (<-chan Change, func()) {
	keys := make([]string, 0, len(topics))
	for _, topic := range topics {
		keys = append(keys, topic.String())
	}
	return f.hub.subscribe(ctx, keys...)
}

func (f *Feed) Publish(change Change) {
	if change.Topic.String() == "" || change.EventType == "" {
		return
	}
	if change.Table == "" {
		change.Table = change.Topic.Table
	}
	delivered, dropped := f.hub.publish(change.Topic.String(), change)
	f.observer.FeedPublished(change.Table, delivered, dropped)
}

// ParseTables splits a comma-separated table list, keeping only session-scoped tables.
func ParseTables(raw string) []string {
	known := map[string]struct{}{
		TableSessions: {}, TableRoomProgress: {}, TableMessages: {}, TableStars: {}, TableCapsules: {},
	}
	var tables []string
	for _, part := range strings.Split(raw, ",") {
		table := strings.TrimSpace(part)
		if _, ok := known[table]; ok {
			tables = append(tables, table)
		}
	}
	return tables
}
