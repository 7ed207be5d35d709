package realtime

// Observer receives delivery statistics from the feed, broadcaster and presence tracker.
type Observer interface {
	FeedPublished(table string, delivered, dropped int)
	BroadcastRelayed(event string, delivered, dropped int)
	PresenceChanged(channel string, members int)
}

// NopObserver discards all statistics.
type NopObserver struct{}

func (NopObserver) FeedPublished(string, int, int)    {}
func (NopObserver) BroadcastRelayed(string, int, int) {}
func (NopObserver) PresenceChanged(string, int)       {}
