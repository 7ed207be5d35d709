package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/gin-gonic/gin"
)

const (
	realtimeEventChange    = "change"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "datenight-backend"
)

var errForeignRoom = errors.New("week room belongs to another session")

// subscriptionTopics resolves the topics a stream listens to: the session
// tables named by ?tables= (all of them by default) plus the week room from ?room=.
func (h *httpHandler) subscriptionTopics(ctx context.Context, c *gin.Context) ([]realtime.Topic, error) {
	sessionID := c.Param("id")
	topics := realtime.SessionTopics(sessionID)
	if raw := c.Query("tables"); raw != "" {
		tables := realtime.ParseTables(raw)
		topics = make([]realtime.Topic, 0, len(tables))
		for _, table := range tables {
			topics = append(topics, realtime.Topic{Table: table, Key: sessionID})
		}
	}

	roomID := c.Query("room")
	if roomID == "" {
		return topics, nil
	}
	room, err := h.week.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	session, err := h.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if room.RoomCode != session.RoomCode {
		return nil, errForeignRoom
	}
	return append(topics, realtime.Topic{Table: realtime.TableRooms, Key: room.ID}), nil
}

func (h *httpHandler) respondTopicError(c *gin.Context, err error) {
	if errors.Is(err, errForeignRoom) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	h.respondError(c, err)
}

// handleStream serves the change feed as server-sent events.
func (h *httpHandler) handleStream(c *gin.Context) {
	ctx := c.Request.Context()
	topics, err := h.subscriptionTopics(ctx, c)
	if err != nil {
		h.respondTopicError(c, err)
		return
	}
	if len(topics) == 0 {
		badRequest(c)
		return
	}

	changes, unsubscribe := h.feed.Subscribe(ctx, topics...)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			c.SSEvent(realtimeEventChange, change)
			c.Writer.Flush()
		case now := <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{
				"source":    realtimeSourceBackend,
				"timestamp": now.UTC(),
			})
			c.Writer.Flush()
		}
	}
}
