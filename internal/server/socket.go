package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/auth"
	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame types exchanged on the session socket.
const (
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
	FrameBroadcast = "broadcast"

	FrameChange        = "change"
	FramePresenceSync  = "presence_sync"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameError         = "error"

	defaultSocketChannel = "room"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = socketPongWait * 9 / 10
	socketReadLimit  = 64 << 10
	socketReplyQueue = 8
)

// Frame is one JSON message on the socket. Clients send track, untrack and
// broadcast frames; the server sends the rest.
type Frame struct {
	Type    string            `json:"type"`
	Event   string            `json:"event,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Change  *realtime.Change  `json:"change,omitempty"`
	Member  *realtime.Member  `json:"member,omitempty"`
	Members []realtime.Member `json:"members,omitempty"`
	Error   string            `json:"error,omitempty"`
}

func presenceFrame(event realtime.PresenceEvent) Frame {
	frameType := FramePresenceSync
	switch event.Kind {
	case realtime.PresenceJoin:
		frameType = FramePresenceJoin
	case realtime.PresenceLeave:
		frameType = FramePresenceLeave
	}
	members := event.Members
	if members == nil {
		members = []realtime.Member{}
	}
	return Frame{Type: frameType, Member: event.Member, Members: members}
}

func (h *httpHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.originAllowed,
	}
}

func (h *httpHandler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	parsed, err := url.Parse(origin)
	return err == nil && strings.EqualFold(parsed.Host, r.Host)
}

// socketSession is one participant connection on one logical channel.
type socketSession struct {
	handler     *httpHandler
	conn        *websocket.Conn
	participant auth.Participant
	channel     string
	ref         string
	replies     chan Frame
	leave       func()
	logger      *zap.Logger
}

// handleSocket multiplexes the change feed, channel broadcasts and presence
// over one websocket. The read pump runs on the request goroutine and the
// write pump owns every write to the connection.
func (h *httpHandler) handleSocket(c *gin.Context) {
	participant := participantFrom(c)
	channelName := strings.TrimSpace(c.DefaultQuery("channel", defaultSocketChannel))
	channel := realtime.ChannelName(participant.SessionID, channelName)
	if channel == "" {
		badRequest(c)
		return
	}

	topics, err := h.subscriptionTopics(c.Request.Context(), c)
	if err != nil {
		h.respondTopicError(c, err)
		return
	}

	ref, err := uuid.NewV7()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "socket_unavailable"})
		return
	}

	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	session := &socketSession{
		handler:     h,
		conn:        conn,
		participant: participant,
		channel:     channel,
		ref:         ref.String(),
		replies:     make(chan Frame, socketReplyQueue),
		logger: h.logger.With(
			zap.String("session_id", participant.SessionID),
			zap.String("role", participant.Role.String()),
			zap.String("channel", channel)),
	}

	changes, unsubscribeFeed := h.feed.Subscribe(ctx, topics...)
	defer unsubscribeFeed()
	broadcasts, unsubscribeBroadcasts := h.broadcaster.Subscribe(ctx, channel)
	defer unsubscribeBroadcasts()
	presenceEvents, unsubscribePresence := h.presence.Subscribe(ctx, channel)
	defer unsubscribePresence()

	if members, err := h.presence.Snapshot(ctx, channel); err == nil {
		session.reply(presenceFrame(realtime.PresenceEvent{Channel: channel, Kind: realtime.PresenceSync, Members: members}))
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.writePump(ctx, changes, broadcasts, presenceEvents)
		cancel()
		_ = conn.Close()
	}()

	session.readPump(ctx)
	session.untrack()
	cancel()
	<-done
}

func (s *socketSession) reply(frame Frame) {
	select {
	case s.replies <- frame:
	default:
		s.logger.Debug("socket reply dropped", zap.String("type", frame.Type))
	}
}

func (s *socketSession) readPump(ctx context.Context) {
	s.conn.SetReadLimit(socketReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		var frame Frame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("socket closed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		switch frame.Type {
		case FrameTrack:
			s.track(ctx, frame.Payload)
		case FrameUntrack:
			s.untrack()
		case FrameBroadcast:
			if strings.TrimSpace(frame.Event) == "" {
				s.reply(Frame{Type: FrameError, Error: "broadcast event required"})
				continue
			}
			s.handler.broadcaster.Send(realtime.BroadcastMessage{
				Channel:   s.channel,
				Event:     frame.Event,
				Payload:   frame.Payload,
				SenderRef: s.ref,
			})
		default:
			s.reply(Frame{Type: FrameError, Error: "unknown frame type"})
		}
	}
}

// track announces the participant under its role. Re-tracking replaces the
// previous entry so a reconnecting client never shows up twice.
func (s *socketSession) track(ctx context.Context, payload json.RawMessage) {
	meta := map[string]string{}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &meta); err != nil {
			s.reply(Frame{Type: FrameError, Error: "track payload must be an object of strings"})
			return
		}
	}
	meta["name"] = s.participant.Name

	s.untrack()
	_, leave, err := s.handler.presence.Track(ctx, s.channel, s.participant.Role.String(), meta)
	if err != nil {
		s.logger.Warn("presence track failed", zap.Error(err))
		s.reply(Frame{Type: FrameError, Error: "track failed"})
		return
	}
	s.leave = leave
}

func (s *socketSession) untrack() {
	if s.leave != nil {
		s.leave()
		s.leave = nil
	}
}

func (s *socketSession) writePump(ctx context.Context, changes <-chan realtime.Change, broadcasts <-chan realtime.BroadcastMessage, presence <-chan realtime.PresenceEvent) {
	ping := time.NewTicker(socketPingPeriod)
	defer ping.Stop()

	for {
		var frame Frame
		select {
		case <-ctx.Done():
			s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ping.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
			continue
		case reply := <-s.replies:
			frame = reply
		case change, ok := <-changes:
			if !ok {
				return
			}
			frame = Frame{Type: FrameChange, Change: &change}
		case message, ok := <-broadcasts:
			if !ok {
				return
			}
			if message.SenderRef == s.ref {
				continue
			}
			frame = Frame{Type: FrameBroadcast, Event: message.Event, Payload: message.Payload}
		case event, ok := <-presence:
			if !ok {
				return
			}
			frame = presenceFrame(event)
		}

		_ = s.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
		if err := s.conn.WriteJSON(frame); err != nil {
			s.logger.Debug("socket write failed", zap.Error(err))
			return
		}
	}
}

func (s *socketSession) write(messageType int, data []byte) bool {
	return s.conn.WriteControl(messageType, data, time.Now().Add(socketWriteWait)) == nil
}
