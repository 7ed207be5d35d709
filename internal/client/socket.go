package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/datenight/internal/realtime"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame types spoken on the session socket.
const (
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
	FrameBroadcast = "broadcast"

	FrameChange        = "change"
	FramePresenceSync  = "presence_sync"
	FramePresenceJoin  = "presence_join"
	FramePresenceLeave = "presence_leave"
	FrameError         = "error"
)

// BroadcastInterval is the minimum spacing of continuous broadcasts such as cursor positions.
const BroadcastInterval = 45 * time.Millisecond

const (
	socketDialTimeout  = 10 * time.Second
	socketWriteTimeout = 5 * time.Second
	socketReadLimit    = 64 << 10
	maxBackoffAttempt  = 6
)

var (
	ErrSocketClosed   = errors.New("client: socket is not connected")
	errMissingEvent   = errors.New("client: broadcast event is required")
	errSocketRunning  = errors.New("client: socket is already running")
	errInvalidBaseURL = errors.New("client: base url must be http or https")
)

// Frame is one message on the socket.
type Frame struct {
	Type    string            `json:"type"`
	Event   string            `json:"event,omitempty"`
	Payload json.RawMessage   `json:"payload,omitempty"`
	Change  *realtime.Change  `json:"change,omitempty"`
	Member  *realtime.Member  `json:"member,omitempty"`
	Members []realtime.Member `json:"members,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// Handlers receive socket traffic. Every handler runs on the socket's read
// goroutine and must not block.
type Handlers struct {
	OnChange    func(realtime.Change)
	OnBroadcast func(event string, payload json.RawMessage)
	OnPresence  func(frame Frame)
	OnConnected func(connected bool)
}

type SocketOption func(*Socket)

// WithBroadcastInterval overrides BroadcastInterval.
func WithBroadcastInterval(d time.Duration) SocketOption {
	return func(s *Socket) { s.throttle = realtime.NewThrottle(d, nil) }
}

// WithRoom also subscribes to the week room's changes.
func WithRoom(roomID string) SocketOption {
	return func(s *Socket) { s.roomID = roomID }
}

// WithReconnectBase sets the first reconnect delay; later attempts double it.
func WithReconnectBase(d time.Duration) SocketOption {
	return func(s *Socket) { s.reconnectBase = d }
}

// Socket is a participant's connection to one channel of its session. Run
// keeps it connected; after every reconnect the last tracked presence is
// announced again from scratch.
type Socket struct {
	participant   *Participant
	channel       string
	roomID        string
	handlers      Handlers
	throttle      *realtime.Throttle
	reconnectBase time.Duration
	logger        *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	meta    map[string]string
	tracked bool
	running bool
}

// Socket prepares a socket on the given logical channel, such as "kintsugi".
func (p *Participant) Socket(channel string, handlers Handlers, opts ...SocketOption) *Socket {
	s := &Socket{
		participant:   p,
		channel:       channel,
		handlers:      handlers,
		throttle:      realtime.NewThrottle(BroadcastInterval, nil),
		reconnectBase: 100 * time.Millisecond,
		logger:        p.client.logger.With(zap.String("session_id", p.SessionID()), zap.String("channel", channel)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Socket) socketURL() (string, error) {
	base, err := url.Parse(s.participant.client.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	default:
		return "", errInvalidBaseURL
	}
	base.Path = strings.TrimRight(base.Path, "/") + s.participant.path("/socket")
	query := url.Values{}
	query.Set("channel", s.channel)
	if s.roomID != "" {
		query.Set("room", s.roomID)
	}
	base.RawQuery = query.Encode()
	return base.String(), nil
}

func (s *Socket) buildHeaders() http.Header {
	hdr := http.Header{}
	if provider := s.participant.client.headers; provider != nil {
		for k, v := range provider() {
			if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
				continue
			}
			hdr.Set(k, v)
		}
	}
	hdr.Set("Authorization", "Bearer "+s.participant.seat.AccessToken)
	return hdr
}

// Run connects and keeps reconnecting with backoff until ctx ends.
func (s *Socket) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errSocketRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	target, err := s.socketURL()
	if err != nil {
		return err
	}

	attempt := 0
	for {
		conn, err := s.dial(ctx, target)
		if err == nil {
			attempt = 0
			s.serve(ctx, conn)
		} else {
			s.logger.Debug("socket dial failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		if err := sleepWithContext(ctx, backoffDuration(s.reconnectBase, attempt)); err != nil {
			return err
		}
	}
}

func (s *Socket) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, socketDialTimeout)
	defer cancel()
	conn, response, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      s.buildHeaders(),
	})
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(socketReadLimit)
	return conn, nil
}

// serve owns one connection until it fails or ctx ends.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	tracked, meta := s.tracked, s.meta
	s.mu.Unlock()
	s.notifyConnected(true)

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.notifyConnected(false)
	}()

	if tracked {
		if err := s.write(ctx, conn, Frame{Type: FrameTrack, Payload: encodeMeta(meta)}); err != nil {
			s.logger.Debug("presence re-announce failed", zap.Error(err))
			return
		}
	}

	for {
		var frame Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("socket read failed", zap.Error(err))
			}
			return
		}
		s.dispatch(frame)
	}
}

func (s *Socket) dispatch(frame Frame) {
	switch frame.Type {
	case FrameChange:
		if frame.Change != nil && s.handlers.OnChange != nil {
			s.handlers.OnChange(*frame.Change)
		}
	case FrameBroadcast:
		if s.handlers.OnBroadcast != nil {
			s.handlers.OnBroadcast(frame.Event, frame.Payload)
		}
	case FramePresenceSync, FramePresenceJoin, FramePresenceLeave:
		if s.handlers.OnPresence != nil {
			s.handlers.OnPresence(frame)
		}
	case FrameError:
		s.logger.Warn("socket error frame", zap.String("error", frame.Error))
	}
}

func (s *Socket) notifyConnected(connected bool) {
	if s.handlers.OnConnected != nil {
		s.handlers.OnConnected(connected)
	}
}

// Connected reports whether a connection is currently open.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Track announces presence with meta. The announcement is remembered and
// repeated after reconnects; when offline it is only remembered.
func (s *Socket) Track(ctx context.Context, meta map[string]string) error {
	s.mu.Lock()
	s.meta = copyMeta(meta)
	s.tracked = true
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.write(ctx, conn, Frame{Type: FrameTrack, Payload: encodeMeta(meta)})
}

func (s *Socket) Untrack(ctx context.Context) error {
	s.mu.Lock()
	s.meta = nil
	s.tracked = false
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return s.write(ctx, conn, Frame{Type: FrameUntrack})
}

// Broadcast sends an ephemeral event to the partner on this channel.
// Unforced sends closer together than the broadcast interval are skipped and
// report false; discrete events such as a selection should pass force.
func (s *Socket) Broadcast(ctx context.Context, event string, payload any, force bool) (bool, error) {
	if strings.TrimSpace(event) == "" {
		return false, errMissingEvent
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false, ErrSocketClosed
	}
	if !s.throttle.Allow(force) {
		return false, nil
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := s.write(ctx, conn, Frame{Type: FrameBroadcast, Event: event, Payload: encoded}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Socket) write(ctx context.Context, conn *websocket.Conn, frame Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, frame)
}

func encodeMeta(meta map[string]string) json.RawMessage {
	if len(meta) == 0 {
		return nil
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return encoded
}

func copyMeta(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	copied := make(map[string]string, len(meta))
	for k, v := range meta {
		copied[k] = v
	}
	return copied
}

func backoffDuration(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffAttempt {
		attempt = maxBackoffAttempt
	}
	return time.Duration(1<<uint(attempt-1)) * base
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
