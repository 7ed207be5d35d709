package client

import (
	"context"
	"errors"
	"net/url"

	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/valyala/fasthttp"
)

// ErrAdvanceInFlight is returned when the same participant asks to advance the
// week while its previous advance has not returned yet.
var ErrAdvanceInFlight = errors.New("client: advance already in flight")

// Participant issues calls on behalf of one seat.
type Participant struct {
	client    *Client
	seat      Seat
	advancing syncdoc.Guard
}

func (c *Client) Participant(seat Seat) *Participant {
	return &Participant{client: c, seat: seat}
}

func (p *Participant) SessionID() string {
	return p.seat.Session.ID
}

func (p *Participant) Role() sessions.Role {
	return p.seat.Role
}

func (p *Participant) Seat() Seat {
	return p.seat
}

func (p *Participant) path(suffix string) string {
	return "/sessions/" + url.PathEscape(p.seat.Session.ID) + suffix
}

func (p *Participant) do(ctx context.Context, method, suffix string, in, out any) error {
	return p.client.doJSON(ctx, method, p.path(suffix), p.seat.AccessToken, in, out)
}

func (p *Participant) Session(ctx context.Context) (sessions.Session, error) {
	var session sessions.Session
	err := p.do(ctx, fasthttp.MethodGet, "", nil, &session)
	return session, err
}

func (p *Participant) UpdatePhase(ctx context.Context, phase sessions.Phase) (sessions.Session, error) {
	var session sessions.Session
	err := p.do(ctx, fasthttp.MethodPost, "/phase", map[string]string{"phase": phase.String()}, &session)
	return session, err
}

type loveResponse struct {
	Session sessions.Session `json:"session"`
	Changed bool             `json:"changed"`
}

// AdjustLove adds delta to the love meter; the backend clamps the result.
func (p *Participant) AdjustLove(ctx context.Context, delta int) (sessions.Session, error) {
	var response loveResponse
	err := p.do(ctx, fasthttp.MethodPost, "/love", map[string]int{"delta": delta}, &response)
	return response.Session, err
}

// SetLove writes an absolute love meter value and reports whether it changed.
func (p *Participant) SetLove(ctx context.Context, value float64) (sessions.Session, bool, error) {
	var response loveResponse
	err := p.do(ctx, fasthttp.MethodPost, "/love", map[string]float64{"value": value}, &response)
	return response.Session, response.Changed, err
}

// Progress is the hallway view of the journey.
type Progress struct {
	progress.Summary
	Ready content.Completion `json:"ready"`
}

func (p *Participant) Progress(ctx context.Context) (Progress, error) {
	var summary Progress
	err := p.do(ctx, fasthttp.MethodGet, "/progress", nil, &summary)
	return summary, err
}

type RoomCompletion struct {
	Session   sessions.Session `json:"session"`
	Progress  progress.Summary `json:"progress"`
	Duplicate bool             `json:"duplicate"`
}

func (p *Participant) CompleteRoom(ctx context.Context, room sessions.Phase) (RoomCompletion, error) {
	var result RoomCompletion
	err := p.do(ctx, fasthttp.MethodPost, "/rooms/"+url.PathEscape(room.String())+"/complete", nil, &result)
	return result, err
}

func (p *Participant) SelectRoom(ctx context.Context, room sessions.Phase) (sessions.Session, error) {
	var session sessions.Session
	err := p.do(ctx, fasthttp.MethodPost, "/rooms/"+url.PathEscape(room.String())+"/select", nil, &session)
	return session, err
}

// Reconcile asks the backend to heal an inconsistent session and reports whether it did.
func (p *Participant) Reconcile(ctx context.Context) (sessions.Session, bool, error) {
	var response struct {
		Session sessions.Session `json:"session"`
		Healed  bool             `json:"healed"`
	}
	err := p.do(ctx, fasthttp.MethodPost, "/reconcile", nil, &response)
	return response.Session, response.Healed, err
}

func (p *Participant) ReadDocument(ctx context.Context, name string) (syncdoc.Document, error) {
	var document syncdoc.Document
	err := p.do(ctx, fasthttp.MethodGet, "/documents/"+url.PathEscape(name), nil, &document)
	return document, err
}

// WriteDocument sends doc as written by this seat. The returned document is
// the merged state, including the partner's fields.
func (p *Participant) WriteDocument(ctx context.Context, name string, doc any) (syncdoc.Document, error) {
	var document syncdoc.Document
	err := p.do(ctx, fasthttp.MethodPut, "/documents/"+url.PathEscape(name), doc, &document)
	return document, err
}

func (p *Participant) Messages(ctx context.Context) ([]content.Message, error) {
	var response struct {
		Messages []content.Message `json:"messages"`
	}
	err := p.do(ctx, fasthttp.MethodGet, "/messages", nil, &response)
	return response.Messages, err
}

// SendAnswer posts an answer under this seat's name.
func (p *Participant) SendAnswer(ctx context.Context, text string) (content.Message, error) {
	var message content.Message
	isPrompt := false
	err := p.do(ctx, fasthttp.MethodPost, "/messages", content.MessageInput{Content: &text, IsPrompt: &isPrompt}, &message)
	return message, err
}

// SendPrompt asks the library for its next prompt.
func (p *Participant) SendPrompt(ctx context.Context) (content.Message, error) {
	var message content.Message
	err := p.do(ctx, fasthttp.MethodPost, "/messages/prompt", nil, &message)
	return message, err
}

func (p *Participant) Stars(ctx context.Context) ([]content.Star, error) {
	var response struct {
		Stars []content.Star `json:"stars"`
	}
	err := p.do(ctx, fasthttp.MethodGet, "/stars", nil, &response)
	return response.Stars, err
}

func (p *Participant) PlaceStar(ctx context.Context, x, y float64) (content.Star, error) {
	var star content.Star
	err := p.do(ctx, fasthttp.MethodPost, "/stars", map[string]float64{"x": x, "y": y}, &star)
	return star, err
}

func (p *Participant) LabelStar(ctx context.Context, starID, label string) (content.Star, error) {
	var star content.Star
	err := p.do(ctx, fasthttp.MethodPost, "/stars/"+url.PathEscape(starID)+"/label", map[string]string{"label": label}, &star)
	return star, err
}

func (p *Participant) Capsules(ctx context.Context) ([]content.Capsule, error) {
	var response struct {
		Capsules []content.Capsule `json:"capsules"`
	}
	err := p.do(ctx, fasthttp.MethodGet, "/capsules", nil, &response)
	return response.Capsules, err
}

func (p *Participant) PlantCapsule(ctx context.Context, capsuleType, text string) (content.Capsule, error) {
	var capsule content.Capsule
	err := p.do(ctx, fasthttp.MethodPost, "/capsules", content.CapsuleInput{CapsuleType: &capsuleType, Content: &text}, &capsule)
	return capsule, err
}

// UnlockCapsule opens a capsule planted by the partner.
func (p *Participant) UnlockCapsule(ctx context.Context, capsuleID string) (content.Capsule, error) {
	var capsule content.Capsule
	err := p.do(ctx, fasthttp.MethodPost, "/capsules/"+url.PathEscape(capsuleID)+"/unlock", nil, &capsule)
	return capsule, err
}

// WeekRoom is the week container as seen by the participant.
type WeekRoom struct {
	Room     week.Room `json:"room"`
	Day      int       `json:"day"`
	Advanced bool      `json:"advanced"`
}

// Week returns the week room linked to the session, creating it on first use.
func (p *Participant) Week(ctx context.Context) (WeekRoom, error) {
	var room WeekRoom
	err := p.do(ctx, fasthttp.MethodPost, "/week", nil, &room)
	return room, err
}

// Advance asks the backend to move the week from one day to the next. A
// second call while one is outstanding fails with ErrAdvanceInFlight without
// reaching the network. Advanced is false when the partner won the race.
func (p *Participant) Advance(ctx context.Context, from, to int) (WeekRoom, error) {
	release, ok := p.advancing.Enter()
	if !ok {
		return WeekRoom{}, ErrAdvanceInFlight
	}
	defer release()

	var room WeekRoom
	err := p.do(ctx, fasthttp.MethodPost, "/week/advance", map[string]int{"from": from, "to": to}, &room)
	return room, err
}
