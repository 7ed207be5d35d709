package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/datenight/internal/auth"
	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createSessionRequest struct {
	Name string `json:"name" binding:"required,max=80"`
}

type joinSessionRequest struct {
	Code string `json:"code" binding:"required,roomcode"`
	Name string `json:"name" binding:"required,max=80"`
}

type seatResponse struct {
	Session     sessions.Session `json:"session"`
	Role        sessions.Role    `json:"role"`
	AccessToken string           `json:"access_token"`
	ExpiresIn   int64            `json:"expires_in"`
	TokenType   string           `json:"token_type"`
}

func (h *httpHandler) handleCreateSession(c *gin.Context) {
	var request createSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	session, err := h.sessions.CreateSession(c.Request.Context(), request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSeat(c, http.StatusCreated, session, sessions.PartnerA)
}

func (h *httpHandler) handleJoinSession(c *gin.Context) {
	var request joinSessionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	session, err := h.sessions.JoinSession(c.Request.Context(), request.Code, request.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.respondSeat(c, http.StatusOK, session, sessions.PartnerB)
}

func (h *httpHandler) respondSeat(c *gin.Context, status int, session sessions.Session, role sessions.Role) {
	token, expiresIn, err := h.tokens.IssueParticipantToken(c.Request.Context(), auth.Participant{
		SessionID: session.ID,
		Role:      role,
		Name:      session.PlayerName(role),
	})
	if err != nil {
		h.logger.Error("failed to issue participant token", zap.String("session_id", session.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}
	c.JSON(status, seatResponse{
		Session:     session,
		Role:        role,
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleGetSession(c *gin.Context) {
	session, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

type phaseRequest struct {
	Phase string `json:"phase" binding:"required"`
}

func (h *httpHandler) handleUpdatePhase(c *gin.Context) {
	var request phaseRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	phase, err := sessions.ParsePhase(request.Phase)
	if err != nil {
		h.respondError(c, err)
		return
	}
	session, err := h.sessions.UpdatePhase(c.Request.Context(), c.Param("id"), phase)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// loveRequest carries either a relative delta or an absolute value.
type loveRequest struct {
	Delta *int     `json:"delta"`
	Value *float64 `json:"value"`
}

func (h *httpHandler) handleLoveMeter(c *gin.Context) {
	var request loveRequest
	if err := c.ShouldBindJSON(&request); err != nil || (request.Delta == nil) == (request.Value == nil) {
		badRequest(c)
		return
	}
	ctx := c.Request.Context()
	sessionID := c.Param("id")
	if request.Delta != nil {
		session, err := h.sessions.AdjustLoveMeter(ctx, sessionID, *request.Delta)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session": session, "changed": *request.Delta != 0})
		return
	}
	session, changed, err := h.sessions.SetLoveMeter(ctx, sessionID, *request.Value)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "changed": changed})
}

type progressResponse struct {
	progress.Summary
	Ready content.Completion `json:"ready"`
}

func (h *httpHandler) handleProgress(c *gin.Context) {
	ctx := c.Request.Context()
	summary, err := h.progress.Progress(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	session, err := h.sessions.GetSession(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	ready, err := h.content.Completion(ctx, session)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, progressResponse{Summary: summary, Ready: ready})
}

func (h *httpHandler) handleCompleteRoom(c *gin.Context) {
	room, err := progress.ParseRoom(c.Param("room"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.progress.CompleteRoom(c.Request.Context(), c.Param("id"), room)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session":   result.Session,
		"progress":  result.Summary,
		"duplicate": result.Duplicate,
	})
}

func (h *httpHandler) handleSelectRoom(c *gin.Context) {
	room, err := progress.ParseRoom(c.Param("room"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	session, err := h.progress.SelectRoom(c.Request.Context(), c.Param("id"), room)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *httpHandler) handleReconcile(c *gin.Context) {
	session, healed, err := h.progress.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "healed": healed})
}
