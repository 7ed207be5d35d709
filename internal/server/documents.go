package server

import (
	"encoding/json"
	"net/http"

	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/gin-gonic/gin"
)

const maxDocumentBytes = 64 << 10

func (h *httpHandler) handleReadDocument(c *gin.Context) {
	document, err := h.documents.Read(c.Request.Context(), c.Param("id"), c.Param("doc"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

// handleWriteDocument merges the body into the stored document as written by
// the caller's seat; fields owned by the partner are ignored.
func (h *httpHandler) handleWriteDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxDocumentBytes)
	body, err := c.GetRawData()
	if err != nil || !json.Valid(body) {
		badRequest(c)
		return
	}
	document, err := h.documents.Write(c.Request.Context(), c.Param("id"), c.Param("doc"), participantFrom(c).Role, body)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleEnsureWeek(c *gin.Context) {
	room, err := h.weekRoom(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room, "day": room.Day()})
}

type advanceRequest struct {
	From *int `json:"from" binding:"required"`
	To   *int `json:"to" binding:"required"`
}

func (h *httpHandler) handleAdvanceWeek(c *gin.Context) {
	var request advanceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	room, err := h.weekRoom(c)
	if err != nil {
		h.respondError(c, err)
		return
	}
	result, err := h.week.Advance(c.Request.Context(), week.AdvanceRequest{
		RoomID:    room.ID,
		SessionID: c.Param("id"),
		From:      *request.From,
		To:        *request.To,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": result.Room, "day": result.Room.Day(), "advanced": result.Advanced})
}

// weekRoom returns the week room linked to the session's room code, creating it on first use.
func (h *httpHandler) weekRoom(c *gin.Context) (week.Room, error) {
	session, err := h.sessions.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		return week.Room{}, err
	}
	return h.week.EnsureRoom(c.Request.Context(), session.RoomCode)
}
