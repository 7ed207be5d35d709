package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/gin-gonic/gin"
)

func (h *httpHandler) handleListMessages(c *gin.Context) {
	messages, err := h.content.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// handleAddMessage accepts both message shapes. Answers are always attributed
// to the authenticated participant.
func (h *httpHandler) handleAddMessage(c *gin.Context) {
	var input content.MessageInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c)
		return
	}
	if !input.Normalize().IsPrompt {
		name := participantFrom(c).Name
		input.SenderName = &name
		input.Sender = nil
	}
	message, err := h.content.AddMessage(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleSendPrompt(c *gin.Context) {
	message, err := h.content.SendPrompt(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) handleListStars(c *gin.Context) {
	stars, err := h.content.ListStars(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stars": stars})
}

type placeStarRequest struct {
	X *float64 `json:"x" binding:"required"`
	Y *float64 `json:"y" binding:"required"`
}

func (h *httpHandler) handlePlaceStar(c *gin.Context) {
	var request placeStarRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	star, err := h.content.PlaceStar(c.Request.Context(), c.Param("id"), participantFrom(c).Name, *request.X, *request.Y)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, star)
}

type labelStarRequest struct {
	Label string `json:"label" binding:"required"`
}

func (h *httpHandler) handleLabelStar(c *gin.Context) {
	var request labelStarRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c)
		return
	}
	star, err := h.content.LabelStar(c.Request.Context(), c.Param("id"), c.Param("star"), request.Label)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, star)
}

func (h *httpHandler) handleListCapsules(c *gin.Context) {
	capsules, err := h.content.ListCapsules(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capsules": capsules})
}

func (h *httpHandler) handlePlantCapsule(c *gin.Context) {
	var input content.CapsuleInput
	if err := c.ShouldBindJSON(&input); err != nil {
		badRequest(c)
		return
	}
	name := participantFrom(c).Name
	input.AuthorName = &name
	input.Author = nil
	capsule, err := h.content.PlantCapsule(c.Request.Context(), c.Param("id"), input)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, capsule)
}

func (h *httpHandler) handleUnlockCapsule(c *gin.Context) {
	capsule, err := h.content.UnlockCapsule(c.Request.Context(), c.Param("id"), c.Param("capsule"), participantFrom(c).Name)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, capsule)
}
