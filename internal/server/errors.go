package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/datenight/internal/content"
	"github.com/MarcoPoloResearchLab/datenight/internal/progress"
	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/MarcoPoloResearchLab/datenight/internal/syncdoc"
	"github.com/MarcoPoloResearchLab/datenight/internal/week"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type codedError interface {
	Code() string
}

type errorClass struct {
	status int
	label  string
	causes []error
}

var errorClasses = []errorClass{
	{
		status: http.StatusNotFound,
		label:  "not_found",
		causes: []error{sessions.ErrSessionNotFound, week.ErrRoomNotFound, content.ErrNotFound, syncdoc.ErrUnknownDocument},
	},
	{status: http.StatusConflict, label: "room_full", causes: []error{sessions.ErrRoomFull}},
	{status: http.StatusConflict, label: "name_taken", causes: []error{sessions.ErrNameTaken}},
	{status: http.StatusConflict, label: "room_locked", causes: []error{progress.ErrRoomLocked}},
	{status: http.StatusConflict, label: "day_incomplete", causes: []error{week.ErrDayIncomplete}},
	{status: http.StatusConflict, label: "answers_pending", causes: []error{content.ErrAnswersPending}},
	{status: http.StatusConflict, label: "prompts_exhausted", causes: []error{content.ErrPromptsExhausted}},
	{status: http.StatusForbidden, label: "forbidden", causes: []error{content.ErrNotPartner}},
	{
		status: http.StatusBadRequest,
		label:  "invalid_request",
		causes: []error{
			sessions.ErrInvalidPhase,
			sessions.ErrInvalidPlayerName,
			sessions.ErrInvalidRoomCode,
			sessions.ErrInvalidRole,
			progress.ErrUnknownRoom,
			content.ErrInvalidInput,
			content.ErrUnknownCapsuleType,
			syncdoc.ErrInvalidDocument,
			week.ErrInvalidAdvance,
		},
	},
}

func classifyError(err error) (int, string) {
	for _, class := range errorClasses {
		for _, cause := range class.causes {
			if errors.Is(err, cause) {
				return class.status, class.label
			}
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// respondError maps a service error to its status. Server-side failures carry
// the service code so operators can find the matching log line.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, label := classifyError(err)
	body := gin.H{"error": label}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.String("session_id", c.Param("id")),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}
