package server

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/MarcoPoloResearchLab/datenight/internal/sessions"
	"github.com/gin-gonic/gin"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

const qrImageSize = 320

// handleShareQR renders the join link of a room code as a PNG.
func (h *httpHandler) handleShareQR(c *gin.Context) {
	code, err := sessions.NewRoomCode(c.Param("code"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	link, err := joinURL(h.shareBaseURL, code)
	if err != nil {
		h.logger.Error("invalid share base url", zap.String("base_url", h.shareBaseURL), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "share_unavailable"})
		return
	}
	png, err := qrcode.Encode(link, qrcode.Medium, qrImageSize)
	if err != nil {
		h.logger.Error("qr encode failed", zap.String("room_code", code.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "share_unavailable"})
		return
	}
	c.Header("Cache-Control", "public, max-age=3600")
	c.Data(http.StatusOK, "image/png", png)
}

func joinURL(base string, code sessions.RoomCode) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("share base url %q must be absolute", base)
	}
	query := parsed.Query()
	query.Set("code", code.String())
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
