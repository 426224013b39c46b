package handlers

import (
	"errors"
	"image"
	"net/http"

	_ "image/jpeg"
	_ "image/png"

	"github.com/gin-gonic/gin"

	"mealpass/kiosk/internal/scanner"
	"mealpass/kiosk/internal/service"
)

// Frames are small camera captures; anything bigger is a misbehaving panel.
const maxFrameBytes = 8 << 20

func (h HandlerSet) StartScan(c *gin.Context) {
	if err := h.redemption.StartScan(); err != nil {
		switch {
		case errors.Is(err, scanner.ErrDecoderUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "decoder_unavailable"})
		case errors.Is(err, scanner.ErrScanActive):
			c.JSON(http.StatusConflict, gin.H{"error": "scan_active"})
		case errors.Is(err, service.ErrNoActiveSession):
			c.JSON(http.StatusConflict, gin.H{"error": "no_active_session"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// SubmitFrame accepts one camera frame (PNG or JPEG body) and offers it to
// the running scan. 202 means "accepted for sampling", not "decoded"; the
// panel polls /session/state for the outcome.
func (h HandlerSet) SubmitFrame(c *gin.Context) {
	reader := http.MaxBytesReader(c.Writer, c.Request.Body, maxFrameBytes)
	frame, _, err := image.Decode(reader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "undecodable_frame"})
		return
	}

	if err := h.redemption.SubmitFrame(frame); err != nil {
		switch {
		case errors.Is(err, scanner.ErrScanInactive):
			c.JSON(http.StatusConflict, gin.H{"error": "scan_not_running"})
		case errors.Is(err, service.ErrNoActiveSession):
			c.JSON(http.StatusConflict, gin.H{"error": "no_active_session"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.Status(http.StatusAccepted)
}

func (h HandlerSet) CancelScan(c *gin.Context) {
	h.redemption.CancelScan()
	c.Status(http.StatusNoContent)
}
