package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Diagnostics is the field tech's view of an unattended kiosk: current
// page, capability readiness, and the tail of the audit stream.
func (h HandlerSet) Diagnostics(c *gin.Context) {
	st := h.redemption.State()

	resp := gin.H{
		"kioskId":      h.cfg.Kiosk.KioskID,
		"location":     h.cfg.Kiosk.Location,
		"environment":  h.cfg.Environment,
		"page":         string(st.Page),
		"decoderReady": h.redemption.ScannerReady(),
		"cache":        "disabled",
	}

	if h.cache != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		resp["cache"] = "ok"
		if err := h.cache.Ping(ctx).Err(); err != nil {
			resp["cache"] = "error"
		} else {
			stream := "kiosk:" + h.cfg.Kiosk.KioskID + ":audit"
			entries, err := h.cache.XRevRangeN(ctx, stream, "+", "-", 20).Result()
			if err == nil {
				resp["recentAudit"] = auditEntries(entries)
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

func auditEntries(entries []redis.XMessage) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		item := map[string]interface{}{"id": entry.ID}
		for k, v := range entry.Values {
			item[k] = v
		}
		out = append(out, item)
	}
	return out
}

// Reset force-closes whatever the kiosk is doing and returns it to login.
func (h HandlerSet) Reset(c *gin.Context) {
	h.redemption.Logout(c.Request.Context())
	h.log.Info().Str("client_ip", c.ClientIP()).Msg("maintenance reset")
	c.Status(http.StatusNoContent)
}
