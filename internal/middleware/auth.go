package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mealpass/kiosk/internal/config"
	"mealpass/kiosk/internal/models"
	"mealpass/kiosk/internal/security"
)

// SessionChecker exposes the kiosk's single live session to the auth gate.
type SessionChecker interface {
	ActiveSession() (models.Session, bool)
}

// PanelAuth validates the Bearer panel token and pins it to the live
// session. A token from before a logout parses fine but no longer matches
// the session id, so a stale tab gets a 401 instead of someone else's
// session.
func PanelAuth(cfg *config.AppConfig, sessions SessionChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_token"})
			return
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

		claims, err := security.ParsePanelToken(tokenStr, cfg.Security.PanelTokenSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		if claims.KioskID != cfg.Kiosk.KioskID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "wrong_kiosk"})
			return
		}

		session, ok := sessions.ActiveSession()
		if !ok || session.SessionID != claims.SessionID || session.StaffID != claims.StaffID {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "session_not_found"})
			return
		}

		c.Set("panel_claims", *claims)
		c.Set("current_session", session)

		c.Next()
	}
}
