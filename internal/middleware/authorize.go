package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"mealpass/kiosk/internal/security"
)

const passcodeHeader = "X-Maintenance-Passcode"

// RequirePasscode gates the maintenance surface behind the argon2-hashed
// passcode from config. An empty hash disables the surface entirely rather
// than leaving it open.
func RequirePasscode(passcodeHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if passcodeHash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "maintenance_disabled"})
			return
		}

		passcode := c.GetHeader(passcodeHeader)
		if passcode == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "passcode_required"})
			return
		}

		ok, err := security.VerifyPasscode(passcode, passcodeHash)
		if err != nil || !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "passcode_rejected"})
			return
		}

		c.Next()
	}
}
