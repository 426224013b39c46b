package security

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// PanelClaims binds a panel token to one staff session on one kiosk. A token
// from a tab left open after logout fails the session check even though its
// signature is still valid.
type PanelClaims struct {
	StaffID   string `json:"stf"`
	SessionID string `json:"sid"`
	KioskID   string `json:"kid"`
	jwt.RegisteredClaims
}

func GeneratePanelToken(secret string, staffID string, sessionID string, kioskID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := PanelClaims{
		StaffID:   staffID,
		SessionID: sessionID,
		KioskID:   kioskID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   staffID,
			ID:        sessionID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS512, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}

func ParsePanelToken(tokenStr string, secret string) (*PanelClaims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &PanelClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*PanelClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
