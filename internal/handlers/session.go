package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"mealpass/kiosk/internal/flow"
	"mealpass/kiosk/internal/models"
	"mealpass/kiosk/internal/security"
	"mealpass/kiosk/internal/service"
	"mealpass/kiosk/internal/ticketstore"
)

type loginRequest struct {
	StaffID string `json:"staffId" binding:"required"`
	Surname string `json:"surname" binding:"required"`
}

type sessionResponse struct {
	StaffID    string    `json:"staffId"`
	Name       string    `json:"name"`
	Department string    `json:"department"`
	Location   string    `json:"location"`
	Price      string    `json:"price"`
	LoginTime  time.Time `json:"loginTime"`
	SessionID  string    `json:"sessionId"`
}

type conflictResponse struct {
	StaffID    string `json:"staffId"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Location   string `json:"location"`
	UsedDate   string `json:"usedDate"`
	UsedTime   string `json:"usedTime"`
	Price      string `json:"price"`
}

type stateResponse struct {
	Page     string            `json:"page"`
	Session  *sessionResponse  `json:"session,omitempty"`
	Conflict *conflictResponse `json:"conflict,omitempty"`
	Notice   string            `json:"notice,omitempty"`
}

func toSessionResponse(s models.Session) sessionResponse {
	return sessionResponse{
		StaffID:    s.StaffID,
		Name:       s.Name,
		Department: s.Department,
		Location:   s.Location,
		Price:      s.Price,
		LoginTime:  s.LoginTime,
		SessionID:  s.SessionID,
	}
}

func toConflictResponse(r models.RedemptionInfo) conflictResponse {
	return conflictResponse{
		StaffID:    r.StaffID,
		Name:       r.Name,
		Department: r.Department,
		Location:   r.Location,
		UsedDate:   r.UsedDate,
		UsedTime:   r.UsedTime,
		Price:      r.Price,
	}
}

func toStateResponse(st flow.State) stateResponse {
	resp := stateResponse{
		Page:   string(st.Page),
		Notice: st.Notice,
	}
	if st.Session != nil {
		s := toSessionResponse(*st.Session)
		resp.Session = &s
	}
	if st.Conflict != nil {
		c := toConflictResponse(*st.Conflict)
		resp.Conflict = &c
	}
	return resp
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := h.redemption.Login(c.Request.Context(), req.StaffID, req.Surname)
	if err != nil {
		h.sendLoginError(c, err)
		return
	}

	token, err := security.GeneratePanelToken(
		h.cfg.Security.PanelTokenSecret,
		session.StaffID,
		session.SessionID,
		h.cfg.Kiosk.KioskID,
		h.cfg.Security.PanelTokenTTL,
	)
	if err != nil {
		h.log.Error().Err(err).Msg("panel token sign failed")
		h.redemption.Logout(c.Request.Context())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_server_error"})
		return
	}

	// A re-login by the session's own staff member reclaims the live
	// session rather than opening a new one, so report the actual page.
	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"page":    string(h.redemption.State().Page),
		"session": toSessionResponse(session),
	})
}

func (h HandlerSet) sendLoginError(c *gin.Context, err error) {
	var conflict *ticketstore.ConflictError
	switch {
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error": "already_used",
			"page":  string(flow.PageAlreadyUsed),
			"used":  toConflictResponse(conflict.Used),
		})
	case errors.Is(err, ticketstore.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, ticketstore.ErrOutsideWindow):
		c.JSON(http.StatusForbidden, gin.H{"error": "outside_window"})
	case errors.Is(err, ticketstore.ErrSessionActive):
		c.JSON(http.StatusForbidden, gin.H{"error": "session_active_elsewhere"})
	case errors.Is(err, service.ErrKioskBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "kiosk_busy"})
	case errors.Is(err, ticketstore.ErrStoreUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "store_unreachable"})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": "store_rejected"})
	}
}

func (h HandlerSet) SessionState(c *gin.Context) {
	c.JSON(http.StatusOK, toStateResponse(h.redemption.State()))
}

func (h HandlerSet) Logout(c *gin.Context) {
	h.redemption.Logout(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) Acknowledge(c *gin.Context) {
	h.redemption.Acknowledge()
	c.JSON(http.StatusOK, toStateResponse(h.redemption.State()))
}
