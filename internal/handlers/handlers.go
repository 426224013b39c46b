package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mealpass/kiosk/internal/config"
	"mealpass/kiosk/internal/middleware"
	"mealpass/kiosk/internal/service"
)

type HandlerSet struct {
	log        zerolog.Logger
	cfg        *config.AppConfig
	redemption *service.RedemptionService
	cache      *redis.Client
}

func NewHandlerSet(log zerolog.Logger, redemption *service.RedemptionService, cache *redis.Client, cfg *config.AppConfig) HandlerSet {
	return HandlerSet{
		log:        log,
		cfg:        cfg,
		redemption: redemption,
		cache:      cache,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	v1 := router.Group("/v1")
	{
		session := v1.Group("/session")
		session.POST("/login", h.Login)
		// The already-used view never opens a session, so dismissing it
		// cannot require a panel token.
		session.POST("/acknowledge", h.Acknowledge)

		protected := v1.Group("/session")
		protected.Use(middleware.PanelAuth(h.cfg, h.redemption))
		protected.GET("/state", h.SessionState)
		protected.POST("/logout", h.Logout)

		scan := v1.Group("/scan")
		scan.Use(middleware.PanelAuth(h.cfg, h.redemption))
		scan.POST("/start", h.StartScan)
		scan.POST("/frame", h.SubmitFrame)
		scan.POST("/cancel", h.CancelScan)

		maintenance := v1.Group("/maintenance")
		maintenance.Use(middleware.RequirePasscode(h.cfg.Security.MaintenancePasscodeHash))
		maintenance.GET("/diagnostics", h.Diagnostics)
		maintenance.POST("/reset", h.Reset)
	}
}
