package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/papergloss/backend/internal/server/handlers"
	"github.com/papergloss/backend/internal/server/middleware"
)

type RouterConfig struct {
	HealthHandler  *handlers.HealthHandler
	SessionHandler *handlers.SessionHandler
	AdminHandler   *handlers.AdminHandler
	SessionAuth    *middleware.SessionAuth
	AdminAuth      *middleware.AdminAuth
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:3000",
			"http://localhost:5173",
			"http://127.0.0.1:3000",
			"http://127.0.0.1:5173",
		},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", cfg.HealthHandler.Healthz)

	api := router.Group("/api/v1")
	{
		// Session creation authenticates with the credential code in the
		// body; everything after that uses the minted session token.
		api.POST("/sessions", cfg.SessionHandler.Create)

		scoped := api.Group("/sessions/:id")
		scoped.Use(cfg.SessionAuth.Require())
		scoped.GET("", cfg.SessionHandler.Get)
		scoped.GET("/events", cfg.SessionHandler.Events)
		scoped.POST("/cancel", cfg.SessionHandler.Cancel)
	}

	admin := router.Group("/admin")
	admin.Use(cfg.AdminAuth.Require())
	{
		admin.POST("/credentials", cfg.AdminHandler.GrantCredential)
		admin.POST("/reload", cfg.AdminHandler.ReloadConfig)
	}

	return router
}
