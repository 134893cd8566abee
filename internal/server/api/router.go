package api

import (
	"fmt"

	"handoff/internal/server/config"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// requestValidator adapts go-playground/validator to echo's Validator.
type requestValidator struct {
	validate *validator.Validate
}

func (v *requestValidator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &requestValidator{validate: validator.New()}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-Transfer-Token"},
	}))
	e.Use(RequestLogger())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%d", cfg.MaxFileSize)))

	// Rate limiter shared by the endpoints worth brute-forcing
	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	// Accounts
	auth := e.Group("/api/auth")
	auth.POST("/register", handler.HandleRegister, limiter.ByIP())
	auth.POST("/login", handler.HandleLogin, limiter.ByIP())
	e.GET("/api/users", handler.HandleListUsers)

	// Transfers
	transfers := e.Group("/api/transfers")
	transfers.POST("", handler.HandleSend, limiter.ByIP())
	transfers.POST("/:id/verify", handler.HandleVerify, limiter.ByTransfer())
	transfers.GET("/sent", handler.HandleListSent)
	transfers.GET("/received", handler.HandleListReceived)
	transfers.GET("/incoming/count", handler.HandleIncomingCount)
	transfers.GET("/:id/files", handler.HandleListFiles)
	transfers.GET("/:id/files/:fileID/download", handler.HandleDownloadFile)
	transfers.DELETE("/:id/files/:fileID", handler.HandleDeleteFile)
	transfers.GET("/:id/bundle", handler.HandleBundle)

	return e
}
