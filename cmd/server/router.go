package main

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"storybook-server/internal/config"
	"storybook-server/internal/handler"
	"storybook-server/internal/middleware"
)

// setupRouter builds the gin engine. Middleware added with Use only covers
// routes registered after it, so metrics go in before any route.
func setupRouter(cfg *config.Config, log *zap.Logger, stories *handler.StoryHandler, auth, batchLimit gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(middleware.GinZapLogger(log))
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.HTTP.CORSAllowedOrigins) == 0 || cfg.HTTP.CORSAllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.HTTP.CORSAllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", middleware.RequestIDHeader}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	p := ginprometheus.NewPrometheus("gin")
	p.Use(router)

	if cfg.Blob.Backend == "local" {
		router.Static("/images", cfg.Blob.LocalPath)
	}
	stories.RegisterRoutes(router, auth, batchLimit)
	return router
}
