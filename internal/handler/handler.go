// Package handler exposes the story API over gin.
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storybook-server/internal/service"
)

// StoryHandler serves the story endpoints.
type StoryHandler struct {
	svc    service.StoryService
	logger *zap.Logger
}

// NewStoryHandler creates a StoryHandler.
func NewStoryHandler(svc service.StoryService, logger *zap.Logger) *StoryHandler {
	return &StoryHandler{svc: svc, logger: logger.Named("StoryHandler")}
}

// RegisterRoutes mounts the API on router. auth guards every story route;
// batchLimit (may be nil) is applied to the illustration endpoint only.
func (h *StoryHandler) RegisterRoutes(router gin.IRouter, auth gin.HandlerFunc, batchLimit gin.HandlerFunc) {
	router.GET("/health", health)
	router.HEAD("/health", health)

	api := router.Group("", auth)
	api.POST("/story", h.createStory)
	api.GET("/story/:id", h.getStory)
	api.GET("/stories", h.listStories)
	api.GET("/story/:id/pages/:pageId/variants", h.listVariants)
	api.GET("/tasks/:id", h.getTask)
	api.DELETE("/tasks/:id", h.cancelTask)

	generate := []gin.HandlerFunc{h.generateImages}
	if batchLimit != nil {
		generate = append([]gin.HandlerFunc{batchLimit}, generate...)
	}
	api.POST("/story/:id/generate-images", generate...)
}

func health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
