package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/middleware"
	"storybook-server/internal/models"
	"storybook-server/internal/service"
)

// storyResponse is the body of GET /story/:id.
type storyResponse struct {
	models.Story
	Progress models.Progress `json:"progress"`
}

type listStoriesResponse struct {
	Stories []models.Story `json:"stories"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

func (h *StoryHandler) createStory(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var req service.CreateStoryInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.svc.CreateStory(c.Request.Context(), userID, req)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	storiesCreatedTotal.Inc()
	c.JSON(http.StatusAccepted, res)
}

func (h *StoryHandler) getStory(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	storyID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	story, err := h.svc.GetStory(c.Request.Context(), userID, storyID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if story.Pages == nil {
		story.Pages = []models.Page{}
	}
	c.JSON(http.StatusOK, storyResponse{Story: *story, Progress: models.ProgressOf(story.Pages)})
}

func (h *StoryHandler) listStories(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", service.DefaultListLimit)
	if err != nil {
		badRequest(c, "Invalid 'limit' parameter")
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		badRequest(c, "Invalid 'offset' parameter")
		return
	}
	var statuses []models.StoryStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			statuses = append(statuses, models.StoryStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	stories, err := h.svc.ListStories(c.Request.Context(), userID, statuses, limit, offset)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if stories == nil {
		stories = []models.Story{}
	}
	c.JSON(http.StatusOK, listStoriesResponse{Stories: stories, Limit: limit, Offset: offset})
}

// generateImages runs the whole batch before responding.
func (h *StoryHandler) generateImages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	storyID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	var req service.GenerateImagesInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: "+err.Error())
		return
	}

	res, err := h.svc.GenerateImages(c.Request.Context(), userID, storyID, req)
	if err != nil {
		batchRequestsTotal.WithLabelValues("rejected").Inc()
		handleServiceError(c, err)
		return
	}
	batchRequestsTotal.WithLabelValues(strings.ToLower(string(res.Status))).Inc()
	h.logger.Info("Illustration batch answered",
		zap.String("story_id", storyID.String()),
		zap.String("status", string(res.Status)),
		zap.Int("succeeded", res.SuccessCount()),
		zap.Int("total", len(res.Results)),
	)
	c.JSON(http.StatusOK, res)
}

func (h *StoryHandler) listVariants(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	storyID, ok := pathUUID(c, "id")
	if !ok {
		return
	}
	pageID, ok := pathUUID(c, "pageId")
	if !ok {
		return
	}

	variants, err := h.svc.ListVariants(c.Request.Context(), userID, storyID, pageID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	if variants == nil {
		variants = []models.IllustrationVariant{}
	}
	c.JSON(http.StatusOK, gin.H{"variants": variants})
}

func (h *StoryHandler) getTask(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	taskID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	task, err := h.svc.GetTask(c.Request.Context(), userID, taskID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *StoryHandler) cancelTask(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	taskID, ok := pathUUID(c, "id")
	if !ok {
		return
	}

	task, err := h.svc.CancelTask(c.Request.Context(), userID, taskID)
	if err != nil {
		handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func requireUser(c *gin.Context) (uuid.UUID, bool) {
	userID, ok := middleware.UserID(c)
	if !ok {
		handleServiceError(c, models.ErrUnauthorized)
	}
	return userID, ok
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "Invalid '"+name+"' format")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, models.ErrorResponse{Code: models.ErrCodeBadRequest, Message: msg})
}
