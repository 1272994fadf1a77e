package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storybook-server/internal/config"
	"storybook-server/internal/handler"
	servicemocks "storybook-server/internal/service/mocks"
)

func TestSetupRouter_MetricsCoverStoryRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	denyAll := func(c *gin.Context) { c.AbortWithStatus(http.StatusUnauthorized) }
	stories := handler.NewStoryHandler(new(servicemocks.StoryService), zap.NewNop())
	r := setupRouter(&config.Config{}, zap.NewNop(), stories, denyAll, nil)

	for _, path := range []string{"/health", "/stories"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "gin_requests_total")
	assert.Contains(t, body, `url="/health"`)
	assert.Contains(t, body, `url="/stories"`)
}
