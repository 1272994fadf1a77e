package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"storybook-server/internal/models"
	"storybook-server/internal/remote"
	"storybook-server/internal/service"
)

// StoryView is the body of GET /story/:id.
type StoryView struct {
	models.Story
	Progress models.Progress `json:"progress"`
}

// APIError is a non-2xx answer of the story API.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("story api returned %d (code %d): %s", e.StatusCode, e.Code, e.Message)
}

// Client calls the story API over a remote.Caller.
type Client struct {
	baseURL string
	token   string
	caller  *remote.Caller
}

// NewClient creates a Client authenticating with a bearer token.
func NewClient(baseURL, token string, caller *remote.Caller) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, caller: caller}
}

// FetchStory implements Fetcher.
func (c *Client) FetchStory(ctx context.Context, storyID uuid.UUID) (*StoryView, error) {
	var view StoryView
	if err := c.call(ctx, http.MethodGet, "/story/"+storyID.String(), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CreateStory submits a new story.
func (c *Client) CreateStory(ctx context.Context, in service.CreateStoryInput) (*service.CreateStoryResult, error) {
	var out service.CreateStoryResult
	if err := c.call(ctx, http.MethodPost, "/story", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateImages submits a batch and waits for its result.
func (c *Client) GenerateImages(ctx context.Context, storyID uuid.UUID, in service.GenerateImagesInput) (*models.BatchResult, error) {
	var out models.BatchResult
	if err := c.call(ctx, http.MethodPost, "/story/"+storyID.String()+"/generate-images", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	req := remote.Request{Method: method, URL: c.baseURL + path, Header: http.Header{}}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		req.Body = body
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.caller.Do(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK() {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload models.ErrorResponse
		if json.Unmarshal(resp.Body, &payload) == nil && payload.Message != "" {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Message
		}
		return apiErr
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
