// Package imagegen talks to an OpenAI-compatible image generation API.
package imagegen

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"storybook-server/internal/remote"
)

// ErrNoImageData is returned when a 2xx response carries no usable image payload.
var ErrNoImageData = errors.New("no image data received")

// ErrNotConfigured is returned by NewClient when no API key is set.
var ErrNotConfigured = errors.New("image generation service is not configured")

const generationsPath = "/v1/images/generations"

// APIError is a non-2xx answer from the image service.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("image api http %d: %s", e.StatusCode, e.Message)
}

// HTTPStatusCode exposes the upstream status.
func (e *APIError) HTTPStatusCode() int {
	return e.StatusCode
}

// Caller is the transport used by Client; *remote.Caller satisfies it.
type Caller interface {
	Do(ctx context.Context, req remote.Request) (*remote.Response, error)
}

// Config is the fixed generation profile for book pages.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Quality    string
	Moderation string
	Size       string // WIDTHxHEIGHT
	StyleHint  string // appended to every prompt
}

// Image is a decoded generated image.
type Image struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

type generationRequest struct {
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
	Quality    string `json:"quality,omitempty"`
	Moderation string `json:"moderation,omitempty"`
	Size       string `json:"size,omitempty"`
	N          int    `json:"n"`
}

type generationResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
	} `json:"data"`
}

type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client generates one portrait illustration per call.
type Client struct {
	caller Caller
	cfg    Config
	width  int
	height int
	logger *zap.Logger
}

// NewClient validates cfg and builds a Client.
func NewClient(caller Caller, cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-image-1"
	}
	if cfg.Size == "" {
		cfg.Size = "1024x1536"
	}
	w, h, err := ParseSize(cfg.Size)
	if err != nil {
		return nil, err
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{caller: caller, cfg: cfg, width: w, height: h, logger: logger.Named("ImageClient")}, nil
}

// Generate requests exactly one image for prompt.
func (c *Client) Generate(ctx context.Context, prompt string) (*Image, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("image prompt required")
	}

	body, err := json.Marshal(generationRequest{
		Model:      c.cfg.Model,
		Prompt:     prompt + c.cfg.StyleHint,
		Quality:    c.cfg.Quality,
		Moderation: c.cfg.Moderation,
		Size:       c.cfg.Size,
		N:          1,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal image request: %w", err)
	}

	resp, err := c.caller.Do(ctx, remote.Request{
		Method: http.MethodPost,
		URL:    c.cfg.BaseURL + generationsPath,
		Header: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.APIKey},
			"Content-Type":  []string{"application/json"},
		},
		Body: body,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: upstreamMessage(resp)}
	}

	var parsed generationResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		c.logger.Warn("Malformed image response", zap.Error(err), zap.Int("body_len", len(resp.Body)))
		return nil, ErrNoImageData
	}
	if len(parsed.Data) == 0 || strings.TrimSpace(parsed.Data[0].B64JSON) == "" {
		return nil, ErrNoImageData
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(parsed.Data[0].B64JSON))
	if err != nil || len(raw) == 0 {
		return nil, ErrNoImageData
	}

	return &Image{Data: raw, MimeType: "image/png", Width: c.width, Height: c.height}, nil
}

func upstreamMessage(resp *remote.Response) string {
	var er errorResponse
	if err := json.Unmarshal(resp.Body, &er); err == nil && er.Error != nil && er.Error.Message != "" {
		return er.Error.Message
	}
	if s := strings.TrimSpace(string(resp.Body)); s != "" {
		return s
	}
	return http.StatusText(resp.StatusCode)
}

// ParseSize parses "1024x1536".
func ParseSize(size string) (int, int, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(size)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid image size %q", size)
	}
	width, err1 := strconv.Atoi(w)
	height, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || width <= 0 || height <= 0 {
		return 0, 0, fmt.Errorf("invalid image size %q", size)
	}
	return width, height, nil
}
