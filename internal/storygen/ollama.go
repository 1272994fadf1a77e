package storygen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// OllamaCompleter talks to a local Ollama server through its native chat API.
type OllamaCompleter struct {
	client      *api.Client
	model       string
	temperature float64
}

var _ Completer = (*OllamaCompleter)(nil)

// NewOllamaCompleter creates a backend for baseURL (e.g. http://localhost:11434).
func NewOllamaCompleter(baseURL, model string, temperature float64, httpClient *http.Client) (*OllamaCompleter, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(baseURL, "/"), "/v1")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ollama url %q", baseURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OllamaCompleter{
		client:      api.NewClient(parsed, httpClient),
		model:       model,
		temperature: temperature,
	}, nil
}

func (c *OllamaCompleter) Model() string { return c.model }

// Complete implements Completer.
func (c *OllamaCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: &stream,
		Format: json.RawMessage(`"json"`),
		Options: map[string]any{
			"temperature": c.temperature,
		},
	}

	var resp api.ChatResponse
	err := c.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return "", Usage{}, err
	}
	if resp.Message.Content == "" {
		return "", Usage{}, errors.New("empty response")
	}
	return resp.Message.Content, Usage{
		PromptTokens:     resp.PromptEvalCount,
		CompletionTokens: resp.EvalCount,
	}, nil
}
