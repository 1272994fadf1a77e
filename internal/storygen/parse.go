package storygen

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"storybook-server/internal/models"
)

// ParseDraft decodes a model answer into a draft with exactly wantPages pages.
// Markdown code fences and text around the JSON object are tolerated.
func ParseDraft(raw string, wantPages int) (models.StoryDraft, error) {
	var draft models.StoryDraft
	body := extractJSONObject(raw)
	if body == "" {
		return draft, errors.New("response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(body), &draft); err != nil {
		return draft, fmt.Errorf("decode story json: %w", err)
	}

	draft.Title = strings.TrimSpace(draft.Title)
	if draft.Title == "" {
		return draft, errors.New("story has no title")
	}
	if len(draft.Pages) == 0 {
		return draft, errors.New("story has no pages")
	}
	if wantPages > 0 && len(draft.Pages) > wantPages {
		draft.Pages = draft.Pages[:wantPages]
	}
	if wantPages > 0 && len(draft.Pages) < wantPages {
		return draft, fmt.Errorf("story has %d pages, want %d", len(draft.Pages), wantPages)
	}
	for i := range draft.Pages {
		p := &draft.Pages[i]
		p.Text = strings.TrimSpace(p.Text)
		p.IllustrationPrompt = strings.TrimSpace(p.IllustrationPrompt)
		if p.Text == "" {
			return draft, fmt.Errorf("page %d has no text", i+1)
		}
		if p.IllustrationPrompt == "" {
			p.IllustrationPrompt = p.Text
		}
	}
	return draft, nil
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
