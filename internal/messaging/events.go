// Package messaging publishes story lifecycle events.
package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"

	"storybook-server/internal/models"
)

// Routing keys of published events.
const (
	EventStoryTextReady             = "story.text.ready"
	EventStoryTextFailed            = "story.text.failed"
	EventStoryIllustrationsFinished = "story.illustrations.finished"
)

// StoryEvent is the JSON body of every lifecycle event.
type StoryEvent struct {
	Type       string             `json:"type"`
	StoryID    uuid.UUID          `json:"storyId"`
	UserID     uuid.UUID          `json:"userId"`
	Status     models.StoryStatus `json:"status"`
	Succeeded  int                `json:"succeeded,omitempty"`
	Total      int                `json:"total,omitempty"`
	Error      string             `json:"error,omitempty"`
	OccurredAt time.Time          `json:"occurredAt"`
}

// Publisher sends story events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event StoryEvent) error
}

// NoopPublisher drops every event; used when no broker is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, StoryEvent) error { return nil }
