package models

import (
	"time"

	"github.com/google/uuid"
)

// StoryStatus is the lifecycle status of a story. Matches the CHECK constraint on stories.status.
type StoryStatus string

const (
	StatusGenerating StoryStatus = "GENERATING" // text or illustrations still being produced
	StatusReady      StoryStatus = "READY"      // every page of the last batch got an illustration
	StatusPartial    StoryStatus = "PARTIAL"    // some pages of the last batch failed
	StatusFailed     StoryStatus = "FAILED"     // no page of the last batch succeeded
	StatusCancelled  StoryStatus = "CANCELLED"  // text generation failed, or all-or-nothing batch failure
)

// IsTerminal reports whether no further automatic transition is expected.
func (s StoryStatus) IsTerminal() bool {
	switch s {
	case StatusReady, StatusPartial, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ElementKind classifies a world element in a story's cast.
type ElementKind string

const (
	ElementCharacter ElementKind = "character"
	ElementPet       ElementKind = "pet"
	ElementLocation  ElementKind = "location"
	ElementObject    ElementKind = "object"
)

// Valid reports whether k is one of the known kinds.
func (k ElementKind) Valid() bool {
	switch k {
	case ElementCharacter, ElementPet, ElementLocation, ElementObject:
		return true
	}
	return false
}

// WorldElement is one member of the cast a story is written around.
type WorldElement struct {
	Kind        ElementKind `json:"kind"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
}

// Story is a generated multi-page illustrated narrative.
type Story struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	UserID       uuid.UUID      `json:"userId" db:"user_id"`
	Title        *string        `json:"title,omitempty" db:"title"`
	Theme        string         `json:"theme" db:"theme"`
	Language     string         `json:"language" db:"language"`
	Cast         []WorldElement `json:"cast" db:"cast_elements"`
	PageCount    int            `json:"pageCount" db:"page_count"`
	Status       StoryStatus    `json:"status" db:"status"`
	ErrorDetails *string        `json:"errorDetails,omitempty" db:"error_details"`
	CreatedAt    time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time      `json:"updatedAt" db:"updated_at"`
	Pages        []Page         `json:"pages" db:"-"`
}

// Page is one ordinal unit of a story.
type Page struct {
	ID                 uuid.UUID    `json:"id" db:"id"`
	StoryID            uuid.UUID    `json:"storyId" db:"story_id"`
	Index              int          `json:"index" db:"page_index"`
	Text               string       `json:"text" db:"text"`
	IllustrationPrompt string       `json:"illustrationPrompt" db:"illustration_prompt"`
	ChosenVariantID    *uuid.UUID   `json:"-" db:"chosen_variant_id"`
	ChosenImage        *ChosenImage `json:"chosenImage" db:"-"`
	CreatedAt          time.Time    `json:"-" db:"created_at"`
	UpdatedAt          time.Time    `json:"-" db:"updated_at"`
}

// Illustrated reports whether the page has a currently chosen variant.
func (p Page) Illustrated() bool {
	return p.ChosenVariantID != nil || p.ChosenImage != nil
}

// ChosenImage is the public view of a page's chosen illustration.
type ChosenImage struct {
	ID     uuid.UUID `json:"id"`
	URL    string    `json:"url"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
}

// IllustrationVariant is one generated image artifact for a page.
type IllustrationVariant struct {
	ID        uuid.UUID `json:"id" db:"id"`
	PageID    uuid.UUID `json:"pageId" db:"page_id"`
	SourceURL string    `json:"sourceUrl" db:"source_url"`
	PublicID  string    `json:"publicId" db:"public_id"`
	Width     int       `json:"width" db:"width"`
	Height    int       `json:"height" db:"height"`
	Prompt    string    `json:"prompt" db:"prompt"`
	IsChosen  bool      `json:"isChosen" db:"is_chosen"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// PageDraft is one page of generated story text, before it is persisted.
type PageDraft struct {
	Text               string `json:"text"`
	IllustrationPrompt string `json:"illustrationPrompt"`
}

// StoryDraft is the output of story text generation.
type StoryDraft struct {
	Title string      `json:"title"`
	Pages []PageDraft `json:"pages"`
}

// Progress is the completion ratio of a story's illustrations.
type Progress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

// ProgressOf counts illustrated pages.
func ProgressOf(pages []Page) Progress {
	p := Progress{Total: len(pages)}
	for _, page := range pages {
		if page.Illustrated() {
			p.Completed++
		}
	}
	return p
}
