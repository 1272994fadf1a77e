package models

import "github.com/google/uuid"

// GenerationRequestItem is one page submitted for illustration.
type GenerationRequestItem struct {
	PageID uuid.UUID `json:"pageId" binding:"required"`
	Prompt string    `json:"prompt" binding:"required"`
}

// GenerationResultItem is the outcome of one GenerationRequestItem.
type GenerationResultItem struct {
	PageID       uuid.UUID  `json:"pageId"`
	Success      bool       `json:"success"`
	ImageURL     string     `json:"imageUrl,omitempty"`
	VariantID    *uuid.UUID `json:"variantId,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
}

// FailedResult builds a failed item for pageID.
func FailedResult(pageID uuid.UUID, msg string) GenerationResultItem {
	return GenerationResultItem{PageID: pageID, Success: false, ErrorMessage: msg}
}

// BatchResult is the synchronous response of a batch illustration run.
type BatchResult struct {
	Success bool                   `json:"success"`
	Status  StoryStatus            `json:"status"`
	Results []GenerationResultItem `json:"results"`
}

// SuccessCount counts successful items.
func (b BatchResult) SuccessCount() int {
	n := 0
	for _, r := range b.Results {
		if r.Success {
			n++
		}
	}
	return n
}
