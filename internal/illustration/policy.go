package illustration

import (
	"fmt"

	"storybook-server/internal/models"
)

// Policy names accepted by PolicyByName.
const (
	PolicyTernary      = "ternary"
	PolicyAllOrNothing = "all_or_nothing"
)

// StatusPolicy collapses per-page results into the story's terminal status.
type StatusPolicy interface {
	Decide(results []models.GenerationResultItem) models.StoryStatus
}

// TernaryPolicy: all succeeded -> READY, some -> PARTIAL, none -> FAILED.
// An empty batch is READY.
type TernaryPolicy struct{}

func (TernaryPolicy) Decide(results []models.GenerationResultItem) models.StoryStatus {
	ok := countSucceeded(results)
	switch {
	case ok == len(results):
		return models.StatusReady
	case ok == 0:
		return models.StatusFailed
	default:
		return models.StatusPartial
	}
}

// AllOrNothingPolicy: READY iff every item succeeded, otherwise CANCELLED.
type AllOrNothingPolicy struct{}

func (AllOrNothingPolicy) Decide(results []models.GenerationResultItem) models.StoryStatus {
	if countSucceeded(results) == len(results) {
		return models.StatusReady
	}
	return models.StatusCancelled
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (StatusPolicy, error) {
	switch name {
	case "", PolicyTernary:
		return TernaryPolicy{}, nil
	case PolicyAllOrNothing:
		return AllOrNothingPolicy{}, nil
	}
	return nil, fmt.Errorf("unknown status policy %q", name)
}

func countSucceeded(results []models.GenerationResultItem) int {
	n := 0
	for _, r := range results {
		if r.Success {
			n++
		}
	}
	return n
}
