package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"storybook-server/internal/models"
	"storybook-server/internal/progress"
	"storybook-server/internal/service"
)

// castFlag collects repeated -cast kind:name[:description] values.
type castFlag []models.WorldElement

func (f *castFlag) String() string {
	parts := make([]string, 0, len(*f))
	for _, el := range *f {
		parts = append(parts, string(el.Kind)+":"+el.Name)
	}
	return strings.Join(parts, ",")
}

func (f *castFlag) Set(value string) error {
	el, err := parseCast(value)
	if err != nil {
		return err
	}
	*f = append(*f, el)
	return nil
}

func parseCast(value string) (models.WorldElement, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
		return models.WorldElement{}, fmt.Errorf("cast %q: want kind:name[:description]", value)
	}
	el := models.WorldElement{
		Kind: models.ElementKind(strings.ToLower(strings.TrimSpace(parts[0]))),
		Name: strings.TrimSpace(parts[1]),
	}
	if !el.Kind.Valid() {
		return models.WorldElement{}, fmt.Errorf("cast %q: unknown kind %q", value, el.Kind)
	}
	if len(parts) == 3 {
		el.Description = strings.TrimSpace(parts[2])
	}
	return el, nil
}

func runCreate(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	theme := fs.String("theme", "", "story theme (required)")
	pages := fs.Int("pages", 5, "number of pages")
	lang := fs.String("lang", "", "story language, e.g. en or ru")
	var cast castFlag
	fs.Var(&cast, "cast", "cast member kind:name[:description], repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*theme) == "" {
		return errors.New("-theme is required")
	}

	res, err := e.client(30*time.Second, 3).CreateStory(ctx, service.CreateStoryInput{
		Theme:     *theme,
		PageCount: *pages,
		Language:  *lang,
		Cast:      cast,
	})
	if err != nil {
		return err
	}
	fmt.Printf("story %s accepted (task %s, status %s)\n", res.StoryID, res.TaskID, res.Status)
	return nil
}

func runIllustrate(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("illustrate", flag.ContinueOnError)
	rawID := fs.String("story", "", "story id (required)")
	onlyMissing := fs.Bool("only-missing", false, "skip pages that already have an illustration")
	timeout := fs.Duration("timeout", 15*time.Minute, "how long to wait for the batch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	storyID, err := uuid.Parse(*rawID)
	if err != nil {
		return fmt.Errorf("-story: %w", err)
	}

	view, err := e.client(30*time.Second, 3).FetchStory(ctx, storyID)
	if err != nil {
		return err
	}
	prompts := pagePrompts(view.Pages)
	if len(prompts) == 0 {
		return errors.New("story has no pages yet; wait for its text")
	}

	// the batch call is not retried: a replay would regenerate pages
	res, err := e.client(*timeout, 1).GenerateImages(ctx, storyID, service.GenerateImagesInput{Prompts: prompts, OnlyMissing: *onlyMissing})
	if err != nil {
		return err
	}

	fmt.Printf("%d/%d pages illustrated, story %s\n", res.SuccessCount(), len(res.Results), res.Status)
	for _, r := range res.Results {
		if !r.Success {
			fmt.Printf("  page %s failed: %s\n", r.PageID, r.ErrorMessage)
		}
	}
	return nil
}

// pagePrompts uses each page's stored prompt, falling back to its text.
func pagePrompts(pages []models.Page) []models.GenerationRequestItem {
	items := make([]models.GenerationRequestItem, 0, len(pages))
	for _, p := range pages {
		prompt := strings.TrimSpace(p.IllustrationPrompt)
		if prompt == "" {
			prompt = strings.TrimSpace(p.Text)
		}
		if prompt == "" {
			continue
		}
		items = append(items, models.GenerationRequestItem{PageID: p.ID, Prompt: prompt})
	}
	return items
}

func runWatch(ctx context.Context, e *env, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	rawID := fs.String("story", "", "story id (required)")
	interval := fs.Duration("interval", progress.DefaultInterval, "polling interval")
	maxWait := fs.Duration("max", progress.DefaultMaxDuration, "give up after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	storyID, err := uuid.Parse(*rawID)
	if err != nil {
		return fmt.Errorf("-story: %w", err)
	}

	observer := progress.NewObserver(e.client(10*time.Second, 2), progress.Config{Interval: *interval, MaxDuration: *maxWait}, e.log)
	last := -1
	observer.Start(ctx, storyID, func(s progress.Snapshot) {
		if s.Percent != last {
			last = s.Percent
			fmt.Printf("%3d%%  %d/%d pages  %s\n", s.Percent, s.Completed, s.Total, s.Status)
		}
	})
	defer observer.Stop()

	snap := observer.Wait(ctx)
	switch snap.State {
	case progress.StateReady:
		fmt.Println("done")
		return nil
	case progress.StatePartial:
		fmt.Printf("finished with missing pages (%d/%d)\n", snap.Completed, snap.Total)
		return nil
	case progress.StateFailed, progress.StateCancelled:
		return fmt.Errorf("story finished as %s (%d/%d pages)", snap.Status, snap.Completed, snap.Total)
	}
	if snap.Err != nil {
		return snap.Err
	}
	return ctx.Err()
}
