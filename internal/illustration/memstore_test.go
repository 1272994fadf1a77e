package illustration

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"storybook-server/internal/models"
	"storybook-server/internal/repository"
)

// memStore is an in-memory StoryRepository and IllustrationRepository.
type memStore struct {
	mu       sync.Mutex
	stories  map[uuid.UUID]*models.Story
	pages    map[uuid.UUID]*models.Page
	variants map[uuid.UUID]*models.IllustrationVariant
	statuses []models.StoryStatus // status write history

	failInsertFor map[uuid.UUID]error
}

var (
	_ repository.StoryRepository        = (*memStore)(nil)
	_ repository.IllustrationRepository = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		stories:       make(map[uuid.UUID]*models.Story),
		pages:         make(map[uuid.UUID]*models.Page),
		variants:      make(map[uuid.UUID]*models.IllustrationVariant),
		failInsertFor: make(map[uuid.UUID]error),
	}
}

// seed creates a story with n pages, the first illustrated of them already illustrated.
func (m *memStore) seed(n, illustrated int) (*models.Story, []models.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()
	story := &models.Story{ID: uuid.New(), UserID: uuid.New(), Theme: "theme", PageCount: n, Status: models.StatusGenerating}
	m.stories[story.ID] = story
	pages := make([]models.Page, 0, n)
	for i := 0; i < n; i++ {
		p := &models.Page{ID: uuid.New(), StoryID: story.ID, Index: i, Text: fmt.Sprintf("text %d", i), IllustrationPrompt: fmt.Sprintf("page-%d", i+1)}
		if i < illustrated {
			v := &models.IllustrationVariant{ID: uuid.New(), PageID: p.ID, SourceURL: "http://old", IsChosen: true}
			m.variants[v.ID] = v
			p.ChosenVariantID = &v.ID
		}
		m.pages[p.ID] = p
		pages = append(pages, *p)
	}
	return story, pages
}

func (m *memStore) Create(_ context.Context, story *models.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stories[story.ID] = story
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[id]
	if !ok {
		return nil, models.ErrStoryNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) GetWithPages(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	s, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pages {
		if p.StoryID == id {
			s.Pages = append(s.Pages, *p)
		}
	}
	sort.Slice(s.Pages, func(i, j int) bool { return s.Pages[i].Index < s.Pages[j].Index })
	return s, nil
}

func (m *memStore) SaveDraft(context.Context, uuid.UUID, models.StoryDraft) ([]models.Page, error) {
	return nil, fmt.Errorf("not implemented")
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, status models.StoryStatus, _ *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[id]
	if !ok {
		return models.ErrStoryNotFound
	}
	s.Status = status
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *memStore) ListByUser(context.Context, uuid.UUID, []models.StoryStatus, int, int) ([]models.Story, error) {
	return nil, nil
}

func (m *memStore) SaveChosenVariant(_ context.Context, v *models.IllustrationVariant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pages[v.PageID]
	if !ok {
		return fmt.Errorf("%w: %s", models.ErrPageNotFound, v.PageID)
	}
	if err := m.failInsertFor[v.PageID]; err != nil {
		return err
	}
	for _, old := range m.variants {
		if old.PageID == v.PageID {
			old.IsChosen = false
		}
	}
	cp := *v
	cp.IsChosen = true
	m.variants[v.ID] = &cp
	id := v.ID
	p.ChosenVariantID = &id
	p.IllustrationPrompt = v.Prompt
	return nil
}

func (m *memStore) ListVariants(_ context.Context, pageID uuid.UUID) ([]models.IllustrationVariant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.IllustrationVariant
	for _, v := range m.variants {
		if v.PageID == pageID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (m *memStore) status(id uuid.UUID) models.StoryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stories[id].Status
}

func (m *memStore) illustratedCount(storyID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pages {
		if p.StoryID == storyID && p.ChosenVariantID != nil {
			n++
		}
	}
	return n
}

func (m *memStore) chosenCount(pageID uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, v := range m.variants {
		if v.PageID == pageID && v.IsChosen {
			n++
		}
	}
	return n
}
