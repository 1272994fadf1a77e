package illustration

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storybook-server/internal/imagegen"
	"storybook-server/internal/messaging"
	"storybook-server/internal/models"
	"storybook-server/internal/remote"
)

// imageServer fakes the image API. Prompts containing "reject" get a 400,
// prompts containing "hang" never answer in time, "flaky" hangs once.
type imageServer struct {
	*httptest.Server
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    sync.Map // prompt -> *atomic.Int32
	delay    time.Duration
}

func newImageServer(t *testing.T, delay time.Duration) *imageServer {
	s := &imageServer{delay: delay}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) callsFor(prompt string) int32 {
	v, ok := s.calls.Load(prompt)
	if !ok {
		return 0
	}
	return v.(*atomic.Int32).Load()
}

func (s *imageServer) handle(w http.ResponseWriter, r *http.Request) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var req struct {
		Prompt string `json:"prompt"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	counter, _ := s.calls.LoadOrStore(req.Prompt, new(atomic.Int32))
	call := counter.(*atomic.Int32).Add(1)

	hang := strings.Contains(req.Prompt, "hang") || (strings.Contains(req.Prompt, "flaky") && call == 1)
	if hang {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
		return
	}

	time.Sleep(s.delay)
	if strings.Contains(req.Prompt, "reject") {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"prompt rejected: ` + req.Prompt + `"}}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString([]byte("png:" + req.Prompt))}},
	})
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []messaging.StoryEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e messaging.StoryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type harness struct {
	store     *memStore
	images    *imageServer
	publisher *recordingPublisher
	orch      *Orchestrator
}

func newHarness(t *testing.T, cfg remote.Config, limit int, policy StatusPolicy, delay time.Duration) *harness {
	t.Helper()
	h := &harness{store: newMemStore(), images: newImageServer(t, delay), publisher: &recordingPublisher{}}

	caller := remote.New(h.images.Client(), cfg, zap.NewNop())
	client, err := imagegen.NewClient(caller, imagegen.Config{BaseURL: h.images.URL, APIKey: "sk-test"}, zap.NewNop())
	require.NoError(t, err)

	worker := NewWorker(client, newLocalStore(t), h.store, zap.NewNop())
	h.orch = NewOrchestrator(h.store, worker, nil, h.publisher, policy, limit, zap.NewNop())
	return h
}

func fastRetries() remote.Config {
	return remote.Config{Timeout: 2 * time.Second, MaxAttempts: 5, BaseBackoff: 5 * time.Millisecond, MaxJitter: time.Millisecond}
}

func itemsFor(pages []models.Page, prompts ...string) []models.GenerationRequestItem {
	items := make([]models.GenerationRequestItem, len(pages))
	for i, p := range pages {
		prompt := p.IllustrationPrompt
		if i < len(prompts) && prompts[i] != "" {
			prompt = prompts[i]
		}
		items[i] = models.GenerationRequestItem{PageID: p.ID, Prompt: prompt}
	}
	return items
}

func assertOneResultPerItem(t *testing.T, items []models.GenerationRequestItem, res *models.BatchResult) {
	t.Helper()
	require.Len(t, res.Results, len(items))
	seen := make(map[uuid.UUID]bool)
	for i, r := range res.Results {
		assert.False(t, seen[r.PageID], "duplicate result for %s", r.PageID)
		seen[r.PageID] = true
		assert.Equal(t, items[i].PageID, r.PageID)
	}
}

// 5 prompts, limit 5, all succeed.
func TestOrchestrator_AllSucceed(t *testing.T) {
	h := newHarness(t, fastRetries(), 5, AllOrNothingPolicy{}, 10*time.Millisecond)
	story, pages := h.store.seed(5, 0)
	items := itemsFor(pages)

	res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: items})
	require.NoError(t, err)

	assertOneResultPerItem(t, items, res)
	assert.True(t, res.Success)
	assert.Equal(t, models.StatusReady, res.Status)
	for _, r := range res.Results {
		assert.True(t, r.Success)
		assert.NotEmpty(t, r.ImageURL)
		assert.NotNil(t, r.VariantID)
	}
	assert.Equal(t, models.StatusReady, h.store.status(story.ID))
	assert.Equal(t, []models.StoryStatus{models.StatusGenerating, models.StatusReady}, h.store.statuses)
	assert.Equal(t, 5, h.store.illustratedCount(story.ID))

	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, messaging.EventStoryIllustrationsFinished, h.publisher.events[0].Type)
	assert.Equal(t, 5, h.publisher.events[0].Succeeded)
}

// 5 prompts, limit 2, #3 rejected upstream.
func TestOrchestrator_OneUpstreamRejection(t *testing.T) {
	for _, tc := range []struct {
		policy StatusPolicy
		want   models.StoryStatus
	}{
		{AllOrNothingPolicy{}, models.StatusCancelled},
		{TernaryPolicy{}, models.StatusPartial},
	} {
		h := newHarness(t, fastRetries(), 2, tc.policy, 20*time.Millisecond)
		story, pages := h.store.seed(5, 0)
		items := itemsFor(pages, "", "", "reject page 3")

		res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: items})
		require.NoError(t, err)

		assertOneResultPerItem(t, items, res)
		assert.False(t, res.Success)
		assert.Equal(t, tc.want, res.Status)
		for i, r := range res.Results {
			if i == 2 {
				assert.False(t, r.Success)
				assert.Equal(t, "prompt rejected: reject page 3", r.ErrorMessage)
				continue
			}
			assert.True(t, r.Success, "page %d: %s", i+1, r.ErrorMessage)
		}
		assert.Equal(t, int32(1), h.images.callsFor("reject page 3"), "application errors are never retried")
		assert.LessOrEqual(t, h.images.peak.Load(), int32(2))
		assert.Equal(t, tc.want, h.store.status(story.ID))
		assert.Equal(t, 4, h.store.illustratedCount(story.ID))
	}
}

// One prompt, first attempt times out, second succeeds.
func TestOrchestrator_TimeoutThenSuccess(t *testing.T) {
	const base = 1500 * time.Millisecond
	h := newHarness(t, remote.Config{Timeout: 100 * time.Millisecond, MaxAttempts: 5, BaseBackoff: base}, 5, TernaryPolicy{}, 0)
	story, pages := h.store.seed(1, 0)
	items := itemsFor(pages, "flaky fox")

	start := time.Now()
	res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: items})
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success, res.Results[0].ErrorMessage)
	assert.Equal(t, models.StatusReady, res.Status)
	assert.Equal(t, int32(2), h.images.callsFor("flaky fox"))
	assert.GreaterOrEqual(t, elapsed, base)
}

// One page exhausts its attempts; siblings are unaffected.
func TestOrchestrator_RetryExhaustionIsIsolated(t *testing.T) {
	cfg := remote.Config{Timeout: 50 * time.Millisecond, MaxAttempts: 5, BaseBackoff: 5 * time.Millisecond, MaxJitter: time.Millisecond}
	h := newHarness(t, cfg, 3, TernaryPolicy{}, 0)
	story, pages := h.store.seed(3, 0)
	items := itemsFor(pages, "", "hang forever")

	res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: items})
	require.NoError(t, err)

	assertOneResultPerItem(t, items, res)
	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[2].Success)
	assert.False(t, res.Results[1].Success)
	assert.Contains(t, res.Results[1].ErrorMessage, "retries exhausted")
	assert.Equal(t, int32(5), h.images.callsFor("hang forever"))
	assert.Equal(t, models.StatusPartial, res.Status)
}

// 5 pages, 2 illustrated, the remaining 3 submitted.
func TestOrchestrator_RemainingPagesCompleteStory(t *testing.T) {
	h := newHarness(t, fastRetries(), 5, AllOrNothingPolicy{}, 5*time.Millisecond)
	story, pages := h.store.seed(5, 2)
	items := itemsFor(pages[2:])

	res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: items})
	require.NoError(t, err)

	assertOneResultPerItem(t, items, res)
	assert.Equal(t, models.StatusReady, res.Status)
	assert.Equal(t, 5, h.store.illustratedCount(story.ID))
}

func TestOrchestrator_ConcurrencyHighWaterMark(t *testing.T) {
	for _, limit := range []int{1, 3} {
		h := newHarness(t, fastRetries(), limit, TernaryPolicy{}, 15*time.Millisecond)
		story, pages := h.store.seed(8, 0)

		res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: itemsFor(pages)})
		require.NoError(t, err)
		assert.Len(t, res.Results, 8)
		assert.LessOrEqual(t, h.images.peak.Load(), int32(limit))
	}
}

func TestOrchestrator_SettledResultsAreAggregated(t *testing.T) {
	h := newHarness(t, fastRetries(), 5, AllOrNothingPolicy{}, 0)
	story, pages := h.store.seed(2, 0)
	foreign := models.FailedResult(uuid.New(), "page does not belong to story")

	res, err := h.orch.Run(context.Background(), Batch{
		UserID:  story.UserID,
		StoryID: story.ID,
		Items:   itemsFor(pages),
		Settled: []models.GenerationResultItem{foreign},
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, foreign, res.Results[2])
	assert.Equal(t, models.StatusCancelled, res.Status)
}

func TestOrchestrator_EmptyBatchIsReady(t *testing.T) {
	h := newHarness(t, fastRetries(), 5, TernaryPolicy{}, 0)
	story, _ := h.store.seed(2, 2)

	res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID})
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.True(t, res.Success)
	assert.Equal(t, models.StatusReady, res.Status)
}

func TestOrchestrator_RegenerationSupersedes(t *testing.T) {
	h := newHarness(t, fastRetries(), 5, TernaryPolicy{}, 0)
	story, pages := h.store.seed(1, 1)

	res, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: itemsFor(pages, "a brighter fox")})
	require.NoError(t, err)
	require.True(t, res.Results[0].Success)

	variants, _ := h.store.ListVariants(context.Background(), pages[0].ID)
	assert.Len(t, variants, 2)
	assert.Equal(t, 1, h.store.chosenCount(pages[0].ID))
}

func TestOrchestrator_UnknownStory(t *testing.T) {
	h := newHarness(t, fastRetries(), 5, TernaryPolicy{}, 0)
	_, err := h.orch.Run(context.Background(), Batch{StoryID: uuid.New(), Items: []models.GenerationRequestItem{{PageID: uuid.New(), Prompt: "x"}}})
	assert.ErrorIs(t, err, models.ErrStoryNotFound)
}

func TestOrchestrator_RejectsOverlappingBatch(t *testing.T) {
	h := newHarness(t, fastRetries(), 5, TernaryPolicy{}, 100*time.Millisecond)
	story, pages := h.store.seed(1, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: itemsFor(pages)})
	}()
	require.Eventually(t, func() bool { return h.images.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: itemsFor(pages)})
	assert.ErrorIs(t, err, ErrBatchInProgress)
	assert.ErrorIs(t, err, models.ErrConflict)
	<-done
}

type panickingWorker struct{ panicOn uuid.UUID }

func (p panickingWorker) Illustrate(_ context.Context, job Job) models.GenerationResultItem {
	if job.Item.PageID == p.panicOn {
		panic("nil pointer")
	}
	return models.GenerationResultItem{PageID: job.Item.PageID, Success: true}
}

func TestOrchestrator_PanickingPageIsContained(t *testing.T) {
	store := newMemStore()
	story, pages := store.seed(3, 0)
	orch := NewOrchestrator(store, panickingWorker{panicOn: pages[1].ID}, nil, nil, TernaryPolicy{}, 2, zap.NewNop())

	res, err := orch.Run(context.Background(), Batch{UserID: story.UserID, StoryID: story.ID, Items: itemsFor(pages)})
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.Equal(t, "internal error while illustrating page", res.Results[1].ErrorMessage)
	assert.True(t, res.Results[2].Success)
	assert.Equal(t, models.StatusPartial, res.Status)
}
