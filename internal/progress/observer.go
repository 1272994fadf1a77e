// Package progress polls a story until its illustrations are done.
package progress

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

// State is the observer's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePolling   State = "polling"
	StateReady     State = "ready"
	StatePartial   State = "partial"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
	StateError     State = "error"
)

// Done reports whether polling has ended for good.
func (s State) Done() bool {
	return s != StateIdle && s != StatePolling
}

// Fetcher reads the current story state; *Client satisfies it.
type Fetcher interface {
	FetchStory(ctx context.Context, storyID uuid.UUID) (*StoryView, error)
}

// Snapshot is what the observer reports after every fetch.
type Snapshot struct {
	StoryID   uuid.UUID
	State     State
	Status    models.StoryStatus
	Completed int
	Total     int
	Percent   int
	Err       error
}

// Config tunes polling.
type Config struct {
	Interval       time.Duration // between fetches
	MaxDuration    time.Duration // wall-clock cap of one Start
	AcceptedFloor  int           // percent shown once a batch is accepted
	MaxFetchErrors int           // consecutive failed fetches before giving up
}

const (
	DefaultInterval       = 2 * time.Second
	DefaultMaxDuration    = 180 * time.Second
	DefaultAcceptedFloor  = 25
	DefaultMaxFetchErrors = 3
)

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.AcceptedFloor <= 0 || c.AcceptedFloor > 99 {
		c.AcceptedFloor = DefaultAcceptedFloor
	}
	if c.MaxFetchErrors <= 0 {
		c.MaxFetchErrors = DefaultMaxFetchErrors
	}
	return c
}

// ErrTimedOut is set on the final snapshot when MaxDuration elapses.
var ErrTimedOut = errors.New("story did not finish within the polling window")

// Observer polls one story at a time. Start may be called repeatedly; a new
// run always stops the previous one first.
type Observer struct {
	fetcher Fetcher
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	last     Snapshot
	accepted bool
}

// NewObserver creates an idle Observer.
func NewObserver(fetcher Fetcher, cfg Config, logger *zap.Logger) *Observer {
	return &Observer{
		fetcher: fetcher,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("ProgressObserver"),
		last:    Snapshot{State: StateIdle},
	}
}

// Start begins polling storyID: one fetch right away, then one per
// Interval. onUpdate (may be nil) receives every snapshot from the polling
// goroutine.
func (o *Observer) Start(ctx context.Context, storyID uuid.UUID, onUpdate func(Snapshot)) {
	o.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	o.mu.Lock()
	o.cancel = cancel
	o.done = done
	o.accepted = false
	o.last = Snapshot{StoryID: storyID, State: StatePolling}
	o.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		o.poll(runCtx, storyID, onUpdate)
	}()
}

// MarkAccepted tells the observer the batch request was accepted, so the
// displayed percentage never drops below AcceptedFloor.
func (o *Observer) MarkAccepted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accepted = true
	if o.last.State == StatePolling && o.last.Percent < o.cfg.AcceptedFloor {
		o.last.Percent = o.cfg.AcceptedFloor
	}
}

// Stop ends the current run, if any, and returns the observer to idle
// unless the run already finished.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	o.mu.Lock()
	if !o.last.State.Done() {
		o.last.State = StateIdle
	}
	o.mu.Unlock()
}

// Wait blocks until the current run ends or ctx is done and returns the
// latest snapshot.
func (o *Observer) Wait(ctx context.Context) Snapshot {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return o.Snapshot()
}

// Snapshot returns the latest snapshot.
func (o *Observer) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Observer) poll(ctx context.Context, storyID uuid.UUID, onUpdate func(Snapshot)) {
	log := o.logger.With(zap.String("story_id", storyID.String()))
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	// Fetches run under the same deadline, so a slow one cannot stretch the run.
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.MaxDuration)
	defer cancel()

	failures := 0
	for {
		view, err := o.fetcher.FetchStory(runCtx, storyID)
		if ctx.Err() != nil {
			return
		}
		if err != nil && runCtx.Err() != nil {
			o.timedOut(log, onUpdate)
			return
		}
		var snap Snapshot
		if err != nil {
			failures++
			log.Warn("Status fetch failed", zap.Int("consecutive", failures), zap.Error(err))
			snap = o.record(func(s *Snapshot) {
				s.Err = err
				if failures >= o.cfg.MaxFetchErrors {
					s.State = StateError
				}
			})
		} else {
			failures = 0
			snap = o.record(func(s *Snapshot) { o.apply(s, view) })
		}
		if onUpdate != nil {
			onUpdate(snap)
		}
		if snap.State.Done() {
			log.Info("Polling finished", zap.String("state", string(snap.State)), zap.Int("percent", snap.Percent))
			return
		}

		select {
		case <-runCtx.Done():
			if ctx.Err() == nil {
				o.timedOut(log, onUpdate)
			}
			return
		case <-ticker.C:
		}
	}
}

func (o *Observer) timedOut(log *zap.Logger, onUpdate func(Snapshot)) {
	snap := o.record(func(s *Snapshot) {
		s.State = StateTimedOut
		s.Err = ErrTimedOut
	})
	log.Warn("Polling timed out", zap.Duration("max_duration", o.cfg.MaxDuration))
	if onUpdate != nil {
		onUpdate(snap)
	}
}

func (o *Observer) record(mutate func(s *Snapshot)) Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	mutate(&o.last)
	return o.last
}

// apply folds a fetched story into s. Called with o.mu held.
func (o *Observer) apply(s *Snapshot, view *StoryView) {
	progress := models.ProgressOf(view.Pages)
	s.Err = nil
	s.Status = view.Status
	s.Completed = progress.Completed
	s.Total = progress.Total
	s.Percent = Percent(progress, o.accepted, o.cfg.AcceptedFloor)

	switch {
	case progress.Total > 0 && progress.Completed == progress.Total:
		s.State = StateReady
		s.Percent = 100
	case view.Status == models.StatusReady:
		s.State = StateReady
	case view.Status == models.StatusPartial:
		s.State = StatePartial
	case view.Status == models.StatusFailed:
		s.State = StateFailed
	case view.Status == models.StatusCancelled:
		s.State = StateCancelled
	}
}

// Percent maps progress into 0..100. Until every page is done the value
// stays at or below 99, and at or above floor once accepted.
func Percent(p models.Progress, accepted bool, floor int) int {
	if p.Total <= 0 {
		if accepted {
			return floor
		}
		return 0
	}
	if p.Completed >= p.Total {
		return 100
	}
	pct := p.Completed * 100 / p.Total
	if pct > 99 {
		pct = 99
	}
	if accepted && pct < floor {
		pct = floor
	}
	return pct
}
