package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lox/portfoliosync/internal/models"
)

var ErrBusy = errors.New("sync already in progress")

// Scheduler runs the coordinator on a cron schedule and on demand. Runs
// never overlap.
type Scheduler struct {
	coord    *Coordinator
	defaults RunOptions
	log      zerolog.Logger

	mu      sync.Mutex
	running atomic.Bool
	lastMu  sync.RWMutex
	last    *Summary

	// OnComplete is called after every finished run.
	OnComplete func(*Summary)
}

func NewScheduler(coord *Coordinator, defaults RunOptions, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		coord:    coord,
		defaults: defaults,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Defaults returns the options scheduled runs use.
func (s *Scheduler) Defaults() RunOptions { return s.defaults }

// Trigger runs one sync now. It returns ErrBusy if a run is in progress.
func (s *Scheduler) Trigger(ctx context.Context, opts RunOptions) (*Summary, error) {
	if !s.mu.TryLock() {
		return nil, ErrBusy
	}
	defer s.mu.Unlock()
	return s.run(ctx, opts), nil
}

// Start begins a sync in the background and returns once it holds the run
// slot. It returns ErrBusy if a run is in progress.
func (s *Scheduler) Start(ctx context.Context, opts RunOptions) error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	s.running.Store(true)
	go func() {
		defer s.mu.Unlock()
		s.run(ctx, opts)
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context, opts RunOptions) *Summary {
	s.running.Store(true)
	defer s.running.Store(false)

	summary := s.coord.Run(ctx, opts)

	s.lastMu.Lock()
	s.last = summary
	s.lastMu.Unlock()

	if s.OnComplete != nil {
		s.OnComplete(summary)
	}
	return summary
}

func (s *Scheduler) Running() bool { return s.running.Load() }

// Last returns the summary of the most recent run, or nil.
func (s *Scheduler) Last() *Summary {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	return s.last
}

// Run triggers a sync on every tick of spec until ctx is done, then waits
// for a run in progress to finish.
func (s *Scheduler) Run(ctx context.Context, spec string, runOnStart bool) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger{s.log}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	s.log.Info().Str("schedule", spec).Msg("scheduler started")
	var initial sync.WaitGroup
	if runOnStart {
		initial.Add(1)
		go func() {
			defer initial.Done()
			s.tick(ctx)
		}()
	}
	c.Start()

	<-ctx.Done()
	s.log.Info().Msg("scheduler shutting down")
	<-c.Stop().Done()
	initial.Wait()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	summary, err := s.Trigger(ctx, s.defaults)
	if errors.Is(err, ErrBusy) {
		s.log.Warn().Msg("previous sync still running, skipping tick")
		return
	}
	if summary.Status != models.StatusSuccess {
		s.log.Warn().Str("run_id", summary.RunID).Str("status", string(summary.Status)).Msg("scheduled sync did not fully succeed")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
