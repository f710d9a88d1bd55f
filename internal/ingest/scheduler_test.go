package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lox/portfoliosync/internal/models"
)

func TestTriggerRejectsOverlappingRuns(t *testing.T) {
	st := setupStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	companies := &fakeFetcher{
		entity: models.EntityCompany,
		pages:  [][]models.Record{{company(1, jan(2))}},
		before: func(int) {
			close(started)
			<-release
		},
	}

	s := NewScheduler(newCoordinator(st, fetchers(companies)), fullRun(models.EntityCompany), zerolog.Nop())
	var completed *Summary
	s.OnComplete = func(sum *Summary) { completed = sum }

	done := make(chan *Summary)
	go func() {
		sum, err := s.Trigger(context.Background(), s.Defaults())
		if err != nil {
			t.Errorf("first Trigger: %v", err)
		}
		done <- sum
	}()

	<-started
	if !s.Running() {
		t.Error("Running() = false during a run")
	}
	if _, err := s.Trigger(context.Background(), s.Defaults()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Trigger err = %v, want ErrBusy", err)
	}
	close(release)

	sum := <-done
	if sum == nil || sum.Status != models.StatusSuccess {
		t.Fatalf("summary = %+v", sum)
	}
	if s.Last() != sum || completed != sum {
		t.Error("Last/OnComplete did not see the finished run")
	}
	if s.Running() {
		t.Error("Running() = true after the run")
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler(newCoordinator(setupStore(t), fetchers()), RunOptions{}, zerolog.Nop())
	if err := s.Run(context.Background(), "not a schedule", false); err == nil {
		t.Error("expected error for invalid cron spec")
	}
}

func TestSchedulerRunsOnStartAndStops(t *testing.T) {
	st := setupStore(t)
	companies := &fakeFetcher{entity: models.EntityCompany, pages: [][]models.Record{{company(1, jan(2))}}}
	s := NewScheduler(newCoordinator(st, fetchers(companies)), fullRun(models.EntityCompany), zerolog.Nop())

	ran := make(chan struct{}, 1)
	s.OnComplete = func(*Summary) { ran <- struct{}{} }

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx, "@every 1h", true) }()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("initial run did not happen")
	}
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	if got := count(t, st, models.EntityCompany); got != 1 {
		t.Errorf("companies = %d, want 1", got)
	}
}

func TestStartRunsInBackground(t *testing.T) {
	st := setupStore(t)
	release := make(chan struct{})
	companies := &fakeFetcher{
		entity: models.EntityCompany,
		pages:  [][]models.Record{{company(1, jan(2))}},
		before: func(int) { <-release },
	}
	s := NewScheduler(newCoordinator(st, fetchers(companies)), fullRun(models.EntityCompany), zerolog.Nop())
	done := make(chan *Summary, 1)
	s.OnComplete = func(sum *Summary) { done <- sum }

	if err := s.Start(context.Background(), s.Defaults()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.Running() {
		t.Error("Running() = false after Start")
	}
	if err := s.Start(context.Background(), s.Defaults()); !errors.Is(err, ErrBusy) {
		t.Errorf("second Start err = %v, want ErrBusy", err)
	}
	close(release)

	select {
	case sum := <-done:
		if sum.Status != models.StatusSuccess {
			t.Errorf("status = %s", sum.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("background run did not finish")
	}
}
