package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"faceattend/internal/attendance"
	"faceattend/internal/logging"
	"faceattend/internal/model"
	"faceattend/internal/store/memstore"
)

type countingExpirer struct {
	calls atomic.Int32
}

func (c *countingExpirer) CompleteExpired(context.Context) ([]model.Session, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestSchedulerRunsSweep(t *testing.T) {
	exp := &countingExpirer{}
	s := NewScheduler(exp, logging.Discard())
	if err := s.Start(20 * time.Millisecond); err != nil {
		t.Fatalf("start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for exp.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	if exp.calls.Load() < 2 {
		t.Fatalf("expected repeated sweeps, got %d", exp.calls.Load())
	}
	s.Stop()
}

func TestSweepCompletesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	svc := attendance.NewService(repo, logging.Discard(), nil, time.Now)
	old, err := svc.CreateSession(ctx, attendance.NewSession{Name: "old", Cohort: "cs101", Start: time.Now().Add(-2 * time.Hour), End: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	live, _ := svc.CreateSession(ctx, attendance.NewSession{Name: "live", Cohort: "cs101", Start: time.Now().Add(-time.Minute), End: time.Now().Add(time.Hour)})

	NewScheduler(svc, logging.Discard()).Sweep()

	if got, _ := svc.GetSession(ctx, old.ID); got.Status != model.SessionCompleted {
		t.Fatalf("expected old session completed, got %s", got.Status)
	}
	if got, _ := svc.GetSession(ctx, live.ID); got.Status != model.SessionActive {
		t.Fatalf("expected live session untouched, got %s", got.Status)
	}
}
