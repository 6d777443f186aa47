// Package jobs runs periodic background work.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"

	"faceattend/internal/model"
)

// Expirer completes sessions whose window has passed.
type Expirer interface {
	CompleteExpired(ctx context.Context) ([]model.Session, error)
}

// Scheduler runs the session sweep on a gocron scheduler.
type Scheduler struct {
	scheduler *gocron.Scheduler
	expirer   Expirer
	timeout   time.Duration
	log       *logrus.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler that sweeps every interval.
func NewScheduler(expirer Expirer, log *logrus.Logger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{scheduler: s, expirer: expirer, timeout: 30 * time.Second, log: log}
}

// Start registers the sweep and starts the scheduler.
func (s *Scheduler) Start(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if _, err := s.scheduler.Every(interval).Tag("session-sweep").Do(s.Sweep); err != nil {
		return err
	}
	s.scheduler.StartAsync()
	s.running = true
	s.log.WithField("interval", interval.String()).Info("session sweeper started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.scheduler.Stop()
	s.running = false
	s.log.Info("session sweeper stopped")
}

// Sweep completes expired sessions once.
func (s *Scheduler) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	done, err := s.expirer.CompleteExpired(ctx)
	if err != nil {
		s.log.WithField("error", err.Error()).Warn("session sweep failed")
	}
	for _, sess := range done {
		s.log.WithFields(logrus.Fields{"session_id": sess.ID, "end_time": sess.EndTime}).Info("session completed by sweeper")
	}
}
