// Package scheduler runs named background jobs on independent intervals.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Job is one unit of recurring background work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
	// RunAtStart fires the job once immediately instead of waiting a full
	// interval for the first tick.
	RunAtStart bool
}

// Scheduler drives a fixed set of jobs, one goroutine per job.
type Scheduler struct {
	jobs    []Job
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs, stopCh: make(chan struct{})}
}

// Start launches every job loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}

	log.Printf("Scheduler started with %d jobs", len(s.jobs))
}

// Stop signals all job loops and waits for them to finish. The jobs
// themselves are expected to return promptly when their context is done.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	log.Printf("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	if job.RunAtStart {
		job.Run(ctx)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			job.Run(ctx)
		}
	}
}
