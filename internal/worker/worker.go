// Package worker runs background jobs on a fixed interval.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// Task is one run of a periodic job.
type Task func(ctx context.Context) error

// RunInfo describes the most recent run.
type RunInfo struct {
	Status    JobStatus
	StartedAt time.Time
	Duration  time.Duration
	Err       error
}

// Periodic runs a task on a single ticker. Runs never overlap.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task

	mu   sync.Mutex
	last RunInfo
}

func NewPeriodic(name string, interval time.Duration, task Task) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		last:     RunInfo{Status: JobStatusPending},
	}
}

// Run executes the task once immediately, then on every tick until ctx is
// done.
func (p *Periodic) Run(ctx context.Context) {
	log.Info().Str("job", p.name).Dur("interval", p.interval).Msg("worker started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("job", p.name).Msg("worker stopped")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Periodic) runOnce(ctx context.Context) {
	start := time.Now()
	p.setLast(RunInfo{Status: JobStatusRunning, StartedAt: start})

	err := p.task(ctx)

	info := RunInfo{Status: JobStatusDone, StartedAt: start, Duration: time.Since(start)}
	if err != nil {
		info.Status = JobStatusFailed
		info.Err = err
		log.Error().Err(err).Str("job", p.name).Msg("job run failed")
	}
	p.setLast(info)
}

func (p *Periodic) setLast(info RunInfo) {
	p.mu.Lock()
	p.last = info
	p.mu.Unlock()
}

// Last reports the most recent run.
func (p *Periodic) Last() RunInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
