package cron

import (
	"context"
	"time"
)

// Job is one scheduled task.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule pairs a job with how often it should run.
type Schedule struct {
	Job   Job
	Every time.Duration
}

type Registry struct {
	schedules []Schedule
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds job. A non-positive every means the job runs on each tick.
func (r *Registry) Register(job Job, every time.Duration) {
	if job == nil {
		return
	}
	r.schedules = append(r.schedules, Schedule{Job: job, Every: every})
}

// Schedules returns a copy in registration order.
func (r *Registry) Schedules() []Schedule {
	out := make([]Schedule, len(r.schedules))
	copy(out, r.schedules)
	return out
}

func (r *Registry) shortestInterval() time.Duration {
	var shortest time.Duration
	for _, s := range r.schedules {
		if s.Every > 0 && (shortest == 0 || s.Every < shortest) {
			shortest = s.Every
		}
	}
	return shortest
}
