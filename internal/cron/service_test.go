package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
)

type fakeLock struct {
	held     bool
	acquires int
	err      error
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	f.acquires++
	if f.err != nil {
		return false, f.err
	}
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error { f.held = false; return nil }

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func newTestService(t *testing.T, lock Lock, reg prometheus.Registerer, schedules ...Schedule) *Service {
	t.Helper()
	registry := NewRegistry()
	for _, s := range schedules {
		registry.Register(s.Job, s.Every)
	}
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestRunOnceRunsAllJobsEvenOnFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	ok := &testJob{name: "ok"}
	failing := &testJob{name: "fail", err: errors.New("boom")}
	service := newTestService(t, &fakeLock{}, reg,
		Schedule{Job: ok, Every: time.Hour},
		Schedule{Job: failing, Every: time.Hour},
	)

	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if ok.runs != 1 || failing.runs != 1 {
		t.Fatalf("expected both jobs to run once, got %d and %d", ok.runs, failing.runs)
	}
	if n, err := testutil.GatherAndCount(reg, "orderflow_cron_job_failure_total"); err != nil || n != 1 {
		t.Fatalf("expected one failure series, got %d", n)
	}
	if n, err := testutil.GatherAndCount(reg, "orderflow_cron_job_success_total"); err != nil || n != 1 {
		t.Fatalf("expected one success series, got %d", n)
	}
}

func TestRunCycleOnlyRunsDueJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sweep := &testJob{name: "sweep"}
	retention := &testJob{name: "retention"}
	service := newTestService(t, &fakeLock{}, nil,
		Schedule{Job: sweep, Every: 5 * time.Minute},
		Schedule{Job: retention, Every: 24 * time.Hour},
	)
	service.now = func() time.Time { return now }

	if service.tick != 5*time.Minute {
		t.Fatalf("expected tick to follow the shortest interval, got %s", service.tick)
	}

	ctx := context.Background()
	if err := service.runCycle(ctx, false); err != nil {
		t.Fatalf("first cycle: %v", err)
	}
	now = now.Add(5 * time.Minute)
	if err := service.runCycle(ctx, false); err != nil {
		t.Fatalf("second cycle: %v", err)
	}

	if sweep.runs != 2 {
		t.Fatalf("expected sweep to run twice, ran %d", sweep.runs)
	}
	if retention.runs != 1 {
		t.Fatalf("expected retention to run once, ran %d", retention.runs)
	}
}

func TestRunCycleSkipsWhenLeaseHeldElsewhere(t *testing.T) {
	job := &testJob{name: "sweep"}
	lock := &fakeLock{held: true}
	service := newTestService(t, lock, nil, Schedule{Job: job, Every: time.Minute})

	if err := service.runCycle(context.Background(), false); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("job ran without the lease")
	}
	if !lock.held {
		t.Fatalf("foreign lease was released")
	}
}

func TestRunCycleReportsLockErrors(t *testing.T) {
	job := &testJob{name: "sweep"}
	service := newTestService(t, &fakeLock{err: errors.New("redis down")}, nil, Schedule{Job: job, Every: time.Minute})

	if err := service.runCycle(context.Background(), false); err == nil {
		t.Fatal("expected lock error")
	}
	if job.runs != 0 {
		t.Fatalf("job ran without the lease")
	}
}
