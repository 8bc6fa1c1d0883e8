// GoSplitfile - Hyphanet Splitfile Fetch Engine
// Copyright (C) 2025 GoHyphanet Contributors
// Licensed under GNU AGPLv3 - see LICENSE file for details
// Source: https://github.com/blubskye/gosplitfile

package splitfile

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Priority selects the admission class of a job. Decode jobs run at
// PriorityLow so interactive work is not starved.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityLow
)

type memJob struct {
	estimate int64
	run      func()
}

// MemJobRunner is a bounded-memory job queue: a job is admitted to a
// worker only when its estimated peak memory fits within the configured
// budget. Estimates larger than the whole budget are clamped so the job
// can still run, alone.
type MemJobRunner struct {
	budget  int64
	sem     *semaphore.Weighted
	high    chan memJob
	low     chan memJob
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewMemJobRunner creates a runner with the given worker count and
// memory budget in bytes.
func NewMemJobRunner(workers int, memoryBudget int64) *MemJobRunner {
	if workers <= 0 {
		workers = 1
	}
	if memoryBudget <= 0 {
		memoryBudget = 64 << 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &MemJobRunner{
		budget: memoryBudget,
		sem:    semaphore.NewWeighted(memoryBudget),
		high:   make(chan memJob, workers*4),
		low:    make(chan memJob, workers*4),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// QueueJob submits a job. Returns an error only if the runner is
// stopped; the job itself runs asynchronously.
func (r *MemJobRunner) QueueJob(estimate int64, priority Priority, run func()) error {
	if estimate > r.budget {
		estimate = r.budget
	}
	if estimate < 0 {
		estimate = 0
	}
	job := memJob{estimate: estimate, run: run}
	queue := r.low
	if priority == PriorityHigh {
		queue = r.high
	}
	select {
	case <-r.ctx.Done():
		return fmt.Errorf("job runner stopped")
	default:
	}
	select {
	case queue <- job:
	default:
		// The buffer is full: hand the job over from a goroutine so the
		// caller, which may itself be a worker, never blocks.
		go func() {
			select {
			case queue <- job:
			case <-r.ctx.Done():
			}
		}()
	}
	return nil
}

// Stop cancels pending admission and waits for running jobs.
func (r *MemJobRunner) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *MemJobRunner) worker() {
	defer r.wg.Done()
	for {
		var job memJob
		// Drain high-priority work first
		select {
		case job = <-r.high:
		default:
			select {
			case <-r.ctx.Done():
				return
			case job = <-r.high:
			case job = <-r.low:
			}
		}
		r.execute(job)
	}
}

func (r *MemJobRunner) execute(job memJob) {
	if job.estimate > 0 {
		if err := r.sem.Acquire(r.ctx, job.estimate); err != nil {
			return
		}
		defer r.sem.Release(job.estimate)
	}
	job.run()
}
