/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package hypervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
)

// DefaultJobTTL is how long a finished job stays pollable.
const DefaultJobTTL = 10 * time.Minute

// JobTracker runs synchronous backend calls as asynchronous jobs so that
// backends without a native job model can satisfy Manager.
//
// A finished job is forgotten once its terminal status has been polled, or
// after its TTL when nobody polls it anymore.
type JobTracker struct {
	clock clock.PassiveClock
	ttl   time.Duration

	mu   sync.Mutex
	jobs map[string]*trackedJob
}

type trackedJob struct {
	status     JobStatus
	finishedAt time.Time
}

// NewJobTracker returns an empty JobTracker using DefaultJobTTL.
func NewJobTracker() *JobTracker {
	return NewJobTrackerWithClock(clock.RealClock{}, DefaultJobTTL)
}

// NewJobTrackerWithClock returns an empty JobTracker evicting finished jobs
// ttl after they finished, as measured by c.
func NewJobTrackerWithClock(c clock.PassiveClock, ttl time.Duration) *JobTracker {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &JobTracker{
		clock: c,
		ttl:   ttl,
		jobs:  make(map[string]*trackedJob),
	}
}

// Start runs fn on its own goroutine and returns a handle to poll it with.
// fn runs with a context detached from ctx's cancellation: once accepted, a
// job runs to completion.
func (t *JobTracker) Start(ctx context.Context, fn func(ctx context.Context) error) *JobHandle {
	handle := &JobHandle{ID: uuid.NewString()}
	job := &trackedJob{status: JobStatus{State: JobStateNew}}

	t.mu.Lock()
	t.evictExpired()
	t.jobs[handle.ID] = job
	t.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	go func() {
		t.set(job, JobStatus{State: JobStateRunning})

		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("job panicked: %v", r)
				}
			}()
			err = fn(jobCtx)
		}()

		if err != nil {
			t.set(job, JobStatus{State: JobStateException})
			return
		}
		t.set(job, JobStatus{State: JobStateCompleted, PercentComplete: 100})
	}()

	return handle
}

// Poll returns the status of a job. A job is forgotten once its terminal
// status has been returned.
func (t *JobTracker) Poll(handle *JobHandle) (JobStatus, error) {
	if handle == nil {
		return JobStatus{State: JobStateCompleted, PercentComplete: 100}, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.evictExpired()

	job, ok := t.jobs[handle.ID]
	if !ok {
		return JobStatus{}, fmt.Errorf("job %s: %w", handle.ID, ErrNotFound)
	}
	if !job.status.State.Pending() {
		delete(t.jobs, handle.ID)
	}
	return job.status, nil
}

// Len returns the number of tracked jobs.
func (t *JobTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictExpired()
	return len(t.jobs)
}

func (t *JobTracker) set(job *trackedJob, status JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	job.status = status
	if !status.State.Pending() {
		job.finishedAt = t.clock.Now()
	}
}

// evictExpired drops finished jobs older than the TTL. t.mu must be held.
func (t *JobTracker) evictExpired() {
	now := t.clock.Now()
	for id, job := range t.jobs {
		if !job.status.State.Pending() && now.Sub(job.finishedAt) >= t.ttl {
			delete(t.jobs, id)
		}
	}
}
