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

// Package job waits for asynchronous management jobs to finish.
package job

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
)

// DefaultInterval is the delay between two polls of a pending job.
const DefaultInterval = time.Second

// Poller returns the status of a job.
type Poller interface {
	PollJob(ctx context.Context, handle *hypervisor.JobHandle) (hypervisor.JobStatus, error)
}

// Waiter polls jobs until they reach a terminal state.
type Waiter struct {
	Poller   Poller
	Interval time.Duration
	Log      logr.Logger
	Metrics  *metrics.Metrics
}

// Wait blocks until the job is terminal and reports whether it Completed.
// A nil handle is an operation that already completed. Polling errors and
// the cancellation of ctx count as failure.
func (w *Waiter) Wait(ctx context.Context, handle *hypervisor.JobHandle) bool {
	if handle == nil {
		return true
	}

	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	log := w.Log.WithValues("job", handle.ID)

	var last hypervisor.JobStatus
	err := wait.PollUntilContextCancel(ctx, interval, true, func(ctx context.Context) (bool, error) {
		status, err := w.Poller.PollJob(ctx, handle)
		if err != nil {
			return false, err
		}
		last = status
		if status.State.Pending() {
			log.V(1).Info("job in progress", "state", status.State.String(), "percentComplete", status.PercentComplete)
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		log.Error(err, "polling job")
		w.Metrics.ObserveJob("PollError")
		return false
	}

	w.Metrics.ObserveJob(last.State.String())
	if last.State != hypervisor.JobStateCompleted {
		log.V(1).Info("job did not complete", "state", last.State.String())
		return false
	}
	return true
}
