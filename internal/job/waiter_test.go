//go:build unit

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

package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
)

// scriptedPoller returns the scripted statuses in order, repeating the last one.
type scriptedPoller struct {
	mu       sync.Mutex
	statuses []hypervisor.JobStatus
	err      error
	calls    int
}

func (p *scriptedPoller) PollJob(_ context.Context, _ *hypervisor.JobHandle) (hypervisor.JobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return hypervisor.JobStatus{}, p.err
	}
	i := p.calls - 1
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	return p.statuses[i], nil
}

func status(s hypervisor.JobState) hypervisor.JobStatus {
	return hypervisor.JobStatus{State: s}
}

func TestWait_Classification(t *testing.T) {
	tests := []struct {
		name      string
		statuses  []hypervisor.JobStatus
		want      bool
		wantCalls int
	}{
		{
			name:      "completed immediately",
			statuses:  []hypervisor.JobStatus{status(hypervisor.JobStateCompleted)},
			want:      true,
			wantCalls: 1,
		},
		{
			name: "pending then completed",
			statuses: []hypervisor.JobStatus{
				status(hypervisor.JobStateNew),
				status(hypervisor.JobStateStarting),
				{State: hypervisor.JobStateRunning, PercentComplete: 50},
				status(hypervisor.JobStateCompleted),
			},
			want:      true,
			wantCalls: 4,
		},
		{name: "exception", statuses: []hypervisor.JobStatus{status(hypervisor.JobStateException)}, want: false, wantCalls: 1},
		{name: "killed", statuses: []hypervisor.JobStatus{status(hypervisor.JobStateKilled)}, want: false, wantCalls: 1},
		{name: "terminated", statuses: []hypervisor.JobStatus{status(hypervisor.JobStateTerminated)}, want: false, wantCalls: 1},
		{name: "suspended is terminal", statuses: []hypervisor.JobStatus{status(hypervisor.JobStateSuspended)}, want: false, wantCalls: 1},
		{name: "shutting down is terminal", statuses: []hypervisor.JobStatus{status(hypervisor.JobStateShuttingDown)}, want: false, wantCalls: 1},
		{name: "service is terminal", statuses: []hypervisor.JobStatus{status(hypervisor.JobStateService)}, want: false, wantCalls: 1},
		{
			name: "running then exception",
			statuses: []hypervisor.JobStatus{
				status(hypervisor.JobStateRunning),
				status(hypervisor.JobStateException),
			},
			want:      false,
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			poller := &scriptedPoller{statuses: tt.statuses}
			w := &Waiter{Poller: poller, Interval: time.Millisecond, Log: logr.Discard()}

			assert.Equal(t, tt.want, w.Wait(context.Background(), &hypervisor.JobHandle{ID: "job-1"}))
			assert.Equal(t, tt.wantCalls, poller.calls)
		})
	}
}

func TestWait_NilHandleIsSuccess(t *testing.T) {
	poller := &scriptedPoller{}
	w := &Waiter{Poller: poller, Log: logr.Discard()}

	assert.True(t, w.Wait(context.Background(), nil))
	assert.Zero(t, poller.calls)
}

func TestWait_PollErrorIsFailure(t *testing.T) {
	m := metrics.New()
	poller := &scriptedPoller{err: errors.New("connection reset")}
	w := &Waiter{Poller: poller, Interval: time.Millisecond, Log: logr.Discard(), Metrics: m}

	assert.False(t, w.Wait(context.Background(), &hypervisor.JobHandle{ID: "job-1"}))
	assert.Equal(t, 1, poller.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("PollError")))
}

func TestWait_CancelledContextIsFailure(t *testing.T) {
	poller := &scriptedPoller{statuses: []hypervisor.JobStatus{status(hypervisor.JobStateRunning)}}
	w := &Waiter{Poller: poller, Interval: 5 * time.Millisecond, Log: logr.Discard()}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	assert.False(t, w.Wait(ctx, &hypervisor.JobHandle{ID: "job-1"}))
	assert.GreaterOrEqual(t, poller.calls, 1)
}

func TestWait_RecordsFinalState(t *testing.T) {
	m := metrics.New()
	w := &Waiter{
		Poller:   &scriptedPoller{statuses: []hypervisor.JobStatus{status(hypervisor.JobStateCompleted)}},
		Interval: time.Millisecond,
		Log:      logr.Discard(),
		Metrics:  m,
	}

	assert.True(t, w.Wait(context.Background(), &hypervisor.JobHandle{ID: "job-1"}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Jobs.WithLabelValues("Completed")))
}

func TestWait_WithJobTracker(t *testing.T) {
	tracker := hypervisor.NewJobTracker()
	w := &Waiter{Poller: trackerPoller{tracker}, Interval: time.Millisecond, Log: logr.Discard()}

	ok := tracker.Start(context.Background(), func(context.Context) error { return nil })
	failed := tracker.Start(context.Background(), func(context.Context) error { return errors.New("boom") })

	assert.True(t, w.Wait(context.Background(), ok))
	assert.False(t, w.Wait(context.Background(), failed))
	assert.Zero(t, tracker.Len())
}

type trackerPoller struct{ t *hypervisor.JobTracker }

func (p trackerPoller) PollJob(_ context.Context, h *hypervisor.JobHandle) (hypervisor.JobStatus, error) {
	return p.t.Poll(h)
}
