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

// Package agent owns the process-wide state of vm-selfmanager and schedules
// reconciliation.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/job"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/listener"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/logstore"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/pipe"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/reconciler"
)

// DefaultInterval is the normal reconciliation period.
const DefaultInterval = 10 * time.Second

var (
	ErrAlreadyStarted = errors.New("agent already started")
	ErrNotStarted     = errors.New("agent not started")

	errLogDir = errors.New("cannot use log directory")
)

// Options configure an Agent.
type Options struct {
	Manager hypervisor.Manager
	Dialer  pipe.Dialer

	// LogDir holds the per-VM log files. It is created if missing.
	LogDir       string
	LogChunkSize int

	Interval        time.Duration
	RetryInterval   time.Duration
	ConnectTimeout  time.Duration
	JobPollInterval time.Duration

	// Clock defaults to the real clock.
	Clock   clock.Clock
	Log     logr.Logger
	Metrics *metrics.Metrics
}

// Agent runs the reconciliation loop. It implements Start/Stop/Pause/Resume
// so a service supervisor can drive it.
type Agent struct {
	interval   time.Duration
	clock      clock.Clock
	log        logr.Logger
	logs       *logstore.Store
	reconciler *reconciler.Reconciler

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	cmds    chan command

	stopOnce sync.Once
	ready    atomic.Bool
}

type command struct {
	pause bool
	ack   chan struct{}
}

// New validates opts and builds an Agent. It fails when the log directory
// cannot be created.
func New(opts Options) (*Agent, error) {
	if opts.Manager == nil {
		return nil, errors.New("agent: a hypervisor manager is required")
	}
	if opts.Dialer == nil {
		return nil, errors.New("agent: a pipe dialer is required")
	}
	if opts.LogDir == "" {
		return nil, fmt.Errorf("%w: empty path", errLogDir)
	}
	if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
		return nil, errors.Join(err, errLogDir)
	}

	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	logs := logstore.New(opts.LogDir)
	if opts.LogChunkSize > 0 {
		logs.ChunkSize = opts.LogChunkSize
	}

	deps := listener.Deps{
		Dialer:  opts.Dialer,
		Manager: opts.Manager,
		Waiter: &job.Waiter{
			Poller:   opts.Manager,
			Interval: opts.JobPollInterval,
			Log:      opts.Log.WithName("job"),
			Metrics:  opts.Metrics,
		},
		Logs:    logs,
		Log:     opts.Log,
		Metrics: opts.Metrics,
	}
	connectTimeout := opts.ConnectTimeout

	return &Agent{
		interval: opts.Interval,
		clock:    opts.Clock,
		log:      opts.Log.WithName("agent"),
		logs:     logs,
		reconciler: &reconciler.Reconciler{
			Inventory: opts.Manager,
			Spawn: func(ctx context.Context, vmName, pipe string) reconciler.Worker {
				return listener.Start(ctx, listener.Config{
					VMName:         vmName,
					Pipe:           pipe,
					ConnectTimeout: connectTimeout,
				}, deps)
			},
			Log:        opts.Log.WithName("reconciler"),
			Metrics:    opts.Metrics,
			RetryAfter: opts.RetryInterval,
		},
		done: make(chan struct{}),
		cmds: make(chan command),
	}, nil
}

// Start runs the first reconciliation immediately and schedules the next ones.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return ErrAlreadyStarted
	}
	a.started = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.log.Info("starting", "logDir", a.logs.Dir, "interval", a.interval)
	go a.loop()

	return nil
}

// Stop stops scheduling and cancels every listener. It is safe to call more
// than once.
func (a *Agent) Stop() {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return
	}

	a.stopOnce.Do(func() {
		a.log.Info("stopping")
		a.cancel()
		<-a.done
		a.reconciler.Shutdown()
		a.ready.Store(false)
	})
}

// Pause stops scheduling reconciliations. Running listeners keep serving.
func (a *Agent) Pause() error {
	return a.send(command{pause: true})
}

// Resume reconciles immediately and restarts the period.
func (a *Agent) Resume() error {
	return a.send(command{pause: false})
}

// Ready reports whether the first reconciliation completed and the agent is
// running.
func (a *Agent) Ready() bool { return a.ready.Load() }

// Listeners returns the pipes currently served.
func (a *Agent) Listeners() map[string]reconciler.Worker {
	return a.reconciler.Listeners()
}

func (a *Agent) send(cmd command) error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	cmd.ack = make(chan struct{})
	select {
	case a.cmds <- cmd:
	case <-a.done:
		return ErrNotStarted
	}
	<-cmd.ack
	return nil
}

func (a *Agent) loop() {
	defer close(a.done)

	timer := a.clock.NewTimer(a.tick())
	defer timer.Stop()

	paused := false
	for {
		select {
		case <-a.ctx.Done():
			return
		case cmd := <-a.cmds:
			switch {
			case cmd.pause && !paused:
				timer.Stop()
				paused = true
				a.log.Info("paused")
			case !cmd.pause && paused:
				paused = false
				a.log.Info("resumed")
				timer.Reset(a.tick())
			}
			close(cmd.ack)
		case <-timer.C():
			if paused {
				continue
			}
			timer.Reset(a.tick())
		}
	}
}

// tick reconciles once and returns the delay until the next tick.
func (a *Agent) tick() time.Duration {
	res := a.reconciler.Tick(a.ctx)
	a.ready.Store(true)

	if res.RequeueAfter > 0 && res.RequeueAfter < a.interval {
		return res.RequeueAfter
	}
	return a.interval
}
