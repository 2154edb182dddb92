// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reconciler converges the set of running pipe listeners to the
// pipes currently wired to powered-on VMs.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
)

// DefaultRetryAfter is the delay before the next Tick after a topology race.
const DefaultRetryAfter = 2 * time.Second

// Worker is a running listener as seen by the Reconciler.
type Worker interface {
	VMName() string
	Cancel()
	Cancelled() bool
}

// Spawner starts a Worker serving pipe on behalf of vmName.
type Spawner func(ctx context.Context, vmName, pipe string) Worker

// Result tells the caller when to Tick again. A zero RequeueAfter means the
// normal period.
type Result struct {
	RequeueAfter time.Duration
}

// Reconciler owns the pipe -> Worker map. It is the only component that
// adds or removes Workers.
type Reconciler struct {
	Inventory  hypervisor.Inventory
	Spawn      Spawner
	Log        logr.Logger
	Metrics    *metrics.Metrics
	RetryAfter time.Duration

	// tick is held for the whole duration of a Tick.
	tick sync.Mutex

	// mu guards listeners. The map is replaced, never mutated in place.
	mu        sync.RWMutex
	listeners map[string]Worker
}

type desiredPipe struct {
	pipe   string
	vmName string
}

// Tick runs one reconciliation. A Tick started while another is running
// returns immediately.
func (r *Reconciler) Tick(ctx context.Context) Result {
	if !r.tick.TryLock() {
		r.Log.V(1).Info("reconciliation already in progress")
		r.Metrics.ObserveReconcile(metrics.ReconcileSkipped)
		return Result{}
	}
	defer r.tick.Unlock()

	current := r.prune()

	desired, err := r.desired(ctx)
	if err != nil {
		if errors.Is(err, hypervisor.ErrInvalidState) {
			retry := r.RetryAfter
			if retry <= 0 {
				retry = DefaultRetryAfter
			}
			r.Log.Info("topology changed during reconciliation, retrying", "reason", err.Error(), "requeueAfter", retry)
			r.Metrics.ObserveReconcile(metrics.ReconcileRetry)
			return Result{RequeueAfter: retry}
		}
		r.Log.Error(err, "reconciliation failed")
		r.Metrics.ObserveReconcile(metrics.ReconcileError)
		return Result{}
	}

	next := make(map[string]Worker, len(desired))
	kept, created, cancelled := sets.New[string](), sets.New[string](), sets.New[string]()

	for _, d := range desired {
		if w, ok := current[d.pipe]; ok {
			next[d.pipe] = w
			kept.Insert(d.pipe)
			continue
		}
		next[d.pipe] = r.Spawn(ctx, d.vmName, d.pipe)
		created.Insert(d.pipe)
		r.Log.Info("started listener", "vm", d.vmName, "pipe", d.pipe)
	}

	for pipe, w := range current {
		if _, ok := next[pipe]; ok {
			continue
		}
		w.Cancel()
		cancelled.Insert(pipe)
		r.Log.Info("stopped listener", "vm", w.VMName(), "pipe", pipe)
	}

	r.swap(next)

	r.Log.V(1).Info("reconciled",
		"kept", kept.Len(),
		"created", sets.List(created),
		"cancelled", sets.List(cancelled))
	r.Metrics.ObserveReconcile(metrics.ReconcileOK)

	return Result{}
}

// prune drops Workers whose cancellation was already requested and returns
// the resulting map.
func (r *Reconciler) prune() map[string]Worker {
	r.mu.RLock()
	current := r.listeners
	r.mu.RUnlock()

	pruned := make(map[string]Worker, len(current))
	for pipe, w := range current {
		if w.Cancelled() {
			r.Log.V(1).Info("pruning cancelled listener", "vm", w.VMName(), "pipe", pipe)
			continue
		}
		pruned[pipe] = w
	}

	if len(pruned) != len(current) {
		r.swap(pruned)
	}
	return pruned
}

// desired lists every powered-on VM's second serial port pipe. When two VMs
// share a pipe, the first one enumerated wins.
func (r *Reconciler) desired(ctx context.Context) ([]desiredPipe, error) {
	vms, err := r.Inventory.ListActiveVMs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing active VMs: %w", err)
	}

	seen := sets.New[string]()
	out := make([]desiredPipe, 0, len(vms))
	for _, vm := range vms {
		pipe, err := r.Inventory.SecondSerialPortPipe(ctx, vm)
		if err != nil {
			return nil, fmt.Errorf("reading serial ports of %q: %w", vm.Name, err)
		}
		if pipe == "" {
			continue
		}
		if seen.Has(pipe) {
			r.Log.V(1).Info("pipe already claimed, ignoring", "vm", vm.Name, "pipe", pipe)
			continue
		}
		seen.Insert(pipe)
		out = append(out, desiredPipe{pipe: pipe, vmName: vm.Name})
	}
	return out, nil
}

func (r *Reconciler) swap(next map[string]Worker) {
	r.mu.Lock()
	r.listeners = next
	r.mu.Unlock()
	r.Metrics.SetListeners(len(next))
}

// Listeners returns a copy of the tracked pipe -> Worker map.
func (r *Reconciler) Listeners() map[string]Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Worker, len(r.listeners))
	for pipe, w := range r.listeners {
		out[pipe] = w
	}
	return out
}

// Shutdown waits for a running Tick, cancels every tracked Worker and
// forgets them.
func (r *Reconciler) Shutdown() {
	r.tick.Lock()
	defer r.tick.Unlock()

	for pipe, w := range r.Listeners() {
		w.Cancel()
		r.Log.V(1).Info("stopped listener", "vm", w.VMName(), "pipe", pipe)
	}
	r.swap(map[string]Worker{})
}
