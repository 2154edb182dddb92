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

// Package hypervisorfake provides an in-memory hypervisor.Manager.
package hypervisorfake

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
)

var _ hypervisor.Manager = &Fake{}

type vm struct {
	hypervisor.VM
	pipe      string
	state     hypervisor.VMState
	snapshots []hypervisor.Snapshot
	current   string
}

// Fake is an in-memory hypervisor. VMs are enumerated in insertion order.
// Operations run as JobTracker jobs, so PollJob behaves like a real backend.
type Fake struct {
	mu sync.Mutex

	vms         []*vm
	invocations []hypervisor.Invocation
	failures    map[hypervisor.Operation]error
	invokeErr   map[hypervisor.Operation]error
	listErr     error
	sync        bool

	jobs *hypervisor.JobTracker
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		failures:  make(map[hypervisor.Operation]error),
		invokeErr: make(map[hypervisor.Operation]error),
		jobs:      hypervisor.NewJobTracker(),
	}
}

// AddVM adds a running VM whose second serial port is wired to pipe.
func (f *Fake) AddVM(name, pipe string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.vms = append(f.vms, &vm{
		VM:    hypervisor.VM{Name: name, ID: uuid.NewString()},
		pipe:  pipe,
		state: hypervisor.VMStateRunning,
	})
	return f
}

// RemoveVM deletes a VM.
func (f *Fake) RemoveVM(name string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i, v := range f.vms {
		if v.Name == name {
			f.vms = append(f.vms[:i], f.vms[i+1:]...)
			break
		}
	}
	return f
}

// RenameVM changes a VM's name without touching its serial port.
func (f *Fake) RenameVM(oldName, newName string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v := f.lookup(oldName); v != nil {
		v.Name = newName
	}
	return f
}

// SetPipe rewires a VM's second serial port. An empty pipe unmaps it.
func (f *Fake) SetPipe(name, pipe string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v := f.lookup(name); v != nil {
		v.pipe = pipe
	}
	return f
}

// SetState forces a VM's power state.
func (f *Fake) SetState(name string, state hypervisor.VMState) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v := f.lookup(name); v != nil {
		v.state = state
	}
	return f
}

// AddSnapshot records a snapshot of a VM taken from its current snapshot and
// makes it current.
func (f *Fake) AddSnapshot(vmName, elementName string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v := f.lookup(vmName); v != nil {
		v.addSnapshot(elementName)
	}
	return f
}

// FailOperation makes every job of op end in the Exception state. A nil err
// clears the failure.
func (f *Fake) FailOperation(op hypervisor.Operation, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.failures, op)
		return f
	}
	f.failures[op] = err
	return f
}

// FailInvoke makes InvokeAsync return err for op. A nil err clears it.
func (f *Fake) FailInvoke(op hypervisor.Operation, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err == nil {
		delete(f.invokeErr, op)
		return f
	}
	f.invokeErr[op] = err
	return f
}

// FailList makes ListActiveVMs return err. A nil err clears it.
func (f *Fake) FailList(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listErr = err
	return f
}

// Synchronous makes InvokeAsync run operations inline and return a nil handle.
func (f *Fake) Synchronous(enabled bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sync = enabled
	return f
}

// Invocations returns a copy of every accepted invocation, in order.
func (f *Fake) Invocations() []hypervisor.Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]hypervisor.Invocation, len(f.invocations))
	copy(out, f.invocations)
	return out
}

// Operations returns the operations of every accepted invocation, in order.
func (f *Fake) Operations() []hypervisor.Operation {
	invocations := f.Invocations()
	out := make([]hypervisor.Operation, 0, len(invocations))
	for _, inv := range invocations {
		out = append(out, inv.Operation)
	}
	return out
}

// Snapshots returns a copy of a VM's snapshots in creation order.
func (f *Fake) Snapshots(vmName string) []hypervisor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.lookup(vmName)
	if v == nil {
		return nil
	}
	out := make([]hypervisor.Snapshot, len(v.snapshots))
	copy(out, v.snapshots)
	return out
}

// State returns a VM's power state.
func (f *Fake) State(vmName string) hypervisor.VMState {
	f.mu.Lock()
	defer f.mu.Unlock()

	if v := f.lookup(vmName); v != nil {
		return v.state
	}
	return hypervisor.VMStateStopped
}

// ListActiveVMs implements hypervisor.Inventory.
func (f *Fake) ListActiveVMs(_ context.Context) ([]hypervisor.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}

	out := make([]hypervisor.VM, 0, len(f.vms))
	for _, v := range f.vms {
		if v.state != hypervisor.VMStateStopped {
			out = append(out, v.VM)
		}
	}
	return out, nil
}

// SecondSerialPortPipe implements hypervisor.Inventory.
func (f *Fake) SecondSerialPortPipe(_ context.Context, target hypervisor.VM) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, v := range f.vms {
		if v.ID == target.ID {
			return v.pipe, nil
		}
	}
	return "", fmt.Errorf("vm %q: %w", target.Name, hypervisor.ErrInvalidState)
}

// FindVM implements hypervisor.Manager.
func (f *Fake) FindVM(_ context.Context, name string) (*hypervisor.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.lookup(name)
	if v == nil {
		return nil, nil
	}
	out := v.VM
	return &out, nil
}

// FindSnapshot implements hypervisor.Manager.
func (f *Fake) FindSnapshot(_ context.Context, vmName string, name *string) (*hypervisor.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.lookup(vmName)
	if v == nil {
		return nil, nil
	}

	for i := range v.snapshots {
		s := v.snapshots[i]
		if name == nil && s.InstanceID == v.current {
			return &s, nil
		}
		if name != nil && strings.EqualFold(s.ElementName, *name) {
			return &s, nil
		}
	}
	return nil, nil
}

// InvokeAsync implements hypervisor.Manager.
func (f *Fake) InvokeAsync(ctx context.Context, inv hypervisor.Invocation) (*hypervisor.JobHandle, error) {
	f.mu.Lock()
	if err := f.invokeErr[inv.Operation]; err != nil {
		f.mu.Unlock()
		return nil, err
	}
	if f.lookup(inv.Target) == nil {
		f.mu.Unlock()
		return nil, fmt.Errorf("vm %q: %w", inv.Target, hypervisor.ErrNotFound)
	}
	f.invocations = append(f.invocations, inv)
	synchronous := f.sync
	f.mu.Unlock()

	if synchronous {
		return nil, f.apply(inv)
	}
	return f.jobs.Start(ctx, func(context.Context) error { return f.apply(inv) }), nil
}

// PollJob implements hypervisor.Manager.
func (f *Fake) PollJob(_ context.Context, handle *hypervisor.JobHandle) (hypervisor.JobStatus, error) {
	return f.jobs.Poll(handle)
}

func (f *Fake) apply(inv hypervisor.Invocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failures[inv.Operation]; err != nil {
		return err
	}

	v := f.lookup(inv.Target)
	if v == nil {
		return fmt.Errorf("vm %q: %w", inv.Target, hypervisor.ErrNotFound)
	}

	switch inv.Operation {
	case hypervisor.OperationRequestStateChange:
		v.state = inv.RequestedState
	case hypervisor.OperationCreateSnapshot:
		v.addSnapshot(fmt.Sprintf("%s - snapshot %d", v.Name, len(v.snapshots)+1))
	case hypervisor.OperationApplySnapshot:
		s := v.snapshot(inv.Snapshot)
		if s == nil {
			return fmt.Errorf("snapshot: %w", hypervisor.ErrNotFound)
		}
		v.current = s.InstanceID
	case hypervisor.OperationRenameSnapshot:
		s := v.snapshot(inv.Snapshot)
		if s == nil {
			return fmt.Errorf("snapshot: %w", hypervisor.ErrNotFound)
		}
		s.ElementName = inv.NewName
	case hypervisor.OperationRemoveSnapshot:
		return v.removeSnapshot(inv.Snapshot, false)
	case hypervisor.OperationRemoveSnapshotTree:
		return v.removeSnapshot(inv.Snapshot, true)
	default:
		return fmt.Errorf("%w: %s", hypervisor.ErrUnsupportedOperation, inv.Operation)
	}
	return nil
}

func (f *Fake) lookup(name string) *vm {
	for _, v := range f.vms {
		if v.Name == name {
			return v
		}
	}
	return nil
}

func (v *vm) addSnapshot(elementName string) {
	s := hypervisor.Snapshot{
		ElementName: elementName,
		InstanceID:  uuid.NewString(),
		ParentID:    v.current,
	}
	v.snapshots = append(v.snapshots, s)
	v.current = s.InstanceID
}

func (v *vm) snapshot(ref *hypervisor.Snapshot) *hypervisor.Snapshot {
	if ref == nil {
		return nil
	}
	for i := range v.snapshots {
		if v.snapshots[i].InstanceID == ref.InstanceID {
			return &v.snapshots[i]
		}
	}
	return nil
}

func (v *vm) removeSnapshot(ref *hypervisor.Snapshot, tree bool) error {
	target := v.snapshot(ref)
	if target == nil {
		return fmt.Errorf("snapshot: %w", hypervisor.ErrNotFound)
	}
	id, parent := target.InstanceID, target.ParentID

	removed := map[string]bool{id: true}
	if tree {
		for changed := true; changed; {
			changed = false
			for _, s := range v.snapshots {
				if !removed[s.InstanceID] && removed[s.ParentID] {
					removed[s.InstanceID] = true
					changed = true
				}
			}
		}
	}

	kept := v.snapshots[:0]
	for _, s := range v.snapshots {
		if removed[s.InstanceID] {
			continue
		}
		if s.ParentID == id {
			s.ParentID = parent
		}
		kept = append(kept, s)
	}
	v.snapshots = kept

	if removed[v.current] {
		v.current = parent
	}
	return nil
}
