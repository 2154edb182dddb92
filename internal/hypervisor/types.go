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

// Package hypervisor defines the contract between the agent and the host's
// virtualization management interface.
package hypervisor

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a VM, snapshot or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an object changed state while it was being queried,
	// e.g. a VM powered off between enumeration and inspection.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnsupportedOperation is returned by InvokeAsync for an unknown operation.
	ErrUnsupportedOperation = errors.New("unsupported operation")
)

// VM is a virtual machine known to the hypervisor.
type VM struct {
	// Name is the VM's display name. It is unique on the host.
	Name string
	// ID is the hypervisor's stable identifier for the VM.
	ID string
}

// Snapshot is a saved configuration of a VM.
type Snapshot struct {
	// ElementName is the user-visible snapshot name.
	ElementName string
	// InstanceID uniquely identifies the snapshot.
	InstanceID string
	// ParentID is the InstanceID of the snapshot this one was taken from. Empty for a root snapshot.
	ParentID string
}

// VMState is a requested or observed VM power state.
type VMState uint16

const (
	VMStateRunning VMState = 2
	VMStateStopped VMState = 3
	VMStatePaused  VMState = 32768
)

func (s VMState) String() string {
	switch s {
	case VMStateRunning:
		return "Running"
	case VMStateStopped:
		return "Stopped"
	case VMStatePaused:
		return "Paused"
	default:
		return fmt.Sprintf("VMState(%d)", uint16(s))
	}
}

// JobState is the state of an asynchronous management job.
type JobState uint16

const (
	JobStateNew          JobState = 2
	JobStateStarting     JobState = 3
	JobStateRunning      JobState = 4
	JobStateSuspended    JobState = 5
	JobStateShuttingDown JobState = 6
	JobStateCompleted    JobState = 7
	JobStateTerminated   JobState = 8
	JobStateKilled       JobState = 9
	JobStateException    JobState = 10
	JobStateService      JobState = 11
)

func (s JobState) String() string {
	switch s {
	case JobStateNew:
		return "New"
	case JobStateStarting:
		return "Starting"
	case JobStateRunning:
		return "Running"
	case JobStateSuspended:
		return "Suspended"
	case JobStateShuttingDown:
		return "ShuttingDown"
	case JobStateCompleted:
		return "Completed"
	case JobStateTerminated:
		return "Terminated"
	case JobStateKilled:
		return "Killed"
	case JobStateException:
		return "Exception"
	case JobStateService:
		return "Service"
	default:
		return fmt.Sprintf("JobState(%d)", uint16(s))
	}
}

// Pending reports whether a job in this state has not finished yet.
func (s JobState) Pending() bool {
	return s == JobStateNew || s == JobStateStarting || s == JobStateRunning
}

// JobStatus is the result of polling a job.
type JobStatus struct {
	State           JobState
	PercentComplete uint16
}

// JobHandle references an asynchronous job. A nil *JobHandle means the
// operation completed synchronously.
type JobHandle struct {
	ID string
}

// Operation names a management operation accepted by InvokeAsync.
type Operation string

const (
	OperationRequestStateChange Operation = "RequestStateChange"
	OperationCreateSnapshot     Operation = "CreateSnapshot"
	OperationApplySnapshot      Operation = "ApplySnapshot"
	OperationRenameSnapshot     Operation = "RenameSnapshot"
	OperationRemoveSnapshot     Operation = "RemoveSnapshot"
	OperationRemoveSnapshotTree Operation = "RemoveSnapshotTree"
)

// Invocation describes one asynchronous management call.
type Invocation struct {
	// Target is the name of the VM the operation applies to.
	Target    string
	Operation Operation

	// RequestedState is used by OperationRequestStateChange.
	RequestedState VMState
	// Snapshot is used by the apply, rename and remove operations.
	Snapshot *Snapshot
	// NewName is used by OperationRenameSnapshot.
	NewName string
}

// Inventory exposes the live VM topology.
type Inventory interface {
	// ListActiveVMs returns every VM that is currently powered on.
	ListActiveVMs(ctx context.Context) ([]VM, error)
	// SecondSerialPortPipe returns the pipe connection string wired to the VM's
	// second serial port, or "" when the port is not mapped to a pipe.
	SecondSerialPortPipe(ctx context.Context, vm VM) (string, error)
}

// Manager is the management interface the agent drives. Implementations must
// be safe for concurrent use.
type Manager interface {
	Inventory

	// FindVM returns the VM with the given name, or nil if there is none.
	FindVM(ctx context.Context, name string) (*VM, error)
	// FindSnapshot returns the named snapshot of a VM. When name is nil the
	// most recent snapshot (the parent of the live configuration) is returned.
	// It returns nil when no snapshot matches.
	FindSnapshot(ctx context.Context, vmName string, name *string) (*Snapshot, error)
	// InvokeAsync starts an operation. A nil handle means it already completed.
	InvokeAsync(ctx context.Context, inv Invocation) (*JobHandle, error)
	// PollJob returns the current status of a job.
	PollJob(ctx context.Context, handle *JobHandle) (JobStatus, error)
}
