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

package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/protocol"
)

// MaxSnapshotNameLength is the longest snapshot name a guest can request.
// Longer names are truncated.
const MaxSnapshotNameLength = 100

// handler consumes the rest of its frame from r and executes the command.
// It returns the command outcome and only the errors that must reach the
// dispatch boundary: stream errors and log I/O errors.
type handler func(l *Listener, ctx context.Context, r *bufio.Reader, w io.Writer) (string, error)

var handlers = map[byte]handler{
	protocol.BootVM:         (*Listener).bootVM,
	protocol.NewSnapshot:    (*Listener).newSnapshot,
	protocol.OpenSnapshot:   (*Listener).openSnapshot,
	protocol.DeleteSnapshot: (*Listener).deleteSnapshot,
	protocol.WriteToLog:     (*Listener).writeToLog,
	protocol.ReadFromLog:    (*Listener).readFromLog,
}

// invokeAndWait starts an operation and waits for its job.
func (l *Listener) invokeAndWait(ctx context.Context, inv hypervisor.Invocation) error {
	handle, err := l.deps.Manager.InvokeAsync(ctx, inv)
	if err != nil {
		return fmt.Errorf("invoking %s: %w", inv.Operation, err)
	}
	if !l.deps.Waiter.Wait(ctx, handle) {
		return fmt.Errorf("%s did not complete", inv.Operation)
	}
	return nil
}

func (l *Listener) bootVM(ctx context.Context, r *bufio.Reader, _ io.Writer) (string, error) {
	arg, err := protocol.ReadArgument(r)
	if err != nil {
		return metrics.OutcomeFailure, err
	}
	name := protocol.Text(arg)
	if name == nil {
		return metrics.OutcomeIgnored, nil
	}

	log := l.log.WithValues("target", *name, "requestedBy", l.cfg.VMName)

	target, err := l.deps.Manager.FindVM(ctx, *name)
	if err == nil && target == nil {
		err = fmt.Errorf("vm %q: %w", *name, hypervisor.ErrNotFound)
	}
	if err != nil {
		log.Error(err, "failed to start VM")
		return metrics.OutcomeFailure, nil
	}

	log.Info("starting VM")
	if err := l.invokeAndWait(ctx, hypervisor.Invocation{
		Target:         target.Name,
		Operation:      hypervisor.OperationRequestStateChange,
		RequestedState: hypervisor.VMStateRunning,
	}); err != nil {
		log.Error(err, "failed to start VM")
		return metrics.OutcomeFailure, nil
	}

	log.Info("started VM")
	return metrics.OutcomeSuccess, nil
}

func (l *Listener) newSnapshot(ctx context.Context, r *bufio.Reader, _ io.Writer) (string, error) {
	arg, err := protocol.ReadArgument(r)
	if err != nil {
		return metrics.OutcomeFailure, err
	}
	name := protocol.Text(arg)

	if err := l.invokeAndWait(ctx, hypervisor.Invocation{
		Target:    l.cfg.VMName,
		Operation: hypervisor.OperationCreateSnapshot,
	}); err != nil {
		l.log.Error(err, "snapshot creation failed")
		return metrics.OutcomeFailure, nil
	}

	created, err := l.deps.Manager.FindSnapshot(ctx, l.cfg.VMName, nil)
	if err == nil && created == nil {
		err = fmt.Errorf("created snapshot: %w", hypervisor.ErrNotFound)
	}
	if err != nil {
		l.log.Error(err, "snapshot creation failed")
		return metrics.OutcomeFailure, nil
	}
	l.log.Info("snapshot created", "snapshot", created.ElementName)

	if name == nil {
		return metrics.OutcomeSuccess, nil
	}

	newName := truncate(*name, MaxSnapshotNameLength)
	log := l.log.WithValues("snapshot", created.ElementName, "newName", newName)
	if err := l.invokeAndWait(ctx, hypervisor.Invocation{
		Target:    l.cfg.VMName,
		Operation: hypervisor.OperationRenameSnapshot,
		Snapshot:  created,
		NewName:   newName,
	}); err != nil {
		log.Error(err, "error renaming snapshot")
		return metrics.OutcomeFailure, nil
	}

	log.Info("snapshot renamed")
	return metrics.OutcomeSuccess, nil
}

// openSnapshot stops the VM, applies the snapshot and starts the VM again.
// Each step runs only if the previous one completed.
func (l *Listener) openSnapshot(ctx context.Context, r *bufio.Reader, _ io.Writer) (string, error) {
	arg, err := protocol.ReadArgument(r)
	if err != nil {
		return metrics.OutcomeFailure, err
	}
	name := protocol.Text(arg)
	log := l.log.WithValues("snapshot", displayName(name))

	snapshot, err := l.deps.Manager.FindSnapshot(ctx, l.cfg.VMName, name)
	if err != nil {
		log.Error(err, "failed to apply snapshot")
		return metrics.OutcomeFailure, nil
	}
	if snapshot == nil {
		return metrics.OutcomeIgnored, nil
	}

	steps := []struct {
		msg string
		inv hypervisor.Invocation
	}{
		{
			msg: "failed to stop VM before applying snapshot",
			inv: hypervisor.Invocation{
				Target:         l.cfg.VMName,
				Operation:      hypervisor.OperationRequestStateChange,
				RequestedState: hypervisor.VMStateStopped,
			},
		},
		{
			msg: "failed to apply snapshot",
			inv: hypervisor.Invocation{
				Target:    l.cfg.VMName,
				Operation: hypervisor.OperationApplySnapshot,
				Snapshot:  snapshot,
			},
		},
		{
			msg: "failed to start VM after applying snapshot",
			inv: hypervisor.Invocation{
				Target:         l.cfg.VMName,
				Operation:      hypervisor.OperationRequestStateChange,
				RequestedState: hypervisor.VMStateRunning,
			},
		},
	}

	for _, step := range steps {
		if err := l.invokeAndWait(ctx, step.inv); err != nil {
			log.Error(err, step.msg)
			return metrics.OutcomeFailure, nil
		}
	}

	log.Info("applied snapshot")
	return metrics.OutcomeSuccess, nil
}

func (l *Listener) deleteSnapshot(ctx context.Context, r *bufio.Reader, _ io.Writer) (string, error) {
	tree, arg, err := protocol.ReadDeleteSelector(r)
	if err != nil {
		return metrics.OutcomeFailure, err
	}
	name := protocol.Text(arg)

	op, what := hypervisor.OperationRemoveSnapshot, "snapshot"
	if tree {
		op, what = hypervisor.OperationRemoveSnapshotTree, "snapshot tree"
	}
	log := l.log.WithValues("snapshot", displayName(name))

	snapshot, err := l.deps.Manager.FindSnapshot(ctx, l.cfg.VMName, name)
	if err != nil {
		log.Error(err, "failed to delete "+what)
		return metrics.OutcomeFailure, nil
	}
	if snapshot == nil {
		return metrics.OutcomeIgnored, nil
	}

	if err := l.invokeAndWait(ctx, hypervisor.Invocation{
		Target:    l.cfg.VMName,
		Operation: op,
		Snapshot:  snapshot,
	}); err != nil {
		log.Error(err, "failed to delete "+what)
		return metrics.OutcomeFailure, nil
	}

	log.Info("deleted " + what)
	return metrics.OutcomeSuccess, nil
}

func (l *Listener) writeToLog(_ context.Context, r *bufio.Reader, _ io.Writer) (string, error) {
	data, err := protocol.ReadArgument(r)
	if err != nil {
		return metrics.OutcomeFailure, err
	}
	if len(data) == 0 {
		return metrics.OutcomeIgnored, nil
	}

	if err := l.deps.Logs.Append(l.cfg.VMName, data); err != nil {
		return metrics.OutcomeFailure, fmt.Errorf("appending to log: %w", err)
	}
	return metrics.OutcomeSuccess, nil
}

// readFromLog streams the VM's log followed by EndOfStream. The marker is
// sent even when the log could not be read so the guest stops waiting.
func (l *Listener) readFromLog(_ context.Context, r *bufio.Reader, w io.Writer) (string, error) {
	if _, err := protocol.ReadArgument(r); err != nil {
		return metrics.OutcomeFailure, err
	}

	n, streamErr := l.deps.Logs.Stream(l.cfg.VMName, w)
	_, markerErr := w.Write([]byte{protocol.EndOfStream})

	if err := errors.Join(streamErr, markerErr); err != nil {
		return metrics.OutcomeFailure, fmt.Errorf("reading log: %w", err)
	}

	l.log.V(1).Info("log sent", "bytes", n)
	return metrics.OutcomeSuccess, nil
}

// truncate returns the first n characters of s. Names that are not valid
// UTF-8 count one character per byte.
func truncate(s string, n int) string {
	if !utf8.ValidString(s) {
		if len(s) <= n {
			return s
		}
		return s[:n]
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func displayName(name *string) string {
	if name == nil {
		return "current"
	}
	return *name
}
