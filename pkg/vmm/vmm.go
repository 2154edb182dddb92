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

// Package vmm implements hypervisor.Manager on top of libvirt.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"libvirt.org/go/libvirt"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
)

// DefaultURI is the libvirt connection URI used when none is given.
const DefaultURI = "qemu:///system"

var (
	errConnectLibvirt        = errors.New("failed to connect to libvirt")
	errLibvirtNotInitialized = errors.New("libvirt connection is not initialized")
	errListDomains           = errors.New("failed to list domains")
	errGetDomainXML          = errors.New("failed to get domain XML")
	errGetSnapshotXML        = errors.New("failed to get snapshot XML")
	errChangeState           = errors.New("failed to change domain state")
	errCreateSnapshot        = errors.New("failed to create snapshot")
	errRevertSnapshot        = errors.New("failed to revert to snapshot")
	errRedefineSnapshot      = errors.New("failed to redefine snapshot")
	errDeleteSnapshot        = errors.New("failed to delete snapshot")
)

var _ hypervisor.Manager = &Manager{}

// Manager drives libvirt domains and snapshots. Operations run as
// hypervisor.JobTracker jobs.
type Manager struct {
	conn *libvirt.Connect
	jobs *hypervisor.JobTracker
	log  logr.Logger
	now  func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger of the Manager.
func WithLogger(log logr.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager connects to libvirt at uri, or DefaultURI when uri is empty.
func NewManager(uri string, opts ...Option) (*Manager, error) {
	if uri == "" {
		uri = DefaultURI
	}

	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, errors.Join(err, fmt.Errorf("uri=%s", uri), errConnectLibvirt)
	}

	m := &Manager{
		conn: conn,
		jobs: hypervisor.NewJobTracker(),
		log:  logr.Discard(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Close closes the libvirt connection.
func (m *Manager) Close() error {
	if m.conn == nil {
		return nil
	}
	_, err := m.conn.Close()
	return err
}

// ListActiveVMs implements hypervisor.Inventory.
func (m *Manager) ListActiveVMs(_ context.Context) ([]hypervisor.VM, error) {
	if m.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	doms, err := m.conn.ListAllDomains(libvirt.CONNECT_LIST_DOMAINS_ACTIVE)
	if err != nil {
		return nil, classify(errors.Join(err, errListDomains))
	}

	out := make([]hypervisor.VM, 0, len(doms))
	var firstErr error
	for i := range doms {
		vm, err := describe(&doms[i])
		_ = doms[i].Free()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, vm)
	}
	if firstErr != nil {
		return nil, firstErr
	}

	return out, nil
}

// SecondSerialPortPipe implements hypervisor.Inventory. A domain that
// disappeared or stopped since it was listed yields ErrInvalidState.
func (m *Manager) SecondSerialPortPipe(_ context.Context, vm hypervisor.VM) (string, error) {
	dom, err := m.lookup(vm)
	if err != nil {
		return "", err
	}
	defer func() { _ = dom.Free() }()

	active, err := dom.IsActive()
	if err != nil {
		return "", classify(err)
	}
	if !active {
		return "", fmt.Errorf("vmName=%s is no longer active: %w", vm.Name, hypervisor.ErrInvalidState)
	}

	xml, err := dom.GetXMLDesc(0)
	if err != nil {
		return "", classify(errors.Join(err, fmt.Errorf("vmName=%s", vm.Name), errGetDomainXML))
	}

	return secondSerialPortPipe(xml)
}

// FindVM implements hypervisor.Manager.
func (m *Manager) FindVM(_ context.Context, name string) (*hypervisor.VM, error) {
	dom, err := m.lookupByName(name)
	if err != nil {
		if errors.Is(err, hypervisor.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = dom.Free() }()

	vm, err := describe(dom)
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

// FindSnapshot implements hypervisor.Manager. Named lookups match the
// snapshot's user-visible name case-insensitively; a nil name selects the
// current snapshot.
func (m *Manager) FindSnapshot(_ context.Context, vmName string, name *string) (*hypervisor.Snapshot, error) {
	dom, err := m.lookupByName(vmName)
	if err != nil {
		if errors.Is(err, hypervisor.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = dom.Free() }()

	if name == nil {
		snap, err := dom.SnapshotCurrent(0)
		if err != nil {
			if isCode(err, libvirt.ERR_NO_DOMAIN_SNAPSHOT) {
				return nil, nil
			}
			return nil, classify(err)
		}
		defer func() { _ = snap.Free() }()

		out, err := readSnapshot(snap)
		if err != nil {
			return nil, err
		}
		return &out, nil
	}

	snaps, err := dom.ListAllSnapshots(0)
	if err != nil {
		return nil, classify(err)
	}
	defer func() {
		for i := range snaps {
			_ = snaps[i].Free()
		}
	}()

	for i := range snaps {
		s, err := readSnapshot(&snaps[i])
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(s.ElementName, *name) {
			return &s, nil
		}
	}
	return nil, nil
}

// InvokeAsync implements hypervisor.Manager.
func (m *Manager) InvokeAsync(ctx context.Context, inv hypervisor.Invocation) (*hypervisor.JobHandle, error) {
	switch inv.Operation {
	case hypervisor.OperationRequestStateChange,
		hypervisor.OperationCreateSnapshot:
	case hypervisor.OperationApplySnapshot,
		hypervisor.OperationRenameSnapshot,
		hypervisor.OperationRemoveSnapshot,
		hypervisor.OperationRemoveSnapshotTree:
		if inv.Snapshot == nil {
			return nil, fmt.Errorf("%s requires a snapshot", inv.Operation)
		}
	default:
		return nil, fmt.Errorf("%w: %s", hypervisor.ErrUnsupportedOperation, inv.Operation)
	}
	if m.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	log := m.log.WithValues("vm", inv.Target, "operation", string(inv.Operation))
	handle := m.jobs.Start(ctx, func(context.Context) error {
		err := m.run(inv)
		if err != nil {
			log.Error(err, "job failed")
		}
		return err
	})
	log.V(1).Info("job started", "job", handle.ID)

	return handle, nil
}

// PollJob implements hypervisor.Manager.
func (m *Manager) PollJob(_ context.Context, handle *hypervisor.JobHandle) (hypervisor.JobStatus, error) {
	return m.jobs.Poll(handle)
}

func (m *Manager) run(inv hypervisor.Invocation) error {
	dom, err := m.lookupByName(inv.Target)
	if err != nil {
		return err
	}
	defer func() { _ = dom.Free() }()

	switch inv.Operation {
	case hypervisor.OperationRequestStateChange:
		return setState(dom, inv.RequestedState)

	case hypervisor.OperationCreateSnapshot:
		xml, err := newSnapshotXML(m.snapshotName(inv.Target))
		if err != nil {
			return errors.Join(err, errCreateSnapshot)
		}
		snap, err := dom.CreateSnapshotXML(xml, 0)
		if err != nil {
			return errors.Join(err, errCreateSnapshot)
		}
		return snap.Free()
	}

	snap, err := dom.SnapshotLookupByName(inv.Snapshot.InstanceID, 0)
	if err != nil {
		return classify(err)
	}
	defer func() { _ = snap.Free() }()

	switch inv.Operation {
	case hypervisor.OperationApplySnapshot:
		if err := snap.RevertToSnapshot(0); err != nil {
			return errors.Join(err, errRevertSnapshot)
		}
	case hypervisor.OperationRenameSnapshot:
		xml, err := snap.GetXMLDesc(libvirt.DOMAIN_SNAPSHOT_XML_SECURE)
		if err != nil {
			return errors.Join(err, errGetSnapshotXML)
		}
		xml, err = renameSnapshotXML(xml, inv.NewName)
		if err != nil {
			return errors.Join(err, errRedefineSnapshot)
		}
		redefined, err := dom.CreateSnapshotXML(xml, libvirt.DOMAIN_SNAPSHOT_CREATE_REDEFINE)
		if err != nil {
			return errors.Join(err, errRedefineSnapshot)
		}
		_ = redefined.Free()
	case hypervisor.OperationRemoveSnapshot:
		if err := snap.Delete(0); err != nil {
			return errors.Join(err, errDeleteSnapshot)
		}
	case hypervisor.OperationRemoveSnapshotTree:
		if err := snap.Delete(libvirt.DOMAIN_SNAPSHOT_DELETE_CHILDREN); err != nil {
			return errors.Join(err, errDeleteSnapshot)
		}
	}
	return nil
}

func (m *Manager) snapshotName(vmName string) string {
	return vmName + "-" + m.now().UTC().Format("20060102T150405.000000000Z")
}

func (m *Manager) lookup(vm hypervisor.VM) (*libvirt.Domain, error) {
	if vm.ID == "" {
		return m.lookupByName(vm.Name)
	}
	if m.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	dom, err := m.conn.LookupDomainByUUIDString(vm.ID)
	if err != nil {
		// The VM was listed a moment ago.
		if isCode(err, libvirt.ERR_NO_DOMAIN) {
			return nil, fmt.Errorf("vmName=%s vanished: %w", vm.Name, hypervisor.ErrInvalidState)
		}
		return nil, classify(err)
	}
	return dom, nil
}

func (m *Manager) lookupByName(name string) (*libvirt.Domain, error) {
	if m.conn == nil {
		return nil, errLibvirtNotInitialized
	}

	dom, err := m.conn.LookupDomainByName(name)
	if err != nil {
		if isCode(err, libvirt.ERR_NO_DOMAIN) {
			return nil, fmt.Errorf("vmName=%s: %w", name, hypervisor.ErrNotFound)
		}
		return nil, classify(err)
	}
	return dom, nil
}

func describe(dom *libvirt.Domain) (hypervisor.VM, error) {
	name, err := dom.GetName()
	if err != nil {
		return hypervisor.VM{}, classify(err)
	}
	id, err := dom.GetUUIDString()
	if err != nil {
		return hypervisor.VM{}, classify(err)
	}
	return hypervisor.VM{Name: name, ID: id}, nil
}

func readSnapshot(snap *libvirt.DomainSnapshot) (hypervisor.Snapshot, error) {
	xml, err := snap.GetXMLDesc(0)
	if err != nil {
		return hypervisor.Snapshot{}, classify(errors.Join(err, errGetSnapshotXML))
	}
	return parseSnapshot(xml)
}

func setState(dom *libvirt.Domain, requested hypervisor.VMState) error {
	state, _, err := dom.GetState()
	if err != nil {
		return classify(err)
	}

	switch requested {
	case hypervisor.VMStateRunning:
		switch state {
		case libvirt.DOMAIN_RUNNING:
			return nil
		case libvirt.DOMAIN_PAUSED:
			err = dom.Resume()
		default:
			err = dom.Create()
		}
	case hypervisor.VMStateStopped:
		if state == libvirt.DOMAIN_SHUTOFF {
			return nil
		}
		err = dom.Destroy()
	case hypervisor.VMStatePaused:
		if state == libvirt.DOMAIN_PAUSED {
			return nil
		}
		err = dom.Suspend()
	default:
		return fmt.Errorf("%w: requested state %s", hypervisor.ErrUnsupportedOperation, requested)
	}

	if err != nil {
		return errors.Join(err, fmt.Errorf("requested=%s", requested), errChangeState)
	}
	return nil
}

func isCode(err error, code libvirt.ErrorNumber) bool {
	var lverr libvirt.Error
	return errors.As(err, &lverr) && lverr.Code == code
}

// classify maps libvirt errors onto the hypervisor sentinels.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case isCode(err, libvirt.ERR_NO_DOMAIN), isCode(err, libvirt.ERR_OPERATION_INVALID):
		return fmt.Errorf("%w: %w", hypervisor.ErrInvalidState, err)
	case isCode(err, libvirt.ERR_NO_DOMAIN_SNAPSHOT):
		return fmt.Errorf("%w: %w", hypervisor.ErrNotFound, err)
	default:
		return err
	}
}
