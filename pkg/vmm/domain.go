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

package vmm

import (
	"errors"
	"fmt"
	"strings"

	"libvirt.org/go/libvirtxml"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
)

// secondSerialPort is the target port of COM2.
const secondSerialPort = 1

var errUnmarshalXML = errors.New("failed to unmarshal XML")

// secondSerialPortPipe returns the path of the unix socket backing the
// domain's second serial port, or "" when the port is absent or cannot be
// dialed by the agent.
func secondSerialPortPipe(domainXML string) (string, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domainXML); err != nil {
		return "", errors.Join(err, errUnmarshalXML)
	}
	if dom.Devices == nil {
		return "", nil
	}

	serial := findSerial(dom.Devices.Serials)
	if serial == nil {
		return "", nil
	}
	return chardevPath(serial.Source), nil
}

// findSerial returns the serial whose target port is COM2, falling back to
// the second serial device.
func findSerial(serials []libvirtxml.DomainSerial) *libvirtxml.DomainSerial {
	for i := range serials {
		t := serials[i].Target
		if t != nil && t.Port != nil && *t.Port == secondSerialPort {
			return &serials[i]
		}
	}
	if len(serials) > secondSerialPort {
		return &serials[secondSerialPort]
	}
	return nil
}

// chardevPath returns the socket path of a unix chardev QEMU listens on.
// Client-mode sockets and FIFO-backed pipe chardevs have no server side to
// connect to.
func chardevPath(src *libvirtxml.DomainChardevSource) string {
	if src == nil || src.UNIX == nil || src.UNIX.Mode != "bind" {
		return ""
	}
	return src.UNIX.Path
}

// newSnapshotXML returns the definition of a snapshot called name.
func newSnapshotXML(name string) (string, error) {
	snap := libvirtxml.DomainSnapshot{Name: name}
	return snap.Marshal()
}

// parseSnapshot maps a snapshot definition to a hypervisor.Snapshot. The
// description is the user-visible name when set.
func parseSnapshot(snapshotXML string) (hypervisor.Snapshot, error) {
	var snap libvirtxml.DomainSnapshot
	if err := snap.Unmarshal(snapshotXML); err != nil {
		return hypervisor.Snapshot{}, errors.Join(err, errUnmarshalXML)
	}

	out := hypervisor.Snapshot{
		ElementName: snap.Name,
		InstanceID:  snap.Name,
	}
	if d := strings.TrimSpace(snap.Description); d != "" {
		out.ElementName = d
	}
	if snap.Parent != nil {
		out.ParentID = snap.Parent.Name
	}
	return out, nil
}

// renameSnapshotXML sets the description of a snapshot definition. The result
// is meant to be redefined in place.
func renameSnapshotXML(snapshotXML, newName string) (string, error) {
	var snap libvirtxml.DomainSnapshot
	if err := snap.Unmarshal(snapshotXML); err != nil {
		return "", errors.Join(err, errUnmarshalXML)
	}
	snap.Description = newName

	out, err := snap.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal snapshot %q: %w", snap.Name, err)
	}
	return out, nil
}
