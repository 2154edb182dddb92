//go:build !windows

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

package pipe

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
)

type platformDialer struct {
	pipeDir string
}

// NewDialer returns the platform dialer. Local named pipes `\\.\pipe\<name>`
// are served as unix sockets under pipeDir.
func NewDialer(pipeDir string) Dialer {
	return platformDialer{pipeDir: pipeDir}
}

// DialContext implements Dialer.
func (d platformDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	path, err := d.socketPath(address)
	if err != nil {
		return nil, err
	}

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing pipe %s: %w", address, err)
	}
	return conn, nil
}

func (d platformDialer) socketPath(address string) (string, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return "", err
	}
	if addr.Socket {
		return addr.Name, nil
	}
	if !addr.Local() {
		return "", fmt.Errorf("%w: %s", ErrRemoteUnsupported, addr)
	}
	if d.pipeDir == "" {
		return "", fmt.Errorf("%w: no pipe directory configured for %s", ErrInvalidAddress, addr)
	}
	return filepath.Join(d.pipeDir, filepath.Base(addr.Name)), nil
}
