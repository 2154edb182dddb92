//go:build windows

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

	"github.com/Microsoft/go-winio"
)

type platformDialer struct{}

// NewDialer returns the platform dialer. Named pipes are opened through the
// Win32 pipe API; pipeDir is unused on Windows.
func NewDialer(pipeDir string) Dialer {
	return platformDialer{}
}

// DialContext implements Dialer.
func (platformDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}

	if addr.Socket {
		var d net.Dialer
		return d.DialContext(ctx, "unix", addr.Name)
	}

	conn, err := winio.DialPipeContext(ctx, addr.String())
	if err != nil {
		return nil, fmt.Errorf("dialing pipe %s: %w", addr, err)
	}
	return conn, nil
}
