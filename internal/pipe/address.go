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

// Package pipe connects to the host side of a VM serial port.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// LocalServer is the server component of a pipe on the local machine.
const LocalServer = "."

var (
	// ErrInvalidAddress is returned for connection strings that are neither a
	// named pipe nor an absolute socket path.
	ErrInvalidAddress = errors.New("invalid pipe address")

	// ErrRemoteUnsupported is returned when dialing a pipe on another server
	// from a platform without remote named pipes.
	ErrRemoteUnsupported = errors.New("remote pipes are not supported on this platform")
)

// Address is a parsed pipe connection string.
type Address struct {
	// Server is the host serving the pipe. LocalServer means this machine.
	Server string
	// Name is the pipe name, or the socket path when Socket is true.
	Name string
	// Socket is true when the connection string was a filesystem socket path.
	Socket bool
}

// ParseAddress parses `\\<server>\pipe\<name>` (forward slashes accepted) or
// an absolute socket path.
func ParseAddress(s string) (Address, error) {
	if s == "" {
		return Address{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	normalized := strings.ReplaceAll(s, "/", `\`)
	if strings.HasPrefix(normalized, `\\`) {
		parts := strings.SplitN(normalized[2:], `\`, 3)
		if len(parts) != 3 ||
			parts[0] == "" ||
			!strings.EqualFold(parts[1], "pipe") ||
			parts[2] == "" {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		return Address{Server: parts[0], Name: parts[2]}, nil
	}

	if strings.HasPrefix(s, "/") {
		return Address{Server: LocalServer, Name: filepath.Clean(s), Socket: true}, nil
	}

	return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
}

// Local reports whether the pipe is served by this machine.
func (a Address) Local() bool {
	return a.Server == LocalServer || strings.EqualFold(a.Server, "localhost")
}

// String returns the canonical connection string.
func (a Address) String() string {
	if a.Socket {
		return a.Name
	}
	return `\\` + a.Server + `\pipe\` + a.Name
}

// Dialer opens a connection to a pipe given its connection string.
type Dialer interface {
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string) (net.Conn, error)

// DialContext implements Dialer.
func (f DialerFunc) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return f(ctx, address)
}
