package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

// ShortTempDir creates a temporary directory whose path stays well below the
// unix socket path limit (108 bytes on Linux), which t.TempDir() paths can
// exceed for long test names. It is removed when the test ends.
func ShortTempDir(t *testing.T) string {
	t.Helper()

	dir, err := os.MkdirTemp("", "vsm")
	if err != nil {
		t.Fatalf("failed to create temp directory: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	return dir
}

// ListenUnix serves a unix socket at dir/name, standing in for the host side
// of a VM serial port. Accepted connections are sent on the returned channel
// and must be closed by the caller. The listener is closed when the test ends.
func ListenUnix(t *testing.T, dir, name string) (string, <-chan net.Conn) {
	t.Helper()

	path := filepath.Join(dir, name)
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("failed to listen on %q: %v", path, err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		defer close(conns)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- conn
		}
	}()

	return path, conns
}
