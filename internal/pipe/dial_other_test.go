//go:build unit && !windows

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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/testutil"
)

func TestDialContext_LocalPipeMapsToSocket(t *testing.T) {
	dir := testutil.ShortTempDir(t)
	_, conns := testutil.ListenUnix(t, dir, "vm-a")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, err := NewDialer(dir).DialContext(ctx, `\\.\pipe\vm-a`)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte{0x12, 0x05, 0xFF})
	require.NoError(t, err)

	select {
	case server := <-conns:
		defer server.Close()
		buf := make([]byte, 3)
		_, err := server.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x12, 0x05, 0xFF}, buf)
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted the connection")
	}
}

func TestDialContext_SocketPath(t *testing.T) {
	path, conns := testutil.ListenUnix(t, testutil.ShortTempDir(t), "serial1.sock")

	conn, err := NewDialer("").DialContext(context.Background(), path)
	require.NoError(t, err)
	_ = conn.Close()

	server := <-conns
	_ = server.Close()
}

func TestDialContext_Errors(t *testing.T) {
	dir := testutil.ShortTempDir(t)
	ctx := context.Background()

	_, err := NewDialer(dir).DialContext(ctx, `\\hyperv-01\pipe\vm`)
	assert.ErrorIs(t, err, ErrRemoteUnsupported)

	_, err = NewDialer(dir).DialContext(ctx, "not-a-pipe")
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewDialer("").DialContext(ctx, `\\.\pipe\vm`)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = NewDialer(dir).DialContext(ctx, `\\.\pipe\nobody-listens`)
	assert.Error(t, err)
}
