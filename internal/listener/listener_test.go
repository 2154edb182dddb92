//go:build unit

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
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/job"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/logstore"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/pipe"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/protocol"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/fakes/hypervisorfake"
)

const (
	testVM   = "vm-a"
	testPipe = `\\.\pipe\vm-a`
	timeout  = 3 * time.Second
)

// logSink collects the formatted log lines of a funcr logger.
type logSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *logSink) logger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.lines = append(s.lines, prefix+" "+args)
	}, funcr.Options{Verbosity: 1})
}

func (s *logSink) contains(substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range s.lines {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

type harness struct {
	t       *testing.T
	fake    *hypervisorfake.Fake
	store   *logstore.Store
	logs    *logSink
	metrics *metrics.Metrics
	guest   net.Conn
	l       *Listener
}

func newHarness(t *testing.T, manager hypervisor.Manager, fake *hypervisorfake.Fake) *harness {
	t.Helper()

	h := &harness{
		t:       t,
		fake:    fake,
		store:   logstore.New(t.TempDir()),
		logs:    &logSink{},
		metrics: metrics.New(),
	}

	host, guest := net.Pipe()
	h.guest = guest
	t.Cleanup(func() { _ = guest.Close() })

	dialer := pipe.DialerFunc(func(_ context.Context, address string) (net.Conn, error) {
		assert.Equal(t, testPipe, address)
		return host, nil
	})

	h.l = Start(context.Background(), Config{VMName: testVM, Pipe: testPipe}, Deps{
		Dialer:  dialer,
		Manager: manager,
		Waiter:  &job.Waiter{Poller: manager, Interval: time.Millisecond, Log: logr.Discard()},
		Logs:    h.store,
		Log:     h.logs.logger(),
		Metrics: h.metrics,
	})
	t.Cleanup(h.l.Cancel)

	return h
}

func newFakeHarness(t *testing.T, fake *hypervisorfake.Fake) *harness {
	return newHarness(t, fake, fake)
}

func (h *harness) send(cmd byte, arg string) {
	h.t.Helper()
	var raw []byte
	if arg != "" {
		raw = []byte(arg)
	}
	frame, err := protocol.EncodeFrame(cmd, raw)
	require.NoError(h.t, err)
	h.write(frame)
}

func (h *harness) write(b []byte) {
	h.t.Helper()
	require.NoError(h.t, h.guest.SetWriteDeadline(time.Now().Add(timeout)))
	_, err := h.guest.Write(b)
	require.NoError(h.t, err)
}

// disconnect sends the disconnect sentinel and waits for the Listener to close.
func (h *harness) disconnect() {
	h.t.Helper()
	h.write([]byte{protocol.Disconnect})
	h.waitClosed()
}

func (h *harness) waitClosed() {
	h.t.Helper()
	select {
	case <-h.l.Done():
	case <-time.After(timeout):
		h.t.Fatal("listener did not close")
	}
	assert.Equal(h.t, StateClosed, h.l.State())
}

// readUntilEndOfStream reads a log-read response.
func (h *harness) readUntilEndOfStream() []byte {
	h.t.Helper()
	require.NoError(h.t, h.guest.SetReadDeadline(time.Now().Add(timeout)))

	var out bytes.Buffer
	buf := make([]byte, 1)
	for {
		_, err := io.ReadFull(h.guest, buf)
		require.NoError(h.t, err)
		if buf[0] == protocol.EndOfStream {
			return out.Bytes()
		}
		out.WriteByte(buf[0])
	}
}

func TestListener_BootVM(t *testing.T) {
	fake := hypervisorfake.New().
		AddVM(testVM, testPipe).
		AddVM("vm-b", "").
		SetState("vm-b", hypervisor.VMStateStopped)
	h := newFakeHarness(t, fake)

	h.send(protocol.BootVM, "vm-b")
	h.disconnect()

	assert.Equal(t, hypervisor.VMStateRunning, fake.State("vm-b"))
	require.Len(t, fake.Invocations(), 1)
	inv := fake.Invocations()[0]
	assert.Equal(t, "vm-b", inv.Target)
	assert.Equal(t, hypervisor.OperationRequestStateChange, inv.Operation)
	assert.Equal(t, hypervisor.VMStateRunning, inv.RequestedState)
	assert.True(t, h.logs.contains(`"msg"="started VM"`))
	assert.True(t, h.logs.contains(`"requestedBy"="vm-a"`))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Commands.WithLabelValues("boot_vm", metrics.OutcomeSuccess)))
}

func TestListener_BootVMWithoutNameIsNoop(t *testing.T) {
	fake := hypervisorfake.New().AddVM(testVM, testPipe)
	h := newFakeHarness(t, fake)

	h.send(protocol.BootVM, "")
	h.disconnect()

	assert.Empty(t, fake.Invocations())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Commands.WithLabelValues("boot_vm", metrics.OutcomeIgnored)))
}

func TestListener_BootUnknownVMIsReported(t *testing.T) {
	fake := hypervisorfake.New().AddVM(testVM, testPipe)
	h := newFakeHarness(t, fake)

	h.send(protocol.BootVM, "ghost")
	h.disconnect()

	assert.Empty(t, fake.Invocations())
	assert.True(t, h.logs.contains(`"msg"="failed to start VM"`))
}

func TestListener_NewSnapshotTruncatesName(t *testing.T) {
	fake := hypervisorfake.New().AddVM(testVM, testPipe)
	h := newFakeHarness(t, fake)

	long := strings.Repeat("é", 50) + strings.Repeat("x", 100)
	h.send(protocol.NewSnapshot, long)
	h.disconnect()

	snapshots := fake.Snapshots(testVM)
	require.Len(t, snapshots, 1)
	want := string([]rune(long)[:MaxSnapshotNameLength])
	assert.Equal(t, want, snapshots[0].ElementName)
	assert.Len(t, []rune(snapshots[0].ElementName), MaxSnapshotNameLength)
	assert.Equal(t, []hypervisor.Operation{
		hypervisor.OperationCreateSnapshot,
		hypervisor.OperationRenameSnapshot,
	}, fake.Operations())
}

func TestListener_NewSnapshotWithoutName(t *testing.T) {
	fake := hypervisorfake.New().AddVM(testVM, testPipe)
	h := newFakeHarness(t, fake)

	h.send(protocol.NewSnapshot, "")
	h.disconnect()

	require.Len(t, fake.Snapshots(testVM), 1)
	assert.Equal(t, []hypervisor.Operation{hypervisor.OperationCreateSnapshot}, fake.Operations())
	assert.True(t, h.logs.contains(`"msg"="snapshot created"`))
}

func TestListener_RenameFailureIsReportedSeparately(t *testing.T) {
	fake := hypervisorfake.New().
		AddVM(testVM, testPipe).
		FailOperation(hypervisor.OperationRenameSnapshot, errors.New("rename rejected"))
	h := newFakeHarness(t, fake)

	h.send(protocol.NewSnapshot, "nightly")
	h.send(protocol.WriteToLog, "still alive")
	h.disconnect()

	snapshots := fake.Snapshots(testVM)
	require.Len(t, snapshots, 1)
	assert.NotEqual(t, "nightly", snapshots[0].ElementName)
	assert.True(t, h.logs.contains(`"msg"="snapshot created"`))
	assert.True(t, h.logs.contains(`"msg"="error renaming snapshot"`))

	data, err := readFile(h.store, testVM)
	require.NoError(t, err)
	assert.Equal(t, "still alive", string(data))
}

func TestListener_OpenSnapshotGating(t *testing.T) {
	tests := []struct {
		name      string
		failOp    hypervisor.Operation
		wantOps   []hypervisor.Operation
		wantState hypervisor.VMState
		wantMsg   string
	}{
		{
			name: "all steps complete",
			wantOps: []hypervisor.Operation{
				hypervisor.OperationRequestStateChange,
				hypervisor.OperationApplySnapshot,
				hypervisor.OperationRequestStateChange,
			},
			wantState: hypervisor.VMStateRunning,
			wantMsg:   `"msg"="applied snapshot"`,
		},
		{
			name:      "stop fails",
			failOp:    hypervisor.OperationRequestStateChange,
			wantOps:   []hypervisor.Operation{hypervisor.OperationRequestStateChange},
			wantState: hypervisor.VMStateRunning,
			wantMsg:   `"msg"="failed to stop VM before applying snapshot"`,
		},
		{
			name:   "apply fails and VM is not restarted",
			failOp: hypervisor.OperationApplySnapshot,
			wantOps: []hypervisor.Operation{
				hypervisor.OperationRequestStateChange,
				hypervisor.OperationApplySnapshot,
			},
			wantState: hypervisor.VMStateStopped,
			wantMsg:   `"msg"="failed to apply snapshot"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := hypervisorfake.New().
				AddVM(testVM, testPipe).
				AddSnapshot(testVM, "base")
			if tt.failOp != "" {
				fake.FailOperation(tt.failOp, errors.New("injected"))
			}
			h := newFakeHarness(t, fake)

			h.send(protocol.OpenSnapshot, "BASE")
			h.disconnect()

			assert.Equal(t, tt.wantOps, fake.Operations())
			assert.Equal(t, tt.wantState, fake.State(testVM))
			assert.True(t, h.logs.contains(tt.wantMsg))
		})
	}
}

func TestListener_OpenMissingSnapshotIsSilent(t *testing.T) {
	fake := hypervisorfake.New().AddVM(testVM, testPipe)
	h := newFakeHarness(t, fake)

	h.send(protocol.OpenSnapshot, "")
	h.send(protocol.OpenSnapshot, "nope")
	h.disconnect()

	assert.Empty(t, fake.Invocations())
	assert.Equal(t, hypervisor.VMStateRunning, fake.State(testVM))
}

func TestListener_DeleteSnapshot(t *testing.T) {
	tests := []struct {
		name  string
		frame func() ([]byte, error)
		want  []string
	}{
		{
			name:  "single keeps descendants",
			frame: func() ([]byte, error) { return protocol.EncodeFrame(protocol.DeleteSnapshot, []byte("child")) },
			want:  []string{"base", "grandchild"},
		},
		{
			name:  "tree removes descendants",
			frame: func() ([]byte, error) { return protocol.EncodeDeleteTreeFrame([]byte("child")) },
			want:  []string{"base"},
		},
		{
			name:  "most recent",
			frame: func() ([]byte, error) { return protocol.EncodeFrame(protocol.DeleteSnapshot, nil) },
			want:  []string{"base", "child"},
		},
		{
			name:  "missing snapshot is silent",
			frame: func() ([]byte, error) { return protocol.EncodeDeleteTreeFrame([]byte("unknown")) },
			want:  []string{"base", "child", "grandchild"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := hypervisorfake.New().
				AddVM(testVM, testPipe).
				AddSnapshot(testVM, "base").
				AddSnapshot(testVM, "child").
				AddSnapshot(testVM, "grandchild")
			h := newFakeHarness(t, fake)

			frame, err := tt.frame()
			require.NoError(t, err)
			h.write(frame)
			h.disconnect()

			var got []string
			for _, s := range fake.Snapshots(testVM) {
				got = append(got, s.ElementName)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListener_LogRoundTrip(t *testing.T) {
	fake := hypervisorfake.New().AddVM(testVM, testPipe)
	h := newFakeHarness(t, fake)
	h.store.ChunkSize = 4

	h.send(protocol.WriteToLog, "boot ok\n")
	h.write([]byte{0x41, 0x00}) // unknown bytes are ignored
	h.send(protocol.WriteToLog, "tests passed\n")
	h.send(protocol.ReadFromLog, "ignored argument")

	assert.Equal(t, "boot ok\ntests passed\n", string(h.readUntilEndOfStream()))

	h.disconnect()
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.Commands.WithLabelValues("write_log", metrics.OutcomeSuccess)))
}

func TestListener_ReadEmptyLog(t *testing.T) {
	h := newFakeHarness(t, hypervisorfake.New().AddVM(testVM, testPipe))

	h.send(protocol.ReadFromLog, "")
	assert.Empty(t, h.readUntilEndOfStream())
	h.disconnect()
}

func TestListener_LogFailureKeepsListening(t *testing.T) {
	fake := hypervisorfake.New().
		AddVM(testVM, testPipe).
		AddVM("vm-b", "").
		SetState("vm-b", hypervisor.VMStateStopped)
	h := newFakeHarness(t, fake)
	h.store.Dir = filepath.Join(h.store.Dir, "missing")

	h.send(protocol.WriteToLog, "lost")
	h.send(protocol.BootVM, "vm-b")
	h.disconnect()

	assert.True(t, h.logs.contains(`"msg"="command failed"`))
	assert.Equal(t, hypervisor.VMStateRunning, fake.State("vm-b"))
}

func TestListener_StreamEndDisconnects(t *testing.T) {
	h := newFakeHarness(t, hypervisorfake.New().AddVM(testVM, testPipe))

	h.send(protocol.WriteToLog, "bye")
	require.NoError(t, h.guest.Close())
	h.waitClosed()

	assert.True(t, h.l.Cancelled())
}

func TestListener_ConnectFailure(t *testing.T) {
	logs := &logSink{}
	m := metrics.New()

	l := Start(context.Background(), Config{VMName: testVM, Pipe: testPipe, ConnectTimeout: 50 * time.Millisecond}, Deps{
		Dialer: pipe.DialerFunc(func(ctx context.Context, _ string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		Log:     logs.logger(),
		Metrics: m,
	})

	select {
	case <-l.Done():
	case <-time.After(timeout):
		t.Fatal("listener did not give up connecting")
	}

	assert.Equal(t, StateClosed, l.State())
	assert.True(t, l.Cancelled())
	assert.True(t, logs.contains(`"msg"="connecting to pipe"`))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ListenerConnectFailure))
}

func TestListener_CancelWhileIdle(t *testing.T) {
	h := newFakeHarness(t, hypervisorfake.New().AddVM(testVM, testPipe))

	assert.Eventually(t, func() bool { return h.l.State() == StateListening }, timeout, time.Millisecond)
	h.l.Cancel()
	h.waitClosed()

	assert.Equal(t, testVM, h.l.VMName())
	assert.Equal(t, testPipe, h.l.Pipe())
	assert.NotEmpty(t, h.l.ID())
}

// blockingManager holds InvokeAsync until released.
type blockingManager struct {
	*hypervisorfake.Fake
	started chan struct{}
	release chan struct{}
}

func (m *blockingManager) InvokeAsync(ctx context.Context, inv hypervisor.Invocation) (*hypervisor.JobHandle, error) {
	close(m.started)
	<-m.release
	return m.Fake.InvokeAsync(ctx, inv)
}

func TestListener_CancelDuringCommandFinishesIt(t *testing.T) {
	fake := hypervisorfake.New().
		AddVM(testVM, testPipe).
		AddVM("vm-b", "").
		SetState("vm-b", hypervisor.VMStateStopped)
	manager := &blockingManager{Fake: fake, started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, manager, fake)

	h.send(protocol.BootVM, "vm-b")
	<-manager.started

	h.l.Cancel()
	assert.Equal(t, StateDispatching, h.l.State())
	close(manager.release)
	h.waitClosed()

	assert.Equal(t, hypervisor.VMStateRunning, fake.State("vm-b"))
	assert.True(t, h.logs.contains(`"msg"="started VM"`))
}

// panickingManager panics on every lookup.
type panickingManager struct {
	*hypervisorfake.Fake
}

func (panickingManager) FindVM(context.Context, string) (*hypervisor.VM, error) {
	panic("wmi exploded")
}

func TestListener_HandlerPanicTerminatesListener(t *testing.T) {
	fake := hypervisorfake.New().AddVM(testVM, testPipe)
	h := newHarness(t, panickingManager{Fake: fake}, fake)

	h.send(protocol.BootVM, "vm-b")
	h.waitClosed()

	assert.True(t, h.l.Cancelled())
	assert.True(t, h.logs.contains(`"msg"="listener terminated"`))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Commands.WithLabelValues("boot_vm", metrics.OutcomeFailure)))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 100))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "éé", truncate("ééé", 2))

	latin1 := string(bytes.Repeat([]byte{0xE9}, 150))
	got := truncate(latin1, MaxSnapshotNameLength)
	assert.Len(t, got, MaxSnapshotNameLength)
	assert.Equal(t, latin1[:MaxSnapshotNameLength], got)

	short := string([]byte{'a', 0xFF, 'b'})
	assert.Equal(t, short, truncate(short, MaxSnapshotNameLength))
}

func readFile(store *logstore.Store, vm string) ([]byte, error) {
	var buf bytes.Buffer
	_, err := store.Stream(vm, &buf)
	return buf.Bytes(), err
}
