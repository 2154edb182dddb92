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

// Package listener serves the guest command protocol on one VM pipe.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/hypervisor"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/logstore"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/metrics"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/pipe"
	"github.com/alexandremahdhaoui/vm-selfmanager/internal/protocol"
)

// DefaultConnectTimeout bounds how long a Listener waits for its pipe.
const DefaultConnectTimeout = 3 * time.Second

var errHandlerPanic = errors.New("command handler panicked")

// State is the lifecycle state of a Listener.
type State int32

const (
	StateConnecting State = iota
	StateListening
	StateDispatching
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateListening:
		return "Listening"
	case StateDispatching:
		return "Dispatching"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// JobWaiter blocks until an asynchronous job is terminal and reports whether
// it completed.
type JobWaiter interface {
	Wait(ctx context.Context, handle *hypervisor.JobHandle) bool
}

// Config identifies the pipe a Listener serves.
type Config struct {
	// VMName is the VM the pipe belonged to when the Listener was created.
	VMName string
	// Pipe is the pipe connection string.
	Pipe string
	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
}

// Deps are the collaborators shared by all Listeners.
type Deps struct {
	Dialer  pipe.Dialer
	Manager hypervisor.Manager
	Waiter  JobWaiter
	Logs    *logstore.Store
	Log     logr.Logger
	Metrics *metrics.Metrics
}

// Listener owns one pipe connection and processes its commands in order.
type Listener struct {
	id   string
	cfg  Config
	deps Deps
	log  logr.Logger

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu guards busy and the decision to close conn on cancellation.
	mu   sync.Mutex
	busy bool
}

// Start spawns a Listener for cfg. It stops when ctx or the Listener itself
// is cancelled, when the guest disconnects, or when a handler panics.
func Start(ctx context.Context, cfg Config, deps Deps) *Listener {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	id := uuid.NewString()
	l := &Listener{
		id:   id,
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.WithName("listener").WithValues("vm", cfg.VMName, "pipe", cfg.Pipe, "listener", id),
		done: make(chan struct{}),
	}
	l.ctx, l.cancel = context.WithCancel(ctx)
	l.state.Store(int32(StateConnecting))

	go l.run()

	return l
}

// ID returns the unique id of this Listener.
func (l *Listener) ID() string { return l.id }

// VMName returns the VM name the Listener was created for.
func (l *Listener) VMName() string { return l.cfg.VMName }

// Pipe returns the pipe connection string.
func (l *Listener) Pipe() string { return l.cfg.Pipe }

// State returns the current lifecycle state.
func (l *Listener) State() State { return State(l.state.Load()) }

// Cancel requests the Listener to stop. A command in progress runs to
// completion first.
func (l *Listener) Cancel() { l.cancel() }

// Cancelled reports whether cancellation was requested.
func (l *Listener) Cancelled() bool { return l.ctx.Err() != nil }

// Done is closed once the Listener reached StateClosed.
func (l *Listener) Done() <-chan struct{} { return l.done }

func (l *Listener) setState(s State) { l.state.Store(int32(s)) }

func (l *Listener) run() {
	defer close(l.done)
	defer l.setState(StateClosed)

	conn, err := l.connect()
	if err != nil {
		l.log.Error(err, "connecting to pipe")
		l.deps.Metrics.ObserveConnectFailure()
		l.cancel()
		return
	}
	defer func() { _ = conn.Close() }()

	stopWatch := l.closeOnCancel(conn)
	defer stopWatch()

	l.log.V(1).Info("listening")
	if err := l.serve(conn); err != nil {
		l.log.Error(err, "listener terminated")
	}
	l.cancel()
	l.log.V(1).Info("closed")
}

func (l *Listener) connect() (net.Conn, error) {
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.ConnectTimeout)
	defer cancel()

	return l.deps.Dialer.DialContext(ctx, l.cfg.Pipe)
}

// closeOnCancel closes conn when the Listener is cancelled while waiting for
// a command, which unblocks the pending read.
func (l *Listener) closeOnCancel(conn net.Conn) (stop func()) {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-stopped:
		case <-l.ctx.Done():
			l.mu.Lock()
			defer l.mu.Unlock()
			if !l.busy {
				_ = conn.Close()
			}
		}
	}()
	return func() { close(stopped) }
}

// serve runs the read/dispatch loop. It returns nil on disconnect or
// cancellation.
func (l *Listener) serve(conn net.Conn) error {
	r := bufio.NewReader(conn)

	for {
		if l.Cancelled() {
			return nil
		}

		l.setState(StateListening)
		b, err := r.ReadByte()
		if err != nil {
			if l.Cancelled() || isDisconnect(err) {
				return nil
			}
			return fmt.Errorf("reading command: %w", err)
		}
		if b == protocol.Disconnect {
			l.log.V(1).Info("guest disconnected")
			return nil
		}

		if !l.beginCommand() {
			return nil
		}
		l.setState(StateDispatching)
		err = l.dispatch(b, r, conn)
		l.endCommand()

		switch {
		case err == nil:
		case errors.Is(err, errHandlerPanic):
			return err
		case isDisconnect(err):
			return nil
		default:
			l.log.Error(err, "command failed", "command", protocol.CommandName(b))
		}
	}
}

func (l *Listener) beginCommand() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Cancelled() {
		return false
	}
	l.busy = true
	return true
}

func (l *Listener) endCommand() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.busy = false
}

// dispatch runs the handler registered for b. Unknown bytes are ignored.
func (l *Listener) dispatch(b byte, r *bufio.Reader, w io.Writer) (err error) {
	h, ok := handlers[b]
	if !ok {
		l.log.V(2).Info("ignoring unknown byte", "byte", fmt.Sprintf("0x%02X", b))
		return nil
	}
	name := protocol.CommandName(b)

	defer func() {
		if rec := recover(); rec != nil {
			l.deps.Metrics.ObserveCommand(name, metrics.OutcomeFailure)
			err = fmt.Errorf("%w: %s: %v", errHandlerPanic, name, rec)
		}
	}()

	// Management jobs are never interrupted: once accepted, a command waits
	// for its job even if the Listener is cancelled meanwhile.
	ctx := context.WithoutCancel(l.ctx)

	outcome, err := h(l, ctx, r, w)
	l.deps.Metrics.ObserveCommand(name, outcome)
	return err
}

func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
