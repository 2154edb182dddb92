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

package servicehost

import (
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sys/windows/svc"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/gracefulshutdown"
)

const accepted = svc.AcceptStop | svc.AcceptShutdown | svc.AcceptPauseAndContinue

// Run hands l to the service control manager when the process runs as the
// Windows service name, and runs it interactively otherwise. It blocks until l
// is stopped.
func Run(name string, gs *gracefulshutdown.GracefulShutdown, l Lifecycle, log logr.Logger) error {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return fmt.Errorf("detecting service context: %w", err)
	}
	if !isService {
		return runInteractive(gs, l, log)
	}

	if err := svc.Run(name, &handler{gs: gs, l: l, log: log.WithName("svc")}); err != nil {
		return fmt.Errorf("running service %s: %w", name, err)
	}
	return nil
}

type handler struct {
	gs  *gracefulshutdown.GracefulShutdown
	l   Lifecycle
	log logr.Logger
}

// Execute implements svc.Handler.
func (h *handler) Execute(_ []string, requests <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	changes <- svc.Status{State: svc.StartPending}

	if err := h.l.Start(h.gs.Context()); err != nil {
		h.log.Error(err, "starting")
		return true, 1
	}
	changes <- svc.Status{State: svc.Running, Accepts: accepted}

loop:
	for {
		select {
		case <-h.gs.Context().Done():
			break loop
		case req := <-requests:
			switch req.Cmd {
			case svc.Interrogate:
				changes <- req.CurrentStatus
			case svc.Stop, svc.Shutdown:
				break loop
			case svc.Pause:
				if err := h.l.Pause(); err != nil {
					h.log.Error(err, "pausing")
					continue
				}
				changes <- svc.Status{State: svc.Paused, Accepts: accepted}
			case svc.Continue:
				if err := h.l.Resume(); err != nil {
					h.log.Error(err, "resuming")
					continue
				}
				changes <- svc.Status{State: svc.Running, Accepts: accepted}
			default:
				h.log.V(1).Info("ignoring control request", "cmd", req.Cmd)
			}
		}
	}

	changes <- svc.Status{State: svc.StopPending}
	h.l.Stop()
	h.gs.CancelFunc()()

	return false, 0
}
