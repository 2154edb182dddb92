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

// Package servicehost runs a Lifecycle under the platform's service
// supervisor: the Windows service control manager when started by it,
// process signals otherwise.
package servicehost

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/gracefulshutdown"
)

// Lifecycle is a long-running component driven by a supervisor.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop()
	Pause() error
	Resume() error
}

// runInteractive runs l until the GracefulShutdown context is done. Pause and
// resume are mapped to the process control signals.
func runInteractive(gs *gracefulshutdown.GracefulShutdown, l Lifecycle, log logr.Logger) error {
	gs.HandleControl(
		func() {
			if err := l.Pause(); err != nil {
				log.Error(err, "pausing")
			}
		},
		func() {
			if err := l.Resume(); err != nil {
				log.Error(err, "resuming")
			}
		},
	)

	if err := l.Start(gs.Context()); err != nil {
		return err
	}

	<-gs.Context().Done()
	l.Stop()

	return nil
}
