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

package servicehost

import (
	"github.com/go-logr/logr"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/gracefulshutdown"
)

// Run blocks until the GracefulShutdown context is done and l is stopped.
func Run(_ string, gs *gracefulshutdown.GracefulShutdown, l Lifecycle, log logr.Logger) error {
	return runInteractive(gs, l, log)
}
