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

// Package httputil runs the auxiliary HTTP servers of the agent.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/gracefulshutdown"
)

// ShutdownTimeout bounds how long a server may take to drain.
const ShutdownTimeout = 30 * time.Second

type serverNameKey struct{}

// ServerName returns the name of the server handling the request context.
func ServerName(ctx context.Context) string {
	name, _ := ctx.Value(serverNameKey{}).(string)
	return name
}

// Serve runs the servers until the GracefulShutdown context is done, then
// shuts them down. A server failing to listen triggers a shutdown with exit
// code 1. Callers must have made their own WaitGroup.Add calls before Serve,
// which calls Ready.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		ctx := context.WithValue(gs.Context(), serverNameKey{}, name)
		server.BaseContext = func(_ net.Listener) context.Context { return ctx }

		gs.WaitGroup().Add(1)

		go func() {
			slog.InfoContext(ctx, "serving", "server", name, "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.ErrorContext(ctx, "server failed", "server", name, "error", err)
				// Done must precede Shutdown, which waits for the WaitGroup.
				gs.WaitGroup().Done()
				gs.Shutdown(1)
				return
			}
			gs.WaitGroup().Done()
		}()
	}

	gs.Ready()

	<-gs.Context().Done()

	for name, server := range servers {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("shutting down server", "server", name, "error", err)
				return
			}
			slog.Info("server stopped", "server", name)
		}()
	}
}
