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

package gracefulshutdown_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexandremahdhaoui/vm-selfmanager/internal/util/gracefulshutdown"
)

func noExit(int) {}

func TestNew(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("vm-selfmanager", noExit)
	require.NotNil(t, gs)

	assert.NoError(t, gs.Context().Err())
	assert.NotNil(t, gs.CancelFunc())
	assert.NotNil(t, gs.WaitGroup())

	gs.CancelFunc()()
	<-gs.Context().Done()
	assert.Error(t, gs.Context().Err())
}

func TestGracefulShutdown_Shutdown(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		workers  int
	}{
		{name: "exit code 0", exitCode: 0},
		{name: "exit code 1", exitCode: 1},
		{name: "waits for workers", exitCode: 0, workers: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				gotCode  int
				exited   bool
				finished atomic.Int32
			)
			gs := gracefulshutdown.NewWithExit("test", func(code int) {
				gotCode = code
				exited = true
			})

			for i := 0; i < tt.workers; i++ {
				gs.WaitGroup().Add(1)
				go func() {
					defer gs.WaitGroup().Done()
					time.Sleep(10 * time.Millisecond)
					finished.Add(1)
				}()
			}
			gs.Ready()

			gs.Shutdown(tt.exitCode)

			assert.True(t, exited)
			assert.Equal(t, tt.exitCode, gotCode)
			assert.Equal(t, int32(tt.workers), finished.Load())
			assert.Error(t, gs.Context().Err())
		})
	}
}

func TestGracefulShutdown_ShutdownOnce(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	gs := gracefulshutdown.NewWithExit("test", func(int) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(code int) {
			defer wg.Done()
			gs.Shutdown(code)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}
