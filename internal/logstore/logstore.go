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

package logstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultChunkSize stays below the 64 KiB single-write limit of named pipes.
const DefaultChunkSize = 64*1024 - 1

var (
	// ErrInvalidVMName is returned when a VM name cannot be used as a file name.
	ErrInvalidVMName = errors.New("invalid VM name for log file")

	errOpenLog  = errors.New("failed to open log file")
	errWriteLog = errors.New("failed to write log file")
	errReadLog  = errors.New("failed to read log file")
)

// Store keeps one append-only log file per VM.
type Store struct {
	// Dir is the directory holding <VMName>.log files.
	Dir string
	// ChunkSize bounds how much of a log file is held in memory while streaming it.
	ChunkSize int
}

// New returns a Store rooted at dir.
func New(dir string) *Store {
	return &Store{Dir: dir, ChunkSize: DefaultChunkSize}
}

// Path returns the log file path of a VM.
func (s *Store) Path(vmName string) (string, error) {
	if vmName == "." ||
		!filepath.IsLocal(vmName) ||
		strings.ContainsAny(vmName, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVMName, vmName)
	}
	return filepath.Join(s.Dir, vmName+".log"), nil
}

// Append writes data at the end of the VM's log, creating the file if needed.
// The file is closed before Append returns.
func (s *Store) Append(vmName string, data []byte) error {
	path, err := s.Path(vmName)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Join(err, errOpenLog)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errors.Join(err, errWriteLog)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Join(err, errWriteLog)
	}
	return f.Close()
}

// Stream copies the VM's whole log to w one chunk at a time: each chunk is
// written before the next one is read. A missing log is created empty.
func (s *Store) Stream(vmName string, w io.Writer) (int64, error) {
	path, err := s.Path(vmName)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return 0, errors.Join(err, errOpenLog)
	}
	defer func() { _ = f.Close() }()

	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	buf := make([]byte, chunkSize)

	var written int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			m, err := w.Write(buf[:n])
			written += int64(m)
			if err != nil {
				return written, err
			}
			if m != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return written, nil
			}
			return written, errors.Join(readErr, errReadLog)
		}
	}
}
