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

// Package protocol implements the byte framing spoken by guests over their
// second serial port.
//
// A frame is a command byte, zero or more argument bytes and the EndMessage
// terminator. There is no length field: argument bytes are taken verbatim
// until the terminator, so an argument can never contain EndMessage.
package protocol

import (
	"errors"
	"io"

	"k8s.io/utils/ptr"
)

// Command bytes. Most map to the ASCII control code of a Ctrl-key chord.
const (
	BootVM         byte = 0x02 // Ctrl-B
	DeleteSnapshot byte = 0x04 // Ctrl-D
	EndMessage     byte = 0x05 // Ctrl-E
	NewSnapshot    byte = 0x0E // Ctrl-N
	OpenSnapshot   byte = 0x0F // Ctrl-O
	ReadFromLog    byte = 0x12 // Ctrl-R
	WriteToLog     byte = 0x17 // Ctrl-W
	EndOfStream    byte = 0x1A // Ctrl-Z, terminates a log read response
	Disconnect     byte = 0xFF
)

// ErrArgumentContainsTerminator is returned by EncodeFrame when the argument
// cannot be framed.
var ErrArgumentContainsTerminator = errors.New("argument contains the end-of-message byte")

// CommandName returns a short name for a command byte, or "" if the byte is
// not a command.
func CommandName(b byte) string {
	switch b {
	case BootVM:
		return "boot_vm"
	case DeleteSnapshot:
		return "delete_snapshot"
	case NewSnapshot:
		return "new_snapshot"
	case OpenSnapshot:
		return "open_snapshot"
	case ReadFromLog:
		return "read_log"
	case WriteToLog:
		return "write_log"
	default:
		return ""
	}
}

// ReadArgument consumes bytes up to and including EndMessage and returns the
// bytes before it. An empty argument is returned as nil. If the stream ends
// before the terminator, io.ErrUnexpectedEOF is returned.
func ReadArgument(r io.ByteReader) ([]byte, error) {
	var arg []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if b == EndMessage {
			return arg, nil
		}
		arg = append(arg, b)
	}
}

// ReadDeleteSelector reads the remainder of a DeleteSnapshot frame. A second
// DeleteSnapshot byte directly after the command selects tree deletion; the
// snapshot name follows in both cases.
func ReadDeleteSelector(r io.ByteReader) (tree bool, arg []byte, err error) {
	first, err := r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil, io.ErrUnexpectedEOF
		}
		return false, nil, err
	}

	switch first {
	case DeleteSnapshot:
		arg, err = ReadArgument(r)
		return true, arg, err
	case EndMessage:
		return false, nil, nil
	}

	rest, err := ReadArgument(r)
	if err != nil {
		return false, nil, err
	}
	return false, append([]byte{first}, rest...), nil
}

// EncodeFrame builds a frame for cmd carrying arg.
func EncodeFrame(cmd byte, arg []byte) ([]byte, error) {
	frame := make([]byte, 0, len(arg)+2)
	frame = append(frame, cmd)
	for _, b := range arg {
		if b == EndMessage {
			return nil, ErrArgumentContainsTerminator
		}
		frame = append(frame, b)
	}
	return append(frame, EndMessage), nil
}

// EncodeDeleteTreeFrame builds a frame deleting the snapshot tree rooted at arg.
func EncodeDeleteTreeFrame(arg []byte) ([]byte, error) {
	frame, err := EncodeFrame(DeleteSnapshot, arg)
	if err != nil {
		return nil, err
	}
	return append([]byte{DeleteSnapshot}, frame...), nil
}

// Text converts an argument to an optional string. A nil argument is absent.
func Text(arg []byte) *string {
	if len(arg) == 0 {
		return nil
	}
	return ptr.To(string(arg))
}
