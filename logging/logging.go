// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logging builds the zerolog loggers used by poolvisor, and the
// adapters that let libraries expecting log or slog write through them.
//
// Output is JSON by default, one object per line.  The console format is
// meant for humans at a terminal.
package logging

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Formats accepted by NewWriter.
const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ParseLevel converts a level name to a zerolog.Level.  "warning" is
// accepted as well as "warn".  Unknown names yield InfoLevel.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	}
	return zerolog.InfoLevel
}

// NewWriter returns out wrapped for format.  A nil out means os.Stderr.
func NewWriter(format string, out io.Writer) io.Writer {
	if out == nil {
		out = os.Stderr
	}
	if format == FormatConsole {
		return zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return out
}

// New returns a timestamped logger at level, writing in format.
func New(level, format string, out io.Writer) zerolog.Logger {
	return zerolog.New(NewWriter(format, out)).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// StdLogger returns a standard library logger that writes through l,
// for APIs such as http.Server.ErrorLog.
func StdLogger(l zerolog.Logger) *log.Logger {
	return log.New(stdWriter{l}, "", 0)
}

type stdWriter struct {
	l zerolog.Logger
}

func (w stdWriter) Write(b []byte) (int, error) {
	w.l.Warn().Msg(strings.TrimRight(string(b), "\n"))
	return len(b), nil
}
