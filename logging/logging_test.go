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

package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
)

func TestParseLevel(t *testing.T) {
	Convey("Level names map to zerolog levels", t, func() {
		So(ParseLevel("debug"), ShouldEqual, zerolog.DebugLevel)
		So(ParseLevel("INFO"), ShouldEqual, zerolog.InfoLevel)
		So(ParseLevel("warning"), ShouldEqual, zerolog.WarnLevel)
		So(ParseLevel("warn"), ShouldEqual, zerolog.WarnLevel)
		So(ParseLevel("error"), ShouldEqual, zerolog.ErrorLevel)
		So(ParseLevel("bogus"), ShouldEqual, zerolog.InfoLevel)
	})
}

func TestNew(t *testing.T) {
	Convey("Given a JSON logger at warning", t, func() {
		buf := &bytes.Buffer{}
		l := New("warning", FormatJSON, buf)

		Convey("Info is suppressed", func() {
			l.Info().Msg("quiet")
			So(buf.Len(), ShouldEqual, 0)
		})
		Convey("Warnings are written as JSON", func() {
			l.Warn().Str("k", "v").Msg("loud")
			So(buf.String(), ShouldStartWith, "{")
			So(buf.String(), ShouldContainSubstring, `"k":"v"`)
			So(buf.String(), ShouldContainSubstring, `"message":"loud"`)
		})
	})

	Convey("The console format is not JSON", t, func() {
		buf := &bytes.Buffer{}
		l := New("info", FormatConsole, buf)
		l.Info().Msg("hello")
		So(buf.String(), ShouldContainSubstring, "hello")
		So(strings.HasPrefix(buf.String(), "{"), ShouldBeFalse)
	})
}

func TestStdLogger(t *testing.T) {
	Convey("StdLogger writes one warning per line", t, func() {
		buf := &bytes.Buffer{}
		sl := StdLogger(zerolog.New(buf))
		sl.Printf("http: TLS handshake error")
		So(buf.String(), ShouldContainSubstring, `"level":"warn"`)
		So(buf.String(), ShouldContainSubstring, "TLS handshake error")
		So(buf.String(), ShouldNotContainSubstring, `\n`)
	})
}

func TestSlogHandler(t *testing.T) {
	Convey("Given an slog logger backed by zerolog", t, func() {
		buf := &bytes.Buffer{}
		sl := NewSlogLogger(zerolog.New(buf).Level(zerolog.InfoLevel))

		Convey("Debug is filtered by the zerolog level", func() {
			sl.Debug("hidden")
			So(buf.Len(), ShouldEqual, 0)
		})
		Convey("Attributes and groups are flattened", func() {
			sl.WithGroup("suture").With("service", "pool").
				Warn("restarting", slog.Int("failures", 2), slog.Any("err", errors.New("boom")))
			out := buf.String()
			So(out, ShouldContainSubstring, `"level":"warn"`)
			So(out, ShouldContainSubstring, `"suture.service":"pool"`)
			So(out, ShouldContainSubstring, `"suture.failures":2`)
			So(out, ShouldContainSubstring, `"suture.err":"boom"`)
			So(out, ShouldContainSubstring, `"message":"restarting"`)
		})
	})
}
