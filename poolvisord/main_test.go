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

package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/config"
)

func TestFactory(t *testing.T) {
	Convey("Without a command the built in handler is served", t, func() {
		cfg := config.Default()
		f, e := newFactory(cfg)
		So(e, ShouldBeNil)
		So(f, ShouldNotBeNil)

		p := f(4, zerolog.Nop())
		So(p.Start(context.Background(), func(error) {}), ShouldBeNil)
		defer p.Stop(context.Background())

		rec := httptest.NewRecorder()
		p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
		So(rec.Code, ShouldEqual, http.StatusOK)
		var body map[string]interface{}
		So(json.Unmarshal(rec.Body.Bytes(), &body), ShouldBeNil)
		So(body["worker"], ShouldEqual, float64(4))
		So(body["path"], ShouldEqual, "/x")
	})

	Convey("A missing tool stops startup", t, func() {
		cfg := config.Default()
		cfg.App.Require = []string{"no-such-tool-anywhere"}
		_, e := newFactory(cfg)
		So(errors.Is(e, poolvisor.ErrConfig), ShouldBeTrue)
	})
}

func TestPoolService(t *testing.T) {
	Convey("Cancelling the pool service drains the pool", t, func() {
		f, e := newFactory(config.Default())
		So(e, ShouldBeNil)
		s := poolvisor.NewSupervisor("ServiceTest", f)
		s.SetLogWriter(io.Discard)
		c := poolvisor.DefaultConfig()
		c.BindAddress = "127.0.0.1:0"
		So(s.Start(c), ShouldBeNil)
		So(s.Liveness(), ShouldBeTrue)

		svc := &poolService{s: s, grace: time.Second}
		So(svc.String(), ShouldEqual, "worker pool")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- svc.Serve(ctx)
		}()
		cancel()
		select {
		case e := <-done:
			So(errors.Is(e, context.Canceled), ShouldBeTrue)
		case <-time.After(5 * time.Second):
			So("timed out", ShouldBeEmpty)
		}
		So(s.Liveness(), ShouldBeFalse)
		So(s.Workers(), ShouldBeEmpty)
	})
}
