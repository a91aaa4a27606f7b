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

package poolvisor

import (
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func configField(e error) string {
	var ce *ConfigError
	if errors.As(e, &ce) {
		return ce.Field
	}
	return ""
}

func TestConfigValidate(t *testing.T) {
	Convey("The default configuration is valid", t, func() {
		So(DefaultConfig().Validate(), ShouldBeNil)
	})

	Convey("Given the default configuration", t, func() {
		c := DefaultConfig()

		Convey("Zero workers is rejected", func() {
			c.WorkerCount = 0
			e := c.Validate()
			So(errors.Is(e, ErrConfig), ShouldBeTrue)
			So(configField(e), ShouldEqual, "workers")
		})
		Convey("A malformed bind address is rejected", func() {
			for _, addr := range []string{"bogus", "host:99999", "host:port", "bad_host!:80"} {
				c.BindAddress = addr
				e := c.Validate()
				So(errors.Is(e, ErrConfig), ShouldBeTrue)
				So(configField(e), ShouldEqual, "bind")
			}
		})
		Convey("Well formed bind addresses are accepted", func() {
			for _, addr := range []string{":0", "127.0.0.1:0", "[::1]:8080", "localhost:5000", "0.0.0.0:65535"} {
				c.BindAddress = addr
				So(c.Validate(), ShouldBeNil)
			}
		})
		Convey("Jitter above the maximum is rejected", func() {
			c.MaxRequestsJitter = c.MaxRequests + 1
			e := c.Validate()
			So(errors.Is(e, ErrConfig), ShouldBeTrue)
			So(configField(e), ShouldEqual, "max_requests_jitter")
		})
		Convey("Jitter is irrelevant when recycling is off", func() {
			c.MaxRequests = 0
			c.MaxRequestsJitter = 50
			So(c.Validate(), ShouldBeNil)
		})
		Convey("Unknown worker classes are rejected", func() {
			c.WorkerClass = "gevent"
			So(configField(c.Validate()), ShouldEqual, "worker_class")
		})
		Convey("Log levels", func() {
			c.LogLevel = "warning"
			So(c.Validate(), ShouldBeNil)
			c.LogLevel = "verbose"
			So(configField(c.Validate()), ShouldEqual, "log_level")
		})
		Convey("Negative timeouts are rejected", func() {
			c.RequestTimeoutSeconds = -1
			So(configField(c.Validate()), ShouldEqual, "timeout")
		})
		Convey("A restart limit needs a period", func() {
			c.RestartPeriodSeconds = 0
			So(configField(c.Validate()), ShouldEqual, "restart_period")
			c.RestartLimit = 0
			So(c.Validate(), ShouldBeNil)
		})
		Convey("The liveness path must be absolute", func() {
			c.LivenessPath = "ping"
			So(configField(c.Validate()), ShouldEqual, "liveness_path")
		})
	})
}

func TestConfigDerived(t *testing.T) {
	Convey("Sync workers take one connection at a time", t, func() {
		c := DefaultConfig()
		So(c.connectionLimit(), ShouldEqual, 1)
		c.WorkerClass = Async
		So(c.connectionLimit(), ShouldEqual, 1000)
		c.MaxConnections = 0
		So(c.connectionLimit(), ShouldEqual, 0)
	})

	Convey("Recycled workers drain within the request timeout", t, func() {
		c := DefaultConfig()
		So(c.recycleDrainTimeout(), ShouldEqual, 120*time.Second)
		c.RequestTimeoutSeconds = 0
		So(c.recycleDrainTimeout(), ShouldEqual, 30*time.Second)
	})

	Convey("Provider start is bounded even with no startup wait", t, func() {
		c := DefaultConfig()
		So(c.unitStartTimeout(), ShouldEqual, 5*time.Second)
		c.StartupTimeoutSeconds = 0
		So(c.unitStartTimeout(), ShouldEqual, 30*time.Second)
	})
}

func TestRestartThrottle(t *testing.T) {
	Convey("Given a limit of two restarts a minute", t, func() {
		rt := newRestartThrottle(2, time.Minute)
		now := time.Now()

		So(rt.delay(now), ShouldEqual, 0)
		So(rt.delay(now), ShouldEqual, 0)
		So(rt.throttling(), ShouldBeFalse)

		Convey("The third restart waits", func() {
			d := rt.delay(now)
			So(d, ShouldBeGreaterThan, 0)
			So(d, ShouldBeLessThanOrEqualTo, 30*time.Second)
			So(rt.throttling(), ShouldBeTrue)
		})
		Convey("Tokens come back over time", func() {
			So(rt.delay(now.Add(31*time.Second)), ShouldEqual, 0)
			So(rt.throttling(), ShouldBeFalse)
		})
	})

	Convey("A zero limit never throttles", t, func() {
		rt := newRestartThrottle(0, time.Minute)
		for i := 0; i < 100; i++ {
			So(rt.delay(time.Now()), ShouldEqual, 0)
		}
		So(rt.throttling(), ShouldBeFalse)
	})
}
