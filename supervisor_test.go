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
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type testLog struct {
	t *testing.T
}

func (tl *testLog) Write(p []byte) (n int, err error) {
	s := string(p)
	s = strings.Trim(s, "\n")
	tl.t.Log(s)
	return len(p), nil
}

// seqRand replays a fixed sequence of jitter draws.
type seqRand struct {
	vals []int
	next int
	mx   sync.Mutex
}

func (r *seqRand) IntN(n int) int {
	r.mx.Lock()
	defer r.mx.Unlock()
	v := r.vals[r.next%len(r.vals)]
	r.next++
	return v % n
}

var hello = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "hello")
})

func testConfig() SupervisorConfig {
	c := DefaultConfig()
	c.BindAddress = "127.0.0.1:0"
	c.LogLevel = "debug"
	return c
}

func WithSupervisor(t *testing.T, name string, f Factory, fn func(s *Supervisor)) func() {
	return func() {
		s := NewSupervisor(name, f)
		So(s, ShouldNotBeNil)
		s.SetLogWriter(&testLog{t: t})
		Reset(func() {
			s.Shutdown(time.Second)
		})
		fn(s)
	}
}

func countState(s *Supervisor, st WorkerState) int {
	n := 0
	for _, w := range s.Workers() {
		if w.State == st.String() {
			n++
		}
	}
	return n
}

func readyIDs(s *Supervisor) []int {
	var ids []int
	for _, w := range s.Workers() {
		if w.State == Ready.String() {
			ids = append(ids, w.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

// waitFor polls cond on every state change, for up to d.
func waitFor(s *Supervisor, d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for {
		serial := s.Serial()
		if cond() {
			return true
		}
		left := time.Until(deadline)
		if left <= 0 {
			return false
		}
		s.WatchSerial(serial, left)
	}
}

func waitReady(s *Supervisor, n int) bool {
	return waitFor(s, 5*time.Second, func() bool {
		return countState(s, Ready) >= n
	})
}

func get(s *Supervisor, path string) (*http.Response, string, error) {
	res, e := http.Get("http://" + s.Addr().String() + path)
	if e != nil {
		return nil, "", e
	}
	defer res.Body.Close()
	b, e := io.ReadAll(res.Body)
	return res, string(b), e
}

func TestStartErrors(t *testing.T) {
	Convey("Zero workers is a config error", t,
		WithSupervisor(t, "ZeroWorkers", StaticHandler(hello), func(s *Supervisor) {
			c := testConfig()
			c.WorkerCount = 0
			e := s.Start(c)
			So(errors.Is(e, ErrConfig), ShouldBeTrue)
			So(s.Workers(), ShouldBeEmpty)
			So(s.Addr(), ShouldBeNil)
		}))

	Convey("A taken address is a bind error", t,
		WithSupervisor(t, "BindError", StaticHandler(hello), func(s *Supervisor) {
			ln, e := net.Listen("tcp", "127.0.0.1:0")
			So(e, ShouldBeNil)
			defer ln.Close()
			c := testConfig()
			c.BindAddress = ln.Addr().String()
			e = s.Start(c)
			So(errors.Is(e, ErrBind), ShouldBeTrue)
			So(s.Workers(), ShouldBeEmpty)
		}))

	Convey("Starting twice fails", t,
		WithSupervisor(t, "StartTwice", StaticHandler(hello), func(s *Supervisor) {
			So(s.Start(testConfig()), ShouldBeNil)
			So(s.Start(testConfig()), ShouldEqual, ErrStarted)
		}))

	Convey("Shutdown before start fails", t, func() {
		s := NewSupervisor("NotStarted", StaticHandler(hello))
		So(s.Shutdown(0), ShouldEqual, ErrNotStarted)
	})
}

func TestServe(t *testing.T) {
	Convey("Given a started pool of two", t,
		WithSupervisor(t, "Serve", StaticHandler(hello), func(s *Supervisor) {
			So(s.Start(testConfig()), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)
			So(s.Liveness(), ShouldBeTrue)

			info := s.Info()
			So(info.Target, ShouldEqual, 2)
			So(info.Ready, ShouldEqual, 2)
			So(info.Live, ShouldBeTrue)
			So(info.Bind, ShouldEqual, s.Addr().String())

			for _, w := range s.Workers() {
				So(w.Threshold, ShouldBeBetweenOrEqual, 900, 1000)
				So(w.Served, ShouldEqual, 0)
			}

			Convey("Requests are served and counted", func() {
				res, body, e := get(s, "/")
				So(e, ShouldBeNil)
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(body, ShouldEqual, "hello\n")
				So(res.Header.Get(RequestIDHeader), ShouldNotBeEmpty)
				id, e := strconv.Atoi(res.Header.Get(WorkerIDHeader))
				So(e, ShouldBeNil)

				s.sync()
				w, e := s.Worker(id)
				So(e, ShouldBeNil)
				So(w.Served, ShouldEqual, 1)
			})

			Convey("A client request id is echoed", func() {
				req, _ := http.NewRequest("GET", "http://"+s.Addr().String()+"/", nil)
				req.Header.Set(RequestIDHeader, "abc-123")
				res, e := http.DefaultClient.Do(req)
				So(e, ShouldBeNil)
				res.Body.Close()
				So(res.Header.Get(RequestIDHeader), ShouldEqual, "abc-123")
			})

			Convey("The liveness path is answered by the pool", func() {
				res, body, e := get(s, "/ping")
				So(e, ShouldBeNil)
				So(res.StatusCode, ShouldEqual, http.StatusOK)
				So(body, ShouldEqual, "OK\n")
				s.sync()
				for _, w := range s.Workers() {
					So(w.Served, ShouldEqual, 0)
				}
			})

			Convey("The log records the startup", func() {
				recs, _ := s.GetLog(0)
				So(recs, ShouldNotBeEmpty)
				found := false
				for _, r := range recs {
					if r.Message == "worker ready" {
						found = true
					}
				}
				So(found, ShouldBeTrue)
			})
		}))
}

func TestThreshold(t *testing.T) {
	Convey("Given a configured but idle supervisor", t, func() {
		s := NewSupervisor("Threshold", StaticHandler(hello))
		s.cfg = DefaultConfig()

		Convey("Thresholds fall within the jitter", func() {
			for i := 0; i < 1000; i++ {
				th := s.threshold()
				So(th, ShouldBeBetweenOrEqual, 900, 1000)
			}
		})
		Convey("No jitter means exactly the maximum", func() {
			s.cfg.MaxRequestsJitter = 0
			So(s.threshold(), ShouldEqual, 1000)
		})
		Convey("No maximum means never", func() {
			s.cfg.MaxRequests = 0
			So(s.threshold(), ShouldEqual, 0)
		})
	})
}

func TestStaggeredRecycling(t *testing.T) {
	Convey("Two workers with max 1000 and jitter 100", t,
		WithSupervisor(t, "Stagger", StaticHandler(hello), func(s *Supervisor) {
			// The second draw of 30 would put both workers on the same
			// threshold, so it is redrawn.
			s.SetRand(&seqRand{vals: []int{30, 30, 70, 10, 20, 40, 60, 80, 50, 90}})
			So(s.Start(testConfig()), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)

			ws := s.Workers()
			So(len(ws), ShouldEqual, 2)
			So(ws[0].Threshold, ShouldEqual, 970)
			So(ws[1].Threshold, ShouldEqual, 930)

			recycled := map[int]bool{}
			requests := 0
			for requests < 2000 {
				ids := readyIDs(s)
				So(len(ids), ShouldEqual, 2)
				for _, id := range ids {
					s.RequestCompleted(id)
					requests++
				}
				s.sync()

				n := 0
				for _, id := range ids {
					if w, e := s.Worker(id); e != nil || w.State != Ready.String() {
						recycled[id] = true
						n++
					}
				}
				// Never both workers in the same step.
				So(n, ShouldBeLessThanOrEqualTo, 1)
				So(waitReady(s, 2), ShouldBeTrue)
			}
			So(recycled[1], ShouldBeTrue)
			So(recycled[2], ShouldBeTrue)
			So(s.Liveness(), ShouldBeTrue)
		}))
}

func TestRecycleBeforeReady(t *testing.T) {
	Convey("A worker reaching its threshold while starting", t, func() {
		s := NewSupervisor("EarlyRecycle", StaticHandler(hello))
		s.SetLogWriter(&testLog{t: t})
		s.cfg = testConfig()
		s.cfg.MaxRequests = 1
		s.cfg.MaxRequestsJitter = 0

		w := &Worker{
			id:        1,
			sup:       s,
			logger:    s.Logger(),
			threshold: s.threshold(),
			state:     Starting,
			drain:     make(chan struct{}),
		}
		w.ctx, w.cancel = context.WithCancel(context.Background())
		defer w.cancel()
		s.workers[w.id] = w
		So(w.threshold, ShouldEqual, 1)

		w.completed()
		ev := <-s.events
		So(ev.kind, ShouldEqual, evRecycle)
		s.handle(ev)
		So(w.state, ShouldEqual, Starting)

		Convey("is recycled once it becomes Ready", func() {
			s.handle(event{kind: evReady, w: w})
			So(w.state, ShouldEqual, Draining)
			So(w.draining(), ShouldBeTrue)
			So(w.Served(), ShouldEqual, 1)
		})
	})

	Convey("A pool with a limit of one request", t,
		WithSupervisor(t, "LimitOne", StaticHandler(hello), func(s *Supervisor) {
			c := testConfig()
			c.WorkerCount = 1
			c.MaxRequests = 1
			c.MaxRequestsJitter = 0
			So(s.Start(c), ShouldBeNil)
			So(waitReady(s, 1), ShouldBeTrue)

			Convey("recycles after every request", func() {
				for i := 1; i <= 3; i++ {
					res, _, e := get(s, "/")
					So(e, ShouldBeNil)
					So(res.Header.Get(WorkerIDHeader), ShouldEqual, strconv.Itoa(i))
					So(waitFor(s, 5*time.Second, func() bool {
						_, e := s.Worker(i)
						return e != nil && countState(s, Ready) == 1
					}), ShouldBeTrue)
				}
			})
		}))
}

func TestRecycle(t *testing.T) {
	Convey("Given a running pool", t,
		WithSupervisor(t, "Recycle", StaticHandler(hello), func(s *Supervisor) {
			So(s.Start(testConfig()), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)

			Convey("A worker can be recycled by hand", func() {
				So(s.Recycle(1), ShouldBeNil)
				So(waitFor(s, 5*time.Second, func() bool {
					_, e := s.Worker(1)
					return e != nil && countState(s, Ready) == 2
				}), ShouldBeTrue)
				So(readyIDs(s), ShouldResemble, []int{2, 3})
			})

			Convey("Unknown workers are reported", func() {
				So(errors.Is(s.Recycle(99), ErrNoWorker), ShouldBeTrue)
			})

			Convey("Unknown ids are ignored by notifications", func() {
				s.RequestCompleted(99)
				s.WorkerCrashed(99, nil)
				s.sync()
				So(readyIDs(s), ShouldResemble, []int{1, 2})
			})
		}))
}

func TestCrash(t *testing.T) {
	Convey("Given a running pool", t,
		WithSupervisor(t, "Crash", StaticHandler(hello), func(s *Supervisor) {
			c := testConfig()
			c.RestartLimit = 1
			So(s.Start(c), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)

			Convey("A crashed worker is replaced", func() {
				s.WorkerCrashed(1, errors.New("boom"))
				s.sync()
				if w, e := s.Worker(1); e == nil {
					So(w.State, ShouldEqual, Crashed.String())
					So(w.Error, ShouldContainSubstring, "boom")
				}
				So(waitFor(s, 5*time.Second, func() bool {
					ids := readyIDs(s)
					return len(ids) == 2 && ids[0] == 2 && ids[1] == 3
				}), ShouldBeTrue)
				So(s.Info().Throttled, ShouldBeFalse)

				Convey("Crashing again too soon is throttled", func() {
					s.WorkerCrashed(2, errors.New("boom again"))
					s.sync()
					So(s.Info().Throttled, ShouldBeTrue)
					So(waitFor(s, 2*time.Second, func() bool {
						_, e := s.Worker(2)
						return e != nil
					}), ShouldBeTrue)
					So(readyIDs(s), ShouldResemble, []int{3})
					So(s.Liveness(), ShouldBeTrue)
				})
			})
		}))
}

func TestPanic(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/panic" {
			panic("kaboom")
		}
		fmt.Fprintln(w, "fine")
	})
	Convey("A panicking request crashes its worker", t,
		WithSupervisor(t, "Panic", StaticHandler(h), func(s *Supervisor) {
			So(s.Start(testConfig()), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)

			res, _, e := get(s, "/panic")
			So(e, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, http.StatusInternalServerError)
			id, _ := strconv.Atoi(res.Header.Get(WorkerIDHeader))
			So(id, ShouldBeGreaterThan, 0)

			So(waitFor(s, 5*time.Second, func() bool {
				_, e := s.Worker(id)
				return e != nil && countState(s, Ready) == 2
			}), ShouldBeTrue)

			res, body, e := get(s, "/")
			So(e, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, http.StatusOK)
			So(body, ShouldEqual, "fine\n")
		}))
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	Convey("A slow request is aborted without crashing the worker", t,
		WithSupervisor(t, "Timeout", StaticHandler(h), func(s *Supervisor) {
			c := testConfig()
			c.RequestTimeoutSeconds = 1
			So(s.Start(c), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)

			start := time.Now()
			res, body, e := get(s, "/slow")
			So(e, ShouldBeNil)
			So(res.StatusCode, ShouldEqual, http.StatusServiceUnavailable)
			So(body, ShouldContainSubstring, "timed out")
			So(time.Since(start), ShouldBeLessThan, 3*time.Second)

			s.sync()
			So(countState(s, Ready), ShouldEqual, 2)
			So(countState(s, Crashed), ShouldEqual, 0)
		}))
	close(release)
}

func TestShutdown(t *testing.T) {
	Convey("An idle pool shuts down at once", t,
		WithSupervisor(t, "ShutdownIdle", StaticHandler(hello), func(s *Supervisor) {
			So(s.Start(testConfig()), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)
			addr := s.Addr().String()

			start := time.Now()
			So(s.Shutdown(5*time.Second), ShouldBeNil)
			So(time.Since(start), ShouldBeLessThan, time.Second)
			So(s.Workers(), ShouldBeEmpty)
			So(s.Liveness(), ShouldBeFalse)
			So(s.Info().Stopping, ShouldBeTrue)

			_, e := net.DialTimeout("tcp", addr, time.Second)
			So(e, ShouldNotBeNil)

			select {
			case <-s.Done():
			default:
				So("not done", ShouldBeEmpty)
			}
		}))

	busy := make(chan struct{}, 1)
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		busy <- struct{}{}
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	Convey("A busy pool is forced down after the grace period", t,
		WithSupervisor(t, "ShutdownBusy", StaticHandler(h), func(s *Supervisor) {
			So(s.Start(testConfig()), ShouldBeNil)
			So(waitReady(s, 2), ShouldBeTrue)

			go get(s, "/busy")
			<-busy

			start := time.Now()
			So(s.Shutdown(300*time.Millisecond), ShouldBeNil)
			elapsed := time.Since(start)
			So(elapsed, ShouldBeGreaterThanOrEqualTo, 300*time.Millisecond)
			So(elapsed, ShouldBeLessThan, 2*time.Second)
			So(s.Workers(), ShouldBeEmpty)
		}))
	close(release)
}
