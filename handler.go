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
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gdamore/poolvisor/logging"
	"github.com/gdamore/poolvisor/metrics"
)

// RequestIDHeader carries the request id.  An id supplied by the client
// is kept, otherwise one is generated.
const RequestIDHeader = "X-Request-Id"

// WorkerIDHeader names the worker that served the request.
const WorkerIDHeader = "X-Worker-Id"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// handler wraps the provider's handler with the per-request behaviour
// every worker has: the liveness endpoint, request ids, accounting,
// crash detection, and the request timeout.
func (w *Worker) handler(app http.Handler) http.Handler {
	cfg := w.sup.cfg
	inner := w.recoverer(app)
	timeout := cfg.requestTimeout()
	if timeout > 0 {
		inner = http.TimeoutHandler(inner, timeout, "request timed out\n")
	}

	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.URL.Path == cfg.LivenessPath {
			w.liveness(rw)
			return
		}

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(RequestIDHeader, id)
		}
		rw.Header().Set(RequestIDHeader, id)
		rw.Header().Set(WorkerIDHeader, strconv.Itoa(w.id))

		rec := &statusRecorder{ResponseWriter: rw}
		start := time.Now()
		defer func() {
			elapsed := time.Since(start)
			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			metrics.Requests.WithLabelValues(metrics.StatusClass(status)).Inc()
			metrics.RequestDuration.Observe(elapsed.Seconds())
			if timeout > 0 && status == http.StatusServiceUnavailable && elapsed >= timeout {
				metrics.RequestTimeouts.Inc()
				w.logger.Warn().
					Err(ErrRequestTimeout).
					Str("request_id", id).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Dur("elapsed", elapsed).
					Msg("request aborted")
			}
			w.logger.Debug().
				Str("request_id", id).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Dur("elapsed", elapsed).
				Msg("request")
			w.completed()
		}()
		inner.ServeHTTP(rec, r)
	})
}

// liveness answers the liveness probe for the whole pool, not just this
// worker.
func (w *Worker) liveness(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
	rw.Header().Set("Cache-Control", "no-store")
	if w.sup.Liveness() {
		rw.WriteHeader(http.StatusOK)
		fmt.Fprintln(rw, "OK")
		return
	}
	rw.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintln(rw, "no ready workers")
}

// recoverer turns a panicking request into a 500, and the worker that
// ran it into a crashed one.
func (w *Worker) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			w.logger.Error().
				Str("panic", fmt.Sprint(p)).
				Str("path", r.URL.Path).
				Msg("request panicked")
			http.Error(rw, http.StatusText(http.StatusInternalServerError),
				http.StatusInternalServerError)
			w.sup.crash(w, fmt.Errorf("panic: %v", p))
		}()
		next.ServeHTTP(rw, r)
	})
}

func newStdLogger(l zerolog.Logger) *log.Logger {
	return logging.StdLogger(l.With().Str("source", "http").Logger())
}
