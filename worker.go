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
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/gdamore/poolvisor/metrics"
)

// WorkerState is the lifecycle state of a worker.
//
//	             +------------+
//	             |            |
//	             |  Starting  +-------------+
//	             |            |             |
//	             +-----+------+             |
//	                   |                    |
//	             +-----V------+       +-----V-----+
//	             |            |       |           |
//	             |   Ready    +------->  Crashed  |
//	             |            |       |           |
//	             +-----+------+       +-----A-----+
//	                   |                    |
//	             +-----V------+             |
//	             |            |             |
//	             |  Draining  +-------------+
//	             |            |
//	             +-----+------+
//	                   |
//	             +-----V------+
//	             |            |
//	             |  Stopped   |
//	             |            |
//	             +------------+
//
// Starting may also go straight to Draining when the pool shuts down.
// Stopped and Crashed are terminal; the worker is removed from the pool
// once its resources are released.
type WorkerState int

const (
	Starting WorkerState = iota
	Ready
	Draining
	Stopped
	Crashed
)

var stateNames = [...]string{
	Starting: "starting",
	Ready:    "ready",
	Draining: "draining",
	Stopped:  "stopped",
	Crashed:  "crashed",
}

func (st WorkerState) String() string {
	if st < 0 || int(st) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(st))
	}
	return stateNames[st]
}

// live reports whether the state counts toward the pool size.
func (st WorkerState) live() bool {
	return st == Starting || st == Ready
}

// Worker is one member of the pool.  Everything except the request
// counter is owned by the supervisor's control loop, and read under the
// supervisor's lock.
type Worker struct {
	id        int
	sup       *Supervisor
	prov      Provider
	logger    zerolog.Logger
	threshold int
	served    atomic.Int64
	recycling atomic.Bool
	crashed   atomic.Bool

	state     WorkerState
	startedAt time.Time
	stamp     time.Time
	reason    string
	err       error

	// ctx is cancelled to force the worker down.  drain is closed to ask
	// it to stop gracefully, bounded by drainTimeout when positive.
	ctx          context.Context
	cancel       context.CancelFunc
	drain        chan struct{}
	drainTimeout time.Duration

	listener net.Listener
	srv      *http.Server
}

// WorkerInfo is a consistent snapshot of a worker.
type WorkerInfo struct {
	ID        int       `json:"id"`
	Pid       int       `json:"pid,omitempty"`
	State     string    `json:"state"`
	Served    int64     `json:"served"`
	Threshold int       `json:"threshold"`
	StartedAt time.Time `json:"started"`
	TimeStamp time.Time `json:"tstamp"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

func newWorker(s *Supervisor, id int, threshold int) *Worker {
	now := time.Now()
	w := &Worker{
		id:        id,
		sup:       s,
		threshold: threshold,
		state:     Starting,
		startedAt: now,
		stamp:     now,
		reason:    "Spawned",
		drain:     make(chan struct{}),
	}
	w.ctx, w.cancel = context.WithCancel(s.forceCtx)
	w.logger = s.logger.With().Int("worker", id).Logger()
	w.prov = s.factory(id, w.logger)
	w.listener = s.ln.worker(s.cfg.connectionLimit())
	return w
}

// ID returns the worker's id.  Ids are never reused within a supervisor.
func (w *Worker) ID() int {
	return w.id
}

// Served returns the number of requests the worker has completed.
func (w *Worker) Served() int64 {
	return w.served.Load()
}

// Threshold returns the request count at which the worker is recycled,
// or 0 if it never is.
func (w *Worker) Threshold() int {
	return w.threshold
}

// setState records a transition.  Call from the control loop with the
// supervisor lock held.
func (w *Worker) setState(st WorkerState, reason string) {
	w.logger.Debug().
		Str("from", w.state.String()).
		Str("to", st.String()).
		Str("reason", reason).
		Msg("transition")
	w.state = st
	w.reason = reason
	w.stamp = time.Now()
}

// remaining is how many more requests the worker serves before its
// recycle threshold, or -1 if it has none.
func (w *Worker) remaining() int {
	if w.threshold <= 0 {
		return -1
	}
	return w.threshold - int(w.served.Load())
}

func (w *Worker) info() WorkerInfo {
	i := WorkerInfo{
		ID:        w.id,
		State:     w.state.String(),
		Served:    w.served.Load(),
		Threshold: w.threshold,
		StartedAt: w.startedAt,
		TimeStamp: w.stamp,
		Status:    w.reason,
	}
	if p, ok := w.prov.(interface{ Pid() int }); ok {
		i.Pid = p.Pid()
	}
	if w.err != nil {
		i.Error = w.err.Error()
	}
	return i
}

// completed accounts for one finished request, asking for a recycle the
// first time the threshold is met.  It never blocks.
func (w *Worker) completed() {
	n := w.served.Add(1)
	if w.threshold > 0 && n >= int64(w.threshold) &&
		w.recycling.CompareAndSwap(false, true) {
		w.sup.post(event{kind: evRecycle, w: w, reason: "request limit reached"})
	}
}

// exited is handed to the provider, and reports the unit dying.
func (w *Worker) exited(e error) {
	w.sup.crash(w, e)
}

func (w *Worker) draining() bool {
	select {
	case <-w.drain:
		return true
	default:
		return false
	}
}

// run is the worker's own goroutine.  It owns the provider and the HTTP
// server, and always finishes by reporting evStopped.
func (w *Worker) run() {
	s := w.sup
	defer s.post(event{kind: evStopped, w: w})

	sctx, cancel := context.WithTimeout(w.ctx, s.cfg.unitStartTimeout())
	go func() {
		select {
		case <-w.drain:
			cancel()
		case <-sctx.Done():
		}
	}()
	e := w.prov.Start(sctx, w.exited)
	cancel()
	if e != nil {
		if !w.draining() && w.ctx.Err() == nil {
			s.crash(w, fmt.Errorf("start: %w", e))
		}
		return
	}

	w.srv = w.newServer()
	done := make(chan error, 1)
	go func() {
		done <- w.srv.Serve(w.listener)
	}()
	s.post(event{kind: evReady, w: w})

	select {
	case <-w.drain:
		w.shutdown()
		<-done
	case <-w.ctx.Done():
		w.srv.Close()
		<-done
		w.prov.Stop(w.ctx)
	case e := <-done:
		s.crash(w, fmt.Errorf("serve: %w", e))
		w.cancel()
		w.prov.Stop(w.ctx)
	}
}

// shutdown stops accepting, lets in-flight requests finish within the
// drain bound, and then stops the provider.
func (w *Worker) shutdown() {
	ctx := w.ctx
	if w.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(w.ctx, w.drainTimeout)
		defer cancel()
	}
	if e := w.srv.Shutdown(ctx); e != nil {
		w.logger.Warn().
			Err(ErrDrainTimeout).
			Int64("served", w.served.Load()).
			Msg("forcing worker down")
		metrics.DrainTimeouts.Inc()
		w.srv.Close()
	}
	w.prov.Stop(ctx)
}

func (w *Worker) newServer() *http.Server {
	cfg := w.sup.cfg
	srv := &http.Server{
		Handler:  w.handler(w.prov.Handler()),
		ErrorLog: newStdLogger(w.logger),
	}
	if cfg.WorkerClass == Sync {
		srv.SetKeepAlivesEnabled(false)
	} else {
		srv.IdleTimeout = cfg.keepAlive()
	}
	return srv
}
