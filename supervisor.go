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
	"io"
	"math/rand/v2"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gdamore/poolvisor/logging"
	"github.com/gdamore/poolvisor/metrics"
)

// Rand is the source of recycle jitter.  *rand.Rand from math/rand/v2
// satisfies it.
type Rand interface {
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) IntN(n int) int {
	return rand.IntN(n)
}

type eventKind int

const (
	evReady eventKind = iota
	evRecycle
	evCrash
	evStopped
	evRespawn
	evShutdown
	evSync
)

type event struct {
	kind   eventKind
	w      *Worker
	reason string
	err    error
	grace  time.Duration
	done   chan struct{}
}

const (
	// a "prime" number of milliseconds, to ensure a more or less even
	// distribution of clock events
	monitorInterval = 587 * time.Millisecond

	// maxJitterDraws bounds redraws of a threshold that would make a new
	// worker recycle in step with a live one.
	maxJitterDraws = 4

	bindRetryDelay = 250 * time.Millisecond
	eventQueueLen  = 1024
)

// Supervisor owns the shared listener and a pool of workers serving it.
// All changes to the pool are made by a single control loop, fed by
// events from the workers and from the notification methods, which never
// block.  A Supervisor is started once; after Shutdown it cannot be
// reused.
type Supervisor struct {
	name     string
	factory  Factory
	cfg      SupervisorConfig
	preset   net.Listener
	ln       *sharedListener
	workers  map[int]*Worker
	nextID   int
	pending  int
	events   chan event
	quit     chan struct{}
	closed   bool
	forceCtx context.Context
	force    context.CancelFunc
	stopping bool
	rnd      Rand
	throttle *restartThrottle
	logger   zerolog.Logger
	level    zerolog.Level
	writer   io.Writer
	log      *Log

	started    bool
	serial     int64
	createTime time.Time
	updateTime time.Time
	mx         sync.Mutex
	cvs        map[*sync.Cond]bool
}

// Info is top-level information about a Supervisor.
type Info struct {
	Name       string    `json:"name"`
	Serial     int64     `json:"serial,string"`
	CreateTime time.Time `json:"created"`
	UpdateTime time.Time `json:"updated"`
	Bind       string    `json:"bind"`
	Class      string    `json:"class"`
	Target     int       `json:"target"`
	Ready      int       `json:"ready"`
	Live       bool      `json:"live"`
	Stopping   bool      `json:"stopping"`
	Throttled  bool      `json:"throttled"`
}

// NewSupervisor creates a supervisor whose workers are built by factory.
func NewSupervisor(name string, factory Factory) *Supervisor {
	if name == "" {
		name = "poolvisor"
	}
	// We set the origin serial number to the current timestamp in nsec,
	// so that caching clients see a fresh value if the daemon restarts.
	s := &Supervisor{
		name:    name,
		factory: factory,
		serial:  time.Now().UnixNano(),
		workers: make(map[int]*Worker),
		events:  make(chan event, eventQueueLen),
		quit:    make(chan struct{}),
		cvs:     make(map[*sync.Cond]bool),
		rnd:     globalRand{},
		level:   zerolog.InfoLevel,
		writer:  os.Stderr,
		log:     NewLog(MaxLogRecords),
	}
	s.forceCtx, s.force = context.WithCancel(context.Background())
	s.createTime = time.Now()
	s.updateTime = s.createTime
	s.setupLogger()
	return s
}

func (s *Supervisor) lock() {
	s.mx.Lock()
}

func (s *Supervisor) unlock() {
	s.mx.Unlock()
}

// setupLogger rebuilds the logger.  Everything logged also lands in the
// in-memory log.  Call with lock held, or before the supervisor is shared.
func (s *Supervisor) setupLogger() {
	var out io.Writer = s.log
	if s.writer != nil {
		out = zerolog.MultiLevelWriter(s.log, s.writer)
	}
	s.logger = zerolog.New(out).Level(s.level).With().
		Timestamp().
		Str("supervisor", s.name).
		Logger()
}

// SetLogWriter sends log output to w in addition to the in-memory log.
// The default is os.Stderr; nil discards it.
func (s *Supervisor) SetLogWriter(w io.Writer) {
	s.lock()
	s.writer = w
	s.setupLogger()
	s.unlock()
}

// SetRand replaces the source of recycle jitter.  Use it before Start.
func (s *Supervisor) SetRand(r Rand) {
	s.lock()
	s.rnd = r
	s.unlock()
}

// SetListener supplies an already bound listener, for example one
// inherited through socket activation.  Start then skips binding.
func (s *Supervisor) SetListener(ln net.Listener) {
	s.lock()
	s.preset = ln
	s.unlock()
}

// Logger returns the supervisor's logger.
func (s *Supervisor) Logger() zerolog.Logger {
	s.lock()
	defer s.unlock()
	return s.logger
}

// Name returns the name the supervisor was created with.
func (s *Supervisor) Name() string {
	return s.name
}

// Start validates cfg, binds the shared listener, and spawns the initial
// workers.  It waits up to the startup timeout for all of them to become
// Ready; workers that are slower than that keep starting in the
// background.
func (s *Supervisor) Start(cfg SupervisorConfig) error {
	s.lock()
	if s.started {
		s.unlock()
		return ErrStarted
	}
	if e := cfg.Validate(); e != nil {
		s.unlock()
		return e
	}
	s.started = true
	s.cfg = cfg
	s.level = logging.ParseLevel(cfg.LogLevel)
	s.setupLogger()
	s.throttle = newRestartThrottle(cfg.RestartLimit, seconds(cfg.RestartPeriodSeconds))
	s.unlock()

	ln, e := s.bind()
	if e != nil {
		s.lock()
		s.started = false
		s.unlock()
		return e
	}

	s.lock()
	s.ln = newSharedListener(ln, s.logger)
	go s.ln.serve()
	s.logger.Info().
		Str("bind", ln.Addr().String()).
		Int("workers", cfg.WorkerCount).
		Str("class", string(cfg.WorkerClass)).
		Msg("*** starting pool ***")
	s.reconcile()
	s.updateGauges()
	serial := s.bumpSerial()
	s.unlock()

	go s.run()
	s.awaitReady(serial)
	return nil
}

func (s *Supervisor) bind() (net.Listener, error) {
	s.lock()
	preset := s.preset
	s.unlock()
	if preset != nil {
		return preset, nil
	}
	addr := s.cfg.BindAddress
	ln, e := net.Listen("tcp", addr)
	if e != nil {
		s.logger.Warn().Err(e).Str("bind", addr).Msg("bind failed, retrying")
		time.Sleep(bindRetryDelay)
		ln, e = net.Listen("tcp", addr)
	}
	if e != nil {
		s.logger.Error().Err(e).Str("bind", addr).Msg("cannot bind")
		return nil, fmt.Errorf("%w %s: %w", ErrBind, addr, e)
	}
	return ln, nil
}

func (s *Supervisor) awaitReady(serial int64) {
	wait := seconds(s.cfg.StartupTimeoutSeconds)
	if wait <= 0 {
		return
	}
	deadline := time.Now().Add(wait)
	for {
		s.lock()
		ready := s.count(Ready)
		s.unlock()
		if ready >= s.cfg.WorkerCount {
			return
		}
		left := time.Until(deadline)
		if left <= 0 {
			s.logger.Warn().
				Int("ready", ready).
				Int("workers", s.cfg.WorkerCount).
				Msg("startup timeout elapsed before all workers were ready")
			return
		}
		serial = s.WatchSerial(serial, left)
	}
}

// post hands an event to the control loop without blocking.  If the queue
// is full the event is delivered from a new goroutine, unless the loop
// has already exited.
func (s *Supervisor) post(ev event) {
	select {
	case s.events <- ev:
	default:
		go func() {
			select {
			case s.events <- ev:
			case <-s.quit:
			}
		}()
	}
}

func (s *Supervisor) run() {
	tick := time.NewTicker(monitorInterval)
	defer tick.Stop()
	for {
		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-tick.C:
			s.monitor()
		case <-s.quit:
			return
		}
	}
}

// monitor runs the providers' own checks on every Ready worker.  A
// failing check is treated exactly like a crash.
func (s *Supervisor) monitor() {
	s.lock()
	ready := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w.state == Ready {
			ready = append(ready, w)
		}
	}
	s.unlock()
	for _, w := range ready {
		if e := w.prov.Check(); e != nil {
			s.crash(w, e)
		}
	}
}

func (s *Supervisor) handle(ev event) {
	s.lock()
	defer s.unlock()

	w := ev.w
	if w != nil && s.workers[w.id] != w {
		// Stale event for a worker already removed.
		return
	}

	switch ev.kind {
	case evReady:
		if w.state != Starting {
			return
		}
		w.setState(Ready, "Serving")
		w.logger.Info().
			Dur("startup", time.Since(w.startedAt)).
			Int("threshold", w.threshold).
			Msg("worker ready")
		// Requests may complete before the worker is seen Ready, and a
		// recycle asked for then was not acted on.
		if w.threshold > 0 && w.served.Load() >= int64(w.threshold) {
			s.recycle(w, "request limit reached")
		}

	case evRecycle:
		if w.state != Ready {
			// A Starting worker is recycled once it becomes Ready.
			return
		}
		s.recycle(w, ev.reason)

	case evCrash:
		if w.state == Crashed || w.state == Stopped {
			return
		}
		draining := w.state == Draining
		w.err = ev.err
		w.setState(Crashed, "Crashed")
		if !w.draining() {
			// Let responses already written reach their clients.
			w.drainTimeout = s.cfg.recycleDrainTimeout()
			close(w.drain)
		}
		metrics.WorkerCrashes.Inc()
		w.logger.Error().
			Err(fmt.Errorf("%w: %w", ErrWorkerCrash, ev.err)).
			Int64("served", w.served.Load()).
			Msg("worker crashed")
		if !draining && !s.stopping {
			s.replace()
		}

	case evStopped:
		delete(s.workers, w.id)
		w.cancel()
		w.listener.Close()
		if w.state != Crashed {
			w.setState(Stopped, "Stopped")
		}
		w.logger.Info().
			Str("state", w.state.String()).
			Int64("served", w.served.Load()).
			Msg("worker exited")
		s.reconcile()

	case evRespawn:
		s.pending--
		s.reconcile()

	case evShutdown:
		s.beginShutdown(ev.grace)

	case evSync:
		close(ev.done)
		return
	}

	s.updateGauges()
	s.bumpSerial()
	if s.stopping && len(s.workers) == 0 && !s.closed {
		s.closed = true
		s.logger.Info().Msg("*** pool stopped ***")
		close(s.quit)
	}
}

// recycle drains a Ready worker and spawns its replacement.  Call with
// lock held.
func (s *Supervisor) recycle(w *Worker, reason string) {
	w.logger.Info().
		Int64("served", w.served.Load()).
		Int("threshold", w.threshold).
		Str("reason", reason).
		Msg("recycling worker")
	metrics.WorkerRecycles.WithLabelValues(reason).Inc()
	s.drainWorker(w, s.cfg.recycleDrainTimeout(), "Recycling: "+reason)
	s.reconcile()
}

// replace arranges a replacement for a crashed worker, subject to the
// restart throttle.  Call with lock held.
func (s *Supervisor) replace() {
	d := s.throttle.delay(time.Now())
	if d <= 0 {
		s.reconcile()
		return
	}
	s.pending++
	metrics.RestartsThrottled.Inc()
	s.logger.Warn().
		Dur("delay", d).
		Int("limit", s.cfg.RestartLimit).
		Int("period", s.cfg.RestartPeriodSeconds).
		Msg("workers restarting too quickly, delaying replacement")
	time.AfterFunc(d, func() {
		s.post(event{kind: evRespawn})
	})
}

// reconcile spawns workers until the live ones, plus replacements already
// scheduled, make up the configured count.  Call with lock held.
func (s *Supervisor) reconcile() {
	if s.stopping || s.ln == nil {
		return
	}
	live := s.pending + s.count(Starting) + s.count(Ready)
	for ; live < s.cfg.WorkerCount; live++ {
		s.spawn()
	}
}

func (s *Supervisor) spawn() {
	s.nextID++
	w := newWorker(s, s.nextID, s.threshold())
	s.workers[w.id] = w
	metrics.WorkerSpawns.Inc()
	w.logger.Info().Int("threshold", w.threshold).Msg("spawning worker")
	go w.run()
}

// threshold draws a recycle threshold for a new worker.  A draw that
// leaves the new worker with the same remaining budget as a live worker
// is redrawn, so that under round-robin load the two would not be
// recycled in the same round.  Call with lock held.
func (s *Supervisor) threshold() int {
	limit, jitter := s.cfg.MaxRequests, s.cfg.MaxRequestsJitter
	if limit <= 0 {
		return 0
	}
	var t int
	for i := 0; i < maxJitterDraws; i++ {
		t = limit - s.rnd.IntN(jitter+1)
		if !s.collides(t) {
			break
		}
	}
	return t
}

func (s *Supervisor) collides(remaining int) bool {
	for _, w := range s.workers {
		if w.state.live() && w.remaining() == remaining {
			return true
		}
	}
	return false
}

// drainWorker asks w to stop gracefully.  A zero timeout drains until the
// pool is forced down.  Call with lock held.
func (s *Supervisor) drainWorker(w *Worker, timeout time.Duration, reason string) {
	w.recycling.Store(true)
	w.setState(Draining, reason)
	if !w.draining() {
		w.drainTimeout = timeout
		close(w.drain)
	}
}

func (s *Supervisor) beginShutdown(grace time.Duration) {
	if s.stopping {
		return
	}
	s.stopping = true
	s.logger.Info().Dur("grace", grace).Msg("*** shutting down pool ***")
	for _, w := range s.workers {
		if w.state.live() {
			s.drainWorker(w, 0, "Shutting down")
		}
	}
	s.ln.Close()
	if grace <= 0 {
		s.force()
		return
	}
	time.AfterFunc(grace, func() {
		if s.forceCtx.Err() == nil {
			s.logger.Warn().Msg("grace period expired, forcing workers down")
		}
		s.force()
	})
}

// count returns the number of workers in state st.  Call with lock held.
func (s *Supervisor) count(st WorkerState) int {
	n := 0
	for _, w := range s.workers {
		if w.state == st {
			n++
		}
	}
	return n
}

func (s *Supervisor) updateGauges() {
	counts := make(map[WorkerState]int)
	for _, w := range s.workers {
		counts[w.state]++
	}
	for st := Starting; st <= Crashed; st++ {
		metrics.Workers.WithLabelValues(st.String()).Set(float64(counts[st]))
	}
}

// crash reports w as crashed, once.
func (s *Supervisor) crash(w *Worker, e error) {
	if w.crashed.CompareAndSwap(false, true) {
		s.post(event{kind: evCrash, w: w, err: e})
	}
}

func (s *Supervisor) find(id int) *Worker {
	s.lock()
	defer s.unlock()
	return s.workers[id]
}

// RequestCompleted records that worker id finished a request.  Once the
// worker reaches its threshold it is recycled, and a replacement is
// spawned.  Unknown ids are ignored.
func (s *Supervisor) RequestCompleted(id int) {
	if w := s.find(id); w != nil {
		w.completed()
	}
}

// WorkerCrashed reports that worker id terminated unexpectedly.  The
// worker is marked Crashed and replaced.  Unknown ids are ignored.
func (s *Supervisor) WorkerCrashed(id int, e error) {
	if w := s.find(id); w != nil {
		if e == nil {
			e = ErrUnexpectedExit
		}
		s.crash(w, e)
	}
}

// Recycle drains worker id and replaces it, as if it had reached its
// request threshold.
func (s *Supervisor) Recycle(id int) error {
	s.lock()
	w := s.workers[id]
	if w == nil {
		s.unlock()
		return fmt.Errorf("%w: %d", ErrNoWorker, id)
	}
	if w.state != Ready {
		st := w.state
		s.unlock()
		return fmt.Errorf("%w: worker %d is %s", ErrNotReady, id, st)
	}
	s.unlock()
	if w.recycling.CompareAndSwap(false, true) {
		s.post(event{kind: evRecycle, w: w, reason: "manual"})
	}
	return nil
}

// Shutdown drains every worker and stops accepting connections.  Workers
// still busy after grace are forced down.  It returns once every worker
// has stopped.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.lock()
	if !s.started {
		s.unlock()
		return ErrNotStarted
	}
	s.unlock()
	s.post(event{kind: evShutdown, grace: grace})
	<-s.quit
	s.force()
	return nil
}

// Done returns a channel closed once the pool has fully stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.quit
}

// Liveness reports whether at least one worker is Ready.
func (s *Supervisor) Liveness() bool {
	s.lock()
	defer s.unlock()
	return s.count(Ready) > 0
}

// Addr returns the address of the shared listener, or nil before Start.
func (s *Supervisor) Addr() net.Addr {
	s.lock()
	defer s.unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Config returns the configuration the supervisor was started with.
func (s *Supervisor) Config() SupervisorConfig {
	s.lock()
	defer s.unlock()
	return s.cfg
}

// Workers returns snapshots of the current workers, ordered by id.
func (s *Supervisor) Workers() []WorkerInfo {
	s.lock()
	rv := make([]WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		rv = append(rv, w.info())
	}
	s.unlock()
	sort.Slice(rv, func(i, j int) bool { return rv[i].ID < rv[j].ID })
	return rv
}

// Worker returns a snapshot of worker id.
func (s *Supervisor) Worker(id int) (WorkerInfo, error) {
	s.lock()
	defer s.unlock()
	w := s.workers[id]
	if w == nil {
		return WorkerInfo{}, fmt.Errorf("%w: %d", ErrNoWorker, id)
	}
	return w.info(), nil
}

// Info returns top-level information about the supervisor.  This is done
// in a manner that ensures that the info is consistent.
func (s *Supervisor) Info() Info {
	s.lock()
	defer s.unlock()
	i := Info{
		Name:       s.name,
		Serial:     s.serial,
		CreateTime: s.createTime,
		UpdateTime: s.updateTime,
		Class:      string(s.cfg.WorkerClass),
		Target:     s.cfg.WorkerCount,
		Ready:      s.count(Ready),
		Stopping:   s.stopping,
	}
	i.Live = i.Ready > 0
	if s.ln != nil {
		i.Bind = s.ln.Addr().String()
	}
	if s.throttle != nil {
		i.Throttled = s.throttle.throttling()
	}
	return i
}

func (s *Supervisor) wakeUp() {
	// NB: If the lock is not held here, then there is a risk
	// that the woken goroutines won't see the updated serial number!
	for cv := range s.cvs {
		cv.Broadcast()
	}
}

// bumpSerial increments the serial and notifies watchers.  Call with lock
// held.
func (s *Supervisor) bumpSerial() int64 {
	s.updateTime = time.Now()
	s.serial++
	s.wakeUp()
	return s.serial
}

// WatchSerial waits for the serial number to move away from old.  It
// returns the new serial number when it changes, or the old one if it has
// not changed within expire.  A poll can be done by supplying 0 for the
// expiration.
func (s *Supervisor) WatchSerial(old int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&s.mx)
	var timer *time.Timer
	var rv int64

	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			s.lock()
			expired = true
			cv.Broadcast()
			s.unlock()
		})
	} else {
		expired = true
	}

	s.lock()
	s.cvs[cv] = true
	for {
		rv = s.serial
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(s.cvs, cv)
	s.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// Serial returns the global serial number.  This is incremented any time
// a worker changes state.
func (s *Supervisor) Serial() int64 {
	s.lock()
	defer s.unlock()
	return s.serial
}

// GetLog returns the kept log records and the current log id, or nil if
// the id is still last.
func (s *Supervisor) GetLog(last int64) ([]LogRecord, int64) {
	return s.log.GetRecords(last)
}

// WatchLog waits up to expire for the log id to move away from old.
func (s *Supervisor) WatchLog(old int64, expire time.Duration) int64 {
	return s.log.Watch(old, expire)
}

// sync waits until the control loop has handled every event posted
// before it.
func (s *Supervisor) sync() {
	done := make(chan struct{})
	s.post(event{kind: evSync, done: done})
	select {
	case <-done:
	case <-s.quit:
	}
}
