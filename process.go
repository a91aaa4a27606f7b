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

//go:build unix

package poolvisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// ProcessManifest describes the child process run behind every worker.
// The child must listen for HTTP on $HOST:$PORT.
type ProcessManifest struct {
	Command  []string      `json:"command"`
	Env      []string      `json:"env"`
	Dir      string        `json:"dir"`
	StopTime time.Duration `json:"stopTime"`
	Require  []string      `json:"require"`
}

// CheckTools verifies that every required tool is on the PATH.  This is
// how a missing media tool (ffmpeg, say) is caught before any worker
// starts.
func (m ProcessManifest) CheckTools() error {
	for _, t := range m.Require {
		if _, e := exec.LookPath(t); e != nil {
			return &ConfigError{Field: "app.require", Reason: fmt.Sprintf("%s: %v", t, e)}
		}
	}
	return nil
}

// ProcessFactory returns a Factory whose workers each run their own copy
// of the manifest's command, and proxy requests to it.  Each child is
// its own failure domain.
func ProcessFactory(m ProcessManifest) (Factory, error) {
	if len(m.Command) == 0 {
		return nil, &ConfigError{Field: "app.command", Reason: "empty command"}
	}
	if m.StopTime <= 0 {
		m.StopTime = 10 * time.Second
	}
	return func(id int, logger zerolog.Logger) Provider {
		return &Process{id: id, manifest: m, logger: logger}
	}, nil
}

// Process represents an actual operating system level process serving
// one worker.  This implements the Provider interface.
type Process struct {
	id       int
	manifest ProcessManifest
	logger   zerolog.Logger
	addr     string
	cmd      *exec.Cmd
	proxy    *httputil.ReverseProxy
	reason   error // Why we failed
	failed   bool  // True if we are in failure state
	stopped  bool  // True if we were stopped
	exited   func(error)

	lock   sync.Mutex
	waiter sync.WaitGroup
}

func (p *Process) doLog(r io.Reader, stream string) {
	reader := bufio.NewReader(r)
	for {
		line, e := reader.ReadString('\n')
		if line = strings.TrimRight(line, "\n"); len(line) != 0 {
			p.logger.Info().Str("stream", stream).Msg(line)
		}
		if e != nil {
			return
		}
	}
}

// Pid returns the child's process id, or 0 if it is not running.
func (p *Process) Pid() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// freePort asks the kernel for an unused loopback port.  There is a
// window between closing it and the child binding it, which we accept.
func freePort() (int, error) {
	l, e := net.Listen("tcp", "127.0.0.1:0")
	if e != nil {
		return 0, e
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port, nil
}

func (p *Process) Start(ctx context.Context, exited func(error)) error {
	port, e := freePort()
	if e != nil {
		return e
	}
	p.addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	m := p.manifest
	cmd := exec.Command(m.Command[0], m.Command[1:]...)
	cmd.Dir = m.Dir
	cmd.Env = append(os.Environ(), m.Env...)
	cmd.Env = append(cmd.Env,
		"HOST=127.0.0.1",
		"PORT="+strconv.Itoa(port),
		"WORKER_ID="+strconv.Itoa(p.id))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, e := cmd.StdoutPipe()
	if e != nil {
		return e
	}
	stderr, e := cmd.StderrPipe()
	if e != nil {
		return e
	}

	p.lock.Lock()
	p.stopped = false
	p.failed = false
	p.reason = nil
	p.exited = exited
	if e := cmd.Start(); e != nil {
		p.failed = true
		p.reason = e
		p.lock.Unlock()
		return e
	}
	p.cmd = cmd
	p.waiter.Add(1)
	p.lock.Unlock()

	go p.doLog(stdout, "stdout")
	go p.doLog(stderr, "stderr")
	go p.doWait()

	p.logger.Debug().Int("pid", cmd.Process.Pid).Str("addr", p.addr).Msg("started child")

	if e := p.waitListening(ctx); e != nil {
		p.Stop(ctx)
		return e
	}
	p.proxy = httputil.NewSingleHostReverseProxy(&url.URL{Scheme: "http", Host: p.addr})
	p.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, e error) {
		p.logger.Warn().Err(e).Str("path", r.URL.Path).Msg("proxy error")
		w.WriteHeader(http.StatusBadGateway)
	}
	return nil
}

// waitListening polls until the child accepts connections, it dies, or
// ctx is done.
func (p *Process) waitListening(ctx context.Context) error {
	d := net.Dialer{Timeout: 100 * time.Millisecond}
	for {
		if c, e := d.DialContext(ctx, "tcp", p.addr); e == nil {
			c.Close()
			return nil
		}
		if e := p.Check(); e != nil {
			return e
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", p.addr, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (p *Process) doWait() {
	e := p.cmd.Wait()
	p.lock.Lock()
	var notify func(error)
	if !p.stopped {
		if e == nil {
			e = ErrUnexpectedExit
		}
		p.failed = true
		p.reason = e
		notify = p.exited
		p.logger.Error().Err(e).Msg("child exited")
	}
	p.lock.Unlock()
	p.waiter.Done()
	if notify != nil {
		notify(e)
	}
}

func (p *Process) Handler() http.Handler {
	return p.proxy
}

func (p *Process) signal(sig syscall.Signal) {
	if proc := p.cmd.Process; proc != nil {
		// Negative pid addresses the whole process group.
		if e := syscall.Kill(-proc.Pid, sig); e != nil {
			p.logger.Warn().Err(e).Str("signal", sig.String()).Msg("failed signalling child")
		}
	}
}

// Stop sends SIGTERM and waits for the child, escalating to SIGKILL when
// ctx is done or the manifest's stop time elapses.
func (p *Process) Stop(ctx context.Context) {
	p.lock.Lock()
	if p.cmd == nil || p.stopped {
		p.lock.Unlock()
		return
	}
	p.stopped = true
	if !p.failed {
		p.signal(syscall.SIGTERM)
	}
	p.lock.Unlock()

	done := make(chan struct{})
	go func() {
		p.waiter.Wait()
		close(done)
	}()
	timer := time.NewTimer(p.manifest.StopTime)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-ctx.Done():
		p.logger.Warn().Msg("stop forced")
	case <-timer.C:
		p.logger.Warn().Msg("graceful stop timed out")
	}
	p.lock.Lock()
	p.signal(syscall.SIGKILL)
	p.lock.Unlock()
	<-done
}

func (p *Process) Check() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.failed {
		return p.reason
	}
	return nil
}
