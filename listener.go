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
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
)

// sharedListener is the one logical listener of a supervisor.  A single
// goroutine accepts, and hands each connection to whichever worker is
// waiting in Accept.  The hand-off is unbuffered, so a connection only
// leaves the kernel backlog when some worker has capacity for it.
type sharedListener struct {
	ln     net.Listener
	conns  chan net.Conn
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newSharedListener(ln net.Listener, logger zerolog.Logger) *sharedListener {
	return &sharedListener{
		ln:     ln,
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (l *sharedListener) serve() {
	var delay time.Duration
	for {
		c, e := l.ln.Accept()
		if e != nil {
			select {
			case <-l.done:
				return
			default:
			}
			if errors.Is(e, net.ErrClosed) {
				return
			}
			// Probably out of descriptors; back off like net/http does.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			l.logger.Warn().Err(e).Dur("retry", delay).Msg("accept failed")
			time.Sleep(delay)
			continue
		}
		delay = 0
		select {
		case l.conns <- c:
		case <-l.done:
			c.Close()
			return
		}
	}
}

// Close stops accepting.  Workers already holding connections are not
// affected.
func (l *sharedListener) Close() error {
	var e error
	l.once.Do(func() {
		close(l.done)
		e = l.ln.Close()
	})
	return e
}

func (l *sharedListener) Addr() net.Addr {
	return l.ln.Addr()
}

// worker returns a listener view for one worker, limited to limit
// simultaneous connections when limit is positive.
func (l *sharedListener) worker(limit int) net.Listener {
	wl := &workerListener{shared: l, done: make(chan struct{})}
	if limit > 0 {
		return netutil.LimitListener(wl, limit)
	}
	return wl
}

// workerListener only ever returns an error once it is itself closed;
// closing the shared listener merely starves it.  Workers are drained
// explicitly when the pool shuts down.
type workerListener struct {
	shared *sharedListener
	done   chan struct{}
	once   sync.Once
}

func (wl *workerListener) Accept() (net.Conn, error) {
	select {
	case <-wl.done:
		return nil, net.ErrClosed
	default:
	}
	select {
	case c := <-wl.shared.conns:
		return c, nil
	case <-wl.done:
		return nil, net.ErrClosed
	}
}

func (wl *workerListener) Close() error {
	wl.once.Do(func() { close(wl.done) })
	return nil
}

func (wl *workerListener) Addr() net.Addr {
	return wl.shared.Addr()
}
