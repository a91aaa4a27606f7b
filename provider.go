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
	"net/http"

	"github.com/rs/zerolog"
)

// Provider is the execution unit behind one worker; it is what the
// served application must implement.  The supervisor promises not to
// call Start and Stop concurrently for a single Provider.  Once Start has
// returned, the Handler may serve many requests at once, and Check may be
// called at any time.
type Provider interface {
	// Start brings the unit up.  It blocks until the unit is ready to
	// handle requests, or has definitively failed, or ctx is done.
	// If the unit later terminates on its own, exited is called once
	// with the reason.
	Start(ctx context.Context, exited func(error)) error

	// Handler returns the handler that serves this unit's requests.
	// It is only called after a successful Start.
	Handler() http.Handler

	// Stop terminates the unit.  It should give in-flight work a chance
	// to finish, but must return promptly once ctx is done.  Stop is
	// never allowed to fail.
	Stop(ctx context.Context)

	// Check is a cheap health check, run periodically on Ready
	// workers.  A non-nil error is treated as a crash.
	Check() error
}

// Factory creates the Provider for a newly spawned worker.
type Factory func(id int, logger zerolog.Logger) Provider

// HandlerFactory returns a Factory of in-process units.  The build
// function is called once per worker, so that each worker can have its
// own application state.
func HandlerFactory(build func(id int) (http.Handler, error)) Factory {
	return func(id int, logger zerolog.Logger) Provider {
		return &handlerUnit{id: id, build: build, logger: logger}
	}
}

// StaticHandler returns a Factory where every worker shares h.
func StaticHandler(h http.Handler) Factory {
	return HandlerFactory(func(int) (http.Handler, error) {
		return h, nil
	})
}

type handlerUnit struct {
	id      int
	build   func(int) (http.Handler, error)
	handler http.Handler
	logger  zerolog.Logger
}

func (u *handlerUnit) Start(ctx context.Context, _ func(error)) error {
	h, e := u.build(u.id)
	if e != nil {
		return e
	}
	if e := ctx.Err(); e != nil {
		return e
	}
	u.handler = h
	return nil
}

func (u *handlerUnit) Handler() http.Handler {
	return u.handler
}

func (u *handlerUnit) Stop(context.Context) {
	if c, ok := u.handler.(interface{ Close() error }); ok {
		if e := c.Close(); e != nil {
			u.logger.Warn().Err(e).Msg("handler close failed")
		}
	}
}

func (u *handlerUnit) Check() error {
	return nil
}
