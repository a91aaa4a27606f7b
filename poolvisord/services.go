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
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/gdamore/poolvisor"
)

// poolService ties the worker pool's life to the service tree.  The pool
// is started before the tree; cancelling the tree drains it.
type poolService struct {
	s     *poolvisor.Supervisor
	grace time.Duration
}

func (p *poolService) Serve(ctx context.Context) error {
	select {
	case <-ctx.Done():
		p.s.Shutdown(p.grace)
		return ctx.Err()
	case <-p.s.Done():
		// Nothing brings the pool back once it has stopped.
		return suture.ErrTerminateSupervisorTree
	}
}

func (p *poolService) String() string {
	return "worker pool"
}

// adminService serves the admin API until the tree is cancelled.
type adminService struct {
	srv     *http.Server
	timeout time.Duration
	logger  zerolog.Logger
}

func (a *adminService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if e := a.srv.ListenAndServe(); e != nil && !errors.Is(e, http.ErrServerClosed) {
			errCh <- e
		}
		close(errCh)
	}()
	a.logger.Info().Str("bind", a.srv.Addr).Msg("admin API listening")

	select {
	case e := <-errCh:
		if e != nil {
			return fmt.Errorf("admin server failed: %w", e)
		}
		return nil
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if e := a.srv.Shutdown(sctx); e != nil {
			return fmt.Errorf("admin server shutdown failed: %w", e)
		}
		<-errCh
		return ctx.Err()
	}
}

func (a *adminService) String() string {
	return "admin API"
}
