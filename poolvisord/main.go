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

// Command poolvisord runs a supervised pool of HTTP workers.
//
// With -probe it instead checks, once, that a running daemon answers its
// liveness path, exiting 0 if so and 1 otherwise.  That is meant for a
// container HEALTHCHECK.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/config"
	"github.com/gdamore/poolvisor/health"
	"github.com/gdamore/poolvisor/logging"
	"github.com/gdamore/poolvisor/rest"
)

var cfgPath string
var probe bool
var name string = "poolvisord"

func main() {
	flag.StringVar(&cfgPath, "c", cfgPath, "configuration file (default $"+config.PathEnvVar+")")
	flag.BoolVar(&probe, "probe", probe, "check a running daemon's liveness and exit")
	flag.StringVar(&name, "n", name, "supervisor name")
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, e := config.Load(cfgPath)
	if e != nil {
		fmt.Fprintf(os.Stderr, "poolvisord: %v\n", e)
		return 2
	}
	logger := logging.New(cfg.Pool.LogLevel, cfg.Log.Format, os.Stderr).
		With().Str("component", "daemon").Logger()

	if probe {
		return runProbe(cfg, logger)
	}

	factory, e := newFactory(cfg)
	if e != nil {
		logger.Error().Err(e).Msg("cannot prepare application")
		return 1
	}

	s := poolvisor.NewSupervisor(name, factory)
	s.SetLogWriter(logging.NewWriter(cfg.Log.Format, os.Stderr))
	if e := s.Start(cfg.Pool); e != nil {
		logger.Error().Err(e).Msg("cannot start pool")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	grace := time.Duration(cfg.Pool.GracefulTimeoutSeconds) * time.Second
	hook := (&sutureslog.Handler{Logger: logging.NewSlogLogger(logger)}).MustHook()
	tree := suture.New(name, suture.Spec{
		EventHook: hook,
		// The pool gets its whole grace period, and a little more.
		Timeout: grace + 5*time.Second,
	})
	tree.Add(&poolService{s: s, grace: grace})

	var prober *health.Prober
	if cfg.Probe.Self {
		prober = newProber(cfg, s, logger)
		tree.Add(prober)
	}

	if cfg.Admin.Bind != "" {
		h := rest.NewHandler(s)
		h.SetAuth(cfg.Admin.User, cfg.Admin.PasswordHash)
		if prober != nil {
			h.SetProber(prober)
		}
		tree.Add(&adminService{
			srv: &http.Server{
				Addr:     cfg.Admin.Bind,
				Handler:  h,
				ErrorLog: logging.StdLogger(logger.With().Str("source", "admin").Logger()),
			},
			timeout: 5 * time.Second,
			logger:  logger,
		})
	}

	e = tree.Serve(ctx)
	// The tree may have stopped for a reason other than a signal.
	s.Shutdown(0)
	if e != nil && !errors.Is(e, context.Canceled) &&
		!errors.Is(e, suture.ErrTerminateSupervisorTree) {
		logger.Error().Err(e).Msg("service tree failed")
		return 1
	}
	logger.Info().Msg("exiting")
	return 0
}

// newFactory returns the factory for the configured application: a
// child process per worker when a command is set, and otherwise the
// built in handler.
func newFactory(cfg *config.Config) (poolvisor.Factory, error) {
	m := cfg.App.Manifest()
	if e := m.CheckTools(); e != nil {
		return nil, e
	}
	if len(m.Command) == 0 {
		return poolvisor.HandlerFactory(builtinHandler), nil
	}
	return poolvisor.ProcessFactory(m)
}

// builtinHandler answers every request with the worker that served it.
func builtinHandler(id int) (http.Handler, error) {
	started := time.Now()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, e := json.Marshal(map[string]interface{}{
			"worker":  id,
			"path":    r.URL.Path,
			"started": started,
		})
		if e != nil {
			http.Error(w, e.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(b)
	}), nil
}

func newProber(cfg *config.Config, s *poolvisor.Supervisor, logger zerolog.Logger) *health.Prober {
	// The supervisor's address is used, since the configured port may
	// have been 0.
	url, _ := health.ProbeURL(s.Addr().String(), cfg.Pool.LivenessPath)
	p := health.NewProber(&health.HTTPChecker{URL: url}, cfg.Health, logger)
	p.OnChange(func(st health.Status, e error) {
		if st == health.Unhealthy {
			logger.Error().Err(e).Str("url", url).Msg("pool is unhealthy")
		}
	})
	return p
}

func runProbe(cfg *config.Config, logger zerolog.Logger) int {
	url, e := health.ProbeURL(cfg.Pool.BindAddress, cfg.Pool.LivenessPath)
	if e != nil {
		logger.Error().Err(e).Msg("bad bind address")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Health.Timeout())
	defer cancel()
	c := &health.HTTPChecker{URL: url}
	if e := c.Check(ctx); e != nil {
		logger.Error().Err(e).Str("url", url).Msg("probe failed")
		return 1
	}
	return 0
}
