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

package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gdamore/poolvisor/metrics"
)

// Prober runs a Checker every policy interval and feeds the outcomes to
// a Gate.  It is a suture.Service.
type Prober struct {
	checker  Checker
	policy   Policy
	logger   zerolog.Logger
	gate     *Gate
	onChange func(Status, error)
	mx       sync.Mutex
}

// NewProber returns a prober whose start period begins now.
func NewProber(c Checker, p Policy, logger zerolog.Logger) *Prober {
	return &Prober{
		checker: c,
		policy:  p,
		logger:  logger.With().Str("component", "health").Logger(),
		gate:    NewGate(p, time.Now()),
	}
}

// OnChange registers f to be called after every status transition, with
// the error of the probe that caused it.
func (p *Prober) OnChange(f func(Status, error)) {
	p.mx.Lock()
	p.onChange = f
	p.mx.Unlock()
}

// Status returns the gate's current verdict.
func (p *Prober) Status() Status {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.gate.Status()
}

// Serve probes until ctx is done.
func (p *Prober) Serve(ctx context.Context) error {
	p.logger.Info().
		Dur("interval", p.policy.Interval()).
		Dur("timeout", p.policy.Timeout()).
		Dur("start_period", p.policy.StartPeriod()).
		Int("retries", p.policy.Retries).
		Msg("health prober started")
	tick := time.NewTicker(p.policy.Interval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			p.ProbeOnce(ctx)
		}
	}
}

func (p *Prober) String() string {
	return "health prober"
}

// ProbeOnce runs a single check, bounded by the policy timeout, and
// returns the resulting status.
func (p *Prober) ProbeOnce(ctx context.Context) Status {
	cctx, cancel := context.WithTimeout(ctx, p.policy.Timeout())
	e := p.checker.Check(cctx)
	cancel()

	result := "success"
	if e != nil {
		result = "failure"
	}
	metrics.HealthProbes.WithLabelValues(result).Inc()

	p.mx.Lock()
	st, changed := p.gate.Observe(time.Now(), e)
	failures := p.gate.Failures()
	notify := p.onChange
	p.mx.Unlock()

	metrics.HealthStatus.Set(float64(st))
	if e != nil {
		p.logger.Debug().Err(e).Int("failures", failures).Msg("probe failed")
	}
	if changed {
		ev := p.logger.Info()
		if st == Unhealthy {
			ev = p.logger.Error().Err(e)
		}
		ev.Str("status", st.String()).Int("failures", failures).Msg("health status changed")
		if notify != nil {
			notify(st, e)
		}
	}
	return st
}
