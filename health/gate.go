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
	"fmt"
	"time"
)

// Status is the verdict of the gate.
type Status int

const (
	Starting Status = iota
	Healthy
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Starting:
		return "starting"
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Gate turns a sequence of probe outcomes into a health status.  It does
// no I/O and keeps no clock of its own; callers pass the time of each
// observation.  It is not safe for concurrent use.
//
//	Starting --success--> Healthy <--success-- Unhealthy
//	    |                    |                    ^
//	    +------ retries consecutive failures -----+
//
// Failures inside the start period are never counted, even after a
// success.
type Gate struct {
	policy   Policy
	begin    time.Time
	status   Status
	failures int
	last     error
}

// NewGate returns a gate whose start period runs from begin.
func NewGate(p Policy, begin time.Time) *Gate {
	return &Gate{policy: p, begin: begin}
}

// Observe records the outcome of a probe made at time at; a nil err is a
// success.  It returns the resulting status, and whether this observation
// changed it.  Reaching the retry limit while already Unhealthy reports no
// change.
func (g *Gate) Observe(at time.Time, err error) (Status, bool) {
	prev := g.status
	if err == nil {
		g.failures = 0
		g.last = nil
		g.status = Healthy
		return g.status, g.status != prev
	}

	g.last = err
	if at.Sub(g.begin) < g.policy.StartPeriod() {
		return g.status, false
	}
	g.failures++
	if g.failures >= g.policy.Retries {
		g.status = Unhealthy
	}
	return g.status, g.status != prev
}

// Status returns the current status.
func (g *Gate) Status() Status {
	return g.status
}

// Failures returns the number of consecutive counted failures.
func (g *Gate) Failures() int {
	return g.failures
}

// LastError returns the error of the most recent failed probe, or nil
// after a success.
func (g *Gate) LastError() error {
	return g.last
}
