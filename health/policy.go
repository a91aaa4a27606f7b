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

// Package health implements the container style health gate that sits in
// front of a pool: a liveness endpoint is probed periodically, and the
// service is declared unhealthy after a run of consecutive failures.
// Failures during an initial start period do not count.
package health

import (
	"fmt"
	"time"

	"github.com/gdamore/poolvisor"
)

// Policy configures probing.  All durations are in whole seconds.
type Policy struct {
	IntervalSeconds    int `koanf:"interval"`
	TimeoutSeconds     int `koanf:"timeout"`
	StartPeriodSeconds int `koanf:"start_period"`
	Retries            int `koanf:"retries"`
}

// DefaultPolicy returns a probe every 30 seconds, each allowed 10 seconds,
// with a 5 second start period and 3 retries.
func DefaultPolicy() Policy {
	return Policy{
		IntervalSeconds:    30,
		TimeoutSeconds:     10,
		StartPeriodSeconds: 5,
		Retries:            3,
	}
}

// Validate returns a *poolvisor.ConfigError for the first bad field.
func (p Policy) Validate() error {
	switch {
	case p.IntervalSeconds < 1:
		return &poolvisor.ConfigError{Field: "health.interval", Reason: fmt.Sprintf("%d < 1", p.IntervalSeconds)}
	case p.TimeoutSeconds < 1:
		return &poolvisor.ConfigError{Field: "health.timeout", Reason: fmt.Sprintf("%d < 1", p.TimeoutSeconds)}
	case p.StartPeriodSeconds < 0:
		return &poolvisor.ConfigError{Field: "health.start_period", Reason: fmt.Sprintf("%d < 0", p.StartPeriodSeconds)}
	case p.Retries < 1:
		return &poolvisor.ConfigError{Field: "health.retries", Reason: fmt.Sprintf("%d < 1", p.Retries)}
	}
	return nil
}

func (p Policy) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (p Policy) StartPeriod() time.Duration {
	return time.Duration(p.StartPeriodSeconds) * time.Second
}
