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
	"fmt"
	"net"
	"reflect"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// WorkerClass selects the concurrency model of each worker.
type WorkerClass string

const (
	// Sync workers serve one connection at a time, without keep-alive.
	Sync WorkerClass = "sync"
	// Async workers multiplex up to MaxConnections connections.
	Async WorkerClass = "async"
)

// SupervisorConfig is the immutable configuration handed to Start.
// Durations are expressed in whole seconds, with 0 meaning "disabled"
// where noted.
type SupervisorConfig struct {
	BindAddress            string      `koanf:"bind" validate:"required"`
	WorkerCount            int         `koanf:"workers" validate:"min=1"`
	WorkerClass            WorkerClass `koanf:"worker_class" validate:"oneof=sync async"`
	MaxConnections         int         `koanf:"worker_connections" validate:"min=0"`
	RequestTimeoutSeconds  int         `koanf:"timeout" validate:"min=0"`
	KeepAliveSeconds       int         `koanf:"keep_alive" validate:"min=0"`
	MaxRequests            int         `koanf:"max_requests" validate:"min=0"`
	MaxRequestsJitter      int         `koanf:"max_requests_jitter" validate:"min=0"`
	LogLevel               string      `koanf:"log_level" validate:"oneof=debug info warning error"`
	GracefulTimeoutSeconds int         `koanf:"graceful_timeout" validate:"min=0"`
	StartupTimeoutSeconds  int         `koanf:"startup_timeout" validate:"min=0"`
	LivenessPath           string      `koanf:"liveness_path" validate:"required,startswith=/"`
	RestartLimit           int         `koanf:"restart_limit" validate:"min=0"`
	RestartPeriodSeconds   int         `koanf:"restart_period" validate:"min=0"`
}

// DefaultConfig returns the configuration used when nothing is supplied.
// These mirror the values the container images were deployed with.
func DefaultConfig() SupervisorConfig {
	return SupervisorConfig{
		BindAddress:            "0.0.0.0:5000",
		WorkerCount:            2,
		WorkerClass:            Sync,
		MaxConnections:         1000,
		RequestTimeoutSeconds:  120,
		KeepAliveSeconds:       2,
		MaxRequests:            1000,
		MaxRequestsJitter:      100,
		LogLevel:               "info",
		GracefulTimeoutSeconds: 30,
		StartupTimeoutSeconds:  5,
		LivenessPath:           "/ping",
		RestartLimit:           10,
		RestartPeriodSeconds:   60,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("koanf"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks the configuration, returning a *ConfigError for the
// first problem found.
func (c SupervisorConfig) Validate() error {
	if e := validate.Struct(c); e != nil {
		var verrs validator.ValidationErrors
		if errors.As(e, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ConfigError{
				Field:  fe.Field(),
				Reason: fmt.Sprintf("failed %q check (value %v)", fe.ActualTag(), fe.Value()),
			}
		}
		return &ConfigError{Reason: e.Error()}
	}
	if e := checkBindAddress(c.BindAddress); e != nil {
		return &ConfigError{Field: "bind", Reason: e.Error()}
	}
	if c.MaxRequests > 0 && c.MaxRequestsJitter > c.MaxRequests {
		return &ConfigError{
			Field: "max_requests_jitter",
			Reason: fmt.Sprintf("jitter %d exceeds max_requests %d",
				c.MaxRequestsJitter, c.MaxRequests),
		}
	}
	if c.RestartLimit > 0 && c.RestartPeriodSeconds < 1 {
		return &ConfigError{
			Field:  "restart_period",
			Reason: "must be at least 1 when restart_limit is set",
		}
	}
	return nil
}

// checkBindAddress accepts host:port, where host may be empty, an IP
// literal, or a hostname, and port is 0 through 65535.
func checkBindAddress(addr string) error {
	host, port, e := net.SplitHostPort(addr)
	if e != nil {
		return e
	}
	n, e := strconv.Atoi(port)
	if e != nil || n < 0 || n > 65535 {
		return fmt.Errorf("bad port %q", port)
	}
	if host == "" || net.ParseIP(host) != nil {
		return nil
	}
	if e := validate.Var(host, "hostname_rfc1123"); e != nil {
		return fmt.Errorf("bad host %q", host)
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c SupervisorConfig) requestTimeout() time.Duration {
	return seconds(c.RequestTimeoutSeconds)
}

func (c SupervisorConfig) keepAlive() time.Duration {
	return seconds(c.KeepAliveSeconds)
}

func (c SupervisorConfig) gracefulTimeout() time.Duration {
	return seconds(c.GracefulTimeoutSeconds)
}

// recycleDrainTimeout bounds how long a recycled worker may spend
// finishing its in-flight requests.
func (c SupervisorConfig) recycleDrainTimeout() time.Duration {
	if c.RequestTimeoutSeconds > 0 {
		return c.requestTimeout()
	}
	return c.gracefulTimeout()
}

// unitStartTimeout bounds a single provider start.
func (c SupervisorConfig) unitStartTimeout() time.Duration {
	if c.StartupTimeoutSeconds > 0 {
		return seconds(c.StartupTimeoutSeconds)
	}
	return 30 * time.Second
}

// connectionLimit is the number of simultaneous connections one worker
// accepts, or 0 for no limit.
func (c SupervisorConfig) connectionLimit() int {
	if c.WorkerClass == Sync {
		return 1
	}
	return c.MaxConnections
}
