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
)

var (
	ErrConfig         = errors.New("invalid configuration")
	ErrBind           = errors.New("cannot bind listener")
	ErrWorkerCrash    = errors.New("worker crashed")
	ErrRequestTimeout = errors.New("request timed out")
	ErrDrainTimeout   = errors.New("drain timed out")
	ErrStarted        = errors.New("supervisor already started")
	ErrNotStarted     = errors.New("supervisor not started")
	ErrNoWorker       = errors.New("no such worker")
	ErrNotReady       = errors.New("worker not ready")
	ErrUnexpectedExit = errors.New("unexpected termination")
)

// ConfigError reports a configuration value that was rejected.  It
// matches ErrConfig with errors.Is.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrConfig, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrConfig, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}
