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

//go:build !unix

package poolvisor

import (
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

type ProcessManifest struct {
	Command  []string      `json:"command"`
	Env      []string      `json:"env"`
	Dir      string        `json:"dir"`
	StopTime time.Duration `json:"stopTime"`
	Require  []string      `json:"require"`
}

func (m ProcessManifest) CheckTools() error {
	for _, t := range m.Require {
		if _, e := exec.LookPath(t); e != nil {
			return &ConfigError{Field: "app.require", Reason: fmt.Sprintf("%s: %v", t, e)}
		}
	}
	return nil
}

// ProcessFactory is not supported here; process groups and signals are
// POSIX specific.
func ProcessFactory(m ProcessManifest) (Factory, error) {
	return nil, &ConfigError{Field: "app.command", Reason: "child processes unsupported on " + runtime.GOOS}
}
