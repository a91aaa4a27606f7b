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

// Package config loads the daemon configuration in three layers, each
// overriding the last:
//
//  1. built in defaults
//  2. an optional YAML file (the -c flag, or $POOLVISOR_CONFIG)
//  3. environment variables, using the names the container images have
//     always used (WORKERS, TIMEOUT, MAX_REQUESTS and so on)
//
// A YAML file looks like this:
//
//	pool:
//	  bind: 0.0.0.0:5000
//	  workers: 2
//	  worker_class: sync
//	  timeout: 120
//	  max_requests: 1000
//	  max_requests_jitter: 100
//	health:
//	  interval: 30
//	  retries: 3
//	app:
//	  command: [python3, app.py]
//	  require: [ffmpeg]
//	admin:
//	  bind: 127.0.0.1:5001
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/health"
)

// PathEnvVar names the config file when no path is given explicitly.
const PathEnvVar = "POOLVISOR_CONFIG"

type Config struct {
	Pool   poolvisor.SupervisorConfig `koanf:"pool"`
	Health health.Policy              `koanf:"health"`
	Probe  ProbeConfig                `koanf:"probe"`
	App    AppConfig                  `koanf:"app"`
	Admin  AdminConfig                `koanf:"admin"`
	Log    LogConfig                  `koanf:"log"`
}

// ProbeConfig controls the daemon's own use of the health gate.
type ProbeConfig struct {
	// Self runs the prober inside the daemon, logging transitions and
	// exporting them as metrics, in addition to any external prober.
	Self bool `koanf:"self"`
}

// AppConfig describes the served application when it runs as a child
// process per worker.  With no command, the built in handler is served.
type AppConfig struct {
	Command            []string `koanf:"command"`
	Env                []string `koanf:"env" validate:"dive,contains=="`
	Dir                string   `koanf:"dir"`
	StopTimeoutSeconds int      `koanf:"stop_timeout" validate:"min=0"`
	Require            []string `koanf:"require"`
}

// AdminConfig enables the admin REST API when Bind is set.
type AdminConfig struct {
	Bind         string `koanf:"bind" validate:"omitempty,hostname_port"`
	User         string `koanf:"user"`
	PasswordHash string `koanf:"password_hash" validate:"required_with=User,omitempty,startswith=$2"`
}

type LogConfig struct {
	Format string `koanf:"format" validate:"oneof=json console"`
}

// Manifest returns the process manifest for the application.
func (a AppConfig) Manifest() poolvisor.ProcessManifest {
	return poolvisor.ProcessManifest{
		Command:  a.Command,
		Env:      a.Env,
		Dir:      a.Dir,
		StopTime: time.Duration(a.StopTimeoutSeconds) * time.Second,
		Require:  a.Require,
	}
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Pool:   poolvisor.DefaultConfig(),
		Health: health.DefaultPolicy(),
		App:    AppConfig{StopTimeoutSeconds: 10},
		Log:    LogConfig{Format: "json"},
	}
}

// Load builds the configuration from defaults, the YAML file at path
// (or $POOLVISOR_CONFIG if path is empty), and the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if e := k.Load(structs.Provider(Default(), "koanf"), nil); e != nil {
		return nil, fmt.Errorf("loading defaults: %w", e)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if e := k.Load(file.Provider(path), yaml.Parser()); e != nil {
			return nil, &poolvisor.ConfigError{Field: "file", Reason: fmt.Sprintf("%s: %v", path, e)}
		}
	}

	if e := k.Load(env.Provider("", ".", envTransformFunc), nil); e != nil {
		return nil, fmt.Errorf("loading environment: %w", e)
	}

	if e := processSliceFields(k); e != nil {
		return nil, e
	}

	cfg := &Config{}
	if e := k.Unmarshal("", cfg); e != nil {
		return nil, &poolvisor.ConfigError{Reason: e.Error()}
	}
	if e := cfg.Validate(); e != nil {
		return nil, e
	}
	return cfg, nil
}

// envMappings maps environment variable names to config paths.
var envMappings = map[string]string{
	"bind":                "pool.bind",
	"workers":             "pool.workers",
	"worker_class":        "pool.worker_class",
	"worker_connections":  "pool.worker_connections",
	"timeout":             "pool.timeout",
	"keep_alive":          "pool.keep_alive",
	"max_requests":        "pool.max_requests",
	"max_requests_jitter": "pool.max_requests_jitter",
	"log_level":           "pool.log_level",
	"graceful_timeout":    "pool.graceful_timeout",
	"startup_timeout":     "pool.startup_timeout",
	"liveness_path":       "pool.liveness_path",
	"restart_limit":       "pool.restart_limit",
	"restart_period":      "pool.restart_period",

	"healthcheck_interval":     "health.interval",
	"healthcheck_timeout":      "health.timeout",
	"healthcheck_start_period": "health.start_period",
	"healthcheck_retries":      "health.retries",
	"healthcheck_self_probe":   "probe.self",

	"app_command":      "app.command",
	"app_dir":          "app.dir",
	"app_env":          "app.env",
	"app_stop_timeout": "app.stop_timeout",
	"app_require":      "app.require",

	"admin_bind":          "admin.bind",
	"admin_user":          "admin.user",
	"admin_password_hash": "admin.password_hash",

	"log_format": "log.format",
}

// envTransformFunc maps an environment variable to its config path.
// Unmapped variables yield "", which koanf skips.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}

// sliceFields are the paths that arrive as plain strings from the
// environment, with the function used to split them.
var sliceFields = map[string]func(string) []string{
	"app.command": strings.Fields,
	"app.env":     splitComma,
	"app.require": splitComma,
}

func splitComma(s string) []string {
	var rv []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			rv = append(rv, p)
		}
	}
	return rv
}

// processSliceFields converts string values of slice fields into slices.
// Values that are already lists, as from YAML, are left alone.
func processSliceFields(k *koanf.Koanf) error {
	for path, split := range sliceFields {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		if e := k.Set(path, split(s)); e != nil {
			return fmt.Errorf("setting %s: %w", path, e)
		}
	}
	return nil
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

// Validate checks every section, returning a *poolvisor.ConfigError for
// the first problem.
func (c *Config) Validate() error {
	if e := c.Pool.Validate(); e != nil {
		return prefix("pool", e)
	}
	if e := c.Health.Validate(); e != nil {
		return e
	}
	for _, sec := range []struct {
		name string
		v    any
	}{
		{"app", c.App},
		{"admin", c.Admin},
		{"log", c.Log},
	} {
		if e := validate.Struct(sec.v); e != nil {
			var verrs validator.ValidationErrors
			if errors.As(e, &verrs) && len(verrs) > 0 {
				return &poolvisor.ConfigError{
					Field:  sec.name + "." + verrs[0].Field(),
					Reason: fmt.Sprintf("failed %q check", verrs[0].ActualTag()),
				}
			}
			return &poolvisor.ConfigError{Field: sec.name, Reason: e.Error()}
		}
	}
	return nil
}

func prefix(section string, e error) error {
	var ce *poolvisor.ConfigError
	if errors.As(e, &ce) && ce.Field != "" {
		return &poolvisor.ConfigError{Field: section + "." + ce.Field, Reason: ce.Reason}
	}
	return e
}
