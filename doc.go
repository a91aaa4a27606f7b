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

// Package poolvisor provides a pre-forking style worker pool supervisor
// for HTTP applications.  This is similar in concept to gunicorn's
// arbiter, but the implementation and the interfaces are wholly different.
//
// A Supervisor owns a single listening socket, and a fixed number of
// workers that accept connections from it.  Each worker serves requests
// through a Provider, which may be an in-process http.Handler or a child
// operating system process.  Workers are recycled after a jittered number
// of requests, so that slow resource leaks in the served application are
// bounded by staggered restarts, and are replaced when they crash.
//
// The Supervisor answers a liveness path on the shared socket itself, so
// that an external prober (see the health package) can determine whether
// the pool is able to serve.
//
package poolvisor
