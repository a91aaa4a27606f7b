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

// Package rest implements the admin API of a poolvisor daemon, and a
// client for it.
//
// Resources carry an Etag.  A client that already holds a resource can
// send it back in If-None-Match to get 304 Not Modified, and can also
// send PollEtagHeader and PollTimeHeader to have the server hold the
// request until the resource changes or the time (in seconds) elapses.
package rest

import (
	"strconv"
	"strings"
	"time"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	PollEtagHeader = "X-Poll-Etag"
	PollTimeHeader = "X-Poll-Time"

	// MaxPollTime bounds how long the server will hold a long poll.
	MaxPollTime = 300 * time.Second
)

var ok struct{}

// HealthInfo is the body of GET /health.
type HealthInfo struct {
	Live   bool   `json:"live"`
	Ready  int    `json:"ready"`
	Target int    `json:"target"`
	Status string `json:"status,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func formatEtag(n int64) string {
	return `"` + strconv.FormatInt(n, 10) + `"`
}

func parseEtag(s string) (int64, bool) {
	n, e := strconv.ParseInt(strings.Trim(s, `"`), 10, 64)
	return n, e == nil
}
