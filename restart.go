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
	"time"

	"golang.org/x/time/rate"
)

// restartThrottle spaces out replacements of crashed workers.  Up to
// limit replacements happen immediately; after that, the pool is
// restarting too quickly and each further replacement waits for a token,
// which refill at limit per period.  A zero limit never throttles.
type restartThrottle struct {
	limiter *rate.Limiter
	limited bool
}

func newRestartThrottle(limit int, period time.Duration) *restartThrottle {
	if limit <= 0 || period <= 0 {
		return &restartThrottle{}
	}
	every := period / time.Duration(limit)
	return &restartThrottle{limiter: rate.NewLimiter(rate.Every(every), limit)}
}

// delay reserves a restart, returning how long it must wait.
func (t *restartThrottle) delay(now time.Time) time.Duration {
	if t.limiter == nil {
		return 0
	}
	d := t.limiter.ReserveN(now, 1).DelayFrom(now)
	t.limited = d > 0
	return d
}

// throttling reports whether the last reservation had to wait.
func (t *restartThrottle) throttling() bool {
	return t.limited
}
