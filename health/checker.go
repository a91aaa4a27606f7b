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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
)

var ErrHealthCheck = errors.New("health check failed")

// Checker performs a single probe.  It must honour ctx's deadline.
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

func (f CheckerFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// HTTPChecker probes URL with GET.  Only a 2xx response is a success.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

func (c *HTTPChecker) Check(ctx context.Context) error {
	req, e := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if e != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheck, e)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, e := client.Do(req)
	if e != nil {
		return fmt.Errorf("%w: %w", ErrHealthCheck, e)
	}
	io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %s", ErrHealthCheck, c.URL, res.Status)
	}
	return nil
}

// ProbeURL builds the URL of path on a server bound to bind.  Wildcard
// hosts are replaced by loopback, since one cannot connect to them.
func ProbeURL(bind, path string) (string, error) {
	host, port, e := net.SplitHostPort(bind)
	if e != nil {
		return "", e
	}
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::":
		host = "::1"
	}
	return "http://" + net.JoinHostPort(host, port) + path, nil
}
