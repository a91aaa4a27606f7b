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

package rest

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/gdamore/poolvisor"
)

type Client struct {
	user   string // HTTP Basic-Auth
	pass   string
	base   string // URI to root of tree on server
	auth   bool
	client *http.Client
}

func (c *Client) SetAuth(user string, pass string) {
	c.user = user
	c.pass = pass
	c.auth = true
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	req, e := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if e != nil {
		return nil, e
	}
	if c.auth {
		req.SetBasicAuth(c.user, c.pass)
	}
	return req, nil
}

// poll issues a GET against path, optionally conditional on etag, and
// optionally as a long poll that waits until the value changes.  The
// return value is the new Etag.  If the value did not change, then the
// returned etag is "" and v is untouched, but the error is nil.
func (c *Client) poll(ctx context.Context, path string, etag string, wait time.Duration, v interface{}) (string, error) {
	req, e := c.newRequest(ctx, http.MethodGet, path)
	if e != nil {
		return "", e
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
		if secs := int(wait / time.Second); secs > 0 {
			req.Header.Set(PollEtagHeader, etag)
			req.Header.Set(PollTimeHeader, strconv.Itoa(secs))
		}
	}
	res, e := c.client.Do(req)
	if e != nil {
		return "", e
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotModified {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", readError(res)
	}
	if e := json.NewDecoder(res.Body).Decode(v); e != nil {
		return "", e
	}
	return res.Header.Get("Etag"), nil
}

func readError(res *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	e := &Error{}
	if json.Unmarshal(b, e) != nil || e.Message == "" {
		return &Error{Code: res.StatusCode, Message: res.Status}
	}
	e.Code = res.StatusCode
	return e
}

func (c *Client) post(ctx context.Context, path string) error {
	req, e := c.newRequest(ctx, http.MethodPost, path)
	if e != nil {
		return e
	}
	req.Body = io.NopCloser(strings.NewReader(""))
	req.Header.Set("Content-Type", "text/plain") // we don't really care
	res, e := c.client.Do(req)
	if e != nil {
		return e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return readError(res)
	}
	return nil
}

// Info returns the supervisor summary, and its Etag.
func (c *Client) Info(ctx context.Context) (*poolvisor.Info, string, error) {
	return c.WatchInfo(ctx, "", 0)
}

// WatchInfo waits up to wait for the summary to differ from etag.  If it
// does not change, the returned info is nil and the etag is unchanged.
func (c *Client) WatchInfo(ctx context.Context, etag string, wait time.Duration) (*poolvisor.Info, string, error) {
	info := &poolvisor.Info{}
	tag, e := c.poll(ctx, "/info", etag, wait, info)
	if e != nil {
		return nil, etag, e
	}
	if tag == "" {
		return nil, etag, nil
	}
	return info, tag, nil
}

// Workers returns all workers, ordered by id.
func (c *Client) Workers(ctx context.Context) ([]poolvisor.WorkerInfo, error) {
	var v []poolvisor.WorkerInfo
	_, e := c.poll(ctx, "/workers", "", 0, &v)
	return v, e
}

func (c *Client) Worker(ctx context.Context, id int) (*poolvisor.WorkerInfo, error) {
	v := &poolvisor.WorkerInfo{}
	if _, e := c.poll(ctx, "/workers/"+strconv.Itoa(id), "", 0, v); e != nil {
		return nil, e
	}
	return v, nil
}

// Recycle asks the daemon to drain and replace worker id.
func (c *Client) Recycle(ctx context.Context, id int) error {
	return c.post(ctx, "/workers/"+strconv.Itoa(id)+"/recycle")
}

// GetLog returns the daemon's recent log records, and their Etag.
func (c *Client) GetLog(ctx context.Context) ([]poolvisor.LogRecord, string, error) {
	return c.WatchLog(ctx, "", 0)
}

// WatchLog waits up to wait for records newer than etag.  If nothing was
// logged, the returned records are nil and the etag is unchanged.
func (c *Client) WatchLog(ctx context.Context, etag string, wait time.Duration) ([]poolvisor.LogRecord, string, error) {
	var v []poolvisor.LogRecord
	tag, e := c.poll(ctx, "/log", etag, wait, &v)
	if e != nil || tag == "" {
		return nil, etag, e
	}
	return v, tag, nil
}

// Health returns the pool's health.  An unhealthy pool is reported in
// the result, not as an error.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	req, e := c.newRequest(ctx, http.MethodGet, "/health")
	if e != nil {
		return nil, e
	}
	res, e := c.client.Do(req)
	if e != nil {
		return nil, e
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusServiceUnavailable {
		return nil, readError(res)
	}
	hi := &HealthInfo{}
	if e := json.NewDecoder(res.Body).Decode(hi); e != nil {
		return nil, e
	}
	return hi, nil
}

// NewClient returns a Client handle.  The transport may be nil to use
// a default transport, but it may also be adjusted to support additional
// options such as TLS.  baseURI is the base URL to use.
func NewClient(t *http.Transport, baseURI string) *Client {
	if t == nil {
		t = &http.Transport{}
	}
	return &Client{
		base:   strings.TrimRight(baseURI, "/"),
		client: &http.Client{Transport: t},
	}
}
