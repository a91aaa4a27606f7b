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

// Command poolctl talks to the admin API of poolvisord.  It uses
// subcommands.
//
// The flags are
//
//	-a <address>	- admin API address, default is
//			  http://127.0.0.1:5001
//	-u <user:pass>	- user name & password for basic auth
//
// Subcommands are
//
//	info            - show the pool summary
//	workers         - list all workers
//	status <id>     - show one worker in detail
//	recycle <id>    - drain and replace a worker
//	log             - print the daemon's recent log
//	health          - show the pool's health, exiting 1 if not live
//	top             - full screen view that follows the pool (default)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/poolvisor"
	"github.com/gdamore/poolvisor/rest"
)

var addr string = "http://127.0.0.1:5001"
var auth string = ""

var (
	errUsage   = errors.New("bad usage")
	errNotLive = errors.New("pool is not live")
)

func usage() {
	log.Fatalf("Usage: %s [-a <address>] [-u <user:pass>] <subcommand>",
		os.Args[0])
}

// age formats the time since t, to second resolution.
func age(t time.Time) string {
	d := time.Since(t)
	d -= d % time.Second
	return d.String()
}

func showWorker(out io.Writer, w *poolvisor.WorkerInfo) {
	fmt.Fprintf(out, "%4d %7d %-9s %6d/%-6d %10s %s\n", w.ID, w.Pid,
		w.State, w.Served, w.Threshold, age(w.TimeStamp), w.Status)
}

func workerID(args []string) (int, error) {
	if len(args) != 2 {
		return 0, errUsage
	}
	id, e := strconv.Atoi(args[1])
	if e != nil {
		return 0, fmt.Errorf("%w: bad worker id %q", errUsage, args[1])
	}
	return id, nil
}

// newClient builds a client for address, with auth given as user:pass.
func newClient(address, auth string) (*rest.Client, error) {
	client := rest.NewClient(nil, address)
	if auth != "" {
		a := strings.SplitN(auth, ":", 2)
		if len(a) != 2 {
			return nil, fmt.Errorf("%w: bad user:pass supplied", errUsage)
		}
		client.SetAuth(a[0], a[1])
	}
	return client, nil
}

// command runs one non-interactive subcommand, writing its output to out.
func command(ctx context.Context, client *rest.Client, args []string, out io.Writer) error {
	switch args[0] {
	case "info":
		if len(args) != 1 {
			return errUsage
		}
		i, _, e := client.Info(ctx)
		if e != nil {
			return e
		}
		fmt.Fprintf(out, "Name:      %s\n", i.Name)
		fmt.Fprintf(out, "Bind:      %s\n", i.Bind)
		fmt.Fprintf(out, "Class:     %s\n", i.Class)
		fmt.Fprintf(out, "Workers:   %d ready of %d\n", i.Ready, i.Target)
		fmt.Fprintf(out, "Live:      %v\n", i.Live)
		fmt.Fprintf(out, "Stopping:  %v\n", i.Stopping)
		fmt.Fprintf(out, "Throttled: %v\n", i.Throttled)
		fmt.Fprintf(out, "Up:        %s\n", age(i.CreateTime))
		fmt.Fprintf(out, "Changed:   %s ago\n", age(i.UpdateTime))

	case "workers":
		if len(args) != 1 {
			return errUsage
		}
		ws, e := client.Workers(ctx)
		if e != nil {
			return e
		}
		for i := range ws {
			showWorker(out, &ws[i])
		}

	case "status":
		id, e := workerID(args)
		if e != nil {
			return e
		}
		w, e := client.Worker(ctx, id)
		if e != nil {
			return e
		}
		fmt.Fprintf(out, "Worker:    %d\n", w.ID)
		if w.Pid != 0 {
			fmt.Fprintf(out, "Pid:       %d\n", w.Pid)
		}
		fmt.Fprintf(out, "State:     %s\n", w.State)
		fmt.Fprintf(out, "Served:    %d\n", w.Served)
		if w.Threshold > 0 {
			fmt.Fprintf(out, "Recycle:   at %d\n", w.Threshold)
		}
		fmt.Fprintf(out, "Started:   %s ago\n", age(w.StartedAt))
		fmt.Fprintf(out, "Since:     %s\n", age(w.TimeStamp))
		fmt.Fprintf(out, "Detail:    %s\n", w.Status)
		if w.Error != "" {
			fmt.Fprintf(out, "Error:     %s\n", w.Error)
		}

	case "recycle":
		id, e := workerID(args)
		if e != nil {
			return e
		}
		return client.Recycle(ctx, id)

	case "log":
		if len(args) != 1 {
			return errUsage
		}
		recs, _, e := client.GetLog(ctx)
		if e != nil {
			return e
		}
		for _, r := range recs {
			fmt.Fprintln(out, r.Text)
		}

	case "health":
		if len(args) != 1 {
			return errUsage
		}
		h, e := client.Health(ctx)
		if e != nil {
			return e
		}
		fmt.Fprintf(out, "Live:      %v\n", h.Live)
		fmt.Fprintf(out, "Ready:     %d of %d\n", h.Ready, h.Target)
		if h.Status != "" {
			fmt.Fprintf(out, "Status:    %s\n", h.Status)
		}
		if !h.Live {
			return errNotLive
		}

	default:
		return errUsage
	}
	return nil
}

func main() {
	flag.StringVar(&addr, "a", addr, "poolvisord admin address")
	flag.StringVar(&auth, "u", auth, "user:pass authentication")
	flag.Parse()

	client, e := newClient(addr, auth)
	if e != nil {
		log.Fatalf("Failed: %v", e)
	}

	args := flag.Args()
	if len(args) == 0 {
		args = []string{"top"}
	}
	if args[0] == "top" {
		if e := doTop(client, addr); e != nil {
			log.Fatalf("Failed: %v", e)
		}
		return
	}

	switch e := command(context.Background(), client, args, os.Stdout); {
	case errors.Is(e, errUsage):
		usage()
	case errors.Is(e, errNotLive):
		os.Exit(1)
	case e != nil:
		log.Fatalf("Failed: %v", e)
	}
}
